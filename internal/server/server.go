package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castforge/ingestd/internal/api"
	"github.com/castforge/ingestd/internal/auth"
	"github.com/castforge/ingestd/internal/observability/metrics"
)

// TLSConfig defines certificate files that enable TLS for the HTTP listener
// created by Server. When both CertFile and KeyFile are provided the server
// starts with TLS; otherwise it falls back to plain HTTP on Config.Addr.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config aggregates the dependencies and settings required to construct a
// Server. Addr determines the listen address, TLS controls whether HTTPS is
// enabled, RateLimit configures per-client throttling, CORS and Security
// control the cross-origin and hardening headers applied to every response,
// Logger and AuditLogger provide structured logging, and AdminToken gates
// every upload/queue/admin route behind a bearer-token check.
type Config struct {
	Addr        string
	TLS         TLSConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	AdminToken  string
}

// Server wraps the configured http.Server alongside observability, rate
// limiting, and TLS metadata derived from Config. It exposes lifecycle
// methods for starting and gracefully shutting down the listener created by
// New.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	auditLogger *slog.Logger
	rateLimiter *rateLimiter
	ipResolver  *clientIPResolver
	tlsCertFile string
	tlsKeyFile  string
}

// New wires the HTTP router and middleware chain for the ingest service. It
// registers the upload, progress, queue inspector, admin video, sidecar
// metadata, HLS proxy, player, and analytics routes on a mux, applying a
// bearer-token check to every route that mutates ingest state or exposes
// admin listings. Playback-facing routes (the player page, the HLS proxy,
// sidecar reads, and viewer analytics) are left open to unauthenticated
// clients, matching this service's playback-is-public posture.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	checker := auth.New(cfg.AdminToken)

	protect := func(route string, h http.HandlerFunc) http.Handler {
		return metrics.HTTPMiddleware(route, checker.Middleware(h))
	}
	public := func(route string, h http.HandlerFunc) http.Handler {
		return metrics.HTTPMiddleware(route, h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.HandleFunc("/readyz", handler.Ready)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/api/upload", protect("upload", handler.Upload))
	mux.Handle("/api/upload/chunk", protect("upload_chunk", handler.UploadChunk))
	mux.Handle("/api/upload/finalize", protect("upload_finalize", handler.UploadFinalize))
	mux.Handle("/api/progress/", protect("progress", handler.Progress))
	mux.Handle("/api/queues", protect("queues", handler.Queues))
	mux.Handle("/api/queues/", protect("queues_by_id", handler.QueueByID))

	mux.Handle("/api/videos", protect("videos", handler.Videos))
	mux.Handle("/api/videos/", videosSubrouter(handler, checker))

	mux.Handle("/player/", public("player", handler.Player))
	mux.Handle("/hls/", public("hls", handler.HLS))
	mux.Handle("/api/analytics/realtime", public("analytics_realtime", handler.AnalyticsRealtime))
	mux.Handle("/api/analytics/history", public("analytics_history", handler.AnalyticsHistory))

	rl := newRateLimiter(cfg.RateLimit)
	ipResolver := newClientIPResolver(cfg.RateLimit)
	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors policy: %w", err)
	}

	handlerChain := http.Handler(mux)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(corsPolicy, cfg.Logger, handlerChain)
	handlerChain = rateLimitMiddleware(rl, ipResolver, cfg.Logger, handlerChain)
	handlerChain = auditMiddleware(cfg.AuditLogger, ipResolver, handlerChain)
	handlerChain = loggingMiddleware(cfg.Logger, ipResolver, handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // progress and analytics routes hold long-lived SSE connections
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		auditLogger: cfg.AuditLogger,
		rateLimiter: rl,
		ipResolver:  ipResolver,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// videosSubrouter dispatches /api/videos/{id}[/...] requests: sidecar reads
// (subtitles, attachments, chapters) and the heartbeat ping are left public,
// while the edit route requires the admin bearer token.
func videosSubrouter(handler *api.Handler, checker *auth.TokenChecker) http.Handler {
	return metrics.HTTPMiddleware("videos_by_id", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.Contains(path, "/subtitles"):
			handler.VideoSubtitles(w, r)
		case strings.HasSuffix(path, "/attachments"):
			handler.VideoAttachments(w, r)
		case strings.HasSuffix(path, "/chapters"):
			handler.VideoChapters(w, r)
		case strings.HasSuffix(path, "/heartbeat"):
			handler.VideoHeartbeat(w, r)
		default:
			checker.Middleware(http.HandlerFunc(handler.VideoByID)).ServeHTTP(w, r)
		}
	}))
}

// HTTPServer exposes the underlying *http.Server so callers can drive it
// with a shared graceful-shutdown runner instead of Start/Shutdown directly.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (sr *statusRecorder) ReadFrom(r io.Reader) (int64, error) {
	if readerFrom, ok := sr.ResponseWriter.(io.ReaderFrom); ok {
		return readerFrom.ReadFrom(r)
	}
	return io.Copy(sr.ResponseWriter, r)
}

func loggingMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)
		loggerWithRequest := loggingWithRequest(logger, resolver, r)
		if loggerWithRequest == nil {
			loggerWithRequest = logger
		}
		loggerWithRequest.Info("request completed",
			"method", r.Method,
			"status", recorder.status,
			"duration_ms", duration.Milliseconds())
	})
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/upload") {
			ip, source := resolveClientIP(r, resolver)
			allowed, retryAfter, err := rl.AllowUpload(ip)
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err, "remote_ip", ip, "ip_source", source)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if logger != nil {
					logger.Warn("upload rate limited", "remote_ip", ip, "ip_source", source)
				}
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many upload attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func auditMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		if !shouldAudit(r) {
			return
		}
		duration := time.Since(start)
		ip, source := resolveClientIP(r, resolver)
		logger.Info("audit",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration_ms", duration.Milliseconds(),
			"remote_ip", ip,
			"ip_source", source)
	})
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceXForwardedFor = "x_forwarded_for"
	ipSourceXRealIP       = "x_real_ip"
)

type clientIPResolver struct {
	trustForwarded bool
	trustedNets    []*net.IPNet
}

func newClientIPResolver(cfg RateLimitConfig) *clientIPResolver {
	resolver := &clientIPResolver{trustForwarded: cfg.TrustForwardedHeaders}
	for _, raw := range cfg.TrustedProxies {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(trimmed); err == nil {
			resolver.trustedNets = append(resolver.trustedNets, network)
			continue
		}
		ip := net.ParseIP(trimmed)
		if ip == nil {
			continue
		}
		maskSize := 128
		if ip.To4() != nil {
			maskSize = 32
		}
		resolver.trustedNets = append(resolver.trustedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(maskSize, maskSize)})
	}
	return resolver
}

func (r *clientIPResolver) ClientIPFromRequest(req *http.Request) (string, string) {
	if req == nil {
		return "", ipSourceRemoteAddr
	}
	if r != nil && r.shouldTrust(req.RemoteAddr) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for _, part := range parts {
				trimmed := strings.TrimSpace(part)
				if trimmed != "" {
					return trimmed, ipSourceXForwardedFor
				}
			}
		}
		if xrip := strings.TrimSpace(req.Header.Get("X-Real-IP")); xrip != "" {
			return xrip, ipSourceXRealIP
		}
	}
	return clientIP(req.RemoteAddr), ipSourceRemoteAddr
}

func (r *clientIPResolver) shouldTrust(remoteAddr string) bool {
	if r == nil {
		return false
	}
	if r.trustForwarded {
		return true
	}
	if len(r.trustedNets) == 0 {
		return false
	}
	host := clientIP(remoteAddr)
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range r.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func resolveClientIP(r *http.Request, resolver *clientIPResolver) (string, string) {
	if resolver == nil {
		return clientIP(r.RemoteAddr), ipSourceRemoteAddr
	}
	return resolver.ClientIPFromRequest(r)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
