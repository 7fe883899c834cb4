// Package objectstore uploads an encoded HLS output tree to an S3-compatible
// bucket. It follows the minio-go putObjecter pattern used elsewhere in the
// example pack: a narrow interface over the client so tests can substitute a
// fake, with retry/backoff and bounded parallelism layered on top.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/castforge/ingestd/internal/concurrency"
	"github.com/castforge/ingestd/internal/errkind"
	"github.com/castforge/ingestd/internal/observability/metrics"
)

// putObjecter is the narrow surface of *minio.Client this package depends
// on, so tests can inject a fake without a live endpoint.
type putObjecter interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, objectName string, opts minio.RemoveObjectOptions) error
	GetObject(ctx context.Context, bucket, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// Config wires a Store to a bucket and a public base URL used to compose
// playback links.
type Config struct {
	Endpoint      string
	Bucket        string
	AccessKeyID   string
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string
}

const (
	maxAttempts  = 5
	baseBackoff  = 100 * time.Millisecond
	jitterFactor = 0.25
)

// Store uploads files to a bucket under a prefix, with retry on transient
// failure and a fixed upload concurrency ceiling.
type Store struct {
	client        putObjecter
	bucket        string
	publicBaseURL string
	permits       *concurrency.Permits
}

// New constructs a Store backed by a live minio client.
func New(cfg Config, permits *concurrency.Permits) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailed, "construct object store client", err)
	}
	return &Store{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		permits:       permits,
	}, nil
}

// ProgressFunc reports cumulative files uploaded out of total.
type ProgressFunc func(uploaded, total int)

// UploadTree walks localRoot and uploads every regular file found under it
// to remotePrefix/<relative path>, with bounded parallelism governed by the
// store's upload permits. On any file's terminal failure, it cancels the
// remaining uploads and returns that error; files already uploaded are left
// in place for the caller's best-effort cleanup.
func (s *Store) UploadTree(ctx context.Context, localRoot, remotePrefix string, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(int, int) {}
	}
	var files []string
	err := filepathWalk(localRoot, &files)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailed, "walk output tree", err)
	}
	total := len(files)
	if total == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	var progressMu sync.Mutex
	uploaded := 0

	for _, localPath := range files {
		localPath := localPath
		relPath, err := filepath.Rel(localRoot, localPath)
		if err != nil {
			return errkind.Wrap(errkind.StorageFailed, "compute relative path", err)
		}
		remoteKey := remotePrefix + "/" + filepath.ToSlash(relPath)

		group.Go(func() error {
			if err := s.permits.Acquire(groupCtx); err != nil {
				return err
			}
			defer s.permits.Release()

			if err := s.putWithRetry(groupCtx, localPath, remoteKey); err != nil {
				return err
			}

			progressMu.Lock()
			uploaded++
			onProgress(uploaded, total)
			progressMu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return nil
}

// PutFile uploads a single local file to remoteKey, with the same
// retry/backoff and permit acquisition as UploadTree, for callers uploading
// a small number of sidecar files outside the bounded tree walk.
func (s *Store) PutFile(ctx context.Context, localPath, remoteKey string) error {
	if err := s.permits.Acquire(ctx); err != nil {
		return err
	}
	defer s.permits.Release()
	return s.putWithRetry(ctx, localPath, remoteKey)
}

// Get opens a reader over remoteKey's contents, for the HLS proxy route.
func (s *Store) Get(ctx context.Context, remoteKey string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, remoteKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailed, fmt.Sprintf("get %s", remoteKey), err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, errkind.Wrap(errkind.NotFound, fmt.Sprintf("object %s not found", remoteKey), err)
	}
	return obj, nil
}

func filepathWalk(root string, out *[]string) error {
	return walkDir(root, out)
}

func walkDir(dir string, out *[]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := walkDir(full, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, full)
	}
	return nil
}

func (s *Store) putWithRetry(ctx context.Context, localPath, remoteKey string) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.ObjectStorePutRetries.Inc()
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		metrics.ObjectStorePutAttempts.Inc()
		err := s.putOnce(ctx, localPath, remoteKey)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetriable(err) {
			metrics.ObjectStorePutFailures.Inc()
			return errkind.Wrap(errkind.UploadFailed, fmt.Sprintf("upload %s", remoteKey), err)
		}
	}
	metrics.ObjectStorePutFailures.Inc()
	return errkind.Wrap(errkind.UploadFailed, fmt.Sprintf("upload %s: exhausted retries", remoteKey), lastErr)
}

func (s *Store) putOnce(ctx context.Context, localPath, remoteKey string) error {
	putCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	contentType := contentTypeFor(localPath)
	_, err = s.client.PutObject(putCtx, s.bucket, remoteKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func sleepBackoff(ctx context.Context, attempt int) error {
	delay := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt)))
	jitter := 1 + (rand.Float64()*2-1)*jitterFactor
	delay = time.Duration(float64(delay) * jitter)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isRetriable(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.StatusCode {
		case 408, 429:
			return true
		}
		if resp.StatusCode >= 500 {
			return true
		}
		if resp.StatusCode >= 400 {
			return false
		}
	}
	// network errors, timeouts, and anything minio didn't classify are
	// assumed transient.
	return true
}

// Delete removes remoteKey from the bucket, best-effort.
func (s *Store) Delete(ctx context.Context, remoteKey string) error {
	return s.client.RemoveObject(ctx, s.bucket, remoteKey, minio.RemoveObjectOptions{})
}

// DeletePrefix removes every known key under remotePrefix as tracked by
// keys; the store does not list bucket contents to avoid an extra round
// trip, so callers (the ingest orchestrator) pass the key set they uploaded.
func (s *Store) DeletePrefix(ctx context.Context, keys []string) {
	for _, key := range keys {
		_ = s.Delete(ctx, key)
	}
}

// PublicURL composes the externally reachable URL for a remote key.
func (s *Store) PublicURL(remoteKey string) string {
	return s.publicBaseURL + "/" + strings.TrimLeft(remoteKey, "/")
}

var extraMimeTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".vtt":  "text/vtt",
	".srt":  "application/x-subrip",
	".ass":  "text/plain",
	".ssa":  "text/plain",
	".ttf":  "font/ttf",
	".otf":  "font/otf",
	".json": "application/json",
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := extraMimeTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
