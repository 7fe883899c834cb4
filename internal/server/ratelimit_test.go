package server

import (
	"testing"
	"time"

	"github.com/castforge/ingestd/internal/testsupport/redisstub"
)

func TestRedisStoreAllowEnforcesFixedWindow(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redisstub: %v", err)
	}
	defer stub.Close()

	store := newRedisStore(stub.Addr(), "", 2*time.Second)

	for i := 0; i < 3; i++ {
		allowed, _, err := store.Allow("ingestd:upload:test", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow attempt %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("attempt %d: expected allowed", i)
		}
	}

	allowed, retryAfter, err := store.Allow("ingestd:upload:test", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow over limit: %v", err)
	}
	if allowed {
		t.Fatal("expected fourth attempt to be denied")
	}
	if retryAfter <= 0 {
		t.Fatal("expected a positive retry-after once the window is exceeded")
	}
}

func TestRateLimiterAllowUploadWithoutRedisUsesInMemoryBucket(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{UploadLimit: 1, UploadWindow: time.Minute})

	allowed, _, err := rl.AllowUpload("203.0.113.5")
	if err != nil {
		t.Fatalf("AllowUpload: %v", err)
	}
	if !allowed {
		t.Fatal("expected first upload from a client to be allowed")
	}

	allowed, _, err = rl.AllowUpload("203.0.113.5")
	if err != nil {
		t.Fatalf("AllowUpload: %v", err)
	}
	if allowed {
		t.Fatal("expected second upload within the window to be denied")
	}
}

func TestClientIPResolverTrustsForwardedHeaderOnlyWhenConfigured(t *testing.T) {
	resolver := newClientIPResolver(RateLimitConfig{TrustForwardedHeaders: true})
	if !resolver.shouldTrust("10.0.0.1:54321") {
		t.Fatal("expected resolver configured to trust forwarded headers unconditionally")
	}

	untrusting := newClientIPResolver(RateLimitConfig{})
	if untrusting.shouldTrust("10.0.0.1:54321") {
		t.Fatal("expected resolver without trust configuration to reject forwarded headers")
	}

	proxyTrusting := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8"}})
	if !proxyTrusting.shouldTrust("10.0.0.1:54321") {
		t.Fatal("expected resolver to trust a peer within a configured CIDR")
	}
	if proxyTrusting.shouldTrust("192.168.1.1:54321") {
		t.Fatal("expected resolver to reject a peer outside configured CIDRs")
	}
}
