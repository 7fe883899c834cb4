package objectstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/castforge/ingestd/internal/concurrency"
)

type fakeClient struct {
	mu      sync.Mutex
	puts    map[string][]byte
	deletes []string
	failN   map[string]int
	lastErr map[string]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		puts:    make(map[string][]byte),
		failN:   make(map[string]int),
		lastErr: make(map[string]error),
	}
}

func (f *fakeClient) PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN[objectName] > 0 {
		f.failN[objectName]--
		return minio.UploadInfo{}, f.lastErr[objectName]
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.puts[objectName] = data
	return minio.UploadInfo{Key: objectName, Size: size}, nil
}

func (f *fakeClient) RemoveObject(ctx context.Context, bucket, objectName string, opts minio.RemoveObjectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.puts, objectName)
	f.deletes = append(f.deletes, objectName)
	return nil
}

func (f *fakeClient) GetObject(ctx context.Context, bucket, objectName string, opts minio.GetObjectOptions) (*minio.Object, error) {
	return nil, errors.New("GetObject is not exercised by these fakes")
}

func (f *fakeClient) putCount(objectName string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.puts[objectName]
	return len(data), ok
}

func newTestStore(client putObjecter) *Store {
	return &Store{
		client:        client,
		bucket:        "ingestd",
		publicBaseURL: "https://cdn.example.com",
		permits:       concurrency.NewPermits(2),
	}
}

func TestUploadTreeUploadsEveryFileUnderPrefix(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "master.m3u8"), "playlist")
	mustWriteFile(t, filepath.Join(root, "720p", "segment_0.m4s"), "segment-data")

	client := newFakeClient()
	store := newTestStore(client)

	var progressCalls []int
	var mu sync.Mutex
	err := store.UploadTree(context.Background(), root, "hls/video-1", func(uploaded, total int) {
		mu.Lock()
		defer mu.Unlock()
		progressCalls = append(progressCalls, uploaded)
		if total != 2 {
			t.Fatalf("expected total 2, got %d", total)
		}
	})
	if err != nil {
		t.Fatalf("UploadTree returned error: %v", err)
	}

	if _, ok := client.putCount("hls/video-1/master.m3u8"); !ok {
		t.Fatal("expected master.m3u8 to be uploaded")
	}
	if _, ok := client.putCount("hls/video-1/720p/segment_0.m4s"); !ok {
		t.Fatal("expected segment file to be uploaded")
	}

	sort.Ints(progressCalls)
	if len(progressCalls) != 2 || progressCalls[0] != 1 || progressCalls[1] != 2 {
		t.Fatalf("expected progress calls for 1 and 2, got %v", progressCalls)
	}
}

func TestUploadTreeWithNoFilesIsANoop(t *testing.T) {
	root := t.TempDir()
	client := newFakeClient()
	store := newTestStore(client)

	called := false
	err := store.UploadTree(context.Background(), root, "hls/empty", func(int, int) { called = true })
	if err != nil {
		t.Fatalf("expected nil error for empty tree, got %v", err)
	}
	if called {
		t.Fatal("expected no progress callback for an empty tree")
	}
}

func TestUploadTreeFailsFastOnTerminalError(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "bad.ts"), "segment")

	client := newFakeClient()
	client.failN["hls/video-1/bad.ts"] = maxAttempts
	client.lastErr["hls/video-1/bad.ts"] = minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied"}
	store := newTestStore(client)

	err := store.UploadTree(context.Background(), root, "hls/video-1", nil)
	if err == nil {
		t.Fatal("expected UploadTree to return the terminal error")
	}
}

func TestPutFileUploadsSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thumbnail.jpg")
	mustWriteFile(t, path, "jpeg-bytes")

	client := newFakeClient()
	store := newTestStore(client)

	if err := store.PutFile(context.Background(), path, "thumbnails/video-1.jpg"); err != nil {
		t.Fatalf("PutFile returned error: %v", err)
	}
	size, ok := client.putCount("thumbnails/video-1.jpg")
	if !ok || size != len("jpeg-bytes") {
		t.Fatalf("expected thumbnail to be stored with correct size, got %d (ok=%v)", size, ok)
	}
}

func TestPutFileRetriesOnTransientErrorThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subtitle.vtt")
	mustWriteFile(t, path, "WEBVTT")

	client := newFakeClient()
	client.failN["subtitles/video-1/0.vtt"] = 2
	client.lastErr["subtitles/video-1/0.vtt"] = minio.ErrorResponse{StatusCode: 503}
	store := newTestStore(client)

	if err := store.PutFile(context.Background(), path, "subtitles/video-1/0.vtt"); err != nil {
		t.Fatalf("expected retries to eventually succeed, got %v", err)
	}
}

func TestDeletePrefixBestEffortDeletesEveryKey(t *testing.T) {
	client := newFakeClient()
	store := newTestStore(client)

	store.DeletePrefix(context.Background(), []string{"hls/video-1/master.m3u8", "hls/video-1/720p.m3u8"})

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.deletes) != 2 {
		t.Fatalf("expected 2 deletes, got %d", len(client.deletes))
	}
}

func TestPublicURLJoinsBaseAndKey(t *testing.T) {
	store := newTestStore(newFakeClient())
	got := store.PublicURL("/hls/video-1/master.m3u8")
	want := "https://cdn.example.com/hls/video-1/master.m3u8"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestContentTypeForKnownAndUnknownExtensions(t *testing.T) {
	cases := map[string]string{
		"master.m3u8":   "application/vnd.apple.mpegurl",
		"segment_0.ts":  "video/mp2t",
		"segment_0.m4s": "video/iso.segment",
		"thumb.jpg":     "image/jpeg",
		"track.vtt":     "text/vtt",
		"unknownfile":   "application/octet-stream",
	}
	for name, want := range cases {
		if got := contentTypeFor(name); got != want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestIsRetriableClassifiesMinioErrorResponses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"server error retriable", minio.ErrorResponse{StatusCode: 503}, true},
		{"too many requests retriable", minio.ErrorResponse{StatusCode: 429}, true},
		{"request timeout retriable", minio.ErrorResponse{StatusCode: 408}, true},
		{"forbidden not retriable", minio.ErrorResponse{StatusCode: 403}, false},
		{"not found not retriable", minio.ErrorResponse{StatusCode: 404}, false},
		{"unclassified network error retriable", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		if got := isRetriable(tc.err); got != tc.want {
			t.Errorf("%s: isRetriable() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func mustWriteFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
