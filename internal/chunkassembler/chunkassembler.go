// Package chunkassembler accepts numbered, possibly out-of-order chunks for
// an upload id, stages them to disk, and assembles them into a single file on
// finalize. Each chunk is written directly to its final staging path; there
// is no temp-file-then-rename step.
package chunkassembler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castforge/ingestd/internal/observability/metrics"
)

var (
	ErrChunkMismatch    = errors.New("chunkassembler: total or file name mismatch")
	ErrInvalidIndex     = errors.New("chunkassembler: index out of range")
	ErrIncomplete       = errors.New("chunkassembler: not all chunks received")
	ErrAlreadyFinalized = errors.New("chunkassembler: already finalized")
	ErrUnknownUpload    = errors.New("chunkassembler: unknown upload id")
)

const DefaultTTL = time.Hour

type chunkSet struct {
	mu          sync.Mutex
	uploadID    string
	total       int
	fileName    string
	received    map[int]struct{}
	dir         string
	lastActive  time.Time
	finalized   bool
	stagedBytes int64
}

// Assembler owns the staging area under root and the in-memory map of active
// ChunkSets.
type Assembler struct {
	root   string
	ttl    time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	sets map[string]*chunkSet

	stagedBytesTotal int64
}

// New creates an Assembler rooted at dir. dir is created if missing.
func New(dir string, ttl time.Duration, logger *slog.Logger) (*Assembler, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Assembler{root: dir, ttl: ttl, logger: logger, sets: make(map[string]*chunkSet)}, nil
}

func (a *Assembler) stagingDir(uploadID string) string {
	return filepath.Join(a.root, uploadID)
}

func (a *Assembler) getOrCreate(uploadID string, total int, fileName string) (*chunkSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.sets[uploadID]
	if !ok {
		dir := a.stagingDir(uploadID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create chunk staging dir: %w", err)
		}
		set = &chunkSet{
			uploadID:   uploadID,
			total:      total,
			fileName:   fileName,
			received:   make(map[int]struct{}),
			dir:        dir,
			lastActive: time.Now(),
		}
		a.sets[uploadID] = set
	}
	return set, nil
}

// PutChunk persists one chunk to <staging>/<upload_id>/<index>. The first
// call for an upload id fixes its total and file name; subsequent calls must
// match or fail with ErrChunkMismatch. Duplicate indices are accepted
// idempotently (last write wins).
func (a *Assembler) PutChunk(uploadID string, index, total int, fileName string, r io.Reader) error {
	if index < 0 || (total > 0 && index >= total) {
		return ErrInvalidIndex
	}
	set, err := a.getOrCreate(uploadID, total, fileName)
	if err != nil {
		return err
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.finalized {
		return ErrAlreadyFinalized
	}
	if set.total != total || set.fileName != fileName {
		a.logger.Warn("chunk set mismatch", "upload_id", uploadID, "expected_total", set.total, "got_total", total)
		return ErrChunkMismatch
	}
	path := filepath.Join(set.dir, strconv.Itoa(index))
	var previousSize int64
	if info, statErr := os.Stat(path); statErr == nil {
		previousSize = info.Size()
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	written, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("write chunk: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close chunk file: %w", closeErr)
	}
	if _, dup := set.received[index]; dup {
		a.logger.Info("duplicate chunk received, overwritten", "upload_id", uploadID, "index", index)
	}
	set.received[index] = struct{}{}
	set.lastActive = time.Now()
	set.stagedBytes += written - previousSize
	a.addStagedBytes(written - previousSize)
	return nil
}

func (a *Assembler) addStagedBytes(delta int64) {
	metrics.ChunkAssemblerStagedBytes.Set(float64(atomic.AddInt64(&a.stagedBytesTotal, delta)))
}

// Finalized is the result of a successful Finalize call.
type Finalized struct {
	Path        string
	DisplayName string
	Tags        []string
}

// Finalize concatenates all received chunks in index order into
// <staging>/<upload_id>/assembled, then removes the individual chunk files.
// It is single-shot: a second call fails with ErrAlreadyFinalized.
func (a *Assembler) Finalize(uploadID, displayName string, tags []string) (Finalized, error) {
	a.mu.Lock()
	set, ok := a.sets[uploadID]
	a.mu.Unlock()
	if !ok {
		return Finalized{}, ErrUnknownUpload
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.finalized {
		return Finalized{}, ErrAlreadyFinalized
	}
	if len(set.received) != set.total {
		return Finalized{}, ErrIncomplete
	}
	assembledPath := filepath.Join(set.dir, "assembled")
	out, err := os.Create(assembledPath)
	if err != nil {
		return Finalized{}, fmt.Errorf("create assembled file: %w", err)
	}
	defer out.Close()
	for i := 0; i < set.total; i++ {
		chunkPath := filepath.Join(set.dir, strconv.Itoa(i))
		if err := appendChunk(out, chunkPath); err != nil {
			return Finalized{}, fmt.Errorf("append chunk %d: %w", i, err)
		}
	}
	for i := 0; i < set.total; i++ {
		_ = os.Remove(filepath.Join(set.dir, strconv.Itoa(i)))
	}
	set.finalized = true
	a.addStagedBytes(-set.stagedBytes)
	set.stagedBytes = 0
	return Finalized{Path: assembledPath, DisplayName: displayName, Tags: tags}, nil
}

func appendChunk(dst *os.File, chunkPath string) error {
	src, err := os.Open(chunkPath)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

// Abort deletes the staging directory for uploadID and forgets the set.
func (a *Assembler) Abort(uploadID string) error {
	a.mu.Lock()
	set, ok := a.sets[uploadID]
	if ok {
		delete(a.sets, uploadID)
	}
	a.mu.Unlock()
	if ok {
		set.mu.Lock()
		if !set.finalized {
			a.addStagedBytes(-set.stagedBytes)
			set.stagedBytes = 0
		}
		set.mu.Unlock()
	}
	dir := a.stagingDir(uploadID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	return nil
}

// StartSweeper aborts ChunkSets idle longer than the configured TTL, on the
// given interval, until stop() is called.
func (a *Assembler) StartSweeper(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	stopCh := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				a.sweepExpired()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-done
		})
	}
}

func (a *Assembler) sweepExpired() {
	cutoff := time.Now().Add(-a.ttl)
	a.mu.Lock()
	var expired []string
	for id, set := range a.sets {
		set.mu.Lock()
		idle := !set.finalized && set.lastActive.Before(cutoff)
		set.mu.Unlock()
		if idle {
			expired = append(expired, id)
		}
	}
	a.mu.Unlock()
	for _, id := range expired {
		a.logger.Info("chunk set expired, aborting", "upload_id", id)
		if err := a.Abort(id); err != nil {
			a.logger.Error("failed to abort expired chunk set", "upload_id", id, "error", err)
		}
	}
}
