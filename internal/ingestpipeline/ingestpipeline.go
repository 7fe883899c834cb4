// Package ingestpipeline drives one submitted upload through probing,
// encoding, object-store upload, sidecar extraction, and metadata commit.
// The worker pool (buffered queue, fixed worker count, in-flight dedup map)
// mirrors the upload processor used for transcode jobs elsewhere in this
// codebase; what changed is the pipeline each job runs through.
package ingestpipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castforge/ingestd/internal/chunkassembler"
	"github.com/castforge/ingestd/internal/concurrency"
	"github.com/castforge/ingestd/internal/errkind"
	"github.com/castforge/ingestd/internal/hlsencoder"
	"github.com/castforge/ingestd/internal/mediaprobe"
	"github.com/castforge/ingestd/internal/metadata"
	"github.com/castforge/ingestd/internal/models"
	"github.com/castforge/ingestd/internal/objectstore"
	"github.com/castforge/ingestd/internal/observability/metrics"
	"github.com/castforge/ingestd/internal/progressbus"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
	probeTimeout     = 60 * time.Second
	minEncodeTimeout = 10 * time.Minute
)

// Dependencies wires the pipeline to the components it drives.
type Dependencies struct {
	Bus           *progressbus.Bus
	Assembler     *chunkassembler.Assembler
	Prober        *mediaprobe.Prober
	Extractor     *mediaprobe.Extractor
	Encoder       *hlsencoder.Encoder
	ObjectStore   *objectstore.Store
	Metadata      *metadata.Store
	EncodePermits *concurrency.Permits
	WorkDir       string
	Logger        *slog.Logger
	Workers       int
	QueueSize     int
}

// Pipeline is the Ingest Orchestrator: a bounded worker pool consuming
// submitted uploads and driving each one through the full ingest state
// machine, publishing progress as it goes.
type Pipeline struct {
	deps Dependencies

	ctx    context.Context
	cancel context.CancelFunc

	queue chan job
	wg    sync.WaitGroup

	mu            sync.Mutex
	inFlight      map[string]struct{}
	encodeCancels map[string]context.CancelFunc
	started       bool
}

type job struct {
	uploadID      string
	assembledPath string
	displayName   string
	tags          []string
}

var ErrDuplicateUpload = fmt.Errorf("ingestpipeline: upload id already submitted")

// New constructs a Pipeline. Call Start to begin processing.
func New(deps Dependencies) *Pipeline {
	if deps.Workers <= 0 {
		deps.Workers = defaultWorkers
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = defaultQueueSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		deps:          deps,
		ctx:           ctx,
		cancel:        cancel,
		queue:         make(chan job, deps.QueueSize),
		inFlight:      make(map[string]struct{}),
		encodeCancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the worker goroutines.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	for i := 0; i < p.deps.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Shutdown stops accepting new work and waits for in-flight jobs to finish
// or ctx to expire, whichever comes first.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit registers uploadID with the Progress Bus and enqueues it for
// processing. It fails with ErrDuplicateUpload if uploadID is still
// registered with the Progress Bus; once its record has been evicted, the
// same id can be submitted again.
func (p *Pipeline) Submit(uploadID, displayName string, tags []string, assembledPath string) error {
	if err := p.deps.Bus.Create(uploadID); err != nil {
		return ErrDuplicateUpload
	}
	select {
	case p.queue <- job{uploadID: uploadID, assembledPath: assembledPath, displayName: displayName, tags: tags}:
		metrics.IngestsStarted.Inc()
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Cancel requests cancellation of an in-flight or queued upload. The worker
// observes this between stages and aborts cleanly; if the upload is
// currently encoding, its encode context is also cancelled directly so the
// running ffmpeg subprocess is killed rather than left to run to completion.
func (p *Pipeline) Cancel(uploadID string) error {
	if cancel := p.takeEncodeCancel(uploadID); cancel != nil {
		cancel()
	}
	return p.deps.Bus.Cancel(uploadID)
}

// setEncodeCancel registers the cancel func for uploadID's encode stage so
// Cancel can reach it. Call clearEncodeCancel once the stage exits.
func (p *Pipeline) setEncodeCancel(uploadID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.encodeCancels[uploadID] = cancel
	p.mu.Unlock()
}

func (p *Pipeline) clearEncodeCancel(uploadID string) {
	p.mu.Lock()
	delete(p.encodeCancels, uploadID)
	p.mu.Unlock()
}

// takeEncodeCancel returns and removes the registered cancel func for
// uploadID, if the upload is currently in its encode stage.
func (p *Pipeline) takeEncodeCancel(uploadID string) context.CancelFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.encodeCancels[uploadID]
	if !ok {
		return nil
	}
	delete(p.encodeCancels, uploadID)
	return cancel
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.queue:
			if !p.beginWork(j.uploadID) {
				continue
			}
			p.process(j)
			p.finishWork(j.uploadID)
		}
	}
}

func (p *Pipeline) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pipeline) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Pipeline) cancelled(uploadID string) bool {
	snap, err := p.deps.Bus.Snapshot(uploadID)
	if err != nil {
		return false
	}
	return snap.Status == models.StatusFailed
}

// process runs one upload through the full pipeline. Every exit path
// publishes a terminal progress status and cleans up the working
// directory; a best-effort attempt is made to delete any objects already
// pushed to the object store if a later stage fails.
func (p *Pipeline) process(j job) {
	logger := p.deps.Logger.With("upload_id", j.uploadID)
	workDir := filepath.Join(p.deps.WorkDir, j.uploadID)
	defer os.RemoveAll(workDir)
	defer os.Remove(j.assembledPath)

	var uploadedKeys []string
	fail := func(kind errkind.Kind, stage models.Stage, err error) {
		logger.Error("ingest failed", "stage", stage, "kind", kind, "error", err)
		metrics.IngestsByStatus.WithLabelValues(string(models.StatusFailed)).Inc()
		if len(uploadedKeys) > 0 {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			p.deps.ObjectStore.DeletePrefix(cleanupCtx, uploadedKeys)
			cancel()
		}
		_ = p.deps.Bus.Publish(j.uploadID, models.Delta{
			SetStatus: true,
			Status:    models.StatusFailed,
			SetError:  true,
			Error:     err.Error(),
		})
	}

	if p.cancelled(j.uploadID) {
		fail(errkind.Cancelled, models.StageInitializing, errkind.New(errkind.Cancelled, "cancelled before processing began"))
		return
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		fail(errkind.Internal, models.StageInitializing, errkind.Wrap(errkind.Internal, "create work directory", err))
		return
	}

	// Probe.
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetStage: true, Stage: models.StageProbing, SetStatus: true, Status: models.StatusProcessing})
	probeCtx, cancel := context.WithTimeout(p.ctx, probeTimeout)
	probe, err := p.deps.Prober.Probe(probeCtx, j.assembledPath)
	cancel()
	if err != nil {
		fail(errkind.ProbeFailed, models.StageProbing, err)
		return
	}
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetPercentage: true, Percentage: 100})

	if p.cancelled(j.uploadID) {
		fail(errkind.Cancelled, models.StageProbing, errkind.New(errkind.Cancelled, "cancelled after probe"))
		return
	}

	// Encode.
	if err := p.deps.EncodePermits.Acquire(p.ctx); err != nil {
		fail(errkind.Internal, models.StageEncoding, errkind.Wrap(errkind.Internal, "acquire encode permit", err))
		return
	}
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetStage: true, Stage: models.StageEncoding, SetStatus: true, Status: models.StatusProcessing})
	encodeTimeout := encodeTimeoutFor(probe.DurationSeconds)
	encodeCtx, cancel := context.WithTimeout(p.ctx, encodeTimeout)
	p.setEncodeCancel(j.uploadID, cancel)
	encodeOutDir := filepath.Join(workDir, "hls")
	encodeResult, err := p.deps.Encoder.Encode(encodeCtx, j.assembledPath, encodeOutDir, probe.Width, probe.Height, probe.DurationSeconds, func(detail string, percent int) {
		_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetDetails: true, Details: detail, SetPercentage: true, Percentage: percent})
	})
	p.clearEncodeCancel(j.uploadID)
	cancel()
	p.deps.EncodePermits.Release()
	if err != nil {
		if encodeCtx.Err() != nil {
			fail(errkind.Cancelled, models.StageEncoding, errkind.Wrap(errkind.Cancelled, "encode cancelled", err))
		} else {
			fail(errkind.EncodeFailed, models.StageEncoding, err)
		}
		return
	}

	if p.cancelled(j.uploadID) {
		fail(errkind.Cancelled, models.StageEncoding, errkind.New(errkind.Cancelled, "cancelled after encode"))
		return
	}

	// Upload the HLS tree and thumbnail to the object store first, so the
	// playable output is committed before the slower, more failure-prone
	// sidecar extraction runs.
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetStage: true, Stage: models.StageUploadingToObjStore, SetStatus: true, Status: models.StatusProcessing})
	videoID := uuid.NewString()
	hlsPrefix := "hls/" + videoID
	subtitlesPrefix := "subtitles/" + videoID
	attachmentsPrefix := "attachments/" + videoID
	thumbnailKey := fmt.Sprintf("thumbnails/%s.jpg", videoID)

	if err := p.deps.ObjectStore.UploadTree(p.ctx, encodeOutDir, hlsPrefix, func(uploaded, total int) {}); err != nil {
		fail(errkind.UploadFailed, models.StageUploadingToObjStore, err)
		return
	}
	uploadedKeys = append(uploadedKeys, collectRemoteKeys(encodeOutDir, hlsPrefix)...)
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetPercentage: true, Percentage: 50})

	if err := p.deps.ObjectStore.PutFile(p.ctx, encodeResult.ThumbnailPath, thumbnailKey); err != nil {
		fail(errkind.UploadFailed, models.StageUploadingToObjStore, err)
		return
	}
	uploadedKeys = append(uploadedKeys, thumbnailKey)
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetPercentage: true, Percentage: 100})

	if p.cancelled(j.uploadID) {
		fail(errkind.Cancelled, models.StageUploadingToObjStore, errkind.New(errkind.Cancelled, "cancelled after upload"))
		return
	}

	// Extract sidecars into their own directories, then upload them, so they
	// land under the subtitles/attachments object-store prefixes rather than
	// the hls/<id> tree.
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetStage: true, Stage: models.StageExtractingSidecars, SetStatus: true, Status: models.StatusProcessing})
	subtitlesDir := filepath.Join(workDir, "subtitles")
	attachmentsDir := filepath.Join(workDir, "attachments")
	if err := os.MkdirAll(subtitlesDir, 0o755); err != nil {
		fail(errkind.Internal, models.StageExtractingSidecars, errkind.Wrap(errkind.Internal, "create subtitles directory", err))
		return
	}
	if err := os.MkdirAll(attachmentsDir, 0o755); err != nil {
		fail(errkind.Internal, models.StageExtractingSidecars, errkind.Wrap(errkind.Internal, "create attachments directory", err))
		return
	}
	subtitles, err := p.deps.Extractor.ExtractSubtitles(p.ctx, j.assembledPath, subtitlesDir, probe.Subtitles)
	if err != nil {
		fail(errkind.ProbeFailed, models.StageExtractingSidecars, err)
		return
	}
	attachments, err := p.deps.Extractor.ExtractAttachments(p.ctx, j.assembledPath, attachmentsDir, probe.Attachments)
	if err != nil {
		fail(errkind.ProbeFailed, models.StageExtractingSidecars, err)
		return
	}
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetPercentage: true, Percentage: 50})

	if err := p.deps.ObjectStore.UploadTree(p.ctx, subtitlesDir, subtitlesPrefix, func(uploaded, total int) {}); err != nil {
		fail(errkind.UploadFailed, models.StageExtractingSidecars, err)
		return
	}
	uploadedKeys = append(uploadedKeys, collectRemoteKeys(subtitlesDir, subtitlesPrefix)...)

	if err := p.deps.ObjectStore.UploadTree(p.ctx, attachmentsDir, attachmentsPrefix, func(uploaded, total int) {}); err != nil {
		fail(errkind.UploadFailed, models.StageExtractingSidecars, err)
		return
	}
	uploadedKeys = append(uploadedKeys, collectRemoteKeys(attachmentsDir, attachmentsPrefix)...)
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetPercentage: true, Percentage: 100})

	if p.cancelled(j.uploadID) {
		fail(errkind.Cancelled, models.StageExtractingSidecars, errkind.New(errkind.Cancelled, "cancelled after sidecar extraction"))
		return
	}

	// Commit metadata.
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetStage: true, Stage: models.StageCommittingMetadata, SetStatus: true, Status: models.StatusProcessing})
	record := buildVideoRecord(videoID, j, probe, encodeResult, subtitles, attachments, hlsPrefix, subtitlesPrefix, attachmentsPrefix, thumbnailKey, p.deps.ObjectStore)
	if err := p.deps.Metadata.CommitVideo(p.ctx, record); err != nil {
		fail(errkind.MetadataFailed, models.StageCommittingMetadata, err)
		return
	}
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{SetPercentage: true, Percentage: 100})

	// Finalize.
	metrics.IngestsByStatus.WithLabelValues(string(models.StatusCompleted)).Inc()
	_ = p.deps.Bus.Publish(j.uploadID, models.Delta{
		SetStage:      true,
		Stage:         models.StageFinalizing,
		SetPercentage: true,
		Percentage:    100,
		SetStatus:     true,
		Status:        models.StatusCompleted,
		Result: &models.Result{
			UploadID:    j.uploadID,
			VideoID:     videoID,
			PlayerURL:   record.PlayerURL,
			PlaylistURL: record.PlaylistURL,
		},
	})
	logger.Info("ingest completed", "video_id", videoID)
}

// encodeTimeoutFor allots 10 minutes of encode budget per 60 minutes of
// source duration, with a 10 minute floor for short sources.
func encodeTimeoutFor(durationSeconds float64) time.Duration {
	proportional := time.Duration(durationSeconds/3600*10) * time.Minute
	if proportional < minEncodeTimeout {
		return minEncodeTimeout
	}
	return proportional
}

func collectRemoteKeys(localRoot, remotePrefix string) []string {
	var keys []string
	_ = filepath.Walk(localRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(localRoot, path)
		if relErr != nil {
			return nil
		}
		keys = append(keys, remotePrefix+"/"+filepath.ToSlash(rel))
		return nil
	})
	return keys
}

func buildVideoRecord(videoID string, j job, probe models.ProbeResult, encodeResult hlsencoder.Result, subtitles []models.SubtitleTrack, attachments []models.Attachment, hlsPrefix, subtitlesPrefix, attachmentsPrefix, thumbnailKey string, store *objectstore.Store) models.VideoRecord {
	resolutions := make([]int, 0, len(encodeResult.Renditions))
	for _, r := range encodeResult.Renditions {
		resolutions = append(resolutions, r.Height)
	}
	masterKey := hlsPrefix + "/" + filepath.Base(encodeResult.MasterPath)

	for i := range subtitles {
		subtitles[i].URL = store.PublicURL(subtitlesPrefix + "/" + filepath.Base(subtitles[i].URL))
	}
	for i := range attachments {
		attachments[i].URL = store.PublicURL(attachmentsPrefix + "/" + filepath.Base(attachments[i].URL))
	}

	return models.VideoRecord{
		ID:                   videoID,
		Name:                 displayNameOrDefault(j.displayName, j.uploadID),
		Tags:                 j.tags,
		AvailableResolutions: resolutions,
		DurationSeconds:      probe.DurationSeconds,
		Width:                probe.Width,
		Height:               probe.Height,
		CreatedAt:            time.Now().UTC(),
		PlaylistURL:          store.PublicURL(masterKey),
		PlayerURL:            "/player/" + videoID,
		ThumbnailURL:         store.PublicURL(thumbnailKey),
		SidecarsReady:        true,
		Subtitles:            subtitles,
		Attachments:          attachments,
		Chapters:             probe.Chapters,
	}
}

func displayNameOrDefault(name, uploadID string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return uploadID
}
