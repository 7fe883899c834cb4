// Package models holds the data types shared across the ingest pipeline:
// progress records, chunk sets, and the persisted video metadata shape.
package models

import "time"

// Stage names a step of the ingest state machine. Order matters for
// progress-monotonicity checks but the enum itself carries no ordering
// guarantee beyond what the Orchestrator enforces.
type Stage string

const (
	StageInitializing        Stage = "Initializing"
	StageProbing             Stage = "Probing"
	StageEncoding            Stage = "Encoding"
	StageUploadingToObjStore Stage = "UploadingToObjectStore"
	StageExtractingSidecars  Stage = "ExtractingSidecars"
	StageCommittingMetadata  Stage = "CommittingMetadata"
	StageFinalizing          Stage = "Finalizing"
)

// Status is the terminal/non-terminal lifecycle state of a ProgressRecord.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result carries the terminal-success payload embedded in a ProgressRecord.
type Result struct {
	UploadID    string `json:"upload_id"`
	VideoID     string `json:"video_id,omitempty"`
	PlayerURL   string `json:"player_url,omitempty"`
	PlaylistURL string `json:"playlist_url,omitempty"`
}

// ProgressRecord is the live, mutable progress snapshot for one ingest. It is
// always copied by value when handed to a subscriber — callers never receive
// a pointer into the Progress Bus's internal state.
type ProgressRecord struct {
	UploadID     string    `json:"upload_id"`
	Stage        Stage     `json:"stage"`
	Percentage   int       `json:"percentage"`
	CurrentChunk int       `json:"current_chunk"`
	TotalChunks  int       `json:"total_chunks"`
	Details      string    `json:"details,omitempty"`
	Status       Status    `json:"status"`
	Result       *Result   `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	Sequence     uint64    `json:"-"`
	CreatedAt    time.Time `json:"-"`
}

// Delta is a partial update applied atomically to a ProgressRecord by
// Publish. Nil/zero fields are left untouched except where the corresponding
// Set flag is true.
type Delta struct {
	Stage           Stage
	SetStage        bool
	Percentage      int
	SetPercentage   bool
	CurrentChunk    int
	TotalChunks     int
	SetChunkCounts  bool
	Details         string
	SetDetails      bool
	Status          Status
	SetStatus       bool
	Result          *Result
	Error           string
	SetError        bool
}

// Rendition describes one HLS resolution rung produced for a video.
type Rendition struct {
	Height          int `json:"height"`
	VideoBitrateKbps int `json:"video_bitrate_kbps"`
	AudioBitrateKbps int `json:"audio_bitrate_kbps"`
}

// Ladder is the fixed resolution ladder from spec §4.4, ordered highest to
// lowest. A rendition is produced iff the source height is >= its Height.
var Ladder = []Rendition{
	{Height: 1080, VideoBitrateKbps: 5000, AudioBitrateKbps: 192},
	{Height: 720, VideoBitrateKbps: 2800, AudioBitrateKbps: 128},
	{Height: 480, VideoBitrateKbps: 1400, AudioBitrateKbps: 128},
	{Height: 360, VideoBitrateKbps: 800, AudioBitrateKbps: 96},
}

// SubtitleTrack is a probed/extracted subtitle stream.
type SubtitleTrack struct {
	Track    int    `json:"track"`
	Codec    string `json:"codec"`
	Language string `json:"language"`
	URL      string `json:"url,omitempty"`
}

// Attachment is a probed/extracted font attachment.
type Attachment struct {
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	URL      string `json:"url,omitempty"`
}

// Chapter is one probed chapter marker.
type Chapter struct {
	Index    int    `json:"index"`
	StartMS  int64  `json:"start_ms"`
	EndMS    int64  `json:"end_ms"`
	Title    string `json:"title"`
}

// ProbeResult is what Media Probe extracts from a source file.
type ProbeResult struct {
	DurationSeconds float64
	Width           int
	Height          int
	AudioCodec      string
	Subtitles       []SubtitleTrack
	Attachments     []Attachment
	Chapters        []Chapter
}

// VideoRecord is the persisted metadata row for a committed ingest.
type VideoRecord struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Tags                 []string  `json:"tags"`
	AvailableResolutions []int     `json:"available_resolutions"`
	DurationSeconds      float64   `json:"duration_seconds"`
	Width                int       `json:"width"`
	Height               int       `json:"height"`
	CreatedAt            time.Time `json:"created_at"`
	PlaylistURL          string    `json:"playlist_url"`
	PlayerURL            string    `json:"player_url"`
	ThumbnailURL         string    `json:"thumbnail_url"`
	ViewCount            int64     `json:"view_count"`
	SidecarsReady        bool      `json:"sidecars_ready"`

	Subtitles   []SubtitleTrack `json:"subtitles,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Chapters    []Chapter       `json:"chapters,omitempty"`
}

// VideoUpdate is a partial patch applied to a VideoRecord by the admin edit
// endpoint.
type VideoUpdate struct {
	Name *string
	Tags []string
}
