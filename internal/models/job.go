package models

import (
	"path"
	"strings"
	"time"
)

// Status enumerates the lifecycle states of a job, both on the controller and in
// the persisted record.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusEnhancing  Status = "enhancing"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusAbandoned  Status = "abandoned"
)

// IsActive reports whether a job in this status still expects progress.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusProcessing || s == StatusEnhancing
}

// IsTerminal reports whether the status can only be left through an explicit reset.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusAbandoned
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusEnhancing, StatusQueued, StatusProcessing, StatusCompleted, StatusError, StatusAbandoned:
		return true
	}
	return false
}

// Mode is the kind of media a workflow produces from its inputs.
type Mode string

const (
	ModeTextToImage  Mode = "text-to-image"
	ModeImageToImage Mode = "image-to-image"
	ModeTextToVideo  Mode = "text-to-video"
	ModeImageToVideo Mode = "image-to-video"
	ModeTextToMusic  Mode = "text-to-music"
	ModeMusicToMusic Mode = "music-to-music"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeTextToImage, ModeImageToImage, ModeTextToVideo, ModeImageToVideo, ModeTextToMusic, ModeMusicToMusic:
		return true
	}
	return false
}

// IsImageClass reports whether jobs of this mode usually finish within seconds.
func (m Mode) IsImageClass() bool {
	return m == ModeTextToImage || m == ModeImageToImage
}

// FileType is the engine-side storage area of an output file.
type FileType string

const (
	FileTypeOutput FileType = "output"
	FileTypeTemp   FileType = "temp"
)

// MediaType tells clients how an output file should be displayed.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

var videoExtensions = map[string]struct{}{
	"mp4":  {},
	"webm": {},
	"avi":  {},
	"mov":  {},
	"mkv":  {},
}

// MediaTypeFor derives the media type from the filename extension. Animated
// image formats stay images since they display inline.
func MediaTypeFor(filename string) MediaType {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if _, ok := videoExtensions[ext]; ok {
		return MediaVideo
	}
	return MediaImage
}

// OutputFile is one file produced by a job.
type OutputFile struct {
	Filename  string    `json:"filename"`
	Subfolder string    `json:"subfolder"`
	Type      FileType  `json:"type"`
	MediaType MediaType `json:"mediaType"`
}

// JobRecord is the persisted view of a submitted job.
type JobRecord struct {
	ID             string       `json:"id"`
	Mode           Mode         `json:"mode"`
	WorkflowID     string       `json:"workflowId"`
	OriginalPrompt string       `json:"originalPrompt"`
	EnhancedPrompt *string      `json:"enhancedPrompt"`
	NegativePrompt string       `json:"negativePrompt"`
	Params         JobParams    `json:"params"`
	InputImagePath *string      `json:"inputImagePath"`
	OutputFiles    []OutputFile `json:"outputFiles"`
	Status         Status       `json:"status"`
	EnginePromptID *string      `json:"enginePromptId"`
	Error          *string      `json:"error"`
	CreatedAt      time.Time    `json:"createdAt"`
	CompletedAt    *time.Time   `json:"completedAt"`
}

// RecordPatch is a partial update of a JobRecord. Nil fields are left untouched.
type RecordPatch struct {
	Status         *Status       `json:"status,omitempty"`
	EnginePromptID *string       `json:"enginePromptId,omitempty"`
	EnhancedPrompt *string       `json:"enhancedPrompt,omitempty"`
	OutputFiles    *[]OutputFile `json:"outputFiles,omitempty"`
	Error          *string       `json:"error,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p RecordPatch) Empty() bool {
	return p.Status == nil && p.EnginePromptID == nil && p.EnhancedPrompt == nil &&
		p.OutputFiles == nil && p.Error == nil && p.CompletedAt == nil
}

// Apply copies the set fields of p onto rec.
func (p RecordPatch) Apply(rec *JobRecord) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.EnginePromptID != nil {
		rec.EnginePromptID = p.EnginePromptID
	}
	if p.EnhancedPrompt != nil {
		rec.EnhancedPrompt = p.EnhancedPrompt
	}
	if p.OutputFiles != nil {
		rec.OutputFiles = *p.OutputFiles
	}
	if p.Error != nil {
		rec.Error = p.Error
	}
	if p.CompletedAt != nil {
		rec.CompletedAt = p.CompletedAt
	}
}

// JobResult is the normalized answer of the job result endpoint.
type JobResult struct {
	Completed bool         `json:"completed"`
	Outputs   []OutputFile `json:"outputs"`
	Status    string       `json:"status,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Failed reports whether the engine flagged the job as errored.
func (r JobResult) Failed() bool {
	return r.Status == "error"
}

// IsComplete applies the completion rule to a result received over the wire:
// the explicit flag, a success status or any output file is enough, and an
// errored result never completes.
func (r JobResult) IsComplete() bool {
	if r.Failed() {
		return false
	}
	return r.Completed || r.Status == "success" || len(r.Outputs) > 0
}
