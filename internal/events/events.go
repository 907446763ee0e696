// Package events implements the per-movie append-only record of artefact
// and run events. Events are persisted as ndjson and are never rewritten;
// incremental runs only append.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/keremk/tutopanda-sub001/internal/storage"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeeded", "success":
		return StatusSucceeded, nil
	case "failed", "fail":
		return StatusFailed, nil
	case "skipped", "skip":
		return StatusSkipped, nil
	default:
		return "", fmt.Errorf("invalid artefact status: %q", s)
	}
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

type OutputKind string

const (
	OutputBlob   OutputKind = "blob"
	OutputInline OutputKind = "inline"
)

// Output is the produced value of an artefact: either a reference to a
// content-addressed blob or an inline structured value. Kind is the explicit
// discriminator; exactly one of Blob/Inline is set.
type Output struct {
	Kind   OutputKind       `json:"kind"`
	Blob   *storage.BlobRef `json:"blob,omitempty"`
	Inline json.RawMessage  `json:"inline,omitempty"`
}

func BlobOutput(ref storage.BlobRef) *Output {
	return &Output{Kind: OutputBlob, Blob: &ref}
}

func InlineOutput(value json.RawMessage) *Output {
	return &Output{Kind: OutputInline, Inline: value}
}

func (o *Output) Validate() error {
	if o == nil {
		return fmt.Errorf("output is nil")
	}
	switch o.Kind {
	case OutputBlob:
		if o.Blob == nil || o.Blob.Hash == "" {
			return fmt.Errorf("blob output missing blob ref")
		}
		if len(o.Inline) != 0 {
			return fmt.Errorf("blob output carries inline value")
		}
	case OutputInline:
		if len(o.Inline) == 0 {
			return fmt.Errorf("inline output missing value")
		}
		if o.Blob != nil {
			return fmt.Errorf("inline output carries blob ref")
		}
	default:
		return fmt.Errorf("invalid output kind: %q", o.Kind)
	}
	return nil
}

// Diagnostics carries failure detail on terminal events.
type Diagnostics struct {
	Code               string `json:"code,omitempty"`
	Message            string `json:"message,omitempty"`
	UserActionRequired bool   `json:"userActionRequired,omitempty"`
	Attempt            int    `json:"attempt,omitempty"`
}

// ArtefactEvent is the immutable record of one artefact outcome.
type ArtefactEvent struct {
	EventID     string       `json:"eventId"`
	ArtefactID  string       `json:"artefactId"`
	Revision    string       `json:"revision"`
	InputsHash  string       `json:"inputsHash,omitempty"`
	Output      *Output      `json:"output,omitempty"`
	Status      Status       `json:"status"`
	ProducedBy  string       `json:"producedBy,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

func (e *ArtefactEvent) Validate() error {
	if strings.TrimSpace(e.ArtefactID) == "" {
		return fmt.Errorf("artefact event missing artefactId")
	}
	if strings.TrimSpace(e.Revision) == "" {
		return fmt.Errorf("artefact event missing revision")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("artefact event has invalid status: %q", e.Status)
	}
	if e.Status == StatusSucceeded {
		if err := e.Output.Validate(); err != nil {
			return fmt.Errorf("succeeded artefact event: %w", err)
		}
	}
	return nil
}

type RunEventType string

const (
	RunStarted   RunEventType = "run_started"
	JobStarted   RunEventType = "job_started"
	JobSkipped   RunEventType = "job_skipped"
	JobSucceeded RunEventType = "job_succeeded"
	JobFailed    RunEventType = "job_failed"
	RunCompleted RunEventType = "run_completed"
)

// RunEvent records scheduler progress for a run.
type RunEvent struct {
	EventID   string         `json:"eventId"`
	Type      RunEventType   `json:"type"`
	Revision  string         `json:"revision"`
	JobID     string         `json:"jobId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}
