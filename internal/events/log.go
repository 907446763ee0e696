package events

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/keremk/tutopanda-sub001/internal/storage"
)

const (
	artefactLogName = "events/artefacts.ndjson"
	runLogName      = "events/runs.ndjson"
)

// Log appends and replays per-movie event streams.
type Log struct {
	store storage.Context
}

func NewLog(store storage.Context) *Log {
	return &Log{store: store}
}

// NewEventID returns a ULID for event identity.
func NewEventID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// AppendArtefact persists the event; durability is guaranteed before return.
func (l *Log) AppendArtefact(ctx context.Context, movieID string, ev ArtefactEvent) error {
	if err := fillEventDefaults(&ev.EventID, &ev.Timestamp); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	return l.appendLine(ctx, movieID, artefactLogName, ev)
}

// AppendRun persists a run progress event.
func (l *Log) AppendRun(ctx context.Context, movieID string, ev RunEvent) error {
	if err := fillEventDefaults(&ev.EventID, &ev.Timestamp); err != nil {
		return err
	}
	if strings.TrimSpace(string(ev.Type)) == "" {
		return fmt.Errorf("run event missing type")
	}
	return l.appendLine(ctx, movieID, runLogName, ev)
}

func (l *Log) appendLine(ctx context.Context, movieID, name string, v any) error {
	p, err := storage.JoinPath(movieID, name)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.store.Append(ctx, p, append(b, '\n'))
}

type ListOptions struct {
	// SinceRevision skips everything up to and including the last event
	// belonging to the given revision.
	SinceRevision string
}

// ListArtefacts returns artefact events in append order.
func (l *Log) ListArtefacts(ctx context.Context, movieID string, opts ListOptions) ([]ArtefactEvent, error) {
	p, err := storage.JoinPath(movieID, artefactLogName)
	if err != nil {
		return nil, err
	}
	raw, err := l.store.ReadBytes(ctx, p)
	if err != nil {
		var notExist *storage.NotExistError
		if errors.As(err, &notExist) {
			return nil, nil
		}
		return nil, err
	}

	var all []ArtefactEvent
	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ev ArtefactEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("decode %s line %d: %w", p, line, err)
		}
		all = append(all, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	since := strings.TrimSpace(opts.SinceRevision)
	if since == "" {
		return all, nil
	}
	cut := -1
	for i, ev := range all {
		if ev.Revision == since {
			cut = i
		}
	}
	return all[cut+1:], nil
}

// LatestArtefact returns the most recent event for the artefact id, or nil
// when none exists.
func (l *Log) LatestArtefact(ctx context.Context, movieID, artefactID string) (*ArtefactEvent, error) {
	all, err := l.ListArtefacts(ctx, movieID, ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].ArtefactID == artefactID {
			ev := all[i]
			return &ev, nil
		}
	}
	return nil, nil
}

// ForRevision returns the artefact events belonging to one revision, in
// append order.
func (l *Log) ForRevision(ctx context.Context, movieID, revision string) ([]ArtefactEvent, error) {
	all, err := l.ListArtefacts(ctx, movieID, ListOptions{})
	if err != nil {
		return nil, err
	}
	var out []ArtefactEvent
	for _, ev := range all {
		if ev.Revision == revision {
			out = append(out, ev)
		}
	}
	return out, nil
}

func fillEventDefaults(eventID *string, ts *time.Time) error {
	if strings.TrimSpace(*eventID) == "" {
		id, err := NewEventID()
		if err != nil {
			return err
		}
		*eventID = id
	}
	if ts.IsZero() {
		*ts = time.Now().UTC()
	}
	return nil
}
