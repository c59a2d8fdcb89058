// Package cursor persists the ingestion cursor: how far the upstream source
// has been read.
package cursor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

// Position is the saved cursor. At is the watermark the next poll starts
// from, minus the overlap. After is set when the last poll returned a full
// page: the next poll resumes strictly after that event with no overlap, so a
// burst larger than one page inside the overlap span is still walked through.
type Position struct {
	At    time.Time               `json:"at"`
	After *models.SourcePosition `json:"after,omitempty"`
}

// Paging reports whether the last poll stopped on a full page.
func (p Position) Paging() bool {
	return p.After != nil
}

// Store loads and saves the ingestion cursor. Load reports false when no
// cursor has been saved yet.
type Store interface {
	Load(ctx context.Context) (Position, bool, error)
	Save(ctx context.Context, pos Position) error
	Close() error
}

// encode writes a plain watermark as a bare RFC3339 instant and a paging
// position as JSON.
func encode(pos Position) ([]byte, error) {
	if pos.After == nil {
		return []byte(pos.At.UTC().Format(time.RFC3339Nano)), nil
	}
	after := *pos.After
	after.At = after.At.UTC()
	return json.Marshal(Position{At: pos.At.UTC(), After: &after})
}

func decode(b []byte) (Position, error) {
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
		var pos Position
		if err := json.Unmarshal(b, &pos); err != nil {
			return Position{}, fmt.Errorf("invalid cursor value %q: %w", string(b), err)
		}
		pos.At = pos.At.UTC()
		if pos.After != nil {
			pos.After.At = pos.After.At.UTC()
		}
		return pos, nil
	}

	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return Position{}, fmt.Errorf("invalid cursor value %q: %w", string(b), err)
	}
	return Position{At: t.UTC()}, nil
}

// Memory keeps the cursor in process memory. After a restart the ingest job
// re-derives the cursor from its initial look-back.
type Memory struct {
	mu  sync.Mutex
	pos Position
	set bool
}

// NewMemory returns an empty memory cursor.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(ctx context.Context) (Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, m.set, nil
}

func (m *Memory) Save(ctx context.Context, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos.At = pos.At.UTC()
	m.pos = pos
	m.set = true
	return nil
}

func (m *Memory) Close() error {
	return nil
}
