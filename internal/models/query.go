package models

import "time"

// Filter narrows tier reads. Zero values mean "no constraint".
// From is inclusive, To is inclusive.
type Filter struct {
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	Levels    []string  `json:"levels,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`
}

// Cursor is a keyset position in (Timestamp desc, UniqueIdentifier desc) order.
// Reads with a cursor return records strictly after it in that order.
type Cursor struct {
	Timestamp        time.Time `json:"timestamp"`
	UniqueIdentifier string    `json:"unique_identifier"`
}

// FindOptions controls a single-tier sorted read.
type FindOptions struct {
	Filter Filter
	After  *Cursor
	Limit  int
}

// Before reports whether a sorts before b in (Timestamp desc,
// UniqueIdentifier desc) order.
func Before(a, b *Record) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.UniqueIdentifier > b.UniqueIdentifier
}

// AfterCursor reports whether r sorts strictly after c.
func AfterCursor(r *Record, c *Cursor) bool {
	if c == nil {
		return true
	}
	if !r.Timestamp.Equal(c.Timestamp) {
		return r.Timestamp.Before(c.Timestamp)
	}
	return r.UniqueIdentifier < c.UniqueIdentifier
}

// Matches reports whether r satisfies the filter.
func (f Filter) Matches(r *Record) bool {
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	if f.AgentName != "" && r.Agent.Name != f.AgentName {
		return false
	}
	if len(f.Levels) > 0 {
		found := false
		for _, l := range f.Levels {
			if r.Rule.Level == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
