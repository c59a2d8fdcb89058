// Package models defines the canonical security-event record and the shared
// types every tiering component reads and writes.
package models

import (
	"fmt"
	"time"
)

// Tier identifies an age-based storage partition.
type Tier int

const (
	// TierHot holds records younger than the warm threshold.
	TierHot Tier = iota
	// TierWarm holds records between the warm and cold thresholds.
	TierWarm
	// TierCold is the terminal tier; records leave it only by expiry.
	TierCold
)

// String returns the tier name used for table, index and metric labels.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// AllTiers returns tiers ordered newest to oldest.
func AllTiers() []Tier {
	return []Tier{TierHot, TierWarm, TierCold}
}

// Agent is the originating sensor or host.
type Agent struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
	IP   string `json:"ip,omitempty"`
}

// Rule carries the detection rule that produced the event.
// Level is a small non-negative integer encoded as text.
type Rule struct {
	Level       string `json:"level"`
	Description string `json:"description"`
}

// Network holds optional flow fields.
type Network struct {
	SrcIP    string `json:"srcIp,omitempty"`
	DestIP   string `json:"destIp,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// IsEmpty reports whether no network field is set.
func (n *Network) IsEmpty() bool {
	return n == nil || (n.SrcIP == "" && n.DestIP == "" && n.Protocol == "")
}

// Record is one canonical security event.
//
// Seq, CreatedAt and UpdatedAt are store bookkeeping and are assigned by the
// tier that currently holds the record. OriginalCreatedAt and
// OriginalUpdatedAt are set the first time a record moves between tiers so the
// target tier does not reinterpret the record as new.
type Record struct {
	Timestamp        time.Time      `json:"timestamp"`
	Agent            Agent          `json:"agent"`
	Rule             Rule           `json:"rule"`
	Network          *Network       `json:"network,omitempty"`
	RawLog           map[string]any `json:"rawLog,omitempty"`
	NativeID         string         `json:"nativeId,omitempty"`
	UniqueIdentifier string         `json:"uniqueIdentifier"`

	Seq       int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`

	OriginalCreatedAt *time.Time `json:"originalCreatedAt,omitempty"`
	OriginalUpdatedAt *time.Time `json:"originalUpdatedAt,omitempty"`
}

// ArrivedAt returns the instant the record first entered any tier.
func (r *Record) ArrivedAt() time.Time {
	if r.OriginalCreatedAt != nil {
		return *r.OriginalCreatedAt
	}
	return r.CreatedAt
}

// Age returns how old the record is relative to now.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// Clone returns a deep-enough copy for moving between stores. RawLog is
// shared because it is never mutated after normalization.
func (r *Record) Clone() *Record {
	c := *r
	if r.Network != nil {
		n := *r.Network
		c.Network = &n
	}
	if r.OriginalCreatedAt != nil {
		t := *r.OriginalCreatedAt
		c.OriginalCreatedAt = &t
	}
	if r.OriginalUpdatedAt != nil {
		t := *r.OriginalUpdatedAt
		c.OriginalUpdatedAt = &t
	}
	return &c
}

// PrepareForMove strips store bookkeeping and preserves the original
// creation and update instants under the Original* fields. Instants already
// preserved by an earlier move are kept.
func (r *Record) PrepareForMove() *Record {
	c := r.Clone()
	if c.OriginalCreatedAt == nil && !r.CreatedAt.IsZero() {
		t := r.CreatedAt
		c.OriginalCreatedAt = &t
	}
	if c.OriginalUpdatedAt == nil && !r.UpdatedAt.IsZero() {
		t := r.UpdatedAt
		c.OriginalUpdatedAt = &t
	}
	c.Seq = 0
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}
	return c
}

// RawEvent is one heterogeneously shaped object pulled from the upstream
// source. Payload is either a string holding encoded JSON or an already
// decoded object. At is the instant the source orders the event by.
type RawEvent struct {
	ID      string    `json:"id,omitempty"`
	Index   string    `json:"index,omitempty"`
	At      time.Time `json:"at,omitempty"`
	Payload any       `json:"payload"`
}

// Position returns the event's place in source order.
func (e RawEvent) Position() SourcePosition {
	return SourcePosition{At: e.At, ID: e.ID}
}

// SourcePosition is a place in upstream source order: ascending by At,
// then by ID.
type SourcePosition struct {
	At time.Time `json:"at"`
	ID string    `json:"id,omitempty"`
}

// Less reports whether p sorts before o.
func (p SourcePosition) Less(o SourcePosition) bool {
	if !p.At.Equal(o.At) {
		return p.At.Before(o.At)
	}
	return p.ID < o.ID
}
