// Package database bounds every tier store call with a deadline sized to the
// kind of operation, so a stalled backend ends a job tick instead of hanging it.
package database

import (
	"context"
	"time"
)

// Timeouts are the per-operation deadlines.
type Timeouts struct {
	Query time.Duration // counts, finds, aggregations
	Write time.Duration // single statements: level updates, index creation
	Bulk  time.Duration // batch inserts and deletes, filtered purges
}

// Defaults are the deadlines used by the Context helpers.
var Defaults = Timeouts{
	Query: 5 * time.Second,
	Write: 10 * time.Second,
	Bulk:  30 * time.Second,
}

func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, Defaults.Query)
}

func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, Defaults.Write)
}

// BulkContext is used once per batch, never around a whole scan.
func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, Defaults.Bulk)
}
