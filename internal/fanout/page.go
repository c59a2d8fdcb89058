package fanout

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/telhawk-systems/telhawk-tiering/internal/database"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

// PageResult is one merged page plus the window's totals.
type PageResult struct {
	Records    []*models.Record `json:"records"`
	Total      int64            `json:"total"`
	Levels     map[string]int64 `json:"levels"`
	Tiers      []string         `json:"tiers"`
	TiersRead  []string         `json:"tiers_read"`
	Errors     []*TierError     `json:"errors,omitempty"`
	NextCursor *models.Cursor   `json:"next_cursor,omitempty"`
	Page       int              `json:"page,omitempty"`
	Limit      int              `json:"limit"`
}

// Page returns one page of records merged across the selected tiers.
//
// Tiers are read newest to oldest for offset+limit records each. The next
// tier is read only when the current one came up short, or its oldest
// returned record is not strictly newer than the next tier's age boundary,
// since only then can the older tier hold records that belong on the page.
func (f *Fanout) Page(ctx context.Context, q Query) (*PageResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = f.cfg.DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	page := q.Page
	if page <= 0 || q.Cursor != nil {
		page = 1
	}
	offset := (page - 1) * limit
	if offset+limit > f.cfg.MaxDepth {
		return nil, fmt.Errorf("%w: page %d with limit %d exceeds %d", ErrDepthExceeded, page, limit, f.cfg.MaxDepth)
	}
	want := offset + limit

	now := f.now()
	filter, tiers := f.resolve(q)
	res := &PageResult{Tiers: tierNames(tiers), Limit: limit}
	if q.Cursor == nil {
		res.Page = page
	}

	lists := make([][]*models.Record, 0, len(tiers))
	for i, tier := range tiers {
		records, err := f.find(ctx, tier, models.FindOptions{Filter: filter, After: q.Cursor, Limit: want})
		res.TiersRead = append(res.TiersRead, tier.String())
		if err != nil {
			res.Errors = append(res.Errors, f.tierError(ctx, tier, "find", err))
			continue
		}
		lists = append(lists, records)

		// A full page whose oldest row still belongs to this tier cannot be
		// displaced by anything older. Placement is judged against the
		// current thresholds.
		if i+1 < len(tiers) && len(records) >= want {
			if held, _ := f.policy.TierFor(records[len(records)-1].Age(now)); held < tiers[i+1] {
				break
			}
		}
	}

	merged := Merge(lists, want)
	if offset < len(merged) {
		res.Records = merged[offset:]
	} else {
		res.Records = []*models.Record{}
	}
	if len(res.Records) == limit {
		last := res.Records[len(res.Records)-1]
		res.NextCursor = &models.Cursor{Timestamp: last.Timestamp, UniqueIdentifier: last.UniqueIdentifier}
	}

	total, err := f.count(ctx, filter, tiers)
	if err != nil {
		return nil, err
	}
	res.Total = total.Total
	res.Errors = append(res.Errors, total.Errors...)

	levels, err := f.levels(ctx, filter, tiers)
	if err != nil {
		return nil, err
	}
	res.Levels = levels.Levels
	res.Errors = append(res.Errors, levels.Errors...)

	return res, nil
}

func (f *Fanout) find(ctx context.Context, tier models.Tier, opts models.FindOptions) ([]*models.Record, error) {
	queryCtx, cancel := database.QueryContext(ctx)
	defer cancel()
	return f.store.Collection(tier).Find(queryCtx, opts)
}

// Merge k-way merges lists already sorted in (Timestamp desc,
// UniqueIdentifier desc) order and returns at most limit records. A record
// present in more than one list, as happens while a move is in flight, is
// returned once.
func Merge(lists [][]*models.Record, limit int) []*models.Record {
	h := make(cursorHeap, 0, len(lists))
	for _, l := range lists {
		if len(l) > 0 {
			h = append(h, &listCursor{records: l})
		}
	}
	heap.Init(&h)

	out := make([]*models.Record, 0, limit)
	var last *models.Record
	for h.Len() > 0 && len(out) < limit {
		c := h[0]
		r := c.records[c.pos]
		c.pos++
		if c.pos == len(c.records) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}

		if last != nil && last.UniqueIdentifier == r.UniqueIdentifier {
			continue
		}
		out = append(out, r)
		last = r
	}
	return out
}

type listCursor struct {
	records []*models.Record
	pos     int
}

type cursorHeap []*listCursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	return models.Before(h[i].records[h[i].pos], h[j].records[h[j].pos])
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*listCursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
