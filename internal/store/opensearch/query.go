package opensearch

import (
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

// document is the indexed form of a record. Unlike models.Record it keeps
// the sequence number in _source.
type document struct {
	Timestamp        time.Time       `json:"timestamp"`
	Agent            models.Agent    `json:"agent"`
	Rule             models.Rule     `json:"rule"`
	Network          *models.Network `json:"network,omitempty"`
	RawLog           map[string]any  `json:"rawLog,omitempty"`
	NativeID         string          `json:"nativeId,omitempty"`
	UniqueIdentifier string          `json:"uniqueIdentifier"`

	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	OriginalCreatedAt *time.Time `json:"originalCreatedAt,omitempty"`
	OriginalUpdatedAt *time.Time `json:"originalUpdatedAt,omitempty"`
}

func toDocument(r *models.Record, seq int64, now time.Time) document {
	return document{
		Timestamp:         r.Timestamp.UTC(),
		Agent:             r.Agent,
		Rule:              r.Rule,
		Network:           r.Network,
		RawLog:            r.RawLog,
		NativeID:          r.NativeID,
		UniqueIdentifier:  r.UniqueIdentifier,
		Seq:               seq,
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
		OriginalCreatedAt: utc(r.OriginalCreatedAt),
		OriginalUpdatedAt: utc(r.OriginalUpdatedAt),
	}
}

func (d document) record() *models.Record {
	r := &models.Record{
		Timestamp:         d.Timestamp.UTC(),
		Agent:             d.Agent,
		Rule:              d.Rule,
		RawLog:            d.RawLog,
		NativeID:          d.NativeID,
		UniqueIdentifier:  d.UniqueIdentifier,
		Seq:               d.Seq,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
		OriginalCreatedAt: utc(d.OriginalCreatedAt),
		OriginalUpdatedAt: utc(d.OriginalUpdatedAt),
	}
	if !d.Network.IsEmpty() {
		r.Network = d.Network
	}
	return r
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func term(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"term": map[string]interface{}{field: value}}
}

func rangeOf(field, op string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"range": map[string]interface{}{field: map[string]interface{}{op: value}}}
}

// filterClauses converts a filter into bool filter clauses.
func filterClauses(f models.Filter) []interface{} {
	clauses := make([]interface{}, 0, 4)
	if !f.From.IsZero() {
		clauses = append(clauses, rangeOf("timestamp", "gte", formatTime(f.From)))
	}
	if !f.To.IsZero() {
		clauses = append(clauses, rangeOf("timestamp", "lte", formatTime(f.To)))
	}
	if len(f.Levels) > 0 {
		clauses = append(clauses, map[string]interface{}{"terms": map[string]interface{}{"rule.level": f.Levels}})
	}
	if f.AgentName != "" {
		clauses = append(clauses, term("agent.name", f.AgentName))
	}
	return clauses
}

// keyset returns a clause selecting documents strictly past (ts, uid) in the
// given direction: "lt" for descending reads, "gt" for ascending ones.
func keyset(op string, ts time.Time, uid string) map[string]interface{} {
	at := formatTime(ts)
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"should": []interface{}{
				rangeOf("timestamp", op, at),
				map[string]interface{}{
					"bool": map[string]interface{}{
						"filter": []interface{}{
							term("timestamp", at),
							rangeOf("uniqueIdentifier", op, uid),
						},
					},
				},
			},
			"minimum_should_match": 1,
		},
	}
}

func boolQuery(clauses []interface{}) map[string]interface{} {
	if len(clauses) == 0 {
		return map[string]interface{}{"match_all": map[string]interface{}{}}
	}
	return map[string]interface{}{"bool": map[string]interface{}{"filter": clauses}}
}

func sortBy(order string) []interface{} {
	return []interface{}{
		map[string]interface{}{"timestamp": map[string]interface{}{"order": order}},
		map[string]interface{}{"uniqueIdentifier": map[string]interface{}{"order": order}},
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string   `json:"_id"`
			Source document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Buckets []struct {
			Key      string `json:"key"`
			DocCount int64  `json:"doc_count"`
		} `json:"buckets"`
	} `json:"aggregations"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

type byQueryResponse struct {
	Deleted int64 `json:"deleted"`
	Updated int64 `json:"updated"`
}
