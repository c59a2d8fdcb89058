package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/osclient"
)

// rangeLayout is the instant format sent in range queries.
const rangeLayout = "2006-01-02T15:04:05.000Z07:00"

// OpenSearchSource polls a Wazuh-indexer style index pattern.
type OpenSearchSource struct {
	client  *opensearch.Client
	index   string
	tsField string
}

// NewOpenSearchSource creates a source reading index (a pattern such as
// "wazuh-alerts-*") ordered by tsField.
func NewOpenSearchSource(client *opensearch.Client, index, tsField string) *OpenSearchSource {
	if tsField == "" {
		tsField = "timestamp"
	}
	return &OpenSearchSource{client: client, index: index, tsField: tsField}
}

// Fetch runs a range query over the timestamp field sorted by (timestamp,
// _id) ascending, resuming with search_after when the request carries a
// position. Every failure is reported as models.ErrTransientSource.
func (s *OpenSearchSource) Fetch(ctx context.Context, req Request) ([]models.RawEvent, error) {
	body, err := json.Marshal(s.buildQuery(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(bytes.NewReader(body)),
		s.client.Search.WithIgnoreUnavailable(true),
		s.client.Search.WithAllowNoIndices(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", models.ErrTransientSource, s.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("%w: %v", models.ErrTransientSource, osclient.ResponseError(res))
	}

	var result struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Index  string          `json:"_index"`
				Source json.RawMessage `json:"_source"`
				Sort   []any           `json:"sort"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode search response: %v", models.ErrTransientSource, err)
	}

	events := make([]models.RawEvent, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		events = append(events, models.RawEvent{
			ID:      hit.ID,
			Index:   hit.Index,
			At:      sortInstant(hit.Sort),
			Payload: hit.Source,
		})
	}
	return events, nil
}

func (s *OpenSearchSource) buildQuery(req Request) map[string]any {
	q := map[string]any{
		"size": req.Limit,
		"query": map[string]any{
			"range": map[string]any{
				s.tsField: map[string]any{
					"gte":    req.From.UTC().Format(rangeLayout),
					"lte":    req.To.UTC().Format(rangeLayout),
					"format": "strict_date_optional_time||epoch_millis",
				},
			},
		},
		"sort": []map[string]any{
			{s.tsField: map[string]string{"order": "asc"}},
			{"_id": map[string]string{"order": "asc"}},
		},
	}
	if req.After != nil {
		q["search_after"] = []any{req.After.At.UnixMilli(), req.After.ID}
	}
	return q
}

// sortInstant reads the epoch-millis timestamp sort value of a hit.
func sortInstant(sort []any) time.Time {
	if len(sort) == 0 {
		return time.Time{}
	}
	ms, ok := sort[0].(float64)
	if !ok {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}
