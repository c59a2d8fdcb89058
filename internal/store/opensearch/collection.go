package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/osclient"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

var errMissingKey = errors.New("record has no unique identifier")

// maxWindow is the default index.max_result_window.
const maxWindow = 10000

// Collection is one tier index.
type Collection struct {
	tier   models.Tier
	index  string
	parent *Store
}

func (c *Collection) Tier() models.Tier {
	return c.tier
}

// InsertMany bulk-creates documents with _id set to the unique identifier.
// A 409 conflict means the record is already present.
func (c *Collection) InsertMany(ctx context.Context, records []*models.Record) (*store.BulkResult, error) {
	res := &store.BulkResult{}
	client := c.parent.client

	var (
		mu       sync.Mutex
		flushErr error
	)
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     client,
		Index:      c.index,
		NumWorkers: 1,
		Refresh:    "wait_for",
		OnError: func(ctx context.Context, err error) {
			mu.Lock()
			flushErr = err
			mu.Unlock()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	now := c.parent.now()
	for i, r := range records {
		if r == nil || r.UniqueIdentifier == "" {
			res.Failed = append(res.Failed, &models.ItemError{Err: errMissingKey})
			continue
		}
		data, err := json.Marshal(toDocument(r, now.UnixNano()+int64(i), now))
		if err != nil {
			res.Failed = append(res.Failed, &models.ItemError{Key: r.UniqueIdentifier, Err: err})
			continue
		}

		key := r.UniqueIdentifier
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "create",
			DocumentID: key,
			Body:       bytes.NewReader(data),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, resp opensearchutil.BulkIndexerResponseItem) {
				mu.Lock()
				res.Inserted = append(res.Inserted, key)
				mu.Unlock()
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, resp opensearchutil.BulkIndexerResponseItem, err error) {
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil && resp.Status == http.StatusConflict:
					res.Existing = append(res.Existing, key)
				case err != nil:
					res.Failed = append(res.Failed, &models.ItemError{Key: key, Err: err})
				default:
					res.Failed = append(res.Failed, &models.ItemError{
						Key: key,
						Err: fmt.Errorf("%s: %s", resp.Error.Type, resp.Error.Reason),
					})
				}
			},
		})
		if err != nil {
			res.Failed = append(res.Failed, &models.ItemError{Key: key, Err: err})
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush bulk insert into %s: %w", c.index, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if flushErr != nil && len(res.Inserted)+len(res.Existing) == 0 {
		return nil, fmt.Errorf("failed to insert into %s: %w", c.index, flushErr)
	}
	return res, nil
}

func (c *Collection) DeleteKeys(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	query := map[string]interface{}{"ids": map[string]interface{}{"values": keys}}
	n, err := c.deleteByQuery(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", c.index, err)
	}
	return n, nil
}

// Scan pages through documents in (timestamp, uniqueIdentifier) keyset order
// so documents deleted by fn do not shift later pages.
func (c *Collection) Scan(ctx context.Context, cutoff time.Time, batchSize int, fn func([]*models.Record) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if batchSize > maxWindow {
		batchSize = maxWindow
	}

	var last *models.Record
	for {
		clauses := []interface{}{rangeOf("timestamp", "lte", formatTime(cutoff))}
		if last != nil {
			clauses = append(clauses, keyset("gt", last.Timestamp, last.UniqueIdentifier))
		}
		body := map[string]interface{}{
			"query": boolQuery(clauses),
			"sort":  sortBy("asc"),
		}

		batch, err := c.search(ctx, body, batchSize)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", c.index, err)
		}
		if len(batch) == 0 {
			return nil
		}
		last = batch[len(batch)-1]

		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}

func (c *Collection) Find(ctx context.Context, opts models.FindOptions) ([]*models.Record, error) {
	clauses := filterClauses(opts.Filter)
	if opts.After != nil {
		clauses = append(clauses, keyset("lt", opts.After.Timestamp, opts.After.UniqueIdentifier))
	}
	limit := opts.Limit
	if limit <= 0 || limit > maxWindow {
		limit = maxWindow
	}

	body := map[string]interface{}{
		"query": boolQuery(clauses),
		"sort":  sortBy("desc"),
	}
	out, err := c.search(ctx, body, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.index, err)
	}
	return out, nil
}

func (c *Collection) search(ctx context.Context, body map[string]interface{}, size int) ([]*models.Record, error) {
	parsed, err := c.searchRaw(ctx, body, size)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Record, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		r := hit.Source.record()
		if r.UniqueIdentifier == "" {
			r.UniqueIdentifier = hit.ID
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *Collection) searchRaw(ctx context.Context, body map[string]interface{}, size int) (*searchResponse, error) {
	client := c.parent.client

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := client.Search(
		client.Search.WithContext(ctx),
		client.Search.WithIndex(c.index),
		client.Search.WithBody(&buf),
		client.Search.WithSize(size),
		client.Search.WithIgnoreUnavailable(true),
		client.Search.WithAllowNoIndices(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, osclient.ResponseError(res)
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}

func (c *Collection) Count(ctx context.Context, f models.Filter) (int64, error) {
	client := c.parent.client

	body, err := json.Marshal(map[string]interface{}{"query": boolQuery(filterClauses(f))})
	if err != nil {
		return 0, err
	}

	res, err := client.Count(
		client.Count.WithContext(ctx),
		client.Count.WithIndex(c.index),
		client.Count.WithBody(bytes.NewReader(body)),
		client.Count.WithIgnoreUnavailable(true),
		client.Count.WithAllowNoIndices(true),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, fmt.Errorf("failed to count %s: %w", c.index, osclient.ResponseError(res))
	}

	var parsed countResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return parsed.Count, nil
}

func (c *Collection) LevelCounts(ctx context.Context, f models.Filter) (map[string]int64, error) {
	body := map[string]interface{}{
		"query": boolQuery(filterClauses(f)),
		"aggs": map[string]interface{}{
			"levels": map[string]interface{}{
				"terms": map[string]interface{}{"field": "rule.level", "size": 1000},
			},
		},
	}

	parsed, err := c.searchRaw(ctx, body, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", c.index, err)
	}

	out := make(map[string]int64)
	for _, b := range parsed.Aggregations["levels"].Buckets {
		out[b.Key] = b.DocCount
	}
	return out, nil
}

func (c *Collection) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := c.deleteByQuery(ctx, rangeOf("timestamp", "lte", formatTime(cutoff)))
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s: %w", c.index, err)
	}
	return n, nil
}

func (c *Collection) deleteByQuery(ctx context.Context, query map[string]interface{}) (int64, error) {
	client := c.parent.client

	body, err := json.Marshal(map[string]interface{}{"query": query})
	if err != nil {
		return 0, err
	}

	res, err := client.DeleteByQuery(
		[]string{c.index},
		bytes.NewReader(body),
		client.DeleteByQuery.WithContext(ctx),
		client.DeleteByQuery.WithRefresh(true),
		client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return 0, err
	}
	return byQueryCount(res, func(r byQueryResponse) int64 { return r.Deleted })
}

// DuplicateGroups finds shared native ids with a terms aggregation, then
// loads the members of those ids.
func (c *Collection) DuplicateGroups(ctx context.Context) ([]store.DuplicateGroup, error) {
	body := map[string]interface{}{
		"aggs": map[string]interface{}{
			"dups": map[string]interface{}{
				"terms": map[string]interface{}{
					"field":         "nativeId",
					"min_doc_count": 2,
					"size":          maxWindow,
				},
			},
		},
	}
	parsed, err := c.searchRaw(ctx, body, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicates in %s: %w", c.index, err)
	}

	byNative := make(map[string][]store.Member)
	var ids []string
	var pending int64
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		members, err := c.members(ctx, ids, pending)
		if err != nil {
			return err
		}
		for _, d := range members {
			byNative[d.NativeID] = append(byNative[d.NativeID], store.Member{
				Key:       d.UniqueIdentifier,
				ArrivedAt: arrival(d),
				Seq:       d.Seq,
			})
		}
		ids, pending = ids[:0], 0
		return nil
	}

	for _, b := range parsed.Aggregations["dups"].Buckets {
		if pending+b.DocCount > maxWindow {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		ids = append(ids, b.Key)
		pending += b.DocCount
	}
	if err := flush(); err != nil {
		return nil, err
	}

	groups := make([]store.DuplicateGroup, 0, len(byNative))
	for id, members := range byNative {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			if !members[i].ArrivedAt.Equal(members[j].ArrivedAt) {
				return members[i].ArrivedAt.Before(members[j].ArrivedAt)
			}
			return members[i].Seq < members[j].Seq
		})
		groups = append(groups, store.DuplicateGroup{NativeID: id, Members: members})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].NativeID < groups[j].NativeID })
	return groups, nil
}

func (c *Collection) members(ctx context.Context, ids []string, size int64) ([]document, error) {
	body := map[string]interface{}{
		"query":   map[string]interface{}{"terms": map[string]interface{}{"nativeId": ids}},
		"_source": []string{"nativeId", "uniqueIdentifier", "seq", "createdAt", "originalCreatedAt"},
	}
	if size > maxWindow {
		size = maxWindow
	}
	parsed, err := c.searchRaw(ctx, body, int(size))
	if err != nil {
		return nil, fmt.Errorf("failed to load duplicates in %s: %w", c.index, err)
	}
	out := make([]document, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		d := hit.Source
		if d.UniqueIdentifier == "" {
			d.UniqueIdentifier = hit.ID
		}
		out = append(out, d)
	}
	return out, nil
}

func arrival(d document) time.Time {
	if d.OriginalCreatedAt != nil {
		return d.OriginalCreatedAt.UTC()
	}
	return d.CreatedAt.UTC()
}

func (c *Collection) UpdateLevel(ctx context.Context, from, to string) (int64, error) {
	client := c.parent.client

	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"rule.level": map[string]interface{}{"value": from, "case_insensitive": true},
			},
		},
		"script": map[string]interface{}{
			"lang":   "painless",
			"source": "ctx._source.rule.level = params.to; ctx._source.updatedAt = params.now",
			"params": map[string]interface{}{
				"to":  to,
				"now": formatTime(c.parent.now()),
			},
		},
	})
	if err != nil {
		return 0, err
	}

	res, err := client.UpdateByQuery(
		[]string{c.index},
		client.UpdateByQuery.WithContext(ctx),
		client.UpdateByQuery.WithBody(bytes.NewReader(body)),
		client.UpdateByQuery.WithRefresh(true),
		client.UpdateByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update levels in %s: %w", c.index, err)
	}
	n, err := byQueryCount(res, func(r byQueryResponse) int64 { return r.Updated })
	if err != nil {
		return 0, fmt.Errorf("failed to update levels in %s: %w", c.index, err)
	}
	return n, nil
}

// EnsureIndex creates the tier index if missing. Every mapped field is
// indexed and _id enforces identifier uniqueness, so only the field paths
// are checked.
func (c *Collection) EnsureIndex(ctx context.Context, spec store.IndexSpec) error {
	if len(spec.Fields) == 0 {
		return fmt.Errorf("index %s has no fields", spec.Name)
	}
	for _, f := range spec.Fields {
		if _, ok := fields[f.Path]; !ok {
			return fmt.Errorf("no mapping for field %q", f.Path)
		}
	}
	return c.ensureIndex(ctx)
}

// byQueryCount decodes a *_by_query response. A missing index counts as zero.
func byQueryCount(res *opensearchapi.Response, pick func(byQueryResponse) int64) (int64, error) {
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, res.Body)
		return 0, nil
	}
	if res.IsError() {
		return 0, osclient.ResponseError(res)
	}

	var parsed byQueryResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return pick(parsed), nil
}
