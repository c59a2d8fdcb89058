// Package opensearch implements store.Store on OpenSearch, one index per tier.
// Documents are keyed by the record's unique identifier so the _id carries
// the uniqueness guarantee.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/telhawk-systems/telhawk-tiering/internal/config"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/osclient"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

// Store holds the client shared by the tier collections.
type Store struct {
	client *opensearch.Client
	cfg    config.OpenSearchConfig
	tiers  map[models.Tier]*Collection
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for createdAt/updatedAt bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New wraps an OpenSearch client.
func New(client *opensearch.Client, cfg config.OpenSearchConfig, opts ...Option) *Store {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "telhawk-events"
	}
	s := &Store{
		client: client,
		cfg:    cfg,
		tiers:  make(map[models.Tier]*Collection),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, t := range models.AllTiers() {
		s.tiers[t] = &Collection{tier: t, index: s.IndexName(t), parent: s}
	}
	return s
}

// IndexName returns the index holding a tier.
func (s *Store) IndexName(tier models.Tier) string {
	return s.cfg.IndexPrefix + "-" + tier.String()
}

func (s *Store) Collection(tier models.Tier) store.Collection {
	return s.tiers[tier]
}

func (s *Store) Ping(ctx context.Context) error {
	return osclient.Ping(ctx, s.client)
}

func (s *Store) Close() error {
	return nil
}

// Init creates every tier index with explicit mappings. Indexes created by
// dynamic mapping would not support keyset sorting on uniqueIdentifier.
func (s *Store) Init(ctx context.Context) error {
	for _, t := range models.AllTiers() {
		if err := s.tiers[t].ensureIndex(ctx); err != nil {
			return err
		}
	}
	return nil
}

// fields maps canonical field paths to document fields.
var fields = map[string]string{
	store.FieldTimestamp:        "timestamp",
	store.FieldRuleLevel:        "rule.level",
	store.FieldAgentName:        "agent.name",
	store.FieldUniqueIdentifier: "uniqueIdentifier",
	store.FieldNativeID:         "nativeId",
}

func (s *Store) indexBody() map[string]interface{} {
	keyword := map[string]interface{}{"type": "keyword"}
	nanos := map[string]interface{}{"type": "date_nanos"}

	settings := map[string]interface{}{
		"number_of_replicas": s.cfg.ReplicaCount,
	}
	if s.cfg.ShardCount > 0 {
		settings["number_of_shards"] = s.cfg.ShardCount
	}

	return map[string]interface{}{
		"settings": settings,
		"mappings": map[string]interface{}{
			"dynamic": false,
			"properties": map[string]interface{}{
				"timestamp":        nanos,
				"uniqueIdentifier": keyword,
				"nativeId":         keyword,
				"seq":              map[string]interface{}{"type": "long"},
				"agent": map[string]interface{}{
					"properties": map[string]interface{}{
						"name": keyword,
						"id":   keyword,
						"ip":   keyword,
					},
				},
				"rule": map[string]interface{}{
					"properties": map[string]interface{}{
						"level":       keyword,
						"description": map[string]interface{}{"type": "text"},
					},
				},
				"network": map[string]interface{}{
					"properties": map[string]interface{}{
						"srcIp":    keyword,
						"destIp":   keyword,
						"protocol": keyword,
					},
				},
				"rawLog": map[string]interface{}{
					"type":    "object",
					"enabled": false,
				},
				"createdAt":         nanos,
				"updatedAt":         nanos,
				"originalCreatedAt": nanos,
				"originalUpdatedAt": nanos,
			},
		},
	}
}

func (c *Collection) ensureIndex(ctx context.Context) error {
	client := c.parent.client

	exists, err := client.Indices.Exists([]string{c.index}, client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", c.index, err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(c.parent.indexBody())
	if err != nil {
		return err
	}

	res, err := client.Indices.Create(
		c.index,
		client.Indices.Create.WithContext(ctx),
		client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", c.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		var failure errorResponse
		if decodeErr := json.NewDecoder(res.Body).Decode(&failure); decodeErr == nil &&
			failure.Error.Type == "resource_already_exists_exception" {
			return nil
		}
		return fmt.Errorf("failed to create index %s: %s", c.index, res.Status())
	}
	return nil
}

type errorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}
