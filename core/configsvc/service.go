// Package configsvc keeps shared engine settings in Redis so every replica
// runs with the same tuning, overlaid on the local config file.
package configsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/cordum/flowlog/core/infra/config"
	"github.com/cordum/flowlog/core/infra/redisutil"
)

// Scope levels for configuration inheritance.
type Scope string

const (
	// ScopeSystem applies to every replica.
	ScopeSystem Scope = "system"
	// ScopeInstance applies to one replica, keyed by its instance ID.
	ScopeInstance Scope = "instance"
)

const systemID = "default"

// ErrNotFound is returned by Get when no document exists.
var ErrNotFound = errors.New("config document not found")

// Document is a config fragment at a given scope.
type Document struct {
	Scope    Scope             `json:"scope"`
	ScopeID  string            `json:"scope_id"` // system uses "default"
	Data     map[string]any    `json:"data"`
	Revision int64             `json:"revision"`
	Updated  time.Time         `json:"updated_at"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// EffectiveSnapshot includes the merged config plus version/hash metadata.
type EffectiveSnapshot struct {
	Version string         `json:"version"`
	Hash    string         `json:"hash"`
	Data    map[string]any `json:"data"`
}

// Service persists config documents and resolves effective config with
// shallow override semantics.
type Service struct {
	client redis.UniversalClient
	owned  bool
}

// New creates a config service with its own Redis connection.
func New(ctx context.Context, url string) (*Service, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Service{client: client, owned: true}, nil
}

// NewWithClient shares an existing connection; Close leaves it open.
func NewWithClient(client redis.UniversalClient) *Service {
	return &Service{client: client}
}

func (s *Service) Close() error {
	if s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

// Set stores/overwrites a config document and bumps its revision.
func (s *Service) Set(ctx context.Context, doc *Document) error {
	if doc == nil || doc.Scope == "" {
		return fmt.Errorf("scope required")
	}
	if doc.Scope != ScopeSystem && doc.ScopeID == "" {
		return fmt.Errorf("scope_id required for non-system scope")
	}
	doc.Revision++
	doc.Updated = time.Now().UTC()
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}
	return s.client.Set(ctx, cfgKey(doc.Scope, doc.ScopeID), payload, 0).Err()
}

// Get fetches a config document at a given scope/id.
func (s *Service) Get(ctx context.Context, scope Scope, id string) (*Document, error) {
	if scope == "" {
		return nil, fmt.Errorf("scope required")
	}
	data, err := s.client.Get(ctx, cfgKey(scope, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal doc: %w", err)
	}
	return &doc, nil
}

// Effective merges system then instance documents. Missing documents are
// skipped.
func (s *Service) Effective(ctx context.Context, instanceID string) (*EffectiveSnapshot, error) {
	order := []struct {
		scope Scope
		id    string
	}{
		{ScopeSystem, systemID},
		{ScopeInstance, instanceID},
	}
	result := make(map[string]any)
	revisions := make(map[Scope]int64, len(order))
	for _, item := range order {
		if item.scope != ScopeSystem && item.id == "" {
			continue
		}
		doc, err := s.Get(ctx, item.scope, item.id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		revisions[item.scope] = doc.Revision
		mergeShallow(result, doc.Data)
	}
	hash, err := overlayHash(result)
	if err != nil {
		return nil, err
	}
	return &EffectiveSnapshot{
		Version: overlayVersion(revisions),
		Hash:    hash,
		Data:    result,
	}, nil
}

// Bootstrap seeds the system document from base when none exists yet, so
// operators have every key to edit.
func (s *Service) Bootstrap(ctx context.Context, base *config.EngineConfig) error {
	if base == nil {
		return nil
	}
	_, err := s.Get(ctx, ScopeSystem, systemID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	data, err := toMap(base)
	if err != nil {
		return err
	}
	return s.Set(ctx, &Document{
		Scope:   ScopeSystem,
		ScopeID: systemID,
		Data:    data,
		Meta:    map[string]string{"seeded_by": "bootstrap"},
	})
}

// EngineOverlay applies the effective documents on top of base and
// validates the result against the engine config schema.
func (s *Service) EngineOverlay(ctx context.Context, base *config.EngineConfig, instanceID string) (*config.EngineConfig, *EffectiveSnapshot, error) {
	snap, err := s.Effective(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if len(snap.Data) == 0 {
		return base, snap, nil
	}
	merged, err := toMap(base)
	if err != nil {
		return nil, nil, err
	}
	mergeShallow(merged, snap.Data)
	doc, err := yaml.Marshal(merged)
	if err != nil {
		return nil, nil, fmt.Errorf("encode overlay: %w", err)
	}
	cfg, err := config.ParseEngine(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("apply overlay %s: %w", snap.Version, err)
	}
	return cfg, snap, nil
}

func toMap(cfg *config.EngineConfig) (map[string]any, error) {
	doc, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode engine config: %w", err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(doc, &out); err != nil {
		return nil, fmt.Errorf("decode engine config: %w", err)
	}
	return out, nil
}

// mergeShallow overwrites keys in dst with src values.
func mergeShallow(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func cfgKey(scope Scope, id string) string {
	if scope == ScopeSystem && id == "" {
		id = systemID
	}
	return fmt.Sprintf("flowlog:cfg:%s:%s", scope, id)
}
