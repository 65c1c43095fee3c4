package assignment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/infra/redisutil"
	"github.com/cordum/flowlog/core/workflow"
)

const agentsKey = "flowlog:agents"

type redisAgent struct {
	workflow.AgentDescriptor
	SeenUnixMs int64 `json:"seen_unix_ms"`
}

// RedisDirectory shares agent registrations between engine replicas. Each
// agent is one field of a hash; entries older than ttl are ignored and
// pruned lazily.
type RedisDirectory struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisDirectory connects to Redis at url.
func NewRedisDirectory(ctx context.Context, url string, ttl time.Duration) (*RedisDirectory, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewRedisDirectoryWithClient(client, ttl), nil
}

func NewRedisDirectoryWithClient(client redis.UniversalClient, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{client: client, ttl: ttl, now: time.Now}
}

// Upsert registers or refreshes an agent.
func (d *RedisDirectory) Upsert(ctx context.Context, desc workflow.AgentDescriptor) error {
	if strings.TrimSpace(desc.AgentID) == "" {
		return errAgentIDRequired
	}
	data, err := json.Marshal(redisAgent{AgentDescriptor: desc, SeenUnixMs: d.now().UnixMilli()})
	if err != nil {
		return err
	}
	return d.client.HSet(ctx, agentsKey, desc.AgentID, data).Err()
}

// Remove deregisters an agent.
func (d *RedisDirectory) Remove(ctx context.Context, agentID string) error {
	return d.client.HDel(ctx, agentsKey, agentID).Err()
}

func (d *RedisDirectory) ListAvailableAgents(ctx context.Context, capability string) ([]workflow.AgentDescriptor, error) {
	raw, err := d.client.HGetAll(ctx, agentsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	now := d.now()
	var (
		out     []workflow.AgentDescriptor
		expired []string
	)
	for id, payload := range raw {
		var a redisAgent
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			logging.Warn("assignment", "skipping malformed agent record", "agent_id", id, "error", err)
			continue
		}
		if d.ttl > 0 && now.Sub(time.UnixMilli(a.SeenUnixMs)) > d.ttl {
			expired = append(expired, id)
			continue
		}
		if matchesCapability(a.AgentDescriptor, capability) {
			out = append(out, a.AgentDescriptor)
		}
	}
	if len(expired) > 0 {
		if err := d.client.HDel(ctx, agentsKey, expired...).Err(); err != nil {
			logging.Warn("assignment", "prune expired agents failed", "count", len(expired), "error", err)
		}
	}
	sortAgents(out)
	return out, nil
}

func (d *RedisDirectory) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}
