package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/flowlog/core/infra/redisutil"
	"github.com/cordum/flowlog/core/workflow"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "flowlog:wf:"
	redisWorkflowsKey = "flowlog:workflows"
)

// appendScript pushes events only when the list length equals the expected
// sequence. Returns the new length, or -1-len on conflict.
const appendScript = `
local last = redis.call('LLEN', KEYS[1])
if last ~= tonumber(ARGV[1]) then
  return -1 - last
end
for i = 2, #ARGV do
  redis.call('RPUSH', KEYS[1], ARGV[i])
end
return last + #ARGV - 1
`

// checkpointScript keeps the newest checkpoint by sequence.
const checkpointScript = `
local cur = redis.call('HGET', KEYS[1], 'sequence')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'sequence', ARGV[1], 'snapshot', ARGV[2])
return 1
`

var (
	appendLua     = redis.NewScript(appendScript)
	checkpointLua = redis.NewScript(checkpointScript)
)

// Redis stores one list per workflow; list index i holds sequence i+1.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis connects to url and returns a Redis-backed EventLog.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Close closes the underlying Redis client.
func (s *Redis) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Redis) Append(ctx context.Context, workflowID string, expected uint64, events []workflow.Event) (workflow.SequenceRange, error) {
	stamped, rng, err := stamp(workflowID, expected, events)
	if err != nil {
		return workflow.SequenceRange{}, err
	}
	args := make([]any, 0, len(stamped)+1)
	args = append(args, expected)
	for _, ev := range stamped {
		data, err := json.Marshal(ev)
		if err != nil {
			return workflow.SequenceRange{}, fmt.Errorf("marshal event: %w", err)
		}
		args = append(args, data)
	}
	res, err := appendLua.Run(ctx, s.client, []string{eventsKey(workflowID)}, args...).Int64()
	if err != nil {
		return workflow.SequenceRange{}, fmt.Errorf("append events: %w", err)
	}
	if res < 0 {
		return workflow.SequenceRange{}, conflict(workflowID, expected, uint64(-1-res))
	}
	if expected == 0 {
		// The index lives outside the stream's hash slot, so it is written
		// after the append; NX keeps the original creation time.
		score := float64(time.Now().UTC().UnixNano())
		if err := s.client.ZAddNX(ctx, redisWorkflowsKey, redis.Z{Score: score, Member: workflowID}).Err(); err != nil {
			return rng, fmt.Errorf("index workflow: %w", err)
		}
	}
	return rng, nil
}

func (s *Redis) ReadPage(ctx context.Context, workflowID string, from uint64, limit int) ([]workflow.Event, error) {
	if from == 0 {
		from = 1
	}
	limit = pageLimit(limit)
	start := int64(from - 1)
	raw, err := s.client.LRange(ctx, eventsKey(workflowID), start, start+int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	out := make([]workflow.Event, 0, len(raw))
	for _, item := range raw {
		var ev workflow.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Redis) LastSequence(ctx context.Context, workflowID string) (uint64, error) {
	n, err := s.client.LLen(ctx, eventsKey(workflowID)).Result()
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return uint64(n), nil
}

func (s *Redis) SaveCheckpoint(ctx context.Context, snap *workflow.Snapshot) error {
	data, err := encodeCheckpoint(snap)
	if err != nil {
		return err
	}
	if err := checkpointLua.Run(ctx, s.client, []string{checkpointKey(snap.WorkflowID)}, snap.Sequence, data).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Redis) LoadCheckpoint(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	data, err := s.client.HGet(ctx, checkpointKey(workflowID), "snapshot").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

func (s *Redis) ListWorkflows(ctx context.Context, limit int) ([]string, error) {
	n := listLimit(limit)
	ids, err := s.client.ZRevRange(ctx, redisWorkflowsKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return ids, nil
}

func eventsKey(workflowID string) string {
	return redisKeyPrefix + "{" + workflowID + "}:events"
}

func checkpointKey(workflowID string) string {
	return redisKeyPrefix + "{" + workflowID + "}:checkpoint"
}
