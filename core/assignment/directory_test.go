package assignment

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/cordum/flowlog/core/workflow"
)

func TestMemoryDirectoryFiltersAndExpires(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	dir := NewMemoryDirectory(time.Minute)
	dir.now = func() time.Time { return now }

	dir.Upsert(context.Background(), workflow.AgentDescriptor{AgentID: "r2", Capability: "weld", CurrentLoad: 1})
	dir.Upsert(context.Background(), workflow.AgentDescriptor{AgentID: "r1", Capability: "weld"})
	dir.Upsert(context.Background(), workflow.AgentDescriptor{AgentID: "h1", Capability: "review", Kind: "human"})
	dir.Upsert(context.Background(), workflow.AgentDescriptor{AgentID: ""})

	got, err := dir.ListAvailableAgents(context.Background(), "weld")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].AgentID != "r1" || got[1].AgentID != "r2" {
		t.Fatalf("unexpected weld agents %+v", got)
	}
	all, _ := dir.ListAvailableAgents(context.Background(), "")
	if len(all) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(all))
	}

	now = now.Add(2 * time.Minute)
	dir.Upsert(context.Background(), workflow.AgentDescriptor{AgentID: "r2", Capability: "weld", CurrentLoad: 2})
	got, _ = dir.ListAvailableAgents(context.Background(), "weld")
	if len(got) != 1 || got[0].AgentID != "r2" || got[0].CurrentLoad != 2 {
		t.Fatalf("expected only refreshed r2, got %+v", got)
	}

	dir.Remove(context.Background(), "r2")
	got, _ = dir.ListAvailableAgents(context.Background(), "weld")
	if len(got) != 0 {
		t.Fatalf("expected no agents after removal, got %+v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dir.ListAvailableAgents(ctx, ""); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestRedisDirectory(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	ctx := context.Background()
	dir, err := NewRedisDirectory(ctx, "redis://"+srv.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer dir.Close()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { return now }

	if err := dir.Upsert(ctx, workflow.AgentDescriptor{AgentID: "ai-1", Capability: "classify", Kind: "ai", CurrentLoad: 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := dir.Upsert(ctx, workflow.AgentDescriptor{AgentID: "ai-0", Capability: "classify", Kind: "ai"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := dir.Upsert(ctx, workflow.AgentDescriptor{}); err == nil {
		t.Fatalf("expected error for empty agent id")
	}

	got, err := dir.ListAvailableAgents(ctx, "classify")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].AgentID != "ai-0" || got[1].CurrentLoad != 3 {
		t.Fatalf("unexpected agents %+v", got)
	}

	srv.HSet(agentsKey, "junk", "{not json")
	now = now.Add(5 * time.Minute)
	got, err = dir.ListAvailableAgents(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected expired agents to be hidden, got %+v", got)
	}
	if keys, _ := srv.HKeys(agentsKey); len(keys) != 1 || keys[0] != "junk" {
		t.Fatalf("expected expired agents pruned, left %v", keys)
	}

	if err := dir.Upsert(ctx, workflow.AgentDescriptor{AgentID: "ai-2", Capability: "classify"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := dir.Remove(ctx, "ai-2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ = dir.ListAvailableAgents(ctx, "classify")
	if len(got) != 0 {
		t.Fatalf("expected removal, got %+v", got)
	}
}

func TestSummarize(t *testing.T) {
	agents := []workflow.AgentDescriptor{
		{AgentID: "r1", Capability: "weld", Kind: "robot", CurrentLoad: 2},
		{AgentID: "r2", Capability: "weld", Kind: "robot", CurrentLoad: 1},
		{AgentID: "h1", Capability: "review", Kind: "human"},
	}
	s := Summarize(agents, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	weld := s.Capabilities["weld"]
	if weld.Agents != 2 || weld.TotalLoad != 3 || weld.MinLoad != 1 || weld.Kinds["robot"] != 2 {
		t.Fatalf("unexpected weld summary %+v", weld)
	}
	if s.Capabilities["review"].Agents != 1 {
		t.Fatalf("expected one reviewer")
	}
	if s.CapturedAt != "2024-05-01T08:00:00Z" {
		t.Fatalf("unexpected timestamp %s", s.CapturedAt)
	}
}
