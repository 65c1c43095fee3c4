package workflowengine

import (
	"context"
	"fmt"

	"github.com/cordum/flowlog/core/configsvc"
	"github.com/cordum/flowlog/core/infra/config"
	"github.com/cordum/flowlog/core/infra/logging"
)

// overlayEngineConfig seeds the shared system document from the file config
// on first boot, then applies system and instance overrides. Replicas that
// share a Redis store therefore agree on retry and conflict tuning.
func overlayEngineConfig(ctx context.Context, svc *configsvc.Service, base *config.EngineConfig, instance string) (*config.EngineConfig, error) {
	if err := svc.Bootstrap(ctx, base); err != nil {
		return nil, fmt.Errorf("bootstrap engine config: %w", err)
	}
	cfg, snap, err := svc.EngineOverlay(ctx, base, instance)
	if err != nil {
		return nil, fmt.Errorf("overlay engine config: %w", err)
	}
	logging.Info(component, "engine config resolved",
		"instance", instance,
		"version", snap.Version,
		"hash", snap.Hash,
	)
	return cfg, nil
}
