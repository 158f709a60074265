// Package bootstrap turns a loaded config into the pieces the binaries share:
// a logger, a sandbox runtime, a controller and the orphan reaper.
package bootstrap

import (
	"context"
	"fmt"
	"path"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/logging"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/supervisor"
)

// LoadConfig reads path if set, otherwise searches the default locations.
func LoadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// Logger builds the process logger from the log section.
func Logger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Pretty)
}

// Runtime constructs the configured sandbox runtime. The returned close
// function releases it and is never nil.
func Runtime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (sandbox.Runtime, func() error, error) {
	switch cfg.Sandbox.Runtime {
	case "local":
		rt, err := sandbox.NewLocalRuntime(cfg.Sandbox.LocalDir, path.Base(cfg.Sandbox.ArtifactPath), logger)
		if err != nil {
			return nil, nil, err
		}
		return rt, func() error { return nil }, nil

	case "docker":
		rt, err := sandbox.NewDockerRuntime(cfg.Policy(), cfg.Sandbox.Image, cfg.Sandbox.ArtifactPath, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := rt.EnsureImage(ctx); err != nil {
			rt.Close()
			return nil, nil, err
		}
		return rt, rt.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown sandbox runtime %q", cfg.Sandbox.Runtime)
	}
}

// Controller builds the session controller for cfg. ledger may be nil.
func Controller(cfg *config.Config, rt sandbox.Runtime, ledger storage.Ledger, logger zerolog.Logger) (*supervisor.Controller, error) {
	s, err := cfg.Suite()
	if err != nil {
		return nil, fmt.Errorf("loading grading suite: %w", err)
	}
	return supervisor.NewController(rt, ledger, supervisor.Config{
		Command:          cfg.Sandbox.Command,
		Suite:            s,
		ProvisionTimeout: cfg.Sandbox.ProvisionTimeout,
		RuntimeName:      cfg.Sandbox.Runtime,
	}, logger), nil
}

// ReapOrphans destroys every sandbox the ledger still lists as live for
// runtimeName. Those are left over from a server that did not shut down
// cleanly. It returns how many were reaped.
func ReapOrphans(ctx context.Context, rt sandbox.Runtime, ledger storage.Ledger, runtimeName string, logger zerolog.Logger) (int, error) {
	const page = 100
	reaped, skipped := 0, 0
	for {
		live, err := ledger.ListSandboxes(ctx, storage.ListOptions{
			Status: storage.StatusLive,
			Limit:  page,
			Offset: skipped,
		})
		if err != nil {
			return reaped, fmt.Errorf("listing live sandboxes: %w", err)
		}

		for _, rec := range live {
			if rec.Runtime != runtimeName {
				skipped++
				continue
			}
			rt.Destroy(ctx, sandbox.Ref(rec.ID))
			if err := ledger.MarkDestroyed(ctx, rec.ID); err != nil {
				return reaped, err
			}
			logger.Info().Str("sandbox", rec.ID).Str("client", rec.ClientID).Msg("reaped orphaned sandbox")
			reaped++
		}
		if len(live) < page {
			return reaped, nil
		}
	}
}
