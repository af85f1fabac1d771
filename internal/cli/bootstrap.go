// Package cli holds the cobra command trees for buildwatch's five
// entry-point binaries, plus the status-rendering helpers they share.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildwatch/buildwatch/internal/config"
	"github.com/buildwatch/buildwatch/internal/gitrepo"
	"github.com/buildwatch/buildwatch/internal/orchestrator"
	"github.com/buildwatch/buildwatch/internal/paths"
	"github.com/buildwatch/buildwatch/internal/store"
)

// bootstrap loads config, the persistent store, and every collaborator an
// orchestrator needs, shared by every binary's entry command.
func bootstrap(configPath string) (*orchestrator.Orchestrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %s\n", e)
		}
		return nil, fmt.Errorf("%d configuration error(s)", len(errs))
	}

	st, err := store.Open(cfg.WWWRoot)
	if err != nil {
		return nil, err
	}

	p := paths.New(cfg.WWWRoot, cfg.Link, cfg.Worktree, cfg.Build, cfg.Buildtools, cfg.Jam)
	repo := gitrepo.New(cfg.Worktree)

	return orchestrator.New(cfg, repo, st, p), nil
}

// requireStopPlease guards the destructive maintenance tools: they refuse
// to run unless the daemon has already been asked to pause, so they never
// race a live build.
func requireStopPlease(wwwRoot string) error {
	path := filepath.Join(wwwRoot, "stop.please")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("refusing to run: place %s first to pause the daemon", path)
	}
	return nil
}
