package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"postline/internal/config"
	"postline/internal/repo"
)

// ResolveConfig returns the workspace config stored in the database,
// seeding it on first use. The seed is postline.yml from the workspace when
// present, otherwise the defaults named after the workspace directory.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if seed == nil {
		seed = config.Default(workspaceName(workspace))
	}
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}

func workspaceName(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return ""
	}
	return filepath.Base(abs)
}
