package app

import (
	"context"
	"errors"
	"fmt"

	"conductor/internal/config"
	"conductor/internal/engine"
	"conductor/internal/repo"
)

// ResolveProjectAndConfig picks the active project and its config.
// Precedence: the explicit override, then conductor.yml in the
// workspace, then the single project already in the DB. The stored
// config is the fallback when no file is present.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	projectID := projectOverride
	if projectID == "" && fileCfg != nil {
		projectID = fileCfg.Project.ID
	}
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project or add conductor.yml")
		}
		projectID = p.ID
	}
	if fileCfg != nil {
		fileCfg.Project.ID = projectID
		return projectID, fileCfg, nil
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// EnsureProject seeds the project row, its stored config, and the
// workflow phases on first use.
func EnsureProject(ctx context.Context, e engine.Engine, projectID, actorID string) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if actorID == "" {
		actorID = "local-user"
	}
	name := ""
	repoURL := ""
	if e.Config != nil {
		name = e.Config.Project.Name
		repoURL = e.Config.Project.RepoURL
	}
	_, err := e.InitProject(ctx, projectID, name, repoURL, "", actorID)
	return err
}
