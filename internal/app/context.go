package app

import (
	"context"
	"errors"
	"fmt"

	"sitepunch/internal/config"
	"sitepunch/internal/repo"
)

// ResolveTenantAndConfig picks the working tenant and ensures a config row
// exists in the DB, seeding defaults if missing. It prefers the explicit
// override, then the tenant named in the loaded config file.
func ResolveTenantAndConfig(ctx context.Context, tenantOverride string, fileCfg *config.Config, r repo.Repo) (string, *config.Config, error) {
	tenantID := tenantOverride
	if tenantID == "" && fileCfg != nil {
		tenantID = fileCfg.Tenant.ID
	}
	if tenantID == "" {
		return "", nil, fmt.Errorf("tenant not specified; use --tenant or set tenant.id in %s", config.Path("."))
	}
	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(tenantID)
	}

	cfg, err := r.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := r.UpsertTenantConfig(ctx, tenantID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed tenant config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}
