package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/loopgate/internal/budget"
	"github.com/nextlevelbuilder/loopgate/internal/config"
	"github.com/nextlevelbuilder/loopgate/internal/errs"
	"github.com/nextlevelbuilder/loopgate/internal/providers"
	"github.com/nextlevelbuilder/loopgate/internal/secrets"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// EffectiveConfig is the fully resolved configuration for one agent run:
// tenant settings overlaid on global defaults, the provider chain to use and
// the plaintext API key. The key lives in this call frame only; it is never
// logged or persisted.
type EffectiveConfig struct {
	Tenant         *store.Tenant
	APIKey         string
	Chain          *providers.FallbackChain
	SystemPrompt   string
	Model          string
	MaxTokens      int
	MaxIterations  int
	SkillAllowList []string // nil = all registered tools
}

// Resolver maps channels to tenants and produces effective configs.
type Resolver struct {
	tenants store.TenantStore
	box     *secrets.Box
	cfg     *config.Config
	ledger  *budget.Ledger
	chain   *providers.FallbackChain
	logger  *slog.Logger
}

func NewResolver(tenants store.TenantStore, box *secrets.Box, cfg *config.Config, ledger *budget.Ledger, chain *providers.FallbackChain, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		tenants: tenants,
		box:     box,
		cfg:     cfg,
		ledger:  ledger,
		chain:   chain,
		logger:  logger,
	}
}

// ResolveForChannel looks up the channel's tenant binding and resolves it.
// Unbound channels run on the global defaults.
func (r *Resolver) ResolveForChannel(ctx context.Context, channelID string) (*EffectiveConfig, error) {
	tenantID, err := r.tenants.TenantForChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", channelID, err)
	}
	return r.ResolveTenant(ctx, tenantID)
}

// ResolveTenant builds the effective config for a tenant id. An empty id
// synthesizes a tenant from the global defaults.
func (r *Resolver) ResolveTenant(ctx context.Context, tenantID string) (*EffectiveConfig, error) {
	var tenant *store.Tenant
	if tenantID == "" {
		tenant = r.defaultTenant()
	} else {
		t, err := r.tenants.Get(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
		}
		tenant = t
	}

	defaults := r.cfg.Defaults
	ec := &EffectiveConfig{
		Tenant:         tenant,
		SystemPrompt:   tenant.SystemPrompt,
		Model:          tenant.Model,
		MaxTokens:      tenant.MaxTokens,
		MaxIterations:  defaults.MaxIterations,
		SkillAllowList: tenant.SkillAllowList,
		Chain:          r.chain,
	}
	if ec.SystemPrompt == "" {
		ec.SystemPrompt = defaults.SystemPrompt
	}
	if ec.Model == "" {
		ec.Model = defaults.Model
	}
	if ec.MaxTokens <= 0 {
		ec.MaxTokens = defaults.MaxTokens
	}
	if ec.MaxIterations <= 0 {
		ec.MaxIterations = DefaultMaxIterations
	}

	// Decrypt the per-tenant key on demand; a decryption failure is fatal
	// for the call, not silently downgraded to the global key.
	if len(tenant.EncryptedAPIKey) > 0 {
		key, err := r.box.DecryptString(tenant.EncryptedAPIKey)
		if err != nil {
			return nil, errs.Wrap(errs.KindCryptoError,
				fmt.Sprintf("tenant %s api key", tenant.ID), err)
		}
		ec.APIKey = key

		// The tenant's own credential replaces the global key on the
		// primary endpoint; fallbacks keep their configured keys.
		pc := r.cfg.Providers.Primary
		pc.APIKey = key
		primary, err := providers.New(pc)
		if err != nil {
			r.logger.Warn("tenant key rejected, using shared chain",
				"tenant", tenant.ID, "error", err)
		} else {
			ec.Chain = providers.NewFallbackChain(r.logger, primary, r.chain.Providers()[1:]...)
		}
	}

	if r.cfg.Providers.HotSwapEnabled && len(tenant.HotSwapCfg) > 0 {
		override, err := providers.ParseHotSwap(tenant.HotSwapCfg)
		if err != nil {
			r.logger.Warn("invalid hot-swap config ignored", "tenant", tenant.ID, "error", err)
		} else if override != nil {
			chain, err := providers.ApplyHotSwap(ec.Chain, r.logger, override, ec.APIKey)
			if err != nil {
				r.logger.Warn("hot-swap rejected, using base chain", "tenant", tenant.ID, "error", err)
			} else {
				ec.Chain = chain
			}
		}
	}

	return ec, nil
}

// CheckBudget is the ledger passthrough used by the loop engine and the
// webhook surface.
func (r *Resolver) CheckBudget(ctx context.Context, tenant *store.Tenant) (*budget.Status, error) {
	return r.ledger.Check(ctx, tenant)
}

// defaultTenant synthesizes a tenant from global defaults for channels with
// no explicit binding.
func (r *Resolver) defaultTenant() *store.Tenant {
	d := r.cfg.Defaults
	return &store.Tenant{
		ID:                     "",
		Name:                   "default",
		SystemPrompt:           d.SystemPrompt,
		Model:                  d.Model,
		MaxTokens:              d.MaxTokens,
		SkillAllowList:         d.SkillAllowList,
		RolesEnabled:           d.RolesEnabled,
		MaxConcurrentSubAgents: d.MaxConcurrentSubAgents,
		BudgetDailyTokens:      d.BudgetDailyTokens,
		BudgetMonthlyTokens:    d.BudgetMonthlyTokens,
		BudgetAlertPct:         d.BudgetAlertPct,
	}
}
