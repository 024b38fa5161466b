package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/cache"
	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/restapi"
)

const cacheNamespace = "agents"

// Fetcher loads agents from the source of truth. *restapi.Client satisfies it.
type Fetcher interface {
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
}

// Directory looks agents up through a read-through cache. Availability
// checks always go to the source of truth; the cache only serves display
// fields such as name and phone.
type Directory struct {
	fetcher Fetcher
	cache   cache.Store
	ttl     time.Duration
	logger  *zap.Logger
}

// Module provides the directory backed by the REST client and the cache store.
var Module = fx.Provide(func(client *restapi.Client, store cache.Store, cfg config.Config, logger *zap.Logger) *Directory {
	return New(client, store, cfg.API.AgentCacheTTL, logger)
})

// New builds a directory. A zero ttl uses the cache store default.
func New(fetcher Fetcher, store cache.Store, ttl time.Duration, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		fetcher: fetcher,
		cache:   store,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "agent_directory")),
	}
}

// Lookup returns the agent with agentID, from the cache when possible.
func (d *Directory) Lookup(ctx context.Context, agentID string) (domain.Agent, error) {
	if agentID == "" {
		return domain.Agent{}, fmt.Errorf("%w: missing agent id", domain.ErrAgentUnavailable)
	}

	if d.cache != nil {
		var cached domain.Agent
		err := cache.GetJSON(ctx, d.cache, cache.Key(cacheNamespace, agentID), &cached)
		switch {
		case err == nil:
			return cached, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			d.logger.Warn("agent cache read failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return d.fetch(ctx, agentID)
}

// IsActive reports whether agentID exists and can take deliveries.
func (d *Directory) IsActive(ctx context.Context, agentID string) (bool, error) {
	_, err := d.Resolve(ctx, agentID)
	if errors.Is(err, domain.ErrAgentUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Resolve fetches agentID from the source of truth and returns it when it can
// take deliveries, domain.ErrAgentUnavailable otherwise. Unavailable agents
// are evicted from the cache.
func (d *Directory) Resolve(ctx context.Context, agentID string) (domain.Agent, error) {
	if agentID == "" {
		return domain.Agent{}, fmt.Errorf("%w: missing agent id", domain.ErrAgentUnavailable)
	}

	agent, err := d.fetch(ctx, agentID)
	if err == nil && !agent.Active {
		err = fmt.Errorf("%w: agent %s is inactive", domain.ErrAgentUnavailable, agentID)
	}
	if errors.Is(err, domain.ErrAgentUnavailable) {
		if derr := d.Invalidate(ctx, agentID); derr != nil {
			d.logger.Warn("agent cache evict failed", zap.String("agent_id", agentID), zap.Error(derr))
		}
	}
	if err != nil {
		return domain.Agent{}, err
	}
	return agent, nil
}

// Invalidate drops the cached entry for agentID.
func (d *Directory) Invalidate(ctx context.Context, agentID string) error {
	if d.cache == nil {
		return nil
	}
	return d.cache.Delete(ctx, cache.Key(cacheNamespace, agentID))
}

func (d *Directory) fetch(ctx context.Context, agentID string) (domain.Agent, error) {
	agent, err := d.fetcher.GetAgent(ctx, agentID)
	if err != nil {
		if apiErr, ok := restapi.AsAPIError(err); ok && apiErr.StatusCode == http.StatusNotFound {
			return domain.Agent{}, fmt.Errorf("%w: agent %s not found", domain.ErrAgentUnavailable, agentID)
		}
		return domain.Agent{}, fmt.Errorf("fetch agent %s: %w", agentID, err)
	}
	if agent.ID == "" {
		agent.ID = agentID
	}

	if d.cache != nil {
		if err := cache.SetJSON(ctx, d.cache, cache.Key(cacheNamespace, agentID), agent, d.ttl); err != nil {
			d.logger.Warn("agent cache write failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return agent, nil
}
