// Package router resolves agent roles to model endpoints and handles
// failover between a primary model and its fallback.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lamim/cogtrace/internal/api"
	"github.com/lamim/cogtrace/internal/config"
	"github.com/lamim/cogtrace/internal/metrics"
	"github.com/lamim/cogtrace/pkg/models"
)

// ErrNoRoute is returned when a role has no configured endpoint.
var ErrNoRoute = errors.New("no endpoint configured for role")

// Completer is the model call surface the router drives. *api.Client
// satisfies it; tests substitute fakes.
type Completer interface {
	Complete(ctx context.Context, ep api.Endpoint, req api.Request) (*api.Response, error)
}

type route struct {
	primary  api.Endpoint
	fallback *api.Endpoint

	mu                 sync.Mutex
	lastPrimaryFailure time.Time
}

// Router routes completion requests per agent role, switching to the
// fallback while the primary is cooling down after a failure.
type Router struct {
	client   Completer
	logger   *slog.Logger
	cooldown time.Duration
	routes   map[models.AgentRole]*route

	now func() time.Time // injectable for tests
}

// New builds a Router for one job from its agent configuration. Every model
// reference is resolved against the configured providers up front so that a
// bad configuration fails before any session is processed.
func New(client Completer, cfg *config.Config, secrets *config.Secrets, agentCfg models.AgentConfig, logger *slog.Logger) (*Router, error) {
	cooldown := time.Duration(agentCfg.FallbackRetryAfterMin) * time.Minute
	if cooldown <= 0 {
		cooldown = time.Duration(cfg.Pipeline.FallbackRetryAfterMin) * time.Minute
	}

	r := &Router{
		client:   client,
		logger:   logger.With("component", "router"),
		cooldown: cooldown,
		routes:   make(map[models.AgentRole]*route, 3),
		now:      time.Now,
	}

	for role, mc := range map[models.AgentRole]models.AgentModelConfig{
		models.RoleAnalyst: agentCfg.Analyst,
		models.RoleCritic:  agentCfg.Critic,
		models.RoleJudge:   agentCfg.Judge,
	} {
		primary, err := resolveEndpoint(cfg, secrets, mc.Primary)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role, err)
		}
		rt := &route{primary: primary}
		if mc.Fallback != nil {
			fb, err := resolveEndpoint(cfg, secrets, *mc.Fallback)
			if err != nil {
				return nil, fmt.Errorf("role %s fallback: %w", role, err)
			}
			rt.fallback = &fb
		}
		r.routes[role] = rt
	}

	return r, nil
}

// resolveEndpoint turns a model reference into a callable endpoint. An
// explicit base URL makes a standalone OpenAI-compatible endpoint; otherwise
// the named provider supplies dialect, URL, and credentials.
func resolveEndpoint(cfg *config.Config, secrets *config.Secrets, ref models.ModelRef) (api.Endpoint, error) {
	if ref.Model == "" {
		return api.Endpoint{}, errors.New("model name is required")
	}

	if ref.BaseURL != "" {
		provider := ref.Provider
		if provider == "" {
			provider = "custom"
		}
		ep := api.Endpoint{
			Provider: provider,
			Kind:     "openai",
			BaseURL:  ref.BaseURL,
			Model:    ref.Model,
		}
		if pc, ok := cfg.Providers[ref.Provider]; ok {
			ep.Kind = pc.Kind
			ep.RateLimitPerMinute = pc.RateLimitPerMinute
		}
		ep.APIKey = secrets.GetAPIKey(provider)
		return ep, nil
	}

	pc, ok := cfg.Providers[ref.Provider]
	if !ok {
		return api.Endpoint{}, fmt.Errorf("unknown provider %q", ref.Provider)
	}
	return api.Endpoint{
		Provider:           ref.Provider,
		Kind:               pc.Kind,
		BaseURL:            pc.BaseURL,
		Model:              ref.Model,
		APIKey:             secrets.GetAPIKey(ref.Provider),
		RateLimitPerMinute: pc.RateLimitPerMinute,
	}, nil
}

// Endpoint returns the endpoint currently selected for the role, without
// calling it. The fallback is selected while the primary is cooling down.
func (r *Router) Endpoint(role models.AgentRole) (api.Endpoint, error) {
	rt, ok := r.routes[role]
	if !ok {
		return api.Endpoint{}, fmt.Errorf("%w: %s", ErrNoRoute, role)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.fallback != nil && r.coolingDown(rt) {
		return *rt.fallback, nil
	}
	return rt.primary, nil
}

func (r *Router) coolingDown(rt *route) bool {
	return !rt.lastPrimaryFailure.IsZero() && r.now().Sub(rt.lastPrimaryFailure) < r.cooldown
}

// Invoke sends the request through the role's primary model, falling back on
// failure. A primary failure starts the cooldown window; while it lasts,
// requests go straight to the fallback. After the window expires the primary
// is tried again, and another failure restarts the window.
func (r *Router) Invoke(ctx context.Context, role models.AgentRole, req api.Request) (*api.Response, error) {
	rt, ok := r.routes[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, role)
	}

	rt.mu.Lock()
	usePrimary := rt.fallback == nil || !r.coolingDown(rt)
	rt.mu.Unlock()

	if usePrimary {
		resp, err := r.call(ctx, role, rt.primary, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if rt.fallback == nil {
			return nil, fmt.Errorf("role %s: primary %s failed with no fallback: %w", role, rt.primary.Model, err)
		}

		rt.mu.Lock()
		rt.lastPrimaryFailure = r.now()
		rt.mu.Unlock()

		r.logger.Warn("Primary model failed, switching to fallback",
			"role", role,
			"primary", rt.primary.Model,
			"fallback", rt.fallback.Model,
			"cooldown", r.cooldown,
			"error", err)
		metrics.RecordFallbackSwitch(string(role), rt.primary.Model)

		resp, fbErr := r.call(ctx, role, *rt.fallback, req)
		if fbErr != nil {
			return nil, fmt.Errorf("role %s: primary failed (%v), fallback %s failed: %w",
				role, err, rt.fallback.Model, fbErr)
		}
		return resp, nil
	}

	resp, err := r.call(ctx, role, *rt.fallback, req)
	if err != nil {
		return nil, fmt.Errorf("role %s: fallback %s failed while primary cooling down: %w",
			role, rt.fallback.Model, err)
	}
	return resp, nil
}

func (r *Router) call(ctx context.Context, role models.AgentRole, ep api.Endpoint, req api.Request) (*api.Response, error) {
	start := time.Now()
	resp, err := r.client.Complete(ctx, ep, req)
	metrics.RecordModelRequest(string(role), ep.Model, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
