package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tunegate/tunegate/internal/cache"
	"github.com/tunegate/tunegate/internal/config"
	"github.com/tunegate/tunegate/internal/events"
	"github.com/tunegate/tunegate/internal/job"
	"github.com/tunegate/tunegate/internal/provider"
	"github.com/tunegate/tunegate/internal/provider/aggregator"
	"github.com/tunegate/tunegate/internal/provider/direct"
	"github.com/tunegate/tunegate/internal/resolver"
	"github.com/tunegate/tunegate/internal/retry"
	"github.com/tunegate/tunegate/internal/webhook"
)

// components holds everything a command needs, plus what must be released on exit.
type components struct {
	store    job.Store
	cache    cache.Cache
	hub      *events.Hub
	nats     *events.NATSPublisher
	notifier *webhook.Notifier
	service  *resolver.Service
}

// build constructs the service graph from cfg. background bounds work that outlives a
// request, such as webhook deliveries.
func build(ctx, background context.Context, cfg *config.Config) (*components, error) {
	c := &components{hub: events.NewHub()}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	c.store = store

	active, err := newRegistry(cfg).Select(cfg.Provider.Active)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("select provider: %w", err)
	}

	if c.cache, err = openCache(ctx, cfg.Cache); err != nil {
		c.close()
		return nil, err
	}

	c.notifier = webhook.New(retry.Policy{})

	deps := resolver.Deps{
		Store:      c.store,
		Provider:   active,
		Cache:      c.cache,
		Hub:        c.hub,
		Notifier:   c.notifier,
		Background: background,
	}
	if cfg.NATS.URL != "" {
		pub, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		c.nats = pub
		deps.Publisher = pub
	}

	c.service = resolver.New(deps, resolver.Settings{
		GraceWindow:      cfg.Resolver.GraceWindow,
		EmptyURLRetries:  cfg.Resolver.EmptyURLRetries,
		EmptyURLInterval: cfg.Resolver.EmptyURLInterval,
		CallbackURL:      cfg.Provider.CallbackURL,
	})

	log.Info().
		Str("provider", active.Name()).
		Str("store", cfg.Store.Driver).
		Str("cache", cfg.Cache.Backend).
		Bool("nats", c.nats != nil).
		Msg("service ready")
	return c, nil
}

// newRegistry registers every known vendor. Only the selected factory ever runs.
func newRegistry(cfg *config.Config) *provider.Registry {
	exec := retry.New(retry.Policy{
		Attempts:  cfg.Retry.Attempts,
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
	})
	reg := provider.NewRegistry(aggregator.Name)
	reg.Register(aggregator.Name, func() (provider.Provider, error) {
		ep := cfg.Provider.Aggregator
		return aggregator.New(aggregator.Config{
			BaseURL:     ep.BaseURL,
			APIKey:      ep.APIKey,
			Model:       ep.Model,
			CallbackURL: cfg.Provider.CallbackURL,
			Timeout:     cfg.Provider.CallTimeout,
			Retry:       exec,
		})
	})
	reg.Register(direct.Name, func() (provider.Provider, error) {
		ep := cfg.Provider.Direct
		return direct.New(direct.Config{
			BaseURL:     ep.BaseURL,
			APIKey:      ep.APIKey,
			Model:       ep.Model,
			CallbackURL: cfg.Provider.CallbackURL,
			Timeout:     cfg.Provider.CallTimeout,
			Retry:       exec,
		})
	})
	return reg
}

func openStore(ctx context.Context, c config.StoreConfig) (job.Store, error) {
	switch c.Driver {
	case "postgres":
		s, err := job.NewPostgresStore(ctx, c.URL, c.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := job.NewSQLiteStore(c.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}

func openCache(ctx context.Context, c config.CacheConfig) (cache.Cache, error) {
	opts := cache.Options{TTL: c.TTL, TerminalTTL: c.TerminalTTL, MaxEntries: c.MaxEntries}
	if c.Backend == "redis" {
		r, err := cache.NewRedis(ctx, cache.RedisConfig{Addr: c.RedisAddr, DB: c.RedisDB}, opts)
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		return r, nil
	}
	return cache.NewMemory(opts), nil
}

// close waits for pending webhook deliveries, then releases connections.
func (c *components) close() error {
	if c.notifier != nil {
		c.notifier.Wait()
	}
	var errs []error
	if c.nats != nil {
		errs = append(errs, c.nats.Close())
	}
	if c.cache != nil {
		errs = append(errs, c.cache.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}
