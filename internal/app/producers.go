package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"wsrpline/internal/cache"
	"wsrpline/internal/config"
	"wsrpline/internal/consumer"
	"wsrpline/internal/logger"
	"wsrpline/internal/repo"
	"wsrpline/internal/wsrp"
	wsrpsdk "wsrpline/sdk/go"
)

// Producers holds one ProducerInfo per configured remote Producer. Registration state is
// restored from the workspace database and written back after every remote call.
type Producers struct {
	repo  repo.Repo
	infos map[string]*consumer.ProducerInfo
	ids   []string
}

// Producers builds the consumer side from the consumer section of the config.
func (c *Context) Producers(ctx context.Context) (*Producers, error) {
	cc := c.Config.Consumer
	if cc.Name == "" {
		return nil, errors.New("config.consumer.name is required to talk to producers")
	}
	log := logger.WithComponent(c.Log, "consumer")
	services := cache.New[consumer.Services]("services", cache.NoExpiration, cache.DefaultCleanupInterval, log)
	portlets := cache.New[wsrp.PortletDescription]("portlets", cache.NoExpiration, cache.DefaultCleanupInterval, log)

	out := &Producers{repo: c.Repo, infos: make(map[string]*consumer.ProducerInfo, len(cc.Producers))}
	for id := range cc.Producers {
		out.ids = append(out.ids, id)
	}
	sort.Strings(out.ids)
	for _, id := range out.ids {
		rp := cc.Producers[id]
		info, err := c.registrationInfo(ctx, id, rp)
		if err != nil {
			return nil, err
		}
		timeout, err := rp.TimeoutDuration()
		if err != nil {
			return nil, fmt.Errorf("producer %s: %w", id, err)
		}
		transport := wsrpsdk.Transport{Timeout: timeout}
		factory, err := consumer.NewServiceFactory(rp.Endpoint, transport, transport,
			consumer.WithServiceCache(services),
			consumer.WithFactoryLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("producer %s: %w", id, err)
		}
		p, err := consumer.NewProducerInfo(id, factory, info,
			consumer.WithCacheExpiration(rp.CacheExpirationSeconds),
			consumer.WithProducerLogger(log),
			consumer.WithTracer(c.Tracing.Tracer()),
			consumer.WithPortletCache(portlets),
		)
		if err != nil {
			return nil, fmt.Errorf("producer %s: %w", id, err)
		}
		out.infos[id] = p
	}
	return out, nil
}

// registrationInfo restores the saved registration for id, then applies the configured
// property values on top.
func (c *Context) registrationInfo(ctx context.Context, id string, rp config.RemoteProducer) (*consumer.RegistrationInfo, error) {
	var info *consumer.RegistrationInfo
	rec, err := c.Repo.GetConsumerRegistration(ctx, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		info = consumer.NewRegistrationInfo(c.Config.Consumer.Name, c.Config.Consumer.Agent)
	case err != nil:
		return nil, fmt.Errorf("load registration for %s: %w", id, err)
	default:
		if rec.ConsumerName != c.Config.Consumer.Name {
			c.Log.Warn().Str("producer", id).Str("saved", rec.ConsumerName).Msg("consumer name changed; keeping the saved registration")
		}
		info, err = consumer.RestoreRegistrationInfo(rec)
		if err != nil {
			return nil, fmt.Errorf("restore registration for %s: %w", id, err)
		}
	}
	names := make([]string, 0, len(rp.Properties))
	for name := range rp.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, raw := range names {
		name, err := wsrp.ParseQName(raw)
		if err != nil {
			return nil, fmt.Errorf("producer %s: %w", id, err)
		}
		if p := info.GetRegistrationProperty(name); p != nil && p.Value() == rp.Properties[raw] {
			continue
		}
		if _, err := info.SetRegistrationPropertyValue(name, rp.Properties[raw]); err != nil {
			return nil, fmt.Errorf("producer %s: %w", id, err)
		}
	}
	return info, nil
}

func (p *Producers) IDs() []string { return append([]string(nil), p.ids...) }

func (p *Producers) Get(id string) (*consumer.ProducerInfo, error) {
	info, ok := p.infos[id]
	if !ok {
		return nil, fmt.Errorf("no producer %q in config.consumer.producers", id)
	}
	return info, nil
}

// Refresh refreshes one Producer and saves the registration even when the refresh failed
// half way, since a registration may have been created before the failure.
func (p *Producers) Refresh(ctx context.Context, id string, force bool) (bool, error) {
	info, err := p.Get(id)
	if err != nil {
		return false, err
	}
	did, refreshErr := info.Refresh(ctx, force)
	if err := p.save(ctx, info); err != nil {
		return did, errors.Join(refreshErr, err)
	}
	return did, refreshErr
}

// Deregister ends the registration with id and forgets the saved state.
func (p *Producers) Deregister(ctx context.Context, id string) error {
	info, err := p.Get(id)
	if err != nil {
		return err
	}
	if err := info.Deregister(ctx); err != nil {
		return err
	}
	if err := p.repo.DeleteConsumerRegistration(ctx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return nil
}

func (p *Producers) save(ctx context.Context, info *consumer.ProducerInfo) error {
	if err := p.repo.SaveConsumerRegistration(ctx, info.ID(), info.RegistrationInfo().Record()); err != nil {
		return fmt.Errorf("save registration for %s: %w", info.ID(), err)
	}
	return nil
}
