package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"wsrpline/internal/cache"
	"wsrpline/internal/wsrp"
)

// ProducerInfo is the Consumer's handle on one Producer: its cached service description,
// its registration and the portlets discovered outside the description.
type ProducerInfo struct {
	id      string
	factory *ServiceFactory
	info    *RegistrationInfo
	log     zerolog.Logger
	tracer  trace.Tracer

	// Now is the clock used for cache expiry.
	Now func() time.Time

	mu          sync.RWMutex
	expiration  *int
	lastRefresh time.Time
	refreshed   bool
	description *wsrp.ServiceDescription
	// stale is set when the registration changed after description was fetched.
	stale bool

	portlets *cache.Manager[wsrp.PortletDescription]
	flight   singleflight.Group
}

type ProducerOption func(*ProducerInfo)

// WithCacheExpiration sets the TTL in seconds. nil disables expiry.
func WithCacheExpiration(seconds *int) ProducerOption {
	return func(p *ProducerInfo) { p.expiration = copyInt(seconds) }
}

func WithProducerLogger(log zerolog.Logger) ProducerOption {
	return func(p *ProducerInfo) { p.log = log }
}

func WithTracer(t trace.Tracer) ProducerOption {
	return func(p *ProducerInfo) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithPortletCache shares the cache of portlets found through portlet management.
func WithPortletCache(c *cache.Manager[wsrp.PortletDescription]) ProducerOption {
	return func(p *ProducerInfo) {
		if c != nil {
			p.portlets = c
		}
	}
}

func NewProducerInfo(id string, factory *ServiceFactory, info *RegistrationInfo, opts ...ProducerOption) (*ProducerInfo, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: producer id is required", ErrInvalidArgument)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: service factory is required", ErrInvalidArgument)
	}
	if info == nil {
		return nil, fmt.Errorf("%w: registration info is required", ErrInvalidArgument)
	}
	p := &ProducerInfo{
		id:      id,
		factory: factory,
		info:    info,
		log:     zerolog.Nop(),
		tracer:  noop.NewTracerProvider().Tracer("noop"),
		Now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("producer", id).Logger()
	if p.portlets == nil {
		p.portlets = cache.New[wsrp.PortletDescription]("portlets", p.ttl(), cache.DefaultCleanupInterval, p.log)
	}
	return p, nil
}

func (p *ProducerInfo) ID() string                          { return p.id }
func (p *ProducerInfo) RegistrationInfo() *RegistrationInfo { return p.info }
func (p *ProducerInfo) ServiceFactory() *ServiceFactory     { return p.factory }

func (p *ProducerInfo) ExpirationCacheSeconds() *int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyInt(p.expiration)
}

func (p *ProducerInfo) SetExpirationCacheSeconds(seconds *int) {
	p.mu.Lock()
	p.expiration = copyInt(seconds)
	p.mu.Unlock()
}

// LastRefresh returns the time of the last successful refresh.
func (p *ProducerInfo) LastRefresh() (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRefresh, p.refreshed
}

func (p *ProducerInfo) ttl() time.Duration {
	if p.expiration == nil || *p.expiration <= 0 {
		return 0
	}
	return time.Duration(*p.expiration) * time.Second
}

// IsRefreshNeeded is false once refreshed, unless considerCache is set and the cache expired,
// or the local registration changed since.
func (p *ProducerInfo) IsRefreshNeeded(considerCache bool) bool {
	p.mu.RLock()
	refreshed, last, expiration := p.refreshed, p.lastRefresh, copyInt(p.expiration)
	p.mu.RUnlock()
	if !refreshed || p.info.IsModifiedSinceLastRefresh() || p.info.ModifyRegistrationRequired() {
		return true
	}
	if considerCache && expiration != nil {
		return !p.Now().Before(last.Add(time.Duration(*expiration) * time.Second))
	}
	return false
}

// Refresh fetches the service description, reconciles the registration and registers or
// modifies the registration when required. It reports whether any work was done.
// Concurrent callers share a single in-flight refresh.
func (p *ProducerInfo) Refresh(ctx context.Context, force bool) (bool, error) {
	if !force && !p.IsRefreshNeeded(false) {
		return false, nil
	}
	ch := p.flight.DoChan("refresh", func() (any, error) {
		return nil, p.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return true, res.Err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *ProducerInfo) refresh(ctx context.Context) (err error) {
	ctx, span := p.tracer.Start(ctx, "producer.refresh", trace.WithAttributes(attribute.String("wsrp.producer", p.id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	svc, err := p.factory.Services(ctx)
	if err != nil {
		return p.factory.Classify(ctx, err)
	}
	sd, err := svc.ServiceDescription(ctx, p.info.RegistrationContext())
	if err != nil && p.registrationFault(err) {
		// ask again as an unregistered consumer to learn the current expectations
		sd, err = svc.ServiceDescription(ctx, nil)
	}
	if err != nil {
		return p.factory.Classify(ctx, err)
	}
	p.factory.Classify(ctx, nil)

	res, err := p.info.Refresh(sd, p.id, RefreshOptions{MergeWithProducerExpectations: true, Force: true})
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("wsrp.refresh_status", res.Status.String()))

	p.mu.Lock()
	p.description = sd
	p.stale = false
	p.mu.Unlock()

	if sd.RequiresRegistration {
		if valid, _ := p.info.IsRegistrationValid(); !valid {
			if res.HasIssues() {
				return &ValidationError{ProducerID: p.id, Result: res}
			}
			if p.info.IsRegistered() {
				err = p.modifyRegistration(ctx, svc)
			} else {
				err = p.register(ctx, svc)
			}
			if err != nil {
				return err
			}
			p.mu.Lock()
			p.stale = true
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	p.refreshed = true
	p.lastRefresh = p.Now()
	p.mu.Unlock()
	p.log.Debug().Stringer("status", res.Status).Msg("producer refreshed")
	return nil
}

// registrationFault reacts to faults about our registration. A Producer that wants the
// registration modified gets a modifyRegistration on the next refresh; one that no longer
// knows the handle gets a fresh register. It reports whether err was such a fault.
func (p *ProducerInfo) registrationFault(err error) bool {
	switch {
	case errors.Is(err, wsrp.ErrModifyRegistrationRequired):
		if !p.info.IsRegistered() {
			return false
		}
		p.info.RequireModifyRegistration()
		p.log.Info().Msg("producer requires modifyRegistration")
		return true
	case errors.Is(err, wsrp.ErrInvalidRegistration):
		handle := p.info.RegistrationHandle()
		if handle == "" {
			return false
		}
		p.info.ResetRegistration()
		p.log.Warn().Str("handle", handle).Msg("producer rejected the registration, registering again")
		return true
	}
	return false
}

// GetServiceDescription returns the cached description, refreshing when the cache expired.
func (p *ProducerInfo) GetServiceDescription(ctx context.Context) (*wsrp.ServiceDescription, error) {
	if p.IsRefreshNeeded(true) {
		if _, err := p.Refresh(ctx, true); err != nil && !IsValidation(err) {
			return nil, err
		}
	}
	p.mu.RLock()
	sd, stale := p.description, p.stale
	p.mu.RUnlock()
	if sd == nil {
		return nil, fmt.Errorf("no service description from %s", p.id)
	}
	if stale {
		return p.describe(ctx, sd)
	}
	return sd, nil
}

// describe fetches the description again for the current registration, since the offered
// portlets depend on it. The previous description is kept when that fails.
func (p *ProducerInfo) describe(ctx context.Context, previous *wsrp.ServiceDescription) (*wsrp.ServiceDescription, error) {
	svc, err := p.factory.Services(ctx)
	if err != nil {
		return previous, nil
	}
	sd, err := svc.ServiceDescription(ctx, p.info.RegistrationContext())
	if err != nil {
		p.registrationFault(err)
		p.log.Debug().Err(err).Msg("keeping the previous service description")
		return previous, nil
	}
	p.mu.Lock()
	p.description = sd
	p.stale = false
	p.mu.Unlock()
	return sd, nil
}

// GetPortlet looks in the service description first, then asks portlet management and
// caches the answer.
func (p *ProducerInfo) GetPortlet(ctx context.Context, handle string) (wsrp.PortletDescription, error) {
	if handle == "" {
		return wsrp.PortletDescription{}, fmt.Errorf("%w: portlet handle is required", ErrInvalidArgument)
	}
	sd, err := p.GetServiceDescription(ctx)
	if err != nil {
		return wsrp.PortletDescription{}, err
	}
	if pd, ok := sd.Portlet(handle); ok {
		return pd, nil
	}
	key := p.id + "/" + handle
	if pd, ok := p.portlets.Get(ctx, key); ok {
		return pd, nil
	}

	ctx, span := p.tracer.Start(ctx, "producer.portlet_description", trace.WithAttributes(attribute.String("wsrp.portlet", handle)))
	defer span.End()
	svc, err := p.factory.Services(ctx)
	if err != nil {
		return wsrp.PortletDescription{}, p.factory.Classify(ctx, err)
	}
	pd, err := svc.PortletDescription(ctx, p.info.RegistrationContext(), wsrp.PortletContext{Handle: handle})
	if err != nil {
		span.RecordError(err)
		p.registrationFault(err)
		return wsrp.PortletDescription{}, p.factory.Classify(ctx, err)
	}
	p.portlets.Set(ctx, key, pd, cache.UseDefault)
	return pd, nil
}

// Register registers with the current local properties.
func (p *ProducerInfo) Register(ctx context.Context) error {
	if p.info.IsRegistered() {
		return fmt.Errorf("already registered with %s", p.id)
	}
	svc, err := p.factory.Services(ctx)
	if err != nil {
		return p.factory.Classify(ctx, err)
	}
	return p.register(ctx, svc)
}

func (p *ProducerInfo) register(ctx context.Context, svc RegistrationService) error {
	rc, err := svc.Register(ctx, p.info.RegistrationData())
	if err != nil {
		return p.factory.Classify(ctx, err)
	}
	p.info.RegistrationSucceeded(rc)
	p.log.Info().Str("handle", rc.Handle).Msg("registered with producer")
	return nil
}

// ModifyRegistration sends the current local properties for the existing registration.
func (p *ProducerInfo) ModifyRegistration(ctx context.Context) error {
	if !p.info.IsRegistered() {
		return fmt.Errorf("not registered with %s", p.id)
	}
	svc, err := p.factory.Services(ctx)
	if err != nil {
		return p.factory.Classify(ctx, err)
	}
	return p.modifyRegistration(ctx, svc)
}

func (p *ProducerInfo) modifyRegistration(ctx context.Context, svc RegistrationService) error {
	rc := p.info.RegistrationContext()
	state, err := svc.ModifyRegistration(ctx, *rc, p.info.RegistrationData())
	if err != nil {
		p.registrationFault(err)
		return p.factory.Classify(ctx, err)
	}
	if state != nil {
		rc.State = state.State
	}
	p.info.RegistrationSucceeded(*rc)
	p.log.Info().Str("handle", rc.Handle).Msg("registration modified")
	return nil
}

// Deregister ends the registration and forgets it locally.
func (p *ProducerInfo) Deregister(ctx context.Context) error {
	rc := p.info.RegistrationContext()
	if rc == nil {
		return fmt.Errorf("not registered with %s", p.id)
	}
	svc, err := p.factory.Services(ctx)
	if err != nil {
		return p.factory.Classify(ctx, err)
	}
	if err := svc.Deregister(ctx, *rc); err != nil {
		if errors.Is(err, wsrp.ErrInvalidRegistration) {
			p.info.ResetRegistration()
			p.log.Info().Str("handle", rc.Handle).Msg("registration already gone on the producer")
			return nil
		}
		return p.factory.Classify(ctx, err)
	}
	p.info.ResetRegistration()
	p.log.Info().Str("handle", rc.Handle).Msg("deregistered from producer")
	return nil
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
