package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"wsrpline/internal/cache"
	"wsrpline/internal/wsrp"
)

// ServiceDescriptionService is the Producer's getServiceDescription.
type ServiceDescriptionService interface {
	ServiceDescription(ctx context.Context, rc *wsrp.RegistrationContext) (*wsrp.ServiceDescription, error)
}

// RegistrationService is the Producer's registration port.
type RegistrationService interface {
	Register(ctx context.Context, data wsrp.RegistrationData) (wsrp.RegistrationContext, error)
	ModifyRegistration(ctx context.Context, rc wsrp.RegistrationContext, data wsrp.RegistrationData) (*wsrp.RegistrationState, error)
	Deregister(ctx context.Context, rc wsrp.RegistrationContext) error
}

// PortletManagementService resolves portlets the service description does not list.
type PortletManagementService interface {
	PortletDescription(ctx context.Context, rc *wsrp.RegistrationContext, pc wsrp.PortletContext) (wsrp.PortletDescription, error)
}

// Services is everything a connected Producer endpoint offers.
type Services interface {
	ServiceDescriptionService
	RegistrationService
	PortletManagementService
}

// Detector finds the protocol version an endpoint speaks.
type Detector interface {
	DetectVersion(ctx context.Context, endpoint string) (wsrp.Version, error)
}

// Connector binds to an endpoint once its version is known. Timeouts belong to the connector.
type Connector interface {
	Connect(ctx context.Context, endpoint string, version wsrp.Version) (Services, error)
}

type DetectorFunc func(ctx context.Context, endpoint string) (wsrp.Version, error)

func (f DetectorFunc) DetectVersion(ctx context.Context, endpoint string) (wsrp.Version, error) {
	return f(ctx, endpoint)
}

type ConnectorFunc func(ctx context.Context, endpoint string, version wsrp.Version) (Services, error)

func (f ConnectorFunc) Connect(ctx context.Context, endpoint string, version wsrp.Version) (Services, error) {
	return f(ctx, endpoint, version)
}

// ServiceFactory runs cache, version detection and connection for one endpoint and
// tracks whether that endpoint is available or failed.
type ServiceFactory struct {
	endpoint  string
	detector  Detector
	connector Connector
	services  *cache.Manager[Services]
	log       zerolog.Logger

	mu        sync.RWMutex
	available bool
	failed    bool
	version   wsrp.Version
	lastErr   error
}

type FactoryOption func(*ServiceFactory)

// WithServiceCache shares connected services between factories.
func WithServiceCache(c *cache.Manager[Services]) FactoryOption {
	return func(f *ServiceFactory) {
		if c != nil {
			f.services = c
		}
	}
}

func WithFactoryLogger(log zerolog.Logger) FactoryOption {
	return func(f *ServiceFactory) { f.log = log }
}

func NewServiceFactory(endpoint string, detector Detector, connector Connector, opts ...FactoryOption) (*ServiceFactory, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidArgument)
	}
	if connector == nil {
		return nil, fmt.Errorf("%w: connector is required", ErrInvalidArgument)
	}
	f := &ServiceFactory{
		endpoint:  endpoint,
		detector:  detector,
		connector: connector,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.services == nil {
		f.services = cache.New[Services]("services", cache.NoExpiration, cache.DefaultCleanupInterval, f.log)
	}
	f.log = f.log.With().Str("endpoint", endpoint).Logger()
	return f, nil
}

func (f *ServiceFactory) Endpoint() string { return f.endpoint }

func (f *ServiceFactory) IsAvailable() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.available
}

func (f *ServiceFactory) IsFailed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.failed
}

// Version is the detected protocol version, zero until connected.
func (f *ServiceFactory) Version() wsrp.Version {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

// Reset clears a failure after the configuration was fixed.
func (f *ServiceFactory) Reset(ctx context.Context) {
	f.mu.Lock()
	f.failed = false
	f.available = false
	f.lastErr = nil
	f.mu.Unlock()
	f.services.Delete(ctx, f.endpoint)
}

// Services returns connected services, detecting and connecting on first use.
func (f *ServiceFactory) Services(ctx context.Context) (Services, error) {
	f.mu.RLock()
	failed, lastErr := f.failed, f.lastErr
	f.mu.RUnlock()
	if failed {
		return nil, &FailedError{Endpoint: f.endpoint, Cause: lastErr}
	}
	if s, ok := f.services.Get(ctx, f.endpoint); ok {
		return s, nil
	}

	version := wsrp.V2
	if f.detector != nil {
		v, err := f.detector.DetectVersion(ctx, f.endpoint)
		if err != nil {
			return nil, f.Classify(ctx, err)
		}
		version = v
	}
	s, err := f.connector.Connect(ctx, f.endpoint, version)
	if err != nil {
		return nil, f.Classify(ctx, err)
	}
	f.services.Set(ctx, f.endpoint, s, cache.UseDefault)

	f.mu.Lock()
	f.version = version
	f.available = true
	f.mu.Unlock()
	f.log.Debug().Stringer("version", version).Msg("connected to producer")
	return s, nil
}

// Classify turns err into a business fault, *UnavailableError or *FailedError and
// updates the factory flags. Business faults leave the flags alone.
func (f *ServiceFactory) Classify(ctx context.Context, err error) error {
	err = classify(f.endpoint, err)
	if err == nil {
		f.mu.Lock()
		f.available = true
		f.mu.Unlock()
		return nil
	}
	switch {
	case IsUnavailable(err):
		f.mu.Lock()
		f.available = false
		f.mu.Unlock()
		f.services.Delete(ctx, f.endpoint)
		f.log.Warn().Err(err).Msg("producer unavailable")
	case IsFailed(err):
		f.mu.Lock()
		f.available = false
		f.failed = true
		f.lastErr = errors.Unwrap(err)
		f.mu.Unlock()
		f.services.Delete(ctx, f.endpoint)
		f.log.Error().Err(err).Msg("producer failed")
	}
	return err
}
