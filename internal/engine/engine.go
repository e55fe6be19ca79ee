package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"wsrpline/internal/config"
	"wsrpline/internal/registration"
	"wsrpline/internal/repo"
	"wsrpline/internal/wsrp"
)

// Operation names passed to Policy.AllowAccessTo.
const (
	OpGetServiceDescription = "getServiceDescription"
	OpGetPortletDescription = "getPortletDescription"
)

// Engine answers the producer side of the registration protocol. Every error it returns
// is a *wsrp.Fault.
type Engine struct {
	Manager *registration.Manager
	Config  *config.Config
	// Repo, when set, keeps the registration property descriptions across restarts.
	Repo   *repo.Repo
	Log    zerolog.Logger
	Tracer trace.Tracer

	mu           sync.RWMutex
	descriptions map[wsrp.QName]wsrp.PropertyDescription
}

func New(m *registration.Manager, cfg *config.Config) *Engine {
	return &Engine{
		Manager:      m,
		Config:       cfg,
		Log:          zerolog.Nop(),
		Tracer:       noop.NewTracerProvider().Tracer("noop"),
		descriptions: cfg.Producer.PropertyDescriptions(),
	}
}

func (e *Engine) start(ctx context.Context, op string) (context.Context, trace.Span) {
	if e.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.Tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("wsrp.producer", e.Config.Producer.ID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) RequiresRegistration() bool {
	return e.Config.Producer.RequiresRegistration
}

// PropertyDescriptions returns the registration properties currently expected.
func (e *Engine) PropertyDescriptions() map[wsrp.QName]wsrp.PropertyDescription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[wsrp.QName]wsrp.PropertyDescription, len(e.descriptions))
	for k, v := range e.descriptions {
		out[k] = v
	}
	return out
}

// ServiceDescription describes the producer. Offered portlets are filtered through the policy
// once the caller identifies its registration.
func (e *Engine) ServiceDescription(ctx context.Context, rc *wsrp.RegistrationContext) (sd *wsrp.ServiceDescription, err error) {
	ctx, span := e.start(ctx, "service_description")
	defer func() { endSpan(span, err) }()

	sd = &wsrp.ServiceDescription{
		RequiresRegistration:             e.RequiresRegistration(),
		RegistrationPropertyDescriptions: e.PropertyDescriptions(),
	}
	offered := e.Config.Producer.OfferedPortlets()
	if rc == nil || rc.Handle == "" {
		sd.OfferedPortlets = offered
		return sd, nil
	}
	reg, err := e.RegistrationFor(ctx, rc)
	if err != nil {
		return nil, err
	}
	policy := e.Manager.Policy()
	for _, pd := range offered {
		if policy.AllowAccessTo(wsrp.PortletContext{Handle: pd.Handle}, reg, OpGetServiceDescription) {
			sd.OfferedPortlets = append(sd.OfferedPortlets, pd)
		}
	}
	return sd, nil
}

// Register creates a registration for the consumer named in data, creating the consumer on
// first contact.
func (e *Engine) Register(ctx context.Context, data wsrp.RegistrationData) (rc wsrp.RegistrationContext, err error) {
	ctx, span := e.start(ctx, "register")
	defer func() { endSpan(span, err) }()

	if data.ConsumerName == "" {
		return rc, wsrp.NewFault(wsrp.FaultMissingParameters, "consumer name is required")
	}
	if e.Config.Producer.StrictConsumerAgent {
		if err := registration.ValidateConsumerAgent(data.ConsumerAgent); err != nil {
			return rc, toFault(err)
		}
	}
	reg, err := e.Manager.AddRegistrationTo(ctx, data.ConsumerName, data.PropertyMap(), e.PropertyDescriptions(), true)
	if err != nil {
		return rc, toFault(err)
	}
	if err := e.recordConsumerData(ctx, reg.Consumer(), data); err != nil {
		return rc, err
	}
	e.Log.Info().Str("consumer", data.ConsumerName).Str("handle", reg.RegistrationHandle()).Msg("consumer registered")
	return wsrp.RegistrationContext{Handle: reg.RegistrationHandle()}, nil
}

func (e *Engine) recordConsumerData(ctx context.Context, c *registration.Consumer, data wsrp.RegistrationData) error {
	if c == nil {
		return nil
	}
	if data.ConsumerAgent != "" {
		if err := e.Manager.SetConsumerAgent(ctx, c, data.ConsumerAgent); err != nil {
			return toFault(err)
		}
	}
	caps := registration.ConsumerCapabilities{
		SupportedModes:           data.ConsumerModes,
		SupportedWindowStates:    data.ConsumerWindowStates,
		SupportedUserScopes:      data.ConsumerUserScopes,
		SupportedUserProfileData: data.CustomUserProfileData,
		SupportsGetMethod:        data.MethodGetSupported,
	}
	if err := e.Manager.UpdateConsumerCapabilities(ctx, c, caps); err != nil {
		return toFault(err)
	}
	return nil
}

// ModifyRegistration replaces the properties of an existing registration.
func (e *Engine) ModifyRegistration(ctx context.Context, rc *wsrp.RegistrationContext, data wsrp.RegistrationData) (state *wsrp.RegistrationState, err error) {
	ctx, span := e.start(ctx, "modify_registration")
	defer func() { endSpan(span, err) }()

	if rc == nil || rc.Handle == "" {
		return nil, wsrp.NewFault(wsrp.FaultMissingParameters, "registration context is required")
	}
	reg, err := e.Manager.ModifyRegistration(ctx, rc.Handle, data.PropertyMap(), e.PropertyDescriptions())
	if err != nil {
		return nil, toFault(err)
	}
	if err := e.recordConsumerData(ctx, reg.Consumer(), data); err != nil {
		return nil, err
	}
	return &wsrp.RegistrationState{State: rc.State}, nil
}

// Deregister removes the registration; the consumer reverts to pending when it was its last.
func (e *Engine) Deregister(ctx context.Context, rc *wsrp.RegistrationContext) (err error) {
	ctx, span := e.start(ctx, "deregister")
	defer func() { endSpan(span, err) }()

	if rc == nil || rc.Handle == "" {
		return wsrp.NewFault(wsrp.FaultMissingParameters, "registration context is required")
	}
	if err := e.Manager.RemoveRegistrationByHandle(ctx, rc.Handle); err != nil {
		return toFault(err)
	}
	e.Log.Info().Str("handle", rc.Handle).Msg("registration removed")
	return nil
}

// PortletDescription describes one portlet, offered or not, and remembers that the
// registration used it.
func (e *Engine) PortletDescription(ctx context.Context, rc *wsrp.RegistrationContext, pc wsrp.PortletContext) (pd wsrp.PortletDescription, err error) {
	ctx, span := e.start(ctx, "portlet_description")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("wsrp.portlet", pc.Handle))

	if pc.Handle == "" {
		return pd, wsrp.NewFault(wsrp.FaultMissingParameters, "portlet handle is required")
	}
	reg, err := e.RegistrationFor(ctx, rc)
	if err != nil {
		return pd, err
	}
	pd, ok := e.Config.Producer.Portlet(pc.Handle)
	if !ok {
		return pd, wsrp.NewFault(wsrp.FaultInvalidHandle, "unknown portlet handle '%s'", pc.Handle)
	}
	if reg.Status() == registration.StatusPending {
		return wsrp.PortletDescription{}, wsrp.NewFault(wsrp.FaultModifyRegistrationRequired,
			"registration '%s' must be modified to match the current registration properties", reg.RegistrationHandle())
	}
	if !e.Manager.Policy().AllowAccessTo(pc, reg, OpGetPortletDescription) {
		return wsrp.PortletDescription{}, wsrp.NewFault(wsrp.FaultAccessDenied, "access to portlet '%s' denied", pc.Handle)
	}
	if !reg.KnowsPortlet(pc.Handle) {
		if err := reg.AddPortletContext(pc); err != nil {
			return wsrp.PortletDescription{}, toFault(err)
		}
		if err := e.Manager.Persistence().SaveRegistration(ctx, reg); err != nil {
			e.Log.Error().Err(err).Str("portlet", pc.Handle).Msg("failed to record portlet context")
		}
	}
	return pd, nil
}

// RegistrationFor resolves rc. Without a context the shared non-registered registration is
// used, unless the producer requires registration.
func (e *Engine) RegistrationFor(ctx context.Context, rc *wsrp.RegistrationContext) (*registration.Registration, error) {
	if rc == nil || rc.Handle == "" {
		if e.RequiresRegistration() {
			return nil, wsrp.NewFault(wsrp.FaultInvalidRegistration, "this producer requires registration")
		}
		reg, err := e.Manager.GetNonRegisteredRegistration(ctx)
		if err != nil {
			return nil, toFault(err)
		}
		return reg, nil
	}
	reg, err := e.Manager.GetRegistration(ctx, rc.Handle)
	if err != nil {
		return nil, toFault(err)
	}
	if reg == nil {
		return nil, wsrp.NewFault(wsrp.FaultInvalidRegistration, "unknown registration handle '%s'", rc.Handle)
	}
	return reg, nil
}

// UpdatePropertyDescriptions replaces the expected registration properties. Registrations are
// demoted to pending only when the descriptions actually changed.
func (e *Engine) UpdatePropertyDescriptions(ctx context.Context, descs map[wsrp.QName]wsrp.PropertyDescription) (changed bool, err error) {
	ctx, span := e.start(ctx, "update_property_descriptions")
	defer func() { endSpan(span, err) }()

	e.mu.Lock()
	if wsrp.SameDescriptions(e.descriptions, descs) {
		e.mu.Unlock()
		return false, nil
	}
	previous := e.descriptions
	e.descriptions = copyDescriptions(descs)
	e.mu.Unlock()

	if e.Repo != nil {
		if err := e.Repo.SavePropertyDescriptions(ctx, descs); err != nil {
			e.mu.Lock()
			e.descriptions = previous
			e.mu.Unlock()
			return false, wsrp.NewFault(wsrp.FaultOperationFailed, "save registration property descriptions: %v", err)
		}
	}
	if err := e.Manager.PropertiesHaveChanged(ctx, descs); err != nil {
		return true, toFault(err)
	}
	return true, nil
}

// SyncPropertyDescriptions compares the configured descriptions with the ones last stored.
// A difference demotes registrations made under the old ones.
func (e *Engine) SyncPropertyDescriptions(ctx context.Context) (bool, error) {
	if e.Repo == nil {
		return false, nil
	}
	stored, err := e.Repo.PropertyDescriptions(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return false, e.Repo.SavePropertyDescriptions(ctx, e.PropertyDescriptions())
	}
	if err != nil {
		return false, fmt.Errorf("load registration property descriptions: %w", err)
	}
	configured := e.PropertyDescriptions()
	e.mu.Lock()
	e.descriptions = stored
	e.mu.Unlock()
	changed, err := e.UpdatePropertyDescriptions(ctx, configured)
	if changed {
		e.Log.Info().Int("properties", len(configured)).Msg("registration properties changed since last start")
	}
	return changed, err
}

func copyDescriptions(descs map[wsrp.QName]wsrp.PropertyDescription) map[wsrp.QName]wsrp.PropertyDescription {
	out := make(map[wsrp.QName]wsrp.PropertyDescription, len(descs))
	for k, v := range descs {
		out[k] = v
	}
	return out
}

// toFault maps domain errors onto protocol faults.
func toFault(err error) error {
	if err == nil {
		return nil
	}
	if f, ok := wsrp.AsFault(err); ok {
		return f
	}
	var regErr *registration.Error
	if errors.As(err, &regErr) {
		switch regErr.Kind {
		case registration.KindValidation, registration.KindInvalidArgument:
			f := wsrp.NewFault(wsrp.FaultMissingParameters, "%s", regErr.Error())
			f.Properties = regErr.PropertyNames()
			return f
		default:
			return wsrp.NewFault(wsrp.FaultInvalidRegistration, "%s", regErr.Error())
		}
	}
	return wsrp.NewFault(wsrp.FaultOperationFailed, "%v", err)
}
