package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"wsrpline/internal/config"
	"wsrpline/internal/consumer"
	"wsrpline/internal/engine"
	"wsrpline/internal/registration"
	"wsrpline/internal/wsrp"
)

// inProcess serves a ProducerInfo straight from the engine.
type inProcess struct {
	*engine.Engine
}

func (p inProcess) ModifyRegistration(ctx context.Context, rc wsrp.RegistrationContext, data wsrp.RegistrationData) (*wsrp.RegistrationState, error) {
	return p.Engine.ModifyRegistration(ctx, &rc, data)
}

func (p inProcess) Deregister(ctx context.Context, rc wsrp.RegistrationContext) error {
	return p.Engine.Deregister(ctx, &rc)
}

func newConsumerOf(t *testing.T, e *engine.Engine) *consumer.ProducerInfo {
	t.Helper()
	factory, err := consumer.NewServiceFactory("in-process", nil,
		consumer.ConnectorFunc(func(context.Context, string, wsrp.Version) (consumer.Services, error) {
			return inProcess{e}, nil
		}))
	require.NoError(t, err)
	info := consumer.NewRegistrationInfo("portal", "portal.1.0")
	_, err = info.SetRegistrationPropertyValue(email, "a@b.c")
	require.NoError(t, err)
	p, err := consumer.NewProducerInfo("producer-1", factory, info)
	require.NoError(t, err)
	return p
}

func registrationStatus(t *testing.T, env testEnv, handle string) registration.Status {
	t.Helper()
	reg, err := env.Engine.Manager.GetRegistration(env.Ctx, handle)
	require.NoError(t, err)
	require.NotNil(t, reg)
	return reg.Status()
}

func TestConsumerModifiesAfterDescriptionsChange(t *testing.T) {
	env := newTestEnv(t, nil)
	p := newConsumerOf(t, env.Engine)
	info := p.RegistrationInfo()

	_, err := p.Refresh(env.Ctx, false)
	require.NoError(t, err)
	handle := info.RegistrationHandle()
	require.NotEmpty(t, handle)
	_, err = p.GetPortlet(env.Ctx, "hello")
	require.NoError(t, err)

	descs := env.Engine.PropertyDescriptions()
	desc := descs[email]
	desc.Label = "Work email"
	descs[email] = desc
	changed, err := env.Engine.UpdatePropertyDescriptions(env.Ctx, descs)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, registration.StatusPending, registrationStatus(t, env, handle))

	_, err = p.Refresh(env.Ctx, true)
	require.NoError(t, err)
	require.Equal(t, registration.StatusValid, registrationStatus(t, env, handle))
	require.Equal(t, handle, info.RegistrationHandle())
	require.False(t, info.IsModifyRegistrationNeeded())
	valid, _ := info.IsRegistrationValid()
	require.True(t, valid)

	sd, err := p.GetServiceDescription(env.Ctx)
	require.NoError(t, err)
	require.Len(t, sd.OfferedPortlets, 1)
	_, err = p.GetPortlet(env.Ctx, "hello")
	require.NoError(t, err)
}

func TestConsumerModifiesWhenPortletCallIsRefused(t *testing.T) {
	hidden := false
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Producer.Portlets = append(cfg.Producer.Portlets, config.PortletConfig{Handle: "late", Title: "Late", Offered: &hidden})
	})
	p := newConsumerOf(t, env.Engine)
	_, err := p.Refresh(env.Ctx, false)
	require.NoError(t, err)
	handle := p.RegistrationInfo().RegistrationHandle()

	// demote without the consumer seeing a description change
	require.NoError(t, env.Engine.Manager.PropertiesHaveChanged(env.Ctx, env.Engine.PropertyDescriptions()))
	_, err = p.GetPortlet(env.Ctx, "late")
	require.ErrorIs(t, err, wsrp.ErrModifyRegistrationRequired)
	require.True(t, p.RegistrationInfo().IsModifyRegistrationNeeded())

	did, err := p.Refresh(env.Ctx, false)
	require.NoError(t, err)
	require.True(t, did)
	require.Equal(t, registration.StatusValid, registrationStatus(t, env, handle))
	pd, err := p.GetPortlet(env.Ctx, "late")
	require.NoError(t, err)
	require.Equal(t, "Late", pd.Title)
}

func TestConsumerRegistersAgainAfterRemoval(t *testing.T) {
	env := newTestEnv(t, nil)
	p := newConsumerOf(t, env.Engine)
	_, err := p.Refresh(env.Ctx, false)
	require.NoError(t, err)
	old := p.RegistrationInfo().RegistrationHandle()

	require.NoError(t, env.Engine.Manager.RemoveRegistrationByHandle(env.Ctx, old))

	_, err = p.Refresh(env.Ctx, true)
	require.NoError(t, err)
	fresh := p.RegistrationInfo().RegistrationHandle()
	require.NotEmpty(t, fresh)
	require.NotEqual(t, old, fresh)
	require.Equal(t, registration.StatusValid, registrationStatus(t, env, fresh))
}
