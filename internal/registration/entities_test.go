package registration_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"wsrpline/internal/registration"
	"wsrpline/internal/wsrp"
)

func TestValidateConsumerAgent(t *testing.T) {
	for _, agent := range []string{"JBoss.Portal.2.6", "a.b.c", "vendor.1.0 extra words"} {
		require.NoError(t, registration.ValidateConsumerAgent(agent), agent)
	}
	for _, agent := range []string{"", "portal", "a.b", "a.b.", ".a.b", "a..b"} {
		require.ErrorIs(t, registration.ValidateConsumerAgent(agent), registration.ErrInvalidConsumerData, agent)
	}
}

func TestConsumerAgentSetTwiceIsNoop(t *testing.T) {
	c, err := registration.NewManager(nil).CreateConsumer(context.Background(), "portal")
	require.NoError(t, err)

	require.NoError(t, c.SetConsumerAgent("a.b.c"))
	require.NoError(t, c.SetConsumerAgent("a.b.c"))
	require.NoError(t, c.SetConsumerAgent(""))
	require.Equal(t, "a.b.c", c.ConsumerAgent())
	require.Error(t, c.SetConsumerAgent("nope"))
	require.Equal(t, "a.b.c", c.ConsumerAgent())
}

func TestRegistrationProperties(t *testing.T) {
	ctx := context.Background()
	reg, err := registration.NewManager(nil).AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{prop0: "v"}, nil, true)
	require.NoError(t, err)

	props := reg.Properties()
	props[prop1] = "sneaky"
	_, ok := reg.PropertyValue(prop1)
	require.False(t, ok, "Properties must return a copy")

	require.ErrorIs(t, reg.SetPropertyValueFor(wsrp.QName{}, "x"), registration.ErrInvalidArgument)
	require.ErrorIs(t, reg.SetPropertyValueFor(prop1, nil), registration.ErrInvalidArgument)
	require.ErrorIs(t, reg.RemoveProperty(wsrp.QName{}), registration.ErrInvalidArgument)

	require.NoError(t, reg.SetPropertyValueFor(prop1, "w"))
	require.True(t, reg.HasEqualProperties(map[wsrp.QName]any{prop0: "v", prop1: "w"}))
	require.NoError(t, reg.RemoveProperty(prop1))
	require.True(t, reg.HasEqualProperties(map[wsrp.QName]any{prop0: "v"}))

	err = reg.UpdateProperties(map[wsrp.QName]any{prop0: "new", prop1: nil})
	require.ErrorIs(t, err, registration.ErrInvalidArgument)
	require.True(t, reg.HasEqualProperties(map[wsrp.QName]any{prop0: "v"}), "a rejected update changes nothing")
}

func TestRegistrationPortletContexts(t *testing.T) {
	ctx := context.Background()
	reg, err := registration.NewManager(nil).AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{}, nil, true)
	require.NoError(t, err)

	require.ErrorIs(t, reg.AddPortletContext(wsrp.PortletContext{}), registration.ErrInvalidArgument)
	require.NoError(t, reg.AddPortletContext(wsrp.PortletContext{Handle: "clone-2"}))
	require.NoError(t, reg.AddPortletContext(wsrp.PortletContext{Handle: "clone-1", State: []byte("s")}))
	require.True(t, reg.KnowsPortlet("clone-1"))

	known := reg.KnownPortletContexts()
	require.Len(t, known, 2)
	require.Equal(t, "clone-1", known[0].Handle)

	reg.RemovePortletContext("clone-1")
	require.False(t, reg.KnowsPortlet("clone-1"))
}

func TestStatusText(t *testing.T) {
	for _, s := range []registration.Status{registration.StatusPending, registration.StatusValid, registration.StatusInvalid} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var parsed registration.Status
		require.NoError(t, parsed.UnmarshalText(text))
		require.Equal(t, s, parsed)
	}
	_, err := registration.ParseStatus("revoked")
	require.Error(t, err)
}

func TestPersistenceLoad(t *testing.T) {
	ctx := context.Background()
	pm := registration.NewPersistence()
	err := pm.Load(registration.Snapshot{
		Groups: []registration.GroupRecord{{Name: "g", Status: registration.StatusValid}},
		Consumers: []registration.ConsumerRecord{
			{ID: "portal", Name: "portal", Agent: "a.b.c", Status: registration.StatusValid, Group: "g"},
		},
		Registrations: []registration.RegistrationRecord{{
			Key:             "k1",
			ConsumerID:      "portal",
			Handle:          "h1",
			Status:          registration.StatusPending,
			Properties:      map[wsrp.QName]any{prop0: "v"},
			PortletContexts: []wsrp.PortletContext{{Handle: "clone"}},
		}},
	})
	require.NoError(t, err)

	reg, err := pm.GetRegistrationByHandle(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, reg)
	require.Equal(t, registration.StatusPending, reg.Status())
	require.True(t, reg.KnowsPortlet("clone"))
	c := reg.Consumer()
	require.Equal(t, "a.b.c", c.ConsumerAgent())
	require.Equal(t, "g", c.Group().Name())
	require.True(t, c.Group().Contains(c))

	err = pm.Load(registration.Snapshot{Consumers: []registration.ConsumerRecord{{ID: "x", Name: "x", Group: "missing"}}})
	require.Error(t, err)
	reg, err = pm.GetRegistrationByHandle(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, reg, "a failed load keeps the previous state")
}

func TestDefaultPolicyAccess(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil)
	reg, err := m.AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{}, nil, true)
	require.NoError(t, err)

	policy := m.Policy()
	require.True(t, policy.AllowAccessTo(wsrp.PortletContext{Handle: "p"}, reg, "getMarkup"))
	reg.SetStatus(registration.StatusPending)
	require.False(t, policy.AllowAccessTo(wsrp.PortletContext{Handle: "p"}, reg, "getMarkup"))
	require.False(t, policy.AllowAccessTo(wsrp.PortletContext{Handle: "p"}, nil, "getMarkup"))
}
