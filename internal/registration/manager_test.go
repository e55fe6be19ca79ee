package registration_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"wsrpline/internal/registration"
	"wsrpline/internal/wsrp"
)

var (
	prop0 = wsrp.NewQName("prop0")
	prop1 = wsrp.NewQName("prop1")
	extra = wsrp.NewQName("extra")
)

func expecting(names ...wsrp.QName) map[wsrp.QName]wsrp.PropertyDescription {
	descs := make([]wsrp.PropertyDescription, len(names))
	for i, n := range names {
		descs[i] = wsrp.PropertyDescription{Name: n, Type: "xsd:string"}
	}
	return wsrp.PropertyDescriptions(descs...)
}

// groupPolicy counts group name validations and can reject them.
type groupPolicy struct {
	registration.DefaultPolicy
	mu          sync.Mutex
	validations int
	reject      bool
}

func (p *groupPolicy) ValidateConsumerGroupName(ctx context.Context, name string, lookup registration.Lookup) error {
	p.mu.Lock()
	p.validations++
	p.mu.Unlock()
	if p.reject {
		return &registration.Error{Kind: registration.KindRejected, Message: "group names are frozen"}
	}
	return p.DefaultPolicy.ValidateConsumerGroupName(ctx, name, lookup)
}

// flakyJournal fails registration saves once a handle has been assigned.
type flakyJournal struct {
	failHandledSaves bool
}

func (flakyJournal) SaveConsumer(context.Context, registration.ConsumerRecord) error   { return nil }
func (flakyJournal) DeleteConsumer(context.Context, string) error                       { return nil }
func (flakyJournal) SaveConsumerGroup(context.Context, registration.GroupRecord) error { return nil }
func (flakyJournal) DeleteConsumerGroup(context.Context, string) error                  { return nil }
func (flakyJournal) DeleteRegistration(context.Context, string) error                   { return nil }

func (j flakyJournal) SaveRegistration(_ context.Context, rec registration.RegistrationRecord) error {
	if j.failHandledSaves && rec.Handle != "" {
		return errors.New("disk full")
	}
	return nil
}

func TestAddRegistrationToCreatesConsumer(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil)

	reg, err := m.AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{prop0: "value"}, expecting(prop0), true)
	require.NoError(t, err)
	require.Equal(t, registration.StatusValid, reg.Status())
	require.Equal(t, reg.PersistentKey(), reg.RegistrationHandle())

	c := reg.Consumer()
	require.NotNil(t, c)
	require.Equal(t, "portal", c.Name())
	require.Equal(t, registration.StatusValid, c.Status())
	require.True(t, c.IsRegistered())
	require.True(t, c.HasRegistration(reg))

	found, err := m.GetRegistration(ctx, reg.RegistrationHandle())
	require.NoError(t, err)
	require.Same(t, reg, found)
	owner, err := m.GetConsumerFor(ctx, reg.RegistrationHandle())
	require.NoError(t, err)
	require.Same(t, c, owner)
}

func TestAddRegistrationToRequiresConsumerWhenNotCreating(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil)

	_, err := m.AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{}, nil, false)
	require.ErrorIs(t, err, registration.ErrNoSuchRegistration)

	_, err = m.AddRegistrationTo(ctx, "", map[wsrp.QName]any{}, nil, true)
	require.ErrorIs(t, err, registration.ErrInvalidArgument)
	_, err = m.AddRegistrationTo(ctx, "portal", nil, nil, true)
	require.ErrorIs(t, err, registration.ErrInvalidArgument)
}

func TestAddRegistrationToReportsEveryMismatch(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil)

	_, err := m.AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{prop0: "v", extra: "x"}, expecting(prop0, prop1), true)
	require.ErrorIs(t, err, registration.ErrValidation)

	var regErr *registration.Error
	require.True(t, errors.As(err, &regErr))
	require.Equal(t, []wsrp.QName{prop1}, regErr.Missing)
	require.Equal(t, []wsrp.QName{extra}, regErr.Unexpected)
	require.Contains(t, err.Error(), "prop1")
	require.Contains(t, err.Error(), "extra")

	c, err := m.GetConsumerByName(ctx, "portal")
	require.NoError(t, err)
	require.Nil(t, c, "a rejected registration must not create its consumer")
}

func TestAddRegistrationToRejectsDuplicateProperties(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil)
	props := map[wsrp.QName]any{prop0: "v"}

	first, err := m.AddRegistrationTo(ctx, "portal", props, nil, true)
	require.NoError(t, err)

	_, err = m.AddRegistrationTo(ctx, "portal", props, nil, true)
	require.ErrorIs(t, err, registration.ErrDuplicate)
	var regErr *registration.Error
	require.True(t, errors.As(err, &regErr))
	require.Equal(t, first.RegistrationHandle(), regErr.Handle)

	second, err := m.AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{prop0: "other"}, nil, false)
	require.NoError(t, err)
	require.Len(t, second.Consumer().Registrations(), 2)
}

func TestAddRegistrationToRollsBackWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	pm := registration.NewPersistence(registration.WithJournal(flakyJournal{failHandledSaves: true}))
	m := registration.NewManager(pm)

	_, err := m.AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{prop0: "v"}, nil, true)
	require.Error(t, err)

	c, err := m.GetConsumerByName(ctx, "portal")
	require.NoError(t, err)
	require.Nil(t, c)
	regs, err := pm.GetRegistrations(ctx)
	require.NoError(t, err)
	require.Empty(t, regs)
}

func TestCreateConsumerAutomaticGroup(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil, registration.WithPolicy(registration.DefaultPolicy{AutomaticGroup: "portals"}))

	c, err := m.CreateConsumer(ctx, "portal")
	require.NoError(t, err)
	require.Equal(t, registration.StatusPending, c.Status())

	g, err := m.GetConsumerGroup(ctx, "portals")
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Same(t, g, c.Group())
	require.True(t, g.Contains(c))

	_, err = m.CreateConsumer(ctx, "portal")
	require.ErrorIs(t, err, registration.ErrDuplicate)
}

func TestCreateConsumerDoesNotLeaveGroupOrConsumerBehind(t *testing.T) {
	ctx := context.Background()
	policy := &groupPolicy{DefaultPolicy: registration.DefaultPolicy{AutomaticGroup: "portals"}, reject: true}
	m := registration.NewManager(nil, registration.WithPolicy(policy))

	_, err := m.CreateConsumer(ctx, "portal")
	require.ErrorIs(t, err, registration.ErrRejected)

	c, err := m.GetConsumerByName(ctx, "portal")
	require.NoError(t, err)
	require.Nil(t, c)
	g, err := m.GetConsumerGroup(ctx, "portals")
	require.NoError(t, err)
	require.Nil(t, g)
}

func TestAddConsumerToGroupNamed(t *testing.T) {
	ctx := context.Background()
	policy := &groupPolicy{}
	m := registration.NewManager(nil, registration.WithPolicy(policy))

	_, err := m.CreateConsumerGroup(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, 1, policy.validations)

	c, err := m.AddConsumerToGroupNamed(ctx, "portal", "g", false, true)
	require.NoError(t, err)
	require.Equal(t, 1, policy.validations, "existing group names are not revalidated")
	g, err := m.GetConsumerGroup(ctx, "g")
	require.NoError(t, err)
	require.Same(t, g, c.Group())
	require.True(t, g.Contains(c))

	_, err = m.AddConsumerToGroupNamed(ctx, "portal", "g", false, false)
	require.ErrorIs(t, err, registration.ErrDuplicate)

	_, err = m.AddConsumerToGroupNamed(ctx, "portal", "other", true, false)
	require.ErrorIs(t, err, registration.ErrDuplicate)
	other, err := m.GetConsumerGroup(ctx, "other")
	require.NoError(t, err)
	require.Nil(t, other, "a group created for a failed add is rolled back")
	require.Same(t, g, c.Group())

	_, err = m.AddConsumerToGroupNamed(ctx, "ghost", "fresh", true, false)
	require.ErrorIs(t, err, registration.ErrNoSuchRegistration)
	fresh, err := m.GetConsumerGroup(ctx, "fresh")
	require.NoError(t, err)
	require.Nil(t, fresh)

	_, err = m.AddConsumerToGroupNamed(ctx, "portal", "missing", false, false)
	require.ErrorIs(t, err, registration.ErrNoSuchRegistration)
}

func TestRemoveRegistrationRevertsConsumerToPending(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil)
	reg, err := m.AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{prop0: "v"}, nil, true)
	require.NoError(t, err)
	c := reg.Consumer()
	handle := reg.RegistrationHandle()

	require.NoError(t, m.RemoveRegistrationByHandle(ctx, handle))
	require.Nil(t, reg.Consumer())
	require.False(t, c.IsRegistered())
	require.Equal(t, registration.StatusPending, c.Status())

	found, err := m.GetRegistration(ctx, handle)
	require.NoError(t, err)
	require.Nil(t, found)

	require.ErrorIs(t, m.RemoveRegistrationByHandle(ctx, handle), registration.ErrNoSuchRegistration)
}

func TestRemoveConsumerCascades(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil)
	c, err := m.AddConsumerToGroupNamed(ctx, "portal", "g", true, true)
	require.NoError(t, err)
	var handles []string
	for i := 0; i < 3; i++ {
		reg, err := m.AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{prop0: i}, nil, false)
		require.NoError(t, err)
		handles = append(handles, reg.RegistrationHandle())
	}

	require.NoError(t, m.RemoveConsumerNamed(ctx, "portal"))
	for _, h := range handles {
		reg, err := m.GetRegistration(ctx, h)
		require.NoError(t, err)
		require.Nil(t, reg)
	}
	g, err := m.GetConsumerGroup(ctx, "g")
	require.NoError(t, err)
	require.True(t, g.IsEmpty())
	require.Nil(t, c.Group())

	require.ErrorIs(t, m.RemoveConsumer(ctx, c), registration.ErrNoSuchRegistration)
}

func TestRemoveConsumerGroupCascades(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		m := registration.NewManager(nil)
		n := rapid.IntRange(0, 5).Draw(t, "consumers")
		perConsumer := rapid.IntRange(1, 4).Draw(t, "registrations")

		_, err := m.CreateConsumerGroup(ctx, "g")
		require.NoError(t, err)
		var ids, handles []string
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("portal-%d", i)
			c, err := m.AddConsumerToGroupNamed(ctx, name, "g", false, true)
			require.NoError(t, err)
			ids = append(ids, c.ID())
			for j := 0; j < perConsumer; j++ {
				reg, err := m.AddRegistrationTo(ctx, name, map[wsrp.QName]any{prop0: j}, nil, false)
				require.NoError(t, err)
				handles = append(handles, reg.RegistrationHandle())
			}
		}

		require.NoError(t, m.RemoveConsumerGroupNamed(ctx, "g"))

		for _, h := range handles {
			reg, err := m.GetRegistration(ctx, h)
			require.NoError(t, err)
			require.Nil(t, reg)
		}
		for _, id := range ids {
			c, err := m.GetConsumerByIdentity(ctx, id)
			require.NoError(t, err)
			require.Nil(t, c)
		}
		g, err := m.GetConsumerGroup(ctx, "g")
		require.NoError(t, err)
		require.Nil(t, g)
		regs, err := m.Persistence().GetRegistrations(ctx)
		require.NoError(t, err)
		require.Empty(t, regs)
	})
}

func TestPropertiesHaveChangedDemotesToPending(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil)
	var regs []*registration.Registration
	for _, name := range []string{"a", "b"} {
		reg, err := m.AddRegistrationTo(ctx, name, map[wsrp.QName]any{prop0: "v"}, expecting(prop0), true)
		require.NoError(t, err)
		regs = append(regs, reg)
	}
	shared, err := m.GetNonRegisteredRegistration(ctx)
	require.NoError(t, err)

	require.NoError(t, m.PropertiesHaveChanged(ctx, expecting(prop0, prop1)))

	for _, reg := range regs {
		require.Equal(t, registration.StatusPending, reg.Status())
		require.True(t, reg.Consumer().IsRegistered())
	}
	require.Equal(t, registration.StatusValid, shared.Status())
}

func TestModifyRegistration(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil)
	reg, err := m.AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{prop0: "v"}, expecting(prop0), true)
	require.NoError(t, err)
	require.NoError(t, m.PropertiesHaveChanged(ctx, expecting(prop0, prop1)))

	_, err = m.ModifyRegistration(ctx, reg.RegistrationHandle(), map[wsrp.QName]any{prop0: "v"}, expecting(prop0, prop1))
	require.ErrorIs(t, err, registration.ErrValidation)
	require.Equal(t, registration.StatusPending, reg.Status())

	modified, err := m.ModifyRegistration(ctx, reg.RegistrationHandle(), map[wsrp.QName]any{prop0: "v", prop1: "w"}, expecting(prop0, prop1))
	require.NoError(t, err)
	require.Same(t, reg, modified)
	require.Equal(t, registration.StatusValid, reg.Status())
	value, ok := reg.PropertyValue(prop1)
	require.True(t, ok)
	require.Equal(t, "w", value)

	// resubmitting the current properties is not a duplicate of itself
	_, err = m.ModifyRegistration(ctx, reg.RegistrationHandle(), map[wsrp.QName]any{prop0: "v", prop1: "w"}, expecting(prop0, prop1))
	require.NoError(t, err)

	_, err = m.ModifyRegistration(ctx, "unknown", map[wsrp.QName]any{}, nil)
	require.ErrorIs(t, err, registration.ErrNoSuchRegistration)
}

func TestNonRegisteredRegistrationIsShared(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil)

	const callers = 32
	results := make([]*registration.Registration, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg, err := m.GetNonRegisteredRegistration(ctx)
			if err == nil {
				results[i] = reg
			}
		}(i)
	}
	wg.Wait()

	for _, reg := range results {
		require.NotNil(t, reg)
		require.Same(t, results[0], reg)
	}
	require.Equal(t, registration.StatusValid, results[0].Status())
	consumers, err := m.GetConsumers(ctx)
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	require.Equal(t, registration.NonRegisteredConsumer, consumers[0].ID())

	require.NoError(t, m.RemoveConsumerNamed(ctx, registration.NonRegisteredConsumer))
	again, err := m.GetNonRegisteredRegistration(ctx)
	require.NoError(t, err)
	require.NotSame(t, results[0], again)
}

func TestConcurrentRegistrationsJoinAutomaticGroup(t *testing.T) {
	ctx := context.Background()
	m := registration.NewManager(nil, registration.WithPolicy(registration.DefaultPolicy{AutomaticGroup: "portals"}))

	const consumers = 20
	errs := make(chan error, consumers)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AddRegistrationTo(ctx, fmt.Sprintf("portal-%d", i), map[wsrp.QName]any{prop0: "v"}, nil, true)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	g, err := m.GetConsumerGroup(ctx, "portals")
	require.NoError(t, err)
	require.Len(t, g.Consumers(), consumers)
}

func TestSetConsumerAgent(t *testing.T) {
	ctx := context.Background()

	strict := registration.NewManager(nil, registration.WithStrictConsumerAgent(true))
	c, err := strict.CreateConsumer(ctx, "portal")
	require.NoError(t, err)
	require.ErrorIs(t, strict.SetConsumerAgent(ctx, c, "portal"), registration.ErrInvalidConsumerData)
	require.Empty(t, c.ConsumerAgent())
	require.NoError(t, strict.SetConsumerAgent(ctx, c, "Portal.2.6.beta"))
	require.Equal(t, "Portal.2.6.beta", c.ConsumerAgent())

	lenient := registration.NewManager(nil)
	c, err = lenient.CreateConsumer(ctx, "portal")
	require.NoError(t, err)
	require.NoError(t, lenient.SetConsumerAgent(ctx, c, "portal"))
	require.Equal(t, "portal", c.ConsumerAgent())
}
