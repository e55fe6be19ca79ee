package registration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"wsrpline/internal/wsrp"
)

// Manager implements the registration use cases on top of a Policy and a PersistenceManager.
// Compound operations lock the groups and consumers they touch, never the whole registry.
type Manager struct {
	persistence PersistenceManager

	policyMu sync.RWMutex
	policy   Policy

	log         zerolog.Logger
	strictAgent bool
	locks       *keyedMutex

	nonRegMu sync.Mutex
	nonReg   atomic.Pointer[Registration]
}

type ManagerOption func(*Manager)

func WithPolicy(p Policy) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithStrictConsumerAgent rejects malformed consumer agents instead of logging them.
func WithStrictConsumerAgent(strict bool) ManagerOption {
	return func(m *Manager) { m.strictAgent = strict }
}

func NewManager(pm PersistenceManager, opts ...ManagerOption) *Manager {
	if pm == nil {
		pm = NewPersistence()
	}
	m := &Manager{
		persistence: pm,
		policy:      DefaultPolicy{},
		log:         zerolog.Nop(),
		locks:       newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("component", "registration").Logger()
	return m
}

var _ Lookup = (*Manager)(nil)

func (m *Manager) Policy() Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

func (m *Manager) SetPolicy(p Policy) error {
	if p == nil {
		return invalidArgument("policy is required")
	}
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()
	return nil
}

func (m *Manager) Persistence() PersistenceManager { return m.persistence }

// AddRegistrationTo registers consumerName with props. Nothing is left behind when any step fails.
func (m *Manager) AddRegistrationTo(ctx context.Context, consumerName string, props map[wsrp.QName]any, expectations map[wsrp.QName]wsrp.PropertyDescription, createConsumerIfNeeded bool) (*Registration, error) {
	if strings.TrimSpace(consumerName) == "" {
		return nil, invalidArgument("consumer name is required")
	}
	if props == nil {
		return nil, invalidArgument("registration properties are required")
	}
	policy := m.Policy()
	id, err := policy.ConsumerIDFrom(consumerName, props)
	if err != nil {
		return nil, err
	}
	var groups []string
	if createConsumerIfNeeded {
		groups = append(groups, policy.AutomaticGroupNameFor(consumerName))
	}
	unlock := m.locks.lockEntities(groups, []string{id})
	defer unlock()

	if err := policy.ValidateRegistrationDataFor(ctx, props, id, expectations, m); err != nil {
		return nil, err
	}

	consumer, err := m.persistence.GetConsumerByIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	created := false
	if consumer == nil {
		if !createConsumerIfNeeded {
			return nil, noSuchRegistration("there is no consumer named '%s'", consumerName)
		}
		if err := policy.ValidateConsumerName(ctx, consumerName, m); err != nil {
			return nil, err
		}
		if consumer, err = m.createConsumerLocked(ctx, policy, consumerName, id, true); err != nil {
			return nil, err
		}
		created = true
	}

	reg, err := m.persistence.AddRegistrationFor(ctx, id, props)
	if err != nil {
		m.rollbackConsumer(ctx, id, created)
		return nil, err
	}
	if err := m.confirmRegistration(ctx, policy, consumer, reg); err != nil {
		m.rollbackRegistration(ctx, reg)
		m.rollbackConsumer(ctx, id, created)
		return nil, err
	}
	m.log.Info().Str("consumer", consumerName).Str("handle", reg.RegistrationHandle()).Msg("registration added")
	return reg, nil
}

func (m *Manager) confirmRegistration(ctx context.Context, policy Policy, c *Consumer, reg *Registration) error {
	if err := reg.setRegistrationHandle(policy.CreateRegistrationHandleFor(reg.PersistentKey())); err != nil {
		return err
	}
	reg.SetStatus(StatusValid)
	if err := m.persistence.SaveRegistration(ctx, reg); err != nil {
		return err
	}
	c.SetStatus(StatusValid)
	return m.persistence.SaveConsumer(ctx, c)
}

// CreateConsumer creates a consumer and places it in the policy's automatic group, if any.
func (m *Manager) CreateConsumer(ctx context.Context, name string) (*Consumer, error) {
	policy := m.Policy()
	if err := policy.ValidateConsumerName(ctx, name, m); err != nil {
		return nil, err
	}
	id, err := policy.ConsumerIDFrom(name, nil)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lockEntities([]string{policy.AutomaticGroupNameFor(name)}, []string{id})
	defer unlock()
	return m.createConsumerLocked(ctx, policy, name, id, true)
}

func (m *Manager) createConsumerLocked(ctx context.Context, policy Policy, name, id string, autoGroup bool) (*Consumer, error) {
	c, err := m.persistence.CreateConsumer(ctx, id, name)
	if err != nil {
		return nil, err
	}
	if !autoGroup {
		return c, nil
	}
	groupName := policy.AutomaticGroupNameFor(name)
	if groupName == "" {
		return c, nil
	}
	_, groupCreated, err := m.getOrCreateGroup(ctx, policy, groupName)
	if err == nil {
		_, err = m.persistence.AddConsumerToGroupNamed(ctx, id, groupName)
	}
	if err != nil {
		m.rollbackConsumer(ctx, id, true)
		m.rollbackGroup(ctx, groupName, groupCreated)
		return nil, err
	}
	m.log.Debug().Str("consumer", name).Str("group", groupName).Msg("consumer added to automatic group")
	return c, nil
}

func (m *Manager) getOrCreateGroup(ctx context.Context, policy Policy, name string) (*ConsumerGroup, bool, error) {
	g, err := m.persistence.GetConsumerGroup(ctx, name)
	if err != nil || g != nil {
		return g, false, err
	}
	if err := policy.ValidateConsumerGroupName(ctx, name, m); err != nil {
		return nil, false, err
	}
	g, err = m.persistence.CreateConsumerGroup(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return g, true, nil
}

func (m *Manager) CreateConsumerGroup(ctx context.Context, name string) (*ConsumerGroup, error) {
	if err := m.Policy().ValidateConsumerGroupName(ctx, name, m); err != nil {
		return nil, err
	}
	unlock := m.locks.lockEntities([]string{name}, nil)
	defer unlock()
	return m.persistence.CreateConsumerGroup(ctx, name)
}

// AddConsumerToGroupNamed only validates the names of entities it is about to create.
// A consumer created here skips the automatic group since it joins groupName instead.
func (m *Manager) AddConsumerToGroupNamed(ctx context.Context, consumerName, groupName string, createGroupIfNeeded, createConsumerIfNeeded bool) (*Consumer, error) {
	if strings.TrimSpace(consumerName) == "" {
		return nil, invalidArgument("consumer name is required")
	}
	if strings.TrimSpace(groupName) == "" {
		return nil, invalidArgument("consumer group name is required")
	}
	policy := m.Policy()
	id, err := policy.ConsumerIDFrom(consumerName, nil)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lockEntities([]string{groupName}, []string{id})
	defer unlock()

	group, err := m.persistence.GetConsumerGroup(ctx, groupName)
	if err != nil {
		return nil, err
	}
	groupCreated := false
	if group == nil {
		if !createGroupIfNeeded {
			return nil, noSuchRegistration("there is no consumer group named '%s'", groupName)
		}
		if err := policy.ValidateConsumerGroupName(ctx, groupName, m); err != nil {
			return nil, err
		}
		if _, err := m.persistence.CreateConsumerGroup(ctx, groupName); err != nil {
			return nil, err
		}
		groupCreated = true
	}

	consumer, err := m.persistence.GetConsumerByIdentity(ctx, id)
	if err != nil {
		m.rollbackGroup(ctx, groupName, groupCreated)
		return nil, err
	}
	consumerCreated := false
	if consumer == nil {
		if !createConsumerIfNeeded {
			m.rollbackGroup(ctx, groupName, groupCreated)
			return nil, noSuchRegistration("there is no consumer named '%s'", consumerName)
		}
		if err := policy.ValidateConsumerName(ctx, consumerName, m); err != nil {
			m.rollbackGroup(ctx, groupName, groupCreated)
			return nil, err
		}
		if consumer, err = m.createConsumerLocked(ctx, policy, consumerName, id, false); err != nil {
			m.rollbackGroup(ctx, groupName, groupCreated)
			return nil, err
		}
		consumerCreated = true
	}

	if _, err := m.persistence.AddConsumerToGroupNamed(ctx, id, groupName); err != nil {
		m.rollbackConsumer(ctx, id, consumerCreated)
		m.rollbackGroup(ctx, groupName, groupCreated)
		return nil, err
	}
	m.log.Info().Str("consumer", consumerName).Str("group", groupName).Msg("consumer added to group")
	return consumer, nil
}

// RemoveConsumer removes c together with its registrations and group membership.
func (m *Manager) RemoveConsumer(ctx context.Context, c *Consumer) error {
	if c == nil {
		return invalidArgument("consumer is required")
	}
	unlock := m.lockConsumerAndGroup(c)
	defer unlock()
	if err := m.persistence.RemoveConsumer(ctx, c.ID()); err != nil {
		return err
	}
	m.forgetNonRegistered()
	m.log.Info().Str("consumer", c.Name()).Msg("consumer removed")
	return nil
}

// RemoveConsumerNamed resolves name through the policy before removing.
func (m *Manager) RemoveConsumerNamed(ctx context.Context, name string) error {
	id, err := m.Policy().ConsumerIDFrom(name, nil)
	if err != nil {
		return err
	}
	c, err := m.persistence.GetConsumerByIdentity(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return noSuchRegistration("there is no consumer named '%s'", name)
	}
	return m.RemoveConsumer(ctx, c)
}

// lockConsumerAndGroup locks c and its current group, retrying if the membership moves meanwhile.
func (m *Manager) lockConsumerAndGroup(c *Consumer) func() {
	for {
		g := c.Group()
		var groups []string
		if g != nil {
			groups = []string{g.Name()}
		}
		unlock := m.locks.lockEntities(groups, []string{c.ID()})
		if c.Group() == g {
			return unlock
		}
		unlock()
	}
}

// RemoveConsumerGroup removes every member consumer before the group.
func (m *Manager) RemoveConsumerGroup(ctx context.Context, g *ConsumerGroup) error {
	if g == nil {
		return invalidArgument("consumer group is required")
	}
	return m.RemoveConsumerGroupNamed(ctx, g.Name())
}

func (m *Manager) RemoveConsumerGroupNamed(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return invalidArgument("consumer group name is required")
	}
	unlockGroup := m.locks.lockEntities([]string{name}, nil)
	defer unlockGroup()
	g, err := m.persistence.GetConsumerGroup(ctx, name)
	if err != nil {
		return err
	}
	if g == nil {
		return noSuchRegistration("there is no consumer group named '%s'", name)
	}
	members := g.Consumers()
	ids := make([]string, len(members))
	for i, c := range members {
		ids[i] = c.ID()
	}
	unlockMembers := m.locks.lockEntities(nil, ids)
	defer unlockMembers()
	if err := m.persistence.RemoveConsumerGroup(ctx, name); err != nil {
		return err
	}
	m.forgetNonRegistered()
	m.log.Info().Str("group", name).Int("consumers", len(ids)).Msg("consumer group removed")
	return nil
}

func (m *Manager) RemoveRegistration(ctx context.Context, reg *Registration) error {
	if reg == nil {
		return invalidArgument("registration is required")
	}
	c := reg.Consumer()
	if c == nil {
		return noSuchRegistration("registration '%s' has already been removed", reg.PersistentKey())
	}
	unlock := m.locks.lockEntities(nil, []string{c.ID()})
	defer unlock()
	if err := m.persistence.RemoveRegistration(ctx, reg.PersistentKey()); err != nil {
		return err
	}
	m.forgetNonRegistered()
	m.log.Info().Str("consumer", c.Name()).Str("handle", reg.RegistrationHandle()).Msg("registration removed")
	return nil
}

func (m *Manager) RemoveRegistrationByHandle(ctx context.Context, handle string) error {
	reg, err := m.GetRegistration(ctx, handle)
	if err != nil {
		return err
	}
	if reg == nil {
		return noSuchRegistration("there is no registration with handle '%s'", handle)
	}
	return m.RemoveRegistration(ctx, reg)
}

// ModifyRegistration replaces the properties of the registration identified by handle and
// marks it valid again.
func (m *Manager) ModifyRegistration(ctx context.Context, handle string, props map[wsrp.QName]any, expectations map[wsrp.QName]wsrp.PropertyDescription) (*Registration, error) {
	if props == nil {
		return nil, invalidArgument("registration properties are required")
	}
	reg, err := m.GetRegistration(ctx, handle)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, noSuchRegistration("there is no registration with handle '%s'", handle)
	}
	c := reg.Consumer()
	if c == nil {
		return nil, noSuchRegistration("there is no registration with handle '%s'", handle)
	}
	unlock := m.locks.lockEntities(nil, []string{c.ID()})
	defer unlock()

	err = m.Policy().ValidateRegistrationDataFor(ctx, props, c.ID(), expectations, m)
	var regErr *Error
	if errors.As(err, &regErr) && regErr.Kind == KindDuplicate && regErr.Handle == handle {
		err = nil
	}
	if err != nil {
		return nil, err
	}

	previous, previousStatus := reg.Properties(), reg.Status()
	if err := reg.UpdateProperties(props); err != nil {
		return nil, err
	}
	reg.SetStatus(StatusValid)
	if err := m.persistence.SaveRegistration(ctx, reg); err != nil {
		_ = reg.UpdateProperties(previous)
		reg.SetStatus(previousStatus)
		return nil, err
	}
	m.log.Info().Str("consumer", c.Name()).Str("handle", handle).Msg("registration modified")
	return reg, nil
}

// GetNonRegisteredRegistration returns the registration shared by every caller that did not
// register. It is created once, bypassing the policy.
func (m *Manager) GetNonRegisteredRegistration(ctx context.Context) (*Registration, error) {
	if r := m.nonReg.Load(); r != nil {
		return r, nil
	}
	m.nonRegMu.Lock()
	defer m.nonRegMu.Unlock()
	if r := m.nonReg.Load(); r != nil {
		return r, nil
	}
	unlock := m.locks.lockEntities(nil, []string{NonRegisteredConsumer})
	defer unlock()

	c, err := m.persistence.GetConsumerByIdentity(ctx, NonRegisteredConsumer)
	if err != nil {
		return nil, err
	}
	if c == nil {
		if c, err = m.persistence.CreateConsumer(ctx, NonRegisteredConsumer, NonRegisteredConsumer); err != nil {
			return nil, err
		}
	}
	var reg *Registration
	if regs := c.Registrations(); len(regs) > 0 {
		reg = regs[0]
		reg.SetStatus(StatusValid)
		if err := m.persistence.SaveRegistration(ctx, reg); err != nil {
			return nil, err
		}
	} else {
		if reg, err = m.persistence.AddRegistrationFor(ctx, NonRegisteredConsumer, map[wsrp.QName]any{}); err != nil {
			return nil, err
		}
		if err := m.confirmRegistration(ctx, m.Policy(), c, reg); err != nil {
			m.rollbackRegistration(ctx, reg)
			return nil, err
		}
	}
	c.SetStatus(StatusValid)
	m.nonReg.Store(reg)
	return reg, nil
}

func (m *Manager) isNonRegistered(reg *Registration) bool {
	if r := m.nonReg.Load(); r != nil {
		return r == reg
	}
	c := reg.Consumer()
	return c != nil && c.ID() == NonRegisteredConsumer
}

func (m *Manager) forgetNonRegistered() {
	if r := m.nonReg.Load(); r != nil && r.Consumer() == nil {
		m.nonReg.CompareAndSwap(r, nil)
	}
}

// PropertiesHaveChanged demotes every registration to pending so consumers have to call
// modifyRegistration. Consumers keep their registrations.
func (m *Manager) PropertiesHaveChanged(ctx context.Context, descriptions map[wsrp.QName]wsrp.PropertyDescription) error {
	regs, err := m.persistence.GetRegistrations(ctx)
	if err != nil {
		return err
	}
	demoted := 0
	for _, reg := range regs {
		if m.isNonRegistered(reg) {
			continue
		}
		reg.SetStatus(StatusPending)
		if err := m.persistence.SaveRegistration(ctx, reg); err != nil {
			return err
		}
		demoted++
	}
	m.log.Info().Int("descriptions", len(descriptions)).Int("registrations", demoted).Msg("registration properties changed")
	return nil
}

// SetConsumerAgent records agent on c. In lenient mode a malformed agent is logged and kept.
func (m *Manager) SetConsumerAgent(ctx context.Context, c *Consumer, agent string) error {
	if c == nil {
		return invalidArgument("consumer is required")
	}
	if err := c.SetConsumerAgent(agent); err != nil {
		if m.strictAgent {
			return err
		}
		m.log.Warn().Err(err).Str("consumer", c.Name()).Msg("accepting malformed consumer agent")
		c.setConsumerAgentUnchecked(agent)
	}
	return m.persistence.SaveConsumer(ctx, c)
}

func (m *Manager) UpdateConsumerCapabilities(ctx context.Context, c *Consumer, caps ConsumerCapabilities) error {
	if c == nil {
		return invalidArgument("consumer is required")
	}
	c.SetCapabilities(caps)
	return m.persistence.SaveConsumer(ctx, c)
}

func (m *Manager) GetConsumerByIdentity(ctx context.Context, id string) (*Consumer, error) {
	if id == "" {
		return nil, invalidArgument("consumer identity is required")
	}
	return m.persistence.GetConsumerByIdentity(ctx, id)
}

// GetConsumerByName derives the identity through the policy.
func (m *Manager) GetConsumerByName(ctx context.Context, name string) (*Consumer, error) {
	id, err := m.Policy().ConsumerIDFrom(name, nil)
	if err != nil {
		return nil, err
	}
	return m.persistence.GetConsumerByIdentity(ctx, id)
}

func (m *Manager) GetConsumerGroup(ctx context.Context, name string) (*ConsumerGroup, error) {
	if name == "" {
		return nil, invalidArgument("consumer group name is required")
	}
	return m.persistence.GetConsumerGroup(ctx, name)
}

func (m *Manager) GetConsumers(ctx context.Context) ([]*Consumer, error) {
	return m.persistence.GetConsumers(ctx)
}

func (m *Manager) GetConsumerGroups(ctx context.Context) ([]*ConsumerGroup, error) {
	return m.persistence.GetConsumerGroups(ctx)
}

func (m *Manager) GetRegistration(ctx context.Context, handle string) (*Registration, error) {
	if handle == "" {
		return nil, invalidArgument("registration handle is required")
	}
	return m.persistence.GetRegistrationByHandle(ctx, handle)
}

func (m *Manager) GetConsumerFor(ctx context.Context, handle string) (*Consumer, error) {
	reg, err := m.GetRegistration(ctx, handle)
	if err != nil || reg == nil {
		return nil, err
	}
	return reg.Consumer(), nil
}

func (m *Manager) rollbackConsumer(ctx context.Context, id string, created bool) {
	if !created {
		return
	}
	if err := m.persistence.RemoveConsumer(ctx, id); err != nil {
		m.log.Error().Err(err).Str("consumer", id).Msg("rollback consumer")
	}
}

func (m *Manager) rollbackGroup(ctx context.Context, name string, created bool) {
	if !created {
		return
	}
	if err := m.persistence.RemoveConsumerGroup(ctx, name); err != nil {
		m.log.Error().Err(err).Str("group", name).Msg("rollback consumer group")
	}
}

func (m *Manager) rollbackRegistration(ctx context.Context, reg *Registration) {
	if err := m.persistence.RemoveRegistration(ctx, reg.PersistentKey()); err != nil {
		m.log.Error().Err(err).Str("registration", reg.PersistentKey()).Msg("rollback registration")
	}
}
