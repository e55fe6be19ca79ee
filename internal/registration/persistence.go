package registration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"wsrpline/internal/wsrp"
)

// PersistenceManager stores consumers, groups and registrations.
// Lookups return nil without error when nothing matches.
type PersistenceManager interface {
	GetConsumerByIdentity(ctx context.Context, id string) (*Consumer, error)
	GetConsumerGroup(ctx context.Context, name string) (*ConsumerGroup, error)
	GetRegistration(ctx context.Context, key string) (*Registration, error)
	GetRegistrationByHandle(ctx context.Context, handle string) (*Registration, error)
	GetConsumers(ctx context.Context) ([]*Consumer, error)
	GetConsumerGroups(ctx context.Context) ([]*ConsumerGroup, error)
	GetRegistrations(ctx context.Context) ([]*Registration, error)

	CreateConsumer(ctx context.Context, id, name string) (*Consumer, error)
	CreateConsumerGroup(ctx context.Context, name string) (*ConsumerGroup, error)
	AddRegistrationFor(ctx context.Context, consumerID string, props map[wsrp.QName]any) (*Registration, error)
	AddConsumerToGroupNamed(ctx context.Context, consumerID, groupName string) (*ConsumerGroup, error)
	RemoveConsumerFromGroupNamed(ctx context.Context, consumerID, groupName string) error

	// Removals cascade: a group takes its members with it, a consumer its registrations.
	RemoveConsumer(ctx context.Context, id string) error
	RemoveConsumerGroup(ctx context.Context, name string) error
	RemoveRegistration(ctx context.Context, key string) error

	SaveConsumer(ctx context.Context, c *Consumer) error
	SaveConsumerGroup(ctx context.Context, g *ConsumerGroup) error
	SaveRegistration(ctx context.Context, r *Registration) error
}

// ConsumerRecord is the storable form of a Consumer.
type ConsumerRecord struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Agent        string               `json:"agent,omitempty"`
	Status       Status               `json:"status"`
	Group        string               `json:"group,omitempty"`
	Capabilities ConsumerCapabilities `json:"capabilities"`
}

// GroupRecord is the storable form of a ConsumerGroup.
type GroupRecord struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// RegistrationRecord is the storable form of a Registration.
type RegistrationRecord struct {
	Key             string                `json:"key"`
	ConsumerID      string                `json:"consumer_id"`
	Handle          string                `json:"handle,omitempty"`
	Status          Status                `json:"status"`
	Properties      map[wsrp.QName]any    `json:"properties"`
	PortletContexts []wsrp.PortletContext `json:"portlet_contexts,omitempty"`
}

// Snapshot is a full dump used to restore a Persistence.
type Snapshot struct {
	Groups        []GroupRecord
	Consumers     []ConsumerRecord
	Registrations []RegistrationRecord
}

// Journal mirrors committed changes to durable storage. Each call happens before the
// in-memory state changes, so a failing journal leaves memory untouched.
type Journal interface {
	SaveConsumer(ctx context.Context, rec ConsumerRecord) error
	DeleteConsumer(ctx context.Context, id string) error
	SaveConsumerGroup(ctx context.Context, rec GroupRecord) error
	DeleteConsumerGroup(ctx context.Context, name string) error
	SaveRegistration(ctx context.Context, rec RegistrationRecord) error
	DeleteRegistration(ctx context.Context, key string) error
}

type nopJournal struct{}

func (nopJournal) SaveConsumer(context.Context, ConsumerRecord) error         { return nil }
func (nopJournal) DeleteConsumer(context.Context, string) error               { return nil }
func (nopJournal) SaveConsumerGroup(context.Context, GroupRecord) error       { return nil }
func (nopJournal) DeleteConsumerGroup(context.Context, string) error          { return nil }
func (nopJournal) SaveRegistration(context.Context, RegistrationRecord) error { return nil }
func (nopJournal) DeleteRegistration(context.Context, string) error           { return nil }

// Persistence is the in-memory PersistenceManager. mu only guards the indexes;
// entity state is guarded by each entity's own lock.
type Persistence struct {
	mu            sync.RWMutex
	consumers     map[string]*Consumer
	groups        map[string]*ConsumerGroup
	registrations map[string]*Registration
	handles       map[string]string

	journal Journal
	newKey  func() string
}

type PersistenceOption func(*Persistence)

// WithJournal mirrors every change to j.
func WithJournal(j Journal) PersistenceOption {
	return func(p *Persistence) {
		if j != nil {
			p.journal = j
		}
	}
}

// WithKeyGenerator overrides the persistent key generator.
func WithKeyGenerator(fn func() string) PersistenceOption {
	return func(p *Persistence) {
		if fn != nil {
			p.newKey = fn
		}
	}
}

func NewPersistence(opts ...PersistenceOption) *Persistence {
	p := &Persistence{
		consumers:     make(map[string]*Consumer),
		groups:        make(map[string]*ConsumerGroup),
		registrations: make(map[string]*Registration),
		handles:       make(map[string]string),
		journal:       nopJournal{},
		newKey:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ PersistenceManager = (*Persistence)(nil)

// Load replaces the in-memory state with snap without journaling.
func (p *Persistence) Load(snap Snapshot) error {
	groups := make(map[string]*ConsumerGroup, len(snap.Groups))
	for _, rec := range snap.Groups {
		g := newConsumerGroup(rec.Name)
		g.status = rec.Status
		groups[rec.Name] = g
	}
	consumers := make(map[string]*Consumer, len(snap.Consumers))
	for _, rec := range snap.Consumers {
		c := newConsumer(rec.ID, rec.Name)
		c.agent = rec.Agent
		c.status = rec.Status
		c.capabilities = rec.Capabilities.clone()
		if rec.Group != "" {
			g, ok := groups[rec.Group]
			if !ok {
				return fmt.Errorf("consumer %s references unknown group %s", rec.ID, rec.Group)
			}
			g.consumers[c.id] = c
			c.group = g
		}
		consumers[rec.ID] = c
	}
	registrations := make(map[string]*Registration, len(snap.Registrations))
	handles := make(map[string]string, len(snap.Registrations))
	for _, rec := range snap.Registrations {
		c, ok := consumers[rec.ConsumerID]
		if !ok {
			return fmt.Errorf("registration %s references unknown consumer %s", rec.Key, rec.ConsumerID)
		}
		r := newRegistration(rec.Key, rec.Properties)
		r.handle = rec.Handle
		r.status = rec.Status
		for _, pc := range rec.PortletContexts {
			r.portlets[pc.Handle] = pc
		}
		c.registrations[r.key] = r
		r.consumer = c
		registrations[r.key] = r
		if r.handle != "" {
			handles[r.handle] = r.key
		}
	}
	p.mu.Lock()
	p.groups, p.consumers, p.registrations, p.handles = groups, consumers, registrations, handles
	p.mu.Unlock()
	return nil
}

func (p *Persistence) GetConsumerByIdentity(_ context.Context, id string) (*Consumer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consumers[id], nil
}

func (p *Persistence) GetConsumerGroup(_ context.Context, name string) (*ConsumerGroup, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.groups[name], nil
}

func (p *Persistence) GetRegistration(_ context.Context, key string) (*Registration, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.registrations[key], nil
}

func (p *Persistence) GetRegistrationByHandle(_ context.Context, handle string) (*Registration, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.handles[handle]
	if !ok {
		return nil, nil
	}
	return p.registrations[key], nil
}

func (p *Persistence) GetConsumers(context.Context) ([]*Consumer, error) {
	p.mu.RLock()
	res := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		res = append(res, c)
	}
	p.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].id < res[j].id })
	return res, nil
}

func (p *Persistence) GetConsumerGroups(context.Context) ([]*ConsumerGroup, error) {
	p.mu.RLock()
	res := make([]*ConsumerGroup, 0, len(p.groups))
	for _, g := range p.groups {
		res = append(res, g)
	}
	p.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].name < res[j].name })
	return res, nil
}

func (p *Persistence) GetRegistrations(context.Context) ([]*Registration, error) {
	p.mu.RLock()
	res := make([]*Registration, 0, len(p.registrations))
	for _, r := range p.registrations {
		res = append(res, r)
	}
	p.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].key < res[j].key })
	return res, nil
}

func (p *Persistence) CreateConsumer(ctx context.Context, id, name string) (*Consumer, error) {
	if id == "" || name == "" {
		return nil, invalidArgument("consumer identity and name are required")
	}
	c := newConsumer(id, name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.consumers[id]; exists {
		return nil, duplicate("a consumer with identity '%s' already exists", id)
	}
	if err := p.journal.SaveConsumer(ctx, c.record()); err != nil {
		return nil, fmt.Errorf("save consumer %s: %w", id, err)
	}
	p.consumers[id] = c
	return c, nil
}

func (p *Persistence) CreateConsumerGroup(ctx context.Context, name string) (*ConsumerGroup, error) {
	if name == "" {
		return nil, invalidArgument("consumer group name is required")
	}
	g := newConsumerGroup(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.groups[name]; exists {
		return nil, duplicate("a consumer group named '%s' already exists", name)
	}
	if err := p.journal.SaveConsumerGroup(ctx, g.record()); err != nil {
		return nil, fmt.Errorf("save consumer group %s: %w", name, err)
	}
	p.groups[name] = g
	return g, nil
}

func (p *Persistence) AddRegistrationFor(ctx context.Context, consumerID string, props map[wsrp.QName]any) (*Registration, error) {
	if props == nil {
		return nil, invalidArgument("registration properties are required")
	}
	r := newRegistration(p.newKey(), props)
	rec := r.record()
	rec.ConsumerID = consumerID
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[consumerID]
	if !ok {
		return nil, noSuchRegistration("there is no consumer with identity '%s'", consumerID)
	}
	if err := p.journal.SaveRegistration(ctx, rec); err != nil {
		return nil, fmt.Errorf("save registration for %s: %w", consumerID, err)
	}
	p.registrations[r.key] = r
	c.attach(r)
	return r, nil
}

func (p *Persistence) AddConsumerToGroupNamed(ctx context.Context, consumerID, groupName string) (*ConsumerGroup, error) {
	c, _ := p.GetConsumerByIdentity(ctx, consumerID)
	if c == nil {
		return nil, noSuchRegistration("there is no consumer with identity '%s'", consumerID)
	}
	g, _ := p.GetConsumerGroup(ctx, groupName)
	if g == nil {
		return nil, noSuchRegistration("there is no consumer group named '%s'", groupName)
	}
	if err := g.AddConsumer(c); err != nil {
		return nil, err
	}
	if err := p.journal.SaveConsumer(ctx, c.record()); err != nil {
		_ = g.RemoveConsumer(c)
		return nil, fmt.Errorf("save consumer %s: %w", consumerID, err)
	}
	return g, nil
}

func (p *Persistence) RemoveConsumerFromGroupNamed(ctx context.Context, consumerID, groupName string) error {
	c, _ := p.GetConsumerByIdentity(ctx, consumerID)
	if c == nil {
		return noSuchRegistration("there is no consumer with identity '%s'", consumerID)
	}
	g, _ := p.GetConsumerGroup(ctx, groupName)
	if g == nil {
		return noSuchRegistration("there is no consumer group named '%s'", groupName)
	}
	if err := g.RemoveConsumer(c); err != nil {
		return err
	}
	if err := p.journal.SaveConsumer(ctx, c.record()); err != nil {
		_ = g.AddConsumer(c)
		return fmt.Errorf("save consumer %s: %w", consumerID, err)
	}
	return nil
}

// RemoveRegistration unindexes the registration before detaching it, so it is never
// resolvable by handle once its consumer let go of it.
func (p *Persistence) RemoveRegistration(ctx context.Context, key string) error {
	p.mu.Lock()
	r, ok := p.registrations[key]
	if !ok {
		p.mu.Unlock()
		return noSuchRegistration("there is no registration with key '%s'", key)
	}
	if err := p.journal.DeleteRegistration(ctx, key); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("delete registration %s: %w", key, err)
	}
	delete(p.registrations, key)
	if h := r.RegistrationHandle(); h != "" && p.handles[h] == key {
		delete(p.handles, h)
	}
	p.mu.Unlock()

	if c := r.Consumer(); c != nil && c.detach(r) {
		if err := p.journal.SaveConsumer(ctx, c.record()); err != nil {
			return fmt.Errorf("save consumer %s: %w", c.id, err)
		}
	}
	return nil
}

// RemoveConsumer removes every registration, leaves the group, then drops the consumer.
func (p *Persistence) RemoveConsumer(ctx context.Context, id string) error {
	c, _ := p.GetConsumerByIdentity(ctx, id)
	if c == nil {
		return noSuchRegistration("there is no consumer with identity '%s'", id)
	}
	for _, r := range c.Registrations() {
		if err := p.RemoveRegistration(ctx, r.key); err != nil {
			return err
		}
	}
	if g := c.Group(); g != nil {
		if err := g.RemoveConsumer(c); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.journal.DeleteConsumer(ctx, id); err != nil {
		return fmt.Errorf("delete consumer %s: %w", id, err)
	}
	delete(p.consumers, id)
	return nil
}

// RemoveConsumerGroup removes every member consumer before the group itself.
func (p *Persistence) RemoveConsumerGroup(ctx context.Context, name string) error {
	g, _ := p.GetConsumerGroup(ctx, name)
	if g == nil {
		return noSuchRegistration("there is no consumer group named '%s'", name)
	}
	for _, c := range g.Consumers() {
		if err := p.RemoveConsumer(ctx, c.id); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.journal.DeleteConsumerGroup(ctx, name); err != nil {
		return fmt.Errorf("delete consumer group %s: %w", name, err)
	}
	delete(p.groups, name)
	return nil
}

func (p *Persistence) SaveConsumer(ctx context.Context, c *Consumer) error {
	if c == nil {
		return invalidArgument("consumer is required")
	}
	p.mu.RLock()
	known := p.consumers[c.id] == c
	p.mu.RUnlock()
	if !known {
		return noSuchRegistration("consumer '%s' is not managed by this store", c.id)
	}
	return p.journal.SaveConsumer(ctx, c.record())
}

func (p *Persistence) SaveConsumerGroup(ctx context.Context, g *ConsumerGroup) error {
	if g == nil {
		return invalidArgument("consumer group is required")
	}
	p.mu.RLock()
	known := p.groups[g.name] == g
	p.mu.RUnlock()
	if !known {
		return noSuchRegistration("consumer group '%s' is not managed by this store", g.name)
	}
	return p.journal.SaveConsumerGroup(ctx, g.record())
}

// SaveRegistration persists r and refreshes the handle index.
func (p *Persistence) SaveRegistration(ctx context.Context, r *Registration) error {
	if r == nil {
		return invalidArgument("registration is required")
	}
	rec := r.record()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registrations[r.key] != r {
		return noSuchRegistration("registration '%s' is not managed by this store", r.key)
	}
	if rec.Handle != "" {
		if other, taken := p.handles[rec.Handle]; taken && other != r.key {
			return duplicate("registration handle '%s' is already in use", rec.Handle)
		}
	}
	if err := p.journal.SaveRegistration(ctx, rec); err != nil {
		return fmt.Errorf("save registration %s: %w", r.key, err)
	}
	if rec.Handle != "" {
		p.handles[rec.Handle] = r.key
	}
	return nil
}
