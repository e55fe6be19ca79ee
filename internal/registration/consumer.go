package registration

import (
	"regexp"
	"sort"
	"sync"
)

// NonRegisteredConsumer is the identity shared by every caller that did not register.
const NonRegisteredConsumer = "NONREGISTERED"

// vendor.major.minor followed by anything
var consumerAgentPattern = regexp.MustCompile(`^[^.]+\.[^.]+\..+$`)

// ValidateConsumerAgent checks the "vendor.major.minor[...]" shape.
func ValidateConsumerAgent(agent string) error {
	if !consumerAgentPattern.MatchString(agent) {
		return &Error{
			Kind:    KindInvalidConsumerData,
			Message: "consumer agent '" + agent + "' does not match the productName.majorVersion.minorVersion[...] format",
		}
	}
	return nil
}

// ConsumerCapabilities are what a Consumer declared it supports when registering.
type ConsumerCapabilities struct {
	SupportedModes           []string `json:"supported_modes,omitempty"`
	SupportedWindowStates    []string `json:"supported_window_states,omitempty"`
	SupportedUserScopes      []string `json:"supported_user_scopes,omitempty"`
	SupportedUserProfileData []string `json:"supported_user_profile_data,omitempty"`
	SupportsGetMethod        bool     `json:"supports_get_method,omitempty"`
}

func (c ConsumerCapabilities) clone() ConsumerCapabilities {
	return ConsumerCapabilities{
		SupportedModes:           append([]string(nil), c.SupportedModes...),
		SupportedWindowStates:    append([]string(nil), c.SupportedWindowStates...),
		SupportedUserScopes:      append([]string(nil), c.SupportedUserScopes...),
		SupportedUserProfileData: append([]string(nil), c.SupportedUserProfileData...),
		SupportsGetMethod:        c.SupportsGetMethod,
	}
}

// Consumer is the Producer-side record of a portal that registered (or tried to).
// Lock order: group, then consumer, then registration.
type Consumer struct {
	id   string
	name string

	mu            sync.RWMutex
	agent         string
	capabilities  ConsumerCapabilities
	status        Status
	group         *ConsumerGroup
	registrations map[string]*Registration
}

func newConsumer(id, name string) *Consumer {
	return &Consumer{
		id:            id,
		name:          name,
		status:        StatusPending,
		registrations: make(map[string]*Registration),
	}
}

func (c *Consumer) ID() string   { return c.id }
func (c *Consumer) Name() string { return c.name }

func (c *Consumer) ConsumerAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agent
}

// SetConsumerAgent validates and records the agent. Setting the current value is a no-op.
func (c *Consumer) SetConsumerAgent(agent string) error {
	if agent == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if agent == c.agent {
		return nil
	}
	if err := ValidateConsumerAgent(agent); err != nil {
		return err
	}
	c.agent = agent
	return nil
}

func (c *Consumer) setConsumerAgentUnchecked(agent string) {
	c.mu.Lock()
	c.agent = agent
	c.mu.Unlock()
}

func (c *Consumer) Capabilities() ConsumerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities.clone()
}

func (c *Consumer) SetCapabilities(caps ConsumerCapabilities) {
	c.mu.Lock()
	c.capabilities = caps.clone()
	c.mu.Unlock()
}

func (c *Consumer) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Consumer) SetStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Group returns the group this consumer belongs to, if any.
func (c *Consumer) Group() *ConsumerGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.group
}

// Registrations returns the consumer's registrations ordered by persistent key.
func (c *Consumer) Registrations() []*Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]*Registration, 0, len(c.registrations))
	for _, r := range c.registrations {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].key < res[j].key })
	return res
}

// IsRegistered reports whether the consumer holds at least one registration.
func (c *Consumer) IsRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.registrations) > 0
}

// HasRegistration reports whether r belongs to this consumer and points back to it.
func (c *Consumer) HasRegistration(r *Registration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.registrations[r.key] != r {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consumer == c
}

func (c *Consumer) attach(r *Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	c.registrations[r.key] = r
	r.consumer = c
}

// detach removes r from the consumer and clears r's back-reference atomically.
// The consumer reverts to pending once its last registration is gone.
func (c *Consumer) detach(r *Registration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registrations[r.key] != r {
		return false
	}
	r.mu.Lock()
	delete(c.registrations, r.key)
	r.consumer = nil
	r.mu.Unlock()
	if len(c.registrations) == 0 {
		c.status = StatusPending
	}
	return true
}

func (c *Consumer) record() ConsumerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec := ConsumerRecord{
		ID:           c.id,
		Name:         c.name,
		Agent:        c.agent,
		Status:       c.status,
		Capabilities: c.capabilities.clone(),
	}
	if c.group != nil {
		rec.Group = c.group.name
	}
	return rec
}
