package registration

import (
	"sort"
	"sync"
)

// ConsumerGroup gathers consumers that share a status.
type ConsumerGroup struct {
	name string

	mu        sync.RWMutex
	status    Status
	consumers map[string]*Consumer
}

func newConsumerGroup(name string) *ConsumerGroup {
	return &ConsumerGroup{
		name:      name,
		status:    StatusPending,
		consumers: make(map[string]*Consumer),
	}
}

func (g *ConsumerGroup) Name() string { return g.name }

func (g *ConsumerGroup) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

func (g *ConsumerGroup) SetStatus(s Status) {
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}

// Consumers returns the members ordered by identity.
func (g *ConsumerGroup) Consumers() []*Consumer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res := make([]*Consumer, 0, len(g.consumers))
	for _, c := range g.consumers {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].id < res[j].id })
	return res
}

func (g *ConsumerGroup) Consumer(id string) *Consumer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.consumers[id]
}

func (g *ConsumerGroup) Contains(c *Consumer) bool {
	if c == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.consumers[c.id] == c
}

func (g *ConsumerGroup) IsEmpty() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.consumers) == 0
}

// AddConsumer makes c a member. A consumer belongs to at most one group.
func (g *ConsumerGroup) AddConsumer(c *Consumer) error {
	if c == nil {
		return invalidArgument("consumer is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := g.consumers[c.id]; ok {
		return duplicate("consumer '%s' is already a member of group '%s'", c.name, g.name)
	}
	if c.group != nil {
		return duplicate("consumer '%s' already belongs to group '%s'", c.name, c.group.name)
	}
	g.consumers[c.id] = c
	c.group = g
	return nil
}

// RemoveConsumer detaches c from the group.
func (g *ConsumerGroup) RemoveConsumer(c *Consumer) error {
	if c == nil {
		return invalidArgument("consumer is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.consumers[c.id] != c {
		return noSuchRegistration("consumer '%s' is not a member of group '%s'", c.name, g.name)
	}
	delete(g.consumers, c.id)
	c.group = nil
	return nil
}

func (g *ConsumerGroup) record() GroupRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GroupRecord{Name: g.name, Status: g.status}
}
