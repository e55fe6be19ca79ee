package registration

import (
	"reflect"
	"sort"
	"sync"

	"wsrpline/internal/wsrp"
)

// Registration is the agreed relationship between one Consumer and this Producer.
type Registration struct {
	key string

	mu       sync.RWMutex
	consumer *Consumer
	handle   string
	status   Status
	props    map[wsrp.QName]any
	portlets map[string]wsrp.PortletContext
}

func newRegistration(key string, props map[wsrp.QName]any) *Registration {
	r := &Registration{
		key:      key,
		status:   StatusPending,
		props:    make(map[wsrp.QName]any, len(props)),
		portlets: make(map[string]wsrp.PortletContext),
	}
	for k, v := range props {
		r.props[k] = v
	}
	return r
}

func (r *Registration) PersistentKey() string { return r.key }

// Consumer returns the owning consumer, or nil once the registration was removed.
func (r *Registration) Consumer() *Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consumer
}

func (r *Registration) RegistrationHandle() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handle
}

func (r *Registration) setRegistrationHandle(handle string) error {
	if handle == "" {
		return invalidArgument("registration handle is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != "" && r.handle != handle {
		return invalidArgument("registration %s already has handle %s", r.key, r.handle)
	}
	r.handle = handle
	return nil
}

func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Registration) SetStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Properties returns a copy of the registration properties.
func (r *Registration) Properties() map[wsrp.QName]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make(map[wsrp.QName]any, len(r.props))
	for k, v := range r.props {
		res[k] = v
	}
	return res
}

func (r *Registration) PropertyValue(name wsrp.QName) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.props[name]
	return v, ok
}

func (r *Registration) SetPropertyValueFor(name wsrp.QName, value any) error {
	if name.IsZero() {
		return invalidArgument("property name is required")
	}
	if value == nil {
		return invalidArgument("value for property %s is required", name)
	}
	r.mu.Lock()
	r.props[name] = value
	r.mu.Unlock()
	return nil
}

func (r *Registration) RemoveProperty(name wsrp.QName) error {
	if name.IsZero() {
		return invalidArgument("property name is required")
	}
	r.mu.Lock()
	delete(r.props, name)
	r.mu.Unlock()
	return nil
}

// UpdateProperties replaces the whole property set. Nothing changes if any entry is rejected.
func (r *Registration) UpdateProperties(props map[wsrp.QName]any) error {
	if props == nil {
		return invalidArgument("registration properties are required")
	}
	for name, value := range props {
		if name.IsZero() {
			return invalidArgument("property name is required")
		}
		if value == nil {
			return invalidArgument("value for property %s is required", name)
		}
	}
	next := make(map[wsrp.QName]any, len(props))
	for k, v := range props {
		next[k] = v
	}
	r.mu.Lock()
	r.props = next
	r.mu.Unlock()
	return nil
}

// HasEqualProperties compares the property set against props.
func (r *Registration) HasEqualProperties(props map[wsrp.QName]any) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(props) != len(r.props) {
		return false
	}
	for k, v := range props {
		mine, ok := r.props[k]
		if !ok || !reflect.DeepEqual(mine, v) {
			return false
		}
	}
	return true
}

// AddPortletContext records a portlet (typically a clone) scoped to this registration.
func (r *Registration) AddPortletContext(pc wsrp.PortletContext) error {
	if pc.Handle == "" {
		return invalidArgument("portlet handle is required")
	}
	r.mu.Lock()
	r.portlets[pc.Handle] = wsrp.PortletContext{Handle: pc.Handle, State: append([]byte(nil), pc.State...)}
	r.mu.Unlock()
	return nil
}

func (r *Registration) RemovePortletContext(handle string) {
	r.mu.Lock()
	delete(r.portlets, handle)
	r.mu.Unlock()
}

func (r *Registration) KnowsPortlet(handle string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.portlets[handle]
	return ok
}

func (r *Registration) KnownPortletContexts() []wsrp.PortletContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]wsrp.PortletContext, 0, len(r.portlets))
	for _, pc := range r.portlets {
		res = append(res, pc)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Handle < res[j].Handle })
	return res
}

func (r *Registration) record() RegistrationRecord {
	contexts := r.KnownPortletContexts()
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := RegistrationRecord{
		Key:             r.key,
		Handle:          r.handle,
		Status:          r.status,
		Properties:      make(map[wsrp.QName]any, len(r.props)),
		PortletContexts: contexts,
	}
	if r.consumer != nil {
		rec.ConsumerID = r.consumer.id
	}
	for k, v := range r.props {
		rec.Properties[k] = v
	}
	return rec
}
