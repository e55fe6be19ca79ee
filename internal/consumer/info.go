package consumer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"wsrpline/internal/wsrp"
)

// RefreshStatus is the action a refresh asks the caller to take.
type RefreshStatus int

const (
	RefreshUnknown RefreshStatus = iota
	RefreshSuccess
	RefreshFailure
	RefreshModifyRegistrationRequired
)

func (s RefreshStatus) String() string {
	switch s {
	case RefreshSuccess:
		return "success"
	case RefreshFailure:
		return "failure"
	case RefreshModifyRegistrationRequired:
		return "modify_registration_required"
	}
	return "unknown"
}

// RefreshResult is the outcome of reconciling local properties with the Producer's expectations.
// Properties only holds the offending ones.
type RefreshResult struct {
	Status     RefreshStatus
	Properties map[wsrp.QName]PropertyStatus
}

func (r *RefreshResult) HasIssues() bool {
	return r != nil && len(r.Properties) > 0
}

// Names returns the offending property names in order.
func (r *RefreshResult) Names() []wsrp.QName {
	if r == nil {
		return nil
	}
	names := make([]wsrp.QName, 0, len(r.Properties))
	for n := range r.Properties {
		names = append(names, n)
	}
	wsrp.SortQNames(names)
	return names
}

// RefreshOptions tune RegistrationInfo.Refresh.
type RefreshOptions struct {
	// MergeWithProducerExpectations adds missing expected properties locally and drops
	// unexpected ones while not registered.
	MergeWithProducerExpectations bool
	// Force refreshes even when nothing changed since the last refresh.
	Force bool
	// ForceCheckOfExtraProperties flags unexpected properties even while registered.
	ForceCheckOfExtraProperties bool
}

// RegistrationInfo is the Consumer's view of its registration with one Producer.
type RegistrationInfo struct {
	mu            sync.RWMutex
	consumerName  string
	consumerAgent string
	props         map[wsrp.QName]*RegistrationProperty
	context       *wsrp.RegistrationContext
	required      *bool
	expectations  map[wsrp.QName]wsrp.PropertyDescription
	lastIssues    map[wsrp.QName]PropertyStatus
	removals      bool
	// accepted holds the descriptions in effect when the Producer last accepted the properties.
	accepted map[wsrp.QName]wsrp.PropertyDescription
	// modifyRequired is set when the Producer asked for modifyRegistration.
	modifyRequired bool

	edits     atomic.Uint64
	refreshed atomic.Uint64
}

func NewRegistrationInfo(consumerName, consumerAgent string) *RegistrationInfo {
	return &RegistrationInfo{
		consumerName:  consumerName,
		consumerAgent: consumerAgent,
		props:         make(map[wsrp.QName]*RegistrationProperty),
	}
}

func (ri *RegistrationInfo) ConsumerName() string  { return ri.consumerName }
func (ri *RegistrationInfo) ConsumerAgent() string { return ri.consumerAgent }

// PropertyValueChanged counts local edits.
func (ri *RegistrationInfo) PropertyValueChanged(*RegistrationProperty, string, string) {
	ri.edits.Add(1)
}

// SetRegistrationPropertyValue creates or updates a local property.
func (ri *RegistrationInfo) SetRegistrationPropertyValue(name wsrp.QName, value string) (*RegistrationProperty, error) {
	if name.IsZero() {
		return nil, fmt.Errorf("%w: registration property name is required", ErrInvalidArgument)
	}
	ri.mu.Lock()
	p, ok := ri.props[name]
	if !ok {
		p = NewRegistrationProperty(name, value, "", ri)
		if desc, known := ri.expectations[name]; known {
			p.SetDescription(desc)
		}
		ri.props[name] = p
		ri.mu.Unlock()
		ri.edits.Add(1)
		return p, nil
	}
	ri.mu.Unlock()
	p.SetValue(value)
	return p, nil
}

// RemoveRegistrationProperty drops a local property. While registered the Producer has to be told.
func (ri *RegistrationInfo) RemoveRegistrationProperty(name wsrp.QName) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	p, ok := ri.props[name]
	if !ok {
		return false
	}
	p.setListener(nil)
	delete(ri.props, name)
	delete(ri.lastIssues, name)
	if ri.context != nil {
		ri.removals = true
	}
	ri.edits.Add(1)
	return true
}

func (ri *RegistrationInfo) GetRegistrationProperty(name wsrp.QName) *RegistrationProperty {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.props[name]
}

// RegistrationProperties returns the local properties ordered by name.
func (ri *RegistrationInfo) RegistrationProperties() []*RegistrationProperty {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.sortedLocked()
}

func (ri *RegistrationInfo) sortedLocked() []*RegistrationProperty {
	res := make([]*RegistrationProperty, 0, len(ri.props))
	for _, p := range ri.props {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].name.String() < res[j].name.String() })
	return res
}

// SetPropertyStatus records an external confirmation for one property.
func (ri *RegistrationInfo) SetPropertyStatus(name wsrp.QName, invalid bool, reason PropertyStatus) error {
	p := ri.GetRegistrationProperty(name)
	if p == nil {
		return fmt.Errorf("%w: unknown registration property %s", ErrInvalidArgument, name)
	}
	if err := p.SetInvalid(invalid, reason); err != nil {
		return err
	}
	if !invalid {
		ri.mu.Lock()
		delete(ri.lastIssues, name)
		ri.mu.Unlock()
	}
	return nil
}

// RegistrationContext returns a copy of the current context, or nil when not registered.
func (ri *RegistrationInfo) RegistrationContext() *wsrp.RegistrationContext {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	if ri.context == nil {
		return nil
	}
	rc := *ri.context
	rc.State = append([]byte(nil), ri.context.State...)
	return &rc
}

func (ri *RegistrationInfo) RegistrationHandle() string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	if ri.context == nil {
		return ""
	}
	return ri.context.Handle
}

// RegistrationSucceeded records that the Producer accepted the current properties.
func (ri *RegistrationInfo) RegistrationSucceeded(rc wsrp.RegistrationContext) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if rc.Handle != "" {
		ri.context = &wsrp.RegistrationContext{Handle: rc.Handle, State: append([]byte(nil), rc.State...)}
	}
	for _, p := range ri.props {
		_ = p.SetInvalid(false, StatusValid)
	}
	ri.lastIssues = nil
	ri.removals = false
	ri.modifyRequired = false
	if ri.expectations != nil {
		ri.accepted = copyExpectations(ri.expectations)
	}
}

// RequireModifyRegistration records that the Producer wants the registration modified. It has
// no effect while not registered.
func (ri *RegistrationInfo) RequireModifyRegistration() {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.context != nil {
		ri.modifyRequired = true
	}
}

// ModifyRegistrationRequired reports whether the Producer asked for modifyRegistration, directly
// or by changing its property descriptions since it last accepted ours.
func (ri *RegistrationInfo) ModifyRegistrationRequired() bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.context != nil && ri.modifyRequired
}

// ResetRegistration forgets the registration context; properties become unchecked again.
func (ri *RegistrationInfo) ResetRegistration() {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.context = nil
	ri.removals = false
	ri.modifyRequired = false
	ri.accepted = nil
	for _, p := range ri.props {
		p.resetValidation()
	}
}

func (ri *RegistrationInfo) IsRegistered() bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.context != nil
}

// RegistrationRequired reports the Producer's requirement; determined is false before the first refresh.
func (ri *RegistrationInfo) RegistrationRequired() (required, determined bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	if ri.required == nil {
		return false, false
	}
	return *ri.required, true
}

func (ri *RegistrationInfo) IsRegistrationDeterminedRequired() bool {
	required, determined := ri.RegistrationRequired()
	return determined && required
}

func (ri *RegistrationInfo) IsRegistrationDeterminedNotRequired() bool {
	required, determined := ri.RegistrationRequired()
	return determined && !required
}

func (ri *RegistrationInfo) IsConsistentWithProducerExpectations() bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.required != nil && len(ri.lastIssues) == 0
}

// IsRegistrationValid is not known until the first refresh.
func (ri *RegistrationInfo) IsRegistrationValid() (valid, known bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	if ri.required == nil {
		return false, false
	}
	if !*ri.required {
		return true, true
	}
	if ri.context == nil || len(ri.lastIssues) > 0 || ri.removals || ri.modifyRequired {
		return false, true
	}
	for _, p := range ri.props {
		if p.isUnchecked() {
			return false, true
		}
	}
	return true, true
}

// IsModifyRegistrationNeeded is true when registered and the Producer has not seen the local state.
func (ri *RegistrationInfo) IsModifyRegistrationNeeded() bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	if ri.context == nil {
		return false
	}
	if ri.removals || ri.modifyRequired || len(ri.lastIssues) > 0 {
		return true
	}
	for _, p := range ri.props {
		if p.isUnchecked() {
			return true
		}
	}
	return false
}

func (ri *RegistrationInfo) IsModifiedSinceLastRefresh() bool {
	return ri.edits.Load() != ri.refreshed.Load()
}

// IsRefreshNeeded is true before the first refresh and after any local edit.
func (ri *RegistrationInfo) IsRefreshNeeded() bool {
	_, determined := ri.RegistrationRequired()
	return !determined || ri.IsModifiedSinceLastRefresh()
}

// Refresh reconciles the local properties with sd.
func (ri *RegistrationInfo) Refresh(sd *wsrp.ServiceDescription, producerID string, opts RefreshOptions) (*RefreshResult, error) {
	if sd == nil {
		return nil, fmt.Errorf("%w: service description is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(producerID) == "" {
		return nil, fmt.Errorf("%w: producer id is required", ErrInvalidArgument)
	}
	if !opts.Force && !ri.IsRefreshNeeded() {
		return ri.cachedResult(), nil
	}

	edits := ri.edits.Load()
	ri.mu.Lock()
	defer ri.mu.Unlock()

	required := sd.RequiresRegistration
	ri.required = &required
	ri.expectations = make(map[wsrp.QName]wsrp.PropertyDescription, len(sd.RegistrationPropertyDescriptions))
	for name, desc := range sd.RegistrationPropertyDescriptions {
		ri.expectations[name] = desc
	}

	if !required {
		for _, p := range ri.props {
			_ = p.SetInvalid(false, StatusValid)
		}
		ri.lastIssues = nil
		ri.refreshed.Store(edits)
		return &RefreshResult{Status: RefreshSuccess}, nil
	}

	registered := ri.context != nil
	if registered && ri.accepted != nil && !wsrp.SameDescriptions(ri.accepted, ri.expectations) {
		ri.modifyRequired = true
	}
	issues := make(map[wsrp.QName]PropertyStatus)

	for name, desc := range ri.expectations {
		p, ok := ri.props[name]
		if !ok {
			issues[name] = StatusMissing
			if opts.MergeWithProducerExpectations {
				p = NewRegistrationProperty(name, "", "", ri)
				p.SetDescription(desc)
				_ = p.SetInvalid(true, StatusMissing)
				ri.props[name] = p
			}
			continue
		}
		p.SetDescription(desc)
		if strings.TrimSpace(p.Value()) == "" {
			_ = p.SetInvalid(true, StatusMissingValue)
			issues[name] = StatusMissingValue
			continue
		}
		if invalid, checked := p.Invalid(); checked && invalid {
			p.resetValidation()
		}
	}

	for name, p := range ri.props {
		if _, expected := ri.expectations[name]; expected {
			continue
		}
		if !registered && opts.MergeWithProducerExpectations {
			p.setListener(nil)
			delete(ri.props, name)
			continue
		}
		if registered && !opts.ForceCheckOfExtraProperties {
			continue
		}
		_ = p.SetInvalid(true, StatusInexistent)
		issues[name] = StatusInexistent
	}

	ri.lastIssues = issues
	ri.refreshed.Store(edits)
	return resultFor(issues, registered), nil
}

func (ri *RegistrationInfo) cachedResult() *RefreshResult {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	issues := make(map[wsrp.QName]PropertyStatus, len(ri.lastIssues))
	for k, v := range ri.lastIssues {
		issues[k] = v
	}
	return resultFor(issues, ri.context != nil)
}

func resultFor(issues map[wsrp.QName]PropertyStatus, registered bool) *RefreshResult {
	res := &RefreshResult{Status: RefreshSuccess, Properties: issues}
	if len(issues) > 0 {
		if registered {
			res.Status = RefreshModifyRegistrationRequired
		} else {
			res.Status = RefreshFailure
		}
	}
	return res
}

func copyExpectations(descs map[wsrp.QName]wsrp.PropertyDescription) map[wsrp.QName]wsrp.PropertyDescription {
	res := make(map[wsrp.QName]wsrp.PropertyDescription, len(descs))
	for k, v := range descs {
		res[k] = v
	}
	return res
}

// ExpectedProperties returns the descriptions received with the last refresh.
func (ri *RegistrationInfo) ExpectedProperties() map[wsrp.QName]wsrp.PropertyDescription {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	res := make(map[wsrp.QName]wsrp.PropertyDescription, len(ri.expectations))
	for k, v := range ri.expectations {
		res[k] = v
	}
	return res
}

// RegistrationData is the payload for register and modifyRegistration.
func (ri *RegistrationInfo) RegistrationData() wsrp.RegistrationData {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	data := wsrp.RegistrationData{
		ConsumerName:  ri.consumerName,
		ConsumerAgent: ri.consumerAgent,
	}
	for _, p := range ri.sortedLocked() {
		data.Properties = append(data.Properties, wsrp.Property{Name: p.name, Lang: p.Lang(), Value: p.Value()})
	}
	return data
}
