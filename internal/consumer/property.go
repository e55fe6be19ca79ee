package consumer

import (
	"fmt"
	"sync"

	"wsrpline/internal/wsrp"
)

// PropertyStatus says why a registration property is, or is not, acceptable to the Producer.
type PropertyStatus int

const (
	// StatusUnset is the zero value. It is never a valid reason for an invalid property.
	StatusUnset PropertyStatus = iota
	StatusUncheckedValue
	StatusValid
	StatusMissing
	StatusMissingValue
	StatusInexistent
	StatusInvalid
)

func (s PropertyStatus) String() string {
	switch s {
	case StatusUnset:
		return "unset"
	case StatusUncheckedValue:
		return "unchecked_value"
	case StatusValid:
		return "valid"
	case StatusMissing:
		return "missing"
	case StatusMissingValue:
		return "missing_value"
	case StatusInexistent:
		return "inexistent"
	case StatusInvalid:
		return "invalid"
	}
	return fmt.Sprintf("property_status(%d)", int(s))
}

func ParsePropertyStatus(s string) (PropertyStatus, error) {
	for st := StatusUnset; st <= StatusInvalid; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusUnset, fmt.Errorf("unknown property status %q", s)
}

// PropertyChangeListener is told synchronously about every value change.
type PropertyChangeListener interface {
	PropertyValueChanged(prop *RegistrationProperty, oldValue, newValue string)
}

type PropertyChangeFunc func(prop *RegistrationProperty, oldValue, newValue string)

func (f PropertyChangeFunc) PropertyValueChanged(prop *RegistrationProperty, oldValue, newValue string) {
	f(prop, oldValue, newValue)
}

// RegistrationProperty is the Consumer's copy of one registration property.
// invalid is tri-state: nil until the Producer has checked the value.
type RegistrationProperty struct {
	name wsrp.QName

	mu          sync.RWMutex
	value       string
	lang        string
	description *wsrp.PropertyDescription
	invalid     *bool
	status      PropertyStatus
	listener    PropertyChangeListener
}

func NewRegistrationProperty(name wsrp.QName, value, lang string, listener PropertyChangeListener) *RegistrationProperty {
	return &RegistrationProperty{
		name:     name,
		value:    value,
		lang:     lang,
		status:   StatusUncheckedValue,
		listener: listener,
	}
}

func (p *RegistrationProperty) Name() wsrp.QName { return p.name }

func (p *RegistrationProperty) Value() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

func (p *RegistrationProperty) Lang() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lang
}

func (p *RegistrationProperty) SetLang(lang string) {
	p.mu.Lock()
	p.lang = lang
	p.mu.Unlock()
}

// Description returns the Producer's description, if one was received.
func (p *RegistrationProperty) Description() (wsrp.PropertyDescription, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.description == nil {
		return wsrp.PropertyDescription{}, false
	}
	return *p.description, true
}

func (p *RegistrationProperty) SetDescription(desc wsrp.PropertyDescription) {
	p.mu.Lock()
	p.description = &desc
	p.mu.Unlock()
}

// Invalid reports the validation outcome; checked is false while the value is unchecked.
func (p *RegistrationProperty) Invalid() (invalid, checked bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.invalid == nil {
		return false, false
	}
	return *p.invalid, true
}

func (p *RegistrationProperty) Status() PropertyStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// SetValue changes the value and forgets any earlier validation. Setting the same value does nothing.
func (p *RegistrationProperty) SetValue(value string) {
	p.mu.Lock()
	old := p.value
	if old == value {
		p.mu.Unlock()
		return
	}
	p.value = value
	p.invalid = nil
	p.status = StatusUncheckedValue
	listener := p.listener
	p.mu.Unlock()

	if listener != nil {
		listener.PropertyValueChanged(p, old, value)
	}
}

// SetInvalid records a validation outcome. An invalid property must carry a non-valid reason;
// a valid one always ends up StatusValid.
func (p *RegistrationProperty) SetInvalid(invalid bool, reason PropertyStatus) error {
	if invalid && (reason == StatusValid || reason == StatusUnset) {
		return fmt.Errorf("%w: property %s: an invalid property needs a reason other than %s", ErrInvalidArgument, p.name, reason)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalid = &invalid
	if invalid {
		p.status = reason
	} else {
		p.status = StatusValid
	}
	return nil
}

// resetValidation puts the property back to unchecked without notifying.
func (p *RegistrationProperty) resetValidation() {
	p.mu.Lock()
	p.invalid = nil
	p.status = StatusUncheckedValue
	p.mu.Unlock()
}

func (p *RegistrationProperty) isUnchecked() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.invalid == nil
}

func (p *RegistrationProperty) setListener(l PropertyChangeListener) {
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
}
