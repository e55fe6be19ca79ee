package consumer

import (
	"fmt"

	"wsrpline/internal/wsrp"
)

// PropertyRecord is the storable form of a RegistrationProperty.
type PropertyRecord struct {
	Name   wsrp.QName `json:"name"`
	Value  string     `json:"value"`
	Lang   string     `json:"lang,omitempty"`
	Status string     `json:"status"`
}

// Record is the storable form of a RegistrationInfo.
type Record struct {
	ConsumerName  string           `json:"consumer_name"`
	ConsumerAgent string           `json:"consumer_agent,omitempty"`
	Handle        string           `json:"handle,omitempty"`
	State         []byte           `json:"state,omitempty"`
	Required      *bool            `json:"required,omitempty"`
	Properties    []PropertyRecord `json:"properties,omitempty"`
	// Accepted are the property descriptions the Producer last accepted.
	Accepted       []wsrp.PropertyDescription `json:"accepted_descriptions,omitempty"`
	ModifyRequired bool                       `json:"modify_required,omitempty"`
}

func (ri *RegistrationInfo) Record() Record {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	rec := Record{ConsumerName: ri.consumerName, ConsumerAgent: ri.consumerAgent}
	if ri.context != nil {
		rec.Handle = ri.context.Handle
		rec.State = append([]byte(nil), ri.context.State...)
	}
	if ri.required != nil {
		required := *ri.required
		rec.Required = &required
	}
	rec.ModifyRequired = ri.modifyRequired
	if ri.accepted != nil {
		names := make([]wsrp.QName, 0, len(ri.accepted))
		for name := range ri.accepted {
			names = append(names, name)
		}
		wsrp.SortQNames(names)
		rec.Accepted = make([]wsrp.PropertyDescription, 0, len(names))
		for _, name := range names {
			rec.Accepted = append(rec.Accepted, ri.accepted[name])
		}
	}
	for _, p := range ri.sortedLocked() {
		rec.Properties = append(rec.Properties, PropertyRecord{
			Name:   p.name,
			Value:  p.Value(),
			Lang:   p.Lang(),
			Status: p.Status().String(),
		})
	}
	return rec
}

// RestoreRegistrationInfo rebuilds a RegistrationInfo. Required is not restored: the next
// refresh is always needed so the Producer's current expectations get checked.
func RestoreRegistrationInfo(rec Record) (*RegistrationInfo, error) {
	ri := NewRegistrationInfo(rec.ConsumerName, rec.ConsumerAgent)
	if rec.Handle != "" {
		ri.context = &wsrp.RegistrationContext{Handle: rec.Handle, State: append([]byte(nil), rec.State...)}
		ri.modifyRequired = rec.ModifyRequired
		if rec.Accepted != nil {
			ri.accepted = wsrp.PropertyDescriptions(rec.Accepted...)
		}
	}
	for _, pr := range rec.Properties {
		if pr.Name.IsZero() {
			return nil, fmt.Errorf("registration property without a name")
		}
		status, err := ParsePropertyStatus(pr.Status)
		if err != nil {
			return nil, err
		}
		p := NewRegistrationProperty(pr.Name, pr.Value, pr.Lang, ri)
		switch status {
		case StatusValid:
			_ = p.SetInvalid(false, StatusValid)
		case StatusUncheckedValue, StatusUnset:
		default:
			_ = p.SetInvalid(true, status)
		}
		ri.props[pr.Name] = p
	}
	return ri, nil
}
