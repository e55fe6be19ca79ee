// Package wsrp holds the protocol vocabulary shared by the Producer and the Consumer.
package wsrp

import (
	"fmt"
	"sort"
	"strings"
)

// QName is a namespace-qualified name.
type QName struct {
	Namespace string
	Local     string
}

// NewQName returns an unqualified name.
func NewQName(local string) QName {
	return QName{Local: local}
}

func (q QName) String() string {
	if q.Namespace == "" {
		return q.Local
	}
	return "{" + q.Namespace + "}" + q.Local
}

// IsZero reports whether the local part is empty.
func (q QName) IsZero() bool {
	return strings.TrimSpace(q.Local) == ""
}

// ParseQName accepts either "local" or "{namespace}local".
func ParseQName(s string) (QName, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return QName{}, fmt.Errorf("empty qualified name")
	}
	if !strings.HasPrefix(s, "{") {
		return QName{Local: s}, nil
	}
	end := strings.Index(s, "}")
	if end < 0 || end == len(s)-1 {
		return QName{}, fmt.Errorf("malformed qualified name %q", s)
	}
	return QName{Namespace: s[1:end], Local: s[end+1:]}, nil
}

// MarshalText renders the name in its string form so it can key JSON maps.
func (q QName) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

func (q *QName) UnmarshalText(b []byte) error {
	parsed, err := ParseQName(string(b))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// SortQNames orders names by their string form.
func SortQNames(names []QName) {
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })
}

// PropertyDescription describes a registration property the Producer expects.
type PropertyDescription struct {
	Name  QName  `json:"name"`
	Type  string `json:"type,omitempty"`
	Label string `json:"label,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

// PropertyDescriptions indexes descriptions by name.
func PropertyDescriptions(descs ...PropertyDescription) map[QName]PropertyDescription {
	res := make(map[QName]PropertyDescription, len(descs))
	for _, d := range descs {
		res[d.Name] = d
	}
	return res
}

// SameDescriptions reports whether both maps describe the same properties.
func SameDescriptions(a, b map[QName]PropertyDescription) bool {
	if len(a) != len(b) {
		return false
	}
	for name, d := range a {
		other, ok := b[name]
		if !ok || other != d {
			return false
		}
	}
	return true
}

// PortletDescription is the subset of portlet metadata needed for discovery.
type PortletDescription struct {
	Handle      string `json:"handle"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
}

// ServiceDescription is the Producer metadata returned by getServiceDescription.
type ServiceDescription struct {
	RequiresRegistration             bool                          `json:"requires_registration"`
	RegistrationPropertyDescriptions map[QName]PropertyDescription `json:"registration_property_descriptions,omitempty"`
	OfferedPortlets                  []PortletDescription          `json:"offered_portlets,omitempty"`
}

// Portlet returns the offered portlet with the given handle.
func (sd *ServiceDescription) Portlet(handle string) (PortletDescription, bool) {
	if sd == nil {
		return PortletDescription{}, false
	}
	for _, p := range sd.OfferedPortlets {
		if p.Handle == handle {
			return p, true
		}
	}
	return PortletDescription{}, false
}

// Property is a single registration property value on the wire.
type Property struct {
	Name  QName  `json:"name"`
	Lang  string `json:"lang,omitempty"`
	Value string `json:"value"`
}

// RegistrationData is what a Consumer sends to register or modify a registration.
type RegistrationData struct {
	ConsumerName          string     `json:"consumer_name"`
	ConsumerAgent         string     `json:"consumer_agent,omitempty"`
	MethodGetSupported    bool       `json:"method_get_supported,omitempty"`
	ConsumerModes         []string   `json:"consumer_modes,omitempty"`
	ConsumerWindowStates  []string   `json:"consumer_window_states,omitempty"`
	ConsumerUserScopes    []string   `json:"consumer_user_scopes,omitempty"`
	CustomUserProfileData []string   `json:"custom_user_profile_data,omitempty"`
	Properties            []Property `json:"properties,omitempty"`
}

// PropertyMap flattens the properties into a name/value map.
func (d RegistrationData) PropertyMap() map[QName]any {
	res := make(map[QName]any, len(d.Properties))
	for _, p := range d.Properties {
		res[p.Name] = p.Value
	}
	return res
}

// RegistrationContext identifies a registration on the wire.
type RegistrationContext struct {
	Handle string `json:"registration_handle"`
	State  []byte `json:"registration_state,omitempty"`
}

// RegistrationState is the opaque state a Producer may hand back after modifyRegistration.
type RegistrationState struct {
	State []byte `json:"registration_state,omitempty"`
}

// PortletContext identifies a portlet (and optionally its state) on the wire.
type PortletContext struct {
	Handle string `json:"portlet_handle"`
	State  []byte `json:"portlet_state,omitempty"`
}
