package server

import (
	"fmt"
	"sort"

	"wsrpline/internal/registration"
	"wsrpline/internal/wsrp"
)

// Protocol payloads

type RegistrationContextDTO struct {
	Handle string `json:"handle"`
	State  []byte `json:"state,omitempty"`
}

type PortletContextDTO struct {
	Handle string `json:"handle"`
	State  []byte `json:"state,omitempty"`
}

type PropertyDTO struct {
	Name  string `json:"name" example:"{urn:wsrpline}email"`
	Lang  string `json:"lang,omitempty"`
	Value string `json:"value"`
}

type RegistrationDataDTO struct {
	ConsumerName          string        `json:"consumer_name,omitempty"`
	ConsumerAgent         string        `json:"consumer_agent,omitempty" example:"portal.1.0"`
	MethodGetSupported    bool          `json:"method_get_supported,omitempty"`
	ConsumerModes         []string      `json:"consumer_modes,omitempty"`
	ConsumerWindowStates  []string      `json:"consumer_window_states,omitempty"`
	ConsumerUserScopes    []string      `json:"consumer_user_scopes,omitempty"`
	CustomUserProfileData []string      `json:"custom_user_profile_data,omitempty"`
	Properties            []PropertyDTO `json:"properties,omitempty"`
}

type PropertyDescriptionDTO struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty" example:"xsd:string"`
	Label string `json:"label,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

type PortletDescriptionDTO struct {
	Handle      string `json:"handle"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
}

type ServiceDescriptionDTO struct {
	RequiresRegistration             bool                     `json:"requires_registration"`
	RegistrationPropertyDescriptions []PropertyDescriptionDTO `json:"registration_property_descriptions"`
	OfferedPortlets                  []PortletDescriptionDTO  `json:"offered_portlets"`
}

type ServiceDescriptionRequest struct {
	RegistrationContext *RegistrationContextDTO `json:"registration_context,omitempty"`
}

type RegisterRequest struct {
	RegistrationData RegistrationDataDTO `json:"registration_data"`
}

type ModifyRegistrationRequest struct {
	RegistrationContext *RegistrationContextDTO `json:"registration_context,omitempty"`
	RegistrationData    RegistrationDataDTO     `json:"registration_data"`
}

type RegistrationStateDTO struct {
	State []byte `json:"state,omitempty"`
}

type DeregisterRequest struct {
	RegistrationContext *RegistrationContextDTO `json:"registration_context,omitempty"`
}

type PortletDescriptionRequest struct {
	RegistrationContext *RegistrationContextDTO `json:"registration_context,omitempty"`
	PortletContext      PortletContextDTO       `json:"portlet_context"`
}

type VersionsDTO struct {
	Versions []string `json:"versions"`
}

// Admin payloads

type RegistrationSummary struct {
	Handle         string         `json:"handle"`
	Status         string         `json:"status" enum:"pending,valid,invalid"`
	Properties     map[string]any `json:"properties"`
	PortletHandles []string       `json:"portlet_handles,omitempty"`
}

type ConsumerDTO struct {
	ID            string                            `json:"id"`
	Name          string                            `json:"name"`
	Agent         string                            `json:"agent,omitempty"`
	Status        string                            `json:"status" enum:"pending,valid,invalid"`
	Group         string                            `json:"group,omitempty"`
	Capabilities  registration.ConsumerCapabilities `json:"capabilities"`
	Registrations []RegistrationSummary             `json:"registrations"`
}

type ConsumerGroupDTO struct {
	Name      string   `json:"name"`
	Status    string   `json:"status" enum:"pending,valid,invalid"`
	Consumers []string `json:"consumers"`
}

type CreateGroupRequest struct {
	Name string `json:"name"`
}

type PropertyDescriptionsDTO struct {
	Properties []PropertyDescriptionDTO `json:"properties"`
}

type UpdatePropertyDescriptionsResponse struct {
	Changed    bool                     `json:"changed"`
	Properties []PropertyDescriptionDTO `json:"properties"`
}

type EventDTO struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Conversions

func (d *RegistrationContextDTO) toDomain() *wsrp.RegistrationContext {
	if d == nil {
		return nil
	}
	return &wsrp.RegistrationContext{Handle: d.Handle, State: d.State}
}

func (d RegistrationDataDTO) toDomain() (wsrp.RegistrationData, error) {
	data := wsrp.RegistrationData{
		ConsumerName:          d.ConsumerName,
		ConsumerAgent:         d.ConsumerAgent,
		MethodGetSupported:    d.MethodGetSupported,
		ConsumerModes:         d.ConsumerModes,
		ConsumerWindowStates:  d.ConsumerWindowStates,
		ConsumerUserScopes:    d.ConsumerUserScopes,
		CustomUserProfileData: d.CustomUserProfileData,
	}
	for i, p := range d.Properties {
		name, err := wsrp.ParseQName(p.Name)
		if err != nil {
			return data, wsrp.NewFault(wsrp.FaultMissingParameters, "property %d: %v", i, err)
		}
		data.Properties = append(data.Properties, wsrp.Property{Name: name, Lang: p.Lang, Value: p.Value})
	}
	return data, nil
}

func propertyDescriptionDTOs(descs map[wsrp.QName]wsrp.PropertyDescription) []PropertyDescriptionDTO {
	names := make([]wsrp.QName, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	wsrp.SortQNames(names)
	out := make([]PropertyDescriptionDTO, 0, len(names))
	for _, name := range names {
		d := descs[name]
		out = append(out, PropertyDescriptionDTO{Name: name.String(), Type: d.Type, Label: d.Label, Hint: d.Hint})
	}
	return out
}

func propertyDescriptionsFromDTOs(dtos []PropertyDescriptionDTO) (map[wsrp.QName]wsrp.PropertyDescription, error) {
	descs := make([]wsrp.PropertyDescription, 0, len(dtos))
	seen := make(map[wsrp.QName]bool, len(dtos))
	for i, d := range dtos {
		name, err := wsrp.ParseQName(d.Name)
		if err != nil {
			return nil, fmt.Errorf("property %d: %w", i, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("property %s listed twice", name)
		}
		seen[name] = true
		descs = append(descs, wsrp.PropertyDescription{Name: name, Type: d.Type, Label: d.Label, Hint: d.Hint})
	}
	return wsrp.PropertyDescriptions(descs...), nil
}

func portletDescriptionDTO(pd wsrp.PortletDescription) PortletDescriptionDTO {
	return PortletDescriptionDTO{Handle: pd.Handle, Title: pd.Title, Description: pd.Description, GroupID: pd.GroupID}
}

func serviceDescriptionDTO(sd *wsrp.ServiceDescription) ServiceDescriptionDTO {
	out := ServiceDescriptionDTO{
		RequiresRegistration:             sd.RequiresRegistration,
		RegistrationPropertyDescriptions: propertyDescriptionDTOs(sd.RegistrationPropertyDescriptions),
		OfferedPortlets:                  []PortletDescriptionDTO{},
	}
	for _, pd := range sd.OfferedPortlets {
		out.OfferedPortlets = append(out.OfferedPortlets, portletDescriptionDTO(pd))
	}
	return out
}

func consumerDTO(c *registration.Consumer) ConsumerDTO {
	out := ConsumerDTO{
		ID:            c.ID(),
		Name:          c.Name(),
		Agent:         c.ConsumerAgent(),
		Status:        c.Status().String(),
		Capabilities:  c.Capabilities(),
		Registrations: []RegistrationSummary{},
	}
	if g := c.Group(); g != nil {
		out.Group = g.Name()
	}
	for _, r := range c.Registrations() {
		summary := RegistrationSummary{
			Handle:     r.RegistrationHandle(),
			Status:     r.Status().String(),
			Properties: map[string]any{},
		}
		for name, v := range r.Properties() {
			summary.Properties[name.String()] = v
		}
		for _, pc := range r.KnownPortletContexts() {
			summary.PortletHandles = append(summary.PortletHandles, pc.Handle)
		}
		out.Registrations = append(out.Registrations, summary)
	}
	sort.Slice(out.Registrations, func(i, j int) bool { return out.Registrations[i].Handle < out.Registrations[j].Handle })
	return out
}

func consumerGroupDTO(g *registration.ConsumerGroup) ConsumerGroupDTO {
	out := ConsumerGroupDTO{Name: g.Name(), Status: g.Status().String(), Consumers: []string{}}
	for _, c := range g.Consumers() {
		out.Consumers = append(out.Consumers, c.Name())
	}
	sort.Strings(out.Consumers)
	return out
}
