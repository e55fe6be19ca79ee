package wsrpsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wsrpline/internal/consumer"
	"wsrpline/internal/wsrp"
)

// Client is a minimal wsrpline Producer HTTP API client.
type Client struct {
	BaseURL string
	// Version selects the /v1 or /v2 routes; zero means V2.
	Version     wsrp.Version
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Version: wsrp.V2,
		Timeout: 10 * time.Second,
	}
}

var _ consumer.Services = (*Client)(nil)

// APIError wraps non-2xx responses that carry no protocol fault.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Consumer is the admin view of a registered consumer.
type Consumer struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Agent         string                `json:"agent"`
	Status        string                `json:"status"`
	Group         string                `json:"group"`
	Registrations []RegistrationSummary `json:"registrations"`
}

type RegistrationSummary struct {
	Handle         string         `json:"handle"`
	Status         string         `json:"status"`
	Properties     map[string]any `json:"properties"`
	PortletHandles []string       `json:"portlet_handles"`
}

type ConsumerGroup struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Consumers []string `json:"consumers"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// EventQuery filters Events; zero values match everything.
type EventQuery struct {
	Type       string
	EntityKind string
	EntityID   string
	After      int64
	Limit      int
}

type contextBody struct {
	Handle string `json:"handle"`
	State  []byte `json:"state,omitempty"`
}

type propertyBody struct {
	Name  string `json:"name"`
	Lang  string `json:"lang,omitempty"`
	Value string `json:"value"`
}

type registrationDataBody struct {
	ConsumerName          string         `json:"consumer_name,omitempty"`
	ConsumerAgent         string         `json:"consumer_agent,omitempty"`
	MethodGetSupported    bool           `json:"method_get_supported,omitempty"`
	ConsumerModes         []string       `json:"consumer_modes,omitempty"`
	ConsumerWindowStates  []string       `json:"consumer_window_states,omitempty"`
	ConsumerUserScopes    []string       `json:"consumer_user_scopes,omitempty"`
	CustomUserProfileData []string       `json:"custom_user_profile_data,omitempty"`
	Properties            []propertyBody `json:"properties,omitempty"`
}

type propertyDescriptionBody struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Label string `json:"label,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

type portletBody struct {
	Handle      string `json:"handle"`
	Title       string `json:"title"`
	Description string `json:"description"`
	GroupID     string `json:"group_id"`
}

type serviceDescriptionBody struct {
	RequiresRegistration             bool                      `json:"requires_registration"`
	RegistrationPropertyDescriptions []propertyDescriptionBody `json:"registration_property_descriptions"`
	OfferedPortlets                  []portletBody             `json:"offered_portlets"`
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func contextFrom(rc *wsrp.RegistrationContext) *contextBody {
	if rc == nil {
		return nil
	}
	return &contextBody{Handle: rc.Handle, State: rc.State}
}

func registrationDataFrom(d wsrp.RegistrationData) registrationDataBody {
	out := registrationDataBody{
		ConsumerName:          d.ConsumerName,
		ConsumerAgent:         d.ConsumerAgent,
		MethodGetSupported:    d.MethodGetSupported,
		ConsumerModes:         d.ConsumerModes,
		ConsumerWindowStates:  d.ConsumerWindowStates,
		ConsumerUserScopes:    d.ConsumerUserScopes,
		CustomUserProfileData: d.CustomUserProfileData,
	}
	for _, p := range d.Properties {
		out.Properties = append(out.Properties, propertyBody{Name: p.Name.String(), Lang: p.Lang, Value: p.Value})
	}
	return out
}

func (b propertyDescriptionBody) toDescription() (wsrp.PropertyDescription, error) {
	name, err := wsrp.ParseQName(b.Name)
	if err != nil {
		return wsrp.PropertyDescription{}, err
	}
	return wsrp.PropertyDescription{Name: name, Type: b.Type, Label: b.Label, Hint: b.Hint}, nil
}

func (b portletBody) toDescription() wsrp.PortletDescription {
	return wsrp.PortletDescription{Handle: b.Handle, Title: b.Title, Description: b.Description, GroupID: b.GroupID}
}

// Versions lists the protocol versions the Producer serves.
func (c *Client) Versions(ctx context.Context) ([]wsrp.Version, error) {
	var resp struct {
		Versions []string `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, c.path("versions"), nil, &resp); err != nil {
		return nil, err
	}
	var out []wsrp.Version
	for _, s := range resp.Versions {
		if v, err := wsrp.ParseVersion(s); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// ServiceDescription implements getServiceDescription. rc may be nil.
func (c *Client) ServiceDescription(ctx context.Context, rc *wsrp.RegistrationContext) (*wsrp.ServiceDescription, error) {
	body := map[string]any{}
	if rc != nil {
		body["registration_context"] = contextFrom(rc)
	}
	var resp serviceDescriptionBody
	if err := c.do(ctx, http.MethodPost, c.path("service-description"), body, &resp); err != nil {
		return nil, err
	}
	descs := make([]wsrp.PropertyDescription, 0, len(resp.RegistrationPropertyDescriptions))
	for _, b := range resp.RegistrationPropertyDescriptions {
		d, err := b.toDescription()
		if err != nil {
			return nil, fmt.Errorf("service description: %w", err)
		}
		descs = append(descs, d)
	}
	sd := &wsrp.ServiceDescription{
		RequiresRegistration:             resp.RequiresRegistration,
		RegistrationPropertyDescriptions: wsrp.PropertyDescriptions(descs...),
	}
	for _, p := range resp.OfferedPortlets {
		sd.OfferedPortlets = append(sd.OfferedPortlets, p.toDescription())
	}
	return sd, nil
}

func (c *Client) Register(ctx context.Context, data wsrp.RegistrationData) (wsrp.RegistrationContext, error) {
	var resp contextBody
	err := c.do(ctx, http.MethodPost, c.path("register"), map[string]any{
		"registration_data": registrationDataFrom(data),
	}, &resp)
	if err != nil {
		return wsrp.RegistrationContext{}, err
	}
	return wsrp.RegistrationContext{Handle: resp.Handle, State: resp.State}, nil
}

func (c *Client) ModifyRegistration(ctx context.Context, rc wsrp.RegistrationContext, data wsrp.RegistrationData) (*wsrp.RegistrationState, error) {
	var resp struct {
		State []byte `json:"state"`
	}
	err := c.do(ctx, http.MethodPost, c.path("modify-registration"), map[string]any{
		"registration_context": contextFrom(&rc),
		"registration_data":    registrationDataFrom(data),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &wsrp.RegistrationState{State: resp.State}, nil
}

func (c *Client) Deregister(ctx context.Context, rc wsrp.RegistrationContext) error {
	return c.do(ctx, http.MethodPost, c.path("deregister"), map[string]any{
		"registration_context": contextFrom(&rc),
	}, nil)
}

func (c *Client) PortletDescription(ctx context.Context, rc *wsrp.RegistrationContext, pc wsrp.PortletContext) (wsrp.PortletDescription, error) {
	body := map[string]any{
		"portlet_context": contextBody{Handle: pc.Handle, State: pc.State},
	}
	if rc != nil {
		body["registration_context"] = contextFrom(rc)
	}
	var resp portletBody
	if err := c.do(ctx, http.MethodPost, c.path("portlet-description"), body, &resp); err != nil {
		return wsrp.PortletDescription{}, err
	}
	return resp.toDescription(), nil
}

// ListConsumers requires the registry.read permission.
func (c *Client) ListConsumers(ctx context.Context) ([]Consumer, error) {
	var resp struct {
		Items []Consumer `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.path("admin/consumers"), nil, &resp)
	return resp.Items, err
}

func (c *Client) GetConsumer(ctx context.Context, name string) (Consumer, error) {
	var resp Consumer
	err := c.do(ctx, http.MethodGet, c.path("admin/consumers/"+url.PathEscape(name)), nil, &resp)
	return resp, err
}

func (c *Client) RemoveConsumer(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.path("admin/consumers/"+url.PathEscape(name)), nil, nil)
}

func (c *Client) ListGroups(ctx context.Context) ([]ConsumerGroup, error) {
	var resp struct {
		Items []ConsumerGroup `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.path("admin/groups"), nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateGroup(ctx context.Context, name string) (ConsumerGroup, error) {
	var resp ConsumerGroup
	err := c.do(ctx, http.MethodPost, c.path("admin/groups"), map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) RemoveGroup(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.path("admin/groups/"+url.PathEscape(name)), nil, nil)
}

// AddConsumerToGroup moves a consumer, optionally creating the group or the consumer.
func (c *Client) AddConsumerToGroup(ctx context.Context, group, consumerName string, createGroup, createConsumer bool) (Consumer, error) {
	endpoint := fmt.Sprintf("admin/groups/%s/consumers/%s?create_group=%t&create_consumer=%t",
		url.PathEscape(group), url.PathEscape(consumerName), createGroup, createConsumer)
	var resp Consumer
	err := c.do(ctx, http.MethodPut, c.path(endpoint), nil, &resp)
	return resp, err
}

func (c *Client) RegistrationProperties(ctx context.Context) ([]wsrp.PropertyDescription, error) {
	var resp struct {
		Properties []propertyDescriptionBody `json:"properties"`
	}
	if err := c.do(ctx, http.MethodGet, c.path("admin/registration-properties"), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]wsrp.PropertyDescription, 0, len(resp.Properties))
	for _, b := range resp.Properties {
		d, err := b.toDescription()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ReplaceRegistrationProperties reports whether the Producer saw a change.
func (c *Client) ReplaceRegistrationProperties(ctx context.Context, descs []wsrp.PropertyDescription) (bool, error) {
	body := struct {
		Properties []propertyDescriptionBody `json:"properties"`
	}{Properties: []propertyDescriptionBody{}}
	for _, d := range descs {
		body.Properties = append(body.Properties, propertyDescriptionBody{Name: d.Name.String(), Type: d.Type, Label: d.Label, Hint: d.Hint})
	}
	var resp struct {
		Changed bool `json:"changed"`
	}
	err := c.do(ctx, http.MethodPut, c.path("admin/registration-properties"), body, &resp)
	return resp.Changed, err
}

// Events returns the registry event log, oldest first.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.EntityKind != "" {
		params.Set("entity_kind", q.EntityKind)
	}
	if q.EntityID != "" {
		params.Set("entity_id", q.EntityID)
	}
	if q.After > 0 {
		params.Set("after", fmt.Sprintf("%d", q.After))
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	endpoint := "admin/events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.path(endpoint), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return c.decodeError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// decodeError returns a *wsrp.Fault when the body names a protocol fault.
func (c *Client) decodeError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env errorBody
	if err := json.Unmarshal(body, &env); err != nil {
		return apiErr
	}
	if kind, ok := wsrp.ParseFaultKind(env.Error.Code); ok {
		f := &wsrp.Fault{Kind: kind, Version: c.version(), Message: env.Error.Message}
		if props, ok := env.Error.Details["properties"].([]any); ok {
			for _, p := range props {
				if s, ok := p.(string); ok {
					f.Properties = append(f.Properties, s)
				}
			}
		}
		return f
	}
	apiErr.Code = env.Error.Code
	apiErr.Message = env.Error.Message
	return apiErr
}

func (c *Client) version() wsrp.Version {
	if c.Version == 0 {
		return wsrp.V2
	}
	return c.Version
}

func (c *Client) path(p string) string {
	return c.version().String() + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
