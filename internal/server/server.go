package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"wsrpline/internal/engine"
	"wsrpline/internal/registration"
	"wsrpline/internal/repo"
	"wsrpline/internal/wsrp"
)

// Config for the HTTP API handler.
type Config struct {
	Engine *engine.Engine
	Auth   AuthConfig
	Log    zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"InvalidRegistration"`
	Message string         `json:"message" example:"unknown registration handle"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"properties\":[\"{urn:wsrpline}email\"]}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var versions = []wsrp.Version{wsrp.V1, wsrp.V2}

// New returns an HTTP handler serving every protocol version under its own prefix.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(cfg.Auth, cfg.Log))
	hcfg := huma.DefaultConfig("wsrpline Producer API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)

	for _, v := range versions {
		group := huma.NewGroup(api, "/"+v.String())
		registerHealth(group, v)
		registerVersions(group, v)
		registerProtocol(group, cfg.Engine, v)
		registerAdmin(group, cfg.Engine, v)
		registerOpenAPI(router, api, "/"+v.String())
	}
	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// faultError renders a fault as the client's protocol version knows it.
func faultError(f *wsrp.Fault, v wsrp.Version) huma.StatusError {
	f = f.ForVersion(v)
	var details map[string]any
	if len(f.Properties) > 0 {
		details = map[string]any{"properties": f.Properties}
	}
	return newAPIError(faultStatus(f.Kind), string(f.Kind), f.Message, details)
}

func faultStatus(kind wsrp.FaultKind) int {
	switch kind {
	case wsrp.FaultMissingParameters, wsrp.FaultInconsistentParameters:
		return http.StatusBadRequest
	case wsrp.FaultInvalidRegistration, wsrp.FaultAccessDenied:
		return http.StatusForbidden
	case wsrp.FaultInvalidHandle:
		return http.StatusNotFound
	case wsrp.FaultModifyRegistrationRequired:
		return http.StatusConflict
	case wsrp.FaultOperationNotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func handleError(err error, v wsrp.Version) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if f, ok := wsrp.AsFault(err); ok {
		return faultError(f, v)
	}
	var regErr *registration.Error
	if errors.As(err, &regErr) {
		details := map[string]any{}
		if names := regErr.PropertyNames(); len(names) > 0 {
			details["properties"] = names
		}
		if len(details) == 0 {
			details = nil
		}
		switch regErr.Kind {
		case registration.KindNoSuchRegistration:
			return newAPIError(http.StatusNotFound, "not_found", regErr.Error(), details)
		case registration.KindDuplicate:
			return newAPIError(http.StatusConflict, "conflict", regErr.Error(), details)
		case registration.KindInvalidArgument, registration.KindValidation:
			return newAPIError(http.StatusBadRequest, "bad_request", regErr.Error(), details)
		default:
			return newAPIError(http.StatusUnprocessableEntity, "validation_failed", regErr.Error(), details)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// openAPIMu serialises document builds; every version group shares the api components.
var openAPIMu sync.Mutex

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		openAPIMu.Lock()
		defer openAPIMu.Unlock()
		if spec == nil {
			oas := *api.OpenAPI()
			oas.Paths = map[string]*huma.PathItem{}
			for route, item := range api.OpenAPI().Paths {
				if strings.HasPrefix(route, basePath+"/") {
					oas.Paths[route] = item
				}
			}
			ensureDefaultErrorResponses(&oas)
			applyAuthSecurity(&oas)
			spec, _ = json.Marshal(&oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.Schemas != nil {
		oas.Components.Schemas.Map()["ApiError"] = &huma.Schema{
			Type: "object",
			Properties: map[string]*huma.Schema{
				"error": {
					Type: "object",
					Properties: map[string]*huma.Schema{
						"code":    {Type: "string"},
						"message": {Type: "string"},
						"details": {Type: "object"},
					},
				},
			},
		}
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity marks the admin operations as protected by a bearer token or an API key.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	for route, item := range oas.Paths {
		if !isAdminPath(route) {
			continue
		}
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op != nil {
				op.Security = []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
			}
		}
	}
}

func registerHealth(api huma.API, v wsrp.Version) {
	huma.Register(api, huma.Operation{
		OperationID: v.String() + "-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerVersions(api huma.API, v wsrp.Version) {
	huma.Register(api, huma.Operation{
		OperationID: v.String() + "-versions",
		Method:      http.MethodGet,
		Path:        "/versions",
		Summary:     "Supported protocol versions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VersionsDTO `json:"body"`
	}, error) {
		out := VersionsDTO{}
		for _, sv := range versions {
			out.Versions = append(out.Versions, sv.String())
		}
		return &struct {
			Body VersionsDTO `json:"body"`
		}{Body: out}, nil
	})
}

func registerProtocol(api huma.API, e *engine.Engine, v wsrp.Version) {
	tag := []string{"registration " + v.String()}

	huma.Register(api, huma.Operation{
		OperationID: v.String() + "-service-description",
		Method:      http.MethodPost,
		Path:        "/service-description",
		Summary:     "Describe the producer",
		Tags:        tag,
	}, func(ctx context.Context, input *struct {
		Body ServiceDescriptionRequest
	}) (*struct {
		Body ServiceDescriptionDTO `json:"body"`
	}, error) {
		sd, err := e.ServiceDescription(ctx, input.Body.RegistrationContext.toDomain())
		if err != nil {
			return nil, handleError(err, v)
		}
		return &struct {
			Body ServiceDescriptionDTO `json:"body"`
		}{Body: serviceDescriptionDTO(sd)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: v.String() + "-register",
		Method:      http.MethodPost,
		Path:        "/register",
		Summary:     "Register a consumer",
		Tags:        tag,
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest
	}) (*struct {
		Body RegistrationContextDTO `json:"body"`
	}, error) {
		data, err := input.Body.RegistrationData.toDomain()
		if err != nil {
			return nil, handleError(err, v)
		}
		rc, err := e.Register(ctx, data)
		if err != nil {
			return nil, handleError(err, v)
		}
		return &struct {
			Body RegistrationContextDTO `json:"body"`
		}{Body: RegistrationContextDTO{Handle: rc.Handle, State: rc.State}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: v.String() + "-modify-registration",
		Method:      http.MethodPost,
		Path:        "/modify-registration",
		Summary:     "Replace the properties of a registration",
		Tags:        tag,
	}, func(ctx context.Context, input *struct {
		Body ModifyRegistrationRequest
	}) (*struct {
		Body RegistrationStateDTO `json:"body"`
	}, error) {
		data, err := input.Body.RegistrationData.toDomain()
		if err != nil {
			return nil, handleError(err, v)
		}
		state, err := e.ModifyRegistration(ctx, input.Body.RegistrationContext.toDomain(), data)
		if err != nil {
			return nil, handleError(err, v)
		}
		out := RegistrationStateDTO{}
		if state != nil {
			out.State = state.State
		}
		return &struct {
			Body RegistrationStateDTO `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   v.String() + "-deregister",
		Method:        http.MethodPost,
		Path:          "/deregister",
		Summary:       "End a registration",
		Tags:          tag,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		Body DeregisterRequest
	}) (*struct{}, error) {
		if err := e.Deregister(ctx, input.Body.RegistrationContext.toDomain()); err != nil {
			return nil, handleError(err, v)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: v.String() + "-portlet-description",
		Method:      http.MethodPost,
		Path:        "/portlet-description",
		Summary:     "Describe one portlet",
		Tags:        tag,
	}, func(ctx context.Context, input *struct {
		Body PortletDescriptionRequest
	}) (*struct {
		Body PortletDescriptionDTO `json:"body"`
	}, error) {
		pc := wsrp.PortletContext{Handle: input.Body.PortletContext.Handle, State: input.Body.PortletContext.State}
		pd, err := e.PortletDescription(ctx, input.Body.RegistrationContext.toDomain(), pc)
		if err != nil {
			return nil, handleError(err, v)
		}
		return &struct {
			Body PortletDescriptionDTO `json:"body"`
		}{Body: portletDescriptionDTO(pd)}, nil
	})
}

func registerAdmin(api huma.API, e *engine.Engine, v wsrp.Version) {
	tag := []string{"admin " + v.String()}
	op := func(id string) string { return fmt.Sprintf("%s-admin-%s", v, id) }

	huma.Register(api, huma.Operation{
		OperationID: op("list-consumers"),
		Method:      http.MethodGet,
		Path:        "/admin/consumers",
		Summary:     "List consumers",
		Tags:        tag,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []ConsumerDTO `json:"items"`
		} `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRegistryRead); err != nil {
			return nil, handleError(err, v)
		}
		consumers, err := e.Manager.GetConsumers(ctx)
		if err != nil {
			return nil, handleError(err, v)
		}
		resp := &struct {
			Body struct {
				Items []ConsumerDTO `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = []ConsumerDTO{}
		for _, c := range consumers {
			resp.Body.Items = append(resp.Body.Items, consumerDTO(c))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: op("get-consumer"),
		Method:      http.MethodGet,
		Path:        "/admin/consumers/{name}",
		Summary:     "Get a consumer by name",
		Tags:        tag,
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body ConsumerDTO `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRegistryRead); err != nil {
			return nil, handleError(err, v)
		}
		c, err := e.Manager.GetConsumerByName(ctx, input.Name)
		if err != nil {
			return nil, handleError(err, v)
		}
		if c == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no consumer named "+input.Name, nil)
		}
		return &struct {
			Body ConsumerDTO `json:"body"`
		}{Body: consumerDTO(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   op("remove-consumer"),
		Method:        http.MethodDelete,
		Path:          "/admin/consumers/{name}",
		Summary:       "Remove a consumer and its registrations",
		Tags:          tag,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, PermRegistryWrite); err != nil {
			return nil, handleError(err, v)
		}
		if err := e.Manager.RemoveConsumerNamed(ctx, input.Name); err != nil {
			return nil, handleError(err, v)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: op("list-groups"),
		Method:      http.MethodGet,
		Path:        "/admin/groups",
		Summary:     "List consumer groups",
		Tags:        tag,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []ConsumerGroupDTO `json:"items"`
		} `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRegistryRead); err != nil {
			return nil, handleError(err, v)
		}
		groups, err := e.Manager.GetConsumerGroups(ctx)
		if err != nil {
			return nil, handleError(err, v)
		}
		resp := &struct {
			Body struct {
				Items []ConsumerGroupDTO `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = []ConsumerGroupDTO{}
		for _, g := range groups {
			resp.Body.Items = append(resp.Body.Items, consumerGroupDTO(g))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   op("create-group"),
		Method:        http.MethodPost,
		Path:          "/admin/groups",
		Summary:       "Create a consumer group",
		Tags:          tag,
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateGroupRequest
	}) (*struct {
		Body ConsumerGroupDTO `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRegistryWrite); err != nil {
			return nil, handleError(err, v)
		}
		g, err := e.Manager.CreateConsumerGroup(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err, v)
		}
		return &struct {
			Body ConsumerGroupDTO `json:"body"`
		}{Body: consumerGroupDTO(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   op("remove-group"),
		Method:        http.MethodDelete,
		Path:          "/admin/groups/{name}",
		Summary:       "Remove a consumer group with its consumers",
		Tags:          tag,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, PermRegistryWrite); err != nil {
			return nil, handleError(err, v)
		}
		if err := e.Manager.RemoveConsumerGroupNamed(ctx, input.Name); err != nil {
			return nil, handleError(err, v)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: op("add-consumer-to-group"),
		Method:      http.MethodPut,
		Path:        "/admin/groups/{name}/consumers/{consumer}",
		Summary:     "Move a consumer into a group",
		Tags:        tag,
	}, func(ctx context.Context, input *struct {
		Name           string `path:"name"`
		Consumer       string `path:"consumer"`
		CreateGroup    bool   `query:"create_group"`
		CreateConsumer bool   `query:"create_consumer"`
	}) (*struct {
		Body ConsumerDTO `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRegistryWrite); err != nil {
			return nil, handleError(err, v)
		}
		c, err := e.Manager.AddConsumerToGroupNamed(ctx, input.Consumer, input.Name, input.CreateGroup, input.CreateConsumer)
		if err != nil {
			return nil, handleError(err, v)
		}
		return &struct {
			Body ConsumerDTO `json:"body"`
		}{Body: consumerDTO(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: op("get-registration-properties"),
		Method:      http.MethodGet,
		Path:        "/admin/registration-properties",
		Summary:     "Registration properties consumers must provide",
		Tags:        tag,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PropertyDescriptionsDTO `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRegistryRead); err != nil {
			return nil, handleError(err, v)
		}
		return &struct {
			Body PropertyDescriptionsDTO `json:"body"`
		}{Body: PropertyDescriptionsDTO{Properties: propertyDescriptionDTOs(e.PropertyDescriptions())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: op("replace-registration-properties"),
		Method:      http.MethodPut,
		Path:        "/admin/registration-properties",
		Summary:     "Replace the registration properties",
		Description: "Existing registrations become pending until their consumer modifies them.",
		Tags:        tag,
	}, func(ctx context.Context, input *struct {
		Body PropertyDescriptionsDTO
	}) (*struct {
		Body UpdatePropertyDescriptionsResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRegistryWrite); err != nil {
			return nil, handleError(err, v)
		}
		descs, err := propertyDescriptionsFromDTOs(input.Body.Properties)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		changed, err := e.UpdatePropertyDescriptions(ctx, descs)
		if err != nil {
			return nil, handleError(err, v)
		}
		return &struct {
			Body UpdatePropertyDescriptionsResponse `json:"body"`
		}{Body: UpdatePropertyDescriptionsResponse{Changed: changed, Properties: propertyDescriptionDTOs(e.PropertyDescriptions())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: op("list-events"),
		Method:      http.MethodGet,
		Path:        "/admin/events",
		Summary:     "List registry events",
		Tags:        tag,
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		After      int64  `query:"after"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body struct {
			Items []EventDTO `json:"items"`
		} `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRegistryRead); err != nil {
			return nil, handleError(err, v)
		}
		if e.Repo == nil {
			return nil, newAPIError(http.StatusNotImplemented, "not_implemented", "event log is not persisted", nil)
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			AfterID:    input.After,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err, v)
		}
		resp := &struct {
			Body struct {
				Items []EventDTO `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = []EventDTO{}
		for _, evt := range items {
			resp.Body.Items = append(resp.Body.Items, EventDTO{
				ID:         evt.ID,
				TS:         evt.TS,
				Type:       evt.Type,
				EntityKind: evt.EntityKind,
				EntityID:   evt.EntityID,
				Payload:    evt.Payload,
			})
		}
		return resp, nil
	})
}
