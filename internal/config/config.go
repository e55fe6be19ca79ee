package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"wsrpline/internal/logger"
	"wsrpline/internal/registration"
	"wsrpline/internal/tracing"
	"wsrpline/internal/wsrp"
)

// Config models wsrp.yml.
type Config struct {
	Producer ProducerConfig `yaml:"producer"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Logging  logger.Config  `yaml:"logging"`
	Tracing  tracing.Config `yaml:"tracing"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards registry events to an HTTP endpoint.
type WebhookConfig struct {
	URL string `yaml:"url"`
	// Events filters by event type; empty forwards everything.
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type ProducerConfig struct {
	ID                   string           `yaml:"id"`
	RequiresRegistration bool             `yaml:"requires_registration"`
	StrictConsumerAgent  bool             `yaml:"strict_consumer_agent"`
	AutomaticGroup       string           `yaml:"automatic_group"`
	Properties           []PropertyConfig `yaml:"properties"`
	Portlets             []PortletConfig  `yaml:"portlets"`
}

// PropertyConfig describes one registration property. Name accepts the {ns}local form.
type PropertyConfig struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Label string `yaml:"label"`
	Hint  string `yaml:"hint"`
}

type PortletConfig struct {
	Handle      string `yaml:"handle"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Group       string `yaml:"group"`
	// Offered portlets appear in the service description; the others are only found by handle.
	Offered *bool `yaml:"offered"`
}

type ConsumerConfig struct {
	Name      string                    `yaml:"name"`
	Agent     string                    `yaml:"agent"`
	Producers map[string]RemoteProducer `yaml:"producers"`
}

type RemoteProducer struct {
	Endpoint string `yaml:"endpoint"`
	// Timeout is a Go duration, e.g. 10s.
	Timeout                string            `yaml:"timeout"`
	CacheExpirationSeconds *int              `yaml:"cache_expiration_seconds"`
	Properties             map[string]string `yaml:"properties"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wsrp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(filepath.Base(absOrSelf(workspace))), nil
		}
		return nil, err
	}
	return cfg, nil
}

func absOrSelf(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Producer.ID == "" {
		return fmt.Errorf("config.producer.id is required")
	}
	seen := make(map[wsrp.QName]bool)
	for i, p := range c.Producer.Properties {
		name, err := wsrp.ParseQName(p.Name)
		if err != nil {
			return fmt.Errorf("config.producer.properties[%d]: %w", i, err)
		}
		if seen[name] {
			return fmt.Errorf("registration property %s declared twice", name)
		}
		seen[name] = true
	}
	handles := make(map[string]bool)
	for i, p := range c.Producer.Portlets {
		if p.Handle == "" {
			return fmt.Errorf("config.producer.portlets[%d].handle is required", i)
		}
		if handles[p.Handle] {
			return fmt.Errorf("portlet %s declared twice", p.Handle)
		}
		handles[p.Handle] = true
	}
	if c.Consumer.Agent != "" {
		if err := registration.ValidateConsumerAgent(c.Consumer.Agent); err != nil {
			return fmt.Errorf("config.consumer.agent: %w", err)
		}
	}
	for id, rp := range c.Consumer.Producers {
		if id == "" {
			return fmt.Errorf("config.consumer.producers contains empty producer id")
		}
		if rp.Endpoint == "" {
			return fmt.Errorf("producer %s has no endpoint", id)
		}
		if _, err := rp.TimeoutDuration(); err != nil {
			return fmt.Errorf("producer %s: %w", id, err)
		}
		if rp.CacheExpirationSeconds != nil && *rp.CacheExpirationSeconds < 0 {
			return fmt.Errorf("producer %s: cache_expiration_seconds must not be negative", id)
		}
		for name := range rp.Properties {
			if _, err := wsrp.ParseQName(name); err != nil {
				return fmt.Errorf("producer %s: %w", id, err)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("config.tracing.exporter must be stdout or none")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("config.tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

// PropertyDescriptions returns the configured registration properties keyed by name.
func (p ProducerConfig) PropertyDescriptions() map[wsrp.QName]wsrp.PropertyDescription {
	descs := make([]wsrp.PropertyDescription, 0, len(p.Properties))
	for _, pc := range p.Properties {
		name, err := wsrp.ParseQName(pc.Name)
		if err != nil {
			continue
		}
		descs = append(descs, wsrp.PropertyDescription{Name: name, Type: pc.Type, Label: pc.Label, Hint: pc.Hint})
	}
	return wsrp.PropertyDescriptions(descs...)
}

// OfferedPortlets returns the portlets listed in the service description.
func (p ProducerConfig) OfferedPortlets() []wsrp.PortletDescription {
	var out []wsrp.PortletDescription
	for _, pc := range p.Portlets {
		if pc.Offered == nil || *pc.Offered {
			out = append(out, pc.PortletDescription())
		}
	}
	return out
}

// Portlet finds any configured portlet, offered or not.
func (p ProducerConfig) Portlet(handle string) (wsrp.PortletDescription, bool) {
	for _, pc := range p.Portlets {
		if pc.Handle == handle {
			return pc.PortletDescription(), true
		}
	}
	return wsrp.PortletDescription{}, false
}

func (pc PortletConfig) PortletDescription() wsrp.PortletDescription {
	return wsrp.PortletDescription{Handle: pc.Handle, Title: pc.Title, Description: pc.Description, GroupID: pc.Group}
}

// TimeoutDuration parses Timeout; empty means no timeout.
func (rp RemoteProducer) TimeoutDuration() (time.Duration, error) {
	if rp.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(rp.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", rp.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must not be negative")
	}
	return d, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "wsrp.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(producerID string) string {
	return fmt.Sprintf(defaultTemplate, producerID)
}

// Default returns the default Config struct for a producer.
func Default(producerID string) *Config {
	if producerID == "" || producerID == string(filepath.Separator) {
		producerID = "wsrpline"
	}
	cfg, err := FromYAML([]byte(GenerateDefault(producerID)))
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left out take their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Config{Logging: logger.DefaultConfig(), Tracing: tracing.DefaultConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `producer:
  id: %s
  requires_registration: true
  strict_consumer_agent: false
  automatic_group: ""
  properties:
    - name: "{urn:wsrpline}email"
      type: xsd:string
      label: Contact email
      hint: Where the producer sends registration notices
  portlets:
    - handle: hello
      title: Hello portlet
      description: Greets the current user

consumer:
  name: wsrpline consumer
  agent: wsrpline.1.0
  producers: {}

logging:
  level: info
  output: stderr

tracing:
  enabled: false
  exporter: none
  sample_rate: 1
  service_name: wsrpline

webhooks: []
`
