package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wsrpline/internal/wsrp"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("portal-producer")
	require.Equal(t, "portal-producer", cfg.Producer.ID)
	require.True(t, cfg.Producer.RequiresRegistration)
	require.Len(t, cfg.Producer.PropertyDescriptions(), 1)
	_, ok := cfg.Producer.PropertyDescriptions()[wsrp.QName{Namespace: "urn:wsrpline", Local: "email"}]
	require.True(t, ok)
	require.Equal(t, "info", cfg.Logging.Level)
	require.False(t, cfg.Tracing.Enabled)
}

func TestFromYAMLValidation(t *testing.T) {
	cases := map[string]string{
		"missing id": "producer: {}\n",
		"duplicate property": `producer:
  id: p
  properties:
    - name: a
    - name: a
`,
		"portlet without handle": `producer:
  id: p
  portlets:
    - title: x
`,
		"bad agent": `producer: {id: p}
consumer:
  agent: nodots
`,
		"bad timeout": `producer: {id: p}
consumer:
  producers:
    remote: {endpoint: "http://x", timeout: soon}
`,
		"missing endpoint": `producer: {id: p}
consumer:
  producers:
    remote: {timeout: 1s}
`,
		"negative expiration": `producer: {id: p}
consumer:
  producers:
    remote: {endpoint: "http://x", cache_expiration_seconds: -1}
`,
		"unknown exporter": `producer: {id: p}
tracing: {exporter: jaeger}
`,
		"webhook without url": `producer: {id: p}
webhooks:
  - events: [consumer.saved]
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}

	_, err := FromYAML([]byte("producer: ["))
	require.ErrorContains(t, err, "invalid config yaml")
}

func TestRemoteProducer(t *testing.T) {
	cfg, err := FromYAML([]byte(`producer:
  id: p
  portlets:
    - handle: shown
    - handle: hidden
      offered: false
consumer:
  name: portal
  agent: portal.1.0
  producers:
    remote:
      endpoint: http://localhost:8080
      timeout: 2s
      cache_expiration_seconds: 30
      properties:
        "{urn:x}email": me@example.com
`))
	require.NoError(t, err)
	rp := cfg.Consumer.Producers["remote"]
	d, err := rp.TimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, d)
	require.Equal(t, 30, *rp.CacheExpirationSeconds)

	offered := cfg.Producer.OfferedPortlets()
	require.Len(t, offered, 1)
	require.Equal(t, "shown", offered[0].Handle)
	_, ok := cfg.Producer.Portlet("hidden")
	require.True(t, ok)
	require.Equal(t, "stdout", cfg.Tracing.Exporter)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.ErrorContains(t, err, "wsrp config init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Producer.ID)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("from-file")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Producer.ID)
	require.True(t, strings.HasSuffix(Path(dir), "wsrp.yml"))
}

func TestPortletDescriptions(t *testing.T) {
	hidden := false
	p := ProducerConfig{Portlets: []PortletConfig{
		{Handle: "hello", Title: "Hello", Description: "Says hello", Group: "demo"},
		{Handle: "late", Title: "Late", Offered: &hidden},
	}}
	offered := p.OfferedPortlets()
	require.Equal(t, []wsrp.PortletDescription{{Handle: "hello", Title: "Hello", Description: "Says hello", GroupID: "demo"}}, offered)

	pd, ok := p.Portlet("late")
	require.True(t, ok)
	require.Equal(t, "Late", pd.Title)
	_, ok = p.Portlet("ghost")
	require.False(t, ok)
}
