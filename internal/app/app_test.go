package app

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wsrpline/internal/config"
	"wsrpline/internal/server"
	"wsrpline/internal/wsrp"
)

func writeConfig(t *testing.T, workspace, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(doc), 0o644))
}

func open(t *testing.T, workspace string) *Context {
	t.Helper()
	c, err := Open(context.Background(), Options{Workspace: workspace, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func startProducer(t *testing.T) *httptest.Server {
	t.Helper()
	workspace := t.TempDir()
	writeConfig(t, workspace, config.GenerateDefault("remote"))
	c := open(t, workspace)
	e, err := c.Engine(context.Background())
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: e, Log: zerolog.Nop()})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func consumerConfig(endpoint, email string) string {
	return fmt.Sprintf(`producer:
  id: local
consumer:
  name: portal
  agent: portal.1.0
  producers:
    remote:
      endpoint: %s
      timeout: 5s
      properties:
        "{urn:wsrpline}email": %s
`, endpoint, email)
}

func TestMissingConfig(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir()})
	require.ErrorContains(t, err, "wsrp config init")

	c, err := Open(context.Background(), Options{Workspace: t.TempDir(), Optional: true, LogOutput: io.Discard})
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))
}

func TestEngineReloadsRegistry(t *testing.T) {
	workspace := t.TempDir()
	writeConfig(t, workspace, config.GenerateDefault("local"))
	ctx := context.Background()

	c := open(t, workspace)
	e, err := c.Engine(ctx)
	require.NoError(t, err)
	rc, err := e.Register(ctx, wsrp.RegistrationData{
		ConsumerName: "portal",
		Properties:   []wsrp.Property{{Name: wsrp.QName{Namespace: "urn:wsrpline", Local: "email"}, Value: "a@b.c"}},
	})
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	c2 := open(t, workspace)
	e2, err := c2.Engine(ctx)
	require.NoError(t, err)
	reg, err := e2.RegistrationFor(ctx, &rc)
	require.NoError(t, err)
	require.Equal(t, "portal", reg.Consumer().Name())
}

func TestConsumerRegistrationSurvivesRestart(t *testing.T) {
	ts := startProducer(t)
	workspace := t.TempDir()
	writeConfig(t, workspace, consumerConfig(ts.URL, "ops@portal.test"))
	ctx := context.Background()

	c := open(t, workspace)
	producers, err := c.Producers(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"remote"}, producers.IDs())
	did, err := producers.Refresh(ctx, "remote", false)
	require.NoError(t, err)
	require.True(t, did)
	p, err := producers.Get("remote")
	require.NoError(t, err)
	handle := p.RegistrationInfo().RegistrationHandle()
	require.NotEmpty(t, handle)
	require.NoError(t, c.Close(ctx))

	c2 := open(t, workspace)
	producers2, err := c2.Producers(ctx)
	require.NoError(t, err)
	p2, err := producers2.Get("remote")
	require.NoError(t, err)
	require.Equal(t, handle, p2.RegistrationInfo().RegistrationHandle())

	_, err = producers2.Refresh(ctx, "remote", false)
	require.NoError(t, err)
	require.NoError(t, producers2.Deregister(ctx, "remote"))
	_, err = c2.Repo.GetConsumerRegistration(ctx, "remote")
	require.Error(t, err)

	_, err = producers2.Get("missing")
	require.Error(t, err)
}
