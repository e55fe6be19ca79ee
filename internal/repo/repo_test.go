package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wsrpline/internal/consumer"
	"wsrpline/internal/db"
	"wsrpline/internal/events"
	"wsrpline/internal/migrate"
	"wsrpline/internal/registration"
	"wsrpline/internal/repo"
	"wsrpline/internal/wsrp"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return repo.Repo{DB: conn, Events: events.Writer{Now: now}, Now: now}
}

var email = wsrp.QName{Namespace: "urn:x", Local: "email"}

func TestJournalRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	pm := registration.NewPersistence(registration.WithJournal(repo.Journal{Repo: r}))
	m := registration.NewManager(pm, registration.WithPolicy(registration.DefaultPolicy{AutomaticGroup: "everyone"}))

	expectations := wsrp.PropertyDescriptions(wsrp.PropertyDescription{Name: email, Type: "xsd:string"})
	reg, err := m.AddRegistrationTo(ctx, "portal", map[wsrp.QName]any{email: "a@b.c"}, expectations, true)
	require.NoError(t, err)
	require.NoError(t, reg.AddPortletContext(wsrp.PortletContext{Handle: "hello", State: []byte("s")}))
	require.NoError(t, pm.SaveRegistration(ctx, reg))
	c := reg.Consumer()
	require.NoError(t, m.UpdateConsumerCapabilities(ctx, c, registration.ConsumerCapabilities{SupportedModes: []string{"view"}}))

	snap, err := r.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Groups, 1)
	require.Equal(t, "everyone", snap.Groups[0].Name)
	require.Len(t, snap.Consumers, 1)
	require.Equal(t, "everyone", snap.Consumers[0].Group)
	require.Equal(t, registration.StatusValid, snap.Consumers[0].Status)
	require.Equal(t, []string{"view"}, snap.Consumers[0].Capabilities.SupportedModes)
	require.Len(t, snap.Registrations, 1)
	require.Equal(t, reg.RegistrationHandle(), snap.Registrations[0].Handle)
	require.Equal(t, "a@b.c", snap.Registrations[0].Properties[email])
	require.Len(t, snap.Registrations[0].PortletContexts, 1)

	restored := registration.NewPersistence()
	require.NoError(t, restored.Load(snap))
	got, err := restored.GetRegistrationByHandle(ctx, reg.RegistrationHandle())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "portal", got.Consumer().Name())
	require.True(t, got.KnowsPortlet("hello"))

	require.NoError(t, m.RemoveConsumerGroupNamed(ctx, "everyone"))
	snap, err = r.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, snap.Groups)
	require.Empty(t, snap.Consumers)
	require.Empty(t, snap.Registrations)

	removed, err := r.ListEvents(ctx, repo.EventFilter{Type: events.ConsumerRemoved})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.Equal(t, "portal", removed[0].EntityID)
}

func TestUnhandledRegistrationsDoNotCollide(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	j := repo.Journal{Repo: r}
	require.NoError(t, j.SaveConsumer(ctx, registration.ConsumerRecord{ID: "c", Name: "c"}))
	require.NoError(t, j.SaveRegistration(ctx, registration.RegistrationRecord{Key: "k1", ConsumerID: "c", Properties: map[wsrp.QName]any{}}))
	require.NoError(t, j.SaveRegistration(ctx, registration.RegistrationRecord{Key: "k2", ConsumerID: "c", Properties: map[wsrp.QName]any{}}))
	require.NoError(t, j.SaveRegistration(ctx, registration.RegistrationRecord{Key: "k1", ConsumerID: "c", Handle: "h", Properties: map[wsrp.QName]any{}}))
	require.Error(t, j.SaveRegistration(ctx, registration.RegistrationRecord{Key: "k2", ConsumerID: "c", Handle: "h", Properties: map[wsrp.QName]any{}}))

	require.Error(t, j.SaveRegistration(ctx, registration.RegistrationRecord{Key: "k3", ConsumerID: "ghost", Properties: map[wsrp.QName]any{}}))
}

func TestPropertyDescriptionsSetting(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.PropertyDescriptions(ctx)
	require.ErrorIs(t, err, repo.ErrNotFound)

	descs := wsrp.PropertyDescriptions(
		wsrp.PropertyDescription{Name: email, Type: "xsd:string", Label: "Email"},
		wsrp.PropertyDescription{Name: wsrp.NewQName("name"), Type: "xsd:string"},
	)
	require.NoError(t, r.SavePropertyDescriptions(ctx, descs))
	got, err := r.PropertyDescriptions(ctx)
	require.NoError(t, err)
	require.True(t, wsrp.SameDescriptions(descs, got))

	evts, err := r.ListEvents(ctx, repo.EventFilter{EntityKind: events.KindSettings})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, "2024-01-01T00:00:00Z", evts[0].TS)
}

func TestConsumerRegistrations(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.GetConsumerRegistration(ctx, "remote")
	require.ErrorIs(t, err, repo.ErrNotFound)

	info := consumer.NewRegistrationInfo("portal", "portal.1.0")
	_, err = info.SetRegistrationPropertyValue(email, "a@b.c")
	require.NoError(t, err)
	info.RegistrationSucceeded(wsrp.RegistrationContext{Handle: "h1"})
	require.NoError(t, r.SaveConsumerRegistration(ctx, "remote", info.Record()))

	rec, err := r.GetConsumerRegistration(ctx, "remote")
	require.NoError(t, err)
	require.Equal(t, "h1", rec.Handle)
	require.Equal(t, email, rec.Properties[0].Name)

	all, err := r.ListConsumerRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, r.DeleteConsumerRegistration(ctx, "remote"))
	require.ErrorIs(t, r.DeleteConsumerRegistration(ctx, "remote"), repo.ErrNotFound)
}

func TestListEventsLimitKeepsNewest(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	j := repo.Journal{Repo: r}
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, j.SaveConsumerGroup(ctx, registration.GroupRecord{Name: name}))
	}
	evts, err := r.ListEvents(ctx, repo.EventFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.Equal(t, "b", evts[0].EntityID)
	require.Equal(t, "c", evts[1].EntityID)

	after, err := r.ListEvents(ctx, repo.EventFilter{AfterID: evts[0].ID})
	require.NoError(t, err)
	require.Len(t, after, 1)
}

func TestAdminKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.InsertAdminKey(ctx, repo.AdminKey{ID: "k1", Name: "ops", KeyHash: repo.HashAPIKey(" abc ")})
	require.NoError(t, err)
	_, err = r.InsertAdminKey(ctx, repo.AdminKey{ID: "k2", KeyHash: repo.HashAPIKey("abc")})
	require.Error(t, err, "hash is unique and whitespace is trimmed")

	got, err := r.AdminKeyByHash(ctx, repo.HashAPIKey("abc"))
	require.NoError(t, err)
	require.Equal(t, "ops", got.Name)
	require.Empty(t, got.Permissions)

	keys, err := r.ListAdminKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, r.DeleteAdminKey(ctx, "k1"))
	require.ErrorIs(t, r.DeleteAdminKey(ctx, "k1"), repo.ErrNotFound)
	_, err = r.AdminKeyByHash(ctx, repo.HashAPIKey("abc"))
	require.ErrorIs(t, err, repo.ErrNotFound)

	evts, err := r.ListEvents(ctx, repo.EventFilter{EntityKind: events.KindAdminKey})
	require.NoError(t, err)
	require.Len(t, evts, 2)
}
