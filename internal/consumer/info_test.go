package consumer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wsrpline/internal/consumer"
	"wsrpline/internal/wsrp"
)

var (
	prop0 = wsrp.NewQName("prop0")
	prop1 = wsrp.NewQName("prop1")
	extra = wsrp.NewQName("extra")
)

func describing(required bool, names ...wsrp.QName) *wsrp.ServiceDescription {
	descs := make([]wsrp.PropertyDescription, len(names))
	for i, n := range names {
		descs[i] = wsrp.PropertyDescription{Name: n, Type: "xsd:string"}
	}
	return &wsrp.ServiceDescription{
		RequiresRegistration:             required,
		RegistrationPropertyDescriptions: wsrp.PropertyDescriptions(descs...),
	}
}

var force = consumer.RefreshOptions{Force: true}

func TestRefreshReportsEveryMissingProperty(t *testing.T) {
	for _, merge := range []bool{false, true} {
		info := consumer.NewRegistrationInfo("portal", "a.b.c")
		res, err := info.Refresh(describing(true, prop0, prop1), "producer", consumer.RefreshOptions{Force: true, MergeWithProducerExpectations: merge})
		require.NoError(t, err)
		require.Equal(t, consumer.RefreshFailure, res.Status)
		require.Equal(t, map[wsrp.QName]consumer.PropertyStatus{
			prop0: consumer.StatusMissing,
			prop1: consumer.StatusMissing,
		}, res.Properties)
		require.False(t, info.IsConsistentWithProducerExpectations())
		require.Equal(t, merge, info.GetRegistrationProperty(prop0) != nil)
	}

	info := consumer.NewRegistrationInfo("portal", "a.b.c")
	info.RegistrationSucceeded(wsrp.RegistrationContext{Handle: "h1"})
	res, err := info.Refresh(describing(true, prop0, prop1), "producer", force)
	require.NoError(t, err)
	require.Equal(t, consumer.RefreshModifyRegistrationRequired, res.Status)
	require.Equal(t, []wsrp.QName{prop0, prop1}, res.Names())
	require.True(t, info.IsModifyRegistrationNeeded())
}

func TestRefreshWithoutRequiredRegistration(t *testing.T) {
	info := consumer.NewRegistrationInfo("portal", "")
	_, known := info.IsRegistrationValid()
	require.False(t, known)
	_, determined := info.RegistrationRequired()
	require.False(t, determined)

	_, err := info.SetRegistrationPropertyValue(prop0, "v")
	require.NoError(t, err)
	res, err := info.Refresh(describing(false), "producer", force)
	require.NoError(t, err)
	require.Equal(t, consumer.RefreshSuccess, res.Status)
	require.False(t, res.HasIssues())
	require.True(t, info.IsRegistrationDeterminedNotRequired())
	valid, known := info.IsRegistrationValid()
	require.True(t, known)
	require.True(t, valid)
	require.Equal(t, consumer.StatusValid, info.GetRegistrationProperty(prop0).Status())
}

func TestRefreshMissingValue(t *testing.T) {
	info := consumer.NewRegistrationInfo("portal", "")
	_, err := info.SetRegistrationPropertyValue(prop0, "  ")
	require.NoError(t, err)

	res, err := info.Refresh(describing(true, prop0), "producer", force)
	require.NoError(t, err)
	require.Equal(t, map[wsrp.QName]consumer.PropertyStatus{prop0: consumer.StatusMissingValue}, res.Properties)
	invalid, checked := info.GetRegistrationProperty(prop0).Invalid()
	require.True(t, checked)
	require.True(t, invalid)

	_, err = info.SetRegistrationPropertyValue(prop0, "value")
	require.NoError(t, err)
	require.True(t, info.IsRefreshNeeded())
	res, err = info.Refresh(describing(true, prop0), "producer", consumer.RefreshOptions{})
	require.NoError(t, err)
	require.Equal(t, consumer.RefreshSuccess, res.Status)
	require.Equal(t, consumer.StatusUncheckedValue, info.GetRegistrationProperty(prop0).Status())
}

func TestRefreshExtraProperties(t *testing.T) {
	cases := []struct {
		name       string
		registered bool
		opts       consumer.RefreshOptions
		kept       bool
		flagged    bool
	}{
		{"unregistered merge drops", false, consumer.RefreshOptions{Force: true, MergeWithProducerExpectations: true}, false, false},
		{"unregistered flags", false, consumer.RefreshOptions{Force: true}, true, true},
		{"registered keeps", true, consumer.RefreshOptions{Force: true, MergeWithProducerExpectations: true}, true, false},
		{"registered forced check flags", true, consumer.RefreshOptions{Force: true, ForceCheckOfExtraProperties: true}, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info := consumer.NewRegistrationInfo("portal", "")
			_, err := info.SetRegistrationPropertyValue(prop0, "v")
			require.NoError(t, err)
			_, err = info.SetRegistrationPropertyValue(extra, "x")
			require.NoError(t, err)
			if tc.registered {
				info.RegistrationSucceeded(wsrp.RegistrationContext{Handle: "h1"})
			}

			res, err := info.Refresh(describing(true, prop0), "producer", tc.opts)
			require.NoError(t, err)

			p := info.GetRegistrationProperty(extra)
			require.Equal(t, tc.kept, p != nil)
			_, reported := res.Properties[extra]
			require.Equal(t, tc.flagged, reported)
			if tc.flagged {
				require.Equal(t, consumer.StatusInexistent, p.Status())
			} else if tc.kept {
				require.Equal(t, consumer.StatusValid, p.Status())
			}
		})
	}
}

func TestRefreshIsDeterministic(t *testing.T) {
	info := consumer.NewRegistrationInfo("portal", "")
	sd := describing(true, prop0)

	res, err := info.Refresh(sd, "producer", consumer.RefreshOptions{MergeWithProducerExpectations: true})
	require.NoError(t, err)
	require.True(t, res.HasIssues())

	_, err = info.SetRegistrationPropertyValue(prop0, "v")
	require.NoError(t, err)
	res, err = info.Refresh(sd, "producer", consumer.RefreshOptions{MergeWithProducerExpectations: true})
	require.NoError(t, err)
	require.False(t, res.HasIssues())
	require.False(t, info.IsModifiedSinceLastRefresh())

	again, err := info.Refresh(sd, "producer", consumer.RefreshOptions{MergeWithProducerExpectations: true})
	require.NoError(t, err)
	require.False(t, again.HasIssues())
	require.Equal(t, res.Status, again.Status)
}

func TestLocalRemovalWhileRegisteredNeedsModify(t *testing.T) {
	info := consumer.NewRegistrationInfo("portal", "")
	_, err := info.SetRegistrationPropertyValue(prop0, "v")
	require.NoError(t, err)
	_, err = info.SetRegistrationPropertyValue(extra, "x")
	require.NoError(t, err)
	_, err = info.Refresh(describing(true, prop0, extra), "producer", force)
	require.NoError(t, err)
	info.RegistrationSucceeded(wsrp.RegistrationContext{Handle: "h1"})
	require.False(t, info.IsModifyRegistrationNeeded())

	require.True(t, info.RemoveRegistrationProperty(extra))
	require.True(t, info.IsModifyRegistrationNeeded())
	require.True(t, info.IsModifiedSinceLastRefresh())

	info.ResetRegistration()
	require.False(t, info.IsRegistered())
	require.False(t, info.IsModifyRegistrationNeeded())
	require.Equal(t, consumer.StatusUncheckedValue, info.GetRegistrationProperty(prop0).Status())
}

func TestRegistrationData(t *testing.T) {
	info := consumer.NewRegistrationInfo("portal", "a.b.c")
	_, err := info.SetRegistrationPropertyValue(prop1, "w")
	require.NoError(t, err)
	_, err = info.SetRegistrationPropertyValue(prop0, "v")
	require.NoError(t, err)

	data := info.RegistrationData()
	require.Equal(t, "portal", data.ConsumerName)
	require.Equal(t, "a.b.c", data.ConsumerAgent)
	require.Equal(t, []wsrp.Property{{Name: prop0, Value: "v"}, {Name: prop1, Value: "w"}}, data.Properties)

	_, err = info.SetRegistrationPropertyValue(wsrp.QName{}, "x")
	require.Error(t, err)
	require.Error(t, info.SetPropertyStatus(extra, false, consumer.StatusValid))
	require.NoError(t, info.SetPropertyStatus(prop0, true, consumer.StatusInvalid))
	require.Equal(t, consumer.StatusInvalid, info.GetRegistrationProperty(prop0).Status())
}

func TestRecordRoundTrip(t *testing.T) {
	info := consumer.NewRegistrationInfo("portal", "a.b.c")
	_, err := info.SetRegistrationPropertyValue(prop0, "v")
	require.NoError(t, err)
	_, err = info.SetRegistrationPropertyValue(prop1, "")
	require.NoError(t, err)
	_, err = info.Refresh(describing(true, prop0, prop1), "producer", force)
	require.NoError(t, err)
	info.RegistrationSucceeded(wsrp.RegistrationContext{Handle: "h1", State: []byte("s")})

	rec := info.Record()
	require.Equal(t, "h1", rec.Handle)
	require.NotNil(t, rec.Required)
	require.Len(t, rec.Properties, 2)

	restored, err := consumer.RestoreRegistrationInfo(rec)
	require.NoError(t, err)
	require.Equal(t, "h1", restored.RegistrationHandle())
	require.Equal(t, consumer.StatusValid, restored.GetRegistrationProperty(prop0).Status())
	require.True(t, restored.IsRefreshNeeded())

	rec.Properties[0].Status = "bogus"
	_, err = consumer.RestoreRegistrationInfo(rec)
	require.Error(t, err)
}

func TestRecordKeepsModifyRequest(t *testing.T) {
	info := consumer.NewRegistrationInfo("portal", "a.b.c")
	_, err := info.SetRegistrationPropertyValue(prop0, "v")
	require.NoError(t, err)
	_, err = info.Refresh(describing(true, prop0), "producer", force)
	require.NoError(t, err)
	info.RegistrationSucceeded(wsrp.RegistrationContext{Handle: "h1"})
	info.RequireModifyRegistration()

	rec := info.Record()
	require.True(t, rec.ModifyRequired)
	require.Len(t, rec.Accepted, 1)

	restored, err := consumer.RestoreRegistrationInfo(rec)
	require.NoError(t, err)
	require.True(t, restored.ModifyRegistrationRequired())
	require.True(t, restored.IsModifyRegistrationNeeded())

	restored.RegistrationSucceeded(wsrp.RegistrationContext{Handle: "h1"})
	require.False(t, restored.IsModifyRegistrationNeeded())

	relabeled := describing(true, prop0)
	desc := relabeled.RegistrationPropertyDescriptions[prop0]
	desc.Label = "Prop 0"
	relabeled.RegistrationPropertyDescriptions[prop0] = desc
	res, err := restored.Refresh(relabeled, "producer", force)
	require.NoError(t, err)
	require.False(t, res.HasIssues())
	require.True(t, restored.IsModifyRegistrationNeeded())
}

func TestInvalidArgumentsAreTyped(t *testing.T) {
	info := consumer.NewRegistrationInfo("portal", "a.b.c")
	_, err := info.SetRegistrationPropertyValue(wsrp.QName{}, "v")
	require.ErrorIs(t, err, consumer.ErrInvalidArgument)
	_, err = info.Refresh(nil, "producer", force)
	require.ErrorIs(t, err, consumer.ErrInvalidArgument)
	require.ErrorIs(t, info.SetPropertyStatus(prop0, false, consumer.StatusValid), consumer.ErrInvalidArgument)
}
