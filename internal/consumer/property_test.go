package consumer_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"wsrpline/internal/consumer"
	"wsrpline/internal/wsrp"
)

type changeRecorder struct {
	calls [][2]string
}

func (r *changeRecorder) PropertyValueChanged(_ *consumer.RegistrationProperty, oldValue, newValue string) {
	r.calls = append(r.calls, [2]string{oldValue, newValue})
}

var allStatuses = []consumer.PropertyStatus{
	consumer.StatusUnset,
	consumer.StatusUncheckedValue,
	consumer.StatusValid,
	consumer.StatusMissing,
	consumer.StatusMissingValue,
	consumer.StatusInexistent,
	consumer.StatusInvalid,
}

var invalidReasons = []consumer.PropertyStatus{
	consumer.StatusUncheckedValue,
	consumer.StatusMissing,
	consumer.StatusMissingValue,
	consumer.StatusInexistent,
	consumer.StatusInvalid,
}

// drawValidated returns a property whose validation state was set at random.
func drawValidated(t *rapid.T, rec *changeRecorder) *consumer.RegistrationProperty {
	value := rapid.String().Draw(t, "value")
	p := consumer.NewRegistrationProperty(wsrp.NewQName("prop"), value, "en", rec)
	switch rapid.IntRange(0, 2).Draw(t, "state") {
	case 1:
		require.NoError(t, p.SetInvalid(false, rapid.SampledFrom(allStatuses).Draw(t, "anyStatus")))
	case 2:
		require.NoError(t, p.SetInvalid(true, rapid.SampledFrom(invalidReasons).Draw(t, "reason")))
	}
	return p
}

func TestSetSameValueIsNoop(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rec := &changeRecorder{}
		p := drawValidated(t, rec)
		invalid, checked := p.Invalid()
		status := p.Status()

		p.SetValue(p.Value())

		gotInvalid, gotChecked := p.Invalid()
		require.Equal(t, invalid, gotInvalid)
		require.Equal(t, checked, gotChecked)
		require.Equal(t, status, p.Status())
		require.Empty(t, rec.calls)
	})
}

func TestSetInvalidInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := drawValidated(t, &changeRecorder{})

		require.ErrorIs(t, p.SetInvalid(true, consumer.StatusValid), consumer.ErrInvalidArgument)
		require.ErrorIs(t, p.SetInvalid(true, consumer.StatusUnset), consumer.ErrInvalidArgument)

		require.NoError(t, p.SetInvalid(false, rapid.SampledFrom(allStatuses).Draw(t, "status")))
		invalid, checked := p.Invalid()
		require.True(t, checked)
		require.False(t, invalid)
		require.Equal(t, consumer.StatusValid, p.Status())
	})
}

func TestValueChangeResetsValidation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rec := &changeRecorder{}
		p := drawValidated(t, rec)
		old := p.Value()
		next := rapid.String().Filter(func(s string) bool { return s != old }).Draw(t, "next")

		p.SetValue(next)

		_, checked := p.Invalid()
		require.False(t, checked)
		require.Equal(t, consumer.StatusUncheckedValue, p.Status())
		require.Equal(t, [][2]string{{old, next}}, rec.calls)
	})
}

func TestPropertyStatusNames(t *testing.T) {
	for _, s := range allStatuses {
		parsed, err := consumer.ParsePropertyStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	_, err := consumer.ParsePropertyStatus("bogus")
	require.Error(t, err)
}
