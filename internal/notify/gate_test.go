package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vulcanbrownout/internal/battery"
	"vulcanbrownout/internal/clock"
)

func newTestGate(t *testing.T) (*Gate, *clock.MockClock) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewGate(logger, clk), clk
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func TestGate_Defaults(t *testing.T) {
	g, _ := newTestGate(t)

	prefs := g.Preferences()
	assert.True(t, prefs.Enabled)
	assert.Equal(t, DefaultFrequencyCapHours, prefs.FrequencyCapHours)
	assert.Equal(t, SeverityCriticalOnly, prefs.SeverityFilter)
	assert.Empty(t, prefs.History)
}

func TestGate_GlobalDisable(t *testing.T) {
	g, _ := newTestGate(t)

	prefs := DefaultPreferences()
	prefs.Enabled = false
	require.NoError(t, g.SetPreferences(prefs))

	assert.False(t, g.ShouldNotify("sensor.lock_battery", battery.StatusCritical))
}

func TestGate_PerDeviceDisable(t *testing.T) {
	g, _ := newTestGate(t)

	prefs := DefaultPreferences()
	prefs.PerDevice = map[string]DevicePreference{
		"sensor.muted_battery": {Enabled: boolPtr(false)},
	}
	require.NoError(t, g.SetPreferences(prefs))

	assert.False(t, g.ShouldNotify("sensor.muted_battery", battery.StatusCritical))
	assert.True(t, g.ShouldNotify("sensor.other_battery", battery.StatusCritical))
}

func TestGate_SeverityFilter(t *testing.T) {
	g, _ := newTestGate(t)

	t.Run("critical_only blocks warning", func(t *testing.T) {
		assert.True(t, g.ShouldNotify("sensor.a_battery", battery.StatusCritical))
		assert.False(t, g.ShouldNotify("sensor.a_battery", battery.StatusWarning))
	})

	t.Run("critical_and_warning admits both", func(t *testing.T) {
		prefs := DefaultPreferences()
		prefs.SeverityFilter = SeverityCriticalAndWarning
		require.NoError(t, g.SetPreferences(prefs))

		assert.True(t, g.ShouldNotify("sensor.a_battery", battery.StatusCritical))
		assert.True(t, g.ShouldNotify("sensor.a_battery", battery.StatusWarning))
	})

	t.Run("healthy and unavailable never notify", func(t *testing.T) {
		prefs := DefaultPreferences()
		prefs.SeverityFilter = SeverityAll
		require.NoError(t, g.SetPreferences(prefs))

		assert.False(t, g.ShouldNotify("sensor.a_battery", battery.StatusHealthy))
		assert.False(t, g.ShouldNotify("sensor.a_battery", battery.StatusUnavailable))
	})
}

func TestGate_FrequencyCap(t *testing.T) {
	g, clk := newTestGate(t)

	require.True(t, g.ShouldNotify("sensor.lock_battery", battery.StatusCritical))
	g.RecordSent(Record{EntityID: "sensor.lock_battery", Status: battery.StatusCritical})

	// Within the default 6h window
	clk.Advance(5 * time.Hour)
	assert.False(t, g.ShouldNotify("sensor.lock_battery", battery.StatusCritical))

	// Other devices are unaffected
	assert.True(t, g.ShouldNotify("sensor.other_battery", battery.StatusCritical))

	// Past the window
	clk.Advance(2 * time.Hour)
	assert.True(t, g.ShouldNotify("sensor.lock_battery", battery.StatusCritical))
}

func TestGate_PerDeviceFrequencyCap(t *testing.T) {
	g, clk := newTestGate(t)

	prefs := DefaultPreferences()
	prefs.PerDevice = map[string]DevicePreference{
		"sensor.chatty_battery": {FrequencyCapHours: intPtr(1)},
	}
	require.NoError(t, g.SetPreferences(prefs))

	g.RecordSent(Record{EntityID: "sensor.chatty_battery"})
	g.RecordSent(Record{EntityID: "sensor.normal_battery"})

	clk.Advance(90 * time.Minute)
	assert.True(t, g.ShouldNotify("sensor.chatty_battery", battery.StatusCritical),
		"1h override expired")
	assert.False(t, g.ShouldNotify("sensor.normal_battery", battery.StatusCritical),
		"6h global cap still active")
}

func TestGate_CapsSurvivePreferenceUpdates(t *testing.T) {
	g, _ := newTestGate(t)

	g.RecordSent(Record{EntityID: "sensor.lock_battery"})
	require.NoError(t, g.SetPreferences(DefaultPreferences()))

	assert.False(t, g.ShouldNotify("sensor.lock_battery", battery.StatusCritical))

	g.ResetFrequencyCaps()
	assert.True(t, g.ShouldNotify("sensor.lock_battery", battery.StatusCritical))
}

func TestGate_HistoryRing(t *testing.T) {
	g, _ := newTestGate(t)

	for i := 0; i < HistoryMaxSize+5; i++ {
		g.RecordSent(Record{
			EntityID: fmt.Sprintf("sensor.dev%02d_battery", i),
			Message:  fmt.Sprintf("message %d", i),
		})
	}

	history := g.Preferences().History
	require.Len(t, history, HistoryMaxSize)
	// Oldest entries dropped, newest kept in order
	assert.Equal(t, "sensor.dev05_battery", history[0].EntityID)
	assert.Equal(t, "sensor.dev24_battery", history[len(history)-1].EntityID)
}

func TestValidatePreferences(t *testing.T) {
	t.Run("valid caps", func(t *testing.T) {
		for _, hours := range FrequencyCapOptions {
			p := DefaultPreferences()
			p.FrequencyCapHours = hours
			assert.NoError(t, Validate(p), "cap %d", hours)
		}
	})

	t.Run("invalid cap", func(t *testing.T) {
		p := DefaultPreferences()
		p.FrequencyCapHours = 3
		err := Validate(p)
		require.Error(t, err)
		var cmdErr *battery.Error
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, battery.ErrCodeInvalidPreferences, cmdErr.Code)
	})

	t.Run("invalid severity", func(t *testing.T) {
		p := DefaultPreferences()
		p.SeverityFilter = "loud"
		assert.Error(t, Validate(p))
	})

	t.Run("invalid per-device cap", func(t *testing.T) {
		p := DefaultPreferences()
		p.PerDevice = map[string]DevicePreference{
			"sensor.x_battery": {FrequencyCapHours: intPtr(7)},
		}
		assert.Error(t, Validate(p))
	})

	t.Run("rejected update leaves settings untouched", func(t *testing.T) {
		g, _ := newTestGate(t)
		p := DefaultPreferences()
		p.FrequencyCapHours = 99
		require.Error(t, g.SetPreferences(p))
		assert.Equal(t, DefaultFrequencyCapHours, g.Preferences().FrequencyCapHours)
	})
}
