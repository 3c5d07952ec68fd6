package monitor

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vulcanbrownout/internal/battery"
	"vulcanbrownout/internal/broker"
	"vulcanbrownout/internal/clock"
	"vulcanbrownout/internal/config"
	"vulcanbrownout/internal/ha"
	"vulcanbrownout/internal/notify"
)

// captureChannel records broadcast events for assertions
type captureChannel struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	eventType string
	data      interface{}
}

func (c *captureChannel) Send(eventType string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{eventType, data})
	return nil
}

func (c *captureChannel) byType(eventType string) []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []capturedEvent
	for _, e := range c.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestMonitor(t *testing.T) (*Monitor, *ha.MockClient, *clock.MockClock) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	mock := ha.NewMockClient()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := config.NewStore(filepath.Join(t.TempDir(), "options.yaml"), logger)
	return New(mock, store, clk, logger), mock, clk
}

func seedStates(mock *ha.MockClient) {
	mock.SetRegistries(
		[]*ha.EntityRegistryEntry{
			{EntityID: "sensor.door_lock_battery", DeviceID: "dev-lock", OriginalDeviceClass: "battery"},
			{EntityID: "sensor.motion_battery", DeviceID: "dev-motion", OriginalDeviceClass: "battery"},
		},
		[]*ha.DeviceRegistryEntry{
			{ID: "dev-lock", Name: "Door Lock", Manufacturer: "Acme", Model: "L-100", AreaID: "hallway"},
			{ID: "dev-motion", Name: "Motion Sensor", Manufacturer: "Acme", Model: "M-2", AreaID: "garage"},
		},
		[]*ha.AreaRegistryEntry{
			{AreaID: "hallway", Name: "Hallway"},
			{AreaID: "garage", Name: "Garage"},
		},
	)

	battAttrs := map[string]interface{}{"device_class": "battery"}
	mock.SetState("sensor.door_lock_battery", "85", battAttrs)
	mock.SetState("sensor.motion_battery", "12", battAttrs)
	// Non-battery entities must be ignored
	mock.SetState("light.kitchen", "on", nil)
	mock.SetState("binary_sensor.window_battery", "on", battAttrs)
}

func TestMonitor_DiscoveryAdmission(t *testing.T) {
	m, mock, _ := newTestMonitor(t)
	seedStates(mock)

	require.NoError(t, m.Start())
	defer m.Stop()

	page, err := m.QueryDevices(battery.QueryParams{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	ids := make([]string, 0, len(page.Items))
	for _, d := range page.Items {
		ids = append(ids, d.EntityID)
	}
	assert.Contains(t, ids, "sensor.door_lock_battery")
	assert.Contains(t, ids, "sensor.motion_battery")
	assert.NotContains(t, ids, "light.kitchen")
	assert.NotContains(t, ids, "binary_sensor.window_battery")
}

func TestMonitor_DirectoryEnrichment(t *testing.T) {
	m, mock, _ := newTestMonitor(t)
	seedStates(mock)

	require.NoError(t, m.Start())
	defer m.Stop()

	page, err := m.QueryDevices(battery.QueryParams{Limit: 50, SortKey: "alphabetical"})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	lock := page.Items[0]
	assert.Equal(t, "Door Lock", lock.DisplayName)
	assert.Equal(t, "Acme", lock.Manufacturer)
	assert.Equal(t, "L-100", lock.Model)
	assert.Equal(t, "hallway", lock.AreaID)
	assert.Equal(t, "Hallway", lock.AreaName)
}

func TestMonitor_StateChangeBroadcast(t *testing.T) {
	m, mock, _ := newTestMonitor(t)
	seedStates(mock)
	require.NoError(t, m.Start())
	defer m.Stop()

	ch := &captureChannel{}
	_, err := m.Subscribe(ch)
	require.NoError(t, err)

	mock.SetState("sensor.door_lock_battery", "60", map[string]interface{}{"device_class": "battery"})

	changed := ch.byType(broker.EventDeviceChanged)
	require.Len(t, changed, 1)
	data := changed[0].data.(map[string]interface{})
	assert.Equal(t, "sensor.door_lock_battery", data["entity_id"])
	assert.Equal(t, 60.0, data["battery_level"])
	assert.Equal(t, battery.StatusHealthy, data["status"])
}

func TestMonitor_EntityRemoval(t *testing.T) {
	m, mock, _ := newTestMonitor(t)
	seedStates(mock)
	require.NoError(t, m.Start())
	defer m.Stop()

	ch := &captureChannel{}
	_, err := m.Subscribe(ch)
	require.NoError(t, err)

	mock.RemoveEntity("sensor.motion_battery")

	removed := ch.byType(broker.EventDeviceRemoved)
	require.Len(t, removed, 1)
	data := removed[0].data.(map[string]interface{})
	assert.Equal(t, "sensor.motion_battery", data["entity_id"])

	page, err := m.QueryDevices(battery.QueryParams{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestMonitor_StickyUnavailable(t *testing.T) {
	m, mock, _ := newTestMonitor(t)
	seedStates(mock)
	require.NoError(t, m.Start())
	defer m.Stop()

	mock.SetState("sensor.door_lock_battery", "unavailable", map[string]interface{}{"device_class": "battery"})

	page, err := m.QueryDevices(battery.QueryParams{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total, "entity stays tracked through unavailable")

	var lock *battery.Device
	for i := range page.Items {
		if page.Items[i].EntityID == "sensor.door_lock_battery" {
			lock = &page.Items[i]
		}
	}
	require.NotNil(t, lock)
	assert.False(t, lock.Available)
	assert.Equal(t, battery.StatusUnavailable, lock.Status)

	// Recovers when a numeric state comes back
	mock.SetState("sensor.door_lock_battery", "80", map[string]interface{}{"device_class": "battery"})
	page, err = m.QueryDevices(battery.QueryParams{Limit: 50})
	require.NoError(t, err)
	for _, d := range page.Items {
		if d.EntityID == "sensor.door_lock_battery" {
			assert.True(t, d.Available)
			assert.Equal(t, 80.0, d.BatteryLevel)
		}
	}
}

func TestMonitor_SetThresholds(t *testing.T) {
	m, mock, _ := newTestMonitor(t)
	seedStates(mock)
	require.NoError(t, m.Start())
	defer m.Stop()

	ch := &captureChannel{}
	_, err := m.Subscribe(ch)
	require.NoError(t, err)

	// Lowering the global threshold below the motion sensor's level moves
	// it from critical into the warning band
	global := 5
	result, err := m.SetThresholds(&global, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, result.GlobalThreshold)
	require.Len(t, result.AffectedDevices, 1)
	assert.Equal(t, "sensor.motion_battery", result.AffectedDevices[0].EntityID)
	assert.Equal(t, battery.StatusCritical, result.AffectedDevices[0].OldStatus)
	assert.Equal(t, battery.StatusWarning, result.AffectedDevices[0].NewStatus)

	assert.Len(t, ch.byType(broker.EventThresholdUpdated), 1)

	t.Run("invalid threshold rejected atomically", func(t *testing.T) {
		bad := 3
		_, err := m.SetThresholds(&bad, nil)
		require.Error(t, err)
		var batErr *battery.Error
		require.ErrorAs(t, err, &batErr)
		assert.Equal(t, battery.ErrCodeInvalidThreshold, batErr.Code)
		// Previous value still in force
		assert.Equal(t, 5, m.thresholds.Global())
	})

	t.Run("unknown device rule rejected", func(t *testing.T) {
		_, err := m.SetThresholds(nil, map[string]int{"sensor.nope_battery": 50})
		require.Error(t, err)
		var batErr *battery.Error
		require.ErrorAs(t, err, &batErr)
		assert.Equal(t, battery.ErrCodeInvalidDeviceRule, batErr.Code)
	})
}

func TestMonitor_NotificationPipeline(t *testing.T) {
	m, mock, clk := newTestMonitor(t)
	seedStates(mock)
	require.NoError(t, m.Start())
	defer m.Stop()

	ch := &captureChannel{}
	_, err := m.Subscribe(ch)
	require.NoError(t, err)
	mock.ClearServiceCalls()

	// Drop the door lock into critical
	mock.SetState("sensor.door_lock_battery", "4", map[string]interface{}{"device_class": "battery"})

	calls := mock.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "persistent_notification", calls[0].Domain)
	assert.Equal(t, "create", calls[0].Service)
	assert.Contains(t, calls[0].Data["message"], "Door Lock battery critical (4%)")
	assert.Equal(t, "vulcan_brownout.sensor.door_lock_battery.critical", calls[0].Data["notification_id"])

	sent := ch.byType(broker.EventNotificationSent)
	require.Len(t, sent, 1)

	history := m.NotificationPreferences().History
	require.Len(t, history, 1)
	assert.Equal(t, "sensor.door_lock_battery", history[0].EntityID)

	t.Run("frequency cap suppresses repeats", func(t *testing.T) {
		mock.ClearServiceCalls()
		// Bounce out and back into critical within the cap window
		mock.SetState("sensor.door_lock_battery", "50", map[string]interface{}{"device_class": "battery"})
		mock.SetState("sensor.door_lock_battery", "3", map[string]interface{}{"device_class": "battery"})
		assert.Empty(t, mock.GetServiceCalls())

		// After the cap expires the next transition notifies again
		clk.Advance(7 * time.Hour)
		mock.SetState("sensor.door_lock_battery", "50", map[string]interface{}{"device_class": "battery"})
		mock.SetState("sensor.door_lock_battery", "2", map[string]interface{}{"device_class": "battery"})
		assert.Len(t, mock.GetServiceCalls(), 1)
	})

	t.Run("severity filter blocks warnings by default", func(t *testing.T) {
		mock.ClearServiceCalls()
		mock.SetState("sensor.motion_battery", "90", map[string]interface{}{"device_class": "battery"})
		mock.SetState("sensor.motion_battery", "20", map[string]interface{}{"device_class": "battery"})
		assert.Empty(t, mock.GetServiceCalls())
	})
}

func TestMonitor_PreferencesPersistence(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := filepath.Join(t.TempDir(), "options.yaml")
	store := config.NewStore(path, logger)

	mock := ha.NewMockClient()
	seedStates(mock)
	clk := clock.NewMockClock(time.Now())

	m := New(mock, store, clk, logger)
	require.NoError(t, m.Start())

	prefs := notify.DefaultPreferences()
	prefs.SeverityFilter = notify.SeverityAll
	require.NoError(t, m.SetNotificationPreferences(prefs))

	global := 40
	_, err := m.SetThresholds(&global, nil)
	require.NoError(t, err)
	m.Stop()

	// A fresh monitor over the same options file picks up the saved values
	mock2 := ha.NewMockClient()
	seedStates(mock2)
	m2 := New(mock2, store, clk, logger)
	require.NoError(t, m2.Start())
	defer m2.Stop()

	assert.Equal(t, notify.SeverityAll, m2.NotificationPreferences().SeverityFilter)
	counts := m2.StatusCounts()
	// Both seeded devices sit at or below 40 now
	assert.Equal(t, 1, counts[battery.StatusCritical])
}

func TestMonitor_Health(t *testing.T) {
	m, mock, _ := newTestMonitor(t)
	seedStates(mock)
	require.NoError(t, m.Start())
	defer m.Stop()

	health := m.Health()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, Version, health["version"])
	assert.Equal(t, true, health["ha_connected"])
	assert.Equal(t, 2, health["devices"])
}
