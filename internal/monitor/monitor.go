// Package monitor ties the Home Assistant link to the battery store, query
// engine, subscription broker and notification gate. It owns ingestion policy:
// which entities are tracked, how state changes update them, and when a
// change produces an outbound notification.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vulcanbrownout/internal/battery"
	"vulcanbrownout/internal/broker"
	"vulcanbrownout/internal/clock"
	"vulcanbrownout/internal/config"
	"vulcanbrownout/internal/directory"
	"vulcanbrownout/internal/ha"
	"vulcanbrownout/internal/notify"
)

// Version reported in status events and the health endpoint.
const Version = "2.0.0"

// AffectedDevice describes a device whose status changed after a threshold
// update.
type AffectedDevice struct {
	EntityID  string         `json:"entity_id"`
	OldStatus battery.Status `json:"old_status"`
	NewStatus battery.Status `json:"new_status"`
}

// ThresholdResult is returned from SetThresholds and mirrored in the
// threshold_updated broadcast.
type ThresholdResult struct {
	GlobalThreshold int              `json:"global_threshold"`
	DeviceRules     map[string]int   `json:"device_rules"`
	AffectedDevices []AffectedDevice `json:"affected_devices"`
}

// Monitor orchestrates the battery tracking pipeline.
type Monitor struct {
	logger     *zap.Logger
	client     ha.HAClient
	clk        clock.Clock
	store      *battery.Store
	dir        *directory.Directory
	thresholds *battery.ThresholdConfig
	engine     *battery.Engine
	broker     *broker.Broker
	gate       *notify.Gate
	options    *config.Store

	mu         sync.Mutex
	lastStatus map[string]battery.Status
	stateSub   ha.Subscription
}

// New wires a monitor around the given HA client and options store.
func New(client ha.HAClient, options *config.Store, clk clock.Clock, logger *zap.Logger) *Monitor {
	store := battery.NewStore()
	dir := directory.New()
	thresholds := battery.NewThresholdConfig()

	return &Monitor{
		logger:     logger,
		client:     client,
		clk:        clk,
		store:      store,
		dir:        dir,
		thresholds: thresholds,
		engine:     battery.NewEngine(store, thresholds, dir, logger.Named("engine")),
		broker:     broker.New(logger.Named("broker")),
		gate:       notify.NewGate(logger.Named("notify"), clk),
		options:    options,
		lastStatus: make(map[string]battery.Status),
	}
}

// Broker exposes the subscription broker for the WebSocket server.
func (m *Monitor) Broker() *broker.Broker {
	return m.broker
}

// Start loads persisted options, connects to Home Assistant and performs the
// initial discovery scan.
func (m *Monitor) Start() error {
	opts, err := m.options.Load()
	if err != nil {
		return fmt.Errorf("failed to load options: %w", err)
	}
	m.thresholds.Prime(opts.GlobalThreshold, opts.DeviceRules)
	if err := m.gate.SetPreferences(opts.Notifications); err != nil {
		m.logger.Warn("Persisted notification preferences invalid, keeping defaults", zap.Error(err))
	}

	m.client.OnConnectionChange(m.handleConnectionChange)

	sub, err := m.client.SubscribeAllStateChanges(m.handleStateChanged)
	if err != nil {
		return fmt.Errorf("failed to subscribe to state changes: %w", err)
	}
	m.stateSub = sub

	if err := m.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Home Assistant: %w", err)
	}

	if err := m.refresh(); err != nil {
		return fmt.Errorf("initial discovery failed: %w", err)
	}

	m.logger.Info("Monitor started",
		zap.Int("devices", m.store.Len()),
		zap.Int("global_threshold", m.thresholds.Global()))
	return nil
}

// Stop disconnects from Home Assistant and drops all subscriptions.
func (m *Monitor) Stop() {
	if m.stateSub != nil {
		m.stateSub.Unsubscribe()
	}
	m.broker.Cleanup()
	if err := m.client.Disconnect(); err != nil {
		m.logger.Warn("Disconnect failed", zap.Error(err))
	}
	m.logger.Info("Monitor stopped")
}

// refresh reloads the registries and rescans all states for battery entities.
func (m *Monitor) refresh() error {
	if err := m.loadDirectory(); err != nil {
		return err
	}

	states, err := m.client.GetAllStates()
	if err != nil {
		return fmt.Errorf("failed to fetch states: %w", err)
	}

	admitted := 0
	for _, state := range states {
		if state == nil {
			continue
		}
		if m.admit(state) {
			admitted++
		}
	}

	m.logger.Info("Discovery scan complete",
		zap.Int("states", len(states)),
		zap.Int("admitted", admitted))
	return nil
}

// loadDirectory rebuilds the entity metadata directory from the entity,
// device and area registries.
func (m *Monitor) loadDirectory() error {
	entities, err := m.client.GetEntityRegistry()
	if err != nil {
		return fmt.Errorf("failed to fetch entity registry: %w", err)
	}
	devices, err := m.client.GetDeviceRegistry()
	if err != nil {
		return fmt.Errorf("failed to fetch device registry: %w", err)
	}
	areas, err := m.client.GetAreaRegistry()
	if err != nil {
		return fmt.Errorf("failed to fetch area registry: %w", err)
	}

	deviceByID := make(map[string]*ha.DeviceRegistryEntry, len(devices))
	for _, d := range devices {
		deviceByID[d.ID] = d
	}
	areaNames := make(map[string]string, len(areas))
	for _, a := range areas {
		areaNames[a.AreaID] = a.Name
	}

	infos := make(map[string]directory.Info, len(entities))
	for _, e := range entities {
		info := directory.Info{
			DisplayName: e.Name,
			DeviceClass: e.EffectiveDeviceClass(),
			AreaID:      e.AreaID,
		}
		if info.DisplayName == "" {
			info.DisplayName = e.OriginalName
		}

		if dev, ok := deviceByID[e.DeviceID]; ok {
			if info.DisplayName == "" {
				info.DisplayName = dev.DisplayName()
			}
			info.Manufacturer = dev.Manufacturer
			info.Model = dev.Model
			if info.AreaID == "" {
				info.AreaID = dev.AreaID
			}
		}
		info.AreaName = areaNames[info.AreaID]

		infos[e.EntityID] = info
	}

	m.dir.Replace(infos)
	m.logger.Debug("Directory rebuilt", zap.Int("entries", len(infos)))
	return nil
}

// admit tracks a state if it qualifies as a battery entity. Returns true
// when the entity was added or updated.
func (m *Monitor) admit(state *ha.State) bool {
	info, _ := m.dir.Resolve(state.EntityID)
	deviceClass := stringAttr(state.Attributes, "device_class")
	if deviceClass == "" {
		deviceClass = info.DeviceClass
	}

	if !battery.Qualifies(state.EntityID, deviceClass, state.State) {
		return false
	}

	rec := m.recordFromState(state, info, deviceClass)
	m.store.Upsert(rec)

	m.mu.Lock()
	m.lastStatus[rec.EntityID] = battery.Classify(&rec, m.thresholds.Effective(rec.EntityID))
	m.mu.Unlock()
	return true
}

func (m *Monitor) recordFromState(state *ha.State, info directory.Info, deviceClass string) battery.Record {
	level, ok := battery.ParseLevel(state.State)
	if !ok {
		level = -1
	}

	name := info.DisplayName
	if name == "" {
		name = stringAttr(state.Attributes, "friendly_name")
	}
	if name == "" {
		name = state.EntityID
	}

	return battery.Record{
		EntityID:     state.EntityID,
		RawState:     state.State,
		BatteryLevel: level,
		Available:    ok,
		DisplayName:  name,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		AreaID:       info.AreaID,
		AreaName:     info.AreaName,
		DeviceClass:  deviceClass,
		Attributes:   state.Attributes,
		LastChanged:  state.LastChanged,
		LastUpdated:  state.LastUpdated,
	}
}

// handleStateChanged is the single ingestion point for live state updates.
func (m *Monitor) handleStateChanged(entityID string, oldState, newState *ha.State) {
	if newState == nil {
		// Entity removed from Home Assistant
		if m.store.Has(entityID) {
			m.store.Remove(entityID)
			m.mu.Lock()
			delete(m.lastStatus, entityID)
			m.mu.Unlock()
			m.broker.BroadcastDeviceRemoved(entityID, map[string]interface{}{
				"entity_id": entityID,
			})
			m.logger.Info("Tracked device removed", zap.String("entity_id", entityID))
		}
		return
	}

	tracked := m.store.Has(entityID)

	if !tracked {
		// Unseen entity: admit only if it currently qualifies
		if m.admit(newState) {
			m.logger.Info("New battery device tracked", zap.String("entity_id", entityID))
			m.broadcastChange(entityID)
		}
		return
	}

	// Tracked entity: a sentinel or unparseable state flips it to
	// unavailable, it stays tracked
	if level, ok := battery.ParseLevel(newState.State); !ok {
		rec, found := m.store.Get(entityID)
		if !found {
			return
		}
		rec.MarkUnavailable(newState.State, newState.LastChanged, newState.LastUpdated)
		m.store.Upsert(rec)
	} else {
		rec, found := m.store.Get(entityID)
		if !found {
			return
		}
		rec.RawState = newState.State
		rec.BatteryLevel = level
		rec.Available = true
		if newState.Attributes != nil {
			rec.Attributes = newState.Attributes
		}
		rec.LastChanged = newState.LastChanged
		rec.LastUpdated = newState.LastUpdated
		m.store.Upsert(rec)
	}

	m.broadcastChange(entityID)
}

// broadcastChange emits a device_changed event and runs the notification
// pipeline for a status transition.
func (m *Monitor) broadcastChange(entityID string) {
	device, ok := m.engine.Snapshot(entityID)
	if !ok {
		return
	}

	m.broker.BroadcastDeviceChanged(entityID, deviceChangedData(&device))

	m.mu.Lock()
	prev := m.lastStatus[entityID]
	m.lastStatus[entityID] = device.Status
	m.mu.Unlock()

	if prev == device.Status {
		return
	}
	m.maybeNotify(&device)
}

// maybeNotify sends a persistent notification when the gate allows it.
func (m *Monitor) maybeNotify(device *battery.Device) {
	if device.Status != battery.StatusCritical && device.Status != battery.StatusWarning {
		return
	}
	if !m.gate.ShouldNotify(device.EntityID, device.Status) {
		return
	}

	message := fmt.Sprintf("%s battery %s (%.0f%%) — action needed soon",
		device.DisplayName, device.Status, device.BatteryLevel)
	notificationID := fmt.Sprintf("vulcan_brownout.%s.%s", device.EntityID, device.Status)

	err := m.client.CallService("persistent_notification", "create", map[string]interface{}{
		"title":           "🔋 Battery Low",
		"message":         message,
		"notification_id": notificationID,
	})
	if err != nil {
		m.logger.Error("Failed to send notification",
			zap.String("entity_id", device.EntityID),
			zap.Error(err))
		return
	}

	rec := notify.Record{
		Timestamp:      m.clk.Now().Format(time.RFC3339Nano),
		EntityID:       device.EntityID,
		DeviceName:     device.DisplayName,
		BatteryLevel:   device.BatteryLevel,
		Status:         device.Status,
		Message:        message,
		NotificationID: notificationID,
	}
	m.gate.RecordSent(rec)

	m.broker.BroadcastNotificationSent(map[string]interface{}{
		"timestamp":       rec.Timestamp,
		"entity_id":       rec.EntityID,
		"device_name":     rec.DeviceName,
		"battery_level":   rec.BatteryLevel,
		"status":          rec.Status,
		"message":         rec.Message,
		"notification_id": rec.NotificationID,
	})

	m.logger.Info("Notification sent",
		zap.String("entity_id", device.EntityID),
		zap.String("status", string(device.Status)))
}

// handleConnectionChange broadcasts a status event whenever the HA link
// comes up or drops, and rescans after a reconnect.
func (m *Monitor) handleConnectionChange(connected bool) {
	status := "disconnected"
	if connected {
		status = "connected"
		if err := m.refresh(); err != nil {
			m.logger.Error("Rescan after reconnect failed", zap.Error(err))
		}
	}

	m.broker.BroadcastStatus(m.statusData(status))
}

func (m *Monitor) statusData(status string) map[string]interface{} {
	return map[string]interface{}{
		"status":          status,
		"version":         Version,
		"threshold":       m.thresholds.Global(),
		"threshold_rules": m.thresholds.Rules(),
		"device_statuses": m.engine.StatusCounts(),
	}
}

// QueryDevices runs a paginated device query.
func (m *Monitor) QueryDevices(p battery.QueryParams) (*battery.Page, error) {
	return m.engine.QueryDevices(p)
}

// FilterOptions returns the distinct facet values across tracked devices.
func (m *Monitor) FilterOptions() *battery.FilterOptions {
	return m.engine.FilterOptions()
}

// StatusCounts tallies tracked devices per status.
func (m *Monitor) StatusCounts() map[battery.Status]int {
	return m.engine.StatusCounts()
}

// Subscribe registers a delivery channel watching every currently tracked
// device.
func (m *Monitor) Subscribe(ch broker.Channel) (string, error) {
	return m.broker.Subscribe(ch, m.store.EntityIDs())
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (m *Monitor) Unsubscribe(subscriptionID string) {
	m.broker.Unsubscribe(subscriptionID)
}

// SetThresholds validates and applies a threshold update, persists it, and
// broadcasts the devices whose status changed.
func (m *Monitor) SetThresholds(global *int, rules map[string]int) (*ThresholdResult, error) {
	before := m.snapshotStatuses()

	if err := m.thresholds.Set(global, rules, m.store.Has); err != nil {
		return nil, err
	}

	after := m.snapshotStatuses()
	affected := make([]AffectedDevice, 0)
	for entityID, newStatus := range after {
		if oldStatus, ok := before[entityID]; ok && oldStatus != newStatus {
			affected = append(affected, AffectedDevice{
				EntityID:  entityID,
				OldStatus: oldStatus,
				NewStatus: newStatus,
			})
		}
	}

	m.mu.Lock()
	for entityID, status := range after {
		m.lastStatus[entityID] = status
	}
	m.mu.Unlock()

	if err := m.persistOptions(); err != nil {
		m.logger.Error("Failed to persist threshold update", zap.Error(err))
	}

	result := &ThresholdResult{
		GlobalThreshold: m.thresholds.Global(),
		DeviceRules:     m.thresholds.Rules(),
		AffectedDevices: affected,
	}

	m.broker.BroadcastThresholdUpdated(map[string]interface{}{
		"global_threshold": result.GlobalThreshold,
		"device_rules":     result.DeviceRules,
		"affected_devices": result.AffectedDevices,
	})

	m.logger.Info("Thresholds updated",
		zap.Int("global_threshold", result.GlobalThreshold),
		zap.Int("device_rules", len(result.DeviceRules)),
		zap.Int("affected_devices", len(affected)))
	return result, nil
}

// NotificationPreferences returns preferences plus recent history.
func (m *Monitor) NotificationPreferences() notify.PreferencesWithHistory {
	return m.gate.Preferences()
}

// SetNotificationPreferences validates, applies and persists new preferences.
func (m *Monitor) SetNotificationPreferences(p notify.Preferences) error {
	if err := m.gate.SetPreferences(p); err != nil {
		return err
	}
	if err := m.persistOptions(); err != nil {
		m.logger.Error("Failed to persist notification preferences", zap.Error(err))
	}
	return nil
}

// Health reports liveness data for the HTTP health endpoint.
func (m *Monitor) Health() map[string]interface{} {
	return map[string]interface{}{
		"status":        "ok",
		"version":       Version,
		"ha_connected":  m.client.IsConnected(),
		"devices":       m.store.Len(),
		"subscriptions": m.broker.Count(),
	}
}

func (m *Monitor) snapshotStatuses() map[string]battery.Status {
	statuses := make(map[string]battery.Status)
	for _, r := range m.store.All() {
		statuses[r.EntityID] = battery.Classify(&r, m.thresholds.Effective(r.EntityID))
	}
	return statuses
}

func (m *Monitor) persistOptions() error {
	return m.options.Save(config.Options{
		GlobalThreshold: m.thresholds.Global(),
		DeviceRules:     m.thresholds.Rules(),
		Notifications:   m.gate.Preferences().Preferences,
	})
}

func deviceChangedData(d *battery.Device) map[string]interface{} {
	return map[string]interface{}{
		"entity_id":     d.EntityID,
		"battery_level": d.BatteryLevel,
		"available":     d.Available,
		"status":        d.Status,
		"last_changed":  d.LastChanged,
		"last_updated":  d.LastUpdated,
		"attributes":    d.Attributes,
	}
}

func stringAttr(attrs map[string]interface{}, key string) string {
	if attrs == nil {
		return ""
	}
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}
