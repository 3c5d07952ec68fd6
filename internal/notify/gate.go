// Package notify decides whether a battery status change may produce a user
// notification. Four independent gates apply in order: global enablement,
// per-device enablement, severity filter, and a per-device frequency cap.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"vulcanbrownout/internal/battery"
	"vulcanbrownout/internal/clock"
)

// Severity filter values.
const (
	SeverityAll                = "all"
	SeverityCriticalOnly       = "critical_only"
	SeverityCriticalAndWarning = "critical_and_warning"
)

// FrequencyCapOptions are the allowed frequency caps, in hours.
var FrequencyCapOptions = []int{1, 2, 6, 12, 24}

// Defaults applied when no preferences have been stored yet.
const (
	DefaultFrequencyCapHours = 6
	DefaultSeverityFilter    = SeverityCriticalOnly
)

// HistoryMaxSize bounds the sent-notification history ring.
const HistoryMaxSize = 20

// DevicePreference overrides the global settings for one entity. Nil fields
// inherit the global value.
type DevicePreference struct {
	Enabled           *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	FrequencyCapHours *int  `json:"frequency_cap_hours,omitempty" yaml:"frequency_cap_hours,omitempty"`
}

// Preferences are the user-facing notification settings.
type Preferences struct {
	Enabled           bool                        `json:"enabled" yaml:"enabled"`
	FrequencyCapHours int                         `json:"frequency_cap_hours" yaml:"frequency_cap_hours"`
	SeverityFilter    string                      `json:"severity_filter" yaml:"severity_filter"`
	PerDevice         map[string]DevicePreference `json:"per_device" yaml:"per_device,omitempty"`
}

// DefaultPreferences returns the settings used before any are stored.
func DefaultPreferences() Preferences {
	return Preferences{
		Enabled:           true,
		FrequencyCapHours: DefaultFrequencyCapHours,
		SeverityFilter:    DefaultSeverityFilter,
		PerDevice:         make(map[string]DevicePreference),
	}
}

// Record is one entry in the sent-notification history.
type Record struct {
	Timestamp      string         `json:"timestamp"`
	EntityID       string         `json:"entity_id"`
	DeviceName     string         `json:"device_name"`
	BatteryLevel   float64        `json:"battery_level"`
	Status         battery.Status `json:"status"`
	Message        string         `json:"message"`
	NotificationID string         `json:"notification_id"`
}

// PreferencesWithHistory is the get_notification_preferences response shape.
type PreferencesWithHistory struct {
	Preferences
	History []Record `json:"notification_history"`
}

// Gate applies the notification policy. It never delivers anything itself;
// callers check ShouldNotify, perform the send, then call RecordSent.
type Gate struct {
	mu       sync.Mutex
	logger   *zap.Logger
	clk      clock.Clock
	prefs    Preferences
	history  []Record
	lastSent map[string]time.Time
}

// NewGate creates a gate with default preferences.
func NewGate(logger *zap.Logger, clk clock.Clock) *Gate {
	return &Gate{
		logger:   logger,
		clk:      clk,
		prefs:    DefaultPreferences(),
		lastSent: make(map[string]time.Time),
	}
}

// ShouldNotify reports whether a notification for entityID at the given
// status passes all four gates, short-circuiting at the first failure.
func (g *Gate) ShouldNotify(entityID string, status battery.Status) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.prefs.Enabled {
		g.logger.Debug("Notifications globally disabled", zap.String("entity_id", entityID))
		return false
	}

	devicePref := g.prefs.PerDevice[entityID]
	if devicePref.Enabled != nil && !*devicePref.Enabled {
		g.logger.Debug("Notifications disabled for device", zap.String("entity_id", entityID))
		return false
	}

	if !g.passesSeverity(status) {
		g.logger.Debug("Status filtered by severity",
			zap.String("entity_id", entityID),
			zap.String("status", string(status)))
		return false
	}

	capHours := g.prefs.FrequencyCapHours
	if devicePref.FrequencyCapHours != nil {
		capHours = *devicePref.FrequencyCapHours
	}
	if last, ok := g.lastSent[entityID]; ok {
		if g.clk.Since(last) < time.Duration(capHours)*time.Hour {
			g.logger.Debug("Within frequency cap window",
				zap.String("entity_id", entityID),
				zap.Int("cap_hours", capHours))
			return false
		}
	}

	return true
}

func (g *Gate) passesSeverity(status battery.Status) bool {
	switch status {
	case battery.StatusCritical:
		return true
	case battery.StatusWarning:
		return g.prefs.SeverityFilter != SeverityCriticalOnly
	default:
		return false
	}
}

// RecordSent stamps the frequency-cap timer for rec's entity and appends rec
// to the bounded history ring. Call only after an actual send.
func (g *Gate) RecordSent(rec Record) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastSent[rec.EntityID] = g.clk.Now()
	g.history = append(g.history, rec)
	if len(g.history) > HistoryMaxSize {
		g.history = g.history[len(g.history)-HistoryMaxSize:]
	}
}

// Preferences returns the current settings plus the notification history.
func (g *Gate) Preferences() PreferencesWithHistory {
	g.mu.Lock()
	defer g.mu.Unlock()

	prefs := g.prefs
	prefs.PerDevice = make(map[string]DevicePreference, len(g.prefs.PerDevice))
	for id, p := range g.prefs.PerDevice {
		prefs.PerDevice[id] = p
	}
	history := make([]Record, len(g.history))
	copy(history, g.history)

	return PreferencesWithHistory{Preferences: prefs, History: history}
}

// SetPreferences validates and replaces the settings. Frequency-cap timers
// deliberately survive a preferences update; use ResetFrequencyCaps to clear
// them.
func (g *Gate) SetPreferences(p Preferences) error {
	if err := Validate(p); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if p.PerDevice == nil {
		p.PerDevice = make(map[string]DevicePreference)
	}
	g.prefs = p
	g.logger.Info("Notification preferences updated",
		zap.Bool("enabled", p.Enabled),
		zap.Int("frequency_cap_hours", p.FrequencyCapHours),
		zap.String("severity_filter", p.SeverityFilter))
	return nil
}

// Validate checks a preferences value against the fixed enumerations.
func Validate(p Preferences) error {
	if !validCap(p.FrequencyCapHours) {
		return battery.NewError(battery.ErrCodeInvalidPreferences,
			"invalid frequency_cap_hours %d, must be one of %v", p.FrequencyCapHours, FrequencyCapOptions)
	}
	switch p.SeverityFilter {
	case SeverityAll, SeverityCriticalOnly, SeverityCriticalAndWarning:
	default:
		return battery.NewError(battery.ErrCodeInvalidPreferences,
			"invalid severity_filter %q", p.SeverityFilter)
	}
	for id, devicePref := range p.PerDevice {
		if devicePref.FrequencyCapHours != nil && !validCap(*devicePref.FrequencyCapHours) {
			return battery.NewError(battery.ErrCodeInvalidPreferences,
				"invalid frequency_cap_hours %d for %s", *devicePref.FrequencyCapHours, id)
		}
	}
	return nil
}

func validCap(hours int) bool {
	for _, option := range FrequencyCapOptions {
		if hours == option {
			return true
		}
	}
	return false
}

// ResetFrequencyCaps clears every frequency-cap timer.
func (g *Gate) ResetFrequencyCaps() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastSent = make(map[string]time.Time)
	g.logger.Debug("Notification frequency caps reset")
}
