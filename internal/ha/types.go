package ha

import (
	"encoding/json"
	"time"
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// ListRegistryRequest fetches one of the config registries
// (config/entity_registry/list and friends).
type ListRegistryRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// EntityRegistryEntry is one row of the entity registry.
type EntityRegistryEntry struct {
	EntityID            string `json:"entity_id"`
	DeviceID            string `json:"device_id,omitempty"`
	AreaID              string `json:"area_id,omitempty"`
	Name                string `json:"name,omitempty"`
	OriginalName        string `json:"original_name,omitempty"`
	DeviceClass         string `json:"device_class,omitempty"`
	OriginalDeviceClass string `json:"original_device_class,omitempty"`
	Platform            string `json:"platform,omitempty"`
}

// EffectiveDeviceClass returns the configured device class, falling back to
// the one the integration originally reported.
func (e *EntityRegistryEntry) EffectiveDeviceClass() string {
	if e.DeviceClass != "" {
		return e.DeviceClass
	}
	return e.OriginalDeviceClass
}

// DeviceRegistryEntry is one row of the device registry.
type DeviceRegistryEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	NameByUser   string `json:"name_by_user,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	AreaID       string `json:"area_id,omitempty"`
}

// DisplayName prefers the user-assigned name over the integration name.
func (d *DeviceRegistryEntry) DisplayName() string {
	if d.NameByUser != "" {
		return d.NameByUser
	}
	return d.Name
}

// AreaRegistryEntry is one row of the area registry.
type AreaRegistryEntry struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// StateChangeHandler is called when a state change event is received
type StateChangeHandler func(entityID string, oldState, newState *State)

// ConnectionHandler is called when the Home Assistant link comes up or drops
type ConnectionHandler func(connected bool)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}

// subscription implements Subscription interface
type subscription struct {
	entityID string
	subID    int
	client   *Client
}

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s.entityID, s.subID)
}
