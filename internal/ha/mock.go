package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	entities     []*EntityRegistryEntry
	devices      []*DeviceRegistryEntry
	areas        []*AreaRegistryEntry
	registryMu   sync.RWMutex
	subscribers  map[string][]subscriberEntry
	subsMu       sync.RWMutex
	nextSubID    int
	nextSubIDMu  sync.Mutex
	connected    bool
	connMu       sync.RWMutex
	connHandler  ConnectionHandler
	handlerMu    sync.Mutex
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
}

func (m *MockClient) clearSubscribers() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.subscribers = make(map[string][]subscriberEntry)
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// mockSubscription implements Subscription interface for MockClient
type mockSubscription struct {
	entityID string
	subID    int
	mock     *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	return s.mock.unsubscribe(s.entityID, s.subID)
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		subscribers:  make(map[string][]subscriberEntry),
		serviceCalls: make([]ServiceCall, 0),
		connected:    false,
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()

	if m.connected {
		m.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	m.connected = true
	m.connMu.Unlock()

	m.notifyConnectionChange(true)
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.connMu.Unlock()

	m.clearSubscribers()

	if wasConnected {
		m.notifyConnectionChange(false)
	}
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// OnConnectionChange registers a connection handler
func (m *MockClient) OnConnectionChange(handler ConnectionHandler) {
	m.handlerMu.Lock()
	m.connHandler = handler
	m.handlerMu.Unlock()
}

func (m *MockClient) notifyConnectionChange(connected bool) {
	m.handlerMu.Lock()
	handler := m.connHandler
	m.handlerMu.Unlock()

	if handler != nil {
		handler(connected)
	}
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// GetEntityRegistry returns the mock entity registry
func (m *MockClient) GetEntityRegistry() ([]*EntityRegistryEntry, error) {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	entries := make([]*EntityRegistryEntry, len(m.entities))
	copy(entries, m.entities)
	return entries, nil
}

// GetDeviceRegistry returns the mock device registry
func (m *MockClient) GetDeviceRegistry() ([]*DeviceRegistryEntry, error) {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	entries := make([]*DeviceRegistryEntry, len(m.devices))
	copy(entries, m.devices)
	return entries, nil
}

// GetAreaRegistry returns the mock area registry
func (m *MockClient) GetAreaRegistry() ([]*AreaRegistryEntry, error) {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	entries := make([]*AreaRegistryEntry, len(m.areas))
	copy(entries, m.areas)
	return entries, nil
}

// SetRegistries replaces the mock registries (for testing)
func (m *MockClient) SetRegistries(entities []*EntityRegistryEntry, devices []*DeviceRegistryEntry, areas []*AreaRegistryEntry) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()

	m.entities = entities
	m.devices = devices
	m.areas = areas
}

// CallService records a service call
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	return nil
}

// SubscribeStateChanges subscribes to state changes for one entity
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	return m.addSubscriber(entityID, handler)
}

// SubscribeAllStateChanges subscribes to state changes for every entity
func (m *MockClient) SubscribeAllStateChanges(handler StateChangeHandler) (Subscription, error) {
	return m.addSubscriber(allEntities, handler)
}

func (m *MockClient) addSubscriber(entityID string, handler StateChangeHandler) (Subscription, error) {
	// Get unique subscription ID
	m.nextSubIDMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.nextSubIDMu.Unlock()

	// Add subscriber entry
	m.subsMu.Lock()
	m.subscribers[entityID] = append(m.subscribers[entityID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockSubscription{
		entityID: entityID,
		subID:    subID,
		mock:     m,
	}, nil
}

// unsubscribe removes a specific subscription by entity ID and subscription ID
func (m *MockClient) unsubscribe(entityID string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subscribers, ok := m.subscribers[entityID]
	if !ok {
		return nil // Already unsubscribed
	}

	// Find and remove the subscription with matching subID
	for i, entry := range subscribers {
		if entry.subID == subID {
			// Remove this entry by slicing
			m.subscribers[entityID] = append(subscribers[:i], subscribers[i+1:]...)

			// If no more subscribers for this entity, delete the entry
			if len(m.subscribers[entityID]) == 0 {
				delete(m.subscribers, entityID)
			}
			break
		}
	}

	return nil
}

// SetState sets a mock state and notifies subscribers (for testing)
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()

	now := time.Now()
	oldState := m.states[entityID]

	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()

	// Notify subscribers
	m.notifySubscribers(entityID, oldState, newState)
}

// RemoveEntity deletes a mock state and notifies subscribers with a nil
// new state, matching how Home Assistant announces entity removal.
func (m *MockClient) RemoveEntity(entityID string) {
	m.statesMu.Lock()
	oldState, ok := m.states[entityID]
	delete(m.states, entityID)
	m.statesMu.Unlock()

	if !ok {
		return
	}

	m.notifySubscribers(entityID, oldState, nil)
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

// notifySubscribers notifies all subscribers of a state change
func (m *MockClient) notifySubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[entityID]...)
	entries = append(entries, m.subscribers[allEntities]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}
