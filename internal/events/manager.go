package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Manager handles event emission and logging
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus for direct subscriptions
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit emits an event with a raw map payload
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	m.bus.Emit(eventType, module, data)

	m.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Msg("Event emitted")
}

// EmitTyped emits an event with typed data
func (m *Manager) EmitTyped(module string, data EventData) {
	if data == nil {
		return
	}

	eventType := data.EventType()
	dataMap := convertEventDataToMap(data)

	m.bus.Emit(eventType, module, dataMap)

	m.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Msg("Event emitted")
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	m.EmitTyped(module, &ErrorEventData{
		Error:   err.Error(),
		Context: context,
	})
}

// convertEventDataToMap converts typed EventData to its JSON map shape
func convertEventDataToMap(data EventData) map[string]interface{} {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return nil
	}

	return result
}
