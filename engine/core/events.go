package core

import "sync"

type EventContext struct {
	Data struct {
		U32 [4]uint32
		F32 [4]float32
		C   [4]string
	}
}

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// Resized/resolution changed from the OS.
	/* Context usage:
	 * u32 width = data.Data.U32[0];
	 * u32 height = data.Data.U32[1];
	 */
	EVENT_CODE_RESIZED SystemEventCode = 0x08

	// A watched shader source changed on disk.
	/* Context usage:
	 * string path = data.Data.C[0];
	 */
	EVENT_CODE_SHADER_SOURCE_CHANGED SystemEventCode = 0x09

	// An irradiance preprocess request was resolved.
	/* Context usage:
	 * string request id = data.Data.C[0];
	 */
	EVENT_CODE_PREPROCESS_COMPLETED SystemEventCode = 0x0A

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

// Should return true if handled.
type FnOnEvent func(code SystemEventCode, sender interface{}, listener interface{}, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

// EventSystem dispatches events synchronously to the listeners registered for
// a code. It is owned by the engine and handed to whoever needs it.
type EventSystem struct {
	mu         sync.RWMutex
	registered map[SystemEventCode][]*registeredEvent
}

func NewEventSystem() *EventSystem {
	return &EventSystem{
		registered: make(map[SystemEventCode][]*registeredEvent),
	}
}

/**
 * Register to listen for when events are sent with the provided code. Events with duplicate
 * listeners will not be registered again and will cause this to return false.
 * @param code The event code to listen for.
 * @param listener A listener instance. Can be nil.
 * @param onEvent The callback to be invoked when the event code is fired.
 * @returns true if the event is successfully registered; otherwise false.
 */
func (es *EventSystem) Register(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	es.mu.Lock()
	defer es.mu.Unlock()

	for _, e := range es.registered[code] {
		if e.listener == listener {
			LogWarn("listener already registered for event code %d", code)
			return false
		}
	}
	es.registered[code] = append(es.registered[code], &registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

/**
 * Unregister from listening for when events are sent with the provided code.
 * @returns true if the listener was found and removed; otherwise false.
 */
func (es *EventSystem) Unregister(code SystemEventCode, listener interface{}) bool {
	es.mu.Lock()
	defer es.mu.Unlock()

	events := es.registered[code]
	for i, e := range events {
		if e.listener == listener {
			es.registered[code] = append(events[:i], events[i+1:]...)
			return true
		}
	}
	return false
}

/**
 * Fires an event to listeners of the given code. If an event handler returns
 * true, the event is considered handled and is not passed on to any more listeners.
 * @returns true if handled, otherwise false.
 */
func (es *EventSystem) Fire(code SystemEventCode, sender interface{}, context EventContext) bool {
	es.mu.RLock()
	events := append([]*registeredEvent(nil), es.registered[code]...)
	es.mu.RUnlock()

	for _, e := range events {
		if e.callback(code, sender, e.listener, context) {
			// Message has been handled, do not send to other listeners.
			return true
		}
	}
	return false
}

// Shutdown drops every registration.
func (es *EventSystem) Shutdown() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.registered = make(map[SystemEventCode][]*registeredEvent)
}
