package callbacks

import (
	"log"
	"sync"
)

// Priority defines callback execution order (lower = earlier)
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityMedium Priority = 50
	PriorityLow    Priority = 100
)

// registeredCallback holds a callback with its priority and metadata
type registeredCallback struct {
	callback Callback
	priority Priority
	name     string
	enabled  bool
}

// Registry manages lifecycle event callbacks. Registration,
// unregistration and dispatch are all safe for concurrent use.
//
// Dispatch is zero-overhead when nothing is registered for an event:
// the fast path is a read-locked map lookup and an early return.
type Registry struct {
	mu        sync.RWMutex
	callbacks map[EventType][]*registeredCallback
	logger    *log.Logger
}

// NewRegistry creates a new callback registry
func NewRegistry() *Registry {
	return &Registry{
		callbacks: make(map[EventType][]*registeredCallback),
	}
}

// SetLogger sets the logger for the registry
func (r *Registry) SetLogger(logger *log.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register registers a callback for specific event types.
//
// Priority controls execution order: lower priority callbacks run
// first. The name is used for debugging and replacement; registering
// the same name for the same event replaces the earlier entry.
func (r *Registry) Register(callback Callback, events []EventType, priority Priority, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, event := range events {
		if r.callbacks[event] == nil {
			r.callbacks[event] = make([]*registeredCallback, 0, 4)
		}

		existingIndex := -1
		for i, cb := range r.callbacks[event] {
			if cb.name == name {
				existingIndex = i
				break
			}
		}

		reg := &registeredCallback{
			callback: callback,
			priority: priority,
			name:     name,
			enabled:  true,
		}

		if existingIndex >= 0 {
			r.callbacks[event][existingIndex] = reg
			r.logf("updated callback '%s' for event %s", name, event)
		} else {
			r.callbacks[event] = insertSorted(r.callbacks[event], reg)
			r.logf("registered callback '%s' for event %s", name, event)
		}
	}
}

// Unregister removes a callback by name for specific event types.
// If events is empty, the callback is removed from all event types.
func (r *Registry) Unregister(name string, events []EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(events) == 0 {
		for event, callbacks := range r.callbacks {
			r.callbacks[event] = dropByName(callbacks, name)
		}
		r.logf("unregistered callback '%s' from all events", name)
		return
	}

	for _, event := range events {
		r.callbacks[event] = dropByName(r.callbacks[event], name)
		r.logf("unregistered callback '%s' from event %s", name, event)
	}
}

// Enable enables a callback by name across all events.
func (r *Registry) Enable(name string) {
	r.setEnabled(name, true)
}

// Disable disables a callback by name without unregistering it.
func (r *Registry) Disable(name string) {
	r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, callbacks := range r.callbacks {
		for _, cb := range callbacks {
			if cb.name == name {
				cb.enabled = enabled
			}
		}
	}
}

// DispatchTask invokes all registered callbacks for a task event.
// Returns the first non-nil error from any callback, but continues
// invoking remaining callbacks even after an error. Errors and panics
// are logged; neither propagates into the orchestrator.
func (r *Registry) DispatchTask(event EventType, ctx *TaskEventContext) error {
	return r.dispatch(event, func(cb Callback) error {
		switch event {
		case EventTaskStarted:
			return cb.OnTaskStarted(ctx)
		case EventTaskCompleted:
			return cb.OnTaskCompleted(ctx)
		case EventTaskFailed:
			return cb.OnTaskFailed(ctx)
		}
		return nil
	})
}

// DispatchUnit invokes all registered callbacks for a unit event.
func (r *Registry) DispatchUnit(event EventType, ctx *UnitEventContext) error {
	return r.dispatch(event, func(cb Callback) error {
		switch event {
		case EventUnitStarted:
			return cb.OnUnitStarted(ctx)
		case EventUnitExecuted:
			return cb.OnUnitExecuted(ctx)
		case EventUnitIntegrated:
			return cb.OnUnitIntegrated(ctx)
		case EventUnitMerged:
			return cb.OnUnitMerged(ctx)
		case EventUnitRejected:
			return cb.OnUnitRejected(ctx)
		case EventUnitCancelled:
			return cb.OnUnitCancelled(ctx)
		}
		return nil
	})
}

// DispatchGate invokes all registered callbacks for a gate verdict.
func (r *Registry) DispatchGate(event EventType, ctx *GateEventContext) error {
	return r.dispatch(event, func(cb Callback) error {
		switch event {
		case EventGatePassed:
			return cb.OnGatePassed(ctx)
		case EventGateFailed:
			return cb.OnGateFailed(ctx)
		}
		return nil
	})
}

// DispatchMerge invokes all registered callbacks for a merge failure.
func (r *Registry) DispatchMerge(event EventType, ctx *MergeEventContext) error {
	return r.dispatch(event, func(cb Callback) error {
		if event == EventMergeFailed {
			return cb.OnMergeFailed(ctx)
		}
		return nil
	})
}

// dispatch runs every enabled callback for the event in priority order.
func (r *Registry) dispatch(event EventType, call func(Callback) error) error {
	r.mu.RLock()
	callbacks := r.callbacks[event]
	r.mu.RUnlock()

	// Fast path: no callbacks registered
	if len(callbacks) == 0 {
		return nil
	}

	var firstErr error
	for _, cb := range callbacks {
		if !cb.enabled {
			continue
		}
		if err := r.invoke(event, cb, call); err != nil {
			r.logf("callback '%s' error on event %s: %v", cb.name, event, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// invoke runs one callback, containing panics.
func (r *Registry) invoke(event EventType, cb *registeredCallback, call func(Callback) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logf("callback '%s' panic on event %s: %v", cb.name, event, recovered)
		}
	}()
	return call(cb.callback)
}

// Count returns the number of callbacks registered for an event type
func (r *Registry) Count(event EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.callbacks[event])
}

// RegisteredNames returns the names of all callbacks registered for an
// event type, in dispatch order.
func (r *Registry) RegisteredNames(event EventType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.callbacks[event]))
	for _, cb := range r.callbacks[event] {
		names = append(names, cb.name)
	}
	return names
}

// insertSorted inserts a callback into a priority-sorted list.
// Equal priorities keep registration order.
func insertSorted(list []*registeredCallback, item *registeredCallback) []*registeredCallback {
	i := 0
	for i < len(list) && list[i].priority <= item.priority {
		i++
	}
	if i == len(list) {
		return append(list, item)
	}

	result := make([]*registeredCallback, 0, len(list)+1)
	result = append(result, list[:i]...)
	result = append(result, item)
	result = append(result, list[i:]...)
	return result
}

func dropByName(list []*registeredCallback, name string) []*registeredCallback {
	filtered := make([]*registeredCallback, 0, len(list))
	for _, cb := range list {
		if cb.name != name {
			filtered = append(filtered, cb)
		}
	}
	return filtered
}

// logf logs a message if a logger is configured
func (r *Registry) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// GlobalRegistry is the default global callback registry
var GlobalRegistry = NewRegistry()
