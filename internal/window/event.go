package window

// EventKind identifies a window lifecycle event.
type EventKind int

const (
	EventOpened EventKind = iota
	EventClosed
	EventActivated
	EventConnected
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventActivated:
		return "activated"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is delivered to observers after the manager's state has changed.
type Event struct {
	Kind   EventKind
	Window Window
}

// Subscribe registers fn for every window event and returns a function that
// removes it. fn runs without manager locks held; it may call back into the
// manager.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.obsMu.RLock()
	fns := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
