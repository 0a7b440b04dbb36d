package messaging

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/slink/im-client/internal/store"
)

// ChangeEvent is the JSON published for every store mutation. Entities holds
// the values of the touched ids after the change; removed ids are absent.
type ChangeEvent[T any] struct {
	Store    string       `json:"store"`
	Op       store.Op     `json:"op"`
	IDs      []string     `json:"ids"`
	Version  uint64       `json:"version"`
	Entities map[string]T `json:"entities,omitempty"`
}

// DecodeChange decodes a published change without knowing its store, leaving
// the entities as raw JSON.
func DecodeChange(data []byte) (ChangeEvent[json.RawMessage], error) {
	var ev ChangeEvent[json.RawMessage]
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("messaging: decode change: %w", err)
	}
	if ev.Store == "" {
		return ev, fmt.Errorf("messaging: change has no store")
	}
	return ev, nil
}

// Publisher is the part of NATSClient the mirror needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Mirror publishes store changes. Publishing is fire-and-forget: a failed
// publish is logged and never affects the store.
type Mirror struct {
	pub    Publisher
	logger *zap.Logger

	mu     sync.Mutex
	detach []func()
}

// NewMirror creates a mirror publishing through pub.
func NewMirror(pub Publisher, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{pub: pub, logger: logger.Named("mirror")}
}

// Attach starts mirroring every store in stores.
func (m *Mirror) Attach(stores *store.Stores) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detach = append(m.detach,
		watch(m, stores.Users),
		watch(m, stores.Channels),
		watch(m, stores.Messages),
		watch(m, stores.Subscriptions),
	)
}

// Close stops mirroring.
func (m *Mirror) Close() {
	m.mu.Lock()
	detach := m.detach
	m.detach = nil
	m.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
}

func watch[T store.Entity](m *Mirror, s *store.Store[T]) func() {
	subject := StoreSubject(s.Name())
	return s.Subscribe(func(c store.Change[T]) {
		ev := ChangeEvent[T]{
			Store:   c.Store,
			Op:      c.Op,
			IDs:     c.IDs,
			Version: c.Version,
		}
		for _, id := range c.IDs {
			if entity, ok := c.Snapshot.Get(id); ok {
				if ev.Entities == nil {
					ev.Entities = make(map[string]T, len(c.IDs))
				}
				ev.Entities[id] = entity
			}
		}

		data, err := json.Marshal(ev)
		if err != nil {
			m.logger.Warn("marshal change", zap.String("store", c.Store), zap.Error(err))
			return
		}
		if err := m.pub.Publish(subject, data); err != nil {
			m.logger.Warn("publish change", zap.String("subject", subject), zap.Error(err))
		}
	})
}
