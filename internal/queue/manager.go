package queue

import (
	"sync"

	"github.com/redis/go-redis/v9"
)

// Manager hands out one *Queue per name, all sharing the same redis
// connection. The Worker Pool, the Schedule Planner and the Control
// Plane each hold a Manager rather than wiring individual queues by
// hand.
type Manager struct {
	client *redis.Client

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client, queues: make(map[string]*Queue)}
}

func (m *Manager) Queue(name string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q
	}
	q := newQueue(m.client, name)
	m.queues[name] = q
	return q
}

// Names returns every queue name touched so far via Queue(), in no
// particular order. The Control Plane's overview endpoint uses this
// to enumerate queues without ever calling KEYS/SCAN.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}
