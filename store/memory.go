package store

import (
	"context"
	"sort"
	"sync"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/sirupsen/logrus"
)

// MemoryStore keeps everything in process memory. It is the default backend
// and the one used by tests; it offers no durability across restarts.
type MemoryStore struct {
	mu sync.RWMutex

	tasks map[string]timewheel.Task

	// dead letters are stored by primary key with a per-client index
	deadLetters map[dlqKey]DeadLetter
	byClient    map[string]map[string]struct{}

	clients map[string]Client

	logger logrus.FieldLogger
}

type dlqKey struct {
	clientID string
	taskID   string
}

var _ Backend = (*MemoryStore)(nil)

func NewMemoryStore(logger logrus.FieldLogger) *MemoryStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MemoryStore{
		tasks:       map[string]timewheel.Task{},
		deadLetters: map[dlqKey]DeadLetter{},
		byClient:    map[string]map[string]struct{}{},
		clients:     map[string]Client{},
		logger:      logger,
	}
}

func (m *MemoryStore) Save(_ context.Context, task timewheel.Task) error {
	if task.IsControl() {
		return ErrControlTask
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = clonePayload(task)
	return nil
}

func (m *MemoryStore) FetchDueBefore(_ context.Context, timestampMs int64) ([]timewheel.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []timewheel.Task
	for _, task := range m.tasks {
		if task.ExpirationMs <= timestampMs {
			due = append(due, clonePayload(task))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpirationMs < due[j].ExpirationMs })
	return due, nil
}

func (m *MemoryStore) FindByID(_ context.Context, taskID string) (timewheel.Task, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	return clonePayload(task), ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	return nil
}

func (m *MemoryStore) SaveDeadLetter(_ context.Context, entry DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dlqKey{clientID: entry.Task.ClientID, taskID: entry.Task.ID}
	entry.Task = clonePayload(entry.Task)
	m.deadLetters[key] = entry
	ids, ok := m.byClient[key.clientID]
	if !ok {
		ids = map[string]struct{}{}
		m.byClient[key.clientID] = ids
	}
	ids[key.taskID] = struct{}{}
	return nil
}

func (m *MemoryStore) FindAllDeadLetters(_ context.Context) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]DeadLetter, 0, len(m.deadLetters))
	for _, entry := range m.deadLetters {
		all = append(all, entry)
	}
	sortDeadLetters(all)
	return all, nil
}

func (m *MemoryStore) FindDeadLettersByClient(_ context.Context, clientID string) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []DeadLetter
	for taskID := range m.byClient[clientID] {
		entry, ok := m.deadLetters[dlqKey{clientID: clientID, taskID: taskID}]
		if !ok {
			m.logger.WithFields(logrus.Fields{
				"client_id": clientID,
				"task_id":   taskID,
			}).Error("dead letter index references a missing entry")
			continue
		}
		entries = append(entries, entry)
	}
	sortDeadLetters(entries)
	return entries, nil
}

func (m *MemoryStore) FindDeadLetter(_ context.Context, clientID, taskID string) (DeadLetter, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, indexed := m.byClient[clientID][taskID]; !indexed {
		return DeadLetter{}, false, nil
	}
	entry, ok := m.deadLetters[dlqKey{clientID: clientID, taskID: taskID}]
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"client_id": clientID,
			"task_id":   taskID,
		}).Error("dead letter index references a missing entry")
		return DeadLetter{}, false, nil
	}
	return entry, true, nil
}

func (m *MemoryStore) DeleteDeadLetter(_ context.Context, clientID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deadLetters, dlqKey{clientID: clientID, taskID: taskID})
	if ids, ok := m.byClient[clientID]; ok {
		delete(ids, taskID)
		if len(ids) == 0 {
			delete(m.byClient, clientID)
		}
	}
	return nil
}

func (m *MemoryStore) ClearDeadLetters(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = map[dlqKey]DeadLetter{}
	m.byClient = map[string]map[string]struct{}{}
	return nil
}

func (m *MemoryStore) FindClient(_ context.Context, clientID string) (Client, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	return c, ok, nil
}

func (m *MemoryStore) SaveClient(_ context.Context, client Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ID] = client
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func sortDeadLetters(entries []DeadLetter) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].FailedAtMs != entries[j].FailedAtMs {
			return entries[i].FailedAtMs < entries[j].FailedAtMs
		}
		return entries[i].Task.ID < entries[j].Task.ID
	})
}
