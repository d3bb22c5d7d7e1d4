package storage

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"task-pipeline/domain"
)

var ErrNotFound = errors.New("task not found")

// Patch carries the fields of an update. Nil fields are left unchanged.
type Patch struct {
	Title     *string
	Completed *bool
}

// Memory keeps every user's tasks in process memory, in creation order.
type Memory struct {
	mu     sync.RWMutex
	byUser map[string][]domain.Task
	newID  func() string
}

func NewMemory() *Memory {
	return &Memory{byUser: make(map[string][]domain.Task), newID: uuid.NewString}
}

func (m *Memory) List(userID string) []domain.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Task, len(m.byUser[userID]))
	copy(out, m.byUser[userID])
	return out
}

func (m *Memory) Create(userID, title, summary string) domain.Task {
	t := domain.Task{ID: m.newID(), Title: title, Summary: summary}
	m.mu.Lock()
	m.byUser[userID] = append(m.byUser[userID], t)
	m.mu.Unlock()
	return t
}

func (m *Memory) Update(userID, id string, p Patch) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.byUser[userID]
	for i := range tasks {
		if tasks[i].ID != id {
			continue
		}
		if p.Title != nil {
			tasks[i].Title = *p.Title
		}
		if p.Completed != nil {
			tasks[i].Completed = *p.Completed
		}
		return tasks[i], nil
	}
	return domain.Task{}, ErrNotFound
}

func (m *Memory) Delete(userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.byUser[userID]
	for i := range tasks {
		if tasks[i].ID == id {
			m.byUser[userID] = append(tasks[:i:i], tasks[i+1:]...)
			if len(m.byUser[userID]) == 0 {
				delete(m.byUser, userID)
			}
			return nil
		}
	}
	return ErrNotFound
}
