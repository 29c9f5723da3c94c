package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory ActivityStore and Directory for development and
// tests. Events reset with the process, which matches the dev deployment
// where no database is configured.
type Memory struct {
	mu         sync.Mutex
	nextID     int64
	activities map[int64][]Activity
	students   map[int64]Student
}

func NewMemory() *Memory {
	return &Memory{
		nextID:     1,
		activities: make(map[int64][]Activity),
		students:   make(map[int64]Student),
	}
}

func (m *Memory) Append(ctx context.Context, userID int64, kind ActivityKind, ts time.Time) (Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := Activity{
		ID:        m.nextID,
		UserID:    userID,
		Kind:      kind,
		Timestamp: ts,
	}
	m.nextID++
	m.activities[userID] = append(m.activities[userID], a)
	return a, nil
}

func (m *Memory) List(ctx context.Context, userID int64) ([]Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.activities[userID]
	out := make([]Activity, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// AddStudent seeds a student record.
func (m *Memory) AddStudent(s Student) {
	m.mu.Lock()
	m.students[s.ID] = s
	m.mu.Unlock()
}

func (m *Memory) Students(ctx context.Context) ([]Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Student, 0, len(m.students))
	for _, s := range m.students {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) StudentByID(ctx context.Context, id int64) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.students[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	return s, nil
}
