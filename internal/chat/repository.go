package chat

import (
	"context"
	"sync"

	"github.com/example/job-dispatch/internal/models"
)

// Repository stores chat logs. Append assigns the next sequence number of the
// message's job and returns the stored message; sequences start at 1 and
// never repeat within a job.
type Repository interface {
	Append(ctx context.Context, msg models.Message) (models.Message, error)
	List(ctx context.Context, jobID string) ([]models.Message, error)
}

// MemoryRepository keeps every job's log in process memory.
type MemoryRepository struct {
	mu   sync.Mutex
	logs map[string]*jobLog
}

type jobLog struct {
	mu       sync.Mutex
	messages []models.Message
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{logs: make(map[string]*jobLog)}
}

func (m *MemoryRepository) Append(_ context.Context, msg models.Message) (models.Message, error) {
	l := m.log(msg.JobID)
	l.mu.Lock()
	defer l.mu.Unlock()
	msg.Seq = uint64(len(l.messages)) + 1
	l.messages = append(l.messages, msg)
	return msg, nil
}

func (m *MemoryRepository) List(_ context.Context, jobID string) ([]models.Message, error) {
	l := m.log(jobID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Message(nil), l.messages...), nil
}

func (m *MemoryRepository) log(jobID string) *jobLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[jobID]
	if !ok {
		l = &jobLog{}
		m.logs[jobID] = l
	}
	return l
}
