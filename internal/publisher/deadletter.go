package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is an outcome that exhausted its publish retries. Dead letters
// are queryable through the control plane for manual replay.
type DeadLetter struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	Payload       json.RawMessage `json:"payload"`
	Reason        string          `json:"reason"`
	FailedAt      time.Time       `json:"failed_at"`
}

// DeadLetterStore parks undeliverable outcomes for operator inspection.
type DeadLetterStore interface {
	Add(ctx context.Context, letter DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}

// memoryDeadLettersCap bounds the in-memory store; the oldest letters are
// dropped beyond it.
const memoryDeadLettersCap = 1024

// MemoryDeadLetters is the redis-less dead-letter store, also used in tests.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// NewMemoryDeadLetters creates an in-memory dead-letter store.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

// Add appends a dead letter, dropping the oldest beyond capacity.
func (s *MemoryDeadLetters) Add(_ context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.letters = append(s.letters, letter)
	if len(s.letters) > memoryDeadLettersCap {
		s.letters = s.letters[len(s.letters)-memoryDeadLettersCap:]
	}
	return nil
}

// List returns up to limit dead letters, newest first.
func (s *MemoryDeadLetters) List(_ context.Context, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.letters)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, 0, n)
	for i := len(s.letters) - 1; i >= len(s.letters)-n; i-- {
		out = append(out, s.letters[i])
	}
	return out, nil
}

// redisDeadLettersKey is the list the redis store pushes onto.
const redisDeadLettersKey = "coordinator:deadletters"

// RedisDeadLetters persists dead letters on a redis list so they survive a
// coordinator restart.
type RedisDeadLetters struct {
	client *redis.Client
}

// NewRedisDeadLetters creates a redis-backed dead-letter store.
func NewRedisDeadLetters(client *redis.Client) *RedisDeadLetters {
	return &RedisDeadLetters{client: client}
}

// Add pushes a dead letter onto the list.
func (s *RedisDeadLetters) Add(ctx context.Context, letter DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := s.client.LPush(ctx, redisDeadLettersKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// List returns up to limit dead letters, newest first.
func (s *RedisDeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = memoryDeadLettersCap
	}
	raw, err := s.client.LRange(ctx, redisDeadLettersKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var letter DeadLetter
		if err := json.Unmarshal([]byte(item), &letter); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		out = append(out, letter)
	}
	return out, nil
}
