package transcriptstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore is a size-limited, in-memory Store. It mirrors the ordering
// semantics of the SQLite store so harnesses behave the same either way.
type MemoryStore struct {
	mu            sync.Mutex
	maxPerSession int
	sessions      map[string][]Entry
}

var _ Store = &MemoryStore{}

// NewMemoryStore builds an in-memory store keeping at most maxPerSession
// entries per session (oldest evicted first).
func NewMemoryStore(maxPerSession int) *MemoryStore {
	if maxPerSession <= 0 {
		maxPerSession = 5000
	}
	return &MemoryStore{
		maxPerSession: maxPerSession,
		sessions:      map[string][]Entry{},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Save(ctx context.Context, e Entry) error {
	if e.SessionID == "" {
		return errors.New("memory transcript store: session id is empty")
	}
	if e.MessageID == "" {
		return errors.New("memory transcript store: message id is empty")
	}
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.sessions[e.SessionID]
	for i := range list {
		if list[i].MessageID == e.MessageID {
			list[i] = e
			return nil
		}
	}
	list = append(list, e)
	if len(list) > s.maxPerSession {
		list = list[len(list)-s.maxPerSession:]
	}
	s.sessions[e.SessionID] = list
	return nil
}

func (s *MemoryStore) List(ctx context.Context, q Query) ([]Entry, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	if q.SessionID != "" {
		out = append(out, s.sessions[q.SessionID]...)
	} else {
		for _, list := range s.sessions {
			out = append(out, list...)
		}
	}

	filtered := out[:0]
	for _, e := range out {
		if q.SinceMs > 0 && e.CreatedAtMs < q.SinceMs {
			continue
		}
		filtered = append(filtered, e)
	}
	out = filtered

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].MessageID < out[j].MessageID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
