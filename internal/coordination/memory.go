package coordination

import (
	"context"
	"sync"
	"time"
)

type lockEntry struct {
	token    string
	expireAt time.Time
}

type presenceEntry struct {
	users map[string]time.Time
}

// Memory is the in-process coordination store for single-node deployments
// and tests.
type Memory struct {
	mu         sync.Mutex
	locks      map[string]lockEntry
	forceSaves map[string]*ForceSave
	shutdown   map[string]map[string]struct{}
	presence   map[string]*presenceEntry
	timers     map[string]time.Time

	now func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		locks:      make(map[string]lockEntry),
		forceSaves: make(map[string]*ForceSave),
		shutdown:   make(map[string]map[string]struct{}),
		presence:   make(map[string]*presenceEntry),
		timers:     make(map[string]time.Time),
		now:        time.Now,
	}
}

func lockKey(lockName, docID string) string {
	return lockName + "\x00" + docID
}

func (m *Memory) Acquire(_ context.Context, lockName, docID, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey(lockName, docID)
	now := m.now()
	if cur, ok := m.locks[key]; ok && cur.expireAt.After(now) && cur.token != token {
		return false, nil
	}
	m.locks[key] = lockEntry{token: token, expireAt: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, lockName, docID, token string) (ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey(lockName, docID)
	cur, ok := m.locks[key]
	if !ok || !cur.expireAt.After(m.now()) {
		delete(m.locks, key)
		return ReleaseEmpty, nil
	}
	if cur.token != token {
		return ReleaseLocked, nil
	}
	delete(m.locks, key)
	return ReleaseUnlocked, nil
}

func (m *Memory) GetForceSave(_ context.Context, docID string) (*ForceSave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs, ok := m.forceSaves[docID]
	if !ok {
		return nil, nil
	}
	copied := *fs
	return &copied, nil
}

func (m *Memory) SetForceSave(_ context.Context, docID string, fs ForceSave) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs.Started = false
	fs.Ended = false
	m.forceSaves[docID] = &fs
	return nil
}

func (m *Memory) CheckAndStartForceSave(_ context.Context, docID string) (*ForceSave, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs, ok := m.forceSaves[docID]
	if !ok || fs.Started || fs.Ended {
		return nil, false, nil
	}
	fs.Started = true
	copied := *fs
	return &copied, true, nil
}

func (m *Memory) CheckAndSetForceSave(_ context.Context, docID string, saveTime, index int64, started, ended bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs, ok := m.forceSaves[docID]
	if !ok || fs.Time != saveTime || fs.Index != index {
		return false, nil
	}
	fs.Started = started
	fs.Ended = ended
	return true, nil
}

func (m *Memory) RemoveForceSave(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.forceSaves, docID)
	return nil
}

func (m *Memory) AddShutdown(_ context.Context, key, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.shutdown[key]
	if !ok {
		set = make(map[string]struct{})
		m.shutdown[key] = set
	}
	set[docID] = struct{}{}
	return nil
}

func (m *Memory) RemoveShutdown(_ context.Context, key, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.shutdown[key]; ok {
		delete(set, docID)
	}
	return nil
}

func (m *Memory) ShutdownCount(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.shutdown[key]), nil
}

func (m *Memory) CleanupShutdown(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.shutdown, key)
	return nil
}

func (m *Memory) AddPresence(_ context.Context, docID, userID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.presence[docID]
	if !ok {
		entry = &presenceEntry{users: make(map[string]time.Time)}
		m.presence[docID] = entry
	}
	entry.users[userID] = m.now().Add(ttl)
	return nil
}

func (m *Memory) RemovePresence(_ context.Context, docID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.presence[docID]; ok {
		delete(entry.users, userID)
		if len(entry.users) == 0 {
			delete(m.presence, docID)
		}
	}
	return nil
}

func (m *Memory) PresenceCount(_ context.Context, docID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.presence[docID]
	if !ok {
		return 0, nil
	}
	now := m.now()
	count := 0
	for userID, expireAt := range entry.users {
		if expireAt.After(now) {
			count++
			continue
		}
		delete(entry.users, userID)
	}
	if len(entry.users) == 0 {
		delete(m.presence, docID)
	}
	return count, nil
}

func (m *Memory) AddForceSaveTimerNX(_ context.Context, docID string, fireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.timers[docID]; !ok {
		m.timers[docID] = fireAt
	}
	return nil
}

func (m *Memory) TakeExpiredForceSaveTimers(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fired []string
	for docID, fireAt := range m.timers {
		if !fireAt.After(now) {
			fired = append(fired, docID)
			delete(m.timers, docID)
		}
	}
	return fired, nil
}
