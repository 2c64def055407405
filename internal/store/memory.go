package store

import "sync"

// Memory is an in-process Namespace. It keeps staged and committed values
// apart so tests can observe commit semantics, and supports fault injection.
type Memory struct {
	mu        sync.Mutex
	committed map[string][]byte
	staged    map[string][]byte
	sets      int
	commits   int
	closed    bool

	// GetError, if set, is returned by GetBlob.
	GetError error
	// SetError, if set, is returned by SetBlob.
	SetError error
	// CommitError, if set, is returned by Commit and staged writes are kept.
	CommitError error
	// Block, if set, makes Commit wait until it is closed.
	Block chan struct{}
}

var _ Namespace = (*Memory)(nil)

// NewMemory creates an empty in-memory namespace.
func NewMemory() *Memory {
	return &Memory{
		committed: make(map[string][]byte),
		staged:    make(map[string][]byte),
	}
}

// GetBlob returns the staged or committed value for key.
func (m *Memory) GetBlob(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetError != nil {
		return nil, m.GetError
	}
	if v, ok := m.staged[key]; ok {
		return clone(v), nil
	}
	if v, ok := m.committed[key]; ok {
		return clone(v), nil
	}
	return nil, ErrNotFound
}

// SetBlob stages value under key.
func (m *Memory) SetBlob(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SetError != nil {
		return m.SetError
	}
	m.staged[key] = clone(value)
	m.sets++
	return nil
}

// Commit moves staged values to committed.
func (m *Memory) Commit() error {
	m.mu.Lock()
	block := m.Block
	m.mu.Unlock()
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CommitError != nil {
		return m.CommitError
	}
	for k, v := range m.staged {
		m.committed[k] = v
	}
	m.staged = make(map[string][]byte)
	m.commits++
	return nil
}

// Close marks the namespace closed and drops staged values.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.staged = make(map[string][]byte)
	m.closed = true
	return nil
}

// Committed returns the committed value for key, bypassing staged writes.
func (m *Memory) Committed(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.committed[key]
	return clone(v), ok
}

// Put writes a committed value directly, for seeding test fixtures.
func (m *Memory) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed[key] = clone(value)
}

// Sets returns the number of successful SetBlob calls.
func (m *Memory) Sets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

// Commits returns the number of successful Commit calls.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
