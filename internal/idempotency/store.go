// Package idempotency remembers the response of each keyed escrow transition
// so a retried request replays it instead of moving funds twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record holds a stored response and the fingerprint of the request that
// produced it.
type Record struct {
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the record is past its window at now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Pending reports whether the record is a reservation whose request has not
// completed yet.
func (r Record) Pending() bool {
	return r.StatusCode == 0
}

// Store abstracts idempotency persistence. Get returns nil, nil for unknown or
// expired keys.
//
// Reserve stores a pending record only when no live record holds the key and
// reports whether it did. Release drops a pending reservation after a failed
// request; completed records are left alone.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Reserve(ctx context.Context, key string, record Record) (bool, error)
	Release(ctx context.Context, key string) error
}

// Fingerprint hashes the parts of a request that must match on replay.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// ScopedKey namespaces a client key by the route it was sent to.
func ScopedKey(scope, key string) string {
	return scope + ":" + strings.TrimSpace(key)
}

// MemoryStore is mostly for testing and single-node development.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.Expired(m.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, rec := range m.data {
		if rec.Expired(now) {
			delete(m.data, k)
		}
	}
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, record Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && !rec.Expired(m.now()) {
		return false, nil
	}
	m.data[key] = record
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && rec.Pending() {
		delete(m.data, key)
	}
	return nil
}

// FileStore persists records to a JSON file. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.Expired(time.Now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}

func (f *FileStore) Reserve(_ context.Context, key string, record Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.data[key]; ok && !rec.Expired(time.Now()) {
		return false, nil
	}
	f.data[key] = record
	if err := f.persist(); err != nil {
		delete(f.data, key)
		return false, err
	}
	return true, nil
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[key]
	if !ok || !rec.Pending() {
		return nil
	}
	delete(f.data, key)
	return f.persist()
}
