package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/compozy/deepresearch/engine/core"
	"github.com/gosimple/slug"
	"github.com/sethvargo/go-retry"
)

// Store persists snapshots keyed by session id. Save replaces any earlier
// snapshot of the same session.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	List(ctx context.Context) ([]Meta, error)
}

// Deleter is implemented by stores that can drop a session's snapshot.
type Deleter interface {
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore keeps encoded snapshots in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, s *Snapshot) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[s.SessionID] = data
	return nil
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (*Snapshot, error) {
	m.mu.RLock()
	data, ok := m.data[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, NotFound(sessionID)
	}
	return Decode(data)
}

func (m *MemoryStore) List(_ context.Context) ([]Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Meta, 0, len(m.data))
	for _, data := range m.data {
		s, err := Decode(data)
		if err != nil {
			continue
		}
		out = append(out, s.Meta())
	}
	sortMeta(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[sessionID]; !ok {
		return NotFound(sessionID)
	}
	delete(m.data, sessionID)
	return nil
}

// Corrupt overwrites the stored bytes of a session. Used by tests.
func (m *MemoryStore) Corrupt(sessionID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[sessionID] = data
}

// FileStore writes one JSON file per session under Dir.
type FileStore struct {
	dir   string
	retry retry.Backoff
}

type FileOption func(*FileStore)

// WithBackoff replaces the retry policy used for writes.
func WithBackoff(b retry.Backoff) FileOption {
	return func(f *FileStore) {
		f.retry = b
	}
}

func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, core.NewError(errors.New("snapshot directory is required"), core.ErrCodeInvalidConfig, nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	f := &FileStore{
		dir:   dir,
		retry: retry.WithMaxRetries(3, retry.NewExponential(25*time.Millisecond)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Path returns the file a session is stored in. Session ids are
// case-sensitive, so the slug carries a digest suffix.
func (f *FileStore) Path(sessionID string) string {
	name := slug.Make(sessionID)
	if name == "" {
		name = "session"
	}
	return filepath.Join(f.dir, name+"-"+core.DigestBytes([]byte(sessionID))[:8]+".json")
}

func (f *FileStore) Save(ctx context.Context, s *Snapshot) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	path := f.Path(s.SessionID)
	return retry.Do(ctx, f.retry, func(_ context.Context) error {
		tmp, err := os.CreateTemp(f.dir, ".snapshot-*")
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to create temp snapshot: %w", err))
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return retry.RetryableError(fmt.Errorf("failed to write snapshot: %w", err))
		}
		if err := tmp.Close(); err != nil {
			return retry.RetryableError(fmt.Errorf("failed to close snapshot: %w", err))
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			return retry.RetryableError(fmt.Errorf("failed to replace snapshot: %w", err))
		}
		return nil
	})
}

func (f *FileStore) Load(_ context.Context, sessionID string) (*Snapshot, error) {
	data, err := os.ReadFile(f.Path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, NotFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return Decode(data)
}

func (f *FileStore) Delete(_ context.Context, sessionID string) error {
	err := os.Remove(f.Path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return NotFound(sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// List skips files that fail verification.
func (f *FileStore) List(_ context.Context) ([]Meta, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var out []Meta
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, e.Name()))
		if err != nil {
			continue
		}
		s, err := Decode(data)
		if err != nil {
			continue
		}
		out = append(out, s.Meta())
	}
	sortMeta(out)
	return out, nil
}

func sortMeta(m []Meta) {
	sort.Slice(m, func(i, j int) bool {
		if !m[i].SavedAt.Equal(m[j].SavedAt) {
			return m[i].SavedAt.After(m[j].SavedAt)
		}
		return m[i].SessionID < m[j].SessionID
	})
}
