package voices

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

var testCatalog = []string{
	"en-US-AriaNeural",
	"en-US-JennyNeural",
	"en-US-GuyNeural",
	"en-US-AndrewNeural",
	"en-US-EmmaNeural",
	"en-US-BrianNeural",
}

// stored reads the mapping without assigning a default.
func (a *Assigner) stored(participantID uint64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	voice, ok := a.prefs[participantID]
	return voice, ok
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memoryStore struct {
	mu      sync.Mutex
	prefs   map[uint64]string
	saves   int
	loadErr error
	saveErr error
}

func (m *memoryStore) Load(context.Context) (map[uint64]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[uint64]string, len(m.prefs))
	for k, v := range m.prefs {
		out[k] = v
	}
	return out, nil
}

func (m *memoryStore) Save(_ context.Context, prefs map[uint64]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.prefs = prefs
	return nil
}

func newAssigner(t *testing.T, store Store) *Assigner {
	t.Helper()
	a, err := NewAssigner(context.Background(), testCatalog, store, newLogger())
	if err != nil {
		t.Fatalf("new assigner: %v", err)
	}
	return a
}

func TestGetAssignsDeterministicDefault(t *testing.T) {
	store := &memoryStore{}
	a := newAssigner(t, store)
	ctx := context.Background()

	for _, id := range []uint64{0, 1, 5, 6, 13, 987654321012345678} {
		want := testCatalog[id%uint64(len(testCatalog))]
		first := a.Get(ctx, id)
		second := a.Get(ctx, id)
		if first != want || second != want {
			t.Fatalf("participant %d: expected %s, got %s then %s", id, want, first, second)
		}
	}
	if store.prefs[13] != testCatalog[1] {
		t.Fatalf("expected default persisted, got %v", store.prefs)
	}
}

func TestGetPersistsOnlyOnFirstLookup(t *testing.T) {
	store := &memoryStore{}
	a := newAssigner(t, store)
	a.Get(context.Background(), 42)
	a.Get(context.Background(), 42)
	if store.saves != 1 {
		t.Fatalf("expected one save, got %d", store.saves)
	}
}

func TestSetRejectsUnknownVoice(t *testing.T) {
	store := &memoryStore{}
	a := newAssigner(t, store)
	ctx := context.Background()
	before := a.Get(ctx, 7)
	saves := store.saves

	err := a.Set(ctx, 7, "xx-XX-NobodyNeural")
	if !errors.Is(err, ErrInvalidChoice) {
		t.Fatalf("expected ErrInvalidChoice, got %v", err)
	}
	if got := a.Get(ctx, 7); got != before {
		t.Fatalf("voice mutated by rejected set: %s -> %s", before, got)
	}
	if store.saves != saves {
		t.Fatal("rejected set must not persist")
	}
}

func TestSetOverridesDefault(t *testing.T) {
	store := &memoryStore{}
	a := newAssigner(t, store)
	ctx := context.Background()
	if err := a.Set(ctx, 3, "en-US-EmmaNeural"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := a.Get(ctx, 3); got != "en-US-EmmaNeural" {
		t.Fatalf("expected override, got %s", got)
	}
	if store.prefs[3] != "en-US-EmmaNeural" {
		t.Fatalf("expected override persisted")
	}
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	store := &memoryStore{loadErr: errors.New("disk on fire")}
	a := newAssigner(t, store)
	if _, ok := a.stored(1); ok {
		t.Fatal("expected empty mapping")
	}
	if got := a.Get(context.Background(), 1); got != testCatalog[1] {
		t.Fatalf("expected default voice, got %s", got)
	}
}

func TestSaveFailureKeepsMemoryAuthoritative(t *testing.T) {
	store := &memoryStore{saveErr: errors.New("read-only")}
	a := newAssigner(t, store)
	ctx := context.Background()
	if err := a.Set(ctx, 9, "en-US-GuyNeural"); err != nil {
		t.Fatalf("set should not surface store errors: %v", err)
	}
	if got := a.Get(ctx, 9); got != "en-US-GuyNeural" {
		t.Fatalf("expected in-memory voice, got %s", got)
	}
}

func TestConcurrentFirstLookupsAgree(t *testing.T) {
	store := &memoryStore{}
	a := newAssigner(t, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]string, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.Get(ctx, 1001)
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		if r != results[0] {
			t.Fatalf("conflicting defaults: %v", results)
		}
	}
	if store.saves != 1 {
		t.Fatalf("expected a single save, got %d", store.saves)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs", "user_voices.json")
	store := NewFileStore(path)
	ctx := context.Background()

	prefs, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if len(prefs) != 0 {
		t.Fatalf("expected empty mapping, got %v", prefs)
	}

	a := newAssigner(t, store)
	a.Get(ctx, 123456789012345678)
	if err := a.Set(ctx, 2, "en-US-BrianNeural"); err != nil {
		t.Fatalf("set: %v", err)
	}

	reloaded := newAssigner(t, NewFileStore(path))
	if v, ok := reloaded.stored(2); !ok || v != "en-US-BrianNeural" {
		t.Fatalf("expected persisted choice, got %q", v)
	}
	if _, ok := reloaded.stored(123456789012345678); !ok {
		t.Fatal("expected persisted default")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_voices.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	a := newAssigner(t, NewFileStore(path))
	if _, ok := a.stored(1); ok {
		t.Fatal("expected corrupt store to degrade to empty mapping")
	}
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.db")
	store, err := OpenSQLStore(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	a := newAssigner(t, store)
	if err := a.Set(ctx, 77, "en-US-JennyNeural"); err != nil {
		t.Fatalf("set: %v", err)
	}
	a.Get(ctx, 78)

	prefs, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if prefs[77] != "en-US-JennyNeural" {
		t.Fatalf("expected stored choice, got %v", prefs)
	}
	if prefs[78] != testCatalog[78%uint64(len(testCatalog))] {
		t.Fatalf("expected stored default, got %v", prefs)
	}
}
