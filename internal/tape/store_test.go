package tape

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

const sampleFingerprint = "7452f7b4ba7e8f466c9905de0bf4e2b2dad6a223533f5495b84fdc0d902a07ae"

func TestStorePathLayout(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Path("suite-a", sampleFingerprint)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	want := filepath.Join(store.Root(), "suite-a", sampleFingerprint+".json")
	if got != want {
		t.Fatalf("unexpected path: %s want %s", got, want)
	}

	root, err := store.Path("", sampleFingerprint)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if filepath.Dir(root) != store.Root() {
		t.Fatalf("default namespace should map to the tapes root, got %s", root)
	}
}

func TestStorePathRejectsEscapes(t *testing.T) {
	store := newTestStore(t)
	for _, ns := range []string{"..", ".", "a/b", `a\b`, "../../etc"} {
		if _, err := store.Path(ns, sampleFingerprint); !errors.Is(err, ErrInvalidLocation) {
			t.Fatalf("namespace %q should be rejected, got %v", ns, err)
		}
	}
	if _, err := store.Path("ok", "../x"); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("fingerprint with separators should be rejected, got %v", err)
	}
}

func TestStoreResolveMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Resolve(context.Background(), "suite-a", sampleFingerprint)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreResolveIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	filePath, err := store.Path("suite-a", sampleFingerprint)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, err := store.Resolve(context.Background(), "suite-a", sampleFingerprint); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestStorePersistThenLoad(t *testing.T) {
	store := newTestStore(t)
	rec := sampleRecording("suite-a")

	handle, err := store.Persist(context.Background(), rec, false)
	if err != nil {
		t.Fatalf("persist error: %v", err)
	}
	if handle.ID() != sampleFingerprint+".json" {
		t.Fatalf("unexpected tape id %s", handle.ID())
	}

	resolved, err := store.Resolve(context.Background(), "suite-a", sampleFingerprint)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if resolved.Path != handle.Path {
		t.Fatalf("resolve returned %s, persist returned %s", resolved.Path, handle.Path)
	}

	loaded, err := Load(handle.Path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded.Response.Status != http.StatusCreated {
		t.Fatalf("status mismatch: %d", loaded.Response.Status)
	}
	if string(loaded.ResponseBody()) != `{"ok":true}` {
		t.Fatalf("body mismatch: %s", loaded.ResponseBody())
	}
	if loaded.Request.Body != nil {
		t.Fatalf("request body should only be kept in verbose mode")
	}
	if loaded.Request.Header.Get("Accept") != "application/json" {
		t.Fatalf("request headers should be recorded")
	}
}

func TestStorePersistVerboseKeepsRequestBody(t *testing.T) {
	store := newTestStore(t)
	handle, err := store.Persist(context.Background(), sampleRecording(""), true)
	if err != nil {
		t.Fatalf("persist error: %v", err)
	}
	loaded, err := Load(handle.Path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded.Request.Body == nil {
		t.Fatalf("verbose tapes should carry the request body")
	}
	body, _ := loaded.Request.Body.Bytes()
	if string(body) != "name=tape" {
		t.Fatalf("request body mismatch: %s", body)
	}
}

func TestStorePersistNeverOverwrites(t *testing.T) {
	store := newTestStore(t)
	first := sampleRecording("suite-a")
	if _, err := store.Persist(context.Background(), first, false); err != nil {
		t.Fatalf("persist error: %v", err)
	}

	second := sampleRecording("suite-a")
	second.ResponseBody = []byte("changed")
	handle, err := store.Persist(context.Background(), second, false)
	if err != nil {
		t.Fatalf("second persist error: %v", err)
	}

	loaded, err := Load(handle.Path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if string(loaded.ResponseBody()) != `{"ok":true}` {
		t.Fatalf("tape must stay immutable once written, got %s", loaded.ResponseBody())
	}
}

func TestStorePersistConcurrentWritersLeaveOneTape(t *testing.T) {
	store := newTestStore(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Persist(context.Background(), sampleRecording("race"), false); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("persist error: %v", err)
	}

	names, err := store.List("race")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected exactly one tape, got %v", names)
	}
	leftovers, _ := filepath.Glob(filepath.Join(store.Root(), "race", ".tape-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary files should be cleaned up, found %v", leftovers)
	}
}

func TestStorePersistCancelledContextLeavesNoTape(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Persist(ctx, sampleRecording("cancel"), false); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
	if _, err := store.Resolve(context.Background(), "cancel", sampleFingerprint); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no tape should exist after a cancelled write, got %v", err)
	}
}

func TestStoreListFiltersNonTapes(t *testing.T) {
	store := newTestStore(t)
	dir := filepath.Join(store.Root(), "suite-a")
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	for _, name := range []string{"b.json", "a.json", "notes.txt", ".tapehub.lock", ".tape-123"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write error: %v", err)
		}
	}

	names, err := store.List("suite-a")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(names) != 2 || names[0] != "a.json" || names[1] != "b.json" {
		t.Fatalf("unexpected listing: %v", names)
	}

	missing, err := store.List("never-created")
	if err != nil {
		t.Fatalf("missing namespace should not error: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing namespace should list nothing, got %v", missing)
	}
}

func sampleRecording(namespace string) Recording {
	return Recording{
		Namespace:      namespace,
		Fingerprint:    sampleFingerprint,
		Method:         http.MethodPost,
		URI:            "/orders?draft=1",
		Upstream:       "http://127.0.0.1:9000/orders?draft=1",
		RequestHeader:  http.Header{"Accept": {"application/json"}},
		RequestBody:    []byte("name=tape"),
		Status:         http.StatusCreated,
		ResponseHeader: http.Header{"Content-Type": {"application/json"}},
		ResponseBody:   []byte(`{"ok":true}`),
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
