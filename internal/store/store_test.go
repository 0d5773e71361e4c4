package store_test

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"loopline/internal/config"
	"loopline/internal/db"
	"loopline/internal/domain"
	"loopline/internal/migrate"
	"loopline/internal/repo"
	"loopline/internal/store"
)

type testEnv struct {
	Store *store.Store
	Repo  repo.Repo
	Root  string
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	st := store.New(conn, db.Root(dir), cfg)
	st.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	env := testEnv{Store: st, Repo: repo.Repo{DB: conn}, Root: db.Root(dir), Ctx: context.Background()}
	seedExecution(t, env, "exec-1")
	return env
}

func seedExecution(t *testing.T, env testEnv, id string) {
	t.Helper()
	tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	now := "2024-01-01T00:00:00Z"
	exec := domain.Execution{ID: id, LoopID: "dev-loop", ProjectID: "proj-1", Status: "active", CreatedAt: now, UpdatedAt: now}
	if err := env.Repo.InsertExecution(env.Ctx, tx, exec, `{"id":"dev-loop","phases":[{"name":"DESIGN"}]}`); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestVersionsAreMonotonic(t *testing.T) {
	env := newTestEnv(t)
	v1, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "PLAN", []byte("first\n"), store.CreateOptions{})
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("v1 = %d, want 1", v1.Version)
	}
	v2, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "PLAN", []byte("second\n"), store.CreateOptions{ChangeNote: "revised"})
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("v2 = %d, want 2", v2.Version)
	}
	// old versions stay readable and unchanged
	content, got, err := env.Store.GetDeliverable(env.Ctx, "exec-1", "PLAN", 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if string(content) != "first\n" || got.Hash != v1.Hash {
		t.Fatalf("v1 changed: %q %s", content, got.Hash)
	}
	// version 0 resolves to latest
	content, got, err = env.Store.GetDeliverable(env.Ctx, "exec-1", "PLAN", 0)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if string(content) != "second\n" || got.Version != 2 {
		t.Fatalf("latest = v%d %q", got.Version, content)
	}
}

func TestSameContentSameHash(t *testing.T) {
	env := newTestEnv(t)
	v1, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "A", []byte("same\n"), store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	v2, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "B", []byte("same\n"), store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if v1.Hash != v2.Hash {
		t.Fatalf("hashes differ for identical content: %s vs %s", v1.Hash, v2.Hash)
	}
	v3, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "A", []byte("other\n"), store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if v3.Hash == v1.Hash {
		t.Fatal("hash did not change with content")
	}
}

func TestCorruptContentDetected(t *testing.T) {
	env := newTestEnv(t)
	v, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "PLAN", []byte("trusted\n"), store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.Root, v.Path), []byte("tampered\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Store.GetDeliverable(env.Ctx, "exec-1", "PLAN", 1)
	if !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestFailedCreateLeavesCommittedVersionsIntact(t *testing.T) {
	env := newTestEnv(t)
	v1, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "PLAN", []byte("first\n"), store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// another writer commits version 2 out from under us: row and file
	// exist, but the entry row still points at version 1
	sum := blake3.Sum256([]byte("winner\n"))
	v2 := domain.DeliverableVersion{
		ExecutionID: "exec-1",
		Name:        "PLAN",
		Version:     2,
		Phase:       "DESIGN",
		Path:        filepath.Join("executions", "exec-1", "deliverables", "PLAN", "v002"),
		Hash:        hex.EncodeToString(sum[:]),
		SizeBytes:   7,
		LineCount:   1,
		CreatedAt:   "2024-01-01T00:00:00Z",
	}
	tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.InsertDeliverableVersion(env.Ctx, tx, v2); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.Root, v2.Path), []byte("winner\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// the losing create must fail without touching either committed file
	if _, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "PLAN", []byte("loser\n"), store.CreateOptions{}); err == nil {
		t.Fatal("expected version conflict error")
	}
	content, got, err := env.Store.GetDeliverable(env.Ctx, "exec-1", "PLAN", 1)
	if err != nil {
		t.Fatalf("get v1 after conflict: %v", err)
	}
	if string(content) != "first\n" || got.Hash != v1.Hash {
		t.Fatalf("v1 changed: %q %s", content, got.Hash)
	}
	content, _, err = env.Store.GetDeliverable(env.Ctx, "exec-1", "PLAN", 2)
	if err != nil {
		t.Fatalf("get v2 after conflict: %v", err)
	}
	if string(content) != "winner\n" {
		t.Fatalf("v2 clobbered: %q", content)
	}
}

func TestUnknownExecutionRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.CreateDeliverable(env.Ctx, "missing", "DESIGN", "PLAN", []byte("x"), store.CreateOptions{})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLineCount(t *testing.T) {
	env := newTestEnv(t)
	v, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "N", []byte("a\nb\nc"), store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if v.LineCount != 3 {
		t.Fatalf("lines = %d, want 3 (no trailing newline)", v.LineCount)
	}
	v, err = env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "E", []byte(""), store.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if v.LineCount != 0 || v.SizeBytes != 0 {
		t.Fatalf("empty deliverable: lines=%d size=%d", v.LineCount, v.SizeBytes)
	}
}

func TestCheckpointOverwrites(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Store.SaveCheckpoint(env.Ctx, "exec-1", "DESIGN", "design", `{"step":1}`, "agent-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := env.Store.SaveCheckpoint(env.Ctx, "exec-1", "BUILD", "", `{"step":2}`, "agent-1"); err != nil {
		t.Fatalf("save again: %v", err)
	}
	cp, err := env.Store.LoadCheckpoint(env.Ctx, "exec-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Phase != "BUILD" || cp.DataJSON != `{"step":2}` {
		t.Fatalf("checkpoint not overwritten: %+v", cp)
	}
	// invalid payloads never reach storage
	if _, err := env.Store.SaveCheckpoint(env.Ctx, "exec-1", "BUILD", "", `{broken`, "agent-1"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestTransientAreas(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Store.WriteTransient("exec-1", store.AreaWorking, "notes.md", []byte("wip\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := env.Store.WriteTransient("exec-1", store.AreaScratch, "tmp.txt", []byte("junk\n")); err != nil {
		t.Fatal(err)
	}
	data, err := env.Store.ReadTransient("exec-1", store.AreaWorking, "notes.md")
	if err != nil || string(data) != "wip\n" {
		t.Fatalf("read: %q %v", data, err)
	}
	names, err := env.Store.ListTransient("exec-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 entries", names)
	}
	if err := env.Store.CleanupTransient("exec-1", true); err != nil {
		t.Fatalf("cleanup scratch: %v", err)
	}
	if _, err := env.Store.ReadTransient("exec-1", store.AreaScratch, "tmp.txt"); err == nil {
		t.Fatal("scratch file survived cleanup")
	}
	if _, err := env.Store.ReadTransient("exec-1", store.AreaWorking, "notes.md"); err != nil {
		t.Fatalf("working file removed by scratch-only cleanup: %v", err)
	}
}

func TestTransientRejectsTraversal(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Store.WriteTransient("exec-1", store.AreaWorking, "../escape", []byte("x")); err == nil {
		t.Fatal("expected traversal rejection")
	}
	if err := env.Store.WriteTransient("exec-1", store.AreaWorking, "/abs", []byte("x")); err == nil {
		t.Fatal("expected absolute path rejection")
	}
}

func TestSearchCaps(t *testing.T) {
	env := newTestEnv(t)
	content := []byte("needle one\nneedle two\nneedle three\nneedle four\nneedle five\nneedle six\nneedle seven\n")
	if _, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "HAY", content, store.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	matches, err := env.Store.SearchDeliverables(env.Ctx, "NEEDLE", repo.DeliverableFilters{ExecutionID: "exec-1"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	// default per-artifact cap is 5
	if len(matches) != 5 {
		t.Fatalf("matches = %d, want 5", len(matches))
	}
	if matches[0].LineNumber != 1 || matches[0].Line != "needle one" {
		t.Fatalf("unexpected first match: %+v", matches[0])
	}
	// superseded versions are not searched
	if _, err := env.Store.CreateDeliverable(env.Ctx, "exec-1", "DESIGN", "HAY", []byte("clean\n"), store.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	matches, err = env.Store.SearchDeliverables(env.Ctx, "needle", repo.DeliverableFilters{ExecutionID: "exec-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("matches = %d after supersede, want 0", len(matches))
	}
}
