package coord_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loopline/internal/config"
	"loopline/internal/coord"
	"loopline/internal/db"
	"loopline/internal/migrate"
	"loopline/internal/repo"
)

type testEnv struct {
	Coord *coord.Coordinator
	Repo  repo.Repo
	Ctx   context.Context
	now   *time.Time
}

func (e testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
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
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	co := coord.New(conn, config.Default("test"))
	co.Now = func() time.Time { return now }
	return testEnv{Coord: co, Repo: repo.Repo{DB: conn}, Ctx: context.Background(), now: &now}
}

func TestExclusiveReservationConflicts(t *testing.T) {
	env := newTestEnv(t)
	first, conflict, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-1", Type: "file", Target: "core.go", Exclusive: true,
	})
	if err != nil || conflict != nil {
		t.Fatalf("first reserve: %v %+v", err, conflict)
	}
	_, conflict, err = env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-2", Type: "file", Target: "core.go", Exclusive: true,
	})
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if conflict == nil || len(conflict.Blocking) != 1 || conflict.Blocking[0].ID != first.ID {
		t.Fatalf("expected conflict with first holder, got %+v", conflict)
	}
	// a different target is free
	_, conflict, err = env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-2", Type: "file", Target: "other.go", Exclusive: true,
	})
	if err != nil || conflict != nil {
		t.Fatalf("different target: %v %+v", err, conflict)
	}
}

func TestSharedReservations(t *testing.T) {
	env := newTestEnv(t)
	_, conflict, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-1", Type: "file", Target: "core.go",
	})
	if err != nil || conflict != nil {
		t.Fatal(err)
	}
	// shared alongside shared is fine
	_, conflict, err = env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-2", Type: "file", Target: "core.go",
	})
	if err != nil || conflict != nil {
		t.Fatalf("shared+shared: %v %+v", err, conflict)
	}
	// exclusive over shared holders is blocked
	_, conflict, err = env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-3", Type: "file", Target: "core.go", Exclusive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil || len(conflict.Blocking) != 2 {
		t.Fatalf("expected 2 blockers, got %+v", conflict)
	}
}

func TestExpiryAllowsRetry(t *testing.T) {
	env := newTestEnv(t)
	first, _, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-1", Type: "file", Target: "core.go", Exclusive: true, DurationMs: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Second)
	_, conflict, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-2", Type: "file", Target: "core.go", Exclusive: true,
	})
	if err != nil || conflict != nil {
		t.Fatalf("reserve after expiry: %v %+v", err, conflict)
	}
	// the lapsed row was swept during the grant
	if _, err := env.Repo.GetReservation(env.Ctx, first.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expired reservation not reclaimed: %v", err)
	}
}

func TestExtendAddsToExpiry(t *testing.T) {
	env := newTestEnv(t)
	res, _, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-1", Type: "file", Target: "core.go", Exclusive: true, DurationMs: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Coord.ExtendReservation(env.Ctx, res.ID, 2000)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	want := env.now.Add(3 * time.Second).Format(time.RFC3339)
	if got.ExpiresAt != want {
		t.Fatalf("expiry = %s, want %s", got.ExpiresAt, want)
	}
}

func TestExtendExpiredFails(t *testing.T) {
	env := newTestEnv(t)
	res, _, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-1", Type: "file", Target: "core.go", Exclusive: true, DurationMs: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(time.Minute)
	if _, err := env.Coord.ExtendReservation(env.Ctx, res.ID, 2000); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.Repo.GetReservation(env.Ctx, res.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatal("lapsed reservation not deleted")
	}
}

func TestReleaseChecksOwner(t *testing.T) {
	env := newTestEnv(t)
	res, _, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-1", Type: "file", Target: "core.go", Exclusive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Coord.ReleaseReservation(env.Ctx, res.ID, "agent-2"); err == nil {
		t.Fatal("expected ownership error")
	}
	if err := env.Coord.ReleaseReservation(env.Ctx, res.ID, "agent-1"); err != nil {
		t.Fatalf("owner release: %v", err)
	}
}

func TestMergeQueueOrdering(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Coord.RequestMerge(env.Ctx, "agent-1", "set-a", "auth")
	if err != nil {
		t.Fatal(err)
	}
	env.advance(time.Second)
	b, err := env.Coord.RequestMerge(env.Ctx, "agent-2", "set-b", "auth")
	if err != nil {
		t.Fatal(err)
	}
	// the later request on the same module is blocked by the earlier one
	got, conflict, err := env.Coord.CheckMergeConflicts(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil || len(conflict.Blocking) != 1 || conflict.Blocking[0].RequestID != a.ID {
		t.Fatalf("expected conflict with earlier request, got %+v", conflict)
	}
	if got.Status != "pending" || got.ConflictJSON == nil {
		t.Fatalf("blocked request = %+v", got)
	}
	// the earlier request sees no one ahead of it
	got, conflict, err = env.Coord.CheckMergeConflicts(env.Ctx, a.ID)
	if err != nil || conflict != nil {
		t.Fatalf("check a: %v %+v", err, conflict)
	}
	if got.Status != "ready" {
		t.Fatalf("a = %s, want ready", got.Status)
	}
	// executing before ready is refused
	_, _, err = env.Coord.ExecuteMerge(env.Ctx, b.ID)
	if !errors.Is(err, coord.ErrMergeNotReady) {
		t.Fatalf("expected ErrMergeNotReady, got %v", err)
	}
	got, conflict, err = env.Coord.ExecuteMerge(env.Ctx, a.ID)
	if err != nil || conflict != nil {
		t.Fatalf("execute a: %v %+v", err, conflict)
	}
	if got.Status != "merged" {
		t.Fatalf("a = %s, want merged", got.Status)
	}
	// with a merged, b can proceed
	got, conflict, err = env.Coord.CheckMergeConflicts(env.Ctx, b.ID)
	if err != nil || conflict != nil {
		t.Fatalf("recheck b: %v %+v", err, conflict)
	}
	if got.Status != "ready" {
		t.Fatalf("b = %s, want ready", got.Status)
	}
	if got, _, err = env.Coord.ExecuteMerge(env.Ctx, b.ID); err != nil || got.Status != "merged" {
		t.Fatalf("execute b: %v %+v", err, got)
	}
}

func TestMergeConflictThroughReservations(t *testing.T) {
	env := newTestEnv(t)
	// two different modules, but both agent sets hold the same file
	if _, _, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-1", AgentSetID: "set-a", Type: "file", Target: "shared.go",
	}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-2", AgentSetID: "set-b", Type: "config", Target: "shared.go",
	}); err != nil {
		t.Fatal(err)
	}
	a, err := env.Coord.RequestMerge(env.Ctx, "agent-1", "set-a", "auth")
	if err != nil {
		t.Fatal(err)
	}
	env.advance(time.Second)
	b, err := env.Coord.RequestMerge(env.Ctx, "agent-2", "set-b", "billing")
	if err != nil {
		t.Fatal(err)
	}
	// different resource types on the same target do not overlap
	_, conflict, err := env.Coord.CheckMergeConflicts(env.Ctx, b.ID)
	if err != nil || conflict != nil {
		t.Fatalf("disjoint resources conflicted: %+v", conflict)
	}
	// give set-b a file lease overlapping set-a's
	if _, _, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-2", AgentSetID: "set-b", Type: "file", Target: "shared.go",
	}); err != nil {
		t.Fatal(err)
	}
	_, conflict, err = env.Coord.CheckMergeConflicts(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil || conflict.Blocking[0].RequestID != a.ID {
		t.Fatalf("expected overlap conflict with %s, got %+v", a.ID, conflict)
	}
}

func TestRejectMerge(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Coord.RequestMerge(env.Ctx, "agent-1", "set-a", "auth")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Coord.RejectMerge(env.Ctx, m.ID, "", "lead"); err == nil {
		t.Fatal("expected reason required")
	}
	got, err := env.Coord.RejectMerge(env.Ctx, m.ID, "stale branch", "lead")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != "rejected" || got.Reason == nil || *got.Reason != "stale branch" {
		t.Fatalf("rejected = %+v", got)
	}
	if _, err := env.Coord.RejectMerge(env.Ctx, m.ID, "again", "lead"); !errors.Is(err, coord.ErrMergeTerminal) {
		t.Fatalf("expected ErrMergeTerminal, got %v", err)
	}
}
