package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loopline/internal/config"
	"loopline/internal/coord"
	"loopline/internal/db"
	"loopline/internal/engine"
	"loopline/internal/guarantee"
	"loopline/internal/loop"
	"loopline/internal/migrate"
	"loopline/internal/repo"
	"loopline/internal/store"
)

type testEnv struct {
	Engine *engine.Engine
	Store  *store.Store
	Coord  *coord.Coordinator
	Repo   repo.Repo
	Ctx    context.Context
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
	// bindings come from the loop under test, not the default catalog wiring
	cfg.Guarantees.Skills = map[string][]string{}
	cfg.Guarantees.Phases = map[string][]string{}
	reg := guarantee.NewRegistry(cfg)
	agg := guarantee.NewAggregator(reg, guarantee.Options{})
	st := store.New(conn, db.Root(dir), cfg)
	co := coord.New(conn, cfg)
	eng := engine.New(conn, st, co, agg, cfg)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return fixed }
	return testEnv{Engine: eng, Store: st, Coord: co, Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
}

func twoPhaseLoop(gate *loop.Gate) *loop.Definition {
	return &loop.Definition{
		ID: "dev-loop",
		Phases: []loop.Phase{
			{Name: "DESIGN", Skills: []loop.Skill{{ID: "design", Required: true}}, Gate: gate},
			{Name: "BUILD", Skills: []loop.Skill{{ID: "build", Required: true}}},
		},
	}
}

func TestStartSeedsFirstPhase(t *testing.T) {
	env := newTestEnv(t)
	exec, err := env.Engine.Start(env.Ctx, twoPhaseLoop(nil), "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if exec.Status != "active" {
		t.Fatalf("status = %s, want active", exec.Status)
	}
	full, err := env.Engine.Status(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(full.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(full.Phases))
	}
	if full.Phases[0].Status != "in_progress" || full.Phases[0].StartedAt == nil {
		t.Fatalf("first phase not started: %+v", full.Phases[0])
	}
	if full.Phases[1].Status != "pending" {
		t.Fatalf("second phase = %s, want pending", full.Phases[1].Status)
	}
	if len(full.Phases[0].Skills) != 1 || full.Phases[0].Skills[0].Status != "pending" {
		t.Fatalf("skills not seeded: %+v", full.Phases[0].Skills)
	}
}

func TestRequiredSkillGatesPhaseCompletion(t *testing.T) {
	env := newTestEnv(t)
	exec, err := env.Engine.Start(env.Ctx, twoPhaseLoop(nil), "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CompletePhase(env.Ctx, exec.ID, "tester")
	if !errors.Is(err, engine.ErrIncompleteRequiredSkills) {
		t.Fatalf("expected ErrIncompleteRequiredSkills, got %v", err)
	}
	if _, err := env.Engine.CompleteSkill(env.Ctx, exec.ID, "design", `{"ok":true}`, "tester"); err != nil {
		t.Fatalf("complete skill: %v", err)
	}
	// completing the last required skill completes the phase
	p, err := env.Repo.GetPhase(env.Ctx, exec.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "completed" {
		t.Fatalf("phase = %s, want completed", p.Status)
	}
}

func TestHumanGateBlocksAdvance(t *testing.T) {
	env := newTestEnv(t)
	def := twoPhaseLoop(&loop.Gate{ID: "design-gate", Approval: "human", Guarantees: []string{"plan.exists"}})
	exec, err := env.Engine.Start(env.Ctx, def, "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteSkill(env.Ctx, exec.ID, "design", "", "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AdvancePhase(env.Ctx, exec.ID, "tester")
	if !errors.Is(err, engine.ErrGateNotApproved) {
		t.Fatalf("expected ErrGateNotApproved, got %v", err)
	}
	// approval fails while the PLAN deliverable is missing
	_, err = env.Engine.ApproveGate(env.Ctx, exec.ID, "design-gate", "reviewer")
	var gv *engine.GuaranteeViolation
	if !errors.As(err, &gv) {
		t.Fatalf("expected GuaranteeViolation, got %v", err)
	}
	if len(gv.Unmet) != 1 || gv.Unmet[0].ID != "plan.exists" {
		t.Fatalf("unexpected unmet set: %+v", gv.Unmet)
	}
	if _, err := env.Store.CreateDeliverable(env.Ctx, exec.ID, "DESIGN", "PLAN", []byte("step 1\nstep 2\n"), store.CreateOptions{ActorID: "tester"}); err != nil {
		t.Fatalf("create deliverable: %v", err)
	}
	g, err := env.Engine.ApproveGate(env.Ctx, exec.ID, "design-gate", "reviewer")
	if err != nil {
		t.Fatalf("approve after deliverable: %v", err)
	}
	if g.Status != "approved" || g.Approver == nil || *g.Approver != "reviewer" {
		t.Fatalf("gate not approved: %+v", g)
	}
	if _, err := env.Engine.AdvancePhase(env.Ctx, exec.ID, "tester"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	p, err := env.Repo.GetPhase(env.Ctx, exec.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "in_progress" {
		t.Fatalf("second phase = %s, want in_progress", p.Status)
	}
}

func TestAutoGateEvaluatedDuringAdvance(t *testing.T) {
	env := newTestEnv(t)
	def := twoPhaseLoop(&loop.Gate{ID: "design-gate", Approval: "auto", Guarantees: []string{"plan.exists"}})
	exec, err := env.Engine.Start(env.Ctx, def, "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteSkill(env.Ctx, exec.ID, "design", "", "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AdvancePhase(env.Ctx, exec.ID, "tester")
	var gv *engine.GuaranteeViolation
	if !errors.As(err, &gv) {
		t.Fatalf("expected GuaranteeViolation, got %v", err)
	}
	if _, err := env.Store.CreateDeliverable(env.Ctx, exec.ID, "DESIGN", "PLAN", []byte("plan\n"), store.CreateOptions{ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvancePhase(env.Ctx, exec.ID, "tester"); err != nil {
		t.Fatalf("advance with deliverable: %v", err)
	}
	g, err := env.Repo.GetGate(env.Ctx, exec.ID, "design-gate")
	if err != nil {
		t.Fatal(err)
	}
	if g.Status != "approved" || g.Approver == nil || *g.Approver != "auto" {
		t.Fatalf("auto gate not approved: %+v", g)
	}
}

func TestRejectGateReopensPhase(t *testing.T) {
	env := newTestEnv(t)
	def := twoPhaseLoop(&loop.Gate{ID: "design-gate", Approval: "human"})
	exec, err := env.Engine.Start(env.Ctx, def, "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteSkill(env.Ctx, exec.ID, "design", "", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RejectGate(env.Ctx, exec.ID, "design-gate", "", "reviewer"); err == nil {
		t.Fatal("expected error for empty feedback")
	}
	g, err := env.Engine.RejectGate(env.Ctx, exec.ID, "design-gate", "needs more detail", "reviewer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if g.Status != "rejected" || g.Feedback == nil || *g.Feedback != "needs more detail" {
		t.Fatalf("gate not rejected: %+v", g)
	}
	p, err := env.Repo.GetPhase(env.Ctx, exec.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "in_progress" {
		t.Fatalf("phase = %s, want in_progress after rejection", p.Status)
	}
	// rework and approve from rejected
	if _, err := env.Engine.CompletePhase(env.Ctx, exec.ID, "tester"); err != nil {
		t.Fatalf("complete after rework: %v", err)
	}
	if _, err := env.Engine.ApproveGate(env.Ctx, exec.ID, "design-gate", "reviewer"); err != nil {
		t.Fatalf("approve after rework: %v", err)
	}
}

func TestSkipPhaseBypassesGate(t *testing.T) {
	env := newTestEnv(t)
	def := twoPhaseLoop(&loop.Gate{ID: "design-gate", Approval: "human", Guarantees: []string{"plan.exists"}})
	exec, err := env.Engine.Start(env.Ctx, def, "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SkipPhase(env.Ctx, exec.ID, "tester", "prototyping"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	p0, _ := env.Repo.GetPhase(env.Ctx, exec.ID, 0)
	if p0.Status != "skipped" {
		t.Fatalf("phase 0 = %s, want skipped", p0.Status)
	}
	p1, _ := env.Repo.GetPhase(env.Ctx, exec.ID, 1)
	if p1.Status != "in_progress" {
		t.Fatalf("phase 1 = %s, want in_progress", p1.Status)
	}
}

func TestLastPhaseCompletesExecution(t *testing.T) {
	env := newTestEnv(t)
	exec, err := env.Engine.Start(env.Ctx, twoPhaseLoop(nil), "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteSkill(env.Ctx, exec.ID, "design", "", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvancePhase(env.Ctx, exec.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteSkill(env.Ctx, exec.ID, "build", "", "tester"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.AdvancePhase(env.Ctx, exec.ID, "tester")
	if err != nil {
		t.Fatalf("final advance: %v", err)
	}
	if got.Status != "completed" || got.CompletedAt == nil {
		t.Fatalf("execution = %+v, want completed", got)
	}
	// terminal executions refuse further work
	_, err = env.Engine.CompleteSkill(env.Ctx, exec.ID, "build", "", "tester")
	if !errors.Is(err, engine.ErrExecutionTerminal) {
		t.Fatalf("expected ErrExecutionTerminal, got %v", err)
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	env := newTestEnv(t)
	exec, err := env.Engine.Start(env.Ctx, twoPhaseLoop(nil), "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Pause(env.Ctx, exec.ID, "tester", "lunch"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err = env.Engine.CompleteSkill(env.Ctx, exec.ID, "design", "", "tester")
	if !errors.Is(err, engine.ErrExecutionNotActive) {
		t.Fatalf("expected ErrExecutionNotActive, got %v", err)
	}
	if err := env.Engine.Resume(env.Ctx, exec.ID, "tester"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := env.Engine.CompleteSkill(env.Ctx, exec.ID, "design", "", "tester"); err != nil {
		t.Fatalf("complete after resume: %v", err)
	}
}

func TestAbortReleasesReservations(t *testing.T) {
	env := newTestEnv(t)
	exec, err := env.Engine.Start(env.Ctx, twoPhaseLoop(nil), "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	res, conflict, err := env.Coord.CreateReservation(env.Ctx, coord.ReservationOptions{
		CollaboratorID: "agent-1",
		ExecutionID:    exec.ID,
		Type:           "file",
		Target:         "internal/core.go",
		Exclusive:      true,
	})
	if err != nil || conflict != nil {
		t.Fatalf("reserve: %v %+v", err, conflict)
	}
	if err := env.Engine.Abort(env.Ctx, exec.ID, "tester", "scope change"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := env.Repo.GetReservation(env.Ctx, res.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("reservation still present after abort: %v", err)
	}
	// aborting again is a no-op
	if err := env.Engine.Abort(env.Ctx, exec.ID, "tester", "again"); err != nil {
		t.Fatalf("second abort: %v", err)
	}
	got, err := env.Repo.GetExecution(env.Ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "aborted" {
		t.Fatalf("status = %s, want aborted", got.Status)
	}
}

func TestPendingGatesListsArtifacts(t *testing.T) {
	env := newTestEnv(t)
	def := twoPhaseLoop(&loop.Gate{ID: "design-gate", Approval: "human"})
	exec, err := env.Engine.Start(env.Ctx, def, "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Store.CreateDeliverable(env.Ctx, exec.ID, "DESIGN", "ARCHITECTURE", []byte("layers\n"), store.CreateOptions{ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteSkill(env.Ctx, exec.ID, "design", "", "tester"); err != nil {
		t.Fatal(err)
	}
	pending, err := env.Engine.PendingGates(env.Ctx)
	if err != nil {
		t.Fatalf("pending gates: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Gate.ID != "design-gate" || len(pending[0].Artifacts) != 1 || pending[0].Artifacts[0] != "ARCHITECTURE" {
		t.Fatalf("unexpected entry: %+v", pending[0])
	}
}

func TestBuildManifest(t *testing.T) {
	env := newTestEnv(t)
	exec, err := env.Engine.Start(env.Ctx, twoPhaseLoop(nil), "proj-1", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Store.CreateDeliverable(env.Ctx, exec.ID, "DESIGN", "PLAN", []byte("v1\n"), store.CreateOptions{ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Store.CreateDeliverable(env.Ctx, exec.ID, "DESIGN", "PLAN", []byte("v2\n"), store.CreateOptions{ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	m, err := env.Engine.BuildManifest(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	entry, ok := m.Deliverables["PLAN"]
	if !ok || entry.CurrentVersion != 2 || len(entry.Versions) != 2 {
		t.Fatalf("unexpected PLAN entry: %+v", entry)
	}
	if m.PhaseCounts["DESIGN"] != 1 {
		t.Fatalf("phase counts = %+v", m.PhaseCounts)
	}
}
