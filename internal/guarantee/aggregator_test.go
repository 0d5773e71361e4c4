package guarantee_test

import (
	"testing"
	"time"

	"loopline/internal/config"
	"loopline/internal/domain"
	"loopline/internal/guarantee"
	"loopline/internal/loop"
)

func testConfig() *config.Config {
	optional := false
	cfg := config.Default("test")
	cfg.Guarantees.Catalog = map[string]config.GuaranteeSpec{
		"arch.exists":  {Check: "deliverable-exists", Deliverable: "ARCHITECTURE"},
		"plan.exists":  {Check: "deliverable-exists", Deliverable: "PLAN"},
		"tests.report": {Check: "deliverable-nonempty", Deliverable: "TEST_REPORT"},
		"style.notes":  {Check: "deliverable-exists", Deliverable: "STYLE", Required: &optional},
	}
	cfg.Guarantees.Skills = map[string][]string{
		"design": {"arch.exists", "style.notes"},
		"test":   {"tests.report"},
	}
	cfg.Guarantees.Phases = map[string][]string{
		"DESIGN": {"plan.exists"},
	}
	cfg.Guarantees.Gates = map[string][]string{}
	return cfg
}

func testLoop() *loop.Definition {
	return &loop.Definition{
		ID: "dev-loop",
		Phases: []loop.Phase{
			{
				Name:   "DESIGN",
				Skills: []loop.Skill{{ID: "design", Required: true}},
				Gate:   &loop.Gate{ID: "design-gate", Approval: "human"},
			},
			{
				Name:   "VERIFY",
				Skills: []loop.Skill{{ID: "test", Required: true}},
			},
		},
	}
}

func newAggregator(cfg *config.Config, opts guarantee.Options) *guarantee.Aggregator {
	agg := guarantee.NewAggregator(guarantee.NewRegistry(cfg), opts)
	agg.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return agg
}

func idsOf(gs []domain.Guarantee) []string {
	var out []string
	for _, g := range gs {
		out = append(out, g.ID)
	}
	return out
}

func TestAggregateFoldsSkillAndPhaseBindings(t *testing.T) {
	agg := newAggregator(testConfig(), guarantee.Options{})
	res, err := agg.Aggregate(testLoop())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	design := res.ByPhase["DESIGN"]
	// optional style.notes is excluded by default
	if len(design) != 2 {
		t.Fatalf("DESIGN guarantees = %v", idsOf(design))
	}
	if design[0].ID != "arch.exists" || design[1].ID != "plan.exists" {
		t.Fatalf("unexpected order: %v", idsOf(design))
	}
	if design[0].Source != "skill:design" || design[1].Source != "phase:DESIGN" {
		t.Fatalf("sources = %s %s", design[0].Source, design[1].Source)
	}
	// the gate inherits the required set of the phase it guards
	gate := res.ByGate["design-gate"]
	if len(gate) != 2 || gate[0].ID != "arch.exists" || gate[1].ID != "plan.exists" {
		t.Fatalf("gate guarantees = %v", idsOf(gate))
	}
}

func TestIncludeOptional(t *testing.T) {
	agg := newAggregator(testConfig(), guarantee.Options{IncludeOptional: true})
	res, err := agg.Aggregate(testLoop())
	if err != nil {
		t.Fatal(err)
	}
	design := res.ByPhase["DESIGN"]
	if len(design) != 3 {
		t.Fatalf("DESIGN guarantees = %v, want optional included", idsOf(design))
	}
	// optional guarantees never reach the gate set
	for _, g := range res.ByGate["design-gate"] {
		if g.ID == "style.notes" {
			t.Fatal("optional guarantee leaked into gate set")
		}
	}
}

func TestRequireSkillGuarantees(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Guarantees.Skills, "test")
	agg := newAggregator(cfg, guarantee.Options{RequireSkillGuarantees: true})
	if _, err := agg.Aggregate(testLoop()); err == nil {
		t.Fatal("expected error for uncovered skill")
	}
	// without the option it degrades to a warning
	agg = newAggregator(cfg, guarantee.Options{})
	res, err := agg.Aggregate(testLoop())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v", res.Warnings)
	}
}

func TestUnknownBindingRejected(t *testing.T) {
	agg := newAggregator(testConfig(), guarantee.Options{})
	def := testLoop()
	def.Phases[0].Gate.Guarantees = []string{"no.such"}
	if _, err := agg.Aggregate(def); err == nil {
		t.Fatal("expected error for unknown gate guarantee")
	}
}

func TestCacheAndInvalidation(t *testing.T) {
	cfg := testConfig()
	agg := newAggregator(cfg, guarantee.Options{})
	def := testLoop()
	first, err := agg.Aggregate(def)
	if err != nil {
		t.Fatal(err)
	}
	again, err := agg.Aggregate(def)
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Fatal("expected cached instance on second aggregate")
	}
	agg.Invalidate(def.ID)
	rebuilt, err := agg.Aggregate(def)
	if err != nil {
		t.Fatal(err)
	}
	if rebuilt == first {
		t.Fatal("invalidate did not drop the cache entry")
	}
}

func TestEditedDefinitionRebuildsAggregation(t *testing.T) {
	agg := newAggregator(testConfig(), guarantee.Options{})
	gateless := testLoop()
	gateless.Phases[0].Gate = nil
	res, err := agg.Aggregate(gateless)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ByGate) != 0 {
		t.Fatalf("gateless loop produced gate sets: %v", res.ByGate)
	}
	// same loop id, edited content: the gate set must reflect the edit
	edited := testLoop()
	res, err = agg.Aggregate(edited)
	if err != nil {
		t.Fatal(err)
	}
	gate := res.ByGate["design-gate"]
	if len(gate) == 0 {
		t.Fatal("edited loop served the stale gateless aggregation")
	}
}

func TestOnSkillChangedDropsCoveringLoops(t *testing.T) {
	agg := newAggregator(testConfig(), guarantee.Options{})
	def := testLoop()
	other := &loop.Definition{
		ID:     "docs-loop",
		Phases: []loop.Phase{{Name: "WRITE", Skills: []loop.Skill{{ID: "draft", Required: true}}}},
	}
	first, err := agg.Aggregate(def)
	if err != nil {
		t.Fatal(err)
	}
	otherFirst, err := agg.Aggregate(other)
	if err != nil {
		t.Fatal(err)
	}
	// only loops covering the changed skill are dropped
	agg.OnSkillChanged("design")
	rebuilt, err := agg.Aggregate(def)
	if err != nil {
		t.Fatal(err)
	}
	if rebuilt == first {
		t.Fatal("covering loop not invalidated")
	}
	otherAgain, err := agg.Aggregate(other)
	if err != nil {
		t.Fatal(err)
	}
	if otherAgain != otherFirst {
		t.Fatal("unrelated loop was invalidated")
	}
}
