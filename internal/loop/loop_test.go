package loop_test

import (
	"errors"
	"testing"

	"loopline/internal/loop"
)

const validYAML = `id: dev-loop
name: Development loop
phases:
  - name: DESIGN
    skills:
      - id: design
        required: true
    gate:
      id: design-gate
      approval: human
      guarantees: [arch.exists]
  - name: BUILD
    skills:
      - id: build
        required: true
      - id: docs
        parallel: true
`

func TestFromYAML(t *testing.T) {
	def, err := loop.FromYAML([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.ID != "dev-loop" || len(def.Phases) != 2 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	g := def.GateForPhase("DESIGN")
	if g == nil || g.ID != "design-gate" || !g.GateEnabled() {
		t.Fatalf("gate = %+v", g)
	}
	if def.GateForPhase("BUILD") != nil {
		t.Fatal("BUILD should have no gate")
	}
	if def.PhaseIndex("BUILD") != 1 || def.PhaseIndex("missing") != -1 {
		t.Fatal("phase index lookup broken")
	}
	got := def.SkillIDs()
	want := []string{"design", "build", "docs"}
	if len(got) != len(want) {
		t.Fatalf("skill ids = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("skill ids = %v, want %v", got, want)
		}
	}
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		def  loop.Definition
	}{
		{"no id", loop.Definition{Phases: []loop.Phase{{Name: "A"}}}},
		{"no phases", loop.Definition{ID: "l"}},
		{"unnamed phase", loop.Definition{ID: "l", Phases: []loop.Phase{{}}}},
		{"duplicate phase", loop.Definition{ID: "l", Phases: []loop.Phase{{Name: "A"}, {Name: "A"}}}},
		{"duplicate skill", loop.Definition{ID: "l", Phases: []loop.Phase{
			{Name: "A", Skills: []loop.Skill{{ID: "s"}}},
			{Name: "B", Skills: []loop.Skill{{ID: "s"}}},
		}}},
		{"bad approval", loop.Definition{ID: "l", Phases: []loop.Phase{
			{Name: "A", Gate: &loop.Gate{ID: "g", Approval: "maybe"}},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.def.Validate(); !errors.Is(err, loop.ErrInvalidLoopDefinition) {
				t.Fatalf("expected ErrInvalidLoopDefinition, got %v", err)
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	def, err := loop.FromYAML([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	snapshot, err := def.MarshalSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := loop.FromSnapshot(snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if restored.ID != def.ID || len(restored.Phases) != len(def.Phases) {
		t.Fatalf("restored = %+v", restored)
	}
	if restored.Phases[0].Gate == nil || restored.Phases[0].Gate.Approval != "human" {
		t.Fatal("gate lost in snapshot")
	}
}

func TestDisabledGate(t *testing.T) {
	disabled := false
	g := loop.Gate{ID: "g", Approval: "human", Enabled: &disabled}
	if g.GateEnabled() {
		t.Fatal("expected disabled gate")
	}
}
