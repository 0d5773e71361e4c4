package guarantee

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"loopline/internal/domain"
	"loopline/internal/loop"
)

// Aggregated is the compiled guarantee set for one loop definition,
// keyed by phase name and by gate id.
type Aggregated struct {
	LoopID   string
	ByPhase  map[string][]domain.Guarantee
	ByGate   map[string][]domain.Guarantee
	Warnings []string
	BuiltAt  time.Time
}

// Options control how per-skill guarantees fold into the aggregation.
type Options struct {
	IncludeOptional        bool
	RequireSkillGuarantees bool
}

// Aggregator is a read-through cache of Aggregated keyed by loop id plus
// a fingerprint of the definition content, so an edited loop re-run under
// the same id is never served the previous compilation. A reverse index
// of skills covered per entry lets OnSkillChanged drop exactly the
// affected entries. Never serves stale: any invalidation removes the
// entry and the next Aggregate rebuilds it.
type Aggregator struct {
	Registry *Registry
	Opts     Options
	Now      func() time.Time

	mu         sync.Mutex
	cache      map[string]*Aggregated
	skillIndex map[string]map[string]bool // skill id -> cache keys covering it
}

func NewAggregator(reg *Registry, opts Options) *Aggregator {
	return &Aggregator{
		Registry:   reg,
		Opts:       opts,
		Now:        time.Now,
		cache:      map[string]*Aggregated{},
		skillIndex: map[string]map[string]bool{},
	}
}

// Aggregate returns the cached compilation for this exact definition,
// building it on first use.
func (a *Aggregator) Aggregate(def *loop.Definition) (*Aggregated, error) {
	key, err := cacheKey(def)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if agg, ok := a.cache[key]; ok {
		return agg, nil
	}
	agg, err := a.build(def)
	if err != nil {
		return nil, err
	}
	a.cache[key] = agg
	for _, skillID := range def.SkillIDs() {
		keys := a.skillIndex[skillID]
		if keys == nil {
			keys = map[string]bool{}
			a.skillIndex[skillID] = keys
		}
		keys[key] = true
	}
	return agg, nil
}

// cacheKey fingerprints the definition so two definitions sharing a loop
// id never share a cache entry.
func cacheKey(def *loop.Definition) (string, error) {
	snapshot, err := def.MarshalSnapshot()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256([]byte(snapshot))
	return def.ID + "@" + hex.EncodeToString(sum[:8]), nil
}

func (a *Aggregator) build(def *loop.Definition) (*Aggregated, error) {
	agg := &Aggregated{
		LoopID:  def.ID,
		ByPhase: map[string][]domain.Guarantee{},
		ByGate:  map[string][]domain.Guarantee{},
		BuiltAt: a.Now(),
	}
	for _, p := range def.Phases {
		var phaseSet []domain.Guarantee
		for _, s := range p.Skills {
			gs, err := a.Registry.GuaranteesFor(s.ID)
			if err != nil {
				return nil, err
			}
			if len(gs) == 0 {
				if a.Opts.RequireSkillGuarantees {
					return nil, fmt.Errorf("skill %s has no guarantees and require_skill_guarantees is set", s.ID)
				}
				agg.Warnings = append(agg.Warnings, fmt.Sprintf("skill %s has no guarantees", s.ID))
			}
			for _, g := range gs {
				if !g.Required && !a.Opts.IncludeOptional {
					continue
				}
				phaseSet = append(phaseSet, g)
			}
		}
		pgs, err := a.Registry.GuaranteesForPhase(p.Name)
		if err != nil {
			return nil, err
		}
		phaseSet = append(phaseSet, pgs...)
		agg.ByPhase[p.Name] = dedupe(phaseSet)

		if p.Gate == nil {
			continue
		}
		var gateSet []domain.Guarantee
		ggs, err := a.Registry.GuaranteesForGate(def.ID, p.Gate.ID)
		if err != nil {
			return nil, err
		}
		gateSet = append(gateSet, ggs...)
		for _, id := range p.Gate.Guarantees {
			g, ok := a.Registry.Resolve(id)
			if !ok {
				return nil, fmt.Errorf("gate %s declares unknown guarantee %s", p.Gate.ID, id)
			}
			g.Source = "gate:" + p.Gate.ID
			gateSet = append(gateSet, g)
		}
		// A gate guards the phase it follows: approval also checks the
		// required guarantees compiled for that phase.
		for _, g := range agg.ByPhase[p.Name] {
			if g.Required {
				gateSet = append(gateSet, g)
			}
		}
		agg.ByGate[p.Gate.ID] = dedupe(gateSet)
	}
	return agg, nil
}

// Invalidate drops every cached entry for one loop id.
func (a *Aggregator) Invalidate(loopID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.cache {
		if strings.HasPrefix(key, loopID+"@") {
			a.drop(key)
		}
	}
}

// InvalidateAll drops every cached entry.
func (a *Aggregator) InvalidateAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = map[string]*Aggregated{}
	a.skillIndex = map[string]map[string]bool{}
}

// OnSkillChanged drops every cached entry whose aggregation covered the skill.
func (a *Aggregator) OnSkillChanged(skillID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.skillIndex[skillID] {
		a.drop(key)
	}
	delete(a.skillIndex, skillID)
}

func (a *Aggregator) drop(key string) {
	delete(a.cache, key)
	for skillID, keys := range a.skillIndex {
		delete(keys, key)
		if len(keys) == 0 {
			delete(a.skillIndex, skillID)
		}
	}
}

func dedupe(in []domain.Guarantee) []domain.Guarantee {
	seen := map[string]bool{}
	var out []domain.Guarantee
	for _, g := range in {
		if seen[g.ID] {
			continue
		}
		seen[g.ID] = true
		out = append(out, g)
	}
	return out
}
