package guarantee

import (
	"fmt"

	"loopline/internal/config"
	"loopline/internal/domain"
)

// Registry is the static catalog of declared guarantees, loaded from
// workspace config. Entries are immutable once loaded; a config reload
// swaps the whole registry and invalidates downstream aggregations.
type Registry struct {
	cfg *config.Config
}

func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg}
}

// Resolve looks up one catalog entry by id.
func (r *Registry) Resolve(id string) (domain.Guarantee, bool) {
	spec, ok := r.cfg.Guarantees.Catalog[id]
	if !ok {
		return domain.Guarantee{}, false
	}
	required := true
	if spec.Required != nil {
		required = *spec.Required
	}
	return domain.Guarantee{
		ID:          id,
		Description: spec.Description,
		Check:       spec.Check,
		Deliverable: spec.Deliverable,
		MinLines:    spec.MinLines,
		Required:    required,
	}, true
}

// GuaranteesFor returns the guarantees bound to a skill id.
func (r *Registry) GuaranteesFor(skillID string) ([]domain.Guarantee, error) {
	return r.resolve(r.cfg.Guarantees.Skills[skillID], "skill:"+skillID)
}

// GuaranteesForPhase returns the guarantees bound to a phase name.
func (r *Registry) GuaranteesForPhase(phase string) ([]domain.Guarantee, error) {
	return r.resolve(r.cfg.Guarantees.Phases[phase], "phase:"+phase)
}

// GuaranteesForGate returns gate-bound guarantees. Bindings are keyed
// "loopID/gateID" with a bare gateID fallback for loop-agnostic bindings.
func (r *Registry) GuaranteesForGate(loopID, gateID string) ([]domain.Guarantee, error) {
	ids, ok := r.cfg.Guarantees.Gates[loopID+"/"+gateID]
	if !ok {
		ids = r.cfg.Guarantees.Gates[gateID]
	}
	return r.resolve(ids, "gate:"+gateID)
}

func (r *Registry) resolve(ids []string, source string) ([]domain.Guarantee, error) {
	var out []domain.Guarantee
	for _, id := range ids {
		g, ok := r.Resolve(id)
		if !ok {
			return nil, fmt.Errorf("guarantee %s bound to %s not in catalog", id, source)
		}
		g.Source = source
		out = append(out, g)
	}
	return out, nil
}
