package detector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"spamguard/internal/config"
	"spamguard/internal/model"
)

// Detector evaluates one spam signal. Evaluate never fails: a detector that
// cannot decide returns model.NoOpinion with the cause in Details["error"].
type Detector interface {
	ID() string
	Enabled(cfg *config.Config) bool
	Evaluate(ctx context.Context, ev model.VisitorEvent, cfg *config.Config) model.Verdict
}

type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

func NewRegistry(detectors ...Detector) (*Registry, error) {
	r := &Registry{detectors: make(map[string]Detector, len(detectors))}
	for _, d := range detectors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(d Detector) error {
	if d == nil {
		return fmt.Errorf("detector is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.detectors[d.ID()]; exists {
		return fmt.Errorf("detector %q already registered", d.ID())
	}
	r.detectors[d.ID()] = d
	return nil
}

func (r *Registry) Get(id string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[id]
	return d, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.detectors))
	for id := range r.detectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ordered returns the enabled detectors in pipeline.order. Registered
// detectors missing from the order run afterwards, sorted by id.
func (r *Registry) Ordered(cfg *config.Config) []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Detector, 0, len(r.detectors))
	seen := make(map[string]struct{}, len(r.detectors))
	for _, id := range cfg.Pipeline.Order {
		d, ok := r.detectors[id]
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		if d.Enabled(cfg) {
			out = append(out, d)
		}
	}
	var rest []string
	for id := range r.detectors {
		if _, ok := seen[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		if d := r.detectors[id]; d.Enabled(cfg) {
			out = append(out, d)
		}
	}
	return out
}
