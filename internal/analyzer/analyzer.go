// Package analyzer hosts the five fault-family plugins called for by
// spec.md §4.2: pure functions of (sample, rolling window) -> FaultScore,
// dispatched through a tagged-variant Registry rather than subclassing, per
// spec.md §9.
package analyzer

import (
	"fmt"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// Thresholds is the per-family severity-band configuration from spec.md
// §4.2: severity < Warn -> normal, < Fault -> warning, else fault.
type Thresholds struct {
	Warn  float64
	Fault float64
}

// DefaultThresholds is a conservative starting point, overridable per
// family via internal/config.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 0.3, Fault: 0.7}
}

// StatusFor applies the severity-band convention spec.md §9 settled on.
func StatusFor(severity float64, t Thresholds) models.Status {
	switch {
	case severity < t.Warn:
		return models.StatusNormal
	case severity < t.Fault:
		return models.StatusWarning
	default:
		return models.StatusFault
	}
}

// Analyzer is implemented once per fault family. Analyze must be pure and
// side-effect-free (spec.md §4.2) — no broker or clock access — and fast
// (budget <= 50ms median per spec.md §5).
type Analyzer interface {
	Family() models.FaultFamily
	Analyze(sample models.VehicleSample, window []models.VehicleSample, t Thresholds) (models.FaultScore, error)
}

// Registry dispatches by FaultFamily, the tagged-variant pattern spec.md §9
// calls for: adding a family means adding a variant plus a plugin, not a
// subclass.
type Registry struct {
	analyzers map[models.FaultFamily]Analyzer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{analyzers: make(map[models.FaultFamily]Analyzer)}
}

// Register adds or replaces the analyzer for its own family.
func (r *Registry) Register(a Analyzer) {
	r.analyzers[a.Family()] = a
}

// Get looks up the analyzer for family.
func (r *Registry) Get(family models.FaultFamily) (Analyzer, bool) {
	a, ok := r.analyzers[family]
	return a, ok
}

// Families returns the registered families.
func (r *Registry) Families() []models.FaultFamily {
	out := make([]models.FaultFamily, 0, len(r.analyzers))
	for f := range r.analyzers {
		out = append(out, f)
	}
	return out
}

// DefaultRegistry wires up the five families shipped with the core.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&TurnFaultAnalyzer{})
	r.Register(&InsulationAnalyzer{})
	r.Register(&BearingAnalyzer{})
	r.Register(&EccentricityAnalyzer{})
	r.Register(&BrokenBarAnalyzer{})
	return r
}

// ErrPoisonSample is returned by a plugin when a sample is deterministically
// unanalyzable (spec.md §7's poison-message classification, spec.md §8
// scenario 6). Callers recognize it via errors.As.
type ErrPoisonSample struct {
	Family models.FaultFamily
	Reason string
}

func (e *ErrPoisonSample) Error() string {
	return fmt.Sprintf("poison sample for %s: %s", e.Family, e.Reason)
}

// injectedPoisonTag is a deterministic, test-only trigger: a sample whose
// metadata carries this key set to a family name causes that family's
// analyzer to fail, exercising spec.md §8 scenario 6 without needing a real
// pathological signal.
const injectedPoisonTag = "inject_fault"

func checkInjectedPoison(sample models.VehicleSample, family models.FaultFamily) error {
	if sample.Metadata != nil && sample.Metadata[injectedPoisonTag] == string(family) {
		return &ErrPoisonSample{Family: family, Reason: "deterministic test injection"}
	}
	return nil
}
