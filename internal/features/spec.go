package features

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/pkg/frame"
)

// Family is the variant of a feature spec
type Family int

const (
	FamilyStatic Family = iota + 1
	FamilyPredictor
	FamilyOutcome
	FamilyTimeDelta
)

// String returns a readable family name
func (f Family) String() string {
	switch f {
	case FamilyStatic:
		return "static"
	case FamilyPredictor:
		return "predictor"
	case FamilyOutcome:
		return "outcome"
	case FamilyTimeDelta:
		return "time_delta"
	}
	return "unknown"
}

// Spec is one feature column declaration. The set of implementations is closed:
// *TemporalSpec, *StaticSpec and *TimeDeltaSpec.
type Spec interface {
	Family() Family
	FeatureName() string
	FallbackValue() Fallback
	OutputKind() frame.Kind
	ColumnName(p domain.Prefixes) string
	isSpec()
}

// Window is a time interval in days relative to the prediction time.
// For predictors the window looks back from Lo to Hi days; for outcomes it looks ahead.
type Window struct {
	Lo float64 `yaml:"lo" json:"lo"`
	Hi float64 `yaml:"hi" json:"hi"`
}

// Lookbehind returns the window (0, days]
func Lookbehind(days float64) Window { return Window{Lo: 0, Hi: days} }

// Validate checks that the window bounds are ordered and non-negative
func (w Window) Validate() error {
	if w.Lo < 0 || w.Hi <= 0 || w.Lo >= w.Hi {
		return domain.NewValidationError("window", "requires 0 <= lo < hi", fmt.Sprintf("(%g, %g)", w.Lo, w.Hi))
	}
	return nil
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_]*$`)

// reserved separators keep column names parseable
var reservedTokens = []string{"_within_", "_fallback_"}

func validateName(name string) error {
	if !validName.MatchString(name) {
		return domain.NewValidationError("name", "must be alphanumeric with underscores", name)
	}
	for _, tok := range reservedTokens {
		if strings.Contains(name, tok) {
			return domain.NewValidationError("name", fmt.Sprintf("must not contain %q", tok), name)
		}
		if suffix := strings.TrimSuffix(tok, "_"); strings.HasSuffix(name, suffix) {
			return domain.NewValidationError("name", fmt.Sprintf("must not end in %q", suffix), name)
		}
	}
	return nil
}

func validateFallback(agg Aggregator, fb Fallback) error {
	if agg.Output() == frame.String && !fb.IsText() {
		return domain.NewValidationError("fallback", "concatenate requires a text fallback", fb.String())
	}
	if agg.Output() == frame.Float && fb.IsText() {
		return domain.NewValidationError("fallback", "numeric aggregators require a numeric fallback", fb.String())
	}
	return nil
}

// TemporalSpec aggregates a value series over a lookbehind (predictor) or
// lookahead (outcome) window
type TemporalSpec struct {
	family     Family
	Name       string
	Series     *domain.ValueSeries
	Window     Window
	Aggregator Aggregator
	Fallback   Fallback
}

// NewPredictorSpec builds a validated lookbehind spec
func NewPredictorSpec(name string, series *domain.ValueSeries, window Window, agg Aggregator, fb Fallback) (*TemporalSpec, error) {
	return newTemporalSpec(FamilyPredictor, name, series, window, agg, fb)
}

// NewOutcomeSpec builds a validated lookahead spec
func NewOutcomeSpec(name string, series *domain.ValueSeries, window Window, agg Aggregator, fb Fallback) (*TemporalSpec, error) {
	return newTemporalSpec(FamilyOutcome, name, series, window, agg, fb)
}

func newTemporalSpec(family Family, name string, series *domain.ValueSeries, window Window, agg Aggregator, fb Fallback) (*TemporalSpec, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if series == nil {
		return nil, domain.NewValidationError("series", "is required", name)
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if !agg.Valid() {
		return nil, domain.NewValidationError("aggregator", "unknown aggregation function", int(agg))
	}
	if err := validateFallback(agg, fb); err != nil {
		return nil, err
	}
	return &TemporalSpec{
		family:     family,
		Name:       name,
		Series:     series,
		Window:     window,
		Aggregator: agg,
		Fallback:   fb,
	}, nil
}

func (s *TemporalSpec) Family() Family          { return s.family }
func (s *TemporalSpec) FeatureName() string     { return s.Name }
func (s *TemporalSpec) FallbackValue() Fallback { return s.Fallback }
func (s *TemporalSpec) OutputKind() frame.Kind  { return s.Aggregator.Output() }
func (s *TemporalSpec) isSpec()                 {}

// ColumnName renders <prefix>_<name>_within_<lo>_to_<hi>_days_<agg>_fallback_<fb>
func (s *TemporalSpec) ColumnName(p domain.Prefixes) string {
	prefix := p.Predictor
	if s.family == FamilyOutcome {
		prefix = p.Outcome
	}
	return fmt.Sprintf("%s_%s_within_%s_to_%s_days_%s_fallback_%s",
		prefix, s.Name, formatDays(s.Window.Lo), formatDays(s.Window.Hi), s.Aggregator, s.Fallback)
}

// StaticSpec joins a per-entity value that does not change over time
type StaticSpec struct {
	Name     string
	Values   []domain.StaticValue
	Fallback Fallback
}

// NewStaticSpec builds a validated static spec
func NewStaticSpec(name string, values []domain.StaticValue, fb Fallback) (*StaticSpec, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if strings.HasSuffix(name, "_in_"+string(Days)) || strings.HasSuffix(name, "_in_"+string(Years)) {
		return nil, domain.NewValidationError("name", "static names must not end in a time unit", name)
	}
	if fb.IsText() {
		return nil, domain.NewValidationError("fallback", "static specs require a numeric fallback", fb.String())
	}
	return &StaticSpec{Name: name, Values: values, Fallback: fb}, nil
}

func (s *StaticSpec) Family() Family          { return FamilyStatic }
func (s *StaticSpec) FeatureName() string     { return s.Name }
func (s *StaticSpec) FallbackValue() Fallback { return s.Fallback }
func (s *StaticSpec) OutputKind() frame.Kind  { return frame.Float }
func (s *StaticSpec) isSpec()                 {}

// ColumnName renders <prefix>_<name>_fallback_<fb>
func (s *StaticSpec) ColumnName(p domain.Prefixes) string {
	return fmt.Sprintf("%s_%s_fallback_%s", p.Predictor, s.Name, s.Fallback)
}

// TimeUnit is the unit of a time-delta feature
type TimeUnit string

const (
	Days  TimeUnit = "days"
	Years TimeUnit = "years"
)

// TimeDeltaSpec computes the time elapsed between a per-entity anchor (e.g. birthday)
// and the prediction time
type TimeDeltaSpec struct {
	Name     string
	Anchors  *domain.ValueSeries
	Unit     TimeUnit
	Fallback Fallback
}

// NewTimeDeltaSpec builds a validated time-delta spec. The earliest anchor per entity is used.
func NewTimeDeltaSpec(name string, anchors *domain.ValueSeries, unit TimeUnit, fb Fallback) (*TimeDeltaSpec, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if anchors == nil {
		return nil, domain.NewValidationError("anchors", "is required", name)
	}
	if unit != Days && unit != Years {
		return nil, domain.NewValidationError("unit", "must be days or years", string(unit))
	}
	if fb.IsText() {
		return nil, domain.NewValidationError("fallback", "time-delta specs require a numeric fallback", fb.String())
	}
	return &TimeDeltaSpec{Name: name, Anchors: anchors, Unit: unit, Fallback: fb}, nil
}

func (s *TimeDeltaSpec) Family() Family          { return FamilyTimeDelta }
func (s *TimeDeltaSpec) FeatureName() string     { return s.Name }
func (s *TimeDeltaSpec) FallbackValue() Fallback { return s.Fallback }
func (s *TimeDeltaSpec) OutputKind() frame.Kind  { return frame.Float }
func (s *TimeDeltaSpec) isSpec()                 {}

// ColumnName renders <prefix>_<name>_in_<unit>_fallback_<fb>
func (s *TimeDeltaSpec) ColumnName(p domain.Prefixes) string {
	return fmt.Sprintf("%s_%s_in_%s_fallback_%s", p.Predictor, s.Name, s.Unit, s.Fallback)
}
