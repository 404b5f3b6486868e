package features

import (
	"context"
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/psycop-feature-generation/internal/domain"
)

//go:embed layers.yaml
var defaultLayersFS embed.FS

// SeriesResolver turns loader names from a layer file into loaded data
type SeriesResolver interface {
	Series(ctx context.Context, loader string, purpose domain.TimestampPurpose) (*domain.ValueSeries, error)
	Static(ctx context.Context, loader string) ([]domain.StaticValue, error)
}

type yamlLayerFile struct {
	Version  int             `yaml:"version"`
	Layers   []yamlLayer     `yaml:"layers"`
	Outcomes []yamlGroupSpec `yaml:"outcomes"`
}

type yamlLayer struct {
	Name       string          `yaml:"name"`
	Static     []yamlStatic    `yaml:"static"`
	TimeDelta  []yamlTimeDelta `yaml:"time_delta"`
	Predictors []yamlGroupSpec `yaml:"predictors"`
}

type yamlStatic struct {
	Name     string `yaml:"name"`
	Loader   string `yaml:"loader"`
	Fallback string `yaml:"fallback"`
}

type yamlTimeDelta struct {
	Name     string `yaml:"name"`
	Loader   string `yaml:"loader"`
	Unit     string `yaml:"unit"`
	Fallback string `yaml:"fallback"`
}

type yamlGroupSpec struct {
	Loaders     []string    `yaml:"loaders"`
	Lookbehind  []float64   `yaml:"lookbehind_days"`
	Lookahead   []float64   `yaml:"lookahead_days"`
	Windows     [][]float64 `yaml:"windows"`
	Aggregators []string    `yaml:"aggregators"`
	Fallbacks   []string    `yaml:"fallbacks"`
}

// LayerSet is the parsed layer file: tiers of feature declarations of increasing
// complexity plus the outcome declarations shared by every tier
type LayerSet struct {
	layers   []yamlLayer
	outcomes []yamlGroupSpec
}

// LoadLayerSet parses a layer file. An empty path selects the embedded default.
func LoadLayerSet(path string) (*LayerSet, error) {
	var (
		data []byte
		err  error
	)
	if strings.TrimSpace(path) == "" {
		data, err = defaultLayersFS.ReadFile("layers.yaml")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading layer file: %w", err)
	}
	return ParseLayerSet(data)
}

// ParseLayerSet parses layer YAML
func ParseLayerSet(data []byte) (*LayerSet, error) {
	var file yamlLayerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing layer file: %w", err)
	}
	seen := make(map[string]bool, len(file.Layers))
	for i, l := range file.Layers {
		if l.Name == "" {
			return nil, domain.NewValidationError("layers", "layer without a name", i)
		}
		if seen[l.Name] {
			return nil, domain.NewValidationError("layers", "duplicate layer name", l.Name)
		}
		seen[l.Name] = true
	}
	return &LayerSet{layers: file.Layers, outcomes: file.Outcomes}, nil
}

// Names returns the layer names in declaration order
func (ls *LayerSet) Names() []string {
	out := make([]string, len(ls.layers))
	for i, l := range ls.layers {
		out[i] = l.Name
	}
	return out
}

// Len returns the number of layers
func (ls *LayerSet) Len() int { return len(ls.layers) }

// PredictorSpecs resolves the cumulative predictor specs of layers 1..upTo.
// upTo <= 0 selects every layer.
func (ls *LayerSet) PredictorSpecs(ctx context.Context, r SeriesResolver, upTo int) ([]Spec, error) {
	if upTo <= 0 || upTo > len(ls.layers) {
		upTo = len(ls.layers)
	}
	var specs []Spec
	for _, layer := range ls.layers[:upTo] {
		for _, st := range layer.Static {
			values, err := r.Static(ctx, st.Loader)
			if err != nil {
				return nil, fmt.Errorf("layer %s: loading %s: %w", layer.Name, st.Loader, err)
			}
			fb, err := ParseFallback(defaultString(st.Fallback, "nan"), false)
			if err != nil {
				return nil, err
			}
			spec, err := NewStaticSpec(defaultString(st.Name, st.Loader), values, fb)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
			}
			specs = append(specs, spec)
		}
		for _, td := range layer.TimeDelta {
			anchors, err := r.Series(ctx, td.Loader, domain.PurposePredictor)
			if err != nil {
				return nil, fmt.Errorf("layer %s: loading %s: %w", layer.Name, td.Loader, err)
			}
			fb, err := ParseFallback(defaultString(td.Fallback, "nan"), false)
			if err != nil {
				return nil, err
			}
			spec, err := NewTimeDeltaSpec(defaultString(td.Name, td.Loader), anchors, TimeUnit(defaultString(td.Unit, string(Years))), fb)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
			}
			specs = append(specs, spec)
		}
		for _, g := range layer.Predictors {
			group, err := g.resolve(ctx, r, FamilyPredictor)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
			}
			expanded, err := group.Expand()
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
			}
			specs = append(specs, expanded...)
		}
	}
	return specs, nil
}

// OutcomeSpecs resolves the outcome declarations
func (ls *LayerSet) OutcomeSpecs(ctx context.Context, r SeriesResolver) ([]Spec, error) {
	var specs []Spec
	for _, g := range ls.outcomes {
		group, err := g.resolve(ctx, r, FamilyOutcome)
		if err != nil {
			return nil, fmt.Errorf("outcomes: %w", err)
		}
		expanded, err := group.Expand()
		if err != nil {
			return nil, fmt.Errorf("outcomes: %w", err)
		}
		specs = append(specs, expanded...)
	}
	return specs, nil
}

func (g yamlGroupSpec) resolve(ctx context.Context, r SeriesResolver, family Family) (GroupSpec, error) {
	purpose := domain.PurposePredictor
	days := g.Lookbehind
	if family == FamilyOutcome {
		purpose = domain.PurposeOutcome
		days = g.Lookahead
	}

	out := GroupSpec{Family: family}
	for _, d := range days {
		out.Windows = append(out.Windows, Window{Lo: 0, Hi: d})
	}
	for _, w := range g.Windows {
		if len(w) != 2 {
			return out, domain.NewValidationError("windows", "each window needs [lo, hi]", w)
		}
		out.Windows = append(out.Windows, Window{Lo: w[0], Hi: w[1]})
	}
	for _, name := range g.Aggregators {
		agg, err := ParseAggregator(name)
		if err != nil {
			return out, err
		}
		out.Aggregators = append(out.Aggregators, agg)
	}
	text := len(out.Aggregators) > 0 && out.Aggregators[0] == Concatenate
	for _, s := range g.Fallbacks {
		fb, err := ParseFallback(s, text)
		if err != nil {
			return out, err
		}
		out.Fallbacks = append(out.Fallbacks, fb)
	}
	for _, loader := range g.Loaders {
		series, err := r.Series(ctx, loader, purpose)
		if err != nil {
			return out, fmt.Errorf("loading %s: %w", loader, err)
		}
		out.Series = append(out.Series, series)
	}
	return out, nil
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
