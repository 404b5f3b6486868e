package loaders

import (
	"context"
	"fmt"
	"sort"

	"github.com/psycop-feature-generation/internal/cache"
	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/features"
	"github.com/psycop-feature-generation/internal/warehouse"
)

// Registry resolves loader names to loaders. Every registered loader is served through
// the cache when one is configured.
type Registry struct {
	series map[string]domain.Loader
	static map[string]domain.StaticLoader
	cache  *cache.Cache
}

var _ features.SeriesResolver = (*Registry)(nil)

// NewRegistry creates an empty registry
func NewRegistry(c *cache.Cache) *Registry {
	return &Registry{
		series: make(map[string]domain.Loader),
		static: make(map[string]domain.StaticLoader),
		cache:  c,
	}
}

// Register adds series loaders, replacing loaders with the same name
func (r *Registry) Register(ls ...domain.Loader) {
	for _, l := range ls {
		r.series[l.Name()] = cache.WrapLoader(l, r.cache)
	}
}

// RegisterStatic adds static loaders
func (r *Registry) RegisterStatic(ls ...domain.StaticLoader) {
	for _, l := range ls {
		r.static[l.Name()] = l
	}
}

// Loader returns the named series loader
func (r *Registry) Loader(name string) (domain.Loader, error) {
	l, ok := r.series[name]
	if !ok {
		return nil, fmt.Errorf("loader %q: %w", name, domain.ErrNotFound)
	}
	return l, nil
}

// Loaders returns the named series loaders in order
func (r *Registry) Loaders(names []string) ([]domain.Loader, error) {
	out := make([]domain.Loader, 0, len(names))
	for _, n := range names {
		l, err := r.Loader(n)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Names lists the registered series and static loaders, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.series)+len(r.static))
	for n := range r.series {
		names = append(names, n)
	}
	for n := range r.static {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Series implements features.SeriesResolver
func (r *Registry) Series(ctx context.Context, loader string, purpose domain.TimestampPurpose) (*domain.ValueSeries, error) {
	l, err := r.Loader(loader)
	if err != nil {
		return nil, err
	}
	params, err := domain.NewLoadParams(purpose)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, params)
}

// Static implements features.SeriesResolver
func (r *Registry) Static(ctx context.Context, loader string) ([]domain.StaticValue, error) {
	l, ok := r.static[loader]
	if !ok {
		return nil, fmt.Errorf("static loader %q: %w", loader, domain.ErrNotFound)
	}
	return cache.Memoize(ctx, r.cache, "static", loader, nil, l.LoadStatic)
}

// NewDefaultRegistry registers the standard concepts of the warehouse
func NewDefaultRegistry(q warehouse.Querier, schema string, c *cache.Cache) *Registry {
	r := NewRegistry(c)
	r.Register(
		// ICD-10 chapters and diagnoses
		Diagnosis(q, schema, "f0_disorders", "DF0"),
		Diagnosis(q, schema, "f1_disorders", "DF1"),
		Diagnosis(q, schema, "f2_disorders", "DF2"),
		Diagnosis(q, schema, "f3_disorders", "DF3"),
		Diagnosis(q, schema, "f4_disorders", "DF4"),
		Diagnosis(q, schema, "schizophrenia", "DF20"),
		Diagnosis(q, schema, "bipolar", "DF31"),
		Diagnosis(q, schema, "t1d", "DE10"),
		Diagnosis(q, schema, "t2d", "DE11"),
		Diagnosis(q, schema, "stroke", "DI63", "DI64"),
		Diagnosis(q, schema, "myocardial_infarction", "DI21"),

		// ATC codes
		Medication(q, schema, "antipsychotics", "N05A"),
		Medication(q, schema, "antidepressants", "N06A"),
		Medication(q, schema, "lithium", "N05AN01"),
		Medication(q, schema, "antidiabetics", "A10"),

		// NPU codes
		Lab(q, schema, "hba1c", "NPU27300"),
		Lab(q, schema, "ldl", "NPU01568", "AAB00101"),
		Lab(q, schema, "egfr", "DNK35302", "DNK35131"),

		Coercion(q, schema, "coercion_belt", "belt"),
		Coercion(q, schema, "coercion_forced_medication", "forced_medication"),

		Visits(q, schema, "physical_visits", "physical"),
		Visits(q, schema, "admissions", "admission"),
		NewEventLoader(q, schema, "moves_from_region", MovesTable, false, "in"),

		Birthdays(q, schema),
		Notes(q, schema, "notes"),
	)
	r.RegisterStatic(SexFemale(q, schema))
	return r
}
