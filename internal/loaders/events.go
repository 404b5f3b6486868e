package loaders

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/warehouse"
)

// EventLoader loads the rows of one concept from an event table
type EventLoader struct {
	name     string
	table    Table
	codes    []string
	wildcard bool
	schema   string
	q        warehouse.Querier
}

var _ domain.Loader = (*EventLoader)(nil)

// NewEventLoader creates a loader for the rows of table whose code column matches
// codes. wildcard makes every code a prefix match regardless of the load parameters.
func NewEventLoader(q warehouse.Querier, schema, name string, table Table, wildcard bool, codes ...string) *EventLoader {
	return &EventLoader{name: name, table: table, codes: codes, wildcard: wildcard, schema: schema, q: q}
}

// Diagnosis loads diagnoses by ICD-10 code prefix
func Diagnosis(q warehouse.Querier, schema, name string, codes ...string) *EventLoader {
	return NewEventLoader(q, schema, name, DiagnosesTable, true, codes...)
}

// Medication loads administrations by ATC code prefix
func Medication(q warehouse.Querier, schema, name string, atc ...string) *EventLoader {
	return NewEventLoader(q, schema, name, MedicationsTable, true, atc...)
}

// Lab loads numeric lab results by exact NPU code
func Lab(q warehouse.Querier, schema, name string, npu ...string) *EventLoader {
	return NewEventLoader(q, schema, name, LabResultsTable, false, npu...)
}

// Coercion loads coercion episodes by type
func Coercion(q warehouse.Querier, schema, name string, types ...string) *EventLoader {
	return NewEventLoader(q, schema, name, CoercionTable, false, types...)
}

// Visits loads hospital contacts by visit type
func Visits(q warehouse.Querier, schema, name string, types ...string) *EventLoader {
	return NewEventLoader(q, schema, name, VisitsTable, false, types...)
}

// Name implements domain.Loader
func (l *EventLoader) Name() string { return l.name }

// Query returns the SQL and arguments Load runs for params
func (l *EventLoader) Query(params domain.LoadParams) (string, []interface{}, error) {
	if err := params.Validate(); err != nil {
		return "", nil, err
	}
	if (params.Route != "" && l.table.RouteCol == "") || (params.Method != "" && l.table.MethodCol == "") {
		return "", nil, domain.NewValidationError("route", "administration filters only apply to medications", l.name)
	}
	table, err := qualify(l.schema, l.table.Name)
	if err != nil {
		return "", nil, err
	}

	timeCol := l.table.PredictorTimeCol
	if params.Purpose == domain.PurposeOutcome {
		timeCol = l.table.OutcomeTimeCol
	}
	valueExpr := "1.0"
	if l.table.ValueCol != "" {
		valueExpr = l.table.ValueCol
	}

	where := []string{timeCol + " IS NOT NULL"}
	var args []interface{}

	if len(l.codes) > 0 {
		prefix := l.wildcard || params.Wildcard
		conds := make([]string, len(l.codes))
		for i, code := range l.codes {
			if prefix {
				conds[i] = l.table.CodeCol + " LIKE ?"
				args = append(args, code+"%")
			} else {
				conds[i] = l.table.CodeCol + " = ?"
				args = append(args, code)
			}
		}
		where = append(where, "("+strings.Join(conds, " OR ")+")")
	}
	if params.Facility != "" && l.table.FacilityCol != "" {
		where = append(where, l.table.FacilityCol+" LIKE ?")
		args = append(args, params.Facility+"%")
	}
	if params.Route != "" {
		where = append(where, l.table.RouteCol+" = ?")
		args = append(args, params.Route)
	}
	if params.Method != "" {
		where = append(where, l.table.MethodCol+" = ?")
		args = append(args, params.Method)
	}

	query := fmt.Sprintf("SELECT entity_id, %s, %s FROM %s WHERE %s ORDER BY entity_id, %s",
		timeCol, valueExpr, table, strings.Join(where, " AND "), timeCol)
	if params.RowLimit > 0 {
		query += " LIMIT ?"
		args = append(args, params.RowLimit)
	}
	return query, args, nil
}

// Load implements domain.Loader
func (l *EventLoader) Load(ctx context.Context, params domain.LoadParams) (*domain.ValueSeries, error) {
	query, args, err := l.Query(params)
	if err != nil {
		return nil, err
	}

	series := &domain.ValueSeries{Name: l.name}
	err = l.q.Query(ctx, query, args, func(s warehouse.Scanner) error {
		var e domain.Event
		var v sql.NullFloat64
		if err := s.Scan(&e.EntityID, &e.Timestamp, &v); err != nil {
			return err
		}
		e.Value = math.NaN()
		if v.Valid {
			e.Value = v.Float64
		}
		series.Events = append(series.Events, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", l.name, err)
	}
	return series.Dedup(), nil
}
