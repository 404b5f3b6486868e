// Package loaders implements the raw warehouse loaders. Each loader returns the
// deduplicated (entity_id, timestamp, value) rows of one clinical concept.
//
// Predictor queries report the time the information became available (discharge,
// result received); outcome queries report the time the event started.
package loaders

import (
	"regexp"

	"github.com/psycop-feature-generation/internal/domain"
)

// Table describes a warehouse event table
type Table struct {
	Name             string
	CodeCol          string
	PredictorTimeCol string
	OutcomeTimeCol   string
	// ValueCol is read as the event value; empty means every row has value 1
	ValueCol    string
	FacilityCol string
	RouteCol    string
	MethodCol   string
}

// Standard warehouse tables
var (
	DiagnosesTable = Table{
		Name:             "diagnoses",
		CodeCol:          "code",
		PredictorTimeCol: "discharged_at",
		OutcomeTimeCol:   "admitted_at",
		FacilityCol:      "facility",
	}
	MedicationsTable = Table{
		Name:             "medications",
		CodeCol:          "atc_code",
		PredictorTimeCol: "administered_at",
		OutcomeTimeCol:   "administered_at",
		FacilityCol:      "facility",
		RouteCol:         "route",
		MethodCol:        "method",
	}
	LabResultsTable = Table{
		Name:             "lab_results",
		CodeCol:          "npu_code",
		PredictorTimeCol: "received_at",
		OutcomeTimeCol:   "sampled_at",
		ValueCol:         "value",
		FacilityCol:      "facility",
	}
	CoercionTable = Table{
		Name:             "coercion",
		CodeCol:          "coercion_type",
		PredictorTimeCol: "ended_at",
		OutcomeTimeCol:   "started_at",
		FacilityCol:      "facility",
	}
	VisitsTable = Table{
		Name:             "visits",
		CodeCol:          "visit_type",
		PredictorTimeCol: "ended_at",
		OutcomeTimeCol:   "started_at",
		FacilityCol:      "facility",
	}
	MovesTable = Table{
		Name:             "moves",
		CodeCol:          "direction",
		PredictorTimeCol: "moved_at",
		OutcomeTimeCol:   "moved_at",
	}
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// qualify prefixes a table with the warehouse schema. An empty schema leaves the
// table unqualified, as SQLite extracts have no schemas.
func qualify(schema, table string) (string, error) {
	if schema == "" {
		return table, nil
	}
	if !identPattern.MatchString(schema) {
		return "", domain.NewValidationError("warehouse.schema", "must be a plain identifier", schema)
	}
	return schema + "." + table, nil
}
