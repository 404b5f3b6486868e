package domain

import (
	"strings"
)

// Administration routes and methods accepted by medication loaders
var (
	validRoutes = map[string]bool{
		"oral": true, "intravenous": true, "intramuscular": true, "subcutaneous": true,
		"rectal": true, "transdermal": true, "inhalation": true,
	}
	validMethods = map[string]bool{
		"fixed": true, "as_needed": true, "single_dose": true,
	}
)

// LoadParams are the optional filter parameters accepted by every raw loader
type LoadParams struct {
	// RowLimit caps the number of rows returned. Zero means no limit.
	RowLimit int `json:"row_limit,omitempty"`
	// Facility restricts rows to a facility code prefix
	Facility string `json:"facility,omitempty"`
	// Wildcard matches codes by prefix instead of exact match
	Wildcard bool `json:"wildcard,omitempty"`
	// Purpose selects predictor or outcome timestamp semantics
	Purpose TimestampPurpose `json:"purpose"`
	// Route and Method only apply to medication loaders
	Route  string `json:"route,omitempty"`
	Method string `json:"method,omitempty"`
}

// NewLoadParams builds validated loader parameters
func NewLoadParams(purpose TimestampPurpose, opts ...LoadOption) (LoadParams, error) {
	p := LoadParams{Purpose: purpose}
	for _, opt := range opts {
		opt(&p)
	}
	if err := p.Validate(); err != nil {
		return LoadParams{}, err
	}
	return p, nil
}

// LoadOption configures LoadParams
type LoadOption func(*LoadParams)

// WithRowLimit caps the number of loaded rows
func WithRowLimit(n int) LoadOption { return func(p *LoadParams) { p.RowLimit = n } }

// WithFacility restricts rows to a facility
func WithFacility(code string) LoadOption { return func(p *LoadParams) { p.Facility = code } }

// WithWildcard enables prefix matching of codes
func WithWildcard() LoadOption { return func(p *LoadParams) { p.Wildcard = true } }

// WithAdministration restricts medications to a route and method
func WithAdministration(route, method string) LoadOption {
	return func(p *LoadParams) {
		p.Route = strings.ToLower(route)
		p.Method = strings.ToLower(method)
	}
}

// Validate returns a ValidationError for any invalid parameter
func (p LoadParams) Validate() error {
	if err := p.Purpose.Validate(); err != nil {
		return err
	}
	if p.RowLimit < 0 {
		return NewValidationError("row_limit", "must not be negative", p.RowLimit)
	}
	if p.Route != "" && !validRoutes[p.Route] {
		return NewValidationError("route", "unknown administration route", p.Route)
	}
	if p.Method != "" && !validMethods[p.Method] {
		return NewValidationError("method", "unknown administration method", p.Method)
	}
	return nil
}
