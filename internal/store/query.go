package store

import "time"

// OrderField is the recognized set of fields search() can sort by.
type OrderField string

const (
	OrderCreatedAt    OrderField = "createdAt"
	OrderUpdatedAt    OrderField = "updatedAt"
	OrderConfidence   OrderField = "confidence"
	OrderAccessCount  OrderField = "accessCount"
	OrderLastAccessed OrderField = "lastAccessed"
)

// OrderDir is ascending or descending.
type OrderDir string

const (
	Asc  OrderDir = "asc"
	Desc OrderDir = "desc"
)

// MemoryQuery is the recognized filter/sort/paginate configuration for
// search() and the findBy* family (spec §4.1). Search applies every
// filter field except Topics and Decisions, which it ignores.
type MemoryQuery struct {
	Types               []MemoryType
	Topics              []string
	Patterns            []string
	Constraints         []string
	Decisions           []string
	Files               []string
	Functions           []string
	MinConfidence       *float64
	MaxConfidence       *float64
	MinAccessCount      *int
	Importance          []Importance
	IncludeArchived     bool
	Tags                []string
	MinDate             *time.Time
	MaxDate             *time.Time
	ConsolidationStatus *ConsolidationStatus

	OrderBy  OrderField
	OrderDir OrderDir

	Limit  int
	Offset int

	// Text is the free-text query for search(); when empty, search()
	// degrades to a pure filter listing.
	Text string
}

// DefaultQuery returns a MemoryQuery with spec-mandated defaults applied:
// includeArchived=false, limit=100 (capped 10000), createdAt desc.
func DefaultQuery() MemoryQuery {
	return MemoryQuery{
		IncludeArchived: false,
		OrderBy:         OrderCreatedAt,
		OrderDir:        Desc,
		Limit:           100,
	}
}

// normalize applies defaults for zero-value fields and caps Limit at
// 10000, matching spec §4.1's MemoryQuery contract.
func (q MemoryQuery) normalize() MemoryQuery {
	if q.OrderBy == "" {
		q.OrderBy = OrderCreatedAt
	}
	if q.OrderDir == "" {
		q.OrderDir = Desc
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 10000 {
		q.Limit = 10000
	}
	return q
}
