// Package query implements the filter-AST Query Engine: a pushdown SQL
// fragment executed against the embedded store, with a residual fragment
// applied in memory over the pushdown result.
package query

// Tag identifies an AST node's kind.
type Tag string

const (
	TagAnd           Tag = "AND"
	TagOr            Tag = "OR"
	TagNot           Tag = "NOT"
	TagAttribute     Tag = "ATTRIBUTE"
	TagManaged       Tag = "MANAGED"
	TagHas           Tag = "HAS"
	TagHasAny        Tag = "HAS_ANY"
	TagHasAll        Tag = "HAS_ALL"
	TagHasNone       Tag = "HAS_NONE"
	TagOrderStrict   Tag = "ORDER_STRICT"
	TagOrderFlex     Tag = "ORDER_FLEX"
	TagLayerQuery    Tag = "LAYER_QUERY"
	TagSolutionQuery Tag = "SOLUTION_QUERY"
)

// StringOp is the comparison operator for an ATTRIBUTE node.
type StringOp string

const (
	OpEquals        StringOp = "Equals"
	OpNotEquals     StringOp = "NotEquals"
	OpContains      StringOp = "Contains"
	OpNotContains   StringOp = "NotContains"
	OpBeginsWith    StringOp = "BeginsWith"
	OpNotBeginsWith StringOp = "NotBeginsWith"
	OpEndsWith      StringOp = "EndsWith"
	OpNotEndsWith   StringOp = "NotEndsWith"
)

// AttributeField enumerates the component fields ATTRIBUTE may compare.
// This is the whitelist any dynamic SQL column name is checked against
// before interpolation — never build a column name from unchecked input.
var AttributeField = map[string]string{
	"logicalName":      "c.logical_name",
	"displayName":      "c.display_name",
	"componentType":    "c.component_type",
	"publisher":        "top.publisher",
	"tableLogicalName": "c.table_logical_name",
}

// Node is one filter-AST node.
type Node struct {
	Tag Tag

	Children []*Node // AND, OR, NOT

	// ATTRIBUTE
	Field string
	Op    StringOp
	Value string

	// MANAGED
	Managed bool

	// HAS-family
	Solutions []string

	// ORDER_*
	Pattern [][]string // sequence of solution sets, base to top

	// LAYER_QUERY / SOLUTION_QUERY
	Inner *Node
}

// Request is one query request carried over the Forward RPC Execute/Query
// contract.
type Request struct {
	QueryID          string
	Filter           *Node
	GroupBy          []string
	Select           []string
	Skip             int
	Take             int
	Sort             []SortField
	UseEventResponse bool
}

// SortField is one entry in a sort list.
type SortField struct {
	Field      string
	Descending bool
}

// DefaultTake is the page size Query uses when both Take and Skip are 0, so a
// request cannot ask for zero rows at Skip 0; with a nonzero Skip, a Take of
// 0 returns no rows.
const DefaultTake = 500

// Row is one result row: a component id plus the selected/grouped fields.
type Row struct {
	ComponentID string
	Fields      map[string]interface{}
}

// Result is the synchronous Query response, and the payload of the
// plugin:sla:query-result event in streamed mode.
type Result struct {
	QueryID string
	Rows    []Row
	Total   int
	Stats   *PlanStats
	Error   string
}

// PlanStats reports timing and row-count telemetry for one query execution.
type PlanStats struct {
	PreFetchDurationMs      int64
	SQLQueryDurationMs      int64
	InMemoryFilterDurationMs int64
	TotalDurationMs         int64
	RowsFromSQL             int
	RowsAfterFilter         int
	FilterEfficiency        float64
	UsedInMemoryFilter      bool
	PlanDescription         string
}
