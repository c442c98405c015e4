package query

import (
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/store"
)

// componentRow is the raw row shape produced by baseQuery, before residual
// filtering and paging.
type componentRow struct {
	ComponentID      string
	ComponentType    string
	LogicalName      string
	DisplayName      string
	TableLogicalName string
	Publisher        string
	IsManaged        bool
	SolutionName     string
}

// Engine evaluates filter-AST requests against one connection's store.
type Engine struct {
	db *sql.DB
}

// New builds an Engine bound to a connection's embedded store.
func New(s *store.Store) *Engine {
	return &Engine{db: s.DB()}
}

// Query executes req synchronously and returns a Result.
func (e *Engine) Query(req Request) (*Result, error) {
	start := time.Now()
	if req.QueryID == "" {
		req.QueryID = uuid.NewString()
	}
	take := req.Take
	if take == 0 && req.Skip == 0 {
		take = DefaultTake
	}

	plan := Split(req.Filter)

	preFetchStart := time.Now()
	rows, err := e.fetchPushdown(plan.Pushdown)
	if err != nil {
		return nil, errs.Wrap(err, "pushdown fetch")
	}
	sqlDuration := time.Since(preFetchStart)

	filterStart := time.Now()
	filtered := rows
	usedInMemory := plan.Residual != nil
	if usedInMemory {
		filtered = applyResidual(rows, plan.Residual, e.db)
	}
	filterDuration := time.Since(filterStart)

	total := len(filtered)

	sortRows(filtered, req.Sort)

	page := pageRows(filtered, req.Skip, take)

	result := &Result{
		QueryID: req.QueryID,
		Rows:    toResultRows(page, req.Select),
		Total:   total,
	}

	efficiency := 1.0
	if len(rows) > 0 {
		efficiency = float64(total) / float64(len(rows))
	}
	result.Stats = &PlanStats{
		PreFetchDurationMs:       time.Since(start).Milliseconds(),
		SQLQueryDurationMs:       sqlDuration.Milliseconds(),
		InMemoryFilterDurationMs: filterDuration.Milliseconds(),
		TotalDurationMs:          time.Since(start).Milliseconds(),
		RowsFromSQL:              len(rows),
		RowsAfterFilter:          total,
		FilterEfficiency:         efficiency,
		UsedInMemoryFilter:       usedInMemory,
		PlanDescription:          plan.Description,
	}
	return result, nil
}

func (e *Engine) fetchPushdown(pushdown *Node) ([]componentRow, error) {
	b := &sqlBuilder{}
	if pushdown != nil {
		buildPushdown(pushdown, b)
	}
	query := baseQuery + b.where()

	rows, err := e.db.Query(query, b.args...)
	if err != nil {
		return nil, errs.Wrap(err, "execute pushdown query")
	}
	defer rows.Close()

	var out []componentRow
	for rows.Next() {
		var r componentRow
		if err := rows.Scan(&r.ComponentID, &r.ComponentType, &r.LogicalName, &r.DisplayName,
			&r.TableLogicalName, &r.Publisher, &r.IsManaged, &r.SolutionName); err != nil {
			return nil, errs.Wrap(err, "scan pushdown row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// applyResidual evaluates the residual fragment in memory over the pushdown
// result. ORDER_* and LAYER_QUERY need the full layer stack per component,
// fetched on demand per surviving row.
func applyResidual(rows []componentRow, residual *Node, db *sql.DB) []componentRow {
	var out []componentRow
	for _, r := range rows {
		layers, err := store.GetComponentLayers(db, r.ComponentID)
		if err != nil {
			continue
		}
		if evalResidual(residual, r, layers, db) {
			out = append(out, r)
		}
	}
	return out
}

func evalResidual(n *Node, row componentRow, layers []store.Layer, db *sql.DB) bool {
	if n == nil {
		return true
	}
	switch n.Tag {
	case TagAnd:
		for _, c := range n.Children {
			if !evalResidual(c, row, layers, db) {
				return false
			}
		}
		return true
	case TagOr:
		for _, c := range n.Children {
			if evalResidual(c, row, layers, db) {
				return true
			}
		}
		return false
	case TagNot:
		if len(n.Children) != 1 {
			return false
		}
		return !evalResidual(n.Children[0], row, layers, db)
	case TagOrderStrict:
		return matchesOrderStrict(layers, n.Pattern)
	case TagOrderFlex:
		return matchesOrderFlex(layers, n.Pattern)
	case TagLayerQuery:
		for _, l := range layers {
			if evalLayerQuery(n.Inner, l) {
				return true
			}
		}
		return false
	case TagAttribute, TagManaged, TagHas, TagHasAny, TagHasAll, TagHasNone:
		// pushdown-eligible nodes nested under a residual parent (e.g. under
		// an oversized HAS set's sibling) are evaluated against the already
		// fetched row/layers instead of re-querying.
		return evalPushdownLike(n, row, layers)
	default:
		return true
	}
}

func evalPushdownLike(n *Node, row componentRow, layers []store.Layer) bool {
	switch n.Tag {
	case TagManaged:
		return row.IsManaged == n.Managed
	case TagHas, TagHasAny:
		set := solutionSet(layers)
		for _, s := range n.Solutions {
			if set[s] {
				return true
			}
		}
		return false
	case TagHasAll:
		set := solutionSet(layers)
		for _, s := range n.Solutions {
			if !set[s] {
				return false
			}
		}
		return true
	case TagHasNone:
		set := solutionSet(layers)
		for _, s := range n.Solutions {
			if set[s] {
				return false
			}
		}
		return true
	case TagAttribute:
		return matchAttribute(n, row)
	default:
		return true
	}
}

func matchAttribute(n *Node, row componentRow) bool {
	var value string
	switch n.Field {
	case "logicalName":
		value = row.LogicalName
	case "displayName":
		value = row.DisplayName
	case "componentType":
		value = row.ComponentType
	case "publisher":
		value = row.Publisher
	case "tableLogicalName":
		value = row.TableLogicalName
	}
	switch n.Op {
	case OpEquals:
		return value == n.Value
	case OpNotEquals:
		return value != n.Value
	case OpContains:
		return contains(value, n.Value)
	case OpNotContains:
		return !contains(value, n.Value)
	case OpBeginsWith:
		return len(value) >= len(n.Value) && value[:len(n.Value)] == n.Value
	case OpNotBeginsWith:
		return !(len(value) >= len(n.Value) && value[:len(n.Value)] == n.Value)
	case OpEndsWith:
		return len(value) >= len(n.Value) && value[len(value)-len(n.Value):] == n.Value
	case OpNotEndsWith:
		return !(len(value) >= len(n.Value) && value[len(value)-len(n.Value):] == n.Value)
	default:
		return false
	}
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func solutionSet(layers []store.Layer) map[string]bool {
	set := make(map[string]bool, len(layers))
	for _, l := range layers {
		set[l.SolutionName] = true
	}
	return set
}

func evalLayerQuery(inner *Node, l store.Layer) bool {
	if inner == nil {
		return true
	}
	if inner.Tag == TagSolutionQuery {
		return l.SolutionName == inner.Value
	}
	return true
}

func matchesOrderStrict(layers []store.Layer, pattern [][]string) bool {
	if len(pattern) != len(layers) {
		return false
	}
	for i, set := range pattern {
		if !contains0(set, layers[i].SolutionName) {
			return false
		}
	}
	return true
}

func matchesOrderFlex(layers []store.Layer, pattern [][]string) bool {
	if len(pattern) > len(layers) {
		return false
	}
	used := make([]bool, len(layers))
	for _, set := range pattern {
		matched := false
		for i, l := range layers {
			if used[i] {
				continue
			}
			if contains0(set, l.SolutionName) {
				used[i] = true
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func contains0(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func sortRows(rows []componentRow, sorts []SortField) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range sorts {
			vi, vj := fieldValue(rows[i], s.Field), fieldValue(rows[j], s.Field)
			if vi == vj {
				continue
			}
			if s.Descending {
				return vi > vj
			}
			return vi < vj
		}
		return false
	})
}

func fieldValue(r componentRow, field string) string {
	switch field {
	case "logicalName":
		return r.LogicalName
	case "displayName":
		return r.DisplayName
	case "componentType":
		return r.ComponentType
	default:
		return r.ComponentID
	}
}

func pageRows(rows []componentRow, skip, take int) []componentRow {
	if skip > len(rows) {
		return nil
	}
	rows = rows[skip:]
	if take <= 0 {
		return nil
	}
	if take < len(rows) {
		rows = rows[:take]
	}
	return rows
}

func toResultRows(rows []componentRow, selectFields []string) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		fields := map[string]interface{}{
			"componentType":    r.ComponentType,
			"logicalName":      r.LogicalName,
			"displayName":      r.DisplayName,
			"tableLogicalName": r.TableLogicalName,
			"publisher":        r.Publisher,
			"isManaged":        r.IsManaged,
		}
		if len(selectFields) > 0 {
			filtered := make(map[string]interface{}, len(selectFields))
			for _, f := range selectFields {
				if v, ok := fields[f]; ok {
					filtered[f] = v
				}
			}
			fields = filtered
		}
		out = append(out, Row{ComponentID: r.ComponentID, Fields: fields})
	}
	return out
}
