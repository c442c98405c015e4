package query

import (
	"fmt"
	"strings"
)

// sqlBuilder accumulates WHERE clauses and parameters for the pushdown
// fragment, mirroring the accumulator style used elsewhere in the codebase
// for building parameterized queries incrementally.
type sqlBuilder struct {
	clauses []string
	args    []interface{}
}

func (b *sqlBuilder) add(clause string, args ...interface{}) {
	b.clauses = append(b.clauses, clause)
	b.args = append(b.args, args...)
}

func (b *sqlBuilder) where() string {
	if len(b.clauses) == 0 {
		return "1=1"
	}
	return strings.Join(b.clauses, " AND ")
}

// buildPushdown renders a pushdown-eligible node into a WHERE fragment.
// Dynamic field names are resolved through the AttributeField whitelist;
// anything not present there is a programming error, not user input, so it
// panics rather than risking string-built SQL with an unchecked column name.
func buildPushdown(n *Node, b *sqlBuilder) {
	if n == nil {
		return
	}
	switch n.Tag {
	case TagAnd:
		var sub []string
		for _, c := range n.Children {
			inner := &sqlBuilder{}
			buildPushdown(c, inner)
			sub = append(sub, "("+inner.where()+")")
			b.args = append(b.args, inner.args...)
		}
		b.clauses = append(b.clauses, strings.Join(sub, " AND "))

	case TagOr:
		var sub []string
		for _, c := range n.Children {
			inner := &sqlBuilder{}
			buildPushdown(c, inner)
			sub = append(sub, "("+inner.where()+")")
			b.args = append(b.args, inner.args...)
		}
		b.clauses = append(b.clauses, "("+strings.Join(sub, " OR ")+")")

	case TagAttribute:
		column, ok := AttributeField[n.Field]
		if !ok {
			panic(fmt.Sprintf("query: attribute field %q not in whitelist", n.Field))
		}
		applyStringOp(b, column, n.Op, n.Value)

	case TagManaged:
		if n.Managed {
			b.add("top.is_managed = 1")
		} else {
			b.add("top.is_managed = 0")
		}

	case TagHas, TagHasAny:
		clause := fmt.Sprintf(`c.component_id IN (
			SELECT component_id FROM layers WHERE solution_name IN (%s)
		)`, placeholdersFor(n.Solutions))
		b.add(clause, toAnySlice(n.Solutions)...)

	case TagHasAll:
		// component's layer-solution set must contain every solution in
		// n.Solutions: correlated count of distinct matching layers equals
		// len(n.Solutions).
		placeholders := make([]string, len(n.Solutions))
		args := make([]interface{}, len(n.Solutions)+1)
		for i, s := range n.Solutions {
			placeholders[i] = "?"
			args[i] = s
		}
		args[len(n.Solutions)] = len(n.Solutions)
		clause := fmt.Sprintf(`c.component_id IN (
			SELECT component_id FROM layers WHERE solution_name IN (%s)
			GROUP BY component_id HAVING COUNT(DISTINCT solution_name) = ?
		)`, strings.Join(placeholders, ","))
		b.add(clause, args...)

	case TagHasNone:
		clause := fmt.Sprintf(`c.component_id NOT IN (
			SELECT component_id FROM layers WHERE solution_name IN (%s)
		)`, placeholdersFor(n.Solutions))
		b.add(clause, toAnySlice(n.Solutions)...)

	default:
		// Residual-only tags reaching here would be a planner bug.
		panic(fmt.Sprintf("query: tag %q is not pushdown-eligible", n.Tag))
	}
}

func applyStringOp(b *sqlBuilder, column string, op StringOp, value string) {
	escaped := escapeLikePattern(value)
	switch op {
	case OpEquals:
		b.add(column+" = ?", value)
	case OpNotEquals:
		b.add(column+" != ?", value)
	case OpContains:
		b.add(column+" LIKE ? ESCAPE '\\'", "%"+escaped+"%")
	case OpNotContains:
		b.add(column+" NOT LIKE ? ESCAPE '\\'", "%"+escaped+"%")
	case OpBeginsWith:
		b.add(column+" LIKE ? ESCAPE '\\'", escaped+"%")
	case OpNotBeginsWith:
		b.add(column+" NOT LIKE ? ESCAPE '\\'", escaped+"%")
	case OpEndsWith:
		b.add(column+" LIKE ? ESCAPE '\\'", "%"+escaped)
	case OpNotEndsWith:
		b.add(column+" NOT LIKE ? ESCAPE '\\'", "%"+escaped)
	default:
		panic(fmt.Sprintf("query: unknown string operator %q", op))
	}
}

// escapeLikePattern escapes LIKE metacharacters so a user-supplied value
// cannot inject pattern wildcards.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

func placeholdersFor(vals []string) string {
	ph := make([]string, len(vals))
	for i := range vals {
		ph[i] = "?"
	}
	return strings.Join(ph, ",")
}

func inClause(column string, vals []string) string {
	return column + " IN (" + placeholdersFor(vals) + ")"
}

func toAnySlice(vals []string) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

// baseQuery selects one row per component, joined to its top (highest
// ordinal) layer, which is where MANAGED reads from; HAS-family predicates
// test all of a component's layers through subqueries.
const baseQuery = `
SELECT c.component_id, c.component_type, c.logical_name, c.display_name, c.table_logical_name,
       top.publisher, top.is_managed, top.solution_name
FROM components c
JOIN layers top ON top.component_id = c.component_id
JOIN (SELECT component_id, MAX(ordinal) AS max_ordinal FROM layers GROUP BY component_id) m
  ON m.component_id = top.component_id AND m.max_ordinal = top.ordinal
WHERE `
