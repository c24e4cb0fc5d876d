// Package database builds parameterised SELECT statements for list endpoints.
// Identifiers are quoted with pgx, and values are always bound as $n placeholders.
package database

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ConditionType is the comparison operator of a Condition.
type ConditionType string

const (
	Equal              ConditionType = "="
	NotEqual           ConditionType = "!="
	GreaterThan        ConditionType = ">"
	GreaterThanOrEqual ConditionType = ">="
	LessThan           ConditionType = "<"
	LessThanOrEqual    ConditionType = "<="
	// In matches any element of a slice value via "= ANY($n)".
	In ConditionType = "IN"
	// IsNull ignores Value; a true Value asserts NULL, false asserts NOT NULL.
	IsNull ConditionType = "IS NULL"
)

// Condition is one predicate of a WHERE clause; conditions are ANDed together.
type Condition struct {
	Field string
	Type  ConditionType
	Value any
}

// WhereCond builds a Condition.
func WhereCond(field string, condType ConditionType, value any) Condition {
	return Condition{Field: field, Type: condType, Value: value}
}

// ListQueryOptions describes a paged SELECT over one table.
type ListQueryOptions struct {
	Table      string
	Columns    []string
	Conditions []Condition
	OrderBy    string
	OrderDesc  bool
	Limit      int // <= 0 means unbounded
	Offset     int
}

// ListQueryOption mutates ListQueryOptions.
type ListQueryOption func(*ListQueryOptions)

// NewListQueryOptions applies opts over a query on table.
func NewListQueryOptions(table string, opts ...ListQueryOption) *ListQueryOptions {
	o := &ListQueryOptions{Table: table}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithColumns selects the given columns; none selects "*".
func WithColumns(cols ...string) ListQueryOption {
	return func(o *ListQueryOptions) { o.Columns = append(o.Columns, cols...) }
}

// WithCondition adds a predicate.
func WithCondition(cond Condition) ListQueryOption {
	return func(o *ListQueryOptions) { o.Conditions = append(o.Conditions, cond) }
}

// WithOrderBy sets the sort column. Direction is "ASC" or "DESC"; anything else is ASC.
func WithOrderBy(column, direction string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.OrderBy = column
		o.OrderDesc = strings.EqualFold(strings.TrimSpace(direction), "DESC")
	}
}

// WithLimit caps the number of rows.
func WithLimit(limit int) ListQueryOption {
	return func(o *ListQueryOptions) { o.Limit = limit }
}

// WithOffset skips rows; negative values are ignored.
func WithOffset(offset int) ListQueryOption {
	return func(o *ListQueryOptions) { o.Offset = max(offset, 0) }
}

// BuildListQuery renders the statement and its arguments. When an ORDER BY column is
// set, "id" is appended as a tie breaker so offset pages are stable.
func BuildListQuery(o *ListQueryOptions) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT ")
	if len(o.Columns) == 0 {
		sb.WriteByte('*')
	} else {
		for i, c := range o.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(quoteIdent(c))
		}
	}
	sb.WriteString(" FROM ")
	sb.WriteString(quoteIdent(o.Table))

	for i, cond := range o.Conditions {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		var clause string
		clause, args = renderCondition(cond, args)
		sb.WriteString(clause)
	}

	if o.OrderBy != "" {
		dir := " ASC"
		if o.OrderDesc {
			dir = " DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s%s", quoteIdent(o.OrderBy), dir)
		if o.OrderBy != "id" {
			fmt.Fprintf(&sb, ", %s%s", quoteIdent("id"), dir)
		}
	}
	if o.Limit > 0 {
		args = append(args, o.Limit)
		sb.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	if o.Offset > 0 {
		args = append(args, o.Offset)
		sb.WriteString(" OFFSET $" + strconv.Itoa(len(args)))
	}
	return sb.String(), args
}

func renderCondition(c Condition, args []any) (string, []any) {
	field := quoteIdent(c.Field)
	switch c.Type {
	case IsNull:
		if isNull, _ := c.Value.(bool); !isNull {
			return field + " IS NOT NULL", args
		}
		return field + " IS NULL", args
	case In:
		args = append(args, c.Value)
		return field + " = ANY($" + strconv.Itoa(len(args)) + ")", args
	case Equal, NotEqual, GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual:
		args = append(args, c.Value)
		return field + " " + string(c.Type) + " $" + strconv.Itoa(len(args)), args
	default:
		args = append(args, c.Value)
		return field + " = $" + strconv.Itoa(len(args)), args
	}
}

// quoteIdent quotes a possibly schema-qualified identifier.
func quoteIdent(ident string) string {
	return pgx.Identifier(strings.Split(strings.TrimSpace(ident), ".")).Sanitize()
}
