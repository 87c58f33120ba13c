package backend

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Op is a filter operator.
type Op string

const (
	// OpEqual matches documents whose field equals Value.
	OpEqual Op = "=="
	// OpNotNull matches documents whose field is present and not null.
	OpNotNull Op = "!=null"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter is one where-clause.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order is one order-by clause.
type Order struct {
	Field     string
	Direction Direction
}

// Query is a conjunction of filters plus an ordering.
type Query struct {
	Where   []Filter
	OrderBy []Order
}

// AndWhere returns a copy of q with an extra filter.
func (q Query) AndWhere(field string, op Op, value any) Query {
	return Query{Where: append(append([]Filter(nil), q.Where...), Filter{Field: field, Op: op, Value: value}), OrderBy: q.OrderBy}
}

// Order returns a copy of q with an extra ordering.
func (q Query) Order(field string, dir Direction) Query {
	return Query{Where: q.Where, OrderBy: append(append([]Order(nil), q.OrderBy...), Order{Field: field, Direction: dir})}
}

func (q Query) String() string {
	var b strings.Builder
	for i, f := range q.Where {
		if i > 0 {
			b.WriteString(" AND ")
		}
		if f.Op == OpNotNull {
			fmt.Fprintf(&b, "%s != null", f.Field)
		} else {
			fmt.Fprintf(&b, "%s %s %v", f.Field, f.Op, f.Value)
		}
	}
	for i, o := range q.OrderBy {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", o.Field, o.Direction)
	}
	return b.String()
}

// Matches reports whether fields satisfy every filter of q.
func (q Query) Matches(fields Fields) bool {
	for _, f := range q.Where {
		v, ok := fields[f.Field]
		switch f.Op {
		case OpNotNull:
			if !ok || v == nil {
				return false
			}
		case OpEqual:
			if !ok || compareValues(v, f.Value) != 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply returns the documents that match q, ordered by q.OrderBy.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d.Fields) {
			out = append(out, d)
		}
	}
	SortDocuments(out, q.OrderBy)
	return out
}

// SortDocuments stably sorts docs by the given orderings. Documents missing a field sort
// after documents that have it, regardless of direction.
func SortDocuments(docs []Document, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			a, aok := docs[i].Fields[o.Field]
			b, bok := docs[j].Fields[o.Field]
			aok = aok && a != nil
			bok = bok && b != nil
			switch {
			case !aok && !bok:
				continue
			case !aok:
				return false
			case !bok:
				return true
			}
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if o.Direction == Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareValues orders times chronologically, numbers numerically and everything else by
// its string form. Time strings in RFC 3339 compare as times.
func compareValues(a, b any) int {
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if reflect.DeepEqual(a, b) {
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
