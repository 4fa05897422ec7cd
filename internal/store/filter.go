package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type Op string

const (
	OpEq Op = "="
	OpIn Op = "IN"
	OpLt Op = "<"
)

type Cond struct {
	Field string
	Op    Op
	Value any
}

// Eq matches documents whose field equals value.
func Eq(field string, value any) Cond { return Cond{Field: field, Op: OpEq, Value: value} }

// In matches documents whose field equals any of values.
func In(field string, values ...string) Cond {
	return Cond{Field: field, Op: OpIn, Value: values}
}

// Lt matches documents whose field sorts before value. Time-valued fields
// compare as RFC 3339 timestamps.
func Lt(field string, value any) Cond { return Cond{Field: field, Op: OpLt, Value: value} }

// Filter selects documents of one collection. All conditions must hold.
type Filter struct {
	Collection string
	Conds      []Cond
	OrderBy    string
	Desc       bool
	Limit      int
}

// Where starts a filter over a collection.
func Where(collection string, conds ...Cond) Filter {
	return Filter{Collection: collection, Conds: conds}
}

func (f Filter) Order(field string, desc bool) Filter {
	f.OrderBy = field
	f.Desc = desc
	return f
}

func (f Filter) Take(n int) Filter {
	f.Limit = n
	return f
}

func (f Filter) validate() error {
	if f.Collection == "" {
		return fmt.Errorf("%w: missing collection", ErrInvalidFilter)
	}
	return nil
}

// Matches evaluates the filter conditions against one decoded document.
func (f Filter) Matches(doc map[string]any) bool {
	for _, c := range f.Conds {
		if !c.matches(doc) {
			return false
		}
	}
	return true
}

func (c Cond) matches(doc map[string]any) bool {
	got, ok := doc[c.Field]
	switch c.Op {
	case OpEq:
		if !ok {
			// Absent fields equal their zero value; lets filters like
			// processed == false match records that omit the field.
			return looseEq(zeroOf(c.Value), c.Value)
		}
		return looseEq(got, c.Value)
	case OpIn:
		if !ok {
			return false
		}
		values, isList := c.Value.([]string)
		if !isList {
			return false
		}
		for _, v := range values {
			if looseEq(got, v) {
				return true
			}
		}
		return false
	case OpLt:
		if !ok {
			return false
		}
		return looseLess(got, c.Value)
	default:
		return false
	}
}

// looseEq compares a decoded-JSON value against a filter value, tolerating
// the string/float64/bool shapes encoding/json produces.
func looseEq(got, want any) bool {
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	case time.Time:
		g, ok := asTime(got)
		return ok && g.Equal(w)
	case int:
		return looseEq(got, float64(w))
	case int64:
		return looseEq(got, float64(w))
	case float64:
		g, ok := got.(float64)
		return ok && g == w
	case nil:
		return got == nil
	default:
		return fmt.Sprint(got) == fmt.Sprint(want)
	}
}

func looseLess(got, want any) bool {
	if w, ok := want.(time.Time); ok {
		g, ok := asTime(got)
		return ok && g.Before(w)
	}
	switch w := want.(type) {
	case int:
		return looseLess(got, float64(w))
	case int64:
		return looseLess(got, float64(w))
	case float64:
		g, ok := got.(float64)
		return ok && g < w
	case string:
		g, ok := got.(string)
		return ok && g < w
	default:
		return false
	}
}

func asTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func zeroOf(v any) any {
	switch v.(type) {
	case string:
		return ""
	case bool:
		return false
	case int, int64, float64:
		return float64(0)
	default:
		return nil
	}
}

// applyOrderLimit sorts decoded documents by the filter's order field and
// truncates to its limit.
func applyOrderLimit(docs []map[string]any, f Filter) []map[string]any {
	if f.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			less := looseLess(docs[i][f.OrderBy], orderKey(docs[j][f.OrderBy]))
			if f.Desc {
				return !less && !looseEq(docs[i][f.OrderBy], docs[j][f.OrderBy])
			}
			return less
		})
	}
	if f.Limit > 0 && len(docs) > f.Limit {
		docs = docs[:f.Limit]
	}
	return docs
}

// orderKey adapts a decoded document value into a comparable filter value.
func orderKey(v any) any {
	if t, ok := asTime(v); ok {
		return t
	}
	return v
}

// decodeDoc round-trips a raw record into a generic map for filtering.
func decodeDoc(raw json.RawMessage) (map[string]any, bool) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// docID extracts the mandatory id field of a document.
func docID(doc map[string]any) (string, bool) {
	id, ok := doc["id"].(string)
	return id, ok && id != ""
}
