package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"time"

	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/models"
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

type sqlPart struct {
	SQL  string
	Vars []any
}

// translate turns a backend query into where-clauses and order-by expressions over the
// JSONB data column. Field names are validated and inlined; values are bound.
func translate(q backend.Query) ([]sqlPart, []string, error) {
	where := make([]sqlPart, 0, len(q.Where))
	for _, f := range q.Where {
		if !fieldName.MatchString(f.Field) {
			return nil, nil, fmt.Errorf("invalid field name %q", f.Field)
		}
		switch f.Op {
		case backend.OpEqual:
			where = append(where, sqlPart{SQL: fmt.Sprintf("data->>'%s' = ?", f.Field), Vars: []any{textValue(f.Value)}})
		case backend.OpNotNull:
			where = append(where, sqlPart{SQL: fmt.Sprintf("COALESCE(jsonb_typeof(data->'%s'), 'null') <> 'null'", f.Field)})
		default:
			return nil, nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
	}

	order := make([]string, 0, len(q.OrderBy)+1)
	for _, o := range q.OrderBy {
		if !fieldName.MatchString(o.Field) {
			return nil, nil, fmt.Errorf("invalid field name %q", o.Field)
		}
		dir := "ASC NULLS LAST"
		if o.Direction == backend.Desc {
			dir = "DESC NULLS LAST"
		}
		order = append(order, fmt.Sprintf("data->'%s' %s", o.Field, dir))
	}
	order = append(order, "id ASC")
	return where, order, nil
}

// textValue renders v the way data->>'field' renders the stored JSON value.
func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(models.TimeLayout)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// encodeFields converts values into their stored JSON form. Times become fixed-width UTC
// strings so JSONB comparison orders them chronologically.
func encodeFields(fields backend.Fields) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(models.TimeLayout)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(models.TimeLayout)
	case backend.Fields:
		return encodeFields(t)
	case map[string]any:
		return encodeFields(t)
	case backend.ArrayUnion:
		return encodeValue([]any(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = encodeValue(item)
		}
		return out
	}
	return v
}

// applyUpdate returns data patched with fields. Plain values replace; ArrayUnion values
// append the elements not already present.
func applyUpdate(data map[string]any, fields backend.Fields) map[string]any {
	out := make(map[string]any, len(data)+len(fields))
	for k, v := range data {
		out[k] = v
	}
	for k, v := range fields {
		union, ok := v.(backend.ArrayUnion)
		if !ok {
			out[k] = encodeValue(v)
			continue
		}
		list, _ := out[k].([]any)
		list = append([]any(nil), list...)
		for _, elem := range union {
			canon := canonical(encodeValue(elem))
			present := false
			for _, item := range list {
				if reflect.DeepEqual(canonical(item), canon) {
					present = true
					break
				}
			}
			if !present {
				list = append(list, canon)
			}
		}
		out[k] = list
	}
	return out
}

// canonical round-trips v through JSON so Go values compare equal to decoded JSONB.
func canonical(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
