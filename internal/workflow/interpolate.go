package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// interpolate replaces {context.<key>} and {<taskId>.output} placeholders.
// Unknown placeholders are left as written.
func interpolate(s string, wfContext map[string]any, outputs map[string]any) string {
	if !strings.Contains(s, "{") {
		return s
	}
	for key, v := range wfContext {
		s = strings.ReplaceAll(s, "{context."+key+"}", stringify(v))
	}
	for id, v := range outputs {
		s = strings.ReplaceAll(s, "{"+id+".output}", stringify(v))
	}
	return s
}

// interpolateInput applies interpolate to every string in input, including
// nested maps and lists.
func interpolateInput(input map[string]any, wfContext map[string]any, outputs map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = interpolateValue(v, wfContext, outputs)
	}
	return out
}

func interpolateValue(v any, wfContext, outputs map[string]any) any {
	switch x := v.(type) {
	case string:
		return interpolate(x, wfContext, outputs)
	case map[string]any:
		return interpolateInput(x, wfContext, outputs)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = interpolateValue(item, wfContext, outputs)
		}
		return out
	}
	return v
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case fmt.Stringer:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
