package workflow

import "testing"

func TestInterpolate(t *testing.T) {
	ctx := map[string]any{"user": "ann", "count": 3}
	outputs := map[string]any{"fetch": map[string]any{"n": 1}, "name": "report"}

	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"hi {context.user}", "hi ann"},
		{"{context.count} items", "3 items"},
		{"{name.output}.pdf", "report.pdf"},
		{"got {fetch.output}", `got {"n":1}`},
		{"{context.missing} {other.output}", "{context.missing} {other.output}"},
	}
	for _, tt := range tests {
		if got := interpolate(tt.in, ctx, outputs); got != tt.want {
			t.Errorf("interpolate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInterpolateInputNested(t *testing.T) {
	in := map[string]any{
		"to":    "{context.user}",
		"lines": []any{"{name.output}", 7},
		"meta":  map[string]any{"who": "{context.user}"},
	}
	out := interpolateInput(in, map[string]any{"user": "ann"}, map[string]any{"name": "r"})
	if out["to"] != "ann" {
		t.Errorf("to = %v", out["to"])
	}
	lines := out["lines"].([]any)
	if lines[0] != "r" || lines[1] != 7 {
		t.Errorf("lines = %v", lines)
	}
	if out["meta"].(map[string]any)["who"] != "ann" {
		t.Errorf("meta = %v", out["meta"])
	}
	if in["to"] != "{context.user}" {
		t.Error("input mutated")
	}
}
