package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestConditionsJSON(t *testing.T) {
	in := Conditions{
		TaskSuccess{TaskID: "a"},
		TaskFailure{TaskID: "b"},
		TaskCompletion{TaskID: "c"},
		Expression{Expr: `context.env == "prod"`},
		StateCondition{Path: "flags.on", Value: true},
		Always{},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Conditions
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d conditions, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("condition %d = %#v, want %#v", i, out[i], in[i])
		}
	}
}

func TestConditionsRejectUnknown(t *testing.T) {
	var cs Conditions
	if err := json.Unmarshal([]byte(`[{"type":"SOMETIMES"}]`), &cs); err == nil {
		t.Error("unknown type accepted")
	}
	if err := json.Unmarshal([]byte(`[{"type":"TASK_SUCCESS"}]`), &cs); err == nil {
		t.Error("TASK_SUCCESS without taskId accepted")
	}
}

func TestTemplateYAML(t *testing.T) {
	src := `
name: nightly
version: 3
context:
  env: prod
tasks:
  - id: build
    action: echo
    timeout: 5s
    retries: 2
  - id: notify
    action: echo
    depends_on: [build]
    timeout: 1500
    conditions:
      - type: TASK_FAILURE
        task_id: build
      - type: STATE_CONDITION
        state_path: flags.alert
        value: true
`
	var tpl Template
	if err := yaml.Unmarshal([]byte(src), &tpl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tpl.Name != "nightly" || tpl.Version != 3 || len(tpl.Tasks) != 2 {
		t.Fatalf("template = %+v", tpl)
	}
	build, notify := tpl.Tasks[0], tpl.Tasks[1]
	if build.Timeout.Std() != 5*time.Second || build.Retries != 2 {
		t.Errorf("build timeout %s retries %d", build.Timeout.Std(), build.Retries)
	}
	if notify.Timeout.Std() != 1500*time.Millisecond {
		t.Errorf("notify timeout = %s", notify.Timeout.Std())
	}
	if len(notify.DependsOn) != 1 || notify.DependsOn[0] != "build" {
		t.Errorf("depends_on = %v", notify.DependsOn)
	}
	if len(notify.Conditions) != 2 {
		t.Fatalf("conditions = %v", notify.Conditions)
	}
	if c, ok := notify.Conditions[0].(TaskFailure); !ok || c.TaskID != "build" {
		t.Errorf("condition 0 = %#v", notify.Conditions[0])
	}
	if c, ok := notify.Conditions[1].(StateCondition); !ok || c.Path != "flags.alert" || c.Value != true {
		t.Errorf("condition 1 = %#v", notify.Conditions[1])
	}
	if err := Validate(tpl.Tasks); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"250ms"`), &d); err != nil || d.Std() != 250*time.Millisecond {
		t.Errorf("string duration = %s, %v", d.Std(), err)
	}
	if err := json.Unmarshal([]byte(`2000`), &d); err != nil || d.Std() != 2*time.Second {
		t.Errorf("numeric duration = %s, %v", d.Std(), err)
	}
	data, _ := json.Marshal(Duration(time.Minute))
	if string(data) != `"1m0s"` {
		t.Errorf("marshal = %s", data)
	}
}
