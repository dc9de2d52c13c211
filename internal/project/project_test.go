package project

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseStage(t *testing.T) {
	tests := []struct {
		in   string
		want Stage
	}{
		{"vision", StageVision},
		{"f1", StageVision},
		{"F2", StageObjectives},
		{" objectives ", StageObjectives},
		{"f9", StageSprint},
		{"kpi", StageKPI},
	}
	for _, tt := range tests {
		got, err := ParseStage(tt.in)
		if err != nil {
			t.Fatalf("ParseStage(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseStage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := ParseStage("f42"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("ParseStage(f42) error = %v, want ErrUnknownStage", err)
	}
}

func TestStageModuleIDsRoundTrip(t *testing.T) {
	for _, s := range Stages {
		got, err := ParseStage(s.ModuleID())
		if err != nil {
			t.Fatalf("ParseStage(%q): %v", s.ModuleID(), err)
		}
		if got != s {
			t.Errorf("ParseStage(%q) = %q, want %q", s.ModuleID(), got, s)
		}
	}
}

func TestParseTaskStatus(t *testing.T) {
	for _, v := range []string{"todo", "doing", "done"} {
		if _, err := ParseTaskStatus(v); err != nil {
			t.Errorf("ParseTaskStatus(%q): %v", v, err)
		}
	}
	if _, err := ParseTaskStatus("blocked"); err == nil {
		t.Error("ParseTaskStatus(blocked) should fail")
	}
}

func TestApplyTaskEvent_UpdateIdempotent(t *testing.T) {
	base := func() []Task {
		return []Task{
			{ID: "1", Title: "a", Status: StatusTodo},
			{ID: "2", Title: "b", Status: StatusDoing},
		}
	}
	ev := TaskEvent{Type: EventUpdate, Task: Task{ID: "1", Title: "a", Status: StatusDone}}

	once := ApplyTaskEvent(base(), ev)
	twice := ApplyTaskEvent(ApplyTaskEvent(base(), ev), ev)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("applying twice = %+v, want %+v", twice, once)
	}
	if once[0].Status != StatusDone {
		t.Errorf("status = %q, want done", once[0].Status)
	}
}

func TestApplyTaskEvent_InsertAndDelete(t *testing.T) {
	tasks := []Task{{ID: "1", Status: StatusTodo}}

	tasks = ApplyTaskEvent(tasks, TaskEvent{Type: EventInsert, Task: Task{ID: "2", Status: StatusTodo}})
	tasks = ApplyTaskEvent(tasks, TaskEvent{Type: EventInsert, Task: Task{ID: "2", Status: StatusTodo}})
	if len(tasks) != 2 {
		t.Fatalf("len = %d after duplicate insert, want 2", len(tasks))
	}

	tasks = ApplyTaskEvent(tasks, TaskEvent{Type: EventDelete, Task: Task{ID: "1"}})
	tasks = ApplyTaskEvent(tasks, TaskEvent{Type: EventDelete, Task: Task{ID: "1"}})
	if len(tasks) != 1 || tasks[0].ID != "2" {
		t.Fatalf("tasks = %+v, want only task 2", tasks)
	}
}

func TestProjectCloneIsDeep(t *testing.T) {
	p := Project{
		StoredOutputs:    Outputs{StageVision: "V1"},
		TeamAvailability: map[string]int{"Marco (PO)": 40},
		Impediments:      []string{"vpn"},
		SprintsHistory:   []SprintLog{{Number: 1, TeamMoods: map[string]string{"Sara": "ok"}}},
	}
	c := p.Clone()
	c.StoredOutputs[StageVision] = "changed"
	c.TeamAvailability["Marco (PO)"] = 0
	c.Impediments[0] = "changed"
	c.SprintsHistory[0].TeamMoods["Sara"] = "changed"

	if p.StoredOutputs[StageVision] != "V1" || p.TeamAvailability["Marco (PO)"] != 40 ||
		p.Impediments[0] != "vpn" || p.SprintsHistory[0].TeamMoods["Sara"] != "ok" {
		t.Errorf("Clone shares state with original: %+v", p)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	var p Project
	p.Normalize()
	if p.CurrentSprintNumber != 1 {
		t.Errorf("CurrentSprintNumber = %d, want 1", p.CurrentSprintNumber)
	}
	if p.ActiveModuleID != "f0" {
		t.Errorf("ActiveModuleID = %q, want f0", p.ActiveModuleID)
	}
	if p.StoredOutputs == nil || p.TeamAvailability == nil || p.Impediments == nil || p.SprintsHistory == nil {
		t.Errorf("Normalize left nil collections: %+v", p)
	}
}
