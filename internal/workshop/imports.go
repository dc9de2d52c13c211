package workshop

import (
	"fmt"

	"github.com/kalambet/agilelab/internal/project"
)

// Slot names one editable context field of a stage.
type Slot string

const (
	// SlotStrategic holds the strategic context (vision or objectives).
	SlotStrategic Slot = "strategic"
	// SlotBacklog holds the backlog context.
	SlotBacklog Slot = "backlog"
)

// ParseSlot validates a raw slot name. An empty string means the default slot.
func ParseSlot(v string) (Slot, error) {
	switch s := Slot(v); s {
	case SlotStrategic, SlotBacklog:
		return s, nil
	case "":
		return "", nil
	}
	return "", fmt.Errorf("unknown slot %q (want strategic or backlog)", v)
}

// Field addresses one staging field: a stage and one of its slots.
type Field struct {
	Stage project.Stage `json:"stage"`
	Slot  Slot          `json:"slot"`
}

func (f Field) String() string { return string(f.Stage) + "." + string(f.Slot) }

type importRoute struct {
	slot   Slot
	source project.Stage
}

// importTable lists, per target stage, its slots in default-first order.
var importTable = map[project.Stage][]importRoute{
	project.StageObjectives: {{SlotStrategic, project.StageVision}},
	project.StageKPI:        {{SlotStrategic, project.StageObjectives}},
	project.StageBacklog:    {{SlotStrategic, project.StageObjectives}},
	project.StageTeam:       {{SlotStrategic, project.StageObjectives}, {SlotBacklog, project.StageBacklog}},
	project.StageRoadmap:    {{SlotStrategic, project.StageObjectives}, {SlotBacklog, project.StageBacklog}},
	project.StageEstimates:  {{SlotBacklog, project.StageBacklog}},
}

// ResolveImportCandidate returns the default import source of target.
func ResolveImportCandidate(target project.Stage) (project.Stage, bool) {
	routes := importTable[target]
	if len(routes) == 0 {
		return "", false
	}
	return routes[0].source, true
}

// ResolveImportSource returns the source feeding the given slot of target.
// An empty slot selects the default one.
func ResolveImportSource(target project.Stage, slot Slot) (project.Stage, bool) {
	routes := importTable[target]
	if slot == "" && len(routes) > 0 {
		return routes[0].source, true
	}
	for _, r := range routes {
		if r.slot == slot {
			return r.source, true
		}
	}
	return "", false
}

// Slots returns the staging slots of target, default first.
func Slots(target project.Stage) []Slot {
	routes := importTable[target]
	out := make([]Slot, len(routes))
	for i, r := range routes {
		out[i] = r.slot
	}
	return out
}

// DefaultField returns the default staging field of target.
func DefaultField(target project.Stage) (Field, bool) {
	routes := importTable[target]
	if len(routes) == 0 {
		return Field{}, false
	}
	return Field{Stage: target, Slot: routes[0].slot}, true
}
