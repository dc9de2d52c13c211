package project

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStage is returned when a stage key or module id is not recognised.
var ErrUnknownStage = errors.New("unknown stage")

// Stage identifies one step of the workshop wizard.
type Stage string

const (
	StageMindset    Stage = "mindset"
	StageVision     Stage = "vision"
	StageObjectives Stage = "objectives"
	StageKPI        Stage = "kpi"
	StageTeam       Stage = "team"
	StageObeya      Stage = "obeya"
	StageBacklog    Stage = "backlog"
	StageEstimates  Stage = "estimates"
	StageRoadmap    Stage = "roadmap"
	StageSprint     Stage = "sprint"
)

// Stages lists every wizard stage in workshop order.
var Stages = []Stage{
	StageMindset,
	StageVision,
	StageObjectives,
	StageKPI,
	StageTeam,
	StageObeya,
	StageBacklog,
	StageEstimates,
	StageRoadmap,
	StageSprint,
}

// moduleIDs maps stages to the wizard module ids used by the UI and the
// activeModuleId field.
var moduleIDs = map[Stage]string{
	StageMindset:    "f0",
	StageVision:     "f1",
	StageObjectives: "f2",
	StageKPI:        "f3",
	StageTeam:       "f4",
	StageObeya:      "f5",
	StageBacklog:    "f6",
	StageEstimates:  "f7",
	StageRoadmap:    "f8",
	StageSprint:     "f9",
}

// ModuleID returns the wizard module id ("f0".."f9") for s.
func (s Stage) ModuleID() string {
	return moduleIDs[s]
}

// HasOutput reports whether s produces a narrative stored in storedOutputs.
func (s Stage) HasOutput() bool {
	switch s {
	case StageVision, StageObjectives, StageKPI, StageTeam, StageObeya,
		StageBacklog, StageEstimates, StageRoadmap:
		return true
	}
	return false
}

func (s Stage) String() string { return string(s) }

// ParseStage accepts either a stage key ("objectives") or a module id ("f2").
func ParseStage(v string) (Stage, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for st, id := range moduleIDs {
		if v == string(st) || v == id {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, v)
}
