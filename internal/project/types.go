package project

import (
	"maps"
	"slices"
	"time"
)

// TeamMember is one participant registered for the workshop session.
type TeamMember struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Skills string `json:"skills"`
}

// SessionData holds the engagement-level details entered at project setup.
type SessionData struct {
	ProjectName string       `json:"projectName"`
	StartDate   string       `json:"startDate"`
	TeamMembers []TeamMember `json:"teamMembers"`
}

// VisionData is the raw input of the vision stage.
type VisionData struct {
	ProductName     string `json:"productName"`
	Target          string `json:"target"`
	Problem         string `json:"problem"`
	CurrentSolution string `json:"currentSolution"`
	Differentiation string `json:"differentiation"`
}

// ObjectivesData is the raw input of the objectives stage.
type ObjectivesData struct {
	Deadline string `json:"deadline"`
}

// MindsetData is the raw input of the mindset stage.
type MindsetData struct {
	Experience   string `json:"experience"`
	Challenges   string `json:"challenges"`
	Expectations string `json:"expectations"`
	Readiness    string `json:"readiness"`
}

// Outputs maps a stage to its last generated or edited narrative.
// A missing key means the stage has not been generated yet.
type Outputs map[Stage]string

// Get returns the stored output for s and whether one exists.
func (o Outputs) Get(s Stage) (string, bool) {
	v, ok := o[s]
	return v, ok
}

// SprintLog is an immutable record of a closed sprint.
type SprintLog struct {
	Number         int               `json:"number"`
	Date           string            `json:"date"`
	CompletedTasks []Task            `json:"completedTasks"`
	CarryOverCount int               `json:"carryOverCount"`
	ReviewData     map[string]string `json:"reviewData"`
	RetroData      map[string]string `json:"retroData"`
	TeamMoods      map[string]string `json:"teamMoods"`
}

// Project is the single persisted document of one workshop engagement.
type Project struct {
	ID                  string         `json:"id"`
	SessionData         SessionData    `json:"sessionData"`
	VisionData          VisionData     `json:"visionData"`
	ObjectivesData      ObjectivesData `json:"objectivesData"`
	MindsetData         MindsetData    `json:"mindsetData"`
	StoredOutputs       Outputs        `json:"storedOutputs"`
	ActiveModuleID      string         `json:"activeModuleId"`
	TeamAvailability    map[string]int `json:"teamAvailability"`
	Impediments         []string       `json:"impediments"`
	CurrentSprintNumber int            `json:"currentSprintNumber"`
	SprintsHistory      []SprintLog    `json:"sprintsHistory"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// Summary is the list view of a project.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Normalize fills nil collections and the sprint counter with their defaults.
func (p *Project) Normalize() {
	if p.StoredOutputs == nil {
		p.StoredOutputs = Outputs{}
	}
	if p.TeamAvailability == nil {
		p.TeamAvailability = map[string]int{}
	}
	if p.Impediments == nil {
		p.Impediments = []string{}
	}
	if p.SprintsHistory == nil {
		p.SprintsHistory = []SprintLog{}
	}
	if p.SessionData.TeamMembers == nil {
		p.SessionData.TeamMembers = []TeamMember{}
	}
	if p.CurrentSprintNumber < 1 {
		p.CurrentSprintNumber = 1
	}
	if p.ActiveModuleID == "" {
		p.ActiveModuleID = StageMindset.ModuleID()
	}
}

// Clone returns a deep copy of p, safe to hand to another goroutine.
func (p Project) Clone() Project {
	out := p
	out.SessionData.TeamMembers = slices.Clone(p.SessionData.TeamMembers)
	out.StoredOutputs = maps.Clone(p.StoredOutputs)
	out.TeamAvailability = maps.Clone(p.TeamAvailability)
	out.Impediments = slices.Clone(p.Impediments)
	out.SprintsHistory = make([]SprintLog, len(p.SprintsHistory))
	for i, l := range p.SprintsHistory {
		out.SprintsHistory[i] = l.clone()
	}
	if p.SprintsHistory == nil {
		out.SprintsHistory = nil
	}
	return out
}

func (l SprintLog) clone() SprintLog {
	out := l
	out.CompletedTasks = slices.Clone(l.CompletedTasks)
	out.ReviewData = maps.Clone(l.ReviewData)
	out.RetroData = maps.Clone(l.RetroData)
	out.TeamMoods = maps.Clone(l.TeamMoods)
	return out
}

// Patch is a merge-style partial update. Nil fields are left untouched.
type Patch struct {
	SessionData         *SessionData    `json:"sessionData,omitempty"`
	VisionData          *VisionData     `json:"visionData,omitempty"`
	ObjectivesData      *ObjectivesData `json:"objectivesData,omitempty"`
	MindsetData         *MindsetData    `json:"mindsetData,omitempty"`
	StoredOutputs       *Outputs        `json:"storedOutputs,omitempty"`
	ActiveModuleID      *string         `json:"activeModuleId,omitempty"`
	TeamAvailability    *map[string]int `json:"teamAvailability,omitempty"`
	Impediments         *[]string       `json:"impediments,omitempty"`
	CurrentSprintNumber *int            `json:"currentSprintNumber,omitempty"`
	SprintsHistory      *[]SprintLog    `json:"sprintsHistory,omitempty"`
}

// SnapshotPatch returns a patch that overwrites every tracked field of p.
func SnapshotPatch(p Project) Patch {
	c := p.Clone()
	return Patch{
		SessionData:         &c.SessionData,
		VisionData:          &c.VisionData,
		ObjectivesData:      &c.ObjectivesData,
		MindsetData:         &c.MindsetData,
		StoredOutputs:       &c.StoredOutputs,
		ActiveModuleID:      &c.ActiveModuleID,
		TeamAvailability:    &c.TeamAvailability,
		Impediments:         &c.Impediments,
		CurrentSprintNumber: &c.CurrentSprintNumber,
		SprintsHistory:      &c.SprintsHistory,
	}
}

// Apply merges the non-nil fields of patch into p.
func (p *Project) Apply(patch Patch) {
	if patch.SessionData != nil {
		p.SessionData = *patch.SessionData
	}
	if patch.VisionData != nil {
		p.VisionData = *patch.VisionData
	}
	if patch.ObjectivesData != nil {
		p.ObjectivesData = *patch.ObjectivesData
	}
	if patch.MindsetData != nil {
		p.MindsetData = *patch.MindsetData
	}
	if patch.StoredOutputs != nil {
		p.StoredOutputs = *patch.StoredOutputs
	}
	if patch.ActiveModuleID != nil {
		p.ActiveModuleID = *patch.ActiveModuleID
	}
	if patch.TeamAvailability != nil {
		p.TeamAvailability = *patch.TeamAvailability
	}
	if patch.Impediments != nil {
		p.Impediments = *patch.Impediments
	}
	if patch.CurrentSprintNumber != nil {
		p.CurrentSprintNumber = *patch.CurrentSprintNumber
	}
	if patch.SprintsHistory != nil {
		p.SprintsHistory = *patch.SprintsHistory
	}
}
