package workshop

import (
	"fmt"
	"strings"

	"github.com/kalambet/agilelab/internal/project"
)

// State is the slice of session state that context chains read.
type State struct {
	Outputs    project.Outputs
	Staging    map[Field]string
	Vision     project.VisionData
	Objectives project.ObjectivesData
}

// Provider yields one candidate context value. Blank means "no value".
type Provider struct {
	Name  string
	Value func(State) string
}

// Chain is an ordered list of providers evaluated first match.
type Chain []Provider

// Resolve returns the first non-blank provider value and the provider name.
// Both are empty when every provider comes back blank.
func (c Chain) Resolve(s State) (string, string) {
	for _, p := range c {
		if v := p.Value(s); strings.TrimSpace(v) != "" {
			return v, p.Name
		}
	}
	return "", ""
}

// Names lists the providers in evaluation order.
func (c Chain) Names() []string {
	out := make([]string, len(c))
	for i, p := range c {
		out[i] = p.Name
	}
	return out
}

// rawInputs renders a stage's raw form input as generation context.
var rawInputs = map[project.Stage]func(State) string{
	project.StageVision:     func(s State) string { return FormatVision(s.Vision) },
	project.StageObjectives: func(s State) string { return FormatObjectives(s.Objectives) },
}

// ContextChain returns the chain feeding slot of target:
// the staging field, then the source stage's stored output, then the
// source stage's raw input when it has one.
func ContextChain(target project.Stage, slot Slot) (Chain, bool) {
	source, ok := ResolveImportSource(target, slot)
	if !ok {
		return nil, false
	}
	if slot == "" {
		slot = Slots(target)[0]
	}
	field := Field{Stage: target, Slot: slot}

	chain := Chain{
		{Name: "staging:" + field.String(), Value: func(s State) string { return s.Staging[field] }},
		{Name: "stored:" + string(source), Value: func(s State) string { return s.Outputs[source] }},
	}
	if raw, ok := rawInputs[source]; ok {
		chain = append(chain, Provider{Name: "raw:" + string(source), Value: raw})
	}
	return chain, true
}

// FormatVision renders the vision form as a context paragraph. Empty fields
// are skipped; an empty form yields "".
func FormatVision(v project.VisionData) string {
	lines := []struct{ label, value string }{
		{"Product", v.ProductName},
		{"Target", v.Target},
		{"Problem", v.Problem},
		{"Current solution", v.CurrentSolution},
		{"Differentiation", v.Differentiation},
	}
	var b strings.Builder
	for _, l := range lines {
		if strings.TrimSpace(l.value) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", l.label, l.value)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatObjectives renders the objectives form as a context line.
func FormatObjectives(o project.ObjectivesData) string {
	if strings.TrimSpace(o.Deadline) == "" {
		return ""
	}
	return "Deadline: " + o.Deadline
}

// FormatTeam renders the registered members one per line.
func FormatTeam(members []project.TeamMember) string {
	var b strings.Builder
	for _, m := range members {
		fmt.Fprintf(&b, "- %s (%s)", m.Name, m.Role)
		if m.Skills != "" {
			fmt.Fprintf(&b, ": %s", m.Skills)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
