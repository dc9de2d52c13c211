package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/agilelab/internal/project"
)

// CoachFallback is returned by AskCoach when the model answers with nothing.
const CoachFallback = "I could not put together any feedback right now. Try rephrasing the question."

const htmlOnly = "Return the answer ONLY as clean HTML, no markdown and no code fences. Use <strong> for key words and <br/> between sentences."

// TeamContext is the input of TeamStructure.
type TeamContext struct {
	Strategy    string
	Backlog     string
	TeamMembers string
}

// RoadmapContext is the input of Roadmap.
type RoadmapContext struct {
	Objectives string
	Backlog    string
}

// Vision drafts a product vision statement from the vision form.
func (c *Client) Vision(ctx context.Context, v project.VisionData) (string, error) {
	prompt := fmt.Sprintf(`Write a professional Product Vision Statement following agile practice.
Project data:
- Product name: %s
- Target: %s
- Problem: %s
- Current customer solution: %s
- Differentiation: %s

Structure: one paragraph with the vision statement, a heading "Value Proposition Analysis", then one card per key point.
%s`, v.ProductName, v.Target, v.Problem, v.CurrentSolution, v.Differentiation, htmlOnly)
	return c.generateText(ctx, "You are a Product Management expert.", prompt, 0.7)
}

// Objectives derives SMART goals and OKRs from the vision context.
func (c *Client) Objectives(ctx context.Context, o project.ObjectivesData, visionContext string) (string, error) {
	prompt := fmt.Sprintf(`Write SMART objectives and OKRs based on the strategic context below.
%s
Deadline: %s

Restate the vision with emphasis before the objectives.
%s`, visionContext, o.Deadline, htmlOnly)
	return c.generateText(ctx, "You are a strategy and OKR coach.", prompt, 0.7)
}

// KPIBreakdown splits the strategic objective into tactical sub-goals with KPIs.
func (c *Client) KPIBreakdown(ctx context.Context, strategic string) (string, error) {
	prompt := fmt.Sprintf(`Analyse the strategic objective and key results below:
%s

Break the objective into 3-4 tactical sub-objectives and give each one clear, measurable KPIs with a target value.
Start with the heading "KPI Breakdown and Targets" and use one card per sub-objective showing the KPI and its target.
%s`, strategic, htmlOnly)
	return c.generateText(ctx, "You are a performance management expert and business analyst.", prompt, 0.7)
}

// Backlog turns the strategic context into user stories.
func (c *Client) Backlog(ctx context.Context, strategic string) (string, error) {
	prompt := fmt.Sprintf(`Break the strategic context below into an agile Product Backlog of user stories.
%s

%s`, strategic, htmlOnly)
	return c.generateText(ctx, "You are a senior Product Owner. Turn strategy into clear backlog items.", prompt, 0.8)
}

// Estimates proposes an estimate for each story of the backlog.
func (c *Client) Estimates(ctx context.Context, backlog string) (string, error) {
	prompt := fmt.Sprintf(`Review the user stories in the backlog below and propose an estimate in story points for each.
%s

%s`, backlog, htmlOnly)
	return c.generateText(ctx, "You are an agile coach specialised in estimation techniques.", prompt, 0.7)
}

// TeamStructure proposes roles for a scrum team serving strategy and backlog.
func (c *Client) TeamStructure(ctx context.Context, tc TeamContext) (string, error) {
	var b strings.Builder
	b.WriteString("Define the structure of a Scrum team tuned to this project.\n")
	if tc.TeamMembers != "" {
		fmt.Fprintf(&b, `
EXISTING TEAM MEMBERS:
%s

Assign roles and responsibilities to these people based on their skills. Flag vacant roles when key skills are missing.
`, tc.TeamMembers)
	}
	fmt.Fprintf(&b, `
STRATEGIC OBJECTIVES:
%s

TECHNICAL BACKLOG:
%s

Use one card per team member and make "who does what" explicit.
%s`, tc.Strategy, tc.Backlog, htmlOnly)
	return c.generateText(ctx, "You are an agile HR and resource management expert. Propose a balanced, cross-functional team.", b.String(), 0.8)
}

// Roadmap defines the MVP and a release roadmap.
func (c *Client) Roadmap(ctx context.Context, rc RoadmapContext) (string, error) {
	prompt := fmt.Sprintf(`Analyse the project data below to define an MVP and a release roadmap.

STRATEGIC OBJECTIVES:
%s

PRODUCT BACKLOG (USER STORIES):
%s

Include: the MVP feature list, the estimated release date, the estimated number of sprints and a milestone timeline.
Be realistic for a standard team (1 PO, 1 SM, 3-5 developers).
%s`, rc.Objectives, rc.Backlog, htmlOnly)
	return c.generateText(ctx, "You are a senior product strategist, expert in Lean Startup and agile roadmaps.", prompt, 0.8)
}

// RoomRendering edits a photo of a room into an Obeya room showing the
// checklist items. It returns a data URI, or "" when the model sent no image.
func (c *Client) RoomRendering(ctx context.Context, image []byte, mimeType string, checklist []string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	prompt := fmt.Sprintf(`Edit this photo of a room to turn it into a professional agile Obeya room.
Add these elements on the walls and in the space: %s.
Modern, bright, professional style: whiteboards with colourful sticky notes, KPI charts, a product vision board, space for the team.
Return the edited image.`, strings.Join(checklist, ", "))

	resp, err := c.Generate(ctx, c.imageModel, GenerateRequest{
		Contents: []Content{{Role: "user", Parts: []Part{
			{InlineData: &InlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
			{Text: prompt},
		}}},
		GenerationConfig: &GenerationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	})
	if err != nil {
		return "", err
	}
	img, ok := resp.Image()
	if !ok {
		return "", nil
	}
	mt := img.MimeType
	if mt == "" {
		mt = "image/png"
	}
	return "data:" + mt + ";base64," + img.Data, nil
}

// AskCoach answers a participant question within the module context.
func (c *Client) AskCoach(ctx context.Context, prompt, moduleContext string) (string, error) {
	text, err := c.generateText(ctx,
		"You are the workshop's Agile Coach. Review participants' workshop output and give short, challenging, practical feedback. Do not hand out solutions; guide the team toward the right agile mindset. Be professional and encouraging.",
		fmt.Sprintf("Module context: %s\n\nParticipant input: %s", moduleContext, prompt),
		0.8)
	if errors.Is(err, ErrEmptyResponse) {
		return CoachFallback, nil
	}
	return text, err
}

// TaskBreakdown splits user stories into sprint tasks assigned to members.
func (c *Client) TaskBreakdown(ctx context.Context, stories []project.Story, members []project.TeamMember) ([]project.TaskDraft, error) {
	var b strings.Builder
	b.WriteString("Break the user stories below into concrete sprint tasks.\n\nUSER STORIES:\n")
	for _, s := range stories {
		fmt.Fprintf(&b, "- %s: %s\n", s.ExternalID, s.Text)
	}
	if len(members) > 0 {
		b.WriteString("\nTEAM:\n")
		for _, m := range members {
			fmt.Fprintf(&b, "- %s (%s)\n", m.Name, m.Role)
		}
		b.WriteString("\nAssign each task to the best-suited team member by name.\n")
	}
	b.WriteString(`
Answer with a JSON array only: [{"title": "...", "assignedTo": "..."}].`)

	resp, err := c.Generate(ctx, c.textModel, GenerateRequest{
		Contents:          []Content{{Role: "user", Parts: []Part{{Text: b.String()}}}},
		SystemInstruction: &Content{Parts: []Part{{Text: "You are a Scrum Master planning a sprint."}}},
		GenerationConfig:  &GenerationConfig{Temperature: temperature(0.4), ResponseMimeType: "application/json"},
	})
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(stripCodeFence(resp.Text()))
	if raw == "" {
		return nil, ErrEmptyResponse
	}

	var drafts []project.TaskDraft
	if err := json.Unmarshal([]byte(raw), &drafts); err != nil {
		return nil, fmt.Errorf("decoding task breakdown: %w", err)
	}
	out := drafts[:0]
	for _, d := range drafts {
		d.Title = strings.TrimSpace(d.Title)
		if d.Title == "" {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// DecodeDataURI splits a base64 data URI into bytes and mime type. Bare base64
// input is accepted and reported as image/jpeg.
func DecodeDataURI(s string) ([]byte, string, error) {
	mimeType := "image/jpeg"
	payload := strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data URI")
		}
		meta, isBase64 := strings.CutSuffix(meta, ";base64")
		if !isBase64 {
			return nil, "", fmt.Errorf("data URI is not base64 encoded")
		}
		if meta != "" {
			mimeType = meta
		}
		payload = data
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}
	return b, mimeType, nil
}
