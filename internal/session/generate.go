package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/agilelab/internal/gemini"
	"github.com/kalambet/agilelab/internal/metrics"
	"github.com/kalambet/agilelab/internal/project"
	"github.com/kalambet/agilelab/internal/workshop"
)

const (
	// FailureMessage replaces the output when generation fails.
	FailureMessage = "Generation failed. Check the connection and try again; any previous output has been kept."
	// MissingKeyMessage replaces the output when no API key is configured.
	MissingKeyMessage = "An API key is required to use generation. Set AGILELAB_GEMINI_API_KEY or run `agilelab config set generation.api_key` and restart."
	// CoachErrorMessage is the coach answer when the call fails.
	CoachErrorMessage = "The coach is not reachable right now. Check the API key and try again."
)

// Result is the outcome of a generation call as shown to the user.
type Result struct {
	Stage  project.Stage `json:"stage"`
	Text   string        `json:"text"`
	Failed bool          `json:"failed"`
	// Context names the provider that supplied each slot, e.g.
	// {"strategic": "stored:objectives"}.
	Context map[workshop.Slot]string `json:"context,omitempty"`
}

// genInput is the frozen state a generator reads.
type genInput struct {
	record project.Project
	state  workshop.State
	used   map[workshop.Slot]string
}

func (in *genInput) slot(target project.Stage, slot workshop.Slot) string {
	chain, ok := workshop.ContextChain(target, slot)
	if !ok {
		return ""
	}
	v, from := chain.Resolve(in.state)
	in.used[slot] = from
	return v
}

type generateFunc func(ctx context.Context, g Generator, in *genInput) (string, error)

// generators dispatches text generation per stage.
var generators = map[project.Stage]generateFunc{
	project.StageVision: func(ctx context.Context, g Generator, in *genInput) (string, error) {
		return g.Vision(ctx, in.record.VisionData)
	},
	project.StageObjectives: func(ctx context.Context, g Generator, in *genInput) (string, error) {
		return g.Objectives(ctx, in.record.ObjectivesData, in.slot(project.StageObjectives, workshop.SlotStrategic))
	},
	project.StageKPI: func(ctx context.Context, g Generator, in *genInput) (string, error) {
		return g.KPIBreakdown(ctx, in.slot(project.StageKPI, workshop.SlotStrategic))
	},
	project.StageBacklog: func(ctx context.Context, g Generator, in *genInput) (string, error) {
		return g.Backlog(ctx, in.slot(project.StageBacklog, workshop.SlotStrategic))
	},
	project.StageEstimates: func(ctx context.Context, g Generator, in *genInput) (string, error) {
		return g.Estimates(ctx, in.slot(project.StageEstimates, workshop.SlotBacklog))
	},
	project.StageTeam: func(ctx context.Context, g Generator, in *genInput) (string, error) {
		return g.TeamStructure(ctx, gemini.TeamContext{
			Strategy:    in.slot(project.StageTeam, workshop.SlotStrategic),
			Backlog:     in.slot(project.StageTeam, workshop.SlotBacklog),
			TeamMembers: workshop.FormatTeam(in.record.SessionData.TeamMembers),
		})
	},
	project.StageRoadmap: func(ctx context.Context, g Generator, in *genInput) (string, error) {
		return g.Roadmap(ctx, gemini.RoadmapContext{
			Objectives: in.slot(project.StageRoadmap, workshop.SlotStrategic),
			Backlog:    in.slot(project.StageRoadmap, workshop.SlotBacklog),
		})
	},
}

// Generatable reports whether st has a text generator.
func Generatable(st project.Stage) bool {
	_, ok := generators[st]
	return ok
}

// SetStaging overwrites the editable context field of stage/slot. An empty
// slot selects the stage's default slot.
func (s *Session) SetStaging(st project.Stage, slot workshop.Slot, text string) error {
	field, err := resolveField(st, slot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.staging[field] = text
	s.mu.Unlock()
	return nil
}

// Staging returns the editable context field of stage/slot.
func (s *Session) Staging(st project.Stage, slot workshop.Slot) (string, error) {
	field, err := resolveField(st, slot)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staging[field], nil
}

// Import copies the current stored output of the slot's source stage into
// the staging field. It is a one-shot copy: later regenerations of the source
// do not propagate. With no stored output the field is left untouched and
// ErrNothingToImport is returned.
func (s *Session) Import(st project.Stage, slot workshop.Slot) (string, error) {
	field, err := resolveField(st, slot)
	if err != nil {
		return "", err
	}
	source, _ := workshop.ResolveImportSource(st, field.Slot)

	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.record.StoredOutputs.Get(source)
	if !ok || strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: generate %s first", ErrNothingToImport, source)
	}
	s.staging[field] = text
	return text, nil
}

func resolveField(st project.Stage, slot workshop.Slot) (workshop.Field, error) {
	if slot == "" {
		f, ok := workshop.DefaultField(st)
		if !ok {
			return workshop.Field{}, fmt.Errorf("%w: %s", ErrNoImportSource, st)
		}
		return f, nil
	}
	if _, ok := workshop.ResolveImportSource(st, slot); !ok {
		return workshop.Field{}, fmt.Errorf("%w: %s.%s", ErrNoImportSource, st, slot)
	}
	return workshop.Field{Stage: st, Slot: slot}, nil
}

// Generate runs the generator of st against the current context. A second
// call for the same stage while one is outstanding returns ErrBusy; other
// stages are independent. The call is not cancelled by ctx: its result is
// always written to st's stored output, whatever the caller is doing by then.
//
// Generation failures are not returned as errors. The displayed text becomes
// a fixed failure message and the stored output is left as it was.
func (s *Session) Generate(ctx context.Context, st project.Stage) (Result, error) {
	run, ok := generators[st]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotGeneratable, st)
	}

	in, err := s.begin(st)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	text, err := run(context.WithoutCancel(ctx), s.gen, in)
	return s.finish(st, text, err, time.Since(start), in.used), nil
}

// RenderRoom sends a room photo for the obeya rendering. The returned data URI
// becomes the obeya stored output.
func (s *Session) RenderRoom(ctx context.Context, image []byte, mimeType string) (Result, error) {
	if len(image) == 0 {
		return Result{}, fmt.Errorf("%w: image is required", ErrValidation)
	}
	mod, err := workshop.ModuleFor(project.StageObeya)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.begin(project.StageObeya); err != nil {
		return Result{}, err
	}

	start := time.Now()
	uri, err := s.gen.RoomRendering(context.WithoutCancel(ctx), image, mimeType, mod.Checklist)
	if err == nil && uri == "" {
		err = gemini.ErrEmptyResponse
	}
	return s.finish(project.StageObeya, uri, err, time.Since(start), nil), nil
}

func (s *Session) begin(st project.Stage) (*genInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[st] {
		return nil, fmt.Errorf("%w: %s generation", ErrBusy, st)
	}
	s.busy[st] = true

	rec := s.record.Clone()
	staging := make(map[workshop.Field]string, len(s.staging))
	for f, v := range s.staging {
		staging[f] = v
	}
	return &genInput{
		record: rec,
		state: workshop.State{
			Outputs:    rec.StoredOutputs,
			Staging:    staging,
			Vision:     rec.VisionData,
			Objectives: rec.ObjectivesData,
		},
		used: make(map[workshop.Slot]string),
	}, nil
}

func (s *Session) finish(st project.Stage, text string, err error, took time.Duration, used map[workshop.Slot]string) Result {
	if err == nil && strings.TrimSpace(text) == "" {
		err = gemini.ErrEmptyResponse
	}

	res := Result{Stage: st, Context: used}
	s.mu.Lock()
	s.busy[st] = false
	if err != nil {
		res.Failed = true
		res.Text = FailureMessage
		status := "failed"
		if errors.Is(err, gemini.ErrMissingAPIKey) {
			res.Text = MissingKeyMessage
			status = "missing_key"
		}
		s.display[st] = res.Text
		s.mu.Unlock()

		metrics.RecordGeneration(string(st), status, took)
		s.logger.Warn("generation failed", "stage", st, "error", err)
		return res
	}

	outputs := make(project.Outputs, len(s.record.StoredOutputs)+1)
	for k, v := range s.record.StoredOutputs {
		outputs[k] = v
	}
	outputs[st] = text
	s.record.StoredOutputs = outputs
	s.display[st] = text
	s.mu.Unlock()

	metrics.RecordGeneration(string(st), "success", took)
	s.logger.Debug("generation complete", "stage", st, "duration", took)
	s.saver.Touch()

	res.Text = text
	return res
}

// SetOutput overwrites the stored output of st with a manual edit.
func (s *Session) SetOutput(st project.Stage, text string) error {
	if !st.HasOutput() {
		return fmt.Errorf("%w: %s has no stored output", ErrValidation, st)
	}
	s.mu.Lock()
	outputs := make(project.Outputs, len(s.record.StoredOutputs)+1)
	for k, v := range s.record.StoredOutputs {
		outputs[k] = v
	}
	outputs[st] = text
	s.record.StoredOutputs = outputs
	s.display[st] = text
	s.mu.Unlock()
	s.saver.Touch()
	return nil
}

// AskCoach asks the coach about st. The module description and the stage's
// stored output form the context. Failures yield a fixed answer.
func (s *Session) AskCoach(ctx context.Context, st project.Stage, prompt string) (Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return Result{}, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	mod, err := workshop.ModuleFor(st)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	output := s.record.StoredOutputs[st]
	s.mu.Unlock()

	moduleContext := mod.Title + ": " + mod.Description
	if output != "" {
		moduleContext += "\n\nCurrent team output:\n" + workshop.PlainText(output)
	}

	answer, err := s.gen.AskCoach(context.WithoutCancel(ctx), prompt, moduleContext)
	switch {
	case errors.Is(err, gemini.ErrMissingAPIKey):
		return Result{Stage: st, Text: MissingKeyMessage, Failed: true}, nil
	case err != nil:
		s.logger.Warn("coach call failed", "stage", st, "error", err)
		return Result{Stage: st, Text: CoachErrorMessage, Failed: true}, nil
	}
	return Result{Stage: st, Text: answer}, nil
}
