package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/agilelab/internal/gemini"
	"github.com/kalambet/agilelab/internal/project"
	"github.com/kalambet/agilelab/internal/storage"
	"github.com/kalambet/agilelab/internal/workshop"
)

// fakeGen records every call and answers with text/err. When block is set,
// calls wait on it after announcing themselves on started.
type fakeGen struct {
	mu      sync.Mutex
	text    string
	err     error
	image   string
	drafts  []project.TaskDraft
	calls   []string
	inputs  map[string][]string
	block   chan struct{}
	started chan string
}

func newFakeGen(text string) *fakeGen {
	return &fakeGen{text: text, inputs: make(map[string][]string)}
}

func (f *fakeGen) do(ctx context.Context, name string, inputs ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.inputs[name] = inputs
	block, started := f.block, f.started
	f.mu.Unlock()

	if started != nil {
		started <- name
	}
	if block != nil {
		<-block
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, f.err
}

func (f *fakeGen) input(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[name]
}

func (f *fakeGen) Vision(ctx context.Context, v project.VisionData) (string, error) {
	return f.do(ctx, "vision", v.ProductName)
}

func (f *fakeGen) Objectives(ctx context.Context, o project.ObjectivesData, vision string) (string, error) {
	return f.do(ctx, "objectives", o.Deadline, vision)
}

func (f *fakeGen) KPIBreakdown(ctx context.Context, strategic string) (string, error) {
	return f.do(ctx, "kpi", strategic)
}

func (f *fakeGen) Backlog(ctx context.Context, strategic string) (string, error) {
	return f.do(ctx, "backlog", strategic)
}

func (f *fakeGen) Estimates(ctx context.Context, backlog string) (string, error) {
	return f.do(ctx, "estimates", backlog)
}

func (f *fakeGen) TeamStructure(ctx context.Context, tc gemini.TeamContext) (string, error) {
	return f.do(ctx, "team", tc.Strategy, tc.Backlog, tc.TeamMembers)
}

func (f *fakeGen) Roadmap(ctx context.Context, rc gemini.RoadmapContext) (string, error) {
	return f.do(ctx, "roadmap", rc.Objectives, rc.Backlog)
}

func (f *fakeGen) RoomRendering(ctx context.Context, image []byte, mimeType string, checklist []string) (string, error) {
	if _, err := f.do(ctx, "obeya", mimeType, strings.Join(checklist, ",")); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.image, nil
}

func (f *fakeGen) AskCoach(ctx context.Context, prompt, moduleContext string) (string, error) {
	return f.do(ctx, "coach", prompt, moduleContext)
}

func (f *fakeGen) TaskBreakdown(ctx context.Context, stories []project.Story, members []project.TeamMember) ([]project.TaskDraft, error) {
	if _, err := f.do(ctx, "tasks"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drafts, nil
}

// flakyStore wraps a real store and injects failures.
type flakyStore struct {
	*storage.Store

	mu        sync.Mutex
	updateErr error
	deleteErr map[string]error
	updates   int
}

func (f *flakyStore) UpdateProject(ctx context.Context, id string, patch project.Patch) error {
	f.mu.Lock()
	f.updates++
	err := f.updateErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.UpdateProject(ctx, id, patch)
}

func (f *flakyStore) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	err := f.deleteErr[id]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.DeleteTask(ctx, id)
}

type fixture struct {
	store   *flakyStore
	gen     *fakeGen
	manager *Manager
	project project.Project
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	p, err := st.CreateProject(context.Background(), project.Project{
		SessionData: project.SessionData{
			ProjectName: "Workshop",
			StartDate:   "2026-01-05",
			TeamMembers: []project.TeamMember{{ID: "m1", Name: "Anna", Role: "PO"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	fs := &flakyStore{Store: st, deleteErr: map[string]error{}}
	gen := newFakeGen("<p>generated</p>")
	base := []Option{
		WithQuietPeriod(time.Hour),
		WithClock(func() time.Time { return time.Date(2026, 2, 6, 17, 0, 0, 0, time.UTC) }),
	}
	m := NewManager(fs, gen, append(base, opts...)...)
	t.Cleanup(func() { m.CloseAll(context.Background()) })
	return &fixture{store: fs, gen: gen, manager: m, project: p}
}

func (f *fixture) open(t *testing.T) *Session {
	t.Helper()
	s, err := f.manager.Open(context.Background(), f.project.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func (f *fixture) addTask(t *testing.T, title string, status project.TaskStatus) project.Task {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(), project.Task{ProjectID: f.project.ID, Title: title, Status: status})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

// --- Cascade import ---

func TestImport_CopiesCurrentStoredOutput(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	if err := s.SetOutput(project.StageVision, "V1"); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}

	target, err := project.ParseStage("f2")
	if err != nil {
		t.Fatalf("ParseStage: %v", err)
	}
	got, err := s.Import(target, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if got != "V1" {
		t.Errorf("Import returned %q, want V1", got)
	}
	staged, _ := s.Staging(project.StageObjectives, workshop.SlotStrategic)
	if staged != "V1" {
		t.Errorf("staging = %q, want exactly V1", staged)
	}

	// One-shot: later changes to the source do not propagate.
	s.SetOutput(project.StageVision, "V2")
	staged, _ = s.Staging(project.StageObjectives, workshop.SlotStrategic)
	if staged != "V1" {
		t.Errorf("staging followed the source: %q", staged)
	}
}

func TestImport_MissingSourceIsNoop(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	if err := s.SetStaging(project.StageKPI, "", "typed by hand"); err != nil {
		t.Fatalf("SetStaging: %v", err)
	}
	_, err := s.Import(project.StageKPI, workshop.SlotStrategic)
	if !errors.Is(err, ErrNothingToImport) {
		t.Fatalf("Import error = %v, want ErrNothingToImport", err)
	}
	staged, _ := s.Staging(project.StageKPI, workshop.SlotStrategic)
	if staged != "typed by hand" {
		t.Errorf("staging = %q, want unchanged", staged)
	}
}

func TestImport_TwoSlotsIndependent(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	s.SetOutput(project.StageObjectives, "OBJ")
	s.SetOutput(project.StageBacklog, "BL")

	if _, err := s.Import(project.StageTeam, workshop.SlotStrategic); err != nil {
		t.Fatalf("Import strategic: %v", err)
	}
	if _, err := s.Import(project.StageTeam, workshop.SlotBacklog); err != nil {
		t.Fatalf("Import backlog: %v", err)
	}
	strategic, _ := s.Staging(project.StageTeam, workshop.SlotStrategic)
	backlog, _ := s.Staging(project.StageTeam, workshop.SlotBacklog)
	if strategic != "OBJ" || backlog != "BL" {
		t.Errorf("team slots = %q / %q", strategic, backlog)
	}

	if _, err := s.Import(project.StageVision, ""); !errors.Is(err, ErrNoImportSource) {
		t.Errorf("Import(vision) error = %v, want ErrNoImportSource", err)
	}
}

// --- Generation ---

func TestGenerate_WritesStoredOutputAndDisplay(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	res, err := s.Generate(context.Background(), project.StageVision)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Failed || res.Text != "<p>generated</p>" {
		t.Errorf("result = %+v", res)
	}
	if got, _ := s.StoredOutput(project.StageVision); got != "<p>generated</p>" {
		t.Errorf("stored output = %q", got)
	}
	if s.Display(project.StageVision) != "<p>generated</p>" {
		t.Errorf("display = %q", s.Display(project.StageVision))
	}
}

func TestGenerate_FailureKeepsStoredOutput(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	f.gen.err = errors.New("upstream down")

	// No prior value: stays absent.
	res, err := s.Generate(context.Background(), project.StageKPI)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.Failed || res.Text != FailureMessage {
		t.Errorf("result = %+v, want failure message", res)
	}
	if _, ok := s.StoredOutput(project.StageKPI); ok {
		t.Error("stored output created by a failed generation")
	}

	// Prior value: untouched, display shows the failure message.
	s.SetOutput(project.StageVision, "PRIOR")
	if _, err := s.Generate(context.Background(), project.StageVision); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got, _ := s.StoredOutput(project.StageVision); got != "PRIOR" {
		t.Errorf("stored output = %q, want PRIOR", got)
	}
	if s.Display(project.StageVision) != FailureMessage {
		t.Errorf("display = %q", s.Display(project.StageVision))
	}
}

func TestGenerate_EmptyResponseIsFailure(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	f.gen.text = "   "

	res, _ := s.Generate(context.Background(), project.StageBacklog)
	if !res.Failed {
		t.Errorf("blank output accepted: %+v", res)
	}
	if _, ok := s.StoredOutput(project.StageBacklog); ok {
		t.Error("blank output stored")
	}
}

func TestGenerate_MissingKeyMessage(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	f.gen.err = fmt.Errorf("calling model: %w", gemini.ErrMissingAPIKey)

	res, _ := s.Generate(context.Background(), project.StageVision)
	if res.Text != MissingKeyMessage {
		t.Errorf("text = %q, want missing key message", res.Text)
	}
}

func TestGenerate_ContextFallbackChain(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	s.SetObjectives(project.ObjectivesData{Deadline: "2026-06-30"})

	// Raw input of the source stage when nothing else is there.
	res, _ := s.Generate(context.Background(), project.StageKPI)
	if got := f.gen.input("kpi")[0]; got != "Deadline: 2026-06-30" {
		t.Errorf("raw fallback input = %q", got)
	}
	if res.Context[workshop.SlotStrategic] != "raw:objectives" {
		t.Errorf("context = %v", res.Context)
	}

	// Stored output of the source beats raw input.
	s.SetOutput(project.StageObjectives, "OBJ")
	s.Generate(context.Background(), project.StageKPI)
	if got := f.gen.input("kpi")[0]; got != "OBJ" {
		t.Errorf("stored input = %q", got)
	}

	// The staging field beats both.
	s.SetStaging(project.StageKPI, workshop.SlotStrategic, "EDITED")
	s.Generate(context.Background(), project.StageKPI)
	if got := f.gen.input("kpi")[0]; got != "EDITED" {
		t.Errorf("staging input = %q", got)
	}
}

func TestGenerate_TeamGetsBothSlotsAndMembers(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	s.SetOutput(project.StageObjectives, "OBJ")
	s.SetOutput(project.StageBacklog, "BL")

	s.Generate(context.Background(), project.StageTeam)
	in := f.gen.input("team")
	if in[0] != "OBJ" || in[1] != "BL" || !strings.Contains(in[2], "Anna (PO)") {
		t.Errorf("team inputs = %q", in)
	}
}

func TestGenerate_BusyPerStage(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	f.gen.block = make(chan struct{})
	f.gen.started = make(chan string, 4)

	done := make(chan Result)
	go func() {
		res, _ := s.Generate(context.Background(), project.StageVision)
		done <- res
	}()
	<-f.gen.started

	if _, err := s.Generate(context.Background(), project.StageVision); !errors.Is(err, ErrBusy) {
		t.Errorf("second vision Generate error = %v, want ErrBusy", err)
	}
	if busy := s.Snapshot().Busy; !reflect.DeepEqual(busy, []project.Stage{project.StageVision}) {
		t.Errorf("busy = %v", busy)
	}

	// Another stage is independent.
	other := make(chan error)
	go func() {
		_, err := s.Generate(context.Background(), project.StageKPI)
		other <- err
	}()
	<-f.gen.started

	close(f.gen.block)
	if err := <-other; err != nil {
		t.Errorf("kpi Generate: %v", err)
	}
	if res := <-done; res.Failed {
		t.Errorf("vision result = %+v", res)
	}
	if len(s.Snapshot().Busy) != 0 {
		t.Error("busy flags not cleared")
	}
}

func TestGenerate_IgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	f.gen.block = make(chan struct{})
	f.gen.started = make(chan string, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result)
	go func() {
		res, _ := s.Generate(ctx, project.StageRoadmap)
		done <- res
	}()
	<-f.gen.started

	// The user navigates away; the call still completes for the original stage.
	cancel()
	s.SetActiveModule(project.StageSprint)
	close(f.gen.block)

	if res := <-done; res.Failed {
		t.Fatalf("result = %+v", res)
	}
	if got, _ := s.StoredOutput(project.StageRoadmap); got != "<p>generated</p>" {
		t.Errorf("roadmap stored output = %q", got)
	}
}

func TestGenerate_NotGeneratable(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	if _, err := s.Generate(context.Background(), project.StageSprint); !errors.Is(err, ErrNotGeneratable) {
		t.Errorf("error = %v, want ErrNotGeneratable", err)
	}
}

func TestRenderRoom(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	f.gen.image = ""
	res, err := s.RenderRoom(context.Background(), []byte{1}, "image/jpeg")
	if err != nil {
		t.Fatalf("RenderRoom: %v", err)
	}
	if !res.Failed {
		t.Error("missing image not reported as failure")
	}
	if _, ok := s.StoredOutput(project.StageObeya); ok {
		t.Error("obeya stored without an image")
	}

	f.gen.image = "data:image/png;base64,AAAA"
	res, _ = s.RenderRoom(context.Background(), []byte{1}, "image/jpeg")
	if res.Failed || res.Text != f.gen.image {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(f.gen.input("obeya")[1], "Kanban board") {
		t.Errorf("checklist not sent: %q", f.gen.input("obeya"))
	}
}

func TestAskCoach(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	s.SetOutput(project.StageVision, "<p>Our <strong>vision</strong></p>")
	f.gen.text = "Be bolder."

	res, err := s.AskCoach(context.Background(), project.StageVision, "Is it clear?")
	if err != nil {
		t.Fatalf("AskCoach: %v", err)
	}
	if res.Text != "Be bolder." {
		t.Errorf("answer = %q", res.Text)
	}
	if ctx := f.gen.input("coach")[1]; !strings.Contains(ctx, "Our vision") || !strings.Contains(ctx, "PRODUCT VISION") {
		t.Errorf("module context = %q", ctx)
	}

	f.gen.err = errors.New("timeout")
	res, _ = s.AskCoach(context.Background(), project.StageVision, "again?")
	if !res.Failed || res.Text != CoachErrorMessage {
		t.Errorf("failure result = %+v", res)
	}
}

// --- Saving ---

func TestSaveNow_RequiresProjectName(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	s.SetSessionData(project.SessionData{ProjectName: "  "})
	f.store.mu.Lock()
	before := f.store.updates
	f.store.mu.Unlock()

	if err := s.SaveNow(context.Background()); !errors.Is(err, ErrValidation) {
		t.Fatalf("SaveNow error = %v, want ErrValidation", err)
	}
	f.store.mu.Lock()
	after := f.store.updates
	f.store.mu.Unlock()
	if after != before {
		t.Errorf("store written %d times despite validation failure", after-before)
	}
}

func TestSaveNow_WritesSnapshot(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	s.SetVision(project.VisionData{ProductName: "AGILE.IT"})
	s.SetAvailability("Anna", 32)
	s.AddImpediment("No room booked")
	s.SetOutput(project.StageVision, "V1")

	if err := s.SaveNow(context.Background()); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	got, err := f.store.GetProject(context.Background(), f.project.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.VisionData.ProductName != "AGILE.IT" || got.TeamAvailability["Anna"] != 32 ||
		len(got.Impediments) != 1 || got.StoredOutputs[project.StageVision] != "V1" {
		t.Errorf("persisted = %+v", got)
	}
}

func TestAutosave_DebouncedWrite(t *testing.T) {
	f := newFixture(t, WithQuietPeriod(20*time.Millisecond))
	s := f.open(t)

	s.SetMindset(project.MindsetData{Experience: "low"})
	s.SetMindset(project.MindsetData{Experience: "medium"})

	eventually(t, func() bool {
		got, err := f.store.GetProject(context.Background(), f.project.ID)
		return err == nil && got.MindsetData.Experience == "medium"
	})
}

func TestSchemaMismatchNoticeOnce(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	f.store.updateErr = fmt.Errorf("%w: no such column: impediments", storage.ErrSchemaMismatch)

	s.SaveNow(context.Background())
	s.SaveNow(context.Background())

	notices := s.TakeNotices()
	if len(notices) != 1 || notices[0].Kind != noticeSchemaMismatch {
		t.Fatalf("notices = %+v, want one schema notice", notices)
	}
	if again := s.TakeNotices(); len(again) != 0 {
		t.Errorf("notice repeated: %+v", again)
	}
}

// --- Board ---

func TestCloseSprint_Scenario(t *testing.T) {
	f := newFixture(t)
	done := f.addTask(t, "task 1", project.StatusDone)
	doing := f.addTask(t, "task 2", project.StatusDoing)
	s := f.open(t)

	s.SetReview("demo", "went well")
	s.SetMood("Anna", "happy")
	s.SetView(ViewRetro)

	entry, err := s.CloseSprint(context.Background())
	if err != nil {
		t.Fatalf("CloseSprint: %v", err)
	}

	if tasks := s.Tasks(); !reflect.DeepEqual(tasks, []project.Task{doing}) {
		t.Errorf("live tasks = %+v, want [%+v]", tasks, doing)
	}
	if !reflect.DeepEqual(entry.CompletedTasks, []project.Task{done}) {
		t.Errorf("completed = %+v", entry.CompletedTasks)
	}
	if entry.CarryOverCount != 1 || entry.Number != 1 || entry.Date != "2026-02-06" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.ReviewData["demo"] != "went well" || entry.TeamMoods["Anna"] != "happy" {
		t.Errorf("snapshot data = %+v / %+v", entry.ReviewData, entry.TeamMoods)
	}

	snap := s.Snapshot()
	if snap.Project.CurrentSprintNumber != 2 || len(snap.Project.SprintsHistory) != 1 {
		t.Errorf("sprint = %d, history = %d", snap.Project.CurrentSprintNumber, len(snap.Project.SprintsHistory))
	}
	if snap.View != ViewPlanning || len(snap.Review) != 0 || len(snap.Moods) != 0 {
		t.Errorf("transient state not reset: view=%s review=%v moods=%v", snap.View, snap.Review, snap.Moods)
	}

	persisted, err := f.store.GetProject(context.Background(), f.project.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if persisted.CurrentSprintNumber != 2 || len(persisted.SprintsHistory) != 1 {
		t.Errorf("persisted sprint = %d, history = %d", persisted.CurrentSprintNumber, len(persisted.SprintsHistory))
	}
	if persisted.CurrentSprintNumber != len(persisted.SprintsHistory)+1 {
		t.Error("sprint number and history length drifted")
	}

	stored, _ := f.store.ListTasks(context.Background(), f.project.ID)
	if len(stored) != 1 || stored[0].ID != doing.ID {
		t.Errorf("stored tasks = %+v", stored)
	}
}

func TestCloseSprint_NoDoneTasks(t *testing.T) {
	f := newFixture(t)
	todo := f.addTask(t, "later", project.StatusTodo)
	s := f.open(t)

	entry, err := s.CloseSprint(context.Background())
	if err != nil {
		t.Fatalf("CloseSprint: %v", err)
	}
	if entry.CompletedTasks == nil || len(entry.CompletedTasks) != 0 {
		t.Errorf("completed = %#v, want empty list", entry.CompletedTasks)
	}
	if tasks := s.Tasks(); len(tasks) != 1 || tasks[0] != todo {
		t.Errorf("tasks = %+v", tasks)
	}
	if s.Project().CurrentSprintNumber != 2 {
		t.Error("sprint number not advanced")
	}
}

func TestCloseSprint_DeleteFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	a := f.addTask(t, "a", project.StatusDone)
	b := f.addTask(t, "b", project.StatusDone)
	f.store.deleteErr[a.ID] = errors.New("network")
	s := f.open(t)

	entry, err := s.CloseSprint(context.Background())
	if err != nil {
		t.Fatalf("CloseSprint: %v", err)
	}
	if len(entry.CompletedTasks) != 2 {
		t.Errorf("completed = %d, want 2", len(entry.CompletedTasks))
	}
	if len(s.Tasks()) != 0 {
		t.Errorf("live tasks = %+v, want none", s.Tasks())
	}

	// The failed delete leaves the archived task in the store.
	stored, _ := f.store.ListTasks(context.Background(), f.project.ID)
	if len(stored) != 1 || stored[0].ID != a.ID {
		t.Errorf("stored tasks = %+v, want only %s (b=%s deleted)", stored, a.ID, b.ID)
	}
}

func TestCloseSprint_PersistFailureStillAdvancesLocally(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "a", project.StatusDone)
	s := f.open(t)
	f.store.updateErr = errors.New("write failed")

	if _, err := s.CloseSprint(context.Background()); err == nil {
		t.Fatal("expected persist error")
	}
	p := s.Project()
	if p.CurrentSprintNumber != 2 || len(p.SprintsHistory) != 1 {
		t.Errorf("local sprint = %d, history = %d", p.CurrentSprintNumber, len(p.SprintsHistory))
	}
}

func TestApplyTaskEvent_Idempotent(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "a", project.StatusTodo)
	s := f.open(t)

	moved := task
	moved.Status = project.StatusDoing
	ev := project.TaskEvent{Type: project.EventUpdate, Task: moved}

	s.ApplyTaskEvent(ev)
	once := s.Tasks()
	s.ApplyTaskEvent(ev)
	if twice := s.Tasks(); !reflect.DeepEqual(once, twice) {
		t.Errorf("after twice = %+v, after once = %+v", twice, once)
	}

	s.ApplyTaskEvent(project.TaskEvent{Type: project.EventUpdate, Task: project.Task{ID: "x", ProjectID: "other"}})
	if len(s.Tasks()) != 1 {
		t.Error("event of another project applied")
	}
}

func TestRealtimeEventsReachSession(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	task := f.addTask(t, "from elsewhere", project.StatusTodo)

	eventually(t, func() bool {
		tasks := s.Tasks()
		return len(tasks) == 1 && tasks[0].ID == task.ID
	})
}

func TestTaskOperations(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	ctx := context.Background()

	if _, err := s.AddTask(ctx, " ", "", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("blank title error = %v", err)
	}
	task, err := s.AddTask(ctx, "Write tests", "Anna", "")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	moved, err := s.MoveTask(ctx, task.ID, project.StatusDone)
	if err != nil {
		t.Fatalf("MoveTask: %v", err)
	}
	if moved.Status != project.StatusDone {
		t.Errorf("status = %s", moved.Status)
	}
	if _, err := s.MoveTask(ctx, task.ID, "blocked"); !errors.Is(err, ErrValidation) {
		t.Errorf("invalid status error = %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	// Echoed events may still be in flight; they converge on the same state.
	eventually(t, func() bool { return len(s.Tasks()) == 0 })
}

func TestTaskOperations_OtherProjectTaskIsNotFound(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	ctx := context.Background()

	other, err := f.store.CreateProject(ctx, project.Project{SessionData: project.SessionData{ProjectName: "Other"}})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	foreign, err := f.store.CreateTask(ctx, project.Task{ProjectID: other.ID, Title: "not yours"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if _, err := s.MoveTask(ctx, foreign.ID, project.StatusDone); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MoveTask error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTask(ctx, foreign.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("DeleteTask error = %v, want ErrNotFound", err)
	}

	left, err := f.store.ListTasks(ctx, other.ID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(left) != 1 || left[0].Status != project.StatusTodo {
		t.Errorf("other project tasks = %+v, want the untouched task", left)
	}
}

func TestMoveTask_ReturnsStoredTask(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	task := f.addTask(t, "Write API", project.StatusTodo)

	moved, err := s.MoveTask(context.Background(), task.ID, project.StatusDoing)
	if err != nil {
		t.Fatalf("MoveTask: %v", err)
	}
	if moved.Title != "Write API" || moved.ProjectID != f.project.ID || moved.Status != project.StatusDoing {
		t.Errorf("moved = %+v", moved)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestSeedStoriesAndGenerateTasks(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	ctx := context.Background()

	stories, err := s.SeedStories(ctx, []string{"As a PO I want a board", "", "As a dev I want tasks"})
	if err != nil {
		t.Fatalf("SeedStories: %v", err)
	}
	if len(stories) != 2 || stories[0].ExternalID != "US1" || stories[1].ExternalID != "US2" {
		t.Fatalf("stories = %+v", stories)
	}

	f.gen.drafts = []project.TaskDraft{{Title: "Design board", AssignedTo: "Anna"}, {Title: "Write API"}}
	first, err := s.GenerateTasks(ctx, nil)
	if err != nil {
		t.Fatalf("GenerateTasks: %v", err)
	}
	second, err := s.GenerateTasks(ctx, nil)
	if err != nil {
		t.Fatalf("GenerateTasks: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("created %d then %d", len(first), len(second))
	}

	// No dedup: repeated runs duplicate the tasks.
	stored, _ := f.store.ListTasks(ctx, f.project.ID)
	if len(stored) != 4 {
		t.Errorf("stored tasks = %d, want 4", len(stored))
	}
	for _, task := range stored {
		if task.Status != project.StatusTodo {
			t.Errorf("task %s status = %s, want todo", task.ID, task.Status)
		}
	}

	one, err := s.GenerateTasks(ctx, []string{stories[1].ID})
	if err != nil {
		t.Fatalf("GenerateTasks(one story): %v", err)
	}
	if one[0].StoryID != stories[1].ID {
		t.Errorf("story link = %q", one[0].StoryID)
	}

	if _, err := s.GenerateTasks(ctx, []string{"missing"}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown story error = %v", err)
	}
}

func TestManager_OpenReusesAndCloseFlushes(t *testing.T) {
	f := newFixture(t)
	s1 := f.open(t)
	s2 := f.open(t)
	if s1 != s2 {
		t.Error("Open returned a second session for the same project")
	}

	s1.SetVision(project.VisionData{Problem: "slow delivery"})
	if err := f.manager.Close(context.Background(), f.project.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := f.manager.Get(f.project.ID); ok {
		t.Error("session still registered after Close")
	}
	got, _ := f.store.GetProject(context.Background(), f.project.ID)
	if got.VisionData.Problem != "slow delivery" {
		t.Errorf("pending write lost on Close: %+v", got.VisionData)
	}
}

func TestManager_OpenMissingProject(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Open(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
