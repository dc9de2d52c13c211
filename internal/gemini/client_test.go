package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kalambet/agilelab/internal/project"
)

func textResponse(text string) string {
	b, _ := json.Marshal(GenerateResponse{Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: text}}}}}})
	return string(b)
}

func TestVision_SendsPromptAndKey(t *testing.T) {
	var gotReq GenerateRequest
	var gotPath, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, textResponse("<p>Vision</p>"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	out, err := c.Vision(context.Background(), project.VisionData{ProductName: "AGILE.IT", Target: "Managers"})
	if err != nil {
		t.Fatalf("Vision: %v", err)
	}
	if out != "<p>Vision</p>" {
		t.Errorf("out = %q", out)
	}
	if gotPath != "/models/"+defaultTextModel+":generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if len(gotReq.Contents) != 1 || !strings.Contains(gotReq.Contents[0].Parts[0].Text, "AGILE.IT") {
		t.Errorf("prompt does not carry the form fields: %+v", gotReq.Contents)
	}
	if gotReq.SystemInstruction == nil {
		t.Error("system instruction missing")
	}
}

func TestGenerate_MissingKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("", srv.URL)
	if _, err := c.Backlog(context.Background(), "ctx"); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("error = %v, want ErrMissingAPIKey", err)
	}
	if _, err := c.AskCoach(context.Background(), "q", "ctx"); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("AskCoach error = %v, want ErrMissingAPIKey", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times without a key", calls.Load())
	}
}

func TestGenerate_RetryOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, textResponse("ok"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	out, err := c.KPIBreakdown(context.Background(), "objectives")
	if err != nil {
		t.Fatalf("KPIBreakdown: %v", err)
	}
	if out != "ok" || calls.Load() != 3 {
		t.Errorf("out = %q after %d calls", out, calls.Load())
	}
}

func TestGenerate_RateLimitExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	_, err := c.Estimates(context.Background(), "backlog")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %v, want rate limited", err)
	}
}

func TestGenerate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	if _, err := c.Roadmap(context.Background(), RoadmapContext{}); err == nil {
		t.Error("expected error on HTTP 500")
	}
}

func TestGenerate_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	if _, err := c.Objectives(context.Background(), project.ObjectivesData{Deadline: "Q3"}, "V1"); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("error = %v, want ErrEmptyResponse", err)
	}

	out, err := c.AskCoach(context.Background(), "q", "ctx")
	if err != nil || out != CoachFallback {
		t.Errorf("AskCoach = %q, %v; want fallback", out, err)
	}
}

func TestTeamStructure_IncludesMembers(t *testing.T) {
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		json.NewDecoder(r.Body).Decode(&req)
		prompt = req.Contents[0].Parts[0].Text
		fmt.Fprint(w, textResponse("<div>team</div>"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	_, err := c.TeamStructure(context.Background(), TeamContext{Strategy: "S", Backlog: "B", TeamMembers: "- Anna (PO)"})
	if err != nil {
		t.Fatalf("TeamStructure: %v", err)
	}
	for _, want := range []string{"- Anna (PO)", "STRATEGIC OBJECTIVES:\nS", "TECHNICAL BACKLOG:\nB"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestRoomRendering(t *testing.T) {
	tests := []struct {
		name string
		resp string
		want string
	}{
		{
			name: "image returned",
			resp: `{"candidates":[{"content":{"parts":[{"text":"here"},{"inlineData":{"mimeType":"image/png","data":"AAAA"}}]}}]}`,
			want: "data:image/png;base64,AAAA",
		},
		{
			name: "text only",
			resp: textResponse("sorry"),
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotModel string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotModel = r.URL.Path
				var req GenerateRequest
				json.NewDecoder(r.Body).Decode(&req)
				if req.Contents[0].Parts[0].InlineData == nil {
					t.Error("image part missing")
				}
				fmt.Fprint(w, tt.resp)
			}))
			defer srv.Close()

			c := NewClientWithBaseURL("k", srv.URL)
			got, err := c.RoomRendering(context.Background(), []byte{1, 2, 3}, "", []string{"Kanban board"})
			if err != nil {
				t.Fatalf("RoomRendering: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if !strings.Contains(gotModel, defaultImageModel) {
				t.Errorf("model path = %q, want image model", gotModel)
			}
		})
	}
}

func TestTaskBreakdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.GenerationConfig == nil || req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Error("JSON response mode not requested")
		}
		fmt.Fprint(w, textResponse("```json\n[{\"title\":\"Design schema\",\"assignedTo\":\"Luca\"},{\"title\":\" \",\"assignedTo\":\"x\"}]\n```"))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	drafts, err := c.TaskBreakdown(context.Background(),
		[]project.Story{{ExternalID: "US1", Text: "As a PO I want a board"}},
		[]project.TeamMember{{Name: "Luca", Role: "Dev"}})
	if err != nil {
		t.Fatalf("TaskBreakdown: %v", err)
	}
	if len(drafts) != 1 || drafts[0] != (project.TaskDraft{Title: "Design schema", AssignedTo: "Luca"}) {
		t.Errorf("drafts = %+v", drafts)
	}
}

func TestDecodeDataURI(t *testing.T) {
	b, mt, err := DecodeDataURI("data:image/png;base64,AQID")
	if err != nil || mt != "image/png" || len(b) != 3 {
		t.Errorf("data URI: %v %q %v", b, mt, err)
	}
	b, mt, err = DecodeDataURI("AQID")
	if err != nil || mt != "image/jpeg" || len(b) != 3 {
		t.Errorf("bare base64: %v %q %v", b, mt, err)
	}
	if _, _, err := DecodeDataURI("data:image/png,AQID"); err == nil {
		t.Error("expected error for non-base64 data URI")
	}
}
