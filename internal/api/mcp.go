package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/agilelab/internal/project"
	"github.com/kalambet/agilelab/internal/session"
	"github.com/kalambet/agilelab/internal/storage"
	"github.com/kalambet/agilelab/internal/workshop"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *storage.Store
	Manager *session.Manager
	Version string
}

// NewMCPServer creates an MCP server exposing the workshop to a facilitator's
// assistant.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"agilelab",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("agilelab runs agile transformation workshops: stage outputs, the sprint board and the coach."),
		server.WithRecovery(),
	)

	stageDesc := mcp.Description("Stage key (vision, objectives, kpi, team, obeya, backlog, estimates, roadmap) or module id f0-f9")

	s.AddTool(
		mcp.NewTool("list_projects",
			mcp.WithDescription("List workshop projects, most recently updated first."),
		),
		mcpListProjects(deps),
	)

	s.AddTool(
		mcp.NewTool("get_stage_output",
			mcp.WithDescription("Return the stored output of a stage as plain text."),
			mcp.WithString("project_id", mcp.Description("Project id"), mcp.Required()),
			mcp.WithString("stage", stageDesc, mcp.Required()),
		),
		mcpGetStageOutput(deps),
	)

	s.AddTool(
		mcp.NewTool("import_stage",
			mcp.WithDescription("Copy the output of the preceding stage into a stage's context field."),
			mcp.WithString("project_id", mcp.Description("Project id"), mcp.Required()),
			mcp.WithString("stage", stageDesc, mcp.Required()),
			mcp.WithString("slot", mcp.Description("Context slot"), mcp.Enum("strategic", "backlog")),
		),
		mcpImportStage(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_stage",
			mcp.WithDescription("Generate a stage's output from its current context."),
			mcp.WithString("project_id", mcp.Description("Project id"), mcp.Required()),
			mcp.WithString("stage", stageDesc, mcp.Required()),
		),
		mcpGenerateStage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List the sprint board tasks of a project."),
			mcp.WithString("project_id", mcp.Description("Project id"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Only tasks in this column"), mcp.Enum("todo", "doing", "done")),
		),
		mcpListTasks(deps),
	)

	s.AddTool(
		mcp.NewTool("move_task",
			mcp.WithDescription("Move a task to another board column."),
			mcp.WithString("project_id", mcp.Description("Project id"), mcp.Required()),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Target column"), mcp.Required(), mcp.Enum("todo", "doing", "done")),
		),
		mcpMoveTask(deps),
	)

	s.AddTool(
		mcp.NewTool("close_sprint",
			mcp.WithDescription("Archive done tasks into the sprint history and start the next sprint."),
			mcp.WithString("project_id", mcp.Description("Project id"), mcp.Required()),
		),
		mcpCloseSprint(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_coach",
			mcp.WithDescription("Ask the agile coach a question about a stage."),
			mcp.WithString("project_id", mcp.Description("Project id"), mcp.Required()),
			mcp.WithString("stage", stageDesc, mcp.Required()),
			mcp.WithString("prompt", mcp.Description("The question"), mcp.Required()),
		),
		mcpAskCoach(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"workshop://modules",
			"Workshop Modules",
			mcp.WithResourceDescription("The ten workshop modules with their objectives"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceModules,
	)

	return s
}

// mcpSession opens the session named by project_id.
func mcpSession(ctx context.Context, deps MCPDeps, req mcp.CallToolRequest) (*session.Session, *mcp.CallToolResult) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return nil, mcpError("project_id is required")
	}
	s, err := deps.Manager.Open(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, mcpError(fmt.Sprintf("project %s not found", id))
		}
		return nil, mcpError(fmt.Sprintf("opening project: %v", err))
	}
	return s, nil
}

func mcpStage(req mcp.CallToolRequest) (project.Stage, *mcp.CallToolResult) {
	raw, err := req.RequireString("stage")
	if err != nil {
		return "", mcpError("stage is required")
	}
	st, err := project.ParseStage(raw)
	if err != nil {
		return "", mcpError(err.Error())
	}
	return st, nil
}

func mcpListProjects(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Store.ListProjects(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing projects: %v", err)), nil
		}
		if list == nil {
			list = []project.Summary{}
		}
		return mcpJSON(list)
	}
}

func mcpGetStageOutput(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, res := mcpStage(req)
		if res != nil {
			return res, nil
		}
		s, res := mcpSession(ctx, deps, req)
		if res != nil {
			return res, nil
		}
		text, ok := s.StoredOutput(st)
		if !ok {
			return mcpText(fmt.Sprintf("%s has not been generated yet", st)), nil
		}
		if st == project.StageObeya {
			return mcpText("The obeya output is a rendered image; fetch it through the HTTP API."), nil
		}
		return mcpText(workshop.PlainText(text)), nil
	}
}

func mcpImportStage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, res := mcpStage(req)
		if res != nil {
			return res, nil
		}
		slot, err := workshop.ParseSlot(req.GetString("slot", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		s, res := mcpSession(ctx, deps, req)
		if res != nil {
			return res, nil
		}
		text, err := s.Import(st, slot)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(workshop.PlainText(text)), nil
	}
}

func mcpGenerateStage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, res := mcpStage(req)
		if res != nil {
			return res, nil
		}
		s, res := mcpSession(ctx, deps, req)
		if res != nil {
			return res, nil
		}
		out, err := s.Generate(ctx, st)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if out.Failed {
			return mcpError(out.Text), nil
		}
		return mcpText(workshop.PlainText(out.Text)), nil
	}
}

func mcpListTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var status project.TaskStatus
		if raw := req.GetString("status", ""); raw != "" {
			st, err := project.ParseTaskStatus(raw)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			status = st
		}
		s, res := mcpSession(ctx, deps, req)
		if res != nil {
			return res, nil
		}
		tasks := []project.Task{}
		for _, t := range s.Tasks() {
			if status == "" || t.Status == status {
				tasks = append(tasks, t)
			}
		}
		return mcpJSON(tasks)
	}
}

func mcpMoveTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		raw, err := req.RequireString("status")
		if err != nil {
			return mcpError("status is required"), nil
		}
		status, err := project.ParseTaskStatus(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		s, res := mcpSession(ctx, deps, req)
		if res != nil {
			return res, nil
		}
		t, err := s.MoveTask(ctx, taskID, status)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Moved %s to %s", t.ID, t.Status)), nil
	}
}

func mcpCloseSprint(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, res := mcpSession(ctx, deps, req)
		if res != nil {
			return res, nil
		}
		entry, err := s.CloseSprint(ctx)
		if err != nil && entry.Number == 0 {
			return mcpError(err.Error()), nil
		}
		msg := fmt.Sprintf("Closed sprint %d: %d tasks completed, %d carried over.",
			entry.Number, len(entry.CompletedTasks), entry.CarryOverCount)
		if err != nil {
			msg += " Warning: the sprint history was not saved: " + err.Error()
		}
		return mcpText(msg), nil
	}
}

func mcpAskCoach(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, res := mcpStage(req)
		if res != nil {
			return res, nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil || strings.TrimSpace(prompt) == "" {
			return mcpError("prompt is required"), nil
		}
		s, res := mcpSession(ctx, deps, req)
		if res != nil {
			return res, nil
		}
		out, err := s.AskCoach(ctx, st, prompt)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(out.Text), nil
	}
}

func mcpResourceModules(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	mods, err := workshop.Catalog()
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	b, err := json.Marshal(mods)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal modules: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
