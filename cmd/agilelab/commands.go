package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/agilelab/internal/config"
	"github.com/kalambet/agilelab/internal/project"
	"github.com/kalambet/agilelab/internal/storage"
	"github.com/kalambet/agilelab/internal/transfer"
	"github.com/kalambet/agilelab/internal/workshop"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- project ---

var projectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"projects"},
	Short:   "Manage workshop projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/projects")
		if err != nil {
			return err
		}

		var list []project.Summary
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No projects found.")
			return nil
		}
		for _, p := range list {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, p.ID),
				p.UpdatedAt.Local().Format(time.DateTime),
				p.Name,
			)
		}
		return nil
	},
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new project",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetString("start")
		members, _ := cmd.Flags().GetStringSlice("member")

		sd := project.SessionData{
			ProjectName: strings.Join(args, " "),
			StartDate:   start,
		}
		for i, m := range members {
			name, role, _ := strings.Cut(m, ":")
			sd.TeamMembers = append(sd.TeamMembers, project.TeamMember{
				ID:   fmt.Sprintf("m%d", i+1),
				Name: strings.TrimSpace(name),
				Role: strings.TrimSpace(role),
			})
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/projects", sd)
		if err != nil {
			return err
		}
		var p project.Project
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printSuccess("Created project %q (%s)", p.SessionData.ProjectName, p.ID)
		return nil
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a project as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var p any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return printJSON(p)
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a project with its tasks and stories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the project and its board. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/projects/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted project %s", args[0])
		return nil
	},
}

var projectExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a project as a JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(args[0])+"/export")
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return decodeJSON(resp, nil)
		}
		defer resp.Body.Close()

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		if output != "" {
			printSuccess("Project exported to %s", output)
		}
		return nil
	},
}

var projectImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an exported project as a new project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		// Reject malformed files before they reach the server.
		if _, err := transfer.Parse(data); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/projects/import", data)
		if err != nil {
			return err
		}
		var p project.Project
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printSuccess("Imported %q as %s", p.SessionData.ProjectName, p.ID)
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().String("start", time.Now().Format(time.DateOnly), "workshop start date (YYYY-MM-DD)")
	projectCreateCmd.Flags().StringSlice("member", nil, "team member as name:role (repeatable)")
	projectDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	projectExportCmd.Flags().StringP("output", "o", "", "output file path (default: stdout)")

	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectDeleteCmd)
	projectCmd.AddCommand(projectExportCmd)
	projectCmd.AddCommand(projectImportCmd)
}

// --- stage ---

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Inspect and generate workshop stages",
}

var stageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the workshop modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		mods, err := workshop.Catalog()
		if err != nil {
			return err
		}
		for _, m := range mods {
			fmt.Printf("%-4s %-14s day %d  %s\n",
				colorize(colorCyan, m.ID), m.Stage, m.Day, m.Title)
		}
		return nil
	},
}

type stageResponse struct {
	Title     string            `json:"title"`
	Display   string            `json:"display"`
	HasStored bool              `json:"hasStored"`
	Staging   map[string]string `json:"staging"`
}

var stageShowCmd = &cobra.Command{
	Use:   "show <project> <stage>",
	Short: "Show a stage's displayed output",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("html")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), stagePath(args[0], args[1], ""))
		if err != nil {
			return err
		}
		var view stageResponse
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}

		fmt.Println(colorize(colorBold, view.Title))
		for slot, text := range view.Staging {
			if text != "" {
				fmt.Printf("  %s: %s\n", colorize(colorCyan, slot), truncate(text, 120))
			}
		}
		if !view.HasStored && view.Display == "" {
			fmt.Println("Not generated yet.")
			return nil
		}
		out := view.Display
		if !raw {
			out = workshop.PlainText(out)
		}
		fmt.Println(out)
		return nil
	},
}

var stageGenerateCmd = &cobra.Command{
	Use:   "generate <project> <stage>",
	Short: "Generate a stage output from its inputs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Generating %s...", args[1])
		resp, err := client.post(cmd.Context(), stagePath(args[0], args[1], "/generate"), nil)
		if err != nil {
			return err
		}
		var res struct {
			Text    string            `json:"text"`
			Failed  bool              `json:"failed"`
			Context map[string]string `json:"context"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.Failed {
			printError("%s", workshop.PlainText(res.Text))
			return fmt.Errorf("generation failed")
		}
		for slot, src := range res.Context {
			printStatus(slot, "%s", src)
		}
		fmt.Println(workshop.PlainText(res.Text))
		return nil
	},
}

var stageImportCmd = &cobra.Command{
	Use:   "import <project> <stage> [slot]",
	Short: "Import the upstream stage output into a staging field",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := stagePath(args[0], args[1], "/import")
		if len(args) == 3 {
			path += "?slot=" + url.QueryEscape(args[2])
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		var res map[string]string
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Imported %d characters into %s", len([]rune(res["text"])), args[1])
		return nil
	},
}

func stagePath(projectID, stage, suffix string) string {
	return "/projects/" + url.PathEscape(projectID) + "/stages/" + url.PathEscape(stage) + suffix
}

func init() {
	stageShowCmd.Flags().Bool("html", false, "print the raw HTML output")

	stageCmd.AddCommand(stageListCmd)
	stageCmd.AddCommand(stageShowCmd)
	stageCmd.AddCommand(stageGenerateCmd)
	stageCmd.AddCommand(stageImportCmd)
}

// --- board ---

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Work with the sprint board",
}

var boardShowCmd = &cobra.Command{
	Use:   "show <project>",
	Short: "Show tasks grouped by column",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(args[0])+"/tasks")
		if err != nil {
			return err
		}
		var tasks []project.Task
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}
		printBoard(os.Stdout, tasks)
		return nil
	},
}

func printBoard(w io.Writer, tasks []project.Task) {
	columns := []struct {
		status project.TaskStatus
		label  string
	}{
		{project.StatusTodo, "TO DO"},
		{project.StatusDoing, "DOING"},
		{project.StatusDone, "DONE"},
	}
	for _, col := range columns {
		var n int
		for _, t := range tasks {
			if t.Status == col.status {
				n++
			}
		}
		fmt.Fprintf(w, "%s (%d)\n", colorize(colorBold, col.label), n)
		for _, t := range tasks {
			if t.Status != col.status {
				continue
			}
			who := ""
			if t.AssignedTo != "" {
				who = " @" + t.AssignedTo
			}
			fmt.Fprintf(w, "  %s  %s%s\n", colorize(colorCyan, shortID(t.ID)), truncate(t.Title, 70), who)
		}
	}
}

var boardMoveCmd = &cobra.Command{
	Use:   "move <project> <task> <todo|doing|done>",
	Short: "Move a task to another column",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := project.ParseTaskStatus(args[2])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/projects/" + url.PathEscape(args[0]) + "/tasks/" + url.PathEscape(args[1])
		resp, err := client.patch(cmd.Context(), path, map[string]string{"status": string(status)})
		if err != nil {
			return err
		}
		var t project.Task
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		printSuccess("Moved %q to %s", t.Title, t.Status)
		return nil
	},
}

var boardCloseCmd = &cobra.Command{
	Use:   "close <project>",
	Short: "Close the current sprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/projects/"+url.PathEscape(args[0])+"/sprint/close", nil)
		if err != nil {
			return err
		}
		var res struct {
			Sprint project.SprintLog `json:"sprint"`
			Saved  bool              `json:"saved"`
			Error  string            `json:"error"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Closed sprint %d: %d tasks completed, %d carried over",
			res.Sprint.Number, len(res.Sprint.CompletedTasks), res.Sprint.CarryOverCount)
		if !res.Saved {
			printWarning("sprint history was not saved: %s", res.Error)
		}
		return nil
	},
}

func init() {
	boardCmd.AddCommand(boardShowCmd)
	boardCmd.AddCommand(boardMoveCmd)
	boardCmd.AddCommand(boardCloseCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if key == "generation.api_key" {
			printSuccess("Stored %s in the secret store", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- db ---

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Apply pending schema migrations to the local database. Run this when the
server reports that the database schema is out of date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return migrateDB(cfg.Storage.DataDir)
	},
}

func migrateDB(dataDir string) error {
	store, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return err
	}
	versions, err := store.AppliedMigrations()
	if err != nil {
		return err
	}
	printSuccess("Schema up to date (%d migrations applied)", len(versions))
	return nil
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
}
