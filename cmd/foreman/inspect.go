package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/internal/conflict"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/flags"
	"github.com/cloud-shuttle/foreman/internal/project"
	"github.com/cloud-shuttle/foreman/internal/report"
	"github.com/cloud-shuttle/foreman/internal/search"
	"github.com/cloud-shuttle/foreman/internal/workspace"
	"github.com/cloud-shuttle/foreman/pkg/types"
	"github.com/spf13/cobra"
)

func reportCmd() *cobra.Command {
	var asJSON bool

	command := &cobra.Command{
		Use:   "report <task-id>",
		Short: "Show the latest integration report for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			taskID := args[0]
			rep, err := store.GetLatestReport(taskID)
			if err != nil {
				return err
			}
			if rep == nil {
				// No completed run yet; snapshot the current state instead
				rep, err = report.NewBuilder(store).Build(taskID, nil)
				if err != nil {
					return err
				}
			}

			if asJSON {
				out, err := report.ToJSON(rep)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			}

			fmt.Print(report.Render(rep))
			return nil
		},
	}

	command.Flags().BoolVar(&asJSON, "json", false, "Emit the report as JSON")
	return command
}

func conflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "Show file ownership conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			conflicts, err := store.ListConflicts()
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Println("✅ No conflicts recorded")
				return nil
			}

			fmt.Printf("⚠️  %d conflicts\n", len(conflicts))
			for _, c := range conflicts {
				fmt.Printf("\n  %s and %s (%s)\n", c.UnitA, c.UnitB, c.Origin)
				for _, p := range c.Paths {
					fmt.Printf("      %s\n", p)
				}
			}

			var hot []string
			for unitID, n := range conflict.OverlapCounts(conflicts) {
				if n > 1 {
					hot = append(hot, fmt.Sprintf("%s (%d)", unitID, n))
				}
			}
			if len(hot) > 0 {
				sort.Strings(hot)
				fmt.Printf("\n🔍 Most contended: %s\n", strings.Join(hot, ", "))
			}
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	var limit int

	command := &cobra.Command{
		Use:   "events [task-id]",
		Short: "Show the orchestration event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			taskID := ""
			if len(args) > 0 {
				taskID = args[0]
			}

			evts, err := store.ListEvents(taskID, limit)
			if err != nil {
				return err
			}
			if len(evts) == 0 {
				fmt.Println("📭 No events recorded")
				return nil
			}

			// Store returns newest first; print chronologically
			for i := len(evts) - 1; i >= 0; i-- {
				e := evts[i]
				subject := e.TaskID
				if e.UnitID != "" {
					subject = e.UnitID
				}
				fmt.Printf("%s  %-18s %-14s %s\n",
					time.Unix(e.CreatedAt, 0).Format("2006-01-02 15:04:05"),
					e.Kind, subject, e.Message)
			}
			return nil
		},
	}

	command.Flags().IntVar(&limit, "limit", 50, "Maximum events shown")
	return command
}

func workspaceCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Inspect and reclaim isolated workspaces",
	}
	command.AddCommand(workspaceListCmd(), workspacePruneCmd())
	return command
}

func workspaceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.ListWorkspaces()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println("📭 No workspaces registered")
				return nil
			}

			var total int64
			fmt.Printf("📂 %d workspaces\n", len(all))
			for _, ws := range all {
				total += ws.DiskSize
				fmt.Printf("\n  %s %s [%s]\n", workspaceIcon(ws.State), ws.ID, ws.State)
				fmt.Printf("      owner %s | branch %s | %s\n",
					ws.Owner, ws.Branch, workspace.FormatBytes(ws.DiskSize))
				fmt.Printf("      %s\n", ws.Path)
			}
			fmt.Printf("\nTotal disk: %s\n", workspace.FormatBytes(total))
			return nil
		},
	}
}

func workspacePruneCmd() *cobra.Command {
	var (
		force bool
		all   bool
	)

	command := &cobra.Command{
		Use:   "prune",
		Short: "Reclaim merged and discarded workspaces",
		Long: `Reclaim workspaces whose state allows it (merged, discarded) and
remove orphaned directories no record accounts for. With --all, every
workspace goes regardless of state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			runCfg := *cfg
			pc, err := project.Load(projectDir)
			if err != nil {
				return err
			}
			pc.ApplyTo(&runCfg)

			manager := workspace.NewManager(projectDir, runCfg.WorkspaceDir, store)

			if !force {
				fmt.Print("Reclaim workspaces? [y/N]: ")
				var answer string
				fmt.Scanln(&answer)
				if answer != "y" && answer != "Y" {
					fmt.Println("Aborted")
					return nil
				}
			}

			if all {
				if err := manager.CleanupAll(); err != nil {
					return err
				}
				fmt.Println("🗑️  Removed all workspaces")
				return nil
			}

			count, freed, err := manager.ReclaimAll()
			if err != nil {
				return err
			}
			pruned, orphanFreed, err := manager.PruneOrphaned()
			if err != nil {
				return err
			}

			fmt.Printf("🗑️  Reclaimed %d workspaces, pruned %d orphans, freed %s\n",
				count, len(pruned), workspace.FormatBytes(freed+orphanFreed))
			return nil
		},
	}

	command.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation")
	command.Flags().BoolVar(&all, "all", false, "Remove every workspace regardless of state")
	return command
}

func workspaceIcon(state types.WorkspaceState) string {
	switch state {
	case types.WorkspaceActive:
		return "📂"
	case types.WorkspaceMerged:
		return "✅"
	case types.WorkspaceDiscarded:
		return "🗑️"
	default:
		return "🚧"
	}
}

func searchCmd() *cobra.Command {
	var (
		typeFilter string
		limit      int
	)

	command := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search across units and gate findings",
		Long: `Full-text search across work units and gate findings.

Plain queries match all terms. Operator queries support quoted phrases,
OR alternatives and -term exclusion:

  foreman search auth middleware
  foreman search '"race condition" OR deadlock -flaky'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			query := strings.Join(args, " ")

			searcher := search.NewSearcher(store.DB)
			if err := searcher.InitSchema(); err != nil {
				return fmt.Errorf("initializing search index: %w", err)
			}
			if err := reindex(store, searcher); err != nil {
				return fmt.Errorf("refreshing search index: %w", err)
			}

			var results []*search.Result
			if isAdvancedQuery(query) {
				results, err = searcher.SearchAdvanced(query, limit, 0, typeFilter)
			} else {
				results, err = searcher.Search(search.Query{Query: query, Limit: limit, TypeFilter: typeFilter})
			}
			if err != nil {
				return err
			}

			if len(results) == 0 {
				fmt.Println("🔍 No matches")
				return nil
			}

			fmt.Printf("🔍 %d matches\n", len(results))
			for _, r := range results {
				icon := "📝"
				if r.Type == "finding" {
					icon = "🧪"
				}
				fmt.Printf("\n%s %s", icon, r.ID)
				if r.Gate != "" {
					fmt.Printf(" (%s gate)", r.Gate)
				}
				fmt.Println()
				if r.Title != "" {
					fmt.Printf("   %s\n", r.Title)
				}
				if r.Match != "" {
					fmt.Printf("   %s\n", r.Match)
				}
			}
			return nil
		},
	}

	command.Flags().StringVar(&typeFilter, "type", "all", "Result type: unit, finding or all")
	command.Flags().IntVar(&limit, "limit", 20, "Maximum results")
	return command
}

// isAdvancedQuery reports whether the query uses search operators and
// should skip plain-text normalization.
func isAdvancedQuery(q string) bool {
	if strings.Contains(q, `"`) || strings.Contains(q, " OR ") {
		return true
	}
	for _, f := range strings.Fields(q) {
		if strings.HasPrefix(f, "-") && len(f) > 1 {
			return true
		}
	}
	return false
}

// reindex rebuilds the FTS tables from the store. Removing each unit
// before indexing keeps repeated runs from accumulating duplicate
// findings.
func reindex(store *db.Store, searcher *search.Searcher) error {
	tasks, err := store.ListTasks()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		units, err := store.ListUnits(task.ID)
		if err != nil {
			return err
		}
		for _, u := range units {
			if err := searcher.RemoveUnit(u.ID); err != nil {
				return err
			}
			paths := make([]string, 0, len(u.Files))
			for _, f := range u.Files {
				paths = append(paths, f.Path)
			}
			if err := searcher.IndexUnit(u.ID, u.TaskID, u.Title, u.Description, paths, string(u.Status)); err != nil {
				return err
			}

			history, err := store.GetGateHistory(u.ID)
			if err != nil {
				return err
			}
			for _, r := range history {
				issues := make([]string, 0, len(r.BlockingIssues))
				for _, issue := range r.BlockingIssues {
					issues = append(issues, issue.Text)
				}
				summary := fmt.Sprintf("attempt %d", r.Attempt)
				if err := searcher.IndexFinding(u.ID, string(r.Gate), string(r.Verdict), summary, issues); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func flagsCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "flags",
		Short: "Inspect and set runtime feature flags",
		Long: `Inspect and set runtime feature flags.

Flags live in .foreman/flags.json and are hot-reloaded by a running
orchestrator. Built-ins include kill_switch_all_workers,
max_concurrent_workers and backpressure_enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := findProjectDir()
			if err != nil {
				return err
			}

			fm, err := flags.NewManager(flags.Config{ConfigPath: flagsPath(projectDir)})
			if err != nil {
				return err
			}

			all := fm.List()
			sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

			fmt.Println("📋 Feature flags")
			for _, f := range all {
				fmt.Printf("\n  %s = %v (%s)\n", f.ID, f.Value, f.Type)
				if f.Description != "" {
					fmt.Printf("      %s\n", f.Description)
				}
			}
			return nil
		},
	}

	command.AddCommand(flagsSetCmd())
	return command
}

func flagsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <flag-id> <value>",
		Short: "Set a flag value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := findProjectDir()
			if err != nil {
				return err
			}

			path := flagsPath(projectDir)
			fm, err := flags.NewManager(flags.Config{ConfigPath: path})
			if err != nil {
				return err
			}

			if err := fm.Set(args[0], parseFlagValue(args[1])); err != nil {
				return err
			}
			if err := fm.SaveToFile(path); err != nil {
				return err
			}

			fmt.Printf("✅ %s = %s\n", args[0], args[1])
			return nil
		},
	}
}

func parseFlagValue(raw string) interface{} {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func flagsPath(projectDir string) string {
	return filepath.Join(projectDir, ".foreman", "flags.json")
}
