// Package main is the entry point for the Foreman CLI
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloud-shuttle/foreman/internal/config"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "Decompose tasks and drive parallel agents through quality gates",
		Long: `Foreman breaks a task into bounded work units, scores each unit's
complexity, and picks an execution strategy: low-risk work runs directly
on the project, moderate work shares one branch, high-risk or conflicting
work gets isolated worktrees. Every unit passes build-test, review,
security, and authorization gates before its work merges in dependency
order.`,
		Version: version,
	}

	rootCmd.AddCommand(
		initCmd(),
		addCmd(),
		planCmd(),
		runCmd(),
		statusCmd(),
		approveCmd(),
		denyCmd(),
		reportCmd(),
		conflictsCmd(),
		workspaceCmd(),
		searchCmd(),
		eventsCmd(),
		resetCmd(),
		flagsCmd(),
		installCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// findProjectDir locates the foreman project root by searching upward
func findProjectDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ".foreman")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a foreman project (or any parent up to root)")
		}
		dir = parent
	}
}

// requireProject ensures we're in a foreman project directory
func requireProject() (string, *db.Store, error) {
	dir, err := findProjectDir()
	if err != nil {
		return "", nil, err
	}

	store, err := db.Open(filepath.Join(dir, ".foreman", "foreman.db"))
	if err != nil {
		return "", nil, fmt.Errorf("opening database: %w", err)
	}

	return dir, store, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the foreman version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("foreman %s\n", version)
		},
	}
}
