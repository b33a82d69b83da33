package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the foreman binary globally",
		Long: `Copy the running foreman binary to a system location:
  $GOBIN if set
  ~/bin if it exists
  /usr/local/bin otherwise (may require sudo)

After installation 'foreman' works from any directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			binDir := os.Getenv("GOBIN")
			if binDir == "" {
				homeDir, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("could not determine home directory: %w", err)
				}
				binDir = filepath.Join(homeDir, "bin")
			}
			if _, err := os.Stat(binDir); os.IsNotExist(err) {
				binDir = "/usr/local/bin"
			}

			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("could not determine executable path: %w", err)
			}

			destPath := filepath.Join(binDir, "foreman")
			input, err := os.ReadFile(execPath)
			if err != nil {
				return fmt.Errorf("reading binary: %w", err)
			}
			if err := os.WriteFile(destPath, input, 0755); err != nil {
				return fmt.Errorf("installing to %s: %w (try sudo)", destPath, err)
			}

			fmt.Printf("✅ Installed foreman to %s\n", destPath)

			if _, err := exec.LookPath("foreman"); err != nil {
				fmt.Printf("\n⚠️  %s may not be in your PATH\n", binDir)
				fmt.Println("Add this to your shell profile:")
				fmt.Printf("   export PATH=\"$PATH:%s\"\n", binDir)
			}

			fmt.Println("\nQuick start:")
			fmt.Println("  cd /path/to/your/project")
			fmt.Println("  foreman init")
			fmt.Println("  foreman add \"My first task\" -d \"What to change and where\"")
			fmt.Println("  foreman plan <task-id>")
			fmt.Println("  foreman run <task-id>")
			return nil
		},
	}
}
