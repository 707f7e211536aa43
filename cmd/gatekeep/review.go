package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/gatekeep/internal/tui"
)

var reviewCmd = &cobra.Command{
	Use:     "review",
	Aliases: []string{"tui"},
	Short:   "Review pending approvals interactively",
	RunE:    runReview,
}

var autoStart bool

func init() {
	reviewCmd.Flags().BoolVar(&autoStart, "start-daemon", false, "Start the daemon in the background if it is not running")
}

func runReview(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(apiAddr) {
		if !autoStart {
			return fmt.Errorf("daemon not reachable at %s (run `gatekeep daemon` or pass --start-daemon)", apiAddr)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "gatekeep daemon not running. Starting background service...")
		if err := startDaemon(cmd); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr, actor)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning(addr string) bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func startDaemon(cmd *cobra.Command) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	daemonArgs := []string{"daemon"}
	if configPath != "" {
		daemonArgs = append(daemonArgs, "--config", configPath)
	}
	proc := exec.Command(exe, daemonArgs...)
	// Detach so the daemon survives the review session.
	configureDaemonProc(proc)
	proc.Stdin = nil
	proc.Stdout = nil
	proc.Stderr = nil

	if err := proc.Start(); err != nil {
		return err
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprint(errOut, "   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning(apiAddr) {
			fmt.Fprintln(errOut, " Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Fprint(errOut, ".")
	}
	fmt.Fprintln(errOut, " Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
