package server

import (
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	defaultShellTimeout = 30.0
	minShellTimeout     = 1.0
	maxShellOutput      = 15_000
)

type shellResult struct {
	stdout         string
	stderr         string
	exitCode       int
	timeoutReached bool
}

// shellCommand builds the platform command for one shell line.
func shellCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("powershell",
			"-NoLogo", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass",
			"-Command", command)
	}
	return exec.Command("/bin/sh", "-c", command)
}

// runShellCommand executes a command with a deadline. On timeout the
// process is left running detached and the result reports it.
func runShellCommand(command, workingDir string, timeoutSeconds float64) (shellResult, error) {
	if timeoutSeconds < minShellTimeout {
		timeoutSeconds = minShellTimeout
	}
	cmd := shellCommand(command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return shellResult{}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		return shellResult{
			stdout:   stdout.String(),
			stderr:   stderr.String(),
			exitCode: exitCode,
		}, nil
	case <-time.After(time.Duration(timeoutSeconds * float64(time.Second))):
		return shellResult{
			stderr: fmt.Sprintf(
				"Command timeout reached after %g seconds. Process continues in background.",
				timeoutSeconds),
			exitCode:       0,
			timeoutReached: true,
		}, nil
	}
}

// truncateOutput shortens output longer than maxShellOutput bytes to its
// first and last maxShellOutput/2 bytes joined by a truncation marker, so
// both the head and the tail survive.
func truncateOutput(output string) string {
	if len(output) <= maxShellOutput {
		return output
	}
	head := output[:maxShellOutput/2]
	tail := output[len(output)-maxShellOutput/2:]
	return head + "\n... (truncated) ...\n" + tail
}

func (s *Server) handleShellSimple(w http.ResponseWriter, r *http.Request) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("powershell", "-NoProfile", "-Command", "Write-Output 'Hello World'")
	} else {
		cmd = exec.Command("/bin/sh", "-c", "printf 'Hello World'")
	}
	s.runCannedShell(w, cmd)
}

func (s *Server) handleShellTest(w http.ResponseWriter, r *http.Request) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("powershell",
			"-NoLogo", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass",
			"-Command", `Write-Output "Hello from PowerShell"`)
	} else {
		cmd = exec.Command("/bin/sh", "-c", "printf 'Hello from shell'")
	}
	s.runCannedShell(w, cmd)
}

func (s *Server) runCannedShell(w http.ResponseWriter, cmd *exec.Cmd) {
	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"returncode": exitCode,
		"stdout":     truncateOutput(stdout.String()),
		"stderr":     truncateOutput(stderr.String()),
	})
}

type shellExecPayload struct {
	Command          string   `json:"command"`
	SameSession      *bool    `json:"same_session"`
	WorkingDirectory string   `json:"working_directory"`
	SessionID        string   `json:"session_id"`
	Timeout          *float64 `json:"timeout"`
}

func (s *Server) handleShellExec(w http.ResponseWriter, r *http.Request) {
	var payload shellExecPayload
	if err := decodeBody(r, &payload); err != nil || payload.Command == "" {
		writeError(w, http.StatusBadRequest, "Missing 'command' field")
		return
	}
	timeout := defaultShellTimeout
	if payload.Timeout != nil {
		timeout = *payload.Timeout
	}
	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	result, err := runShellCommand(payload.Command, payload.WorkingDirectory, timeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stdout":          truncateOutput(result.stdout),
		"stderr":          truncateOutput(result.stderr),
		"exit_code":       result.exitCode,
		"session_id":      sessionID,
		"timeout_reached": result.timeoutReached,
	})
}

type shellSessionPayload struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

// handleShellSession is a stateless echo: sessions were a feature of the
// predecessor API and callers still probe for them.
func (s *Server) handleShellSession(w http.ResponseWriter, r *http.Request) {
	var payload shellSessionPayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	switch payload.Action {
	case "create":
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": uuid.NewString(),
			"message":    "Session ID generated (sessions are stateless)",
		})
	case "destroy":
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Session destroyed (no-op in stateless mode)",
		})
	default:
		writeError(w, http.StatusBadRequest, "Invalid action. Must be 'create' or 'destroy'")
	}
}
