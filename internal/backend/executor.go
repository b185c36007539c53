// Package backend runs the privileged helper binary under a privilege
// escalation wrapper, streaming its output and supporting safe termination.
package backend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"debguard/internal/task"
)

const (
	// ExitCancelled is the distinguished exit code reported when an
	// invocation was stopped before the helper exited on its own. It
	// mirrors termination by SIGTERM.
	ExitCancelled = -15

	// ExitLaunchFailure is the synthetic exit code reported when the
	// helper could not be started at all.
	ExitLaunchFailure = -1
)

// ErrorMarker prefixes a line the helper emits to report a semantic
// failure. Its presence overrides the exit code.
const ErrorMarker = "[BACKEND_ERROR]"

var percentRe = regexp.MustCompile(`(\d+)\s*%`)

// milestones maps substrings of well-known apt/dpkg output lines to
// advisory progress percentages. These are UI hints only.
var milestones = []struct {
	substr  string
	percent int
}{
	{"Reading package lists", 5},
	{"Reading database", 10},
	{"Preparing to unpack", 20},
	{"Unpacking", 40},
	{"Setting up", 75},
	{"Processing triggers", 90},
}

// ExecutorInterface abstracts the executor for testing.
type ExecutorInterface interface {
	Run(ctl *task.Ctl, args []string, credential string) (int, string)
	CheckInstalled(ctx context.Context) error
}

// Executor runs privileged helper commands
type Executor struct {
	escalateCmd string
	binaryPath  string
}

// NewExecutor creates a new helper executor. escalateCmd is the privilege
// escalation wrapper (typically sudo); binaryPath is the helper binary.
func NewExecutor(escalateCmd, binaryPath string) *Executor {
	return &Executor{
		escalateCmd: escalateCmd,
		binaryPath:  binaryPath,
	}
}

// SetBinaryPath sets a custom path to the helper binary
func (e *Executor) SetBinaryPath(path string) {
	e.binaryPath = path
}

// CheckInstalled verifies that the helper binary is present and executable.
// The version query runs unprivileged.
func (e *Executor) CheckInstalled(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.binaryPath, "--version")
	if _, err := cmd.Output(); err != nil {
		return fmt.Errorf("helper binary not found or not executable: %w", err)
	}
	return nil
}

// Run executes one privileged helper invocation: the credential is written
// to the wrapper's stdin and the merged output is streamed line by line as
// progress events. The helper and its descendants run in their own process
// group so cancellation can signal them as a unit.
//
// The returned exit code is the helper's own code on natural exit,
// ExitCancelled if the task was stopped mid-run, or ExitLaunchFailure with
// the error text as output if the process could not be started.
func (e *Executor) Run(ctl *task.Ctl, args []string, credential string) (int, string) {
	cmdArgs := append([]string{"-S", e.binaryPath}, args...)
	cmd := exec.Command(e.escalateCmd, cmdArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ExitLaunchFailure, err.Error()
	}

	// Merge stdout and stderr through a single pipe so line ordering
	// matches what the helper produced.
	outR, outW, err := os.Pipe()
	if err != nil {
		return ExitLaunchFailure, err.Error()
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		return ExitLaunchFailure, err.Error()
	}
	outW.Close()
	ctl.SetProcess(cmd.Process.Pid)

	var output strings.Builder

	// The escalation wrapper reads the credential exactly once. A write
	// failure means the wrapper died immediately; record it so the
	// classification has something to go on.
	if _, err := stdin.Write([]byte(credential + "\n")); err != nil {
		output.WriteString(fmt.Sprintf("failed to write credential: %v\n", err))
	}
	stdin.Close()

	scanner := bufio.NewScanner(outR)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	cancelled := false
	for {
		if ctl.Stopped() {
			cancelled = true
			break
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		output.WriteString(line)
		output.WriteString("\n")
		ctl.EmitLine(line)
		if p, ok := parseProgress(line); ok {
			ctl.EmitPercent(p)
		}
	}
	if err := scanner.Err(); err != nil {
		// An oversized line or read failure truncates the capture; leave
		// a trace rather than classifying silently short output.
		output.WriteString(fmt.Sprintf("output truncated: %v\n", err))
	}
	outR.Close()

	if cancelled || ctl.Stopped() {
		// The task runner signals the process group; reap the child
		// in the background rather than waiting for it here.
		go cmd.Wait()
		return ExitCancelled, output.String()
	}

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), output.String()
		}
		return ExitLaunchFailure, output.String() + err.Error()
	}
	return 0, output.String()
}

// parseProgress extracts an advisory percentage from a helper output line,
// from either an explicit "N %" token or a known milestone phrase. Values
// are capped at 99 so only operation completion reports 100.
func parseProgress(line string) (int, bool) {
	if m := percentRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			if n > 99 {
				n = 99
			}
			return n, true
		}
	}
	for _, ms := range milestones {
		if strings.Contains(line, ms.substr) {
			return ms.percent, true
		}
	}
	return 0, false
}

// MarkerMessage extracts the message from the first backend error marker
// line in output, if any.
func MarkerMessage(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, ErrorMarker) {
			return strings.TrimSpace(strings.TrimPrefix(line, ErrorMarker)), true
		}
	}
	return "", false
}
