package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"debguard/internal/scan"
	"debguard/internal/services"
	"debguard/internal/task"
)

// consoleUI is the reference collaborator: it renders progress to
// stdout, prompts on the terminal and reads the credential without
// echo.
type consoleUI struct {
	stdin *bufio.Reader
}

func newConsoleUI() *consoleUI {
	return &consoleUI{stdin: bufio.NewReader(os.Stdin)}
}

func (c *consoleUI) OnScanVerdict(v scan.Verdict) bool {
	fmt.Printf("Scan verdict: %s (%s)\n", v.Kind, v.Method)
	if v.Detail != "" {
		fmt.Printf("  %s\n", v.Detail)
	}
	for _, finding := range v.Findings {
		fmt.Printf("  - %s\n", finding)
	}
	if v.Kind == scan.Danger {
		fmt.Printf("  %d of %d engines flagged this file as malicious\n", v.Malicious, v.Total)
	}
	if v.Kind == scan.Clean {
		return true
	}
	return c.confirm("Proceed anyway?")
}

func (c *consoleUI) OnProgress(e task.Event) {
	switch e.Type {
	case task.EventLine:
		fmt.Println(e.Line)
	case task.EventPercent, task.EventHashProgress:
		fmt.Printf("\r%3d%%", e.Percent)
		if e.Percent >= 100 {
			fmt.Println()
		}
	}
}

func (c *consoleUI) OnCredentialNeeded(isRetry bool) (string, bool) {
	if isRetry {
		fmt.Println("Credential rejected, try again.")
	}
	fmt.Print("Password: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil || len(secret) == 0 {
		return "", false
	}
	return string(secret), true
}

func (c *consoleUI) OnSuccess(outcome services.Outcome) {
	fmt.Printf("%s of %s completed successfully\n", outcome.Kind, outcome.Target)
	if len(outcome.LeftoverPaths) > 0 {
		fmt.Println("Leftover user files you may want to remove:")
		for _, p := range outcome.LeftoverPaths {
			fmt.Printf("  %s\n", p)
		}
	}
}

func (c *consoleUI) OnCancelled() {
	fmt.Println("Operation cancelled")
}

func (c *consoleUI) OnFailed(exitCode int, output string) {
	fmt.Fprintf(os.Stderr, "Operation failed (exit code %d)\n", exitCode)
	if output != "" {
		fmt.Fprintln(os.Stderr, strings.TrimRight(output, "\n"))
	}
}

func (c *consoleUI) confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := c.stdin.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
