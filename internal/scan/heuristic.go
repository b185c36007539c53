package scan

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"debguard/internal/task"
)

// ExtractionError indicates the package archive could not be expanded for
// heuristic analysis.
type ExtractionError struct {
	Err    error
	Output string
}

func (e *ExtractionError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("could not extract package: %v: %s", e.Err, strings.TrimSpace(e.Output))
	}
	return fmt.Sprintf("could not extract package: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// suspiciousCommands are command tokens that warrant a finding when they
// appear as a standalone word in a maintainer script.
var suspiciousCommands = []string{
	"curl", "wget", "nc", "netcat", "base64", "python", "perl", "ruby",
	"rm -rf", "mkfs", "shutdown", "reboot", "nohup", "crontab",
	"systemctl start", "systemctl enable", "useradd", "usermod", "groupadd",
	"add-apt-repository",
}

// suspiciousPaths are filesystem roots a package has no business
// installing files under.
var suspiciousPaths = []string{"/home", "/root", "/tmp", "/var/tmp"}

// maintainerScripts are the lifecycle scripts inspected inside the
// package's control directory.
var maintainerScripts = []string{"preinst", "postinst", "prerm", "postrm"}

// commandPatterns is built once from suspiciousCommands. A token must be
// bounded by start/end, whitespace, a path separator, or a shell operator
// so that e.g. "curlicue" never matches "curl".
var commandPatterns = buildCommandPatterns()

func buildCommandPatterns() map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp, len(suspiciousCommands))
	for _, cmd := range suspiciousCommands {
		patterns[cmd] = regexp.MustCompile(`(^|[\s/])` + regexp.QuoteMeta(cmd) + `([\s;|&]|$)`)
	}
	return patterns
}

// HeuristicInterface abstracts the heuristic scanner for testing.
type HeuristicInterface interface {
	Scan(ctl *task.Ctl, debPath string) ([]string, error)
}

// HeuristicScanner statically inspects a package archive for red flags
// without executing anything.
type HeuristicScanner struct {
	dpkgDebPath string
}

// NewHeuristicScanner creates a scanner using dpkg-deb from PATH.
func NewHeuristicScanner() *HeuristicScanner {
	return &HeuristicScanner{dpkgDebPath: "dpkg-deb"}
}

// Scan expands the archive to a temporary directory and returns the
// deduplicated, sorted finding list. An empty list means no red flags.
// Extraction problems are reported as *ExtractionError; a stopped task
// yields task.ErrCancelled.
func (s *HeuristicScanner) Scan(ctl *task.Ctl, debPath string) ([]string, error) {
	tempDir, err := os.MkdirTemp("", "debguard-scan-")
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	defer os.RemoveAll(tempDir)

	if ctl != nil {
		ctl.EmitLine("Extracting package for analysis...")
	}
	cmd := exec.Command(s.dpkgDebPath, "-R", debPath, tempDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, &ExtractionError{Err: err, Output: string(out)}
	}

	return s.scanTree(ctl, tempDir)
}

// scanTree analyzes an already-extracted package tree rooted at root, with
// control metadata under root/DEBIAN.
func (s *HeuristicScanner) scanTree(ctl *task.Ctl, root string) ([]string, error) {
	var findings []string

	if ctl != nil {
		ctl.EmitLine("Analyzing maintainer scripts...")
	}
	controlDir := filepath.Join(root, "DEBIAN")
	for _, name := range maintainerScripts {
		if ctl != nil && ctl.Stopped() {
			return nil, task.ErrCancelled
		}
		scriptPath := filepath.Join(controlDir, name)
		content, err := os.ReadFile(scriptPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			findings = append(findings, fmt.Sprintf("Could not read the '%s' script.", name))
			continue
		}
		for _, cmd := range suspiciousCommands {
			if commandPatterns[cmd].Match(content) {
				findings = append(findings, fmt.Sprintf("Suspicious command '%s' found in '%s' script.", cmd, name))
			}
		}
	}

	if ctl != nil {
		ctl.EmitLine("Analyzing file paths and permissions...")
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctl != nil && ctl.Stopped() {
			return task.ErrCancelled
		}

		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		// The control directory is metadata, not installed content.
		if rel == "DEBIAN" || strings.HasPrefix(rel, "DEBIAN"+string(filepath.Separator)) {
			if d.IsDir() && rel == "DEBIAN" {
				return filepath.SkipDir
			}
			return nil
		}

		installPath := "/" + filepath.ToSlash(rel)
		for _, sp := range suspiciousPaths {
			if strings.HasPrefix(installPath, sp+"/") {
				findings = append(findings, fmt.Sprintf("File '%s' is installed to a suspicious location: %s", rel, installPath))
				break
			}
		}

		if !d.IsDir() && d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			mode := info.Mode()
			if mode&0o111 != 0 {
				if mode&fs.ModeSetuid != 0 {
					findings = append(findings, fmt.Sprintf("Executable '%s' has SUID bit set.", rel))
				}
				if mode&fs.ModeSetgid != 0 {
					findings = append(findings, fmt.Sprintf("Executable '%s' has SGID bit set.", rel))
				}
			}
		}
		return nil
	})
	if err != nil {
		if err == task.ErrCancelled {
			return nil, err
		}
		return nil, &ExtractionError{Err: err}
	}

	return dedupeSorted(findings), nil
}

// dedupeSorted returns the unique findings in sorted order.
func dedupeSorted(findings []string) []string {
	if len(findings) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(findings))
	var unique []string
	for _, f := range findings {
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			unique = append(unique, f)
		}
	}
	sort.Strings(unique)
	return unique
}
