// Package services orchestrates package operations: scan gating,
// credential acquisition, privileged execution and outcome reporting.
package services

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"debguard/internal/backend"
	"debguard/internal/credstore"
	"debguard/internal/db"
	"debguard/internal/dpkg"
	"debguard/internal/scan"
	"debguard/internal/task"
)

// Kind identifies the operation being performed.
type Kind string

const (
	KindInstall      Kind = "install"
	KindReinstall    Kind = "reinstall"
	KindRemove       Kind = "remove"
	KindUpgrade      Kind = "upgrade"
	KindCacheRefresh Kind = "refresh"
)

// needsScan reports whether the operation installs a local archive and
// must pass the scan gate first.
func (k Kind) needsScan() bool {
	return k == KindInstall || k == KindReinstall || k == KindUpgrade
}

// UI is the collaborator interface the core drives. OnScanVerdict
// returns true to proceed despite a non-clean verdict; a Clean verdict
// proceeds regardless of the return value. OnCredentialNeeded returns
// ok=false to cancel the operation. Exactly one of OnSuccess,
// OnCancelled or OnFailed is called per run.
type UI interface {
	OnScanVerdict(v scan.Verdict) bool
	OnProgress(e task.Event)
	OnCredentialNeeded(isRetry bool) (string, bool)
	OnSuccess(outcome Outcome)
	OnCancelled()
	OnFailed(exitCode int, output string)
}

// Outcome describes a completed operation.
type Outcome struct {
	Kind          Kind
	Target        string
	Output        string
	LeftoverPaths []string // user config/cache paths surviving a removal
}

// ScannerInterface is the scan pipeline as consumed here.
// This allows mocking the pipeline in tests.
type ScannerInterface interface {
	Classify(ctl *task.Ctl, path string) (scan.Verdict, error)
}

// Authentication-failure phrases, matched lowercased against the
// combined output when the backend exits non-zero.
var credentialRejectedPhrases = []string{
	"sorry, try again",
	"authentication failed",
	"incorrect password",
	"incorrect authentication",
}

func isCredentialRejected(output string) bool {
	lower := strings.ToLower(output)
	for _, phrase := range credentialRejectedPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Operation runs a single package operation to completion. Instances
// are independent; concurrent operations share only the credential
// store, which serializes its own access.
type Operation struct {
	kind   Kind
	target string

	db       *db.DB
	store    credstore.Store
	executor backend.ExecutorInterface
	runner   *task.Runner
	scanner  ScannerInterface
	ui       UI

	// HomeDir is the directory searched for leftover user files after a
	// removal. Defaults to the current user's home.
	HomeDir string

	mu      sync.Mutex
	active  *task.Handle
	stopped bool
}

// NewOperation creates an operation of the given kind on target (a .deb
// path for install kinds, a package name for removal).
func NewOperation(kind Kind, target string, database *db.DB, store credstore.Store,
	executor backend.ExecutorInterface, runner *task.Runner, scanner ScannerInterface, ui UI) *Operation {
	home, _ := os.UserHomeDir()
	return &Operation{
		kind:     kind,
		target:   target,
		db:       database,
		store:    store,
		executor: executor,
		runner:   runner,
		scanner:  scanner,
		ui:       ui,
		HomeDir:  home,
	}
}

// Stop requests cancellation. It stops the in-flight task, if any, and
// prevents further tasks from starting. Safe to call at any time.
func (o *Operation) Stop() {
	o.mu.Lock()
	o.stopped = true
	active := o.active
	o.mu.Unlock()

	if active != nil {
		active.Stop()
	}
}

// Run drives the operation to a terminal state. It blocks until one of
// the UI terminal callbacks has been invoked.
func (o *Operation) Run() {
	id := uuid.NewString()
	if _, err := o.db.CreateOperation(id, string(o.kind), o.target); err != nil {
		o.fail(id, backend.ExitLaunchFailure, fmt.Sprintf("failed to record operation: %v", err))
		return
	}

	if o.kind == KindRemove {
		if critical, reason := dpkg.IsCriticalPackage(o.target); critical {
			o.fail(id, backend.ExitLaunchFailure, reason)
			return
		}
	}

	if o.kind.needsScan() && !o.scanGate(id) {
		return
	}

	// Credential acquisition and execution, retried on rejection with a
	// fresh prompt each time.
	isRetry := false
	for {
		credential, usedSaved, ok := o.acquireCredential(isRetry)
		if !ok {
			o.cancel(id)
			return
		}

		res, started := o.runTask(o.executeFunc(credential))
		if !started {
			o.cancel(id)
			return
		}
		if res.Err != nil {
			if errors.Is(res.Err, task.ErrCancelled) {
				o.cancel(id)
			} else {
				o.fail(id, backend.ExitLaunchFailure, res.Err.Error())
			}
			return
		}

		exec := res.Value.(execResult)
		switch {
		case exec.code == backend.ExitCancelled:
			o.cancel(id)
			return

		case hasMarker(exec.output):
			// The helper signalled a semantic failure; the marker wins
			// even over exit code 0.
			o.fail(id, exec.code, exec.output)
			return

		case exec.code == 0:
			if err := o.db.CompleteOperation(id, db.OperationStatusSucceeded, 0, nil); err != nil {
				log.Printf("operation %s: failed to record success: %v", id, err)
			}
			o.ui.OnSuccess(Outcome{
				Kind:          o.kind,
				Target:        o.target,
				Output:        exec.output,
				LeftoverPaths: exec.leftovers,
			})
			return

		case isCredentialRejected(exec.output):
			if usedSaved {
				o.store.SaveCredential("")
				o.store.SetAutoCredentialEnabled(false)
			}
			isRetry = true

		default:
			o.fail(id, exec.code, exec.output)
			return
		}
	}
}

// scanGate runs the scan pipeline and consults the UI. Returns true if
// the operation may proceed; otherwise it has already reached a
// terminal state.
func (o *Operation) scanGate(id string) bool {
	res, started := o.runTask(func(ctl *task.Ctl) (any, error) {
		return o.scanner.Classify(ctl, o.target)
	})
	if !started {
		o.cancel(id)
		return false
	}
	if res.Err != nil {
		if errors.Is(res.Err, task.ErrCancelled) {
			o.cancel(id)
		} else {
			o.fail(id, backend.ExitLaunchFailure, res.Err.Error())
		}
		return false
	}

	verdict := res.Value.(scan.Verdict)
	force := o.ui.OnScanVerdict(verdict)
	if verdict.Kind != scan.Clean && !force {
		o.cancel(id)
		return false
	}
	return true
}

// acquireCredential returns the credential to try. The stored one is
// only used on the first attempt with auto-credential enabled; retries
// always re-prompt.
func (o *Operation) acquireCredential(isRetry bool) (credential string, usedSaved, ok bool) {
	if !isRetry {
		if enabled, err := o.store.IsAutoCredentialEnabled(); err == nil && enabled {
			if saved, err := o.store.GetCredential(); err == nil && saved != "" {
				return saved, true, true
			}
		}
	}
	credential, ok = o.ui.OnCredentialNeeded(isRetry)
	return credential, false, ok
}

type execResult struct {
	code      int
	output    string
	leftovers []string
}

// executeFunc builds the task body for one privileged attempt.
func (o *Operation) executeFunc(credential string) task.Func {
	return func(ctl *task.Ctl) (any, error) {
		switch o.kind {
		case KindRemove:
			return o.executeRemove(ctl, credential), nil
		case KindCacheRefresh:
			code, output := o.executor.Run(ctl, []string{"apt", "update"}, credential)
			return execResult{code: code, output: output}, nil
		default:
			args := []string{"apt-op", "install", o.target}
			if o.kind == KindReinstall {
				args = append(args, "--reinstall")
			}
			code, output := o.executor.Run(ctl, args, credential)
			return execResult{code: code, output: output}, nil
		}
	}
}

// executeRemove purges the package, trims orphaned dependencies and
// scans for leftover user files.
func (o *Operation) executeRemove(ctl *task.Ctl, credential string) execResult {
	code, output := o.executor.Run(ctl, []string{"apt-op", "purge", o.target}, credential)
	if code != 0 {
		return execResult{code: code, output: output}
	}

	// Orphan cleanup is best-effort; its output is kept but its exit
	// code does not fail the removal.
	_, autoOut := o.executor.Run(ctl, []string{"apt", "autoremove", "-y"}, credential)
	if autoOut != "" {
		output += autoOut
	}

	ctl.EmitLine("Scanning for leftover user configuration files")
	leftovers := o.findLeftovers(ctl)
	return execResult{code: 0, output: output, leftovers: leftovers}
}

// findLeftovers looks for user config/cache entries named after the
// removed package.
func (o *Operation) findLeftovers(ctl *task.Ctl) []string {
	searchDirs := []string{
		filepath.Join(o.HomeDir, ".config"),
		filepath.Join(o.HomeDir, ".local", "share"),
		filepath.Join(o.HomeDir, ".cache"),
	}
	variants := map[string]struct{}{
		o.target:                              {},
		strings.ToLower(o.target):             {},
		strings.ReplaceAll(o.target, "-", ""): {},
	}

	var found []string
	for _, dir := range searchDirs {
		if ctl.Stopped() {
			break
		}
		for variant := range variants {
			candidate := filepath.Join(dir, variant)
			if _, err := os.Stat(candidate); err == nil {
				found = append(found, candidate)
				ctl.EmitLine("Found potential leftover: " + candidate)
			}
		}
	}
	return found
}

// runTask starts fn on the runner and forwards its events to the UI.
// Returns started=false if the operation was stopped before fn could
// begin.
func (o *Operation) runTask(fn task.Func) (task.Result, bool) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return task.Result{}, false
	}
	handle := o.runner.Run(fn)
	o.active = handle
	o.mu.Unlock()

	for e := range handle.Events() {
		o.ui.OnProgress(e)
	}
	res := <-handle.Result()

	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()
	return res, true
}

func (o *Operation) cancel(id string) {
	if err := o.db.CompleteOperation(id, db.OperationStatusCancelled, backend.ExitCancelled, nil); err != nil {
		log.Printf("operation %s: failed to record cancellation: %v", id, err)
	}
	o.ui.OnCancelled()
}

func (o *Operation) fail(id string, exitCode int, output string) {
	msg := output
	if marker, ok := backend.MarkerMessage(output); ok {
		msg = marker
	}
	if err := o.db.CompleteOperation(id, db.OperationStatusFailed, exitCode, &msg); err != nil {
		log.Printf("operation %s: failed to record failure: %v", id, err)
	}
	o.ui.OnFailed(exitCode, output)
}

func hasMarker(output string) bool {
	_, ok := backend.MarkerMessage(output)
	return ok
}
