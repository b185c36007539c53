package services

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"debguard/internal/backend"
	"debguard/internal/db"
	"debguard/internal/scan"
	"debguard/internal/task"
)

// mockExecutor replays scripted results, recording each invocation.
type mockExecutor struct {
	results []mockResult
	calls   []mockCall
}

type mockResult struct {
	code   int
	output string
}

type mockCall struct {
	args       []string
	credential string
}

func (m *mockExecutor) Run(ctl *task.Ctl, args []string, credential string) (int, string) {
	m.calls = append(m.calls, mockCall{args: args, credential: credential})
	if len(m.results) == 0 {
		return 0, ""
	}
	res := m.results[0]
	m.results = m.results[1:]
	return res.code, res.output
}

func (m *mockExecutor) CheckInstalled(ctx context.Context) error { return nil }

// mockUI records terminal callbacks and replays scripted credentials.
type mockUI struct {
	forceScan   bool
	credentials []string // consumed per prompt; empty string means cancel

	verdicts  []scan.Verdict
	prompts   []bool // isRetry per prompt
	succeeded *Outcome
	cancelled bool
	failed    bool
	failCode  int
	failOut   string
}

func (m *mockUI) OnScanVerdict(v scan.Verdict) bool {
	m.verdicts = append(m.verdicts, v)
	return m.forceScan
}

func (m *mockUI) OnProgress(e task.Event) {}

func (m *mockUI) OnCredentialNeeded(isRetry bool) (string, bool) {
	m.prompts = append(m.prompts, isRetry)
	if len(m.credentials) == 0 {
		return "", false
	}
	cred := m.credentials[0]
	m.credentials = m.credentials[1:]
	if cred == "" {
		return "", false
	}
	return cred, true
}

func (m *mockUI) OnSuccess(outcome Outcome) { m.succeeded = &outcome }

func (m *mockUI) OnCancelled() { m.cancelled = true }

func (m *mockUI) OnFailed(exitCode int, out string) {
	m.failed = true
	m.failCode = exitCode
	m.failOut = out
}

func (m *mockUI) terminalCount() int {
	n := 0
	if m.succeeded != nil {
		n++
	}
	if m.cancelled {
		n++
	}
	if m.failed {
		n++
	}
	return n
}

// mockStore is an in-memory credential store.
type mockStore struct {
	credential string
	auto       bool
}

func (m *mockStore) GetCredential() (string, error) { return m.credential, nil }

func (m *mockStore) SaveCredential(secret string) error {
	m.credential = secret
	return nil
}

func (m *mockStore) IsAutoCredentialEnabled() (bool, error) { return m.auto, nil }

func (m *mockStore) SetAutoCredentialEnabled(b bool) error {
	m.auto = b
	return nil
}

// mockScanner returns a fixed verdict.
type mockScanner struct {
	verdict scan.Verdict
	err     error
	called  bool
}

func (m *mockScanner) Classify(ctl *task.Ctl, path string) (scan.Verdict, error) {
	m.called = true
	return m.verdict, m.err
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func newOperation(t *testing.T, kind Kind, target string, exec *mockExecutor,
	store *mockStore, scanner *mockScanner, ui *mockUI) *Operation {
	t.Helper()
	op := NewOperation(kind, target, newTestDB(t), store, exec,
		task.NewRunner(time.Second), scanner, ui)
	op.HomeDir = t.TempDir()
	return op
}

func cleanVerdict() scan.Verdict {
	return scan.Verdict{Kind: scan.Clean, Method: scan.MethodReputation}
}

func lastStatus(t *testing.T, database *db.DB) db.OperationStatus {
	t.Helper()
	ops, err := database.ListOperations(1, 0)
	if err != nil || len(ops) == 0 {
		t.Fatalf("failed to list operations: %v", err)
	}
	return ops[0].Status
}

func TestInstallSucceeds(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{{code: 0, output: "Setting up htop\n"}}}
	ui := &mockUI{credentials: []string{"secret"}}
	scanner := &mockScanner{verdict: cleanVerdict()}
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, &mockStore{}, scanner, ui)

	op.Run()

	if ui.succeeded == nil {
		t.Fatal("expected OnSuccess")
	}
	if ui.terminalCount() != 1 {
		t.Errorf("expected exactly one terminal callback, got %d", ui.terminalCount())
	}
	if len(ui.verdicts) != 1 {
		t.Fatalf("expected one scan verdict, got %d", len(ui.verdicts))
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected one backend call, got %d", len(exec.calls))
	}
	want := []string{"apt-op", "install", "/tmp/htop.deb"}
	for i, arg := range want {
		if exec.calls[0].args[i] != arg {
			t.Errorf("arg %d = %q, want %q", i, exec.calls[0].args[i], arg)
		}
	}
	if exec.calls[0].credential != "secret" {
		t.Errorf("credential = %q, want secret", exec.calls[0].credential)
	}
	if got := lastStatus(t, op.db); got != db.OperationStatusSucceeded {
		t.Errorf("recorded status = %s, want succeeded", got)
	}
}

func TestReinstallPassesFlag(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{{code: 0}}}
	ui := &mockUI{credentials: []string{"secret"}}
	op := newOperation(t, KindReinstall, "/tmp/htop.deb", exec, &mockStore{},
		&mockScanner{verdict: cleanVerdict()}, ui)

	op.Run()

	if ui.succeeded == nil {
		t.Fatal("expected OnSuccess")
	}
	args := exec.calls[0].args
	if args[len(args)-1] != "--reinstall" {
		t.Errorf("expected trailing --reinstall, got %v", args)
	}
}

func TestWrongThenRightCredential(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{
		{code: 1, output: "sudo: Sorry, try again.\n"},
		{code: 0, output: "Setting up htop\n"},
	}}
	ui := &mockUI{credentials: []string{"correct"}}
	store := &mockStore{credential: "wrong", auto: true}
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, store,
		&mockScanner{verdict: cleanVerdict()}, ui)

	op.Run()

	if ui.succeeded == nil {
		t.Fatal("expected OnSuccess after retry")
	}
	if ui.terminalCount() != 1 {
		t.Errorf("expected exactly one terminal callback, got %d", ui.terminalCount())
	}
	// First attempt used the saved credential without prompting; the
	// retry prompted with isRetry set.
	if len(ui.prompts) != 1 || !ui.prompts[0] {
		t.Errorf("prompts = %v, want one retry prompt", ui.prompts)
	}
	if exec.calls[0].credential != "wrong" || exec.calls[1].credential != "correct" {
		t.Errorf("credentials = %q, %q", exec.calls[0].credential, exec.calls[1].credential)
	}
	// The rejected saved credential was purged and auto use disabled.
	if store.credential != "" {
		t.Errorf("saved credential not purged: %q", store.credential)
	}
	if store.auto {
		t.Error("auto credential still enabled after rejection")
	}
}

func TestPromptedCredentialRejectionDoesNotTouchStore(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{
		{code: 1, output: "Authentication failed\n"},
		{code: 0},
	}}
	ui := &mockUI{credentials: []string{"first", "second"}}
	store := &mockStore{credential: "saved", auto: false}
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, store,
		&mockScanner{verdict: cleanVerdict()}, ui)

	op.Run()

	if ui.succeeded == nil {
		t.Fatal("expected OnSuccess")
	}
	// Auto use was disabled, so the stored credential was never tried
	// and must survive untouched.
	if store.credential != "saved" {
		t.Errorf("stored credential modified: %q", store.credential)
	}
	if len(ui.prompts) != 2 || ui.prompts[0] || !ui.prompts[1] {
		t.Errorf("prompts = %v, want [false true]", ui.prompts)
	}
}

func TestMarkerOverridesExitZero(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{
		{code: 0, output: "Unpacking htop\n[BACKEND_ERROR] dpkg database is locked\n"},
	}}
	ui := &mockUI{credentials: []string{"secret"}}
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, &mockStore{},
		&mockScanner{verdict: cleanVerdict()}, ui)

	op.Run()

	if !ui.failed {
		t.Fatal("expected OnFailed despite exit code 0")
	}
	if ui.succeeded != nil {
		t.Error("OnSuccess must not fire when the marker is present")
	}
	if got := lastStatus(t, op.db); got != db.OperationStatusFailed {
		t.Errorf("recorded status = %s, want failed", got)
	}
}

func TestGenericFailureReportedVerbatim(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{
		{code: 100, output: "E: Unable to locate package nosuch\n"},
	}}
	ui := &mockUI{credentials: []string{"secret"}}
	op := newOperation(t, KindInstall, "/tmp/nosuch.deb", exec, &mockStore{},
		&mockScanner{verdict: cleanVerdict()}, ui)

	op.Run()

	if !ui.failed {
		t.Fatal("expected OnFailed")
	}
	if ui.failCode != 100 {
		t.Errorf("exit code = %d, want 100", ui.failCode)
	}
	if ui.failOut != "E: Unable to locate package nosuch\n" {
		t.Errorf("output not reported verbatim: %q", ui.failOut)
	}
	// Only one attempt: generic failures are never retried.
	if len(exec.calls) != 1 {
		t.Errorf("expected one backend call, got %d", len(exec.calls))
	}
}

func TestCancelledExitCode(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{
		{code: backend.ExitCancelled, output: "Unpacking htop\n"},
	}}
	ui := &mockUI{credentials: []string{"secret"}}
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, &mockStore{},
		&mockScanner{verdict: cleanVerdict()}, ui)

	op.Run()

	if !ui.cancelled {
		t.Fatal("expected OnCancelled")
	}
	if ui.failed || ui.succeeded != nil {
		t.Error("cancellation must not be reported as failure or success")
	}
	if got := lastStatus(t, op.db); got != db.OperationStatusCancelled {
		t.Errorf("recorded status = %s, want cancelled", got)
	}
}

func TestCredentialPromptCancelled(t *testing.T) {
	exec := &mockExecutor{}
	ui := &mockUI{} // no credentials scripted: prompt returns ok=false
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, &mockStore{},
		&mockScanner{verdict: cleanVerdict()}, ui)

	op.Run()

	if !ui.cancelled {
		t.Fatal("expected OnCancelled")
	}
	if len(exec.calls) != 0 {
		t.Errorf("backend must not run without a credential, got %d calls", len(exec.calls))
	}
}

func TestSuspiciousVerdictBlocksWithoutForce(t *testing.T) {
	exec := &mockExecutor{}
	ui := &mockUI{forceScan: false, credentials: []string{"secret"}}
	scanner := &mockScanner{verdict: scan.Verdict{
		Kind:     scan.Suspicious,
		Method:   scan.MethodHeuristic,
		Findings: []string{"suspicious command in postinst: curl"},
	}}
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, &mockStore{}, scanner, ui)

	op.Run()

	if !ui.cancelled {
		t.Fatal("expected OnCancelled when verdict is not forced through")
	}
	if len(ui.prompts) != 0 {
		t.Error("credential must not be requested for a blocked operation")
	}
	if len(exec.calls) != 0 {
		t.Error("backend must not run for a blocked operation")
	}
}

func TestSuspiciousVerdictForcedThrough(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{{code: 0}}}
	ui := &mockUI{forceScan: true, credentials: []string{"secret"}}
	scanner := &mockScanner{verdict: scan.Verdict{Kind: scan.Suspicious, Method: scan.MethodReputation}}
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, &mockStore{}, scanner, ui)

	op.Run()

	if ui.succeeded == nil {
		t.Fatal("expected OnSuccess after forcing through the verdict")
	}
}

func TestCleanVerdictProceedsWithoutForce(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{{code: 0}}}
	ui := &mockUI{forceScan: false, credentials: []string{"secret"}}
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, &mockStore{},
		&mockScanner{verdict: cleanVerdict()}, ui)

	op.Run()

	if ui.succeeded == nil {
		t.Fatal("clean verdict must proceed regardless of the force flag")
	}
}

func TestRemoveSkipsScan(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{{code: 0, output: "Purging htop\n"}, {code: 0}}}
	ui := &mockUI{credentials: []string{"secret"}}
	scanner := &mockScanner{verdict: cleanVerdict()}
	op := newOperation(t, KindRemove, "htop", exec, &mockStore{}, scanner, ui)

	op.Run()

	if ui.succeeded == nil {
		t.Fatal("expected OnSuccess")
	}
	if scanner.called {
		t.Error("removal must not run the scan pipeline")
	}
	if len(ui.verdicts) != 0 {
		t.Error("no verdict callback expected for removal")
	}
	// Purge then autoremove.
	if len(exec.calls) != 2 {
		t.Fatalf("expected two backend calls, got %d", len(exec.calls))
	}
	if exec.calls[0].args[1] != "purge" || exec.calls[1].args[1] != "autoremove" {
		t.Errorf("unexpected call sequence: %v, %v", exec.calls[0].args, exec.calls[1].args)
	}
}

func TestRemoveFindsLeftovers(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{{code: 0}, {code: 0}}}
	ui := &mockUI{credentials: []string{"secret"}}
	op := newOperation(t, KindRemove, "cool-tool", exec, &mockStore{},
		&mockScanner{}, ui)

	configDir := filepath.Join(op.HomeDir, ".config", "cool-tool")
	cacheDir := filepath.Join(op.HomeDir, ".cache", "cooltool")
	for _, dir := range []string{configDir, cacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create fixture dir: %v", err)
		}
	}

	op.Run()

	if ui.succeeded == nil {
		t.Fatal("expected OnSuccess")
	}
	found := map[string]bool{}
	for _, p := range ui.succeeded.LeftoverPaths {
		found[p] = true
	}
	if !found[configDir] {
		t.Errorf("missing leftover %s in %v", configDir, ui.succeeded.LeftoverPaths)
	}
	if !found[cacheDir] {
		t.Errorf("missing leftover %s in %v", cacheDir, ui.succeeded.LeftoverPaths)
	}
}

func TestRemoveRefusesCriticalPackage(t *testing.T) {
	exec := &mockExecutor{}
	ui := &mockUI{credentials: []string{"secret"}}
	op := newOperation(t, KindRemove, "libc6", exec, &mockStore{}, &mockScanner{}, ui)

	op.Run()

	if !ui.failed {
		t.Fatal("expected OnFailed for a critical package")
	}
	if len(ui.prompts) != 0 {
		t.Error("credential must not be requested before the critical guard")
	}
	if len(exec.calls) != 0 {
		t.Error("backend must not run for a critical package")
	}
}

func TestRemoveFailedPurgeSkipsAutoremove(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{
		{code: 100, output: "E: Unable to locate package nosuch\n"},
	}}
	ui := &mockUI{credentials: []string{"secret"}}
	op := newOperation(t, KindRemove, "nosuch", exec, &mockStore{}, &mockScanner{}, ui)

	op.Run()

	if !ui.failed {
		t.Fatal("expected OnFailed")
	}
	if len(exec.calls) != 1 {
		t.Errorf("autoremove must not run after a failed purge, got %d calls", len(exec.calls))
	}
}

func TestCacheRefresh(t *testing.T) {
	exec := &mockExecutor{results: []mockResult{{code: 0, output: "Reading package lists\n"}}}
	ui := &mockUI{credentials: []string{"secret"}}
	scanner := &mockScanner{}
	op := newOperation(t, KindCacheRefresh, "", exec, &mockStore{}, scanner, ui)

	op.Run()

	if ui.succeeded == nil {
		t.Fatal("expected OnSuccess")
	}
	if scanner.called {
		t.Error("cache refresh must not run the scan pipeline")
	}
	if exec.calls[0].args[0] != "apt" || exec.calls[0].args[1] != "update" {
		t.Errorf("unexpected args: %v", exec.calls[0].args)
	}
}

func TestStopBeforeRunCancels(t *testing.T) {
	exec := &mockExecutor{}
	ui := &mockUI{credentials: []string{"secret"}}
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, &mockStore{},
		&mockScanner{verdict: cleanVerdict()}, ui)

	op.Stop()
	op.Run()

	if !ui.cancelled {
		t.Fatal("expected OnCancelled")
	}
	if len(exec.calls) != 0 {
		t.Error("backend must not run after Stop")
	}
}

func TestScanCancellationIsTerminal(t *testing.T) {
	exec := &mockExecutor{}
	ui := &mockUI{credentials: []string{"secret"}}
	scanner := &mockScanner{err: task.ErrCancelled}
	op := newOperation(t, KindInstall, "/tmp/htop.deb", exec, &mockStore{}, scanner, ui)

	op.Run()

	if !ui.cancelled {
		t.Fatal("expected OnCancelled when the scan is stopped")
	}
	if len(ui.prompts) != 0 {
		t.Error("credential must not be requested after a cancelled scan")
	}
}

func TestDatabaseFailureIsLoggedAndStillTerminal(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	database.Close()

	var logBuf bytes.Buffer
	log.SetOutput(&logBuf)
	defer log.SetOutput(os.Stderr)

	exec := &mockExecutor{}
	ui := &mockUI{credentials: []string{"secret"}}
	op := NewOperation(KindInstall, "/tmp/htop.deb", database, &mockStore{}, exec,
		task.NewRunner(time.Second), &mockScanner{verdict: cleanVerdict()}, ui)
	op.HomeDir = t.TempDir()

	op.Run()

	if ui.terminalCount() != 1 {
		t.Fatalf("expected exactly one terminal callback, got %d", ui.terminalCount())
	}
	if !ui.failed {
		t.Error("expected OnFailed when the history row cannot be created")
	}
	if !strings.Contains(logBuf.String(), "failed to record") {
		t.Errorf("persistence error not logged: %q", logBuf.String())
	}
}

func TestIsCredentialRejected(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"sudo: Sorry, try again.", true},
		{"AUTHENTICATION FAILED", true},
		{"incorrect password attempt", true},
		{"su: Incorrect authentication", true},
		{"E: Unable to locate package", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isCredentialRejected(tt.output); got != tt.want {
			t.Errorf("isCredentialRejected(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}
