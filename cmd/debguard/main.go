package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"debguard/internal/backend"
	"debguard/internal/config"
	"debguard/internal/credstore"
	"debguard/internal/db"
	"debguard/internal/dpkg"
	"debguard/internal/maintenance"
	"debguard/internal/scan"
	"debguard/internal/scheduler"
	"debguard/internal/selfupdate"
	"debguard/internal/services"
	"debguard/internal/task"
)

// Version is set at build time.
var Version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: debguard <command> [args]

Commands:
  install <file.deb>    scan and install a package archive
  reinstall <file.deb>  scan and reinstall a package archive
  upgrade <file.deb>    scan and install a newer version over the current one
  remove <package>      purge a package and scan for leftover user files
  refresh               refresh the package cache
  scan <file.deb>       classify an archive without installing it
  info <file.deb>       show package metadata and missing dependencies
  cleanup               run the maintenance pass now
  self-update           check for and download a newer debguard release
  serve                 run the maintenance scheduler in the foreground
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]

	cfg := config.Load()

	app, err := newApp(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer app.close()

	switch command {
	case "install":
		app.runOperation(services.KindInstall, arg())
	case "reinstall":
		app.runOperation(services.KindReinstall, arg())
	case "upgrade":
		app.runOperation(services.KindUpgrade, arg())
	case "remove":
		app.runOperation(services.KindRemove, arg())
	case "refresh":
		app.runOperation(services.KindCacheRefresh, "")
	case "scan":
		app.scanOnly(arg())
	case "info":
		app.info(arg())
	case "cleanup":
		app.cleanup()
	case "self-update":
		app.selfUpdate()
	case "serve":
		app.serve()
	default:
		usage()
	}
}

func arg() string {
	if len(os.Args) < 3 {
		usage()
	}
	return os.Args[2]
}

// app wires the shared collaborators once per invocation.
type app struct {
	cfg      *config.Config
	database *db.DB
	store    credstore.Store
	executor *backend.Executor
	runner   *task.Runner
	pipeline *scan.Pipeline
	dpkg     *dpkg.Tool
	ui       *consoleUI
}

func newApp(cfg *config.Config) (*app, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := credstore.New(database)
	if err != nil {
		database.Close()
		return nil, err
	}

	executor := backend.NewExecutor(cfg.EscalateCmd, cfg.BackendPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := executor.CheckInstalled(ctx); err != nil {
		log.Printf("Warning: privileged helper not found: %v", err)
	}
	cancel()

	reputation := scan.NewReputationClient(cfg.ReputationURL, cfg.ReputationAPIKey, cfg.ReputationTimeout)
	pipeline := scan.NewPipeline(reputation, scan.NewHeuristicScanner())

	return &app{
		cfg:      cfg,
		database: database,
		store:    store,
		executor: executor,
		runner:   task.NewRunner(cfg.TerminateGrace),
		pipeline: pipeline,
		dpkg:     dpkg.NewTool(),
		ui:       newConsoleUI(),
	}, nil
}

func (a *app) close() {
	a.database.Close()
}

// runOperation drives one operation to completion, stopping it on the
// first interrupt signal.
func (a *app) runOperation(kind services.Kind, target string) {
	op := services.NewOperation(kind, target, a.database, a.store, a.executor,
		a.runner, a.pipeline, a.ui)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigChan:
			log.Println("Stopping...")
			op.Stop()
		case <-done:
		}
	}()

	op.Run()
	close(done)
	signal.Stop(sigChan)
}

// scanOnly classifies an archive and prints the verdict.
func (a *app) scanOnly(path string) {
	handle := a.runner.Run(func(ctl *task.Ctl) (any, error) {
		return a.pipeline.Classify(ctl, path)
	})
	for e := range handle.Events() {
		a.ui.OnProgress(e)
	}
	res := <-handle.Result()
	if res.Err != nil {
		log.Fatalf("Scan failed: %v", res.Err)
	}

	verdict := res.Value.(scan.Verdict)
	fmt.Printf("Verdict: %s (%s)\n", verdict.Kind, verdict.Method)
	if verdict.Detail != "" {
		fmt.Printf("  %s\n", verdict.Detail)
	}
	for _, finding := range verdict.Findings {
		fmt.Printf("  - %s\n", finding)
	}
	if verdict.Kind != scan.Clean {
		os.Exit(1)
	}
}

// info prints an archive's control fields and its unmet dependencies.
func (a *app) info(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pkgInfo, err := a.dpkg.Info(ctx, path)
	if err != nil {
		log.Fatalf("Failed to read package: %v", err)
	}

	fmt.Printf("Package:      %s\n", pkgInfo.Name)
	fmt.Printf("Version:      %s\n", pkgInfo.Version)
	fmt.Printf("Architecture: %s\n", pkgInfo.Architecture)
	fmt.Printf("Maintainer:   %s\n", pkgInfo.Maintainer)
	fmt.Printf("Description:  %s\n", pkgInfo.Description)
	if pkgInfo.Depends != "" {
		fmt.Printf("Depends:      %s\n", pkgInfo.Depends)
	}

	if installed, err := a.dpkg.InstalledVersion(ctx, pkgInfo.Name); err == nil && installed != "" {
		fmt.Printf("Installed:    %s", installed)
		switch {
		case a.dpkg.CompareVersions(ctx, pkgInfo.Version, "gt", installed):
			fmt.Print(" (archive is newer)")
		case a.dpkg.CompareVersions(ctx, pkgInfo.Version, "lt", installed):
			fmt.Print(" (archive is older)")
		default:
			fmt.Print(" (same version)")
		}
		fmt.Println()
	}

	missing, err := a.dpkg.MissingDependencies(ctx, pkgInfo.Depends)
	if err != nil {
		log.Fatalf("Failed to check dependencies: %v", err)
	}
	if len(missing) > 0 {
		fmt.Println("Missing dependencies (apt will resolve these on install):")
		for _, dep := range missing {
			fmt.Printf("  %s\n", dep)
		}
	}
}

func (a *app) cleanup() {
	cleaner := maintenance.NewCleaner(a.database, a.cfg.RetentionDays, a.cfg.CleanupDirs)
	if err := cleaner.Run(context.Background()); err != nil {
		log.Fatalf("Maintenance failed: %v", err)
	}
	fmt.Println("Maintenance complete")
}

// selfUpdate checks for a newer release and downloads it. The download
// is installed through the normal install flow so it passes the scan
// gate like any other archive.
func (a *app) selfUpdate() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	updater := selfupdate.NewUpdater(a.cfg.UpdateAPIURL)
	release, err := updater.CheckForUpdate(ctx, Version, a.dpkg)
	if err != nil {
		log.Fatalf("Update check failed: %v", err)
	}
	if release == nil {
		fmt.Printf("debguard %s is up to date\n", Version)
		return
	}

	fmt.Printf("Downloading debguard %s...\n", release.Version)
	handle := a.runner.Run(func(ctl *task.Ctl) (any, error) {
		return updater.Download(ctl, release)
	})
	for e := range handle.Events() {
		a.ui.OnProgress(e)
	}
	res := <-handle.Result()
	if res.Err != nil {
		log.Fatalf("Download failed: %v", res.Err)
	}

	path := res.Value.(string)
	fmt.Printf("Downloaded to %s\n", path)
	a.runOperation(services.KindUpgrade, path)
}

// serve runs the maintenance scheduler until interrupted.
func (a *app) serve() {
	log.Printf("debguard %s starting...", Version)
	log.Printf("  Database: %s", a.cfg.DBPath)
	log.Printf("  Retention: %d days", a.cfg.RetentionDays)
	log.Printf("  Maintenance: %s", a.cfg.MaintenanceCron)

	cleaner := maintenance.NewCleaner(a.database, a.cfg.RetentionDays, a.cfg.CleanupDirs)
	sched := scheduler.New(a.database, cleaner, a.cfg.MaintenanceCron)
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	sched.Stop()
	log.Println("Stopped")
}
