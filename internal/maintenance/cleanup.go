// Package maintenance cleans user-level caches and trims the operation
// history. It never touches shared system directories or performs
// privileged work.
package maintenance

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"debguard/internal/db"
)

// Cleaner performs the periodic maintenance pass.
type Cleaner struct {
	db            *db.DB
	retentionDays int
	extraDirs     []string // contents removed, directories kept

	// HomeDir is the user home searched for cache/temp entries.
	// Defaults to the current user's home.
	HomeDir string
}

// NewCleaner creates a cleaner. extraDirs lists additional directories
// whose contents are removed on each pass.
func NewCleaner(database *db.DB, retentionDays int, extraDirs []string) *Cleaner {
	home, _ := os.UserHomeDir()
	return &Cleaner{
		db:            database,
		retentionDays: retentionDays,
		extraDirs:     extraDirs,
		HomeDir:       home,
	}
}

// Run performs one maintenance pass. Individual removal failures are
// logged and skipped; the pass itself only fails when the history trim
// fails.
func (c *Cleaner) Run(ctx context.Context) error {
	thumbnails := filepath.Join(c.HomeDir, ".cache", "thumbnails")
	if err := os.RemoveAll(thumbnails); err != nil {
		log.Printf("maintenance: failed to clean thumbnail cache: %v", err)
	}

	dirs := append([]string{filepath.Join(c.HomeDir, ".tmp")}, c.extraDirs...)
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.emptyDir(dir)
	}

	if err := c.db.CleanupOldOperations(c.retentionDays); err != nil {
		return err
	}
	return nil
}

// emptyDir removes the contents of dir, leaving dir itself in place.
// A missing dir is not an error.
func (c *Cleaner) emptyDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("maintenance: failed to read %s: %v", dir, err)
		}
		return
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Printf("maintenance: failed to delete %s: %v", path, err)
		}
	}
}
