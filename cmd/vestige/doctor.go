// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/vestige-dev/vestige/internal/config"
	"github.com/vestige-dev/vestige/internal/fts"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check binary health, data directory access, database and index state, and available disk space.",
		RunE:  runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	dataDir := resolveDataDir()

	checks := []struct {
		name string
		fn   func() string
	}{
		{"Binary", checkBinary},
		{"Platform", checkPlatform},
		{"Config", checkConfig},
		{"Data Dir", func() string { return checkDataDir(dataDir) }},
		{"Database", func() string { return checkDatabase(dataDir) }},
		{"Integrity", func() string { return checkIntegrity(dataDir) }},
		{"Text Search", checkTextSearch},
		{"Index", func() string { return checkIndex(dataDir) }},
		{"Disk Space", func() string { return checkDiskSpace(dataDir) }},
	}

	for _, c := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", c.name+":", c.fn()); err != nil {
			return err
		}
	}

	return nil
}

// resolveDataDir returns the data directory from viper or the default.
func resolveDataDir() string {
	if dataDir := viper.GetString("data_dir"); dataDir != "" {
		return dataDir
	}
	return config.DefaultDataDir()
}

func checkBinary() string {
	return fmt.Sprintf("vestige %s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func checkPlatform() string {
	return fmt.Sprintf("%s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkConfig() string {
	cfgFile := viper.ConfigFileUsed()
	if cfgFile != "" {
		return fmt.Sprintf("loaded from %s", cfgFile)
	}
	return "using defaults (no config file found)"
}

func checkDataDir(dataDir string) string {
	info, err := os.Stat(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("not created yet at %s", dataDir)
		}
		return fmt.Sprintf("error: %s", err)
	}
	if !info.IsDir() {
		return fmt.Sprintf("%s exists but is not a directory", dataDir)
	}
	if unix.Access(dataDir, unix.W_OK) != nil {
		return fmt.Sprintf("%s is not writable", dataDir)
	}
	return fmt.Sprintf("writable at %s", dataDir)
}

func checkDatabase(dataDir string) string {
	dbPath := filepath.Join(dataDir, viper.GetString("database.filename"))
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("no database at %s (created on first event)", dbPath)
		}
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("%s (%s)", dbPath, formatBytes(uint64(info.Size())))
}

func checkIntegrity(dataDir string) string {
	dbPath := filepath.Join(dataDir, viper.GetString("database.filename"))
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return "skipped (no database)"
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return fmt.Sprintf("unable to open: %s", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Sprintf("check failed: %s", err)
	}
	if result != "ok" {
		return fmt.Sprintf("FAILED: %s", result)
	}
	return "ok"
}

func checkTextSearch() string {
	if fts.Available() {
		return "fts5 available"
	}
	return "disabled, binary built without the sqlite_fts5 tag (run 'make build')"
}

// checkIndex compares the indexed document count against the event
// count in the primary store. A lag is normal right after inserts; a
// persistent gap means the index needs a reindex.
func checkIndex(dataDir string) string {
	indexPath := filepath.Join(dataDir, viper.GetString("index.dir"), "fts.sqlite")
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		return fmt.Sprintf("no index at %s (built on first event)", indexPath)
	}

	indexed, err := countRows(indexPath, "SELECT COUNT(*) FROM documents")
	if err != nil {
		return fmt.Sprintf("unable to read index: %s", err)
	}

	dbPath := filepath.Join(dataDir, viper.GetString("database.filename"))
	events, err := countRows(dbPath, "SELECT COUNT(DISTINCT id) FROM event")
	if err != nil {
		return fmt.Sprintf("%d document(s), store unreadable: %s", indexed, err)
	}

	if indexed == events {
		return fmt.Sprintf("in sync (%d document(s))", indexed)
	}
	return fmt.Sprintf("%d document(s) for %d event(s), run 'vestige reindex' if this persists", indexed, events)
}

func countRows(dbPath, query string) (int64, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()

	var n int64
	if err := db.QueryRow(query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func checkDiskSpace(dataDir string) string {
	path := dataDir
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Fall back to home directory if the data dir doesn't exist yet.
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	return formatBytes(availBytes) + " available"
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	const (
		gb = 1024 * 1024 * 1024
		mb = 1024 * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
