// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package fts

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// appInfo is the subset of a desktop entry the indexer folds into an
// event's body text so applications are findable by their display name.
type appInfo struct {
	Name        string
	GenericName string
	Comment     string
	Categories  []string
}

// appInfoCache resolves actor URIs of the form application://name.desktop
// against the XDG application directories. Lookups are cached, including
// misses; desktop entries do not change often enough to warrant watching.
type appInfoCache struct {
	mu      sync.Mutex
	entries map[string]*appInfo
	dirs    []string
}

func newAppInfoCache() *appInfoCache {
	return &appInfoCache{
		entries: make(map[string]*appInfo),
		dirs:    desktopDirs(),
	}
}

func desktopDirs() []string {
	var dirs []string
	if home := os.Getenv("XDG_DATA_HOME"); home != "" {
		dirs = append(dirs, filepath.Join(home, "applications"))
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "applications"))
	}
	dataDirs := os.Getenv("XDG_DATA_DIRS")
	if dataDirs == "" {
		dataDirs = "/usr/local/share:/usr/share"
	}
	for _, d := range strings.Split(dataDirs, ":") {
		if d != "" {
			dirs = append(dirs, filepath.Join(d, "applications"))
		}
	}
	return dirs
}

// lookup resolves an actor URI to its desktop entry, or nil when the
// actor is not an application or its entry cannot be found.
func (c *appInfoCache) lookup(actor string) *appInfo {
	name, ok := strings.CutPrefix(actor, "application://")
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if info, cached := c.entries[name]; cached {
		return info
	}

	var info *appInfo
	for _, dir := range c.dirs {
		parsed, err := parseDesktopEntry(filepath.Join(dir, name))
		if err == nil {
			info = parsed
			break
		}
	}
	c.entries[name] = info
	return info
}

// parseDesktopEntry reads the [Desktop Entry] group of a .desktop file.
func parseDesktopEntry(path string) (*appInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var info appInfo
	inEntry := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inEntry = line == "[Desktop Entry]"
			continue
		}
		if !inEntry {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Name":
			info.Name = strings.TrimSpace(value)
		case "GenericName":
			info.GenericName = strings.TrimSpace(value)
		case "Comment":
			info.Comment = strings.TrimSpace(value)
		case "Categories":
			for _, cat := range strings.Split(value, ";") {
				if cat = strings.TrimSpace(cat); cat != "" {
					info.Categories = append(info.Categories, cat)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &info, nil
}
