package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var frameExts = map[string]struct{}{
	".fit":  {},
	".fits": {},
	".fts":  {},
}

// ListFrames returns the FITS files directly inside dir, sorted by name.
// Subdirectories are not descended into.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsFrameFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ListFramesRecursive returns all FITS files under root.
func ListFramesRecursive(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsFrameFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsFrameFile checks if a file name has a FITS extension.
func IsFrameFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := frameExts[ext]
	return ok
}

// HasPrefixedName reports whether the base name of path starts with one
// of the product prefixes, so products are not fed back as captures.
func HasPrefixedName(path string, prefixes ...string) bool {
	base := filepath.Base(path)
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}
