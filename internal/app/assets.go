package app

import (
	"os"
	"path/filepath"
)

// resolveClientDir returns configured when set, otherwise the first
// "renderer" directory found beside the working directory or executable.
// An empty result disables static file serving.
func resolveClientDir(configured string) string {
	if configured != "" {
		return configured
	}
	if cwd, err := os.Getwd(); err == nil {
		if dir, ok := resolveClientDirFrom(cwd); ok {
			return dir
		}
	}
	if exePath, err := os.Executable(); err == nil {
		if dir, ok := resolveClientDirFrom(filepath.Dir(exePath)); ok {
			return dir
		}
	}
	return ""
}

func resolveClientDirFrom(base string) (string, bool) {
	candidates := []string{
		filepath.Join(base, "renderer"),
		filepath.Join(base, "..", "renderer"),
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || !info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		return abs, true
	}
	return "", false
}
