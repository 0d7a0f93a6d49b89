package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolveDestinationPath returns where a download of name should land. An
// existing directory receives the file under its own name; any other path
// is used as the file path itself, provided its parent directory exists.
func ResolveDestinationPath(destPath, name string) (string, error) {
	info, err := os.Stat(destPath)
	switch {
	case err == nil && info.IsDir():
		return filepath.Join(destPath, filepath.Base(name)), nil
	case err == nil:
		return destPath, nil
	case !os.IsNotExist(err):
		return "", fmt.Errorf("cannot access destination path: %w", err)
	}

	dir := filepath.Dir(destPath)
	if info, dirErr := os.Stat(dir); dirErr != nil || !info.IsDir() {
		return "", fmt.Errorf("parent directory does not exist: %s", dir)
	}
	return destPath, nil
}

// FormatFileSize renders a byte count with a binary unit
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
