package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects empty paths and paths that still contain a
// traversal component after cleaning. Absolute paths are allowed since the
// database and vault locations normally live outside the working directory.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}

	return nil
}

// ValidateKeyWithBase ensures a vault key resolves to a file inside the
// vault directory.
func ValidateKeyWithBase(key, baseDir string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if strings.ContainsRune(key, filepath.Separator) || strings.Contains(key, "..") {
		return fmt.Errorf("key contains path components: %s", key)
	}

	fullPath := filepath.Clean(filepath.Join(baseDir, key))
	cleanBase := filepath.Clean(baseDir)
	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("key escapes vault directory: %s", key)
	}

	return nil
}
