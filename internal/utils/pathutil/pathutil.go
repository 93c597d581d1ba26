package pathutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path escapes root directory")

// ExpandPath expands the path using the user's home directory.
// If the path starts with "~", it is replaced with the user's home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}

		// Replace "~" with the home directory path
		path = filepath.Join(homeDir, path[1:])
	}

	return path, nil
}

// SafeJoin joins rel onto root and rejects results that leave root.
func SafeJoin(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", ErrOutsideRoot
	}
	joined := filepath.Join(root, rel)
	back, err := filepath.Rel(root, joined)
	if err != nil {
		return "", err
	}
	if back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return joined, nil
}
