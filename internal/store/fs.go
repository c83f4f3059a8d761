package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// destinationOccupied reports whether path exists as anything other than an
// empty directory. Cloning into such a path is refused by both backends.
func destinationOccupied(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return true, nil
	}

	dir, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = dir.Close()
	}()

	_, err = dir.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// isSSHURL returns true if url uses the scp-like or ssh:// form.
func isSSHURL(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// readToken reads an HTTPS access token, trimming surrounding whitespace.
func readToken(path string) (string, error) {
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}
