// Package security validates untrusted names before they reach storage.
package security

import (
	"errors"
	"path"
	"strings"
)

var (
	ErrPathTraversal = errors.New("path traversal detected")
	ErrInvalidPath   = errors.New("invalid object key")
)

// ValidateObjectKey accepts relative slash-separated keys such as
// "places/3f0c.jpg". Absolute keys, empty segments and ".." are rejected.
func ValidateObjectKey(key string) error {
	if key == "" || strings.TrimSpace(key) != key {
		return ErrInvalidPath
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || strings.ContainsRune(key, 0) {
		return ErrInvalidPath
	}
	for _, segment := range strings.Split(key, "/") {
		switch segment {
		case "..":
			return ErrPathTraversal
		case "", ".":
			return ErrInvalidPath
		}
	}
	if path.Clean(key) != key {
		return ErrInvalidPath
	}
	return nil
}

// ValidateKeyPrefix reports whether key is valid and lies under prefix.
func ValidateKeyPrefix(key, prefix string) error {
	if err := ValidateObjectKey(key); err != nil {
		return err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" && !strings.HasPrefix(key, prefix+"/") {
		return ErrPathTraversal
	}
	return nil
}
