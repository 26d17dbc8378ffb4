// Package blob stores uploaded binary objects and hands out time-limited
// URLs for reading them.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nimburion/places/pkg/security"
)

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("blob not found")

// Store is the object storage capability used by entity hooks.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	SignURL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// NewKey returns a fresh object key under prefix that keeps the extension of
// filename, e.g. "places/3f0c....jpg".
func NewKey(prefix, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return path.Join(prefix, uuid.NewString()+ext)
}

// Memory is an in-process Store. Signed URLs are baseURL + "/" + key.
type Memory struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory Store.
func NewMemory(baseURL string) *Memory {
	return &Memory{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: map[string][]byte{},
		types:   map[string]string{},
	}
}

func (m *Memory) Put(_ context.Context, key string, body io.Reader, contentType string) error {
	if err := security.ValidateObjectKey(key); err != nil {
		return fmt.Errorf("blob: key %q: %w", key, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return fmt.Errorf("blob: read %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = buf.Bytes()
	m.types[key] = contentType
	return nil
}

func (m *Memory) SignURL(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	return m.baseURL + "/" + key, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	delete(m.objects, key)
	delete(m.types, key)
	return nil
}

// Get returns the stored bytes and content type of key.
func (m *Memory) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, m.types[key], ok
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
