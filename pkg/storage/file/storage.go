// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-credvault.
//
// go-credvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package file provides a file-based implementation of the storage.Backend interface.
//
// Each key maps to one file under the root directory. The file holds an
// 8-byte big-endian revision followed by the value, and is replaced
// atomically via a temporary file and rename. Revision checks are serialized
// by an in-process mutex, so a root directory must be owned by one process.
package file

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-credvault/pkg/storage"
)

const (
	// Default directory permissions (owner rwx only)
	defaultDirPerms = 0700

	// Default file permissions (owner rw only)
	defaultFilePerms = 0600

	revisionSize = 8
	tmpSuffix    = ".tmp"
)

// FileStorage is a file-based implementation of storage.Backend.
// It stores key-value pairs as files in a directory hierarchy and is thread-safe.
type FileStorage struct {
	mu      sync.RWMutex
	rootDir string
	closed  bool
}

// New creates a new FileStorage instance with the specified root directory.
// The root directory is created with 0700 permissions if it doesn't exist.
func New(rootDir string) (*FileStorage, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("file storage: root directory cannot be empty")
	}

	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("file storage: failed to resolve root directory: %w", err)
	}

	if err := os.MkdirAll(abs, defaultDirPerms); err != nil {
		return nil, fmt.Errorf("file storage: failed to create root directory: %w", err)
	}

	return &FileStorage{
		rootDir: abs,
	}, nil
}

// Get retrieves the entry for the given key.
// Returns storage.ErrNotFound if the key does not exist.
func (f *FileStorage) Get(ctx context.Context, key string) (*storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := f.keyToPath(key)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, storage.ErrClosed
	}

	value, rev, err := readFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("file storage: failed to read key %q: %w", key, err)
	}
	return &storage.Entry{Key: key, Value: value, Revision: rev}, nil
}

// Put stores the value unconditionally and returns the new revision.
func (f *FileStorage) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	filePath, err := f.keyToPath(key)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, storage.ErrClosed
	}

	_, rev, err := readFile(filePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("file storage: failed to read key %q: %w", key, err)
	}
	rev++
	if err := writeFile(filePath, value, rev); err != nil {
		return 0, fmt.Errorf("file storage: failed to write key %q: %w", key, err)
	}
	return rev, nil
}

// UpdateIfUnchanged stores value only if the current revision equals expected.
func (f *FileStorage) UpdateIfUnchanged(ctx context.Context, key string, expected uint64, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	filePath, err := f.keyToPath(key)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, storage.ErrClosed
	}

	_, current, err := readFile(filePath)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("file storage: failed to read key %q: %w", key, err)
	}
	if (expected == 0 && exists) || (expected != 0 && (!exists || current != expected)) {
		return false, nil
	}

	if err := writeFile(filePath, value, current+1); err != nil {
		return false, fmt.Errorf("file storage: failed to write key %q: %w", key, err)
	}
	return true, nil
}

// Delete removes the key and its value from storage.
// Returns storage.ErrNotFound if the key does not exist.
func (f *FileStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := f.keyToPath(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return storage.ErrClosed
	}

	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("file storage: failed to delete key %q: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix in sorted order.
func (f *FileStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, storage.ErrClosed
	}

	keys := make([]string, 0)
	err := filepath.WalkDir(f.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, tmpSuffix) {
			return nil
		}

		key, err := f.pathToKey(path)
		if err != nil {
			return err
		}
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file storage: failed to list keys: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Close marks the backend closed. Files are left in place.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// keyToPath converts a storage key to a file path under the root directory.
func (f *FileStorage) keyToPath(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	if strings.HasSuffix(key, tmpSuffix) {
		return "", fmt.Errorf("%w: reserved suffix %q", storage.ErrInvalidID, tmpSuffix)
	}
	return filepath.Join(f.rootDir, filepath.FromSlash(key)), nil
}

// pathToKey converts a file path to a storage key.
func (f *FileStorage) pathToKey(path string) (string, error) {
	rel, err := filepath.Rel(f.rootDir, path)
	if err != nil {
		return "", fmt.Errorf("file storage: failed to convert path to key: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func readFile(path string) ([]byte, uint64, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, 0, err
	}
	if len(data) < revisionSize {
		return nil, 0, storage.ErrInvalidData
	}
	return data[revisionSize:], binary.BigEndian.Uint64(data[:revisionSize]), nil
}

func writeFile(path string, value []byte, rev uint64) error {
	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerms); err != nil {
		return err
	}

	buf := make([]byte, revisionSize+len(value))
	binary.BigEndian.PutUint64(buf, rev)
	copy(buf[revisionSize:], value)

	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, buf, defaultFilePerms); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

var _ storage.Backend = (*FileStorage)(nil)
