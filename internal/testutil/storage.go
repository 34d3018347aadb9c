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

// Package testutil holds fixtures shared by package tests: a conformance
// suite for storage backends, cheap KDF cost sets and static secrets.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jeremyhahn/go-credvault/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunBackendSuite exercises the storage.Backend contract against a fresh
// backend returned by newBackend for every subtest.
func RunBackendSuite(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	ctx := context.Background()

	t.Run("GetNotFound", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Get(ctx, "accounts/missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PutAndGet", func(t *testing.T) {
		b := newBackend(t)
		rev, err := b.Put(ctx, "accounts/a1", []byte("v1"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), rev)

		e, err := b.Get(ctx, "accounts/a1")
		require.NoError(t, err)
		assert.Equal(t, "accounts/a1", e.Key)
		assert.Equal(t, []byte("v1"), e.Value)
		assert.Equal(t, uint64(1), e.Revision)

		rev, err = b.Put(ctx, "accounts/a1", []byte("v2"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), rev)
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Put(ctx, "k", []byte("abc"))
		require.NoError(t, err)
		e, err := b.Get(ctx, "k")
		require.NoError(t, err)
		e.Value[0] = 'X'
		e2, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), e2.Value)
	})

	t.Run("EmptyValue", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Put(ctx, "k", []byte{})
		require.NoError(t, err)
		e, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Empty(t, e.Value)
	})

	t.Run("CreateOnly", func(t *testing.T) {
		b := newBackend(t)
		ok, err := b.UpdateIfUnchanged(ctx, "devices/a/d1", 0, []byte("first"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.UpdateIfUnchanged(ctx, "devices/a/d1", 0, []byte("second"))
		require.NoError(t, err)
		assert.False(t, ok)

		e, err := b.Get(ctx, "devices/a/d1")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), e.Value)
		assert.Equal(t, uint64(1), e.Revision)
	})

	t.Run("UpdateIfUnchanged", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Put(ctx, "accounts/a", []byte("r1"))
		require.NoError(t, err)

		ok, err := b.UpdateIfUnchanged(ctx, "accounts/a", 1, []byte("r2"))
		require.NoError(t, err)
		assert.True(t, ok)

		// stale revision loses
		ok, err = b.UpdateIfUnchanged(ctx, "accounts/a", 1, []byte("r3"))
		require.NoError(t, err)
		assert.False(t, ok)

		e, err := b.Get(ctx, "accounts/a")
		require.NoError(t, err)
		assert.Equal(t, []byte("r2"), e.Value)
		assert.Equal(t, uint64(2), e.Revision)

		// missing key with non-zero expectation
		ok, err = b.UpdateIfUnchanged(ctx, "accounts/missing", 3, []byte("x"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentUpdateOneWinner", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Put(ctx, "accounts/race", []byte("base"))
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := b.UpdateIfUnchanged(ctx, "accounts/race", 1, []byte(fmt.Sprintf("w%d", i)))
				if err == nil && ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("Delete", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Put(ctx, "blobs/a/n", []byte("x"))
		require.NoError(t, err)
		require.NoError(t, b.Delete(ctx, "blobs/a/n"))
		_, err = b.Get(ctx, "blobs/a/n")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, b.Delete(ctx, "blobs/a/n"), storage.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		b := newBackend(t)
		for _, k := range []string{"devices/a/d2", "devices/a/d1", "devices/b/d1", "accounts/a"} {
			_, err := b.Put(ctx, k, []byte("x"))
			require.NoError(t, err)
		}

		keys, err := b.List(ctx, "devices/a/")
		require.NoError(t, err)
		assert.Equal(t, []string{"devices/a/d1", "devices/a/d2"}, keys)

		all, err := b.List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		none, err := b.List(ctx, "blobs/")
		require.NoError(t, err)
		assert.Empty(t, none)

		ids, err := storage.ListIDs(ctx, b, storage.DevicePrefix("a"))
		require.NoError(t, err)
		assert.Equal(t, []string{"d1", "d2"}, ids)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		b := newBackend(t)
		for _, k := range []string{"", "../escape", "a/../../b", "/abs"} {
			_, err := b.Put(ctx, k, []byte("x"))
			assert.True(t, errors.Is(err, storage.ErrInvalidID), "put %q: %v", k, err)
			_, err = b.Get(ctx, k)
			assert.True(t, errors.Is(err, storage.ErrInvalidID), "get %q: %v", k, err)
			_, err = b.UpdateIfUnchanged(ctx, k, 0, []byte("x"))
			assert.True(t, errors.Is(err, storage.ErrInvalidID), "update %q: %v", k, err)
			err = b.Delete(ctx, k)
			assert.True(t, errors.Is(err, storage.ErrInvalidID), "delete %q: %v", k, err)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		b := newBackend(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := b.Get(cctx, "k")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Close", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Close())
		_, err := b.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrClosed)
		_, err = b.Put(ctx, "k", []byte("x"))
		assert.ErrorIs(t, err, storage.ErrClosed)
		require.NoError(t, b.Close())
	})
}
