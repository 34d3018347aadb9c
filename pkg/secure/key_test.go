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

package secure

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyDestroyWipesBuffer(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	k := NewKey(raw)
	assert.Equal(t, 4, k.Len())

	k.Destroy()
	assert.True(t, k.Destroyed())
	assert.Nil(t, k.Bytes())
	assert.Equal(t, []byte{0, 0, 0, 0}, raw)

	// idempotent
	k.Destroy()
	var nilKey *Key
	nilKey.Destroy()
	assert.True(t, nilKey.Destroyed())
}

func TestCopyKeyLeavesSource(t *testing.T) {
	src := []byte{9, 9, 9}
	k := CopyKey(src)
	k.Destroy()
	assert.Equal(t, []byte{9, 9, 9}, src)
}

func TestRandomKey(t *testing.T) {
	a, err := RandomKey(32)
	require.NoError(t, err)
	defer a.Destroy()
	b, err := RandomKey(32)
	require.NoError(t, err)
	defer b.Destroy()

	assert.Equal(t, 32, a.Len())
	assert.False(t, a.Equal(b))
}

func TestKeyEqualAndClone(t *testing.T) {
	a := CopyKey([]byte("0123456789abcdef0123456789abcdef"))
	defer a.Destroy()
	c, err := a.Clone()
	require.NoError(t, err)
	defer c.Destroy()

	assert.True(t, a.Equal(c))
	c.Bytes()[0] ^= 0xff
	assert.False(t, a.Equal(c))

	a.Destroy()
	_, err = a.Clone()
	assert.True(t, errors.Is(err, ErrDestroyed))
	assert.False(t, a.Equal(c))
}

func TestSealedRoundTrip(t *testing.T) {
	want := []byte("server-envelope-key-32-bytes-lng")
	s, err := Seal(CopyKey(want))
	require.NoError(t, err)
	assert.Equal(t, len(want), s.Size())

	k, err := s.Open()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, k.Bytes()))
	k.Destroy()

	var seen int
	err = s.Use(func(key []byte) error {
		seen = len(key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(want), seen)
}

func TestSealEmpty(t *testing.T) {
	_, err := Seal(NewKey(nil))
	assert.ErrorIs(t, err, ErrEmptyKey)

	var s *Sealed
	_, err = s.Open()
	assert.ErrorIs(t, err, ErrDestroyed)
}
