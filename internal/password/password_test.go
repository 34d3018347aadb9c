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

package password

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/jeremyhahn/go-credvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{name: "valid passphrase", input: []byte("secure-password-123")},
		{name: "unicode passphrase", input: []byte("пароль-密码-🔒")},
		{name: "empty passphrase", input: []byte{}, wantErr: true},
		{name: "nil passphrase", input: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEmptyPassword)
				assert.ErrorIs(t, err, types.ErrInvalidPassphrase)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, p.Bytes())
		})
	}
}

func TestNew_CopiesInput(t *testing.T) {
	input := []byte("original")
	p, err := New(input)
	require.NoError(t, err)

	input[0] = 'X'
	assert.Equal(t, []byte("original"), p.Bytes())

	out := p.Bytes()
	out[0] = 'Y'
	assert.Equal(t, []byte("original"), p.Bytes())
}

func TestClear(t *testing.T) {
	p, err := FromString("secret")
	require.NoError(t, err)

	p.Clear()
	assert.Nil(t, p.Bytes())
	_, err = p.String()
	assert.ErrorIs(t, err, ErrPasswordZeroed)

	// idempotent
	p.Clear()
}

func TestEqual(t *testing.T) {
	a, _ := FromString("same")
	b, _ := FromString("same")
	c, _ := FromString("different")

	ok, err := Equal(a, b)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Equal(a, c)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Clear()
	_, err = Equal(a, c)
	assert.ErrorIs(t, err, ErrPasswordZeroed)
}

func pipeInput(t *testing.T, content string) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stdin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestPrompter_Read(t *testing.T) {
	var out bytes.Buffer
	p := &Prompter{In: pipeInput(t, "hunter2\r\nsecond\n"), Out: &out}

	first, err := p.Read("Passphrase: ")
	require.NoError(t, err)
	s, _ := first.String()
	assert.Equal(t, "hunter2", s)
	assert.Equal(t, "Passphrase: ", out.String())

	second, err := p.Read("Again: ")
	require.NoError(t, err)
	s, _ = second.String()
	assert.Equal(t, "second", s)

	_, err = p.Read("Eof: ")
	assert.Error(t, err)
}

func TestPrompter_ReadConfirmed(t *testing.T) {
	p := &Prompter{In: pipeInput(t, "abc\nabc\n"), Out: &bytes.Buffer{}}
	pass, err := p.ReadConfirmed("New: ", "Confirm: ")
	require.NoError(t, err)
	s, _ := pass.String()
	assert.Equal(t, "abc", s)

	p = &Prompter{In: pipeInput(t, "abc\nabd\n"), Out: &bytes.Buffer{}}
	_, err = p.ReadConfirmed("New: ", "Confirm: ")
	assert.ErrorIs(t, err, ErrMismatch)

	p = &Prompter{In: pipeInput(t, "\n"), Out: &bytes.Buffer{}}
	_, err = p.Read("Empty: ")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}
