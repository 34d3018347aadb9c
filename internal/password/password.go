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

// Package password holds user passphrases in wipeable buffers and reads them
// from a terminal without echo.
package password

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
	"golang.org/x/term"
)

var (
	// ErrEmptyPassword is returned when an empty passphrase is provided.
	ErrEmptyPassword = fmt.Errorf("password: empty: %w", types.ErrInvalidPassphrase)

	// ErrPasswordZeroed is returned when the passphrase has been cleared.
	ErrPasswordZeroed = errors.New("password: cleared")

	// ErrMismatch is returned when a confirmation prompt does not match.
	ErrMismatch = errors.New("password: confirmation does not match")
)

// ClearPassword is a passphrase held in a plain byte slice that is wiped on Clear
type ClearPassword struct {
	password []byte
}

// New copies password into a new ClearPassword
func New(password []byte) (types.Password, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	p := make([]byte, len(password))
	copy(p, password)
	return &ClearPassword{password: p}, nil
}

// FromString creates a ClearPassword from a string
func FromString(password string) (types.Password, error) {
	return New([]byte(password))
}

// String returns the passphrase as a string
func (p *ClearPassword) String() (string, error) {
	if p.password == nil {
		return "", ErrPasswordZeroed
	}
	return string(p.password), nil
}

// Bytes returns a copy of the passphrase, or nil once cleared
func (p *ClearPassword) Bytes() []byte {
	if p.password == nil {
		return nil
	}
	result := make([]byte, len(p.password))
	copy(result, p.password)
	return result
}

// Clear wipes the passphrase
func (p *ClearPassword) Clear() {
	if p.password != nil {
		secure.Wipe(p.password)
		p.password = nil
	}
}

// Equal compares two passphrases in constant time
func Equal(a, b types.Password) (bool, error) {
	aBytes := a.Bytes()
	if aBytes == nil {
		return false, ErrPasswordZeroed
	}
	defer secure.Wipe(aBytes)

	bBytes := b.Bytes()
	if bBytes == nil {
		return false, ErrPasswordZeroed
	}
	defer secure.Wipe(bBytes)

	return subtle.ConstantTimeCompare(aBytes, bBytes) == 1, nil
}

// Prompter reads passphrases interactively. When In is a terminal, input is
// read without echo; otherwise one line is read per prompt.
type Prompter struct {
	In  *os.File
	Out io.Writer

	reader *bufio.Reader
}

// NewPrompter returns a Prompter over stdin and stderr
func NewPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stderr}
}

// Read prompts once and returns the passphrase
func (p *Prompter) Read(prompt string) (types.Password, error) {
	fmt.Fprint(p.Out, prompt)
	var (
		raw []byte
		err error
	)
	if term.IsTerminal(int(p.In.Fd())) {
		raw, err = term.ReadPassword(int(p.In.Fd()))
		fmt.Fprintln(p.Out)
	} else {
		raw, err = p.readLine()
	}
	if err != nil {
		return nil, fmt.Errorf("password: failed to read: %w", err)
	}
	defer secure.Wipe(raw)
	return New(raw)
}

// ReadConfirmed prompts twice and fails with ErrMismatch if the entries differ
func (p *Prompter) ReadConfirmed(prompt, confirm string) (types.Password, error) {
	first, err := p.Read(prompt)
	if err != nil {
		return nil, err
	}
	second, err := p.Read(confirm)
	if err != nil {
		first.Clear()
		return nil, err
	}
	defer second.Clear()
	ok, err := Equal(first, second)
	if err != nil || !ok {
		first.Clear()
		if err == nil {
			err = ErrMismatch
		}
		return nil, err
	}
	return first, nil
}

func (p *Prompter) readLine() ([]byte, error) {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

var _ types.Password = (*ClearPassword)(nil)
