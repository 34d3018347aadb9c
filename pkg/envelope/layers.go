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

package envelope

import (
	"fmt"

	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// Layers is the persisted form of a possibly double-wrapped secret.
//
// Without a server layer, Wrapped holds userWrap(secret). With one, Wrapped is
// empty and ServerWrapped holds serverWrap(userWrap(secret)). IV always
// belongs to the user layer.
type Layers struct {
	Wrapped       []byte
	IV            []byte
	ServerWrapped []byte
	ServerIV      []byte
}

// Seal wraps secret under kek and, when server is non-nil, wraps the result
// again under the server key.
func Seal(server *Server, kek, secret *secure.Key, aad []byte) (*Layers, error) {
	ct, iv, err := WrapKey(kek, secret, aad)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return &Layers{Wrapped: ct, IV: iv}, nil
	}
	sct, siv, err := server.Wrap(ct, aad)
	if err != nil {
		return nil, err
	}
	return &Layers{IV: iv, ServerWrapped: sct, ServerIV: siv}, nil
}

// IsDoubleWrapped reports whether a server layer is present
func (l *Layers) IsDoubleWrapped() bool {
	return len(l.ServerWrapped) > 0
}

// Peel removes the server layer if present and returns the user-layer
// ciphertext. A double-wrapped record with no server envelope configured is
// types.ErrNotConfigured.
func (l *Layers) Peel(server *Server, aad []byte) ([]byte, error) {
	if !l.IsDoubleWrapped() {
		return l.Wrapped, nil
	}
	if server == nil {
		return nil, fmt.Errorf("envelope: record is double-wrapped but no server envelope is configured: %w",
			types.ErrNotConfigured)
	}
	return server.Unwrap(l.ServerWrapped, l.ServerIV, aad)
}

// Open peels the server layer, then unwraps the user layer with kek.
func (l *Layers) Open(server *Server, kek *secure.Key, aad []byte) (*secure.Key, error) {
	inner, err := l.Peel(server, aad)
	if err != nil {
		return nil, err
	}
	return UnwrapKey(kek, inner, l.IV, aad)
}
