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

package storage_test

import (
	"testing"

	"github.com/jeremyhahn/go-credvault/internal/testutil"
	"github.com/jeremyhahn/go-credvault/pkg/storage"
)

func TestMemoryBackend(t *testing.T) {
	testutil.RunBackendSuite(t, func(t *testing.T) storage.Backend {
		return storage.NewMemory()
	})
}
