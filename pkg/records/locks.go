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

package records

import "sync"

// AccountLocks serializes read-modify-write cycles on one account's records
// within this process. Cross-process races are still caught by revision checks.
// The zero value is ready to use.
type AccountLocks struct {
	mu sync.Mutex
	m  map[string]*accountLock
}

type accountLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until the account's lock is held and returns its release func
func (l *AccountLocks) Lock(accountID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*accountLock)
	}
	al, ok := l.m[accountID]
	if !ok {
		al = &accountLock{}
		l.m[accountID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.Lock()
	return func() {
		al.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.m, accountID)
		}
		l.mu.Unlock()
	}
}
