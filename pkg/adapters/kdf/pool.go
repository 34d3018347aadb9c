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

package kdf

import (
	"context"
	"runtime"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
	"golang.org/x/sync/semaphore"
)

// Deriver derives passphrase keys. It is satisfied by *Pool.
type Deriver interface {
	Derive(ctx context.Context, passphrase, salt []byte, cost types.KDFParams) (*secure.Key, error)
}

// PoolConfig configures the derivation pool
type PoolConfig struct {
	// Size is the maximum number of concurrent derivations.
	// Defaults to runtime.NumCPU().
	Size int

	Logger logger.Logger
}

// Pool bounds the number of concurrent CPU-bound derivations so that KDF work
// cannot starve I/O-serving goroutines. Waiting for a slot and waiting for the
// result both honour ctx.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	logger logger.Logger
}

type deriveResult struct {
	key *secure.Key
	err error
}

// NewPool creates a new derivation pool
func NewPool(config *PoolConfig) *Pool {
	if config == nil {
		config = &PoolConfig{}
	}
	size := config.Size
	if size <= 0 {
		size = runtime.NumCPU()
	}
	log := config.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: log,
	}
}

// Size returns the pool's concurrency limit
func (p *Pool) Size() int {
	return p.size
}

// Derive runs Derive on a pool slot. If ctx ends first the caller is released
// immediately with ctx.Err(); the abandoned derivation keeps its slot until it
// finishes and its output is destroyed.
func (p *Pool) Derive(ctx context.Context, passphrase, salt []byte, cost types.KDFParams) (*secure.Key, error) {
	if err := ValidateCost(cost); err != nil {
		return nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	// The worker may outlive this call; it gets its own copies.
	pass := make([]byte, len(passphrase))
	copy(pass, passphrase)
	s := make([]byte, len(salt))
	copy(s, salt)

	done := make(chan deriveResult, 1)
	go func() {
		defer p.sem.Release(1)
		metrics.IncKDFInFlight()
		defer metrics.DecKDFInFlight()

		key, err := Derive(pass, s, cost)
		secure.Wipe(pass)
		done <- deriveResult{key: key, err: err}
	}()

	select {
	case r := <-done:
		return r.key, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			r.key.Destroy()
		}()
		p.logger.WarnContext(ctx, "key derivation abandoned",
			logger.String("algorithm", cost.Algorithm),
			logger.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}

var _ Deriver = (*Pool)(nil)
