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

package keystore

import (
	"context"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-credvault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-credvault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-credvault/pkg/envelope"
	"github.com/jeremyhahn/go-credvault/pkg/metrics"
	"github.com/jeremyhahn/go-credvault/pkg/secure"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// HybridDEK is the persisted half of a SchemeV2 key: the DEK under the SMK
// and under a passphrase-derived KEK.
type HybridDEK struct {
	DEKEncryptedBySMK []byte
	DEKEncryptedByKEK []byte
	KEKSalt           []byte
	KEKIV             []byte
	KDFParams         types.KDFParams
}

// Apply writes h into the v2 fields of rec
func (h *HybridDEK) Apply(rec *types.AccountKeyRecord) {
	rec.DEKEncryptedBySMK = h.DEKEncryptedBySMK
	rec.DEKEncryptedByKEK = h.DEKEncryptedByKEK
	rec.KEKSalt = h.KEKSalt
	rec.KEKIV = h.KEKIV
	rec.KDFParams = h.KDFParams
	rec.KDFAlgorithm = h.KDFParams.Algorithm
	rec.KDFIterations = h.KDFParams.Iterations
}

// GenerateHybridDEK asks the KMS for a fresh DEK and wraps it under a KEK
// derived from passphrase. The plaintext DEK is returned for the caller to
// use and destroy; nothing is persisted.
func (s *Store) GenerateHybridDEK(ctx context.Context, accountID string, passphrase types.Password) (*HybridDEK, *secure.Key, error) {
	if s.kms == nil {
		return nil, nil, fmt.Errorf("keystore: no KMS provider: %w", types.ErrNotConfigured)
	}
	dk, err := s.kms.GenerateDataKey(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: failed to generate data key: %w", err)
	}

	h, err := s.wrapHybrid(ctx, accountID, dk.Plaintext, passphrase)
	if err != nil {
		dk.Plaintext.Destroy()
		return nil, nil, err
	}
	h.DEKEncryptedBySMK = dk.Ciphertext
	return h, dk.Plaintext, nil
}

// SetupHybrid creates an account directly at SchemeV2
func (s *Store) SetupHybrid(ctx context.Context, accountID string, passphrase types.Password) error {
	return s.guard.Do(ctx, accountAttempt(accountID, audit.OperationSetup), func(ctx context.Context) error {
		return s.setupHybrid(ctx, accountID, passphrase)
	})
}

func (s *Store) setupHybrid(ctx context.Context, accountID string, passphrase types.Password) (err error) {
	defer observe(metrics.OpSetup, time.Now(), &err)

	h, dek, err := s.GenerateHybridDEK(ctx, accountID, passphrase)
	if err != nil {
		return err
	}
	dek.Destroy()

	now := s.Now()
	rec := &types.AccountKeyRecord{
		AccountID: accountID,
		Version:   types.SchemeV2,
		CreatedAt: now,
		UpdatedAt: now,
	}
	h.Apply(rec)
	if err := s.repo.CreateAccount(ctx, rec); err != nil {
		return fmt.Errorf("keystore: setup %s: %w", accountID, err)
	}
	s.logger.InfoContext(ctx, "account encryption set up",
		logger.String("account_id", accountID),
		logger.String("version", rec.Version.String()),
		logger.String("kms", s.kms.Name()))
	return nil
}

// RecoverHybridDEK recovers the DEK of a SchemeV2 account. The passphrase
// side is unwrapped first and fails closed; the KMS copy must then decrypt
// and match in constant time or the call fails with
// types.ErrIntegrityViolation. There is no fallback to either half alone.
func (s *Store) RecoverHybridDEK(ctx context.Context, accountID string, passphrase types.Password) (dek *secure.Key, err error) {
	defer observe(metrics.OpRecover, time.Now(), &err)

	rec, _, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec.Version != types.SchemeV2 {
		return nil, fmt.Errorf("keystore: recover hybrid %s at %s: %w", accountID, rec.Version, types.ErrUnsupportedVersion)
	}
	return s.recoverHybrid(ctx, rec, passphrase)
}

// ReencryptHybrid redoes only the passphrase side of a SchemeV2 account. The
// DEK and its KMS wrap are unchanged.
func (s *Store) ReencryptHybrid(ctx context.Context, accountID string, oldPassphrase, newPassphrase types.Password) error {
	return s.guard.Do(ctx, accountAttempt(accountID, audit.OperationRekey), func(ctx context.Context) (err error) {
		defer observe(metrics.OpRotate, time.Now(), &err)
		return s.reencryptHybridByID(ctx, accountID, oldPassphrase, newPassphrase)
	})
}

func (s *Store) reencryptHybridByID(ctx context.Context, accountID string, oldPassphrase, newPassphrase types.Password) error {
	rec, rev, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if rec.Version != types.SchemeV2 {
		return fmt.Errorf("keystore: reencrypt %s at %s: %w", accountID, rec.Version, types.ErrUnsupportedVersion)
	}
	return s.reencryptHybrid(ctx, rec, rev, oldPassphrase, newPassphrase)
}

// VerifyHybrid checks dek against the KMS-held copy on rec
func (s *Store) VerifyHybrid(ctx context.Context, rec *types.AccountKeyRecord, dek *secure.Key) error {
	if s.kms == nil {
		return fmt.Errorf("keystore: no KMS provider: %w", types.ErrNotConfigured)
	}
	raw, err := s.kms.Decrypt(ctx, rec.DEKEncryptedBySMK)
	if err != nil {
		if isContextError(err) {
			return err
		}
		s.logger.ErrorContext(ctx, "hybrid key KMS copy failed to decrypt",
			logger.String("account_id", rec.AccountID),
			logger.String("kms", s.kms.Name()),
			logger.Error(err))
		return fmt.Errorf("keystore: account %s: %w: kms copy unreadable: %v",
			rec.AccountID, types.ErrIntegrityViolation, err)
	}
	smkCopy := secure.NewKey(raw)
	defer smkCopy.Destroy()

	if !dek.Equal(smkCopy) {
		s.logger.ErrorContext(ctx, "hybrid key halves disagree",
			logger.String("account_id", rec.AccountID))
		return fmt.Errorf("keystore: account %s: %w: key halves disagree", rec.AccountID, types.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) recoverHybrid(ctx context.Context, rec *types.AccountKeyRecord, passphrase types.Password) (*secure.Key, error) {
	kek, err := s.DeriveKEK(ctx, passphrase, rec.KEKSalt, CostOf(rec))
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	dek, err := envelope.UnwrapKey(kek, rec.DEKEncryptedByKEK, rec.KEKIV, AccountAAD(rec.AccountID))
	if err != nil {
		return nil, fmt.Errorf("keystore: account %s: %w", rec.AccountID, err)
	}
	if err := s.VerifyHybrid(ctx, rec, dek); err != nil {
		dek.Destroy()
		return nil, err
	}
	return dek, nil
}

func (s *Store) reencryptHybrid(ctx context.Context, rec *types.AccountKeyRecord, rev uint64, oldPassphrase, newPassphrase types.Password) error {
	dek, err := s.recoverHybrid(ctx, rec, oldPassphrase)
	if err != nil {
		return err
	}
	defer dek.Destroy()

	h, err := s.wrapHybrid(ctx, rec.AccountID, dek, newPassphrase)
	if err != nil {
		return err
	}
	h.DEKEncryptedBySMK = rec.DEKEncryptedBySMK

	next := rec.Clone()
	h.Apply(next)
	next.KeyEpoch++
	next.UpdatedAt = s.Now()
	if err := s.repo.UpdateAccount(ctx, next, rev); err != nil {
		return fmt.Errorf("keystore: reencrypt %s: %w", rec.AccountID, err)
	}

	s.logger.InfoContext(ctx, "hybrid passphrase wrap reencrypted",
		logger.String("account_id", rec.AccountID),
		logger.Uint64("key_epoch", next.KeyEpoch))
	s.NotifyRekey(ctx, &RekeyEvent{
		AccountID:  rec.AccountID,
		Version:    next.Version,
		Epoch:      next.KeyEpoch,
		Key:        dek,
		Passphrase: newPassphrase,
	})
	return nil
}

func (s *Store) wrapHybrid(ctx context.Context, accountID string, dek *secure.Key, passphrase types.Password) (*HybridDEK, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	kek, err := s.DeriveKEK(ctx, passphrase, salt, s.cost)
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	ct, iv, err := envelope.WrapKey(kek, dek, AccountAAD(accountID))
	if err != nil {
		return nil, err
	}
	return &HybridDEK{
		DEKEncryptedByKEK: ct,
		KEKSalt:           salt,
		KEKIV:             iv,
		KDFParams:         s.cost,
	}, nil
}
