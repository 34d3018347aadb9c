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

package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceProfile(t *testing.T) {
	tests := []struct {
		in       string
		class    DeviceClass
		platform Platform
		wantErr  bool
	}{
		{"tv", DeviceClassTV, PlatformNone, false},
		{"web", DeviceClassWeb, PlatformNone, false},
		{"Android", DeviceClassMobile, PlatformAndroid, false},
		{"ios", DeviceClassMobile, PlatformIOS, false},
		{"mobile/ios", DeviceClassMobile, PlatformIOS, false},
		{"mobile", DeviceClassMobile, PlatformNone, false},
		{"toaster", "", PlatformNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParseDeviceProfile(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDeviceClass)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.class, p.Class)
			assert.Equal(t, tt.platform, p.Platform)
		})
	}
}

func TestDeviceProfileString(t *testing.T) {
	assert.Equal(t, "tv", DeviceProfile{Class: DeviceClassTV}.String())
	assert.Equal(t, "mobile/android", DeviceProfile{Class: DeviceClassMobile, Platform: PlatformAndroid}.String())
}

func TestErrorTaxonomy(t *testing.T) {
	assert.ErrorIs(t, ErrAccountNotFound, ErrNotFound)
	assert.ErrorIs(t, ErrDeviceNotFound, ErrNotFound)
	assert.False(t, errors.Is(ErrAccountNotFound, ErrDeviceNotFound))

	var err error = fmt.Errorf("register: %w", &DeviceLimitError{DeviceCount: 3, MaxDevices: 3})
	assert.ErrorIs(t, err, ErrDeviceLimitExceeded)
	var limitErr *DeviceLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.DeviceCount)
	assert.Equal(t, 3, limitErr.MaxDevices)

	until := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	err = fmt.Errorf("decrypt: %w", &AccountLockedError{Until: until})
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Contains(t, err.Error(), "2030-01-01T00:00:00Z")
}

func TestAccountKeyRecordClone(t *testing.T) {
	now := time.Now()
	r := &AccountKeyRecord{
		AccountID:        "acct",
		Version:          SchemeV1,
		MasterKeyWrapped: []byte{1, 2, 3},
		Salt:             []byte{4, 5},
		LockedUntil:      &now,
	}
	c := r.Clone()
	c.MasterKeyWrapped[0] = 9
	*c.LockedUntil = now.Add(time.Hour)

	assert.Equal(t, byte(1), r.MasterKeyWrapped[0])
	assert.True(t, r.LockedUntil.Equal(now))
	assert.True(t, r.IsLocked(now.Add(-time.Second)))
	assert.False(t, r.IsLocked(now.Add(time.Second)))
}

func TestSchemeVersion(t *testing.T) {
	assert.True(t, SchemeV1.IsValid())
	assert.True(t, SchemeV2.IsValid())
	assert.False(t, SchemeVersion(3).IsValid())
	assert.Equal(t, "v2", SchemeV2.String())
}
