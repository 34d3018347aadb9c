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

package cli

import (
	"github.com/jeremyhahn/go-credvault/internal/config"
)

// loadConfig reads the config file named by --config or CREDVAULT_CONFIG and
// applies the storage and logging flags on top.
func (s *session) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(s.viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if backend := s.viper.GetString("storage"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dir := s.viper.GetString("data-dir"); dir != "" {
		cfg.Storage.Path = dir
	}
	if level := s.viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
