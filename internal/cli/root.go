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
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-credvault/internal/app"
	"github.com/jeremyhahn/go-credvault/internal/password"
	"github.com/jeremyhahn/go-credvault/pkg/correlation"
	"github.com/jeremyhahn/go-credvault/pkg/types"
)

// PassphraseReader reads secrets from the user
type PassphraseReader interface {
	Read(prompt string) (types.Password, error)
	ReadConfirmed(prompt, confirm string) (types.Password, error)
}

// Options customizes a command tree. Zero values fall back to the process
// stdout, stderr and an interactive prompter.
type Options struct {
	Stdout   io.Writer
	Stderr   io.Writer
	Prompter PassphraseReader
}

// session is the state shared by every command of one invocation
type session struct {
	viper    *viper.Viper
	stdout   io.Writer
	stderr   io.Writer
	prompter PassphraseReader
}

// NewRootCommand builds the credvault command tree
func NewRootCommand(opts *Options) *cobra.Command {
	if opts == nil {
		opts = &Options{}
	}
	s := &session{
		viper:    viper.New(),
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
		prompter: opts.Prompter,
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.stderr == nil {
		s.stderr = os.Stderr
	}
	if s.prompter == nil {
		s.prompter = password.NewPrompter()
	}

	rootCmd := &cobra.Command{
		Use:   "credvault",
		Short: "go-credvault CLI - Per-account credential encryption",
		Long: `go-credvault CLI manages passphrase-protected account keys, device
key wraps and the IPTV provider credentials sealed under them.

Key schemes:
  - v1: Master Key wrapped under a passphrase-derived KEK
  - v2: KMS-minted DEK wrapped under both the server master key and a
        passphrase-derived KEK`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(s.stdout)
	rootCmd.SetErr(s.stderr)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (YAML)")
	flags.String("storage", "", "storage backend (memory, file, sqlite)")
	flags.String("data-dir", "", "storage path: a directory for file, a database file for sqlite")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.StringP("output", "o", string(OutputFormatText), "output format (text, json)")

	s.viper.SetEnvPrefix("CREDVAULT")
	s.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	s.viper.AutomaticEnv()
	_ = s.viper.BindPFlags(flags)

	rootCmd.AddCommand(
		newVersionCmd(s),
		newAccountCmd(s),
		newDeviceCmd(s),
		newCredentialsCmd(s),
		newAuditCmd(s),
	)
	return rootCmd
}

// Execute runs the root command and reports any error on stderr
func Execute() error {
	rootCmd := NewRootCommand(nil)
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		format, _ := rootCmd.PersistentFlags().GetString("output")
		_ = NewPrinter(format, os.Stderr).PrintError(err)
	}
	return err
}

// printer returns a Printer over stdout in the selected output format
func (s *session) printer() *Printer {
	return NewPrinter(s.viper.GetString("output"), s.stdout)
}

// withApp builds the application for one command and closes it afterwards.
// Every log line and audit entry of the command shares one correlation ID.
func (s *session) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}
	ctx, _ := correlation.Ensure(cmd.Context())
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			fmt.Fprintf(s.stderr, "warning: %v\n", cerr)
		}
	}()
	return fn(ctx, a)
}

// passphrase prompts for the account passphrase
func (s *session) passphrase(accountID string) (types.Password, error) {
	return s.prompter.Read(fmt.Sprintf("Passphrase for %s: ", accountID))
}

// newPassphrase prompts twice for a passphrase being set
func (s *session) newPassphrase(prompt string) (types.Password, error) {
	return s.prompter.ReadConfirmed(prompt+": ", "Confirm "+strings.ToLower(prompt)+": ")
}
