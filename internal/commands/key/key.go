// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package key implements the "agenttrace key" commands for payload
// encryption keys.
package key

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/agenttrace/internal/cli/prompt"
	"github.com/tombee/agenttrace/internal/commands/shared"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

// NewCommand creates the key command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the payload encryption key",
		Long: `Payloads are encrypted with AES-256-GCM when storage.encrypt is set.
The key is read from ` + storage.KeyEnvVar + `, then from the system keyring.`,
	}
	cmd.AddCommand(newGenerateCommand(), newDeriveCommand(), newStatusCommand())
	return cmd
}

func newGenerateCommand() *cobra.Command {
	var useKeyring bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new random encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := storage.GenerateEncryptionKey()
			if err != nil {
				return err
			}

			return emitKey(cmd, k, useKeyring)
		},
	}

	cmd.Flags().BoolVar(&useKeyring, "keyring", false, "Store the key in the system keyring instead of printing it")
	return cmd
}

// newPrompter is replaced in tests.
var newPrompter = func() prompt.Prompter {
	return prompt.NewSurveyPrompter(!shared.IsNonInteractive())
}

func newDeriveCommand() *cobra.Command {
	var useKeyring bool

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive an encryption key from a passphrase",
		Long: `Prompt for a passphrase and stretch it into an AES-256 key with
Argon2id. The same passphrase always yields the same key, so it can be
re-derived on another machine to read the same database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := prompt.NewPassphrase(cmd.Context(), newPrompter())
			if errors.Is(err, prompt.ErrNonInteractive) {
				return shared.NewConfigError("a passphrase can only be entered interactively; set "+storage.KeyEnvVar+" instead", nil)
			}
			if err != nil {
				return err
			}
			return emitKey(cmd, storage.KeyFromPassphrase(pass), useKeyring)
		},
	}

	cmd.Flags().BoolVar(&useKeyring, "keyring", false, "Store the key in the system keyring instead of printing it")
	return cmd
}

func emitKey(cmd *cobra.Command, k *storage.EncryptionKey, useKeyring bool) error {
	if useKeyring {
		if err := k.SaveToKeyring(); err != nil {
			return err
		}
		if shared.GetJSON() {
			return shared.EmitJSON(cmd.OutOrStdout(), map[string]any{"keyring": true})
		}
		fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Saved the key to the system keyring"))
		fmt.Fprintln(cmd.OutOrStdout(), shared.RenderWarn("Payloads written with a previous key can no longer be read"))
		return nil
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), map[string]any{"key": k.String(), "keyring": false})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "export %s=%s\n", storage.KeyEnvVar, k.String())
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether an encryption key is available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := storage.LoadEncryptionKey()
			if err != nil {
				return shared.NewConfigError("invalid encryption key", err)
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), map[string]any{"available": k != nil})
			}
			if k == nil {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderWarn("No encryption key found"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Encryption key available"))
			return nil
		},
	}
}
