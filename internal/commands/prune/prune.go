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

// Package prune implements the "agenttrace prune" command.
package prune

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/agenttrace/internal/commands/shared"
	"github.com/tombee/agenttrace/pkg/tracing"
)

// NewCommand creates the prune command
func NewCommand() *cobra.Command {
	var olderThan string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old traces and evaluation records",
		Long: `Delete trace records, evaluation events and evaluation summaries older
than the given age. Without --older-than the retention.max_age setting is
used.`,
		Example: `  agenttrace prune --older-than 7d
  agenttrace prune --older-than 36h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}

			maxAge := cfg.Retention.MaxAge
			if olderThan != "" {
				maxAge, err = ParseAge(olderThan)
				if err != nil {
					return shared.NewConfigError(fmt.Sprintf("invalid --older-than %q", olderThan), err)
				}
			}
			if maxAge <= 0 {
				return shared.NewConfigError("--older-than is required when retention.max_age is not set", nil)
			}

			store, err := shared.OpenStore(cfg, true)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := shared.NewLogger(cfg, cmd.ErrOrStderr())
			deleted, err := tracing.NewRetentionManager(store, maxAge, 0, logger).CleanupNow(cmd.Context())
			if err != nil {
				return shared.NewStorageError("failed to prune", err)
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), map[string]any{
					"deleted":    deleted,
					"older_than": maxAge.String(),
				})
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("Deleted %d records older than %s", deleted, olderThanLabel(olderThan, maxAge))))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "", "Age cutoff, e.g. 7d, 36h or 90m")
	return cmd
}

// ParseAge parses a Go duration, also accepting a whole number of days
// such as "7d".
func ParseAge(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		if n <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func olderThanLabel(flag string, d time.Duration) string {
	if flag != "" {
		return flag
	}
	return d.String()
}
