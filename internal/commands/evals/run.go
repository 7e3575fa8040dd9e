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

package evals

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/tombee/agenttrace/internal/commands/shared"
	"github.com/tombee/agenttrace/pkg/eval"
	"github.com/tombee/agenttrace/sdk"
)

type runOptions struct {
	rate  float64
	burst int
}

// runReport is the JSON form of one finished run.
type runReport struct {
	EvalID string `json:"eval_id"`
	*eval.Output
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <suite-glob>...",
		Short: "Run evaluation suites",
		Long: `Run every YAML or JSON suite matching the given patterns. Patterns
support ** for recursive matching. Each case is piped to the suite's task
command, traced into the trace database and scored.`,
		Example: `  agenttrace evals run evals/capitals.yaml
  agenttrace evals run 'evals/**/*.yaml' --rate 2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuites(cmd, args, opts)
		},
	}

	cmd.Flags().Float64Var(&opts.rate, "rate", 0, "Maximum task calls per second (0 means unlimited)")
	cmd.Flags().IntVar(&opts.burst, "burst", 1, "Task calls allowed at once when --rate is set")
	return cmd
}

func (o *runOptions) limiter() (*rate.Limiter, error) {
	if o.rate < 0 {
		return nil, shared.NewConfigError("--rate must not be negative", nil)
	}
	if o.rate == 0 {
		return nil, nil
	}
	if o.burst < 1 {
		return nil, shared.NewConfigError("--burst must be at least 1", nil)
	}
	return rate.NewLimiter(rate.Limit(o.rate), o.burst), nil
}

func newSDK(cmd *cobra.Command) (*sdk.SDK, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}

	opts := []sdk.Option{
		sdk.WithLogger(shared.NewLogger(cfg, cmd.ErrOrStderr())),
		sdk.WithDBPath(cfg.DBPath),
	}
	if path := shared.GetConfigPath(); path != "" {
		opts = append(opts, sdk.WithConfigFile(path))
	}
	if shared.GetQuiet() || shared.GetJSON() {
		opts = append(opts, sdk.WithConsole(false))
	}
	return sdk.New(opts...)
}

func runSuites(cmd *cobra.Command, patterns []string, opts *runOptions) error {
	limiter, err := opts.limiter()
	if err != nil {
		return err
	}

	s, err := newSDK(cmd)
	if err != nil {
		return err
	}
	stop := s.CloseOnSignal(cmd.Context())
	defer stop()
	defer s.Close(context.Background())

	var evalOpts []eval.Option
	if limiter != nil {
		evalOpts = append(evalOpts, eval.WithLimiter(limiter))
	}

	outputs, runErr := s.RunSuites(cmd.Context(), patterns, evalOpts...)

	// Flush before reporting so the printed ids are queryable.
	if err := s.Close(cmd.Context()); err != nil && runErr == nil {
		return shared.NewStorageError("failed to save traces", err)
	}

	if shared.GetJSON() {
		reports := make([]runReport, 0, len(outputs))
		for _, out := range outputs {
			reports = append(reports, runReport{EvalID: out.EvalID, Output: out})
		}
		if err := shared.EmitJSON(cmd.OutOrStdout(), reports); err != nil {
			return err
		}
	} else if !shared.GetQuiet() {
		for _, out := range outputs {
			writeSummary(cmd.OutOrStdout(), out)
		}
	}

	if runErr != nil {
		if shared.ExitCode(runErr) == shared.ExitFailure {
			return shared.NewEvalError(fmt.Sprintf("evaluation stopped after %d completed suites", len(outputs)), runErr)
		}
		return runErr
	}
	return nil
}
