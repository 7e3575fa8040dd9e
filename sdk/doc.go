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

// Package sdk assembles a ready-to-use tracing stack from configuration.
//
// The SDK loads the agenttrace configuration file and environment, opens
// the SQLite trace database, and wires the trace manager with logging,
// redaction, metrics, the console progress display and retention pruning.
//
// Example:
//
//	s, err := sdk.New(sdk.WithDBPath("traces.db"))
//	if err != nil {
//		return err
//	}
//	defer s.Close(context.Background())
//
//	ask := s.Wrap(tracing.Signature{Name: "ask", Params: []string{"question"}}, askFn)
//	res, err := ask(ctx, tracing.Call{Args: []any{"What is the capital of France?"}})
//
// Evaluations run through NewEval or RunSuites and share the same manager,
// so their task calls are traced into the same database.
package sdk
