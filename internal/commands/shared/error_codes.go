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

package shared

// Error codes for structured JSON output
const (
	ErrorCodeConfig     = "E201" // Invalid configuration or flag
	ErrorCodeStorage    = "E301" // Trace database failure
	ErrorCodeEvalFailed = "E401" // Evaluation task failed
	ErrorCodeNotFound   = "E404" // Trace or evaluation not found
	ErrorCodeAborted    = "E499" // Cancelled by the user
	ErrorCodeInternal   = "E500" // Anything else
)

// ErrorCode maps err to its JSON error code via its exit code.
func ErrorCode(err error) string {
	switch ExitCode(err) {
	case ExitConfig:
		return ErrorCodeConfig
	case ExitStorage:
		return ErrorCodeStorage
	case ExitEvalFailed:
		return ErrorCodeEvalFailed
	case ExitNotFound:
		return ErrorCodeNotFound
	case ExitAborted:
		return ErrorCodeAborted
	default:
		return ErrorCodeInternal
	}
}
