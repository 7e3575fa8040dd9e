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

import (
	"bytes"
	"encoding/json"
	"testing"

	traceerrors "github.com/tombee/agenttrace/pkg/errors"
)

func TestEmitJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := EmitJSON(&buf, map[string]any{"kind": "COMPLETE"}); err != nil {
		t.Fatalf("EmitJSON() error = %v", err)
	}
	if buf.String() != "{\n  \"kind\": \"COMPLETE\"\n}\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestEmitJSONError(t *testing.T) {
	var buf bytes.Buffer
	err := &traceerrors.ConfigError{Key: "flush_interval", Reason: "must be positive"}
	if e := EmitJSONError(&buf, "traces", err); e != nil {
		t.Fatalf("EmitJSONError() error = %v", e)
	}

	var resp struct {
		Version string      `json:"@version"`
		Command string      `json:"command"`
		Success bool        `json:"success"`
		Errors  []JSONError `json:"errors"`
	}
	if e := json.Unmarshal(buf.Bytes(), &resp); e != nil {
		t.Fatalf("invalid JSON: %v", e)
	}

	if resp.Version != "1.0" || resp.Command != "traces" || resp.Success {
		t.Errorf("unexpected envelope %+v", resp)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(resp.Errors))
	}
	if resp.Errors[0].Code != ErrorCodeConfig {
		t.Errorf("code = %q, want %q", resp.Errors[0].Code, ErrorCodeConfig)
	}
	if resp.Errors[0].Suggestion == "" {
		t.Error("expected a suggestion")
	}
}

func TestErrorCode(t *testing.T) {
	if got := ErrorCode(NewStorageError("x", nil)); got != ErrorCodeStorage {
		t.Errorf("ErrorCode() = %q, want %q", got, ErrorCodeStorage)
	}
	if got := ErrorCode(bytes.ErrTooLarge); got != ErrorCodeInternal {
		t.Errorf("ErrorCode() = %q, want %q", got, ErrorCodeInternal)
	}
}
