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

package prune

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agenttrace/internal/commands/shared"
	"github.com/tombee/agenttrace/pkg/observability"
	"github.com/tombee/agenttrace/pkg/tracing/storage"
)

func TestParseAge(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"36h", 36 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"0d", 0, true},
		{"-1h", 0, true},
		{"week", 0, true},
		{"1.5d", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAge(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("NO_COLOR", "1")
	shared.ResetFlagsForTest()
	t.Cleanup(shared.ResetFlagsForTest)

	path := filepath.Join(dir, "traces.db")
	store, err := storage.New(storage.Config{Path: path})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, store.UpsertTraces(context.Background(), []*observability.TraceRecord{
		{ID: "old", SessionID: "s", Timestamp: now.Add(-10 * 24 * time.Hour), Kind: observability.TraceKindComplete, FunctionName: "f"},
		{ID: "new", SessionID: "s", Timestamp: now.Add(-time.Hour), Kind: observability.TraceKindComplete, FunctionName: "f"},
	}))
	require.NoError(t, store.Close())
	shared.SetDBPathForTest(path)

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--older-than", "7d"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Deleted 1 records older than 7d")

	store, err = storage.New(storage.Config{Path: path})
	require.NoError(t, err)
	defer store.Close()
	records, err := store.QueryTraces(context.Background(), observability.TraceFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].ID)
}

func TestPrune_RequiresAge(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	shared.ResetFlagsForTest()
	t.Cleanup(shared.ResetFlagsForTest)
	shared.SetDBPathForTest(filepath.Join(dir, "traces.db"))

	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, shared.ExitConfig, shared.ExitCode(err))
}
