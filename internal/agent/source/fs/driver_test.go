// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub001/internal/event"
	"github.com/excelwang/fustor-sub001/internal/wireapi"
)

// fakeSender records every batch pushed to it in order, standing in
// for internal/agent/sender.Client in driver tests.
type fakeSender struct {
	mu      sync.Mutex
	batches []event.Event
	finals  int
	tasks   []string
	updates []wireapi.SentinelUpdate
}

func (f *fakeSender) SendBatch(_ context.Context, _ string, _ string, events []event.Event, isFinal bool, _ map[string]string) (event.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, events...)
	if isFinal {
		f.finals++
	}
	return event.RoleLeader, nil
}

func (f *fakeSender) GetSentinelTasks(context.Context, string) ([]string, error) {
	return f.tasks, nil
}

func (f *fakeSender) SubmitSentinelResults(_ context.Context, _ string, updates []wireapi.SentinelUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = updates
	return nil
}

func (f *fakeSender) rows() []event.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []event.Row
	for _, ev := range f.batches {
		rows = append(rows, ev.Rows...)
	}
	return rows
}

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0o644))
}

func TestRunSnapshotEmitsEveryFileAndDirectory(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	sender := &fakeSender{}
	d, err := New(DefaultConfig(root), sender)
	require.NoError(t, err)

	require.NoError(t, d.RunSnapshot(context.Background(), "sess-1"))

	var paths []string
	for _, row := range sender.rows() {
		paths = append(paths, row.Path)
	}
	require.Contains(t, paths, "/")
	require.Contains(t, paths, "/a.txt")
	require.Contains(t, paths, "/sub")
	require.Contains(t, paths, "/sub/b.txt")
	require.Equal(t, 1, sender.finals)
}

func TestRunAuditSkipsUnchangedDirectories(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	sender := &fakeSender{}
	d, err := New(DefaultConfig(root), sender)
	require.NoError(t, err)

	require.NoError(t, d.RunAudit(context.Background(), "sess-1"))
	sender.mu.Lock()
	sender.batches = nil
	sender.finals = 0
	sender.mu.Unlock()

	require.NoError(t, d.RunAudit(context.Background(), "sess-1"))

	var rootRow *event.Row
	for _, row := range sender.rows() {
		r := row
		if r.Path == "/" {
			rootRow = &r
		}
	}
	require.NotNil(t, rootRow)
	require.True(t, rootRow.AuditSkipped)
}

func TestRunSentinelReportsMissingAndExisting(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	sender := &fakeSender{tasks: []string{"/a.txt", "/missing.txt"}}
	d, err := New(DefaultConfig(root), sender)
	require.NoError(t, err)

	require.NoError(t, d.RunSentinel(context.Background(), "sess-1"))
	require.Len(t, sender.updates, 2)

	byPath := map[string]wireapi.SentinelUpdate{}
	for _, u := range sender.updates {
		byPath[u.Path] = u
	}
	require.Equal(t, "exists", byPath["/a.txt"].Status)
	require.Equal(t, "missing", byPath["/missing.txt"].Status)
}

func TestRunOnDemandScanSingleFile(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	sender := &fakeSender{}
	d, err := New(DefaultConfig(root), sender)
	require.NoError(t, err)

	require.NoError(t, d.RunOnDemandScan(context.Background(), "sess-1", "/a.txt", false, "job-1"))
	rows := sender.rows()
	require.Len(t, rows, 1)
	require.Equal(t, "/a.txt", rows[0].Path)
	require.Equal(t, 1, sender.finals)
}

func TestRunOnDemandScanRecursiveDirectory(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	sender := &fakeSender{}
	d, err := New(DefaultConfig(root), sender)
	require.NoError(t, err)

	require.NoError(t, d.RunOnDemandScan(context.Background(), "sess-1", "/sub", true, "job-2"))
	var paths []string
	for _, row := range sender.rows() {
		paths = append(paths, row.Path)
	}
	require.Contains(t, paths, "/sub")
	require.Contains(t, paths, "/sub/b.txt")
}

func TestClearAuditCacheForcesFullReexamination(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	sender := &fakeSender{}
	d, err := New(DefaultConfig(root), sender)
	require.NoError(t, err)

	require.NoError(t, d.RunAudit(context.Background(), "sess-1"))
	d.ClearAuditCache()

	sender.mu.Lock()
	sender.batches = nil
	sender.mu.Unlock()

	require.NoError(t, d.RunAudit(context.Background(), "sess-1"))
	for _, row := range sender.rows() {
		if row.Path == "/" {
			require.False(t, row.AuditSkipped)
		}
	}
}
