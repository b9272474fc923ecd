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

package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/excelwang/fustor-sub001/internal/event"
	"github.com/excelwang/fustor-sub001/internal/fusion/view"
)

func TestDriverProcessEventThenQuery(t *testing.T) {
	d := New("v1", view.DefaultConfig())

	d.ProcessEvent(event.Event{
		EventType:     event.Insert,
		MessageSource: event.Realtime,
		Rows: []event.Row{
			{Path: "/a/b.txt", ModifiedTime: 10, Size: 5, IsAtomicWrite: true},
		},
	})

	node := d.GetDirectoryTree("/a/b.txt", false, nil, false)
	require.NotNil(t, node)
	require.Equal(t, "/a/b.txt", node.Path)
	require.False(t, node.IntegritySuspect)
}

func TestDriverAuditCycleDetectsBlindSpotDeletion(t *testing.T) {
	d := New("v1", view.DefaultConfig())

	d.ProcessEvent(event.Event{
		EventType:     event.Insert,
		MessageSource: event.Realtime,
		Rows: []event.Row{
			{Path: "/a", ModifiedTime: 1, IsDirectory: true, IsAtomicWrite: true},
			{Path: "/a/b.txt", ModifiedTime: 1, Size: 1, IsAtomicWrite: true},
		},
	})

	d.HandleAuditStart()
	d.ProcessEvent(event.Event{
		EventType:     event.Insert,
		MessageSource: event.Audit,
		Rows: []event.Row{
			{Path: "/a", ModifiedTime: 1, IsDirectory: true, ParentPath: "/"},
		},
	})
	d.HandleAuditEnd()

	require.Nil(t, d.GetDirectoryTree("/a/b.txt", false, nil, false))
	stats := d.GetStats()
	require.True(t, stats.HasBlindSpot)
}

func TestDriverResetClearsTree(t *testing.T) {
	d := New("v1", view.DefaultConfig())
	d.ProcessEvent(event.Event{
		EventType:     event.Insert,
		MessageSource: event.Realtime,
		Rows:          []event.Row{{Path: "/x", ModifiedTime: 1, IsAtomicWrite: true}},
	})
	require.NotNil(t, d.GetDirectoryTree("/x", false, nil, false))

	d.Reset()
	require.Nil(t, d.GetDirectoryTree("/x", false, nil, false))
}
