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

// Package msort contains utility functions for sorting and
// de-duplicating batches of rows before they are handed to the
// arbitrator.
package msort

import "github.com/excelwang/fustor-sub001/internal/event"

// UniqueByPath implements a "last one wins" approach to removing rows
// with duplicate paths from a batch. If two rows share the same Path,
// the one with the later ModifiedTime is kept. This matters because a
// single audit or snapshot pass can observe the same path twice (once
// via parent enumeration, once via a direct stat), and processing both
// through the arbitrator would otherwise double-count clock skew
// samples and blind-spot bookkeeping for no benefit.
//
// The modified slice is returned; rows is reused as scratch space.
func UniqueByPath(rows []event.Row) []event.Row {
	seenIdx := make(map[string]int, len(rows))

	dest := len(rows)
	for src := len(rows) - 1; src >= 0; src-- {
		path := rows[src].Path
		if path == "" {
			continue
		}

		if curIdx, found := seenIdx[path]; found {
			if rows[src].ModifiedTime > rows[curIdx].ModifiedTime {
				rows[curIdx] = rows[src]
			}
		} else {
			dest--
			seenIdx[path] = dest
			rows[dest] = rows[src]
		}
	}

	return rows[dest:]
}
