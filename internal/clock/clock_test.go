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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatermarkMonotonic(t *testing.T) {
	c := New()
	c.Update(10, false)
	require.Equal(t, 10.0, c.GetWatermark())

	c.Update(5, false)
	require.Equal(t, 10.0, c.GetWatermark(), "watermark must never regress")

	c.Update(20, false)
	require.Equal(t, 20.0, c.GetWatermark())
}

// TestSkewModeToleratesOutlier is the Go rendition of scenario S6:
// Agent A's clock reads server+2h, Agent B's reads server-1h. Enough
// realtime events from B should make the mode settle near -3600s, and
// a single outlier event from A must not be able to drag the skew
// estimate along with it.
func TestSkewModeToleratesOutlier(t *testing.T) {
	c := New()
	fixedNow := time.Unix(1_700_000_000, 0)
	c.nowFn = func() time.Time { return fixedNow }

	serverNow := float64(fixedNow.UnixNano()) / 1e9

	// Agent B: clock = server - 1h, so event mtime = serverNow + 3600,
	// giving skew = serverNow - mtime = -3600.
	for i := 0; i < 50; i++ {
		c.Update(serverNow+3600, true)
	}

	// Agent A: a single event with clock = server + 2h, so event mtime =
	// serverNow - 7200, giving skew = +7200.
	c.Update(serverNow-7200, true)

	require.InDelta(t, -3600.0, c.GetSkew(), bucketWidth, "dominant skew bucket should not be dragged by one outlier")
}

func TestSkewEmptyHistogram(t *testing.T) {
	c := New()
	require.Equal(t, 0.0, c.GetSkew())
}

func TestSnapshotNeverSamplesSkew(t *testing.T) {
	c := New()
	c.Update(100, false)
	require.Equal(t, 0.0, c.GetSkew(), "only realtime events may sample skew")
}
