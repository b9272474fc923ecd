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

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/excelwang/fustor-sub001/internal/event"
)

// scanItem is one unit of work for the parallel walker: a directory,
// plus the path of the parent directory it was reached from.
type scanItem struct {
	path   string
	parent string
}

// scanner walks a subtree with a bounded worker pool, mirroring the
// pack's task-queue-based parallel directory scan: each recursive call
// acquires a weighted-semaphore slot before listing a directory, and
// fans its subdirectories out as sibling errgroup tasks.
type scanner struct {
	root       string
	numWorkers int
	logger     *log.Entry
}

func newScanner(root string, numWorkers int) *scanner {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &scanner{root: root, numWorkers: numWorkers, logger: log.WithField("component", "fs-scanner")}
}

// visitFunc processes one directory's listing and returns the rows to
// emit (batched by the caller), the directory's own mtime (not used by
// the walker), and whether the walker should skip descending into it.
type visitFunc func(dirPath, parentPath string) (rows []event.Row, dirMtime float64, skip bool)

// walkParallel fans out over a subtree with a bounded pool of
// goroutines, calling visit on each directory and recursing into
// subdirectories it discovers. It blocks until every reachable
// directory has been visited or ctx is canceled.
func (s *scanner) walkParallel(ctx context.Context, start string, visit visitFunc, emit func(rows []event.Row)) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(s.numWorkers))

	var emitMu sync.Mutex
	safeEmit := func(rows []event.Row) {
		if len(rows) == 0 {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		emit(rows)
	}

	var walk func(item scanItem)
	walk = func(item scanItem) {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return s.visitOne(gctx, item, visit, safeEmit, walk)
		})
	}

	walk(scanItem{path: start})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *scanner) visitOne(ctx context.Context, item scanItem, visit visitFunc, emit func(rows []event.Row), walk func(scanItem)) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	rows, dirMtime, skip := visit(item.path, item.parent)
	emit(rows)
	_ = dirMtime

	if skip {
		return nil
	}

	entries, err := os.ReadDir(item.path)
	if err != nil {
		s.logger.WithError(err).WithField("path", item.path).Debug("failed to list directory during scan")
		return nil
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		walk(scanItem{path: filepath.Join(item.path, entry.Name()), parent: item.path})
	}
	return nil
}
