// Copyright 2024 Joinery Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parallel

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/joinerydb/joinery/pkg/common/joerr"
)

// Runner executes independent tasks on a bounded goroutine pool. The
// first task error cancels the rest.
type Runner struct {
	pool *ants.Pool
}

func NewRunner(parallelism int) (*Runner, error) {
	if parallelism <= 0 {
		return nil, joerr.NewBadConfig("parallelism must be positive, got %d", parallelism)
	}
	pool, err := ants.NewPool(parallelism)
	if err != nil {
		return nil, joerr.NewInternal("create worker pool: %v", err)
	}
	return &Runner{pool: pool}, nil
}

func (r *Runner) Close() {
	r.pool.Release()
}

// Run blocks until every task returns. The returned error is the first
// one observed; later tasks see a cancelled context.
func (r *Runner) Run(ctx context.Context, tasks ...func(context.Context) error) error {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, task := range tasks {
		task := task
		wg.Add(1)
		submit := func() {
			defer wg.Done()
			if err := task(tctx); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}
		if err := r.pool.Submit(submit); err != nil {
			// pool released under us; run inline so wg still settles
			submit()
		}
	}
	wg.Wait()
	return firstErr
}
