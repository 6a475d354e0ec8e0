// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

import (
	"context"
	"sync"
)

type Job struct {
	Cmd Command
	// Opaque to the pool; callers use it to tie results back to inputs.
	Tag string
}

type JobResult struct {
	Job    Job
	Result *Result
}

// Pool runs commands concurrently with a bounded number of workers.
// Used for the second stage of blackbox fuzzing where generated testcases
// are executed in parallel against the target.
type Pool struct {
	jobs    chan Job
	results chan JobResult
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  sync.Once
}

func NewPool(ctx context.Context, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	pool := &Pool{
		jobs:    make(chan Job),
		results: make(chan JobResult, workers),
		cancel:  cancel,
	}
	pool.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker(ctx)
	}
	go func() {
		pool.wg.Wait()
		close(pool.results)
	}()
	return pool
}

func (pool *Pool) worker(ctx context.Context) {
	defer pool.wg.Done()
	for job := range pool.jobs {
		if ctx.Err() != nil {
			// Drain without running so that Close unblocks.
			continue
		}
		pool.results <- JobResult{Job: job, Result: RunAndWait(ctx, job.Cmd)}
	}
}

// Submit blocks until a worker picks the job up.
func (pool *Pool) Submit(job Job) {
	pool.jobs <- job
}

// Close signals that no more jobs will be submitted. The results channel
// is closed once the in-flight jobs finish.
func (pool *Pool) Close() {
	pool.closed.Do(func() { close(pool.jobs) })
}

func (pool *Pool) Results() <-chan JobResult {
	return pool.results
}

// TerminateHung kills the process groups of all in-flight jobs. Each
// RunAndWait call reaps its own group when its context is cancelled.
func (pool *Pool) TerminateHung() {
	pool.cancel()
}
