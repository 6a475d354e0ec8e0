// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stats

import (
	"sync"

	"github.com/VividCortex/gohistogram"
)

// Timings aggregates testcase execution times across a session with a
// streaming histogram, so long sessions do not grow memory.
type Timings struct {
	mu   sync.Mutex
	hist *gohistogram.NumericHistogram
}

func NewTimings() *Timings {
	return &Timings{hist: gohistogram.NewHistogram(255)}
}

func (t *Timings) AddSeconds(seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hist.Add(seconds)
}

// Columns renders quantile summaries the analytics pipeline graphs.
func (t *Timings) Columns() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hist.Count() == 0 {
		return nil
	}
	return map[string]any{
		"exec_time_count": int(t.hist.Count()),
		"exec_time_mean":  t.hist.Mean(),
		"exec_time_p50":   t.hist.Quantile(0.5),
		"exec_time_p90":   t.hist.Quantile(0.9),
		"exec_time_p99":   t.hist.Quantile(0.99),
	}
}
