// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package minimize shrinks a crashing input by removing tokens while a
// predicate keeps reporting the crash. Strategies differ in how they
// pick candidate token runs; all of them return the best data found so
// far even when they stop on an error, so a deadline still yields a
// partially minimized testcase.
package minimize

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
)

var (
	// ErrNoCommand is returned when no predicate is configured.
	ErrNoCommand = errors.New("attempting to run with no command configured")
	// ErrDeadlineExceeded is returned when the minimization deadline
	// fires; the data returned alongside is still valid.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrTokenization is returned when the tokenizer cannot represent
	// the input losslessly.
	ErrTokenization = errors.New("tokenization failed")
)

// Tokenizer splits data into tokens whose concatenation reproduces the
// input exactly.
type Tokenizer func(data []byte) [][]byte

// LineTokenizer splits after every newline.
func LineTokenizer(data []byte) [][]byte {
	var tokens [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			tokens = append(tokens, data[start:i+1])
			start = i + 1
		}
	}
	if start < len(data) {
		tokens = append(tokens, data[start:])
	}
	return tokens
}

// ByteChunkTokenizer splits into fixed-size chunks, for binary formats
// without line structure.
func ByteChunkTokenizer(size int) Tokenizer {
	return func(data []byte) [][]byte {
		var tokens [][]byte
		for start := 0; start < len(data); start += size {
			end := start + size
			if end > len(data) {
				end = len(data)
			}
			tokens = append(tokens, data[start:end])
		}
		return tokens
	}
}

type Config struct {
	// Pred reports whether the candidate still crashes. Tokens whose
	// removal keeps Pred true are dropped for good.
	Pred func(data []byte) (bool, error)
	// Tokenizer defaults to LineTokenizer.
	Tokenizer Tokenizer
	// ChunkSizes for Chunked, tried in order. Defaults to [10, 4, 1].
	ChunkSizes []int
	// Deadline bounds the whole run. Zero means unbounded.
	Deadline time.Time
	Clock    clock.Clock
	Logf     func(string, ...interface{})
}

type testcase struct {
	cfg      *Config
	tokens   [][]byte
	required []bool
	predRuns int
}

func newTestcase(cfg *Config, data []byte, strategy string) (*testcase, error) {
	if cfg.Pred == nil {
		return nil, ErrNoCommand
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...interface{}) {}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	tokenizer := cfg.Tokenizer
	if tokenizer == nil {
		tokenizer = LineTokenizer
	}
	tokens := tokenizer(data)
	if !bytes.Equal(bytes.Join(tokens, nil), data) {
		return nil, fmt.Errorf("unable to perform %s: %w", strategy, ErrTokenization)
	}
	required := make([]bool, len(tokens))
	for i := range required {
		required[i] = true
	}
	return &testcase{cfg: cfg, tokens: tokens, required: required}, nil
}

// data returns the concatenation of the tokens still required.
func (tc *testcase) data() []byte {
	var buf bytes.Buffer
	for i, token := range tc.tokens {
		if tc.required[i] {
			buf.Write(token)
		}
	}
	return buf.Bytes()
}

func (tc *testcase) requiredIndices() []int {
	var indices []int
	for i, req := range tc.required {
		if req {
			indices = append(indices, i)
		}
	}
	return indices
}

// filterRequired drops hypothesis indices that were already removed by
// an earlier test.
func (tc *testcase) filterRequired(hypothesis []int) []int {
	var live []int
	for _, i := range hypothesis {
		if tc.required[i] {
			live = append(live, i)
		}
	}
	return live
}

// test checks whether the data still crashes without the hypothesis
// tokens and removes them for good if it does.
func (tc *testcase) test(hypothesis []int) (bool, error) {
	hypothesis = tc.filterRequired(hypothesis)
	if len(hypothesis) == 0 {
		return false, nil
	}
	if deadline := tc.cfg.Deadline; !deadline.IsZero() && tc.cfg.Clock.Now().After(deadline) {
		return false, ErrDeadlineExceeded
	}
	for _, i := range hypothesis {
		tc.required[i] = false
	}
	tc.predRuns++
	crashes, err := tc.cfg.Pred(tc.data())
	if err != nil || !crashes {
		for _, i := range hypothesis {
			tc.required[i] = true
		}
		return false, err
	}
	tc.cfg.Logf("removed %d tokens, %d left", len(hypothesis), len(tc.requiredIndices()))
	return true, nil
}
