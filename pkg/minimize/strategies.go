// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package minimize

import "bytes"

// Chunked removes runs of tokens, sweeping from the back of the input
// with each configured chunk size in turn. Backwards works better for
// formats where later content depends on earlier definitions.
func Chunked(cfg Config, data []byte) ([]byte, error) {
	tc, err := newTestcase(&cfg, data, "chunk minimization")
	if err != nil {
		return data, err
	}
	sizes := cfg.ChunkSizes
	if len(sizes) == 0 {
		sizes = []int{10, 4, 1}
	}
	for _, size := range sizes {
		remaining := tc.requiredIndices()
		for end := len(remaining); end > 0; end -= size {
			start := end - size
			if start < 0 {
				start = 0
			}
			if _, err := tc.test(remaining[start:end]); err != nil {
				return tc.data(), err
			}
		}
	}
	return tc.data(), nil
}

// TwoRoundChunked runs the production strategy: a coarse pass over
// large chunks followed by a fine pass down to single tokens.
func TwoRoundChunked(cfg Config, data []byte) ([]byte, error) {
	coarse := cfg
	coarse.ChunkSizes = []int{80, 40, 20}
	out, err := Chunked(coarse, data)
	if err != nil {
		return out, err
	}
	fine := cfg
	fine.ChunkSizes = []int{10, 4, 1}
	return Chunked(fine, out)
}

// Delta is the delta-debugging strategy: drop whole token ranges, halve
// the ranges that turn out to be needed and retry the halves.
func Delta(cfg Config, data []byte) ([]byte, error) {
	tc, err := newTestcase(&cfg, data, "delta minimization")
	if err != nil {
		return data, err
	}
	const initialRanges = 8
	total := len(tc.tokens)
	step := total / initialRanges
	if step < 1 {
		step = 1
	}
	var queue [][]int
	for start := 0; start < total; start += step {
		end := start + step
		if end > total {
			end = total
		}
		hypothesis := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			hypothesis = append(hypothesis, i)
		}
		queue = append(queue, hypothesis)
	}
	for len(queue) > 0 {
		hypothesis := queue[0]
		queue = queue[1:]
		removed, err := tc.test(hypothesis)
		if err != nil {
			return tc.data(), err
		}
		if removed || len(hypothesis) <= 1 {
			continue
		}
		// The range is needed as a whole; its halves may not be.
		middle := len(hypothesis) / 2
		queue = append(queue, hypothesis[middle:], hypothesis[:middle])
	}
	return tc.data(), nil
}

// SinglePass tries to remove each token once, starting from the last.
func SinglePass(cfg Config, data []byte) ([]byte, error) {
	tc, err := newTestcase(&cfg, data, "single pass minimization")
	if err != nil {
		return data, err
	}
	for i := len(tc.tokens) - 1; i >= 0; i-- {
		if _, err := tc.test([]int{i}); err != nil {
			return tc.data(), err
		}
	}
	return tc.data(), nil
}

// RemoveEmptyTokens drops whitespace-only tokens: all of them at once
// first, then individually when the bulk removal loses the crash.
func RemoveEmptyTokens(cfg Config, data []byte) ([]byte, error) {
	tc, err := newTestcase(&cfg, data, "empty token removal")
	if err != nil {
		return data, err
	}
	var empty []int
	for i, token := range tc.tokens {
		if len(bytes.TrimSpace(token)) == 0 {
			empty = append(empty, i)
		}
	}
	if _, err := tc.test(empty); err != nil {
		return tc.data(), err
	}
	for _, i := range empty {
		if _, err := tc.test([]int{i}); err != nil {
			return tc.data(), err
		}
	}
	return tc.data(), nil
}
