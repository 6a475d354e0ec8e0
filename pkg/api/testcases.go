// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package api

import (
	"context"
	"errors"
	"net/url"
	"strconv"
)

func (c *Client) Testcase(ctx context.Context, id string) (*Testcase, error) {
	return getJSON[Testcase](ctx, c, "/testcases/"+id, nil)
}

func (c *Client) AddTestcase(ctx context.Context, tc *Testcase) (*Testcase, error) {
	return postJSON[Testcase, Testcase](ctx, c, "/testcases/add", tc)
}

func (c *Client) UpdateTestcase(ctx context.Context, tc *Testcase) error {
	_, err := postJSON[Testcase, any](ctx, c, "/testcases/"+tc.ID+"/update", tc)
	return err
}

// FindTestcase looks up an existing testcase with the same crash signature.
// Returns nil when there is none.
func (c *Client) FindTestcase(ctx context.Context, projectID string, key CrashKey) (*Testcase, error) {
	query := url.Values{}
	query.Set("project_id", projectID)
	query.Set("crash_type", key.Type)
	query.Set("crash_state", key.State)
	query.Set("security_flag", strconv.FormatBool(key.Security))
	tc, err := getJSON[Testcase](ctx, c, "/testcases/find", query)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return tc, err
}

// CrashByTestcase returns the primary crash record of a testcase.
func (c *Client) CrashByTestcase(ctx context.Context, testcaseID string) (*Crash, error) {
	return getJSON[Crash](ctx, c, "/testcases/"+testcaseID+"/crash", nil)
}

func (c *Client) AddCrash(ctx context.Context, crash *Crash) (*Crash, error) {
	return postJSON[Crash, Crash](ctx, c, "/crashes/add", crash)
}

func (c *Client) UpdateCrash(ctx context.Context, crash *Crash) error {
	_, err := postJSON[Crash, any](ctx, c, "/crashes/"+crash.ID+"/update", crash)
	return err
}

type similarCrashReq struct {
	ProjectID    string `json:"project_id"`
	CrashType    string `json:"crash_type"`
	CrashState   string `json:"crash_state"`
	SecurityFlag bool   `json:"security_flag"`
	// The crash being classified is excluded from the search.
	ExcludeTestcaseID string `json:"exclude_testcase_id,omitempty"`
}

// FindSimilarCrash returns an existing crash with the same signature from
// another testcase, used for duplicate detection.
func (c *Client) FindSimilarCrash(ctx context.Context, projectID string, key CrashKey,
	excludeTestcaseID string) (*Crash, error) {
	crash, err := postJSON[similarCrashReq, Crash](ctx, c, "/crashes/find_similar", &similarCrashReq{
		ProjectID:         projectID,
		CrashType:         key.Type,
		CrashState:        key.State,
		SecurityFlag:      key.Security,
		ExcludeTestcaseID: excludeTestcaseID,
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return crash, err
}

type crashStatsReq struct {
	CrashID string `json:"crash_id"`
	NewHits int    `json:"new_hits"`
}

// UpdateCrashStats bumps the observation counter of a known crash.
func (c *Client) UpdateCrashStats(ctx context.Context, crashID string, newHits int) error {
	_, err := postJSON[crashStatsReq, any](ctx, c, "/crashes/stats", &crashStatsReq{
		CrashID: crashID,
		NewHits: newHits,
	})
	return err
}

func (c *Client) TestcaseVariant(ctx context.Context, testcaseID, jobID string) (*TestcaseVariant, error) {
	query := url.Values{}
	query.Set("job_id", jobID)
	variant, err := getJSON[TestcaseVariant](ctx, c, "/testcases/"+testcaseID+"/variant", query)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return variant, err
}

func (c *Client) SaveTestcaseVariant(ctx context.Context, variant *TestcaseVariant) error {
	_, err := postJSON[TestcaseVariant, any](ctx, c,
		"/testcases/"+variant.TestcaseID+"/variant/save", variant)
	return err
}

func (c *Client) UploadCoverage(ctx context.Context, info *CoverageInformation) error {
	_, err := postJSON[CoverageInformation, any](ctx, c, "/coverage/upload", info)
	return err
}
