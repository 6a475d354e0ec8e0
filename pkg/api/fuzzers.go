// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package api

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"
)

func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	return getJSON[Job](ctx, c, "/jobs/"+id, nil)
}

func (c *Client) Project(ctx context.Context, id string) (*Project, error) {
	return getJSON[Project](ctx, c, "/projects/"+id, nil)
}

type jobsResp struct {
	Jobs []*Job `json:"jobs"`
}

// Jobs lists every job of a project. Variant task creation walks the list
// to find the other jobs a new crash should be tried against.
func (c *Client) Jobs(ctx context.Context, projectID string) ([]*Job, error) {
	query := url.Values{}
	query.Set("project_id", projectID)
	resp, err := getJSON[jobsResp](ctx, c, "/jobs", query)
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) FuzzerByName(ctx context.Context, name string) (*Fuzzer, error) {
	query := url.Values{}
	query.Set("name", name)
	return getJSON[Fuzzer](ctx, c, "/fuzzers/find", query)
}

// DownloadFuzzer streams the fuzzer archive.
func (c *Client) DownloadFuzzer(ctx context.Context, fuzzerID string) (io.ReadCloser, error) {
	return c.getStream(ctx, "/fuzzers/"+fuzzerID+"/download", nil)
}

func (c *Client) DataBundleByName(ctx context.Context, name string) (*DataBundle, error) {
	query := url.Values{}
	query.Set("name", name)
	return getJSON[DataBundle](ctx, c, "/data_bundles/find", query)
}

type fuzzTargetsResp struct {
	Targets []*FuzzTarget `json:"targets"`
}

// FuzzTargetsByEngine lists all fuzz targets recorded for an engine fuzzer
// in a project.
func (c *Client) FuzzTargetsByEngine(ctx context.Context, engine, projectID string) ([]*FuzzTarget, error) {
	query := url.Values{}
	query.Set("engine", engine)
	query.Set("project_id", projectID)
	resp, err := getJSON[fuzzTargetsResp](ctx, c, "/fuzz_targets", query)
	if err != nil {
		return nil, err
	}
	return resp.Targets, nil
}

func (c *Client) FuzzTarget(ctx context.Context, id string) (*FuzzTarget, error) {
	return getJSON[FuzzTarget](ctx, c, "/fuzz_targets/"+id, nil)
}

type recordFuzzTargetReq struct {
	Engine    string `json:"engine"`
	Binary    string `json:"binary"`
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`
}

// RecordFuzzTarget registers a (fuzzer, binary) pair seen during fuzzing and
// refreshes its job mapping.
func (c *Client) RecordFuzzTarget(ctx context.Context, engine, binary, jobID,
	projectID string) (*FuzzTarget, error) {
	return postJSON[recordFuzzTargetReq, FuzzTarget](ctx, c, "/fuzz_targets/record",
		&recordFuzzTargetReq{
			Engine:    engine,
			Binary:    binary,
			JobID:     jobID,
			ProjectID: projectID,
		})
}

type fuzzTargetJobsResp struct {
	Jobs []*FuzzTargetJob `json:"jobs"`
}

func (c *Client) FuzzTargetJobs(ctx context.Context, jobID string) ([]*FuzzTargetJob, error) {
	query := url.Values{}
	query.Set("job_id", jobID)
	resp, err := getJSON[fuzzTargetJobsResp](ctx, c, "/fuzz_target_jobs", query)
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

type trialsResp struct {
	Trials []*Trial `json:"trials"`
}

// TrialsByAppName lists the optional app argument trials for a binary name.
func (c *Client) TrialsByAppName(ctx context.Context, appName string) ([]*Trial, error) {
	query := url.Values{}
	query.Set("app_name", appName)
	resp, err := getJSON[trialsResp](ctx, c, "/trials", query)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Trials, nil
}

func (c *Client) BotByName(ctx context.Context, name string) (*Bot, error) {
	query := url.Values{}
	query.Set("name", name)
	return getJSON[Bot](ctx, c, "/bots/find", query)
}

// BotConfig fetches the raw YAML configuration for a bot.
func (c *Client) BotConfig(ctx context.Context, botID string) ([]byte, error) {
	stream, err := c.getStream(ctx, "/bots/"+botID+"/config", nil)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return io.ReadAll(stream)
}

type heartbeatReq struct {
	BotName     string    `json:"bot_name"`
	TaskPayload string    `json:"task_payload,omitempty"`
	TaskEndTime time.Time `json:"task_end_time,omitempty"`
	Platform    string    `json:"platform,omitempty"`
}

func (c *Client) Heartbeat(ctx context.Context, botName, taskPayload, platform string,
	taskEndTime time.Time) error {
	_, err := postJSON[heartbeatReq, any](ctx, c, "/bots/heartbeat", &heartbeatReq{
		BotName:     botName,
		TaskPayload: taskPayload,
		TaskEndTime: taskEndTime,
		Platform:    platform,
	})
	return err
}

// ReportBadBuild records a build verdict on the control plane. Only bad
// verdicts are worth a report; good builds are the silent default.
func (c *Client) ReportBadBuild(ctx context.Context, md *BuildMetadata) error {
	_, err := postJSON[BuildMetadata, any](ctx, c, "/builds/metadata", md)
	return err
}

// DownloadCorpus streams a zip archive of the corpus for a fuzz target.
// Used for cross-pollination: peer corpora come through the control plane,
// which knows every bot's targets.
func (c *Client) DownloadCorpus(ctx context.Context, projectID, fuzzTargetID, kind string) (io.ReadCloser, error) {
	query := url.Values{}
	query.Set("project_id", projectID)
	query.Set("fuzz_target_id", fuzzTargetID)
	query.Set("kind", kind)
	return c.getStream(ctx, "/corpus/download", query)
}
