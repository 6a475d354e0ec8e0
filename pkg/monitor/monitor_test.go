// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package monitor

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.TaskStarted("fuzz")
	m.NewCrash()
	m.NewCrash()
	m.KnownCrash()
	m.TestcasesRun(42)
	m.TaskFinished("fuzz", "finished")

	server := httptest.NewServer(m.Handler(io.Discard))
	defer server.Close()

	resp, err := server.Client().Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `pingu_bot_tasks_started_total{command="fuzz"} 1`)
	assert.Contains(t, text, `pingu_bot_tasks_finished_total{command="fuzz",status="finished"} 1`)
	assert.Contains(t, text, "pingu_bot_crashes_new_total 2")
	assert.Contains(t, text, "pingu_bot_crashes_known_total 1")
	assert.Contains(t, text, "pingu_bot_testcases_executed_total 42")
	assert.Contains(t, text, "pingu_bot_task_age_seconds 0")
}

func TestHealthAndAccessLog(t *testing.T) {
	var accessLog bytes.Buffer
	m := New()
	server := httptest.NewServer(m.Handler(&accessLog))
	defer server.Close()

	resp, err := server.Client().Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", string(body))
	assert.True(t, strings.Contains(accessLog.String(), "GET /health"))
}

func TestTaskAge(t *testing.T) {
	m := New()
	assert.Zero(t, m.taskAge())
	m.TaskStarted("analyze")
	assert.GreaterOrEqual(t, m.taskAge(), 0.0)
	m.TaskFinished("analyze", "errored")
	assert.Zero(t, m.taskAge())
}
