// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package api

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"
)

// Default lease extension period. The control plane reclaims tasks whose
// lease expired, so the period stays well below the lease duration.
const defaultLeasePeriod = 3 * time.Minute

type nextTaskResp struct {
	Task *Task `json:"task"`
}

// NextTask leases the next task from the bot's queue. Returns nil when the
// queue is empty.
func (c *Client) NextTask(ctx context.Context, botName, platform string) (*Task, error) {
	query := url.Values{}
	query.Set("bot", botName)
	query.Set("platform", platform)
	resp, err := getJSON[nextTaskResp](ctx, c, "/tasks/next", query)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

type AddTaskReq struct {
	Command  string `json:"command"`
	Argument string `json:"argument"`
	JobID    string `json:"job_id"`
	// Delay postpones scheduling, used for requeues with backoff.
	DelaySeconds int `json:"delay_seconds,omitempty"`
}

func (c *Client) AddTask(ctx context.Context, req *AddTaskReq) error {
	_, err := postJSON[AddTaskReq, any](ctx, c, "/tasks/add", req)
	return err
}

type updateTaskStatusReq struct {
	TaskName string `json:"task_name"`
	Status   string `json:"status"`
}

type updateTaskStatusResp struct {
	Acquired bool `json:"acquired"`
}

// UpdateTaskStatus writes the per-name task status row. For STARTED it acts
// as a mutex acquisition: false means another bot owns the same task name.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskName, status string) (bool, error) {
	resp, err := postJSON[updateTaskStatusReq, updateTaskStatusResp](
		ctx, c, "/tasks/update_status", &updateTaskStatusReq{
			TaskName: taskName,
			Status:   status,
		})
	if err != nil {
		return false, err
	}
	return resp.Acquired, nil
}

type taskStatusResp struct {
	Status string `json:"status"`
}

// TaskStatus returns the last recorded status for a task name, or "" when
// the task has never run.
func (c *Client) TaskStatus(ctx context.Context, taskName string) (string, error) {
	query := url.Values{}
	query.Set("task_name", taskName)
	resp, err := getJSON[taskStatusResp](ctx, c, "/tasks/status", query)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

type extendLeaseReq struct {
	TaskID  string `json:"task_id"`
	Seconds int    `json:"seconds"`
}

func (c *Client) ExtendTaskLease(ctx context.Context, taskID string, d time.Duration) error {
	_, err := postJSON[extendLeaseReq, any](ctx, c, "/tasks/extend_lease", &extendLeaseReq{
		TaskID:  taskID,
		Seconds: int(d.Seconds()),
	})
	return err
}

type endTaskReq struct {
	TaskID string `json:"task_id"`
}

func (c *Client) EndTask(ctx context.Context, taskID string) error {
	_, err := postJSON[endTaskReq, any](ctx, c, "/tasks/end", &endTaskReq{TaskID: taskID})
	return err
}

// Lease keeps a task's lease alive while its handler runs.
// Release must be called on every exit path.
type Lease struct {
	client *Client
	task   *Task
	period time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	onError func(error)
}

// LeaseTask starts periodic lease extension for the task.
func (c *Client) LeaseTask(ctx context.Context, task *Task, onError func(error)) *Lease {
	period := defaultLeasePeriod
	if task.LeaseSeconds > 0 {
		period = time.Duration(task.LeaseSeconds) * time.Second / 2
	}
	leaseCtx, cancel := context.WithCancel(ctx)
	lease := &Lease{
		client:  c,
		task:    task,
		period:  period,
		cancel:  cancel,
		onError: onError,
	}
	lease.wg.Add(1)
	go lease.loop(leaseCtx)
	return lease
}

func (l *Lease) loop(ctx context.Context) {
	defer l.wg.Done()
	timer := l.client.clock.NewTimer(l.period)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}
		err := l.client.ExtendTaskLease(ctx, l.task.ID, 2*l.period)
		if err != nil && l.onError != nil && ctx.Err() == nil {
			l.onError(err)
		}
		timer.Reset(l.period)
	}
}

// Release stops extension and tells the control plane the task has ended.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		err = l.client.EndTask(ctx, l.task.ID)
	})
	return err
}
