// Copyright 2025 FlowCraft
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

// Package engine runs node-level tasks under bounded concurrency: a
// priority queue feeds a fixed pool of concurrency permits, failed tasks
// retry with exponential backoff, and layers execute with a strict
// happens-before ordering (every task in layer k completes before any
// task in layer k+1 starts).
package engine

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"flowcraft/core/internal/errs"
	"flowcraft/core/shared/logger"
)

// AgentExecutor invokes one node's agent against its task definition.
type AgentExecutor interface {
	Execute(ctx context.Context, agent string, taskDefinition map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error)
}

// RetryPolicy configures exponential backoff for a task.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

func (r RetryPolicy) delay(attempt int) time.Duration {
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = 1
	}
	d := float64(r.InitialDelay) * math.Pow(r.BackoffMultiplier, float64(attempt-1))
	if r.MaxDelay > 0 && time.Duration(d) > r.MaxDelay {
		return r.MaxDelay
	}
	return time.Duration(d)
}

// RetryPredicate reports whether an error returned from a task is worth
// retrying. Timeouts and network errors are retriable by default;
// validation and resource-exhaustion errors are not.
type RetryPredicate func(error) bool

// Task is one schedulable unit of work.
type Task struct {
	NodeKey        string
	Agent          string
	TaskDefinition map[string]interface{}
	Input          map[string]interface{}
	Timeout        time.Duration
	Priority       int // higher runs first
	Retry          RetryPolicy
	RetryPredicate RetryPredicate
}

// Result is the outcome of running one Task.
type Result struct {
	NodeKey  string
	Output   map[string]interface{}
	Err      error
	Attempts int
}

// taskQueue is a container/heap priority queue ordered by Task.Priority
// descending, with FIFO tie-breaking by insertion sequence.
type taskQueue struct {
	items []queuedTask
}

type queuedTask struct {
	task Task
	seq  int
}

func (q taskQueue) Len() int { return len(q.items) }
func (q taskQueue) Less(i, j int) bool {
	if q.items[i].task.Priority != q.items[j].task.Priority {
		return q.items[i].task.Priority > q.items[j].task.Priority
	}
	return q.items[i].seq < q.items[j].seq
}
func (q taskQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *taskQueue) Push(x interface{}) {
	q.items = append(q.items, x.(queuedTask))
}
func (q *taskQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// Engine owns the priority queue and the concurrency permit set.
type Engine struct {
	executor AgentExecutor
	permits  chan struct{}
	log      *logger.Logger

	mu       sync.Mutex
	queue    taskQueue
	seq      int
}

// NewEngine constructs an Engine bounded by maxConcurrentExecutions.
func NewEngine(executor AgentExecutor, maxConcurrentExecutions int) *Engine {
	if maxConcurrentExecutions <= 0 {
		maxConcurrentExecutions = 1
	}
	return &Engine{
		executor: executor,
		permits:  make(chan struct{}, maxConcurrentExecutions),
		log:      logger.New("engine"),
	}
}

// Schedule enqueues task by priority; it does not run it.
func (e *Engine) Schedule(task Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	heap.Push(&e.queue, queuedTask{task: task, seq: e.seq})
	e.seq++
}

// Dequeue pops the highest-priority task, or ok=false if the queue is empty.
func (e *Engine) Dequeue() (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue.Len() == 0 {
		return Task{}, false
	}
	item := heap.Pop(&e.queue).(queuedTask)
	return item.task, true
}

// Run acquires a concurrency permit, invokes the executor under
// task.Timeout, and retries on failure per task.Retry / task.RetryPredicate.
func (e *Engine) Run(ctx context.Context, rootWorkflowID, workflowID string, task Task) Result {
	e.permits <- struct{}{}
	defer func() { <-e.permits }()

	predicate := task.RetryPredicate
	if predicate == nil {
		predicate = DefaultRetryPredicate
	}

	maxAttempts := task.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	lastAttempt := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastAttempt = attempt
		runCtx := ctx
		var cancel context.CancelFunc
		if task.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		output, err := e.executor.Execute(runCtx, task.Agent, task.TaskDefinition, task.Input)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return Result{NodeKey: task.NodeKey, Output: output, Attempts: attempt}
		}

		lastErr = err
		e.log.ErrorWithCause(rootWorkflowID, workflowID, fmt.Sprintf("task %s attempt %d failed", task.NodeKey, attempt), err, nil)

		if attempt >= maxAttempts || !predicate(err) {
			break
		}
		select {
		case <-time.After(task.Retry.delay(attempt)):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxAttempts
		}
	}

	return Result{NodeKey: task.NodeKey, Err: lastErr, Attempts: lastAttempt}
}

// RunLayer runs every task in one DAG layer against a priority queue local
// to this call: tasks with a higher Priority are dequeued and started
// ahead of lower-priority ones as concurrency permits free up, with FIFO
// tie-breaking. It returns once every task has completed, enforcing the
// layer happens-before ordering: no caller observes RunLayer's results
// until the whole layer has finished.
func (e *Engine) RunLayer(ctx context.Context, rootWorkflowID, workflowID string, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	pending := &taskQueue{}
	resultIdx := make(map[string]int, len(tasks))
	for i, task := range tasks {
		heap.Push(pending, queuedTask{task: task, seq: i})
		resultIdx[task.NodeKey] = i
	}

	workers := cap(e.permits)
	if workers > len(tasks) {
		workers = len(tasks)
	}

	results := make([]Result, len(tasks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if pending.Len() == 0 {
					mu.Unlock()
					return
				}
				next := heap.Pop(pending).(queuedTask).task
				mu.Unlock()

				results[resultIdx[next.NodeKey]] = e.Run(ctx, rootWorkflowID, workflowID, next)
			}
		}()
	}
	wg.Wait()
	return results
}

// DefaultRetryPredicate delegates to errs.Transient: timeouts and network
// errors are retriable by default, while validation failures and
// resource-exhaustion errors raised at reservation time are not.
func DefaultRetryPredicate(err error) bool {
	return errs.Transient(err)
}
