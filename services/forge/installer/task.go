// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package installer

import (
	"container/heap"

	"github.com/AleutianAI/stackforge/services/forge/spec"
)

// BuildTask schedules one concrete node. Exactly one task exists per dag
// hash in an Install call, shared by every parent and request.
type BuildTask struct {
	Node    *spec.Node
	Request *BuildRequest
	Status  BuildStatus

	// Deps are the hashes of dependencies scheduled in the same call.
	Deps []string

	// Attempts counts Builder invocations.
	Attempts int

	// Err is set when Status is FAILED or REMOVED.
	Err error

	uninstalled map[string]struct{}
	dependents  []*BuildTask
	priority    int
	sequence    int
	index       int

	explicit  bool
	overwrite bool
	skipped   bool
	prefix    string
	logPath   string
}

// Hash returns the task's dag hash.
func (t *BuildTask) Hash() string { return t.Node.Hash }

// Priority returns the number of dependencies not yet installed.
func (t *BuildTask) Priority() int { return t.priority }

// Sequence returns the creation order of the task.
func (t *BuildTask) Sequence() int { return t.sequence }

// Uninstalled returns the number of pending dependencies.
func (t *BuildTask) Uninstalled() int { return len(t.uninstalled) }

// flagInstalled drops dep from the pending set and recomputes priority.
func (t *BuildTask) flagInstalled(dep string) {
	delete(t.uninstalled, dep)
	t.priority = len(t.uninstalled)
}

// taskQueue is a min-heap on (priority, sequence).
type taskQueue []*BuildTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].sequence < q[j].sequence
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*BuildTask)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

func (q *taskQueue) fix(t *BuildTask) {
	if t.index >= 0 {
		heap.Fix(q, t.index)
	}
}

func (q *taskQueue) remove(t *BuildTask) {
	if t.index >= 0 {
		heap.Remove(q, t.index)
	}
}
