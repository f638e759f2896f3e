// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package installer drives concrete DAGs to installed prefixes.
//
// Every node needing installation becomes one BuildTask, keyed by dag hash
// and shared across parents and requests. Tasks wait in a single min-heap
// ordered by (uninstalled dependency count, creation sequence), so a task is
// selected as soon as its last dependency is installed, whatever its depth.
//
// Cross-process correctness rests on the per-hash lock manager and the
// Database. The in-memory queue belongs to one Install call.
package installer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/stackforge/services/forge/build"
	"github.com/AleutianAI/stackforge/services/forge/layout"
	"github.com/AleutianAI/stackforge/services/forge/lock"
	"github.com/AleutianAI/stackforge/services/forge/spec"
	"github.com/AleutianAI/stackforge/services/forge/store"
)

// Config wires an Installer to its collaborators. All but Logger are required.
type Config struct {
	Builder  build.Builder
	Database store.Database
	Locks    *lock.Manager
	Layout   *layout.Layout
	Logger   *slog.Logger
}

// Installer schedules and runs BuildTasks.
//
// # Thread Safety
//
// One Install runs at a time per Installer. Cancel may be called from any
// goroutine.
type Installer struct {
	builder build.Builder
	db      store.Database
	locks   *lock.Manager
	layout  *layout.Layout
	logger  *slog.Logger
	metrics instruments

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates an Installer.
func New(cfg Config) (*Installer, error) {
	switch {
	case cfg.Builder == nil:
		return nil, errors.New("installer: builder is required")
	case cfg.Database == nil:
		return nil, errors.New("installer: database is required")
	case cfg.Locks == nil:
		return nil, errors.New("installer: lock manager is required")
	case cfg.Layout == nil:
		return nil, errors.New("installer: layout is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		builder: cfg.Builder,
		db:      cfg.Database,
		locks:   cfg.Locks,
		layout:  cfg.Layout,
		logger:  logger.With("component", "installer"),
	}, nil
}

// Cancel stops the running Install from selecting new tasks. The in-flight
// build sees a cancelled context. Remaining tasks end REMOVED.
func (i *Installer) Cancel() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		i.cancel()
	}
}

// Install installs every request, sharing tasks by dag hash.
//
// # Description
//
// Build failures are local to the failing task and its dependents; they are
// reported in the Report and summarized by Report.Err. The returned error is
// reserved for conditions that abort the whole run: a Database failure,
// cancellation, or a scheduler invariant violation. The Report is non-nil
// whenever scheduling started, including on those errors.
//
// # Inputs
//
//   - ctx: Cancels scheduling and the in-flight build.
//   - requests: One or more validated requests.
//
// # Outputs
//
//   - *Report: Per-task and per-root outcomes.
//   - error: Fatal run error, or nil.
func (i *Installer) Install(ctx context.Context, requests ...*BuildRequest) (*Report, error) {
	if len(requests) == 0 {
		return nil, errors.New("installer: no requests")
	}
	for _, req := range requests {
		if req == nil || req.DAG == nil || req.Root() == nil {
			return nil, errors.New("installer: invalid request")
		}
	}

	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return nil, ErrInstallInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	i.running, i.cancel = true, cancel
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.running, i.cancel = false, nil
		i.mu.Unlock()
		cancel()
	}()

	i.metrics.init(i.logger)
	sessionID := uuid.NewString()[:12]
	ctx, span := tracer.Start(ctx, "forge.Install",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.Int("requests", len(requests)),
		),
	)
	defer span.End()

	start := time.Now()
	logger := i.logger.With("session_id", sessionID)
	r := newRun(logger, func(t *BuildTask) { i.metrics.finished(ctx, t) })

	for _, req := range requests {
		i.plan(r, req)
	}
	r.link()
	for _, req := range requests {
		t, err := i.checkMissing(ctx, r, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if t != nil && !t.Status.Terminal() {
			r.fail(t, t.Err)
		}
	}

	span.SetAttributes(attribute.Int("tasks", len(r.tasks)))
	logger.Info("Install started", "requests", len(requests), "tasks", len(r.tasks))

	err := i.loop(ctx, r)
	report := r.report(sessionID, requests, time.Since(start))

	logger.Info("Install finished",
		"installed", len(report.Installed),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
		"removed", len(report.Removed),
		"duration", report.Duration)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	if rerr := report.Err(); rerr != nil {
		span.SetStatus(codes.Error, "some roots failed")
	}
	return report, nil
}

// plan creates tasks for one request. Edges are linked once every request
// is planned, so the order of requests does not matter.
func (i *Installer) plan(r *run, req *BuildRequest) {
	dag, pol := req.DAG, req.Policy
	closure := dag.Closure(dag.Root, 0)

	var hashes []string
	switch {
	case pol.InstallDeps && pol.InstallPackage:
		hashes = closure
	case pol.InstallDeps:
		hashes = closure[:len(closure)-1]
	case pol.InstallPackage:
		hashes = []string{dag.Root}
	}

	for _, h := range hashes {
		isRoot := h == dag.Root
		r.add(req, dag.Nodes[h], isRoot && pol.Explicit, isRoot && pol.Overwrite)
	}
}

// checkMissing returns the root task of a package-only request when one of
// its dependencies is neither installed nor scheduled by any request.
func (i *Installer) checkMissing(ctx context.Context, r *run, req *BuildRequest) (*BuildTask, error) {
	dag, pol := req.DAG, req.Policy
	if pol.InstallDeps || !pol.InstallPackage {
		return nil, nil
	}

	closure := dag.Closure(dag.Root, 0)
	root := r.tasks[dag.Root]
	for _, h := range closure[:len(closure)-1] {
		if _, scheduled := r.tasks[h]; scheduled {
			continue
		}
		n := dag.Nodes[h]
		if n.IsExternal() {
			continue
		}
		ok, err := i.db.IsInstalled(ctx, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			root.Err = &MissingDependencyError{Name: n.Name, Hash: h}
			return root, nil
		}
	}
	return nil, nil
}

func (i *Installer) loop(ctx context.Context, r *run) error {
	for r.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			r.removeAll(err)
			return err
		}

		t := heap.Pop(&r.queue).(*BuildTask)
		if t.priority != 0 || len(t.uninstalled) != 0 {
			err := fmt.Errorf("%w: %s selected with %d uninstalled dependencies",
				ErrSchedulerInvariant, t.Node.Name, len(t.uninstalled))
			r.remove(t, err)
			r.removeAll(err)
			return err
		}
		t.Status = StatusInstalling

		err := i.installTask(ctx, r, t)
		switch {
		case err == nil:
			r.installed(t)
		case errors.Is(err, store.ErrDatabase):
			r.fail(t, err)
			r.removeAll(err)
			return err
		case ctx.Err() != nil:
			r.remove(t, ctx.Err())
			r.removeAll(ctx.Err())
			return ctx.Err()
		default:
			r.fail(t, err)
			if r.failFast {
				r.removeAll(fmt.Errorf("cancelled after %s failed", t.Node.Name))
				return nil
			}
		}
	}
	return nil
}

func (i *Installer) installTask(ctx context.Context, r *run, t *BuildTask) error {
	n := t.Node
	ctx, span := tracer.Start(ctx, "forge.Task",
		trace.WithAttributes(
			attribute.String("package", n.Name),
			attribute.String("hash", n.Hash),
			attribute.Bool("explicit", t.explicit),
		),
	)
	defer span.End()

	err := i.install(ctx, r, t)
	span.SetAttributes(attribute.Bool("skipped", t.skipped))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (i *Installer) install(ctx context.Context, r *run, t *BuildTask) error {
	n := t.Node
	t.prefix = i.layout.Prefix(n)

	if n.IsExternal() {
		t.skipped = true
		r.logger.Info("Registering external", "package", n.Name, "hash", n.ShortHash(), "prefix", n.External)
		return i.record(ctx, t)
	}
	if !t.overwrite {
		if done, err := i.alreadyInstalled(ctx, r, t); err != nil || done {
			return err
		}
	}

	l, err := i.locks.Acquire(ctx, n.Hash, "installing "+n.Name+"@"+n.Version.String())
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			r.logger.Warn("Lock release failed", "hash", n.ShortHash(), "error", err)
		}
	}()

	// Another process may have finished the build while we waited.
	if !t.overwrite {
		if done, err := i.alreadyInstalled(ctx, r, t); err != nil || done {
			return err
		}
	}
	return i.build(ctx, r, t)
}

// alreadyInstalled short-circuits t when the Database has it, upgrading the
// explicit flag if needed.
func (i *Installer) alreadyInstalled(ctx context.Context, r *run, t *BuildTask) (bool, error) {
	rec, err := i.db.Get(ctx, t.Hash())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rec.Installed {
		return false, nil
	}
	t.skipped = true
	if rec.Prefix != "" {
		t.prefix = rec.Prefix
	}
	if t.explicit && !rec.Explicit {
		if err := i.db.UpdateExplicit(ctx, t.Hash(), true); err != nil {
			return false, err
		}
		r.logger.Info("Marked explicit", "package", t.Node.Name, "hash", t.Node.ShortHash())
	}
	r.logger.Info("Already installed", "package", t.Node.Name, "hash", t.Node.ShortHash())
	return true, nil
}

func (i *Installer) build(ctx context.Context, r *run, t *BuildTask) error {
	n := t.Node
	dag := t.Request.DAG

	if t.overwrite {
		if err := i.layout.Remove(n); err != nil {
			return fmt.Errorf("removing previous prefix of %s: %w", n.Name, err)
		}
	}
	t.logPath = i.layout.LogPath(n)
	bc := build.BuildContext{
		Node:        n,
		DAG:         dag,
		Prefix:      t.prefix,
		LogPath:     t.logPath,
		DepPrefixes: i.depPrefixes(r, dag, n),
	}

	r.logger.Info("Installing", "package", n.Name, "hash", n.ShortHash(), "prefix", t.prefix)
	t.Attempts++
	if i.metrics.activeBuilds != nil {
		i.metrics.activeBuilds.Add(ctx, 1)
		defer i.metrics.activeBuilds.Add(ctx, -1)
	}
	start := time.Now()
	err := i.builder.Build(ctx, bc)
	if i.metrics.buildDuration != nil {
		i.metrics.buildDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("package", n.Name), attribute.Bool("success", err == nil)))
	}

	if err != nil {
		if ctx.Err() != nil || !t.Request.Policy.KeepPrefix {
			i.removePrefix(r, n)
		}
		if !errors.Is(err, build.ErrBuildFailed) {
			err = &build.BuildError{Hash: n.Hash, Name: n.Name, LogPath: t.logPath, Err: err}
		}
		r.logger.Warn("Build failed", "package", n.Name, "hash", n.ShortHash(), "error", err)
		return err
	}

	// The build completed; a later cancellation must not lose its record.
	wctx := context.WithoutCancel(ctx)
	if err := i.layout.WriteMetadata(dag, n.Hash); err != nil {
		i.removePrefix(r, n)
		return &build.BuildError{Hash: n.Hash, Name: n.Name, LogPath: t.logPath, Err: fmt.Errorf("writing metadata: %w", err)}
	}
	if archived, err := i.layout.ArchiveLog(n); err != nil {
		r.logger.Warn("Archiving build log failed", "package", n.Name, "error", err)
	} else if archived != "" {
		t.logPath = archived
	}
	if err := i.record(wctx, t); err != nil {
		return err
	}
	r.logger.Info("Installed", "package", n.Name, "hash", n.ShortHash(), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func (i *Installer) record(ctx context.Context, t *BuildTask) error {
	return i.db.RecordInstall(ctx, store.Record{
		Hash:      t.Hash(),
		Node:      t.Node,
		Explicit:  t.explicit,
		Installed: true,
		Prefix:    t.prefix,
		External:  t.Node.IsExternal(),
	})
}

func (i *Installer) removePrefix(r *run, n *spec.Node) {
	if err := i.layout.Remove(n); err != nil {
		r.logger.Warn("Removing prefix failed", "package", n.Name, "error", err)
	}
}

// depPrefixes maps every dependency in the closure of n to its prefix,
// preferring the prefix recorded by the task that installed it.
func (i *Installer) depPrefixes(r *run, dag *spec.DAG, n *spec.Node) map[string]string {
	out := make(map[string]string)
	for _, h := range dag.Closure(n.Hash, 0) {
		if h == n.Hash {
			continue
		}
		dep := dag.Nodes[h]
		if t, ok := r.tasks[h]; ok && t.prefix != "" {
			out[dep.Name] = t.prefix
			continue
		}
		out[dep.Name] = i.layout.Prefix(dep)
	}
	return out
}

// =============================================================================
// run: per-call scheduling state
// =============================================================================

type run struct {
	tasks    map[string]*BuildTask
	queue    taskQueue
	nextSeq  int
	pending  []*BuildTask
	failFast bool
	finished []*BuildTask
	logger   *slog.Logger
	onFinish func(*BuildTask)
}

func newRun(logger *slog.Logger, onFinish func(*BuildTask)) *run {
	return &run{tasks: make(map[string]*BuildTask), logger: logger, onFinish: onFinish}
}

// add returns the task for n, creating it on first sight. New tasks wait
// for link before they are queued.
func (r *run) add(req *BuildRequest, n *spec.Node, explicit, overwrite bool) *BuildTask {
	if req.Policy.FailFast {
		r.failFast = true
	}
	if t, ok := r.tasks[n.Hash]; ok {
		t.explicit = t.explicit || explicit
		t.overwrite = t.overwrite || overwrite
		return t
	}

	t := &BuildTask{
		Node:        n,
		Request:     req,
		Status:      StatusAdded,
		uninstalled: make(map[string]struct{}),
		sequence:    r.nextSeq,
		index:       -1,
		explicit:    explicit,
		overwrite:   overwrite,
	}
	r.nextSeq++
	r.tasks[n.Hash] = t
	r.pending = append(r.pending, t)
	return t
}

// link connects every pending task to the scheduled tasks among its
// dependencies and queues it.
func (r *run) link() {
	for _, t := range r.pending {
		for _, e := range t.Node.Deps {
			dep, ok := r.tasks[e.Hash]
			if !ok {
				continue
			}
			t.Deps = append(t.Deps, e.Hash)
			dep.dependents = append(dep.dependents, t)
			if !dep.Status.Terminal() {
				t.uninstalled[e.Hash] = struct{}{}
			}
		}
		t.priority = len(t.uninstalled)
		heap.Push(&r.queue, t)
		t.Status = StatusQueued
	}
	r.pending = nil
}

func (r *run) installed(t *BuildTask) {
	t.Status = StatusInstalled
	r.finish(t)
	for _, d := range t.dependents {
		if d.Status.Terminal() {
			continue
		}
		d.flagInstalled(t.Hash())
		r.queue.fix(d)
	}
}

// fail marks t FAILED and, recursively, every unfinished dependent.
func (r *run) fail(t *BuildTask, err error) {
	r.queue.remove(t)
	t.Status = StatusFailed
	t.Err = err
	r.finish(t)

	cause := err
	var dferr *DependencyFailedError
	if errors.As(err, &dferr) {
		cause = dferr.Err
	}
	for _, d := range t.dependents {
		if d.Status.Terminal() {
			continue
		}
		r.fail(d, &DependencyFailedError{Name: t.Node.Name, Hash: t.Hash(), Err: cause})
	}
}

func (r *run) remove(t *BuildTask, err error) {
	r.queue.remove(t)
	t.Status = StatusRemoved
	t.Err = err
	r.finish(t)
}

// removeAll cancels every queued task in queue order.
func (r *run) removeAll(err error) {
	for r.queue.Len() > 0 {
		r.remove(heap.Pop(&r.queue).(*BuildTask), err)
	}
}

func (r *run) finish(t *BuildTask) {
	r.finished = append(r.finished, t)
	r.logger.Debug("Task finished", "package", t.Node.Name, "hash", t.Node.ShortHash(), "status", t.Status.String())
	if r.onFinish != nil {
		r.onFinish(t)
	}
}

func (r *run) report(sessionID string, requests []*BuildRequest, d time.Duration) *Report {
	rep := &Report{SessionID: sessionID, Duration: d}
	for _, t := range r.finished {
		rep.add(t)
	}
	for _, req := range requests {
		if t, ok := r.tasks[req.DAG.Root]; ok {
			rep.Roots = append(rep.Roots, outcomeOf(t))
		}
	}
	return rep
}
