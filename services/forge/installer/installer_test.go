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
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackforge/services/forge/build"
	"github.com/AleutianAI/stackforge/services/forge/catalog"
	"github.com/AleutianAI/stackforge/services/forge/concretize"
	"github.com/AleutianAI/stackforge/services/forge/layout"
	"github.com/AleutianAI/stackforge/services/forge/lock"
	"github.com/AleutianAI/stackforge/services/forge/spec"
	"github.com/AleutianAI/stackforge/services/forge/store"
	"github.com/AleutianAI/stackforge/services/forge/version"
)

// =============================================================================
// Fixtures
// =============================================================================

func versions(vs ...string) []catalog.VersionYAML {
	out := make([]catalog.VersionYAML, len(vs))
	for i, v := range vs {
		out[i] = catalog.VersionYAML{Version: v}
	}
	return out
}

func testCatalog() catalog.Catalog {
	mem := catalog.NewMemory(
		catalog.MustCompile(catalog.PackageYAML{Name: "a", Versions: versions("1.0"), Dependencies: []catalog.DependencyYAML{
			{Spec: "b", Types: []string{"build"}},
			{Spec: "c", Types: []string{"build"}},
		}}),
		catalog.MustCompile(catalog.PackageYAML{Name: "b", Versions: versions("1.0"), Dependencies: []catalog.DependencyYAML{{Spec: "d"}}}),
		catalog.MustCompile(catalog.PackageYAML{Name: "c", Versions: versions("1.0"), Dependencies: []catalog.DependencyYAML{{Spec: "d"}}}),
		catalog.MustCompile(catalog.PackageYAML{Name: "d", Versions: versions("1", "2")}),
		catalog.MustCompile(catalog.PackageYAML{Name: "openssl", Versions: versions("3.0.2", "3.1.0")}),
		catalog.MustCompile(catalog.PackageYAML{Name: "curl", Versions: versions("8.4.0"), Dependencies: []catalog.DependencyYAML{{Spec: "openssl"}}}),
	)
	return catalog.NewIndex(mem)
}

func concretizeSpec(t *testing.T, s string) *spec.DAG {
	t.Helper()
	c, err := concretize.New(testCatalog(), concretize.Config{
		Compilers:       []spec.Compiler{{Name: "gcc", Version: version.MustParse("13.1.0")}},
		DefaultCompiler: "gcc",
		Arch:            spec.Arch{Platform: "linux", OS: "test", Target: "x86_64"},
		Packages: map[string]concretize.PackageConfig{
			"openssl": {Externals: []concretize.External{{Spec: "openssl@3.0.2", Prefix: "/usr"}}},
		},
	})
	require.NoError(t, err)
	dag, err := c.Concretize(context.Background(), spec.MustParse(s))
	require.NoError(t, err)
	return dag
}

func request(t *testing.T, dag *spec.DAG, mutate ...func(*Policy)) *BuildRequest {
	t.Helper()
	pol := DefaultPolicy()
	for _, m := range mutate {
		m(&pol)
	}
	req, err := NewRequest(dag, pol)
	require.NoError(t, err)
	return req
}

// harness wires an Installer to an in-memory Badger store, a temp-dir
// layout and lock manager, and a recording builder.
type harness struct {
	t      *testing.T
	inst   *Installer
	db     store.Database
	layout *layout.Layout
	locks  *lock.Manager

	mu       sync.Mutex
	builds   []string
	contexts map[string]build.BuildContext
	early    []string
	fail     map[string]error
	hook     func(ctx context.Context, bc build.BuildContext) error
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	db       store.Database
	root     string
	lockWait time.Duration
	wrapDB   func(store.Database) store.Database
}

func withDB(db store.Database) harnessOption { return func(c *harnessConfig) { c.db = db } }
func withRoot(root string) harnessOption     { return func(c *harnessConfig) { c.root = root } }
func withLockWait(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.lockWait = d }
}
func withDBWrapper(w func(store.Database) store.Database) harnessOption {
	return func(c *harnessConfig) { c.wrapDB = w }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{root: t.TempDir(), lockWait: 5 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.db == nil {
		db, err := store.Open(store.Config{Backend: store.BackendBadger, InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		cfg.db = db
	}

	lcfg := lock.DefaultConfig(filepath.Join(cfg.root, "locks"))
	lcfg.SessionID = "installer"
	lcfg.WaitTimeout = cfg.lockWait
	lcfg.PollInterval = 20 * time.Millisecond
	locks, err := lock.NewManager(lcfg)
	require.NoError(t, err)
	t.Cleanup(func() { locks.Close() })

	lay, err := layout.New(filepath.Join(cfg.root, "opt"))
	require.NoError(t, err)

	h := &harness{
		t:        t,
		db:       cfg.db,
		layout:   lay,
		locks:    locks,
		contexts: make(map[string]build.BuildContext),
		fail:     make(map[string]error),
	}
	db := cfg.db
	if cfg.wrapDB != nil {
		db = cfg.wrapDB(db)
	}
	h.inst, err = New(Config{
		Builder:  build.BuilderFunc(h.build),
		Database: db,
		Locks:    locks,
		Layout:   lay,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) build(ctx context.Context, bc build.BuildContext) error {
	h.mu.Lock()
	h.builds = append(h.builds, bc.Node.Name)
	h.contexts[bc.Node.Name] = bc
	fail := h.fail[bc.Node.Name]
	hook := h.hook
	h.mu.Unlock()

	for _, e := range bc.Node.Deps {
		ok, err := h.db.IsInstalled(ctx, e.Hash)
		if err != nil || !ok {
			h.mu.Lock()
			h.early = append(h.early, bc.Node.Name+" before "+e.Name)
			h.mu.Unlock()
		}
	}
	if err := os.MkdirAll(bc.Prefix, 0755); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx, bc); err != nil {
			return err
		}
	}
	return fail
}

func (h *harness) built() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.builds...)
}

func (h *harness) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.builds = nil
	h.early = nil
	h.fail = make(map[string]error)
	h.contexts = make(map[string]build.BuildContext)
}

func (h *harness) record(hash string) *store.Record {
	h.t.Helper()
	rec, err := h.db.Get(context.Background(), hash)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) installed(hash string) bool {
	h.t.Helper()
	ok, err := h.db.IsInstalled(context.Background(), hash)
	require.NoError(h.t, err)
	return ok
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// =============================================================================
// Scenarios
// =============================================================================

func TestInstall_DiamondScenario(t *testing.T) {
	dag := concretizeSpec(t, "a")
	require.Equal(t, 4, dag.Len())
	d := dag.Find("d")
	require.NotNil(t, d)
	assert.Equal(t, "2", d.Version.String())

	h := newHarness(t)
	report, err := h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	require.NoError(t, report.Err())

	builds := h.built()
	assert.Len(t, builds, 4)
	assert.Equal(t, "d", builds[0])
	assert.Equal(t, "a", builds[3])
	assert.Less(t, indexOf(builds, "d"), indexOf(builds, "b"))
	assert.Less(t, indexOf(builds, "d"), indexOf(builds, "c"))
	assert.Empty(t, h.early, "no node built before its dependencies were recorded")

	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, Names(report.Installed))
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Failed)
	require.Len(t, report.Roots, 1)
	assert.Equal(t, StatusInstalled, report.Roots[0].Status)
	assert.NotEmpty(t, report.SessionID)

	for _, hash := range dag.TopoOrder() {
		n := dag.Nodes[hash]
		rec := h.record(hash)
		assert.True(t, rec.Installed, n.Name)
		assert.Equal(t, n.Name == "a", rec.Explicit, n.Name)
		assert.Equal(t, h.layout.Prefix(n), rec.Prefix)

		meta, err := layout.ReadMetadata(rec.Prefix)
		require.NoError(t, err, n.Name)
		assert.Equal(t, hash, meta.Root)
	}

	bc := h.contexts["a"]
	assert.Equal(t, h.layout.Prefix(d), bc.DepPrefixes["d"])
	assert.Len(t, bc.DepPrefixes, 3)
}

func TestInstall_BuildFailureScenario(t *testing.T) {
	dag := concretizeSpec(t, "a")
	h := newHarness(t)
	h.fail["b"] = errors.New("compiler exploded")

	report, err := h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err, "build failures are reported, not returned")

	assert.ElementsMatch(t, []string{"a", "b"}, Names(report.Failed))
	assert.ElementsMatch(t, []string{"c", "d"}, Names(report.Installed))
	assert.NotContains(t, h.built(), "a")

	b := dag.Find("b")
	assert.False(t, h.installed(b.Hash))
	assert.False(t, h.installed(dag.Root))
	assert.True(t, h.installed(dag.Find("c").Hash))
	_, statErr := os.Stat(h.layout.Prefix(b))
	assert.True(t, os.IsNotExist(statErr), "failed prefix is removed")

	rerr := report.Err()
	require.Error(t, rerr)
	assert.ErrorIs(t, rerr, ErrInstallFailed)
	var ierr *InstallError
	require.ErrorAs(t, rerr, &ierr)
	require.Len(t, ierr.Failed, 1)
	root := ierr.Failed[0]
	assert.Equal(t, "a", root.Name)
	assert.Equal(t, StatusFailed, root.Status)
	assert.ErrorIs(t, root.Err, ErrDependencyFailed)
	assert.ErrorIs(t, root.Err, build.ErrBuildFailed)
	assert.Equal(t, h.layout.LogPath(b), root.LogPath, "root failure points at the failing build's log")

	var dferr *DependencyFailedError
	require.ErrorAs(t, root.Err, &dferr)
	assert.Equal(t, "b", dferr.Name)
}

func TestInstall_FailedBuildKeepsLog(t *testing.T) {
	dag := concretizeSpec(t, "a")
	h := newHarness(t)
	h.fail["b"] = errors.New("compiler exploded")
	h.hook = func(_ context.Context, bc build.BuildContext) error {
		if err := os.MkdirAll(filepath.Dir(bc.LogPath), 0755); err != nil {
			return err
		}
		return os.WriteFile(bc.LogPath, []byte("building "+bc.Node.Name+"\n"), 0644)
	}

	report, err := h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	require.Error(t, report.Err())

	b := dag.Find("b")
	_, statErr := os.Stat(h.layout.Prefix(b))
	assert.True(t, os.IsNotExist(statErr), "failed prefix is removed")
	data, err := os.ReadFile(h.layout.LogPath(b))
	require.NoError(t, err, "log of the failed build survives prefix removal")
	assert.Equal(t, "building b\n", string(data))

	var ierr *InstallError
	require.ErrorAs(t, report.Err(), &ierr)
	require.Len(t, ierr.Failed, 1)
	assert.Equal(t, h.layout.LogPath(b), ierr.Failed[0].LogPath)

	c := dag.Find("c")
	data, err = os.ReadFile(h.layout.InstalledLogPath(c))
	require.NoError(t, err, "log of a successful build moves into its prefix")
	assert.Equal(t, "building c\n", string(data))
	_, statErr = os.Stat(h.layout.LogPath(c))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInstall_FailureIsolatesOnlyDependents(t *testing.T) {
	dag := concretizeSpec(t, "a")
	h := newHarness(t)
	h.fail["d"] = errors.New("no")

	report, err := h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, h.built())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, Names(report.Failed))
	assert.Empty(t, report.Installed)
}

// =============================================================================
// Database short-circuit and explicit tracking
// =============================================================================

func TestInstall_RerunSkipsEverything(t *testing.T) {
	dag := concretizeSpec(t, "a")
	h := newHarness(t)

	_, err := h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	h.reset()

	report, err := h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	assert.Empty(t, h.built())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, Names(report.Skipped))
	assert.Empty(t, report.Installed)
	require.Len(t, report.Roots, 1)
	assert.True(t, report.Roots[0].Skipped)
	assert.NoError(t, report.Err())
}

func TestInstall_ResumesAfterRestartWithSQLite(t *testing.T) {
	dag := concretizeSpec(t, "a")
	root := t.TempDir()
	path := filepath.Join(root, "forge.db")

	db1, err := store.Open(store.Config{Backend: store.BackendSQLite, Path: path})
	require.NoError(t, err)
	h1 := newHarness(t, withDB(db1), withRoot(root))
	h1.fail["a"] = errors.New("interrupted")
	_, err = h1.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := store.Open(store.Config{Backend: store.BackendSQLite, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { db2.Close() })
	h2 := newHarness(t, withDB(db2), withRoot(root))

	report, err := h2.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, h2.built())
	assert.ElementsMatch(t, []string{"b", "c", "d"}, Names(report.Skipped))
	assert.NoError(t, report.Err())
}

func TestInstall_ExplicitUpgradeNeverReverts(t *testing.T) {
	dag := concretizeSpec(t, "a")
	dHash := dag.Find("d").Hash
	h := newHarness(t)

	_, err := h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	assert.False(t, h.record(dHash).Explicit)

	report, err := h.inst.Install(context.Background(), request(t, dag.Sub(dHash)))
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, Names(report.Skipped))
	assert.True(t, h.record(dHash).Explicit, "explicit root upgrades the flag")

	_, err = h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	assert.True(t, h.record(dHash).Explicit, "implicit install keeps explicit")

	_, err = h.inst.Install(context.Background(), request(t, dag.Sub(dHash), func(p *Policy) { p.Explicit = false }))
	require.NoError(t, err)
	assert.True(t, h.record(dHash).Explicit)
	assert.Empty(t, h.built()[4:])
}

// =============================================================================
// Policies
// =============================================================================

func TestInstall_Policies(t *testing.T) {
	t.Run("only dependencies", func(t *testing.T) {
		dag := concretizeSpec(t, "a")
		h := newHarness(t)
		report, err := h.inst.Install(context.Background(), request(t, dag, func(p *Policy) { p.InstallPackage = false }))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"b", "c", "d"}, h.built())
		assert.Empty(t, report.Roots)
		assert.False(t, h.installed(dag.Root))
	})

	t.Run("without dependencies requires them installed", func(t *testing.T) {
		dag := concretizeSpec(t, "a")
		h := newHarness(t)
		noDeps := func(p *Policy) { p.InstallDeps = false }

		report, err := h.inst.Install(context.Background(), request(t, dag, noDeps))
		require.NoError(t, err)
		assert.Empty(t, h.built())
		require.Len(t, report.Failed, 1)
		assert.ErrorIs(t, report.Failed[0].Err, ErrMissingDependency)
		assert.ErrorIs(t, report.Err(), ErrInstallFailed)

		_, err = h.inst.Install(context.Background(), request(t, dag, func(p *Policy) { p.InstallPackage = false }))
		require.NoError(t, err)
		h.reset()

		report, err = h.inst.Install(context.Background(), request(t, dag, noDeps))
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, h.built())
		assert.NoError(t, report.Err())
	})

	t.Run("without dependencies sees other requests", func(t *testing.T) {
		dag := concretizeSpec(t, "b")
		for name, swap := range map[string]bool{"package first": false, "dependencies first": true} {
			t.Run(name, func(t *testing.T) {
				h := newHarness(t)
				pkg := request(t, dag, func(p *Policy) { p.InstallDeps = false })
				deps := request(t, dag, func(p *Policy) { p.InstallPackage = false })
				reqs := []*BuildRequest{pkg, deps}
				if swap {
					reqs = []*BuildRequest{deps, pkg}
				}

				report, err := h.inst.Install(context.Background(), reqs...)
				require.NoError(t, err)
				assert.NoError(t, report.Err())
				assert.Equal(t, []string{"d", "b"}, h.built())
				assert.Empty(t, report.Failed)
				assert.True(t, h.installed(dag.Root))
				assert.Empty(t, h.early)
			})
		}
	})

	t.Run("overwrite rebuilds only the root", func(t *testing.T) {
		dag := concretizeSpec(t, "a")
		h := newHarness(t)
		_, err := h.inst.Install(context.Background(), request(t, dag))
		require.NoError(t, err)

		stale := filepath.Join(h.layout.Prefix(dag.RootNode()), "stale")
		require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))
		h.reset()

		report, err := h.inst.Install(context.Background(), request(t, dag, func(p *Policy) { p.Overwrite = true }))
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, h.built())
		assert.Equal(t, []string{"a"}, Names(report.Installed))
		_, statErr := os.Stat(stale)
		assert.True(t, os.IsNotExist(statErr), "previous prefix is replaced")
	})

	t.Run("fail fast removes remaining tasks", func(t *testing.T) {
		dag := concretizeSpec(t, "a")
		h := newHarness(t)
		h.fail["b"] = errors.New("boom")

		report, err := h.inst.Install(context.Background(), request(t, dag, func(p *Policy) { p.FailFast = true }))
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "b"}, h.built())
		assert.ElementsMatch(t, []string{"b", "a"}, Names(report.Failed))
		assert.Equal(t, []string{"c"}, Names(report.Removed))
		assert.Equal(t, []string{"d"}, Names(report.Installed))
	})

	t.Run("keep prefix on failure", func(t *testing.T) {
		dag := concretizeSpec(t, "a")
		h := newHarness(t)
		h.fail["d"] = errors.New("boom")

		_, err := h.inst.Install(context.Background(), request(t, dag, func(p *Policy) { p.KeepPrefix = true }))
		require.NoError(t, err)
		_, statErr := os.Stat(h.layout.Prefix(dag.Find("d")))
		assert.NoError(t, statErr)
	})
}

func TestInstall_MultipleRequestsShareTasks(t *testing.T) {
	dag := concretizeSpec(t, "a")
	bHash := dag.Find("b").Hash
	h := newHarness(t)

	report, err := h.inst.Install(context.Background(),
		request(t, dag.Sub(bHash)),
		request(t, dag),
	)
	require.NoError(t, err)
	assert.Len(t, h.built(), 4)
	assert.Len(t, report.Roots, 2)
	assert.True(t, h.record(bHash).Explicit)
	assert.True(t, h.record(dag.Root).Explicit)
	assert.False(t, h.record(dag.Find("d").Hash).Explicit)
}

func TestInstall_Externals(t *testing.T) {
	dag := concretizeSpec(t, "curl")
	ssl := dag.Find("openssl")
	require.NotNil(t, ssl)
	require.True(t, ssl.IsExternal())

	h := newHarness(t)
	report, err := h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)

	assert.Equal(t, []string{"curl"}, h.built())
	assert.Equal(t, []string{"openssl"}, Names(report.Skipped))
	assert.Equal(t, "/usr", h.contexts["curl"].DepPrefixes["openssl"])

	rec := h.record(ssl.Hash)
	assert.True(t, rec.External)
	assert.True(t, rec.Installed)
	assert.Equal(t, "/usr", rec.Prefix)
}

// =============================================================================
// Locking, cancellation, and fatal errors
// =============================================================================

func TestInstall_WaitsForLockThenRechecksDatabase(t *testing.T) {
	dag := concretizeSpec(t, "a")
	d := dag.Find("d")
	root := t.TempDir()
	h := newHarness(t, withRoot(root))

	other, err := lock.NewManager(lock.Config{Dir: filepath.Join(root, "locks"), SessionID: "other"})
	require.NoError(t, err)
	defer other.Close()
	held, err := other.TryAcquire(d.Hash, "other installer")
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		h.db.RecordInstall(context.Background(), store.Record{
			Hash: d.Hash, Node: d, Installed: true, Prefix: h.layout.Prefix(d),
		})
		held.Release()
	}()

	report, err := h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	assert.NotContains(t, h.built(), "d")
	assert.Equal(t, []string{"d"}, Names(report.Skipped))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, Names(report.Installed))
}

func TestInstall_LockTimeoutFailsSubtree(t *testing.T) {
	dag := concretizeSpec(t, "a")
	d := dag.Find("d")
	root := t.TempDir()
	h := newHarness(t, withRoot(root), withLockWait(150*time.Millisecond))

	other, err := lock.NewManager(lock.Config{Dir: filepath.Join(root, "locks"), SessionID: "other"})
	require.NoError(t, err)
	defer other.Close()
	_, err = other.TryAcquire(d.Hash, "other installer")
	require.NoError(t, err)

	report, err := h.inst.Install(context.Background(), request(t, dag))
	require.NoError(t, err)
	assert.Empty(t, h.built())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, Names(report.Failed))

	var terr *lock.LockTimeoutError
	require.ErrorAs(t, report.Failed[0].Err, &terr)
	assert.ErrorIs(t, report.Failed[0].Err, lock.ErrLockContention)
	assert.False(t, h.locks.Holding(d.Hash))
}

func TestInstall_DeadlineDuringLockWaitRemovesTasks(t *testing.T) {
	dag := concretizeSpec(t, "a")
	d := dag.Find("d")
	root := t.TempDir()
	h := newHarness(t, withRoot(root), withLockWait(time.Minute))

	other, err := lock.NewManager(lock.Config{Dir: filepath.Join(root, "locks"), SessionID: "other"})
	require.NoError(t, err)
	defer other.Close()
	_, err = other.TryAcquire(d.Hash, "other installer")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	report, err := h.inst.Install(ctx, request(t, dag))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, report)
	assert.Empty(t, h.built())
	assert.Empty(t, report.Failed)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, Names(report.Removed))
}

func TestInstall_CancelStopsScheduling(t *testing.T) {
	dag := concretizeSpec(t, "a")
	d := dag.Find("d")
	h := newHarness(t)
	started := make(chan struct{})
	h.hook = func(ctx context.Context, bc build.BuildContext) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	go func() {
		<-started
		h.inst.Cancel()
	}()

	report, err := h.inst.Install(context.Background(), request(t, dag))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, []string{"d"}, h.built())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, Names(report.Removed))
	_, getErr := h.db.Get(context.Background(), d.Hash)
	assert.ErrorIs(t, getErr, store.ErrNotFound, "a cancelled build is never recorded")
	_, statErr := os.Stat(h.layout.Prefix(d))
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, h.locks.Holding(d.Hash))
}

func TestInstall_CancelledContextBeforeStart(t *testing.T) {
	dag := concretizeSpec(t, "a")
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.inst.Install(ctx, request(t, dag))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.built())
	assert.Len(t, report.Removed, 4)
}

type failingDB struct {
	store.Database
	failOn string
}

func (f *failingDB) RecordInstall(ctx context.Context, rec store.Record) error {
	if rec.Node.Name == f.failOn {
		return &store.DatabaseError{Op: "put", Hash: rec.Hash, Err: errors.New("disk full")}
	}
	return f.Database.RecordInstall(ctx, rec)
}

func TestInstall_DatabaseErrorIsFatal(t *testing.T) {
	dag := concretizeSpec(t, "a")
	h := newHarness(t, withDBWrapper(func(db store.Database) store.Database {
		return &failingDB{Database: db, failOn: "b"}
	}))

	report, err := h.inst.Install(context.Background(), request(t, dag))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrDatabase)
	require.NotNil(t, report)
	assert.Equal(t, []string{"d", "b"}, h.built())
	assert.ElementsMatch(t, []string{"b", "a"}, Names(report.Failed))
	assert.Equal(t, []string{"c"}, Names(report.Removed))
}

func TestInstall_RejectsConcurrentCall(t *testing.T) {
	dag := concretizeSpec(t, "d")
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.hook = func(ctx context.Context, bc build.BuildContext) error {
		close(started)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.inst.Install(context.Background(), request(t, dag))
		done <- err
	}()
	<-started
	_, err := h.inst.Install(context.Background(), request(t, dag))
	assert.ErrorIs(t, err, ErrInstallInProgress)
	close(release)
	assert.NoError(t, <-done)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Builder: build.BuilderFunc(nil)})
	assert.Error(t, err)
}

func TestInstall_InvalidRequests(t *testing.T) {
	h := newHarness(t)
	_, err := h.inst.Install(context.Background())
	assert.Error(t, err)
	_, err = h.inst.Install(context.Background(), nil)
	assert.Error(t, err)

	_, err = NewRequest(nil, DefaultPolicy())
	assert.Error(t, err)
	_, err = NewRequest(spec.NewDAG(), DefaultPolicy())
	assert.ErrorIs(t, err, spec.ErrUnknownNode)
}
