// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package concretize resolves abstract specs into concrete DAGs.
//
// # Description
//
// The Concretizer assigns packages one at a time in discovery order, a
// depender always before its conditional dependencies, and backtracks on
// conflict. Under the unified policy each package name receives exactly one
// assignment for the whole graph, and every dependent of a virtual shares
// one provider.
//
// Candidate order, first to last:
//
//  1. externals from configuration that satisfy the constraints
//  2. versions matching packages.<name>.versions, in listed order
//  3. versions the catalog marks preferred
//  4. remaining non-deprecated versions, highest first
//  5. deprecated versions, highest first
//
// Already-installed specs are not preferred here; the installer reuses them.
//
// # Thread Safety
//
// A Concretizer holds no per-solve state and is safe for concurrent use.
package concretize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/stackforge/services/forge/catalog"
	"github.com/AleutianAI/stackforge/services/forge/spec"
	"github.com/AleutianAI/stackforge/services/forge/version"
)

// Concretizer turns abstract specs into concrete DAGs.
type Concretizer struct {
	cat    catalog.Catalog
	cfg    Config
	prefs  map[string]packagePrefs
	logger *slog.Logger
}

// New creates a Concretizer over cat.
//
// Inputs:
//
//	cat - Package catalog. Must not be nil.
//	cfg - Policy. Unset arch fields are filled from the host.
//
// Outputs:
//
//	*Concretizer - Ready to use.
//	error - Non-nil if cfg holds an unparsable preference or external.
func New(cat catalog.Catalog, cfg Config) (*Concretizer, error) {
	if cat == nil {
		return nil, errors.New("concretize: catalog must not be nil")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	host := HostArch()
	if cfg.Arch.Platform == "" {
		cfg.Arch.Platform = host.Platform
	}
	if cfg.Arch.OS == "" {
		cfg.Arch.OS = host.OS
	}
	if cfg.Arch.Target == "" {
		cfg.Arch.Target = host.Target
	}
	if cfg.DefaultCompiler != "" {
		found := false
		for _, cc := range cfg.Compilers {
			if cc.Name == cfg.DefaultCompiler {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("concretize: default compiler %s is not configured", cfg.DefaultCompiler)
		}
	}
	prefs, err := compilePrefs(cfg)
	if err != nil {
		return nil, fmt.Errorf("concretize: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Concretizer{
		cat:    cat,
		cfg:    cfg,
		prefs:  prefs,
		logger: logger.With("component", "concretizer"),
	}, nil
}

type candidate struct {
	version  version.Version
	external string
	variants map[string]spec.VariantValue
	source   string
}

type search struct {
	root       string
	rootDeps   []string
	steps      int
	backtracks int
	conflicts  conflictSet
}

func (sc *search) step(max int) error {
	sc.steps++
	if sc.steps > max {
		return ErrBudgetExhausted
	}
	return nil
}

// Concretize resolves abstract into one concrete DAG.
//
// # Description
//
// The same request against the same catalog and config always yields the
// same DAG and hashes.
//
// # Outputs
//
//   - *spec.DAG: Concrete DAG rooted at the requested package (or at the
//     chosen provider when the request names a virtual).
//   - error: *ConcretizationError listing every conflict found, or
//     *spec.ConstraintError for an undeclared or illegal variant value, or
//     catalog.ErrUnknownPackage for a name the catalog does not know.
func (c *Concretizer) Concretize(ctx context.Context, abstract *spec.Spec) (*spec.DAG, error) {
	start := time.Now()
	dag, sc, err := c.concretize(ctx, abstract)

	outcome := "ok"
	var cerr *ConcretizationError
	switch {
	case err == nil:
	case errors.As(err, &cerr):
		outcome = "unsatisfiable"
	default:
		outcome = "error"
	}
	solveDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if sc != nil {
		solveSteps.Observe(float64(sc.steps))
		solveBacktracks.Add(float64(sc.backtracks))
	}

	if err != nil {
		c.logger.Debug("concretization failed", "spec", abstract.String(), "outcome", outcome, "error", err)
		return nil, err
	}
	c.logger.Debug("concretized",
		"spec", abstract.String(),
		"hash", dag.Root,
		"nodes", dag.Len(),
		"steps", sc.steps,
		"backtracks", sc.backtracks,
		"duration", time.Since(start))
	return dag, nil
}

func (c *Concretizer) concretize(ctx context.Context, abstract *spec.Spec) (*spec.DAG, *search, error) {
	if abstract == nil || abstract.Name == "" {
		return nil, nil, &spec.ConstraintError{Field: "name", Msg: "spec must name a package"}
	}

	sc := &search{root: abstract.Name, conflicts: conflictSet{}}
	st := newState()

	root := abstract.Clone()
	deps := root.Deps
	root.Deps = nil

	if ok, err := c.known(root.Name); err != nil {
		return nil, sc, err
	} else if !ok {
		return nil, sc, fmt.Errorf("%w: %s", catalog.ErrUnknownPackage, root.Name)
	}
	if confs, err := c.require(st, root.Name, requestSource, root); err != nil {
		return nil, sc, err
	} else if len(confs) > 0 {
		sc.conflicts.add(confs...)
		return nil, sc, &ConcretizationError{Spec: abstract.String(), Conflicts: sc.conflicts.sorted()}
	}

	for _, d := range deps {
		if ok, err := c.known(d.Name); err != nil {
			return nil, sc, err
		} else if !ok {
			return nil, sc, fmt.Errorf("%w: %s", catalog.ErrUnknownPackage, d.Name)
		}
		confs, err := c.require(st, d.Name, requestSource, d)
		if err != nil {
			return nil, sc, err
		}
		if len(confs) > 0 {
			sc.conflicts.add(confs...)
			return nil, sc, &ConcretizationError{Spec: abstract.String(), Conflicts: sc.conflicts.sorted()}
		}
		sc.rootDeps = append(sc.rootDeps, d.Name)
	}
	st.enqueue(root.Name)

	dag, err := c.solve(ctx, st, sc)
	switch {
	case errors.Is(err, errBacktrack):
		return nil, sc, &ConcretizationError{Spec: abstract.String(), Conflicts: sc.conflicts.sorted()}
	case errors.Is(err, ErrBudgetExhausted):
		return nil, sc, &ConcretizationError{Spec: abstract.String(), Conflicts: sc.conflicts.sorted(), Exhausted: true}
	case err != nil:
		return nil, sc, err
	}
	return dag, sc, nil
}

// =============================================================================
// Constraint accumulation
// =============================================================================

// require adds s as a constraint on name.
//
// Conflicts are returned for the search to backtrack on; an error is fatal
// and means the constraint can never hold.
func (c *Concretizer) require(st *state, name, from string, s *spec.Spec) ([]Conflict, error) {
	req := s.Clone()
	req.Name = name
	req.Deps = nil

	virtual, err := c.cat.IsVirtual(name)
	if err != nil {
		return nil, err
	}
	if virtual {
		if len(req.Variants) > 0 || req.Compiler != nil || !req.Arch.IsZero() || req.External != "" {
			return nil, &spec.ConstraintError{Spec: name, Field: "virtual", Msg: "a virtual accepts only a version constraint"}
		}
	} else if err := c.validateVariants(name, req); err != nil {
		return nil, err
	}

	r := requirement{from: from, spec: req}
	next := st.mergedSpec(name).Clone()
	if err := next.Constrain(req); err != nil {
		var out []Conflict
		for _, prev := range st.reqs[name] {
			if !prev.spec.Intersects(req) {
				out = append(out, Conflict{Package: name, First: prev.String(), Second: r.String(), Reason: reasonOf(err)})
			}
		}
		if len(out) == 0 {
			out = append(out, Conflict{Package: name, First: st.describe(name), Second: r.String(), Reason: reasonOf(err)})
		}
		return out, nil
	}
	st.merged[name] = next
	st.reqs[name] = append(st.reqs[name], r)

	if n, ok := st.assigned[name]; ok && !n.Satisfies(req) {
		return []Conflict{{
			Package: name,
			First:   "selected " + n.String(),
			Second:  r.String(),
			Reason:  "selected configuration does not satisfy the requirement",
		}}, nil
	}
	return nil, nil
}

// known reports whether name is a package or a virtual.
func (c *Concretizer) known(name string) (bool, error) {
	if c.cat.Exists(name) {
		return true, nil
	}
	return c.cat.IsVirtual(name)
}

// validateVariants rejects variants the package never declares and values
// outside every declaration's legal set.
func (c *Concretizer) validateVariants(name string, req *spec.Spec) error {
	if len(req.Variants) == 0 {
		return nil
	}
	pkg, err := c.cat.Package(name)
	if err != nil {
		return err
	}
	vnames := make([]string, 0, len(req.Variants))
	for vn := range req.Variants {
		vnames = append(vnames, vn)
	}
	sort.Strings(vnames)

	for _, vn := range vnames {
		var firstErr error
		declared, legal := false, false
		for _, decl := range pkg.Variants {
			if decl.Name != vn {
				continue
			}
			declared = true
			if err := decl.Validate(name, req.Variants[vn]); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			legal = true
			break
		}
		if !declared {
			return &spec.ConstraintError{Spec: name, Field: "variant:" + vn, Msg: fmt.Sprintf("%s has no variant %s", name, vn)}
		}
		if !legal {
			return firstErr
		}
	}
	return nil
}

func reasonOf(err error) string {
	var cerr *spec.ConstraintError
	if errors.As(err, &cerr) {
		return cerr.Msg
	}
	return err.Error()
}

// =============================================================================
// Search
// =============================================================================

func (c *Concretizer) solve(ctx context.Context, st *state, sc *search) (*spec.DAG, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, ok := st.next()
	if !ok {
		return c.finish(st, sc)
	}
	virtual, err := c.cat.IsVirtual(name)
	if err != nil {
		return nil, err
	}
	if virtual {
		return c.solveVirtual(ctx, st, name, sc)
	}
	return c.solvePackage(ctx, st, name, sc)
}

func (c *Concretizer) solvePackage(ctx context.Context, st *state, name string, sc *search) (*spec.DAG, error) {
	pkg, err := c.cat.Package(name)
	if err != nil {
		return nil, err
	}

	cands := c.candidates(st, name, pkg)
	if len(cands) == 0 {
		sc.conflicts.add(Conflict{Package: name, First: st.describe(name), Reason: c.noCandidateReason(name, pkg)})
		return nil, errBacktrack
	}

	for _, cand := range cands {
		if err := sc.step(c.cfg.MaxSteps); err != nil {
			return nil, err
		}
		next := st.clone()
		confs, err := c.assign(next, name, pkg, cand)
		if err != nil {
			return nil, err
		}
		if len(confs) > 0 {
			sc.conflicts.add(confs...)
			sc.backtracks++
			continue
		}
		dag, err := c.solve(ctx, next, sc)
		if err == nil {
			return dag, nil
		}
		if !errors.Is(err, errBacktrack) {
			return nil, err
		}
		sc.backtracks++
	}
	return nil, errBacktrack
}

func (c *Concretizer) solveVirtual(ctx context.Context, st *state, vname string, sc *search) (*spec.DAG, error) {
	provs, err := c.cat.Providers(vname)
	if err != nil {
		return nil, err
	}
	req := st.mergedSpec(vname)

	for _, pname := range c.orderProviders(st, vname, provs) {
		if !mayProvide(provs, pname, req) {
			sc.conflicts.add(Conflict{
				Package: vname,
				First:   st.describe(vname),
				Second:  "provider " + pname,
				Reason:  "no provides declaration matches the requested version",
			})
			continue
		}
		if err := sc.step(c.cfg.MaxSteps); err != nil {
			return nil, err
		}

		next := st.clone()
		next.providers[vname] = pname
		if inh, ok := next.inherit[vname]; ok {
			next.setInherit(pname, inh)
		}
		if pn, ok := next.assigned[pname]; ok {
			ppkg, err := c.cat.Package(pname)
			if err != nil {
				return nil, err
			}
			if !provides(ppkg, pn, vname, req) {
				sc.conflicts.add(Conflict{
					Package: vname,
					First:   st.describe(vname),
					Second:  "selected " + pn.String(),
					Reason:  "provider does not supply a matching version",
				})
				sc.backtracks++
				continue
			}
		}
		next.enqueue(pname)

		dag, err := c.solve(ctx, next, sc)
		if err == nil {
			return dag, nil
		}
		if !errors.Is(err, errBacktrack) {
			return nil, err
		}
		sc.backtracks++
	}
	return nil, errBacktrack
}

// orderProviders ranks providers: named in the request, then configured
// preference, then catalog order.
func (c *Concretizer) orderProviders(st *state, vname string, provs []catalog.Provider) []string {
	var names []string
	seen := make(map[string]bool)
	for _, p := range provs {
		if !seen[p.Package] {
			seen[p.Package] = true
			names = append(names, p.Package)
		}
	}
	rank := func(p string) (int, int) {
		if st.requestedBy(p) {
			return 0, 0
		}
		for i, pref := range c.cfg.Providers[vname] {
			if pref == p {
				return 1, i
			}
		}
		return 2, 0
	}
	sort.SliceStable(names, func(i, j int) bool {
		ri, pi := rank(names[i])
		rj, pj := rank(names[j])
		if ri != rj {
			return ri < rj
		}
		return pi < pj
	})
	return names
}

func mayProvide(provs []catalog.Provider, pname string, req *spec.Spec) bool {
	for _, p := range provs {
		if p.Package == pname && p.Virtual.Versions.Intersects(req.Versions) {
			return true
		}
	}
	return false
}

func provides(pkg *catalog.Package, n *spec.Node, vname string, req *spec.Spec) bool {
	for _, pr := range pkg.Provides {
		if pr.Virtual.Name != vname {
			continue
		}
		if pr.When != nil && !n.Satisfies(pr.When) {
			continue
		}
		if pr.Virtual.Versions.Intersects(req.Versions) {
			return true
		}
	}
	return false
}

// =============================================================================
// Candidates
// =============================================================================

func (c *Concretizer) candidates(st *state, name string, pkg *catalog.Package) []candidate {
	merged := st.mergedSpec(name)
	prefs, ok := c.prefs[name]
	if !ok {
		prefs.buildable = true
	}

	var out []candidate
	for _, ext := range prefs.externals {
		if !merged.Versions.Contains(ext.version) {
			continue
		}
		if merged.External != "" && merged.External != ext.prefix {
			continue
		}
		out = append(out, candidate{version: ext.version, external: ext.prefix, variants: ext.variants, source: ext.source})
	}
	if merged.External != "" {
		if len(out) == 0 {
			if v, ok := merged.Versions.Pinned(); ok {
				out = append(out, candidate{version: v, external: merged.External, source: merged.String()})
			}
		}
		return out
	}
	if !prefs.buildable {
		return out
	}
	for _, v := range orderVersions(pkg.Versions, prefs.versions) {
		if merged.Versions.Contains(v) {
			out = append(out, candidate{version: v})
		}
	}
	return out
}

// orderVersions applies the version policy described in the package doc.
func orderVersions(infos []catalog.VersionInfo, preferred []version.Constraint) []version.Version {
	sorted := append([]catalog.VersionInfo(nil), infos...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[j].Version.Less(sorted[i].Version) })

	used := make([]bool, len(sorted))
	out := make([]version.Version, 0, len(sorted))
	take := func(pred func(catalog.VersionInfo) bool) {
		for i, vi := range sorted {
			if !used[i] && pred(vi) {
				used[i] = true
				out = append(out, vi.Version)
			}
		}
	}
	for _, pc := range preferred {
		take(func(vi catalog.VersionInfo) bool { return pc.Contains(vi.Version) })
	}
	take(func(vi catalog.VersionInfo) bool { return vi.Preferred })
	take(func(vi catalog.VersionInfo) bool { return !vi.Deprecated })
	take(func(catalog.VersionInfo) bool { return true })
	return out
}

func (c *Concretizer) noCandidateReason(name string, pkg *catalog.Package) string {
	prefs, ok := c.prefs[name]
	if ok && !prefs.buildable {
		return "not buildable and no external matches"
	}
	vs := make([]string, len(pkg.Versions))
	for i, vi := range pkg.Versions {
		vs[i] = vi.Version.String()
	}
	return "no version matches; available: " + strings.Join(vs, ", ")
}

// =============================================================================
// Assignment
// =============================================================================

// assign fixes name to cand and records its dependency constraints.
func (c *Concretizer) assign(st *state, name string, pkg *catalog.Package, cand candidate) ([]Conflict, error) {
	merged := st.mergedSpec(name)
	inh, hasInh := st.inherit[name]

	compiler, conf := c.resolveCompiler(merged.Compiler, inh, hasInh)
	if conf != nil {
		conf.Package = name
		return []Conflict{*conf}, nil
	}

	arch := c.cfg.Arch
	if hasInh && inh.arch.IsConcrete() {
		arch = inh.arch
	}
	if merged.Arch.Platform != "" {
		arch.Platform = merged.Arch.Platform
	}
	if merged.Arch.OS != "" {
		arch.OS = merged.Arch.OS
	}
	if merged.Arch.Target != "" {
		arch.Target = merged.Arch.Target
	}
	if conf := c.checkArch(arch); conf != nil {
		conf.Package = name
		return []Conflict{*conf}, nil
	}

	node := &spec.Node{
		Name:     name,
		Version:  cand.version,
		Compiler: compiler,
		Arch:     arch,
		External: cand.external,
	}
	variants, confs := c.resolveVariants(st, name, pkg, node, merged, cand)
	if len(confs) > 0 {
		return confs, nil
	}
	node.Variants = variants

	if !node.Satisfies(merged) {
		return []Conflict{{
			Package: name,
			First:   st.describe(name),
			Second:  "candidate " + node.String(),
			Reason:  "candidate does not satisfy the requirements",
		}}, nil
	}

	for _, cf := range pkg.Conflicts {
		if cf.SelfOnly() && node.Satisfies(cf.When) {
			confs = append(confs, Conflict{Package: name, First: node.String(), Second: "conflict " + cf.When.String(), Reason: cf.Message})
		}
	}
	if len(confs) > 0 {
		return confs, nil
	}

	st.assigned[name] = node

	virtuals := make([]string, 0, len(st.providers))
	for v := range st.providers {
		virtuals = append(virtuals, v)
	}
	sort.Strings(virtuals)
	for _, v := range virtuals {
		if st.providers[v] == name && !provides(pkg, node, v, st.mergedSpec(v)) {
			confs = append(confs, Conflict{
				Package: v,
				First:   st.describe(v),
				Second:  "provider " + node.String(),
				Reason:  "provider does not supply a matching version",
			})
		}
	}
	if len(confs) > 0 || node.IsExternal() {
		return confs, nil
	}

	deps, err := c.cat.Dependencies(name, node)
	if err != nil {
		return nil, err
	}
	from := name + "@" + node.Version.String()
	child := inherited{compiler: node.Compiler, arch: node.Arch}
	for _, d := range deps {
		types := d.Types
		if !c.cfg.Tests {
			types &^= spec.DepTest
		}
		if types == 0 {
			continue
		}
		dn := d.Spec.Name
		ok, err := c.known(dn)
		if err != nil {
			return nil, err
		}
		if !ok {
			confs = append(confs, Conflict{Package: dn, First: from + " requires " + d.Spec.String(), Reason: "no such package or virtual"})
			continue
		}
		cs, err := c.require(st, dn, from, d.Spec)
		if err != nil {
			return nil, err
		}
		confs = append(confs, cs...)

		if p, ok := st.providers[dn]; ok {
			if pn, ok := st.assigned[p]; ok {
				ppkg, err := c.cat.Package(p)
				if err != nil {
					return nil, err
				}
				if !provides(ppkg, pn, dn, st.mergedSpec(dn)) {
					confs = append(confs, Conflict{
						Package: dn,
						First:   st.describe(dn),
						Second:  "provider " + pn.String(),
						Reason:  "provider does not supply a matching version",
					})
				}
			}
		}
		st.addEdge(name, dn, types)
		st.setInherit(dn, child)
		st.enqueue(dn)
	}
	return confs, nil
}

// resolveCompiler picks the compiler for a package: the requested one, else
// the inherited one, else the default. Among configured matches the highest
// version wins.
func (c *Concretizer) resolveCompiler(want *spec.CompilerSpec, inh inherited, hasInh bool) (spec.Compiler, *Conflict) {
	switch {
	case want == nil && hasInh && inh.compiler.Name != "":
		return inh.compiler, nil
	case want == nil:
		name := c.cfg.DefaultCompiler
		if name == "" {
			if len(c.cfg.Compilers) == 0 {
				return spec.Compiler{}, nil
			}
			name = c.cfg.Compilers[0].Name
		}
		want = &spec.CompilerSpec{Name: name}
	case hasInh && inh.compiler.Name == want.Name && want.Versions.Contains(inh.compiler.Version):
		return inh.compiler, nil
	}

	var best *spec.Compiler
	available := make([]string, 0, len(c.cfg.Compilers))
	for i := range c.cfg.Compilers {
		cc := &c.cfg.Compilers[i]
		available = append(available, cc.String())
		if cc.Name != want.Name || !want.Versions.Contains(cc.Version) {
			continue
		}
		if best == nil || best.Version.Less(cc.Version) {
			best = cc
		}
	}
	if best == nil {
		return spec.Compiler{}, &Conflict{
			First:  "requires %" + want.String(),
			Reason: "no configured compiler matches; available: " + strings.Join(available, ", "),
		}
	}
	return *best, nil
}

// checkArch accepts the configured platform and os with the configured
// target or one of the extra Targets.
func (c *Concretizer) checkArch(a spec.Arch) *Conflict {
	want := c.cfg.Arch
	if a.Platform != want.Platform || a.OS != want.OS {
		return &Conflict{
			First:  "requires arch=" + a.String(),
			Reason: "only " + want.Platform + "-" + want.OS + " is configured",
		}
	}
	if a.Target == want.Target || slices.Contains(c.cfg.Targets, a.Target) {
		return nil
	}
	available := append([]string{want.Target}, c.cfg.Targets...)
	return &Conflict{
		First:  "requires target=" + a.Target,
		Reason: "no configured target matches; available: " + strings.Join(available, ", "),
	}
}

// resolveVariants fills every active variant from the requirements, the
// external's own values, or the declared default.
func (c *Concretizer) resolveVariants(st *state, name string, pkg *catalog.Package, node *spec.Node, merged *spec.Spec, cand candidate) (map[string]spec.VariantValue, []Conflict) {
	values := make(map[string]spec.VariantValue)
	active := make(map[string]bool)
	var confs []Conflict

	for _, decl := range pkg.Variants {
		if active[decl.Name] {
			continue
		}
		if decl.When != nil {
			trial := *node
			trial.Variants = values
			if !trial.Satisfies(decl.When) {
				continue
			}
		}
		active[decl.Name] = true

		value := decl.Default
		ext, fromExternal := cand.variants[decl.Name]
		if fromExternal {
			value = ext
		}
		if want, ok := merged.Variants[decl.Name]; ok {
			if fromExternal && !ext.Equal(want) {
				confs = append(confs, Conflict{
					Package: name,
					First:   st.describe(name),
					Second:  "external " + cand.source,
					Reason:  fmt.Sprintf("external has %s=%s", decl.Name, ext),
				})
				continue
			}
			value = want
		}
		if err := decl.Validate(name, value); err != nil {
			confs = append(confs, Conflict{Package: name, First: st.describe(name), Second: "external " + cand.source, Reason: reasonOf(err)})
			continue
		}
		values[decl.Name] = value
	}

	vnames := make([]string, 0, len(merged.Variants))
	for vn := range merged.Variants {
		vnames = append(vnames, vn)
	}
	sort.Strings(vnames)
	for _, vn := range vnames {
		if !active[vn] {
			confs = append(confs, Conflict{
				Package: name,
				First:   st.describe(name),
				Second:  "candidate " + name + "@" + node.Version.String(),
				Reason:  fmt.Sprintf("variant %s is not available", vn),
			})
		}
	}
	return values, confs
}

// =============================================================================
// Completion
// =============================================================================

var errCycle = errors.New("dependency cycle")

// finish builds the DAG from a complete assignment and checks the rules that
// need the whole graph.
func (c *Concretizer) finish(st *state, sc *search) (*spec.DAG, error) {
	for _, d := range sc.rootDeps {
		if _, ok := st.assigned[st.resolve(d)]; !ok {
			sc.conflicts.add(Conflict{Package: d, First: st.describe(d), Reason: "not a dependency of " + sc.root})
			return nil, errBacktrack
		}
	}

	dag := spec.NewDAG()
	hashes := make(map[string]string)
	visiting := make(map[string]bool)

	var build func(name string) (string, error)
	build = func(name string) (string, error) {
		if h, ok := hashes[name]; ok {
			return h, nil
		}
		if visiting[name] {
			return "", fmt.Errorf("%w through %s", errCycle, name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		assigned, ok := st.assigned[name]
		if !ok {
			return "", fmt.Errorf("concretize: %s was never assigned", name)
		}
		node := *assigned
		node.Deps = nil

		types := make(map[string]spec.DepType)
		for _, e := range st.edges[name] {
			types[st.resolve(e.target)] |= e.types
		}
		targets := make([]string, 0, len(types))
		for t := range types {
			targets = append(targets, t)
		}
		sort.Strings(targets)

		for _, t := range targets {
			h, err := build(t)
			if err != nil {
				return "", err
			}
			node.Deps = append(node.Deps, spec.Edge{Name: t, Hash: h, Types: types[t]})
		}
		h, err := dag.Add(&node)
		if err != nil {
			return "", err
		}
		hashes[name] = h
		return h, nil
	}

	rootHash, err := build(st.resolve(sc.root))
	if errors.Is(err, errCycle) {
		sc.conflicts.add(Conflict{Package: sc.root, First: err.Error(), Reason: "dependency cycle"})
		return nil, errBacktrack
	}
	if err != nil {
		return nil, err
	}
	dag.Root = rootHash

	names := make([]string, 0, len(hashes))
	for n := range hashes {
		names = append(names, n)
	}
	sort.Strings(names)

	var confs []Conflict
	for _, name := range names {
		pkg, err := c.cat.Package(name)
		if err != nil {
			return nil, err
		}
		for _, cf := range pkg.Conflicts {
			if !cf.SelfOnly() && dag.Satisfies(hashes[name], cf.When) {
				confs = append(confs, Conflict{
					Package: name,
					First:   dag.Nodes[hashes[name]].String(),
					Second:  "conflict " + cf.When.String(),
					Reason:  cf.Message,
				})
			}
		}
	}
	if len(confs) > 0 {
		sc.conflicts.add(confs...)
		return nil, errBacktrack
	}
	return dag, nil
}
