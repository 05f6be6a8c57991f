// Package jagr implements a deterministic DPLL-style backtracking
// resolver: variable/value ordering, propagation, unsat memoization,
// learned-forbid pruning, and deferred peer handling. The search state
// is an explicit stack of decision frames rather than language
// call-stack recursion, so graphs with many thousands of packages
// don't blow the Go stack.
package jagr

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/bhuvanprakash/jhol/jholerr"
	"github.com/bhuvanprakash/jhol/models"
	"github.com/bhuvanprakash/jhol/resolver"
)

// Solver implements resolver.Strategy.
type Solver struct{}

// New returns a JAGR solver.
func New() *Solver { return &Solver{} }

// rangeSource is one active constraint on a variable: the requirement
// range plus a human-readable origin for conflict diagnostics.
type rangeSource struct {
	origin     string // "root" or "name@version"
	constraint *semver.Constraints
	raw        string
}

// peerEdge is a registered peer requirement: from (name@version) demands
// that To satisfies Range. Optional peers never cause failure.
type peerEdge struct {
	fromName    string
	fromVersion string
	toName      string
	raw         string
	constraint  *semver.Constraints
	optional    bool
}

// delta undoes the side effects of assigning one candidate version.
type delta struct {
	rangesAppended     map[string]int // variable -> number of ranges appended to it
	newlyKnown         []string       // variables added to the known set by this assignment
	peerEdgesAppended  int            // count appended to the global peerEdges slice
}

// decision is one frame of the explicit backtracking stack.
type decision struct {
	name       string
	candidates []*semver.Version // already ordered, capped, forbid-filtered
	idx        int               // index of the currently-applied candidate, -1 before first apply
	prefixSig  string            // assignment signature before this frame was pushed
	cur        delta             // delta of the currently-applied candidate
}

type search struct {
	ctx  context.Context
	src  resolver.PackumentSource
	opts resolver.Options

	packuments map[string]models.AbbreviatedPackage
	fetchErr   map[string]error

	known       map[string]bool
	rootDirect  map[string]bool
	assigned    map[string]*semver.Version
	ranges      map[string][]rangeSource
	peerEdges   []peerEdge

	unsatCache    []map[string]bool // each entry: set of "name@version" pairs
	learnedForbid map[string]bool   // key: prefixSig + "\x00" + name + "\x00" + version

	stats resolver.SolveStats
}

// Solve runs the backtracking search to completion.
func (s *Solver) Solve(ctx context.Context, rootReqs []models.Requirement, src resolver.PackumentSource, opts resolver.Options) (resolver.Result, error) {
	if opts.DomainCap <= 0 {
		opts.DomainCap = resolver.DefaultDomainCap
	}

	sr := &search{
		ctx:           ctx,
		src:           src,
		opts:          opts,
		packuments:    map[string]models.AbbreviatedPackage{},
		fetchErr:      map[string]error{},
		known:         map[string]bool{},
		rootDirect:    map[string]bool{},
		assigned:      map[string]*semver.Version{},
		ranges:        map[string][]rangeSource{},
		learnedForbid: map[string]bool{},
	}

	for _, req := range rootReqs {
		switch req.Kind {
		case models.KindPeer, models.KindOptionalPeer:
			c, err := semver.NewConstraint(req.Range)
			if err != nil {
				return resolver.Result{}, fmt.Errorf("invalid root peer range %s@%s: %w", req.Name, req.Range, err)
			}
			sr.peerEdges = append(sr.peerEdges, peerEdge{
				fromName: "", fromVersion: "", toName: req.Name,
				raw: req.Range, constraint: c, optional: req.Kind == models.KindOptionalPeer,
			})
		default:
			if err := sr.addRange(req.Name, "root", req.Range); err != nil {
				return resolver.Result{}, err
			}
			sr.rootDirect[req.Name] = true
		}
	}

	assignment, err := sr.run()
	if err != nil {
		return resolver.Result{}, err
	}

	if err := sr.checkPeers(); err != nil {
		return resolver.Result{}, err
	}

	return resolver.Result{Assignment: assignment, Stats: sr.stats}, nil
}

func (s *search) addRange(name, origin, raw string) error {
	c, err := semver.NewConstraint(raw)
	if err != nil {
		return fmt.Errorf("invalid range %s for %s: %w", raw, name, err)
	}
	s.known[name] = true
	s.ranges[name] = append(s.ranges[name], rangeSource{origin: origin, constraint: c, raw: raw})
	return nil
}

func (s *search) fetch(name string) (models.AbbreviatedPackage, error) {
	if pkg, ok := s.packuments[name]; ok {
		return pkg, nil
	}
	if err, ok := s.fetchErr[name]; ok {
		return models.AbbreviatedPackage{}, err
	}
	pkg, err := s.src.FetchPackument(s.ctx, name)
	if err != nil {
		s.fetchErr[name] = err
		return models.AbbreviatedPackage{}, err
	}
	s.packuments[name] = pkg
	return pkg, nil
}

// run executes the iterative backtracking search and returns the final
// assignment on success.
func (s *search) run() (resolver.Assignment, error) {
	var stack []*decision

	for {
		name, ok := s.selectVariable(stack)
		if !ok {
			break // SAT: no unassigned propagated variable remains
		}
		s.stats.NodesVisited++

		prefixSig := s.signature()
		if s.unsatSupersetExists(prefixSig) {
			s.stats.UnsatCacheHits++
			if !s.backtrack(&stack) {
				return nil, s.conflictError()
			}
			continue
		}

		pkg, err := s.fetch(name)
		if err != nil {
			return nil, err
		}

		candidates, capped := s.domain(pkg, name, prefixSig)
		if capped {
			s.stats.DomainCapHits++
		}
		if len(candidates) == 0 {
			s.recordUnsat(prefixSig)
			if !s.backtrack(&stack) {
				return nil, s.conflictError()
			}
			continue
		}

		d := &decision{name: name, candidates: candidates, idx: -1, prefixSig: prefixSig}
		if !s.tryNext(d) {
			s.recordUnsat(prefixSig)
			if !s.backtrack(&stack) {
				return nil, s.conflictError()
			}
			continue
		}
		stack = append(stack, d)
	}

	out := make(resolver.Assignment, len(s.assigned))
	for name, v := range s.assigned {
		out[name] = v.Original()
	}
	return out, nil
}

// selectVariable picks the next variable to branch on: lowest
// lexicographic name among propagated, unassigned variables, with root
// direct dependencies explored first.
func (s *search) selectVariable(stack []*decision) (string, bool) {
	var rootCandidates, otherCandidates []string
	for name := range s.known {
		if _, done := s.assigned[name]; done {
			continue
		}
		if len(s.ranges[name]) == 0 {
			continue // not yet propagated
		}
		if s.rootDirect[name] {
			rootCandidates = append(rootCandidates, name)
		} else {
			otherCandidates = append(otherCandidates, name)
		}
	}
	if len(rootCandidates) > 0 {
		sort.Strings(rootCandidates)
		return rootCandidates[0], true
	}
	if len(otherCandidates) > 0 {
		sort.Slice(otherCandidates, func(i, j int) bool {
			if otherCandidates[i] != otherCandidates[j] {
				return otherCandidates[i] < otherCandidates[j]
			}
			return len(s.ranges[otherCandidates[i]]) < len(s.ranges[otherCandidates[j]])
		})
		return otherCandidates[0], true
	}
	return "", false
}

// domain computes the descending-sorted, forbid-filtered, capped
// candidate list for name. Mandatory peer edges already registered
// against name also restrict its domain.
func (s *search) domain(pkg models.AbbreviatedPackage, name, prefixSig string) (candidates []*semver.Version, capped bool) {
	var versions []*semver.Version
	for verStr := range pkg.Versions {
		v, err := semver.NewVersion(verStr)
		if err != nil {
			continue
		}
		if !s.satisfiesAll(name, v) {
			continue
		}
		key := prefixSig + "\x00" + name + "\x00" + v.Original()
		if s.learnedForbid[key] {
			s.stats.LearnedForbidHits++
			continue
		}
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(semver.Collection(versions)))
	if len(versions) > s.opts.DomainCap {
		versions = versions[:s.opts.DomainCap]
		capped = true
	}
	return versions, capped
}

func (s *search) satisfiesAll(name string, v *semver.Version) bool {
	for _, r := range s.ranges[name] {
		if !r.constraint.Check(v) {
			return false
		}
	}
	for _, pe := range s.peerEdges {
		if pe.toName != name || pe.optional {
			continue
		}
		if !pe.constraint.Check(v) {
			return false
		}
	}
	return true
}

// tryNext applies candidates starting at d.idx+1 until one is
// consistent with already-assigned variables, or the frame is
// exhausted.
func (s *search) tryNext(d *decision) bool {
	for {
		if d.idx >= 0 {
			s.undoDelta(d.name, d.cur)
			key := d.prefixSig + "\x00" + d.name + "\x00" + d.candidates[d.idx].Original()
			s.learnedForbid[key] = true
		}
		d.idx++
		if d.idx >= len(d.candidates) {
			return false
		}
		v := d.candidates[d.idx]
		del, ok := s.applyVersion(d.name, v)
		if ok {
			d.cur = del
			return true
		}
	}
}

// applyVersion assigns name=v, propagates its hard dependencies and
// peer requirements, and checks consistency against anything already
// assigned. On conflict, all side effects are undone before returning
// false.
func (s *search) applyVersion(name string, v *semver.Version) (delta, bool) {
	s.assigned[name] = v
	del := delta{rangesAppended: map[string]int{}}

	pkg := s.packuments[name]
	rec, ok := pkg.Versions[v.Original()]
	if !ok {
		// Normalized form lookup fallback.
		rec, ok = pkg.Versions[v.String()]
	}

	conflict := false
	if ok {
		for depName, depRange := range rec.Dependencies {
			if !s.known[depName] {
				del.newlyKnown = append(del.newlyKnown, depName)
			}
			c, err := semver.NewConstraint(depRange)
			if err != nil {
				conflict = true
				break
			}
			s.known[depName] = true
			s.ranges[depName] = append(s.ranges[depName], rangeSource{
				origin: name + "@" + v.Original(), constraint: c, raw: depRange,
			})
			del.rangesAppended[depName]++
			if av, assignedAlready := s.assigned[depName]; assignedAlready {
				if !c.Check(av) {
					conflict = true
					break
				}
			}
		}
	}

	if !conflict && ok {
		for peerName, peerRange := range rec.PeerDependencies {
			c, err := semver.NewConstraint(peerRange)
			if err != nil {
				continue
			}
			optional := false
			if rec.PeerDependenciesMeta != nil {
				if meta, has := rec.PeerDependenciesMeta[peerName]; has {
					optional = meta.Optional
				}
			}
			s.peerEdges = append(s.peerEdges, peerEdge{
				fromName: name, fromVersion: v.Original(), toName: peerName,
				raw: peerRange, constraint: c, optional: optional,
			})
			del.peerEdgesAppended++
			s.stats.PeerDeferrals++
		}
	}

	if conflict {
		s.undoDelta(name, del)
		delete(s.assigned, name)
		return delta{}, false
	}
	return del, true
}

func (s *search) undoDelta(name string, del delta) {
	delete(s.assigned, name)
	for depName, n := range del.rangesAppended {
		cur := s.ranges[depName]
		s.ranges[depName] = cur[:len(cur)-n]
	}
	for _, dn := range del.newlyKnown {
		if len(s.ranges[dn]) == 0 {
			if _, stillAssigned := s.assigned[dn]; !stillAssigned {
				delete(s.known, dn)
			}
		}
	}
	if del.peerEdgesAppended > 0 {
		s.peerEdges = s.peerEdges[:len(s.peerEdges)-del.peerEdgesAppended]
	}
}

// backtrack pops decision frames, trying the next candidate at each
// level.
func (s *search) backtrack(stack *[]*decision) bool {
	for len(*stack) > 0 {
		d := (*stack)[len(*stack)-1]
		if s.tryNext(d) {
			return true
		}
		s.recordUnsat(d.prefixSig)
		*stack = (*stack)[:len(*stack)-1]
	}
	return false
}

func (s *search) signature() string {
	if len(s.assigned) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(s.assigned))
	for name, v := range s.assigned {
		pairs = append(pairs, name+"@"+v.Original())
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func sigSet(sig string) map[string]bool {
	set := map[string]bool{}
	if sig == "" {
		return set
	}
	for _, p := range strings.Split(sig, ",") {
		set[p] = true
	}
	return set
}

func (s *search) recordUnsat(sig string) {
	s.unsatCache = append(s.unsatCache, sigSet(sig))
}

// unsatSupersetExists reports whether the current assignment signature
// is a superset of (or equal to) any cached unsat signature.
func (s *search) unsatSupersetExists(sig string) bool {
	cur := sigSet(sig)
	for _, cached := range s.unsatCache {
		if len(cached) > len(cur) {
			continue
		}
		isSubset := true
		for k := range cached {
			if !cur[k] {
				isSubset = false
				break
			}
		}
		if isSubset {
			return true
		}
	}
	return false
}

func (s *search) conflictError() error {
	return fmt.Errorf("%w: no assignment satisfies the root requirements after %d nodes visited", jholerr.ErrResolveConflict, s.stats.NodesVisited)
}

// checkPeers is the completion check: every mandatory peer edge must
// be satisfied by the final assignment; optional peers whose target
// was never selected are silently dropped (recorded in stats).
func (s *search) checkPeers() error {
	var conflicts []resolver.PeerConflict
	for _, pe := range s.peerEdges {
		assignedVersion, isAssigned := s.assigned[pe.toName]
		if pe.optional {
			if !isAssigned {
				s.stats.OptionalPeerSkipped++
			}
			continue
		}
		if !isAssigned || !pe.constraint.Check(assignedVersion) {
			got := ""
			if isAssigned {
				got = assignedVersion.Original()
			}
			conflicts = append(conflicts, resolver.PeerConflict{
				FromName: pe.fromName, FromVersion: pe.fromVersion,
				ToName: pe.toName, Range: pe.raw, ToAssigned: got,
			})
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	msgs := make([]string, len(conflicts))
	for i, c := range conflicts {
		from := c.FromName
		if from == "" {
			from = "root"
		}
		msgs[i] = fmt.Sprintf("%s -> %s@%s (have %q)", from, c.ToName, c.Range, c.ToAssigned)
	}
	return fmt.Errorf("%w: %s", jholerr.ErrPeerUnsatisfied, strings.Join(msgs, "; "))
}
