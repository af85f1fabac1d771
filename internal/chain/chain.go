// Package chain implements the change-chain engine: a per-proposal state
// machine that tracks fetch/pick/rebase progress, discovers parent-child
// relations among proposals via their uploaded ancestor chains, and
// composes multi-patch "chains" for rebase.
package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/buildwatch/buildwatch/internal/gitrepo"
	"golang.org/x/sync/errgroup"
)

// State is a Change's position in the monotonic lifecycle. Values carry
// the same ordering as the source: DELETED < NEW < FETCHED < PICKED <
// CONFLICT_PARENT < CONFLICT < REBASED.
type State int

const (
	Deleted        State = 0
	New            State = 10
	Fetched        State = 20
	Picked         State = 30
	ConflictParent State = 40
	Conflict       State = 50
	Rebased        State = 60
)

func (s State) String() string {
	switch s {
	case Deleted:
		return "DELETED"
	case New:
		return "NEW"
	case Fetched:
		return "FETCHED"
	case Picked:
		return "PICKED"
	case ConflictParent:
		return "CONFLICT_PARENT"
	case Conflict:
		return "CONFLICT"
	case Rebased:
		return "REBASED"
	default:
		return "UNKNOWN"
	}
}

// ProposalInfo is the subset of a fetched review-server change needed to
// construct or update a Change. Supplied by internal/review.
type ProposalInfo struct {
	CID     string
	Number  int
	Version int
	Branch  string
	Ref     string
	Remote  string
}

// Change is a proposal's engine-side tracking record: branch-name slots,
// conflict witnesses, and state, kept separate from the store's persisted
// Change (the narrow "Change-like" interface below covers callers that only
// need identity and version).
type Change struct {
	CID     string
	Number  int
	Version int
	Branch  string
	Ref     string
	Remote  string
	Base    string

	state State

	Fetched string
	Picked  string
	PickConflicts []string

	Rebased            string
	RebaseConflicts    []string
	RebasedConflicting string

	UploadedChain []string
}

// State exposes the current lifecycle state.
func (c *Change) State() State { return c.state }

// ChangeLike is a narrow read-only interface replacing duck-typed
// "Change-like" parameters in callers that only need identity and version.
// Engine Changes satisfy it; store Changes, which carry no cid of their
// own, do not.
type ChangeLike interface {
	Cid() string
	Ver() int
}

func (c *Change) Cid() string { return c.CID }
func (c *Change) Ver() int    { return c.Version }

// CommitLookup resolves a commit hash to an owning proposal's cid, first by
// trailer change-id, then (when the commit predates trailers, or carries
// none) by asking the review server which change owns that revision. The
// engine injects this rather than holding a REPO-wide singleton.
type CommitLookup func(commit string) (cid string, ok bool)

// BuildHistory returns the parent tags and versions previously used when
// rebuilding a proposal, used for obsolete-branch signature accounting.
// Implemented by the persistent store.
type BuildHistory interface {
	UsedSignatures(cid string) []string // "<parent>,<version:03x>" pairs
}

// Engine owns the in-memory Change set and the caches that would otherwise
// be global mutable state (_hexsha_to_cid, REPO): both are fields here so a
// fresh Engine can be constructed per run with no process-wide singleton.
type Engine struct {
	Repo       *gitrepo.Repo
	GerritURL  string
	Lookup     CommitLookup
	History    BuildHistory

	base        string
	changes     map[string]*Change
	children    map[string]map[string]bool // cid -> set of child cids
	hexshaToCid map[string]string
}

// New constructs an Engine bound to a git facade and a commit-to-cid
// lookup callback.
func New(repo *gitrepo.Repo, gerritURL string, lookup CommitLookup, history BuildHistory) *Engine {
	return &Engine{
		Repo:        repo,
		GerritURL:   gerritURL,
		Lookup:      lookup,
		History:     history,
		changes:     map[string]*Change{},
		children:    map[string]map[string]bool{},
		hexshaToCid: map[string]string{},
	}
}

// SetBaseCommit updates the baseline and re-evaluates every tracked
// change against it.
func (e *Engine) SetBaseCommit(commit string) {
	if commit == e.base {
		return
	}
	e.base = commit
	for _, c := range e.changes {
		e.update(c, nil, commit)
	}
}

// Get returns the tracked Change for cid, if any.
func (e *Engine) Get(cid string) (*Change, bool) {
	c, ok := e.changes[cid]
	return c, ok
}

// UpdateChanges reconciles the tracked set against the currently-open
// proposals, advancing/downgrading existing entries, creating new ones,
// deleting closed ones, fetching anything not yet fetched, and pruning
// obsolete branches. Mirrors chain.update_changes().
func (e *Engine) UpdateChanges(base string, open []ProposalInfo) {
	e.base = base
	active := map[string]bool{}

	for _, info := range open {
		active[info.CID] = true
		if existing, ok := e.changes[info.CID]; ok {
			e.update(existing, &info, base)
			continue
		}
		c := e.newChange(info, base)
		e.changes[info.CID] = c
		e.downgradeChildren(c.CID)
	}

	for cid, c := range e.changes {
		if !active[cid] {
			e.delete(c)
			delete(e.changes, cid)
		}
	}

	var toFetch []*Change
	for _, c := range e.changes {
		if c.state < Fetched {
			toFetch = append(toFetch, c)
		}
	}
	e.FetchChanges(toFetch)

	if err := e.DeleteObsoleteBranches(10); err != nil {
		// Branch GC failures are non-fatal: filesystem ENOENT during
		// cleanup is swallowed per the error taxonomy.
		_ = err
	}
}

func (e *Engine) newChange(info ProposalInfo, base string) *Change {
	c := &Change{
		CID:     info.CID,
		Number:  info.Number,
		Version: info.Version,
		Branch:  info.Branch,
		Ref:     info.Ref,
		Remote:  info.Remote,
		Base:    base,
		state:   New,
	}
	e.checkFetched(c)
	return c
}

func (e *Engine) update(c *Change, info *ProposalInfo, base string) {
	if info != nil {
		if c.CID != info.CID {
			panic(fmt.Sprintf("chain: updated with different cid: %s -> %s", c.CID, info.CID))
		}
		if c.Number != info.Number {
			panic(fmt.Sprintf("chain: updated with different id: %d -> %d", c.Number, info.Number))
		}
		if c.Branch != info.Branch {
			panic(fmt.Sprintf("chain: updated with different branch: %s -> %s", c.Branch, info.Branch))
		}
		if info.Version != c.Version {
			c.Base = base
			e.downgrade(c, New)
			c.Version = info.Version
		}
		c.Ref = info.Ref
	}
	if base != c.Base {
		c.Base = base
		e.downgrade(c, Fetched)
	}
}

func (e *Engine) downgradeChildren(cid string) {
	for child := range e.children[cid] {
		if c, ok := e.changes[child]; ok {
			e.downgrade(c, Picked)
		}
	}
}

// downgrade clears all strictly-higher-state data and cascades to every
// child in _children[cid] (cascade completeness invariant).
func (e *Engine) downgrade(c *Change, target State) {
	if c.state <= target {
		return
	}
	if c.state > Picked && Picked >= target {
		c.RebasedConflicting = ""
		c.RebaseConflicts = nil
		c.Rebased = ""
	}
	if c.state > Fetched && Fetched >= target {
		c.PickConflicts = nil
		c.Picked = ""
	}
	if c.state > New && New >= target {
		c.Fetched = ""
		e.rebuildUploadedChain(c)
	}
	c.state = target
	e.downgradeChildren(c.CID)
}

func (e *Engine) rebuildUploadedChain(c *Change) {
	for _, cid := range c.UploadedChain {
		if set, ok := e.children[cid]; ok {
			delete(set, c.CID)
		}
	}
	c.UploadedChain = nil

	if c.Fetched == "" {
		return
	}
	hist, err := e.Repo.History(c.Base, c.Fetched)
	if err != nil || len(hist) == 0 {
		return
	}
	// history returns oldest..newest inclusive of fetched tip; drop the
	// tip itself, matching the source's [:-1] slice.
	for _, commit := range hist[:len(hist)-1] {
		cid, ok := e.getCid(commit)
		if !ok {
			continue
		}
		c.UploadedChain = append(c.UploadedChain, cid)
		if e.children[cid] == nil {
			e.children[cid] = map[string]bool{}
		}
		e.children[cid][c.CID] = true
	}
}

func (e *Engine) getCid(commit string) (string, bool) {
	if cid, ok := e.hexshaToCid[commit]; ok {
		return cid, cid != ""
	}
	cid, err := e.changeIDForCommit(commit)
	if err == nil && cid != "" {
		e.hexshaToCid[commit] = cid
		return cid, true
	}
	if e.Lookup != nil {
		if cid, ok := e.Lookup(commit); ok {
			e.hexshaToCid[commit] = cid
			return cid, true
		}
	}
	e.hexshaToCid[commit] = ""
	return "", false
}

// changeIDForCommit extracts a proposal cid from a commit's trailers,
// accepting either a Change-Id trailer or a Link trailer pointing at this
// review server's canonical change URL.
func (e *Engine) changeIDForCommit(commit string) (string, error) {
	msg, err := e.Repo.CommitMessage(commit)
	if err != nil {
		return "", err
	}
	var cid string
	prefix := e.GerritURL
	if strings.HasSuffix(prefix, "/") {
		prefix += "id/"
	} else {
		prefix += "/id/"
	}
	for _, t := range gitrepo.TrailersList(msg) {
		var value string
		switch strings.ToLower(t.Key) {
		case "change-id":
			value = t.Value
		case "link":
			if !strings.HasPrefix(t.Value, prefix) {
				continue
			}
			value = t.Value[len(prefix):]
			if len(value) < 41 || value[0] != 'I' {
				continue
			}
			if !isHex(value[1:]) {
				continue
			}
		default:
			continue
		}
		if cid != "" && cid != value {
			return "", fmt.Errorf("chain: commit %s reports several Change-ids", commit)
		}
		cid = value
	}
	return cid, nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func (c *Change) fetchedBranchName() string {
	return ChangesetBranchName(c.CID, fmt.Sprintf("%d", c.Version))
}

func (c *Change) versionSignature() string {
	return fmt.Sprintf("%03x", c.Version)
}

func (c *Change) pickedBranchName() string {
	return ChangesetBranchName(c.CID, "d/") + c.Base + "," + c.versionSignature()
}

func (e *Engine) chainSignature(c *Change) string {
	sig := []string{c.versionSignature()}
	if e.fetch(c) != "" {
		chain := e.activeChain(c)
		for _, cid := range chain[:len(chain)-1] {
			parent := e.changes[cid]
			sig = append(sig, fmt.Sprintf("%x%03x", parent.Number, parent.Version))
		}
	}
	return strings.Join(sig, ",")
}

func (e *Engine) rebasedBranchName(c *Change) string {
	return ChangesetBranchName(c.CID, "d/") + c.Base + "," + e.chainSignature(c)
}

// ChangesetBranchName builds the bookkeeping branch name prefix for a cid,
// e.g. "changeset-I0a...-3" or "changeset-I0a...-d/<base>,<sig>".
func ChangesetBranchName(cid, suffix string) string {
	return "changeset-" + cid + "-" + suffix
}

func (e *Engine) forcedFetchRefspec(c *Change) string {
	return "+" + c.Ref + ":" + c.fetchedBranchName()
}

func (e *Engine) checkFetched(c *Change) {
	if c.state >= Fetched {
		return
	}
	name := c.fetchedBranchName()
	if !e.Repo.BranchExists("refs/heads/" + name) {
		c.Fetched = ""
		return
	}
	hash, err := e.Repo.RevParse("refs/heads/" + name)
	if err != nil {
		c.Fetched = ""
		return
	}
	c.Fetched = hash
	e.hexshaToCid[hash] = c.CID
	c.state = Fetched
	e.rebuildUploadedChain(c)
}

// fetch ensures the proposal's fetch-from-remote refspec has been applied
// locally, returning the fetched tip hash (empty if fetch is not yet
// possible or failed).
func (e *Engine) fetch(c *Change) string {
	if c.state < New {
		return ""
	}
	if c.state < Fetched {
		_ = e.Repo.Fetch(c.Remote, e.forcedFetchRefspec(c))
		e.checkFetched(c)
	}
	return c.Fetched
}

// maxConcurrentFetches bounds the remote-fetch fan-out: network I/O across
// many remotes is the one place this otherwise single-threaded engine runs
// concurrently, and the bound keeps a proposal storm from opening one git
// fetch per remote at once.
const maxConcurrentFetches = 8

// FetchChanges fetches every not-yet-fetched change, grouped by remote,
// with one git fetch per pending refspec. Remotes are fetched
// concurrently (bounded); refspecs within one remote, and the
// post-fetch state checks, stay sequential since they share that remote's
// git process and this engine's in-memory state.
func (e *Engine) FetchChanges(changes []*Change) {
	byRemote := map[string][]*Change{}
	for _, c := range changes {
		if c.state < Fetched {
			byRemote[c.Remote] = append(byRemote[c.Remote], c)
		}
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for remote, group := range byRemote {
		remote, group := remote, group
		g.Go(func() error {
			var refspecs []string
			for _, c := range group {
				refspecs = append(refspecs, e.forcedFetchRefspec(c))
			}
			for _, spec := range refspecs {
				_ = e.Repo.Fetch(remote, spec)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, group := range byRemote {
		for _, c := range group {
			e.checkFetched(c)
		}
	}
}

// pickOnTop creates (or reuses) branchName at base and cherry-picks the
// proposal's fetched tip onto it, returning the resulting commit or, on
// conflict, the unmerged paths with the working tree left at the fetched
// tip (detached) and the scratch branch removed.
func (e *Engine) pickOnTop(c *Change, base, branchName string) (commit string, conflicts []string) {
	if e.fetch(c) == "" {
		return "", nil
	}
	if e.Repo.BranchExists("refs/heads/" + branchName) {
		hash, err := e.Repo.RevParse("refs/heads/" + branchName)
		if err == nil {
			return hash, nil
		}
	}
	if err := e.Repo.CreateBranch(branchName, base); err != nil {
		return "", nil
	}
	if err := e.Repo.CheckoutBranch(branchName); err != nil {
		return "", nil
	}
	if err := e.Repo.CherryPick(c.Fetched); err != nil {
		unmerged, _ := e.Repo.UnmergedPaths()
		e.Repo.AbortCherryPick()
		_ = e.Repo.CheckoutDetached(c.Fetched)
		_ = e.Repo.DeleteBranches([]string{branchName})
		return "", unmerged
	}
	hash, _ := e.Repo.RevParse("refs/heads/" + branchName)
	return hash, nil
}

// Pick cherry-picks the proposal's fetched tip onto base, reusing the tip
// directly when it already has base as its sole parent.
func (e *Engine) Pick(c *Change) (commit string, conflicts []string) {
	if c.state < Picked {
		tip := e.fetch(c)
		if tip != "" {
			c.state = Picked
			branchName := c.pickedBranchName()
			parents, _ := e.Repo.Parents(tip)
			if len(parents) == 1 && parents[0] == c.Base {
				_ = e.Repo.CreateBranch(branchName, tip)
				c.Picked = tip
			} else {
				c.Picked, c.PickConflicts = e.pickOnTop(c, c.Base, branchName)
			}
		}
	}
	return c.Picked, c.PickConflicts
}

// ActiveParent walks the uploaded chain from nearest to furthest ancestor
// and returns the first cid whose proposal is currently fetched.
func (e *Engine) ActiveParent(c *Change) string {
	if e.fetch(c) == "" {
		return ""
	}
	for i := len(c.UploadedChain) - 1; i >= 0; i-- {
		cid := c.UploadedChain[i]
		if parent, ok := e.changes[cid]; ok {
			if e.fetch(parent) != "" {
				return cid
			}
		}
	}
	return ""
}

func (e *Engine) activeChain(c *Change) []string {
	if e.fetch(c) == "" {
		return nil
	}
	var chain []string
	cid := c.CID
	for cid != "" {
		chain = append(chain, cid)
		parent := e.changes[cid]
		cid = e.ActiveParent(parent)
	}
	// reverse
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// ActiveChain is the exported iterative view used by callers outside the
// engine (e.g. the scheduler's weight computation, verdict composer).
func (e *Engine) ActiveChain(cid string) []string {
	c, ok := e.changes[cid]
	if !ok {
		return nil
	}
	return e.activeChain(c)
}

// Rebase ensures the proposal is rebased atop the current tip of its
// active parent's own rebased branch (or directly atop base, if it has no
// active parent). Implemented as an iterative walk over active_chain()
// from root downward rather than the source's recursion, memoizing each
// cid's rebased tip for the duration of this call.
func (e *Engine) Rebase(c *Change) (commit string, conflicts []string, conflictingCid string) {
	if c.state >= Rebased {
		return c.Rebased, c.RebaseConflicts, c.RebasedConflicting
	}

	chain := e.activeChain(c)
	memo := map[string]string{}       // cid -> rebased tip this tick
	conflictOrigin := map[string]string{}

	for _, cid := range chain {
		cur := e.changes[cid]
		if cur.state >= Rebased {
			memo[cid] = cur.Rebased
			continue
		}

		e.Pick(cur)
		cur.RebasedConflicting = ""
		cur.RebaseConflicts = nil

		if cur.Fetched == "" {
			continue
		}

		branchName := e.rebasedBranchName(cur)
		if e.Repo.BranchExists("refs/heads/" + branchName) {
			hash, err := e.Repo.RevParse("refs/heads/" + branchName)
			if err == nil {
				cur.Rebased = hash
				cur.state = Rebased
				memo[cid] = hash
				continue
			}
		}

		parentCid := e.ActiveParent(cur)
		if parentCid != "" {
			parentTip, ok := memo[parentCid]
			if !ok {
				// Parent failed earlier in this walk (conflict); the walk
				// processes root-to-self so this should not happen, but
				// guard defensively.
				parentTip = ""
			}
			if origin, blocked := conflictOrigin[parentCid]; blocked {
				cur.state = ConflictParent
				cur.RebasedConflicting = origin
				conflictOrigin[cid] = origin
				memo[cid] = ""
				continue
			}
			if parentTip == "" {
				cur.state = ConflictParent
				cur.RebasedConflicting = parentCid
				conflictOrigin[cid] = parentCid
				memo[cid] = ""
				continue
			}
			tip, conf := e.pickOnTop(cur, parentTip, branchName)
			if tip != "" {
				cur.Rebased = tip
				cur.RebaseConflicts = nil
				cur.state = Rebased
				memo[cid] = tip
			} else {
				cur.Rebased = ""
				cur.RebaseConflicts = conf
				cur.state = Conflict
				cur.RebasedConflicting = cid
				conflictOrigin[cid] = cid
				memo[cid] = ""
			}
		} else {
			cur.Rebased = cur.Picked
			cur.RebaseConflicts = append([]string(nil), cur.PickConflicts...)
			if cur.Rebased != "" {
				cur.state = Rebased
				memo[cid] = cur.Rebased
			} else {
				cur.state = Conflict
				cur.RebasedConflicting = cid
				conflictOrigin[cid] = cid
				memo[cid] = ""
			}
		}
	}

	return c.Rebased, c.RebaseConflicts, c.RebasedConflicting
}

// ContainingChains enumerates the maximal active chains that contain this
// proposal: its own active chain, plus any descendant's active chain that
// still contains it, deduplicated by subset/superset relation.
func (e *Engine) ContainingChains(c *Change) [][]string {
	if e.fetch(c) == "" {
		return nil
	}
	own := e.activeChain(c)
	chains := [][]string{own}
	sets := []map[string]bool{toSet(own)}

	for child := range e.children[c.CID] {
		other, ok := e.changes[child]
		if !ok {
			continue
		}
		candidate := e.activeChain(other)
		if !contains(candidate, c.CID) {
			continue
		}
		candidateSet := toSet(candidate)
		replaced := false
		for i, set := range sets {
			if isSuperset(candidateSet, set) {
				chains[i] = candidate
				sets[i] = candidateSet
				replaced = true
				break
			}
			if isSubset(candidateSet, set) {
				replaced = true
				break
			}
		}
		if !replaced {
			chains = append(chains, candidate)
			sets = append(sets, candidateSet)
		}
	}
	return chains
}

func toSet(s []string) map[string]bool {
	m := map[string]bool{}
	for _, v := range s {
		m[v] = true
	}
	return m
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func isSuperset(a, b map[string]bool) bool {
	for k := range b {
		if !a[k] {
			return false
		}
	}
	return true
}

func isSubset(a, b map[string]bool) bool { return isSuperset(b, a) }

// Delete downgrades a proposal to DELETED, cascading to its children.
func (e *Engine) Delete(c *Change) { e.delete(c) }

func (e *Engine) delete(c *Change) {
	if c.state <= Deleted {
		return
	}
	e.downgrade(c, Deleted)
}

// DeleteObsoleteBranches prunes bookkeeping branches this engine owns,
// keeping the `keep` most-recent per cid by name beyond every in-use
// signature (current + every historical build's parent,version). Obsolete
// names are accumulated across every cid into one set and deleted once —
// the union-deletion fix for the source's loop-variable bug (DESIGN.md
// Open Question #4), rather than deleting only the last cid's obsolete
// set.
func (e *Engine) DeleteObsoleteBranches(keep int) error {
	type bucket struct {
		used     []string
		obsolete []string
	}
	index := map[string]*bucket{}

	for _, c := range e.changes {
		prefix := strings.SplitN(c.pickedBranchName(), "/", 2)[0]
		b, ok := index[prefix]
		if !ok {
			b = &bucket{}
			index[prefix] = b
		}
		b.used = append(b.used, c.Base+","+c.versionSignature())
		if e.History != nil {
			b.used = append(b.used, e.History.UsedSignatures(c.CID)...)
		}
	}

	branches, err := e.Repo.ListBranches("*/*")
	if err != nil {
		return err
	}

	for _, name := range branches {
		parts := strings.SplitN(name, "/", 2)
		if len(parts) != 2 {
			continue
		}
		b, ok := index[parts[0]]
		if !ok {
			continue
		}
		matched := false
		for _, used := range b.used {
			if strings.HasPrefix(parts[1], used) {
				matched = true
				break
			}
		}
		if !matched {
			b.obsolete = append(b.obsolete, name)
		}
	}

	union := map[string]bool{}
	for _, b := range index {
		sort.Strings(b.obsolete)
		if keep > 0 {
			if len(b.obsolete) > keep {
				for _, n := range b.obsolete[:len(b.obsolete)-keep] {
					union[n] = true
				}
			}
		} else {
			for _, n := range b.obsolete {
				union[n] = true
			}
		}
	}

	if len(union) == 0 {
		return nil
	}
	var names []string
	for n := range union {
		names = append(names, n)
	}
	sort.Strings(names)
	return e.Repo.DeleteBranches(names)
}
