// Package store persists the orchestrator's single JSON document with an
// atomic backup-then-rename write, and detects a crash-interrupted save at
// startup.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ArchResult is the outcome of building one architecture.
type ArchResult struct {
	OK       *bool  `json:"ok"` // nil = not yet built
	Warnings int    `json:"warnings"`
	Errors   int    `json:"errors"`
	Message  string `json:"message,omitempty"`
}

// Broken reports whether a result counts as broken: not ok, including the
// not-yet-built (nil) case.
func (r ArchResult) Broken() bool {
	return r.OK == nil || !*r.OK
}

// IsBroken mirrors db.is_broken(arch): returns the name of a non-OK
// architecture in the map (map iteration order decides which one when
// several are broken), or "" if every architecture is OK.
func IsBroken(results map[string]ArchResult) string {
	for arch, r := range results {
		if r.Broken() {
			return arch
		}
	}
	return ""
}

// Build is one build attempt against a given parent baseline.
type Build struct {
	Parent   string                `json:"parent"`
	Version  int                   `json:"version"`
	Time     int64                 `json:"time"`
	LogsOnly bool                  `json:"logs_only"`
	Rebased  map[string]ArchResult `json:"rebased"`
	Picked   map[string]ArchResult `json:"picked,omitempty"`
}

// Times tracks the create/version/update timestamps for a proposal.
type Times struct {
	Create  int64 `json:"create"`
	Version int64 `json:"version"`
	Update  int64 `json:"update"`
}

// SentReview is the last review snapshot posted for a proposal, used to
// suppress duplicate verdicts.
type SentReview struct {
	Version int                   `json:"version"`
	Parent  string                `json:"parent,omitempty"`
	Result  map[string]ArchResult `json:"result,omitempty"`
}

// Change is one tracked proposal. Reimplemented as a named record (rather
// than the source's dict-as-struct Change) with an explicit JSON codec.
type Change struct {
	ID       int      `json:"id"`
	Title    string   `json:"title"`
	Version  int      `json:"version"`
	Ref      string   `json:"ref"`
	Time     Times    `json:"time"`
	Tags     []string `json:"tags"`
	Review   int      `json:"review"`
	SentReview SentReview `json:"sent_review"`
	Build    []Build  `json:"build"`

	// LastBuild is set by done entries only.
	LastBuild int64 `json:"lastbuild,omitempty"`
}

// HasTag reports whether the synthesized tag set contains name.
func (c *Change) HasTag(name string) bool {
	for _, t := range c.Tags {
		if t == name {
			return true
		}
	}
	return false
}

// LatestBuild returns the most recent build record, or nil if none exists.
func (c *Change) LatestBuild() *Build {
	if len(c.Build) == 0 {
		return nil
	}
	return &c.Build[len(c.Build)-1]
}

// Release is a built baseline commit.
type Release struct {
	Commit string                `json:"commit"`
	Parent string                `json:"parent"`
	Title  string                `json:"title"`
	Time   int64                 `json:"time"`
	Result map[string]ArchResult `json:"result"`
}

// Data is the top-level persisted document (§6 schema).
type Data struct {
	Change  map[string]*Change  `json:"change"`
	Queued  []string            `json:"queued"`
	Done    map[string]*Change  `json:"done"`
	Release map[string]*Release `json:"release"`
	Current string              `json:"current"`
	Time    int64               `json:"time"`
}

func empty() *Data {
	return &Data{
		Change:  map[string]*Change{},
		Queued:  []string{},
		Done:    map[string]*Change{},
		Release: map[string]*Release{},
	}
}

// Store owns the in-memory mirror of Data and its on-disk paths.
type Store struct {
	Data *Data

	path   string
	backup string
}

// Open loads the store at wwwRoot/builds.json. If the backup file is
// present, the previous save was interrupted mid-write and Open returns a
// fatal error (invariant 1: the backup's presence is itself a crash
// marker — no recovery is attempted). If the primary file does not exist,
// Open seeds an empty document.
func Open(wwwRoot string) (*Store, error) {
	path := wwwRoot + "/builds.json"
	backup := path + ".bck"

	if _, err := os.Stat(backup); err == nil {
		return nil, fmt.Errorf("store: broken DB: backup file %s present at startup", backup)
	}

	s := &Store{path: path, backup: backup}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.Data = empty()
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	if data.Change == nil {
		data.Change = map[string]*Change{}
	}
	if data.Done == nil {
		data.Done = map[string]*Change{}
	}
	if data.Release == nil {
		data.Release = map[string]*Release{}
	}
	s.Data = &data
	return s, nil
}

// Save writes the document atomically: marshal to the backup path, flush,
// fsync, then rename over the primary. The primary file is never
// half-written.
func (s *Store) Save() error {
	s.Data.Time = time.Now().Unix()

	raw, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}

	f, err := os.Create(s.backup)
	if err != nil {
		return fmt.Errorf("store: create backup: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("store: write backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("store: fsync backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("store: close backup: %w", err)
	}
	if err := os.Rename(s.backup, s.path); err != nil {
		return fmt.Errorf("store: rename backup over primary: %w", err)
	}
	return nil
}

// SetChangeInfo merges a freshly-fetched change's fields into the store,
// reviving it from Done if it had previously been marked done.
func (s *Store) SetChangeInfo(cid string, info *Change) {
	existing, ok := s.Data.Change[cid]
	if !ok {
		existing, ok = s.Data.Done[cid]
	}
	if ok {
		info.Build = existing.Build
		info.SentReview = existing.SentReview
	} else if info.SentReview.Version == 0 {
		info.SentReview = SentReview{Version: -1}
	}
	s.Data.Change[cid] = info
	delete(s.Data.Done, cid)
}

// SetChangeDone moves a change out of the active set once it is no longer
// returned by the review server.
func (s *Store) SetChangeDone(cid string) {
	change, ok := s.Data.Change[cid]
	if ok {
		var last int64
		for _, b := range change.Build {
			if b.Time > last {
				last = b.Time
			}
		}
		change.LastBuild = last
		s.Data.Done[cid] = change
		delete(s.Data.Change, cid)
	}
	for i, q := range s.Data.Queued {
		if q == cid {
			s.Data.Queued = append(s.Data.Queued[:i], s.Data.Queued[i+1:]...)
			break
		}
	}
}

// UsedSignatures returns every historical "<parent>,<version:03x>" pair a
// proposal has been built against, active or done, for obsolete-branch
// accounting in internal/chain.
func (s *Store) UsedSignatures(cid string) []string {
	change, ok := s.Data.Change[cid]
	if !ok {
		change, ok = s.Data.Done[cid]
	}
	if !ok {
		return nil
	}
	sigs := make([]string, 0, len(change.Build))
	for _, b := range change.Build {
		sigs = append(sigs, fmt.Sprintf("%s,%03x", b.Parent, b.Version))
	}
	return sigs
}

// GetLatestBuild returns the most recent build for cid, or nil.
func (s *Store) GetLatestBuild(cid string) *Build {
	c, ok := s.Data.Change[cid]
	if !ok {
		return nil
	}
	return c.LatestBuild()
}

// BrokenFor mirrors db.broken_for: walks a change's build history back to
// front looking for the last build where every listed architecture was OK
// (in either rebased or picked form), and accumulates a per-version
// broken-streak histogram along the way.
func (s *Store) BrokenFor(cid string, arches []string) (lastOK *Build, broken []int) {
	c, ok := s.Data.Change[cid]
	if !ok {
		return nil, nil
	}
	broken = make([]int, c.Version+1)

	allOK := func(results map[string]ArchResult) bool {
		if results == nil {
			return false
		}
		for _, arch := range arches {
			r, ok := results[arch]
			if !ok || r.OK == nil || !*r.OK {
				return false
			}
		}
		return true
	}

	for i := len(c.Build) - 1; i >= 0; i-- {
		b := c.Build[i]
		if allOK(b.Rebased) || (b.Picked != nil && allOK(b.Picked)) {
			return &b, broken
		}
		if rel, ok := s.Data.Release[b.Parent]; ok && allOK(rel.Result) {
			if b.Version >= 0 && b.Version < len(broken) {
				broken[b.Version]++
			}
		}
	}
	return nil, broken
}

// UnusedReleases mirrors db.unused_releases: splits releases not reachable
// from any live build into "fully unused" (delete the whole tree) and
// "logs-only referenced" (artifacts may be purged, logs kept).
func (s *Store) UnusedReleases() (unused map[string]bool, logsOnly map[string]bool) {
	rel := map[string]bool{}
	for tag := range s.Data.Release {
		rel[tag] = true
	}
	delete(rel, s.Data.Current)

	used := map[string]bool{}
	logs := map[string]bool{}
	for _, group := range []map[string]*Change{s.Data.Change, s.Data.Done} {
		for _, change := range group {
			for _, b := range change.Build {
				if b.LogsOnly {
					logs[b.Parent] = true
				} else {
					used[b.Parent] = true
				}
			}
		}
	}
	for tag := range used {
		delete(logs, tag)
	}
	unused = map[string]bool{}
	logsOnly = map[string]bool{}
	for tag := range rel {
		if used[tag] {
			continue
		}
		if logs[tag] {
			logsOnly[tag] = true
			continue
		}
		unused[tag] = true
	}
	return unused, logsOnly
}
