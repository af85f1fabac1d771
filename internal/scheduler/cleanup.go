package scheduler

import (
	"os"
	"strconv"

	"github.com/buildwatch/buildwatch/internal/paths"
	"github.com/buildwatch/buildwatch/internal/store"
)

func removeTree(_ *paths.Resolver, path string) {
	_ = os.RemoveAll(path)
}

// RemoveDoneBefore drops every done proposal whose last build predates t,
// via builder.remove_done_changes equivalent (caller supplies the removal
// callback so this package stays free of the filesystem-delete side
// effect's domain specifics).
func RemoveDoneBefore(s *store.Store, t int64, removeChange func(cid string)) {
	var drop []string
	for cid, c := range s.Data.Done {
		if c.LastBuild < t {
			drop = append(drop, cid)
		}
	}
	for _, cid := range drop {
		removeChange(cid)
		delete(s.Data.Done, cid)
	}
}

// RemoveUnusedReleases deletes releases no live build references, and
// trims per-architecture artifacts (keeping logs) for releases only
// referenced by logs_only builds.
func RemoveUnusedReleases(s *store.Store, p *paths.Resolver, branch string) {
	unused, logsOnly := s.UnusedReleases()
	for tag := range unused {
		p.DeleteRelease(branch, tag)
		delete(s.Data.Release, tag)
	}
	for tag := range logsOnly {
		rel, ok := s.Data.Release[tag]
		if !ok {
			continue
		}
		for arch := range rel.Result {
			if arch == "*" {
				continue
			}
			paths.CleanUp(p.Release(branch, tag, arch))
		}
	}
}

// RemoveOldHarder truncates each proposal's build history to the last 1
// (done) / 3 (active) records, pinning whichever build is referenced by
// the last sent review, and deletes the filesystem trees of every build it
// drops. Mirrors testbuilds.remove_old_harder.
func RemoveOldHarder(s *store.Store, p *paths.Resolver, branch string, keepDonePressureDays float64, now int64, removeChange func(cid string)) {
	RemoveDoneBefore(s, now-int64(keepDonePressureDays*secondsPerDay), removeChange)

	trim := func(group map[string]*store.Change, limit int) {
		for cid, change := range group {
			keep := change.SentReview.Parent
			builds := change.Build
			if len(builds) <= limit {
				continue
			}
			removed := builds[:len(builds)-limit]
			kept := builds[len(builds)-limit:]
			for _, old := range removed {
				if old.Parent == keep {
					kept = append([]store.Build{old}, kept...)
					continue
				}
				removeTree(p, p.WWW(cid, strconv.Itoa(old.Version), old.Parent, "", true))
				if old.Picked != nil {
					removeTree(p, p.WWW(cid, strconv.Itoa(old.Version), old.Parent, "", false))
				}
			}
			change.Build = kept
			for i := range change.Build[:max0(len(change.Build)-1)] {
				old := &change.Build[i]
				for _, variant := range []struct {
					results map[string]store.ArchResult
					full    bool
				}{{old.Rebased, true}, {old.Picked, false}} {
					for arch, r := range variant.results {
						if arch != "*" && r.OK != nil {
							paths.CleanUp(p.WWW(cid, strconv.Itoa(old.Version), old.Parent, arch, variant.full))
						}
					}
				}
				old.LogsOnly = true
			}
		}
	}
	trim(s.Data.Done, 1)
	trim(s.Data.Change, 3)

	RemoveUnusedReleases(s, p, branch)
	_ = s.Save()
}

// RemoveOldStarved is the harder fallback when RemoveOldHarder still
// leaves the web root under the low-disk threshold: mark every remaining
// build logs_only and purge its artifact files, keeping only the log
// HTML. Distinct from RemoveOldHarder's history truncation — this keeps
// every build record but strips its payload.
func RemoveOldStarved(s *store.Store, p *paths.Resolver) {
	for _, group := range []map[string]*store.Change{s.Data.Change, s.Data.Done} {
		for cid, change := range group {
			for i := range change.Build {
				b := &change.Build[i]
				if b.LogsOnly {
					continue
				}
				for arch, r := range b.Rebased {
					if arch != "*" && r.OK != nil {
						paths.CleanUp(p.WWW(cid, strconv.Itoa(b.Version), b.Parent, arch, true))
					}
				}
				for arch, r := range b.Picked {
					if arch != "*" && r.OK != nil {
						paths.CleanUp(p.WWW(cid, strconv.Itoa(b.Version), b.Parent, arch, false))
					}
				}
				b.LogsOnly = true
			}
		}
	}
	_ = s.Save()
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

