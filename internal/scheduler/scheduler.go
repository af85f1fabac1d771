// Package scheduler computes the ten-tier build priority queue and the
// disk-budget cleanup policy that keeps the store and web tree bounded.
package scheduler

import (
	"sort"

	"github.com/buildwatch/buildwatch/internal/store"
)

const secondsPerDay = 24 * 60 * 60

const (
	knobOldVersion    = 10 * secondsPerDay
	knobOldChangeset  = 2 * 30 * secondsPerDay
	knobOldBuild      = 30 * secondsPerDay
	knobMinimumDelay  = secondsPerDay
)

const (
	TagWIP        = "WIP"
	TagUnresolved = "Unresolved comments"
)

// sortKey is the (review_score, time_key) tuple buckets 0-8 and 9 both
// sort by, descending.
type sortKey struct {
	cid    string
	review int
	weight float64
}

// Sorted returns the scheduling queue: proposal cids ordered by priority
// bucket (0 highest through 9), deterministic within a bucket by
// (review_score, time_key) descending and then by cid to break ties.
// Mirrors testbuilds.sorted_changes().
func Sorted(data *store.Data, now int64) []string {
	buckets := make([][]sortKey, 10)

	for cid, change := range data.Change {
		latest := change.LatestBuild()

		if latest == nil {
			if change.Review < -1 && now-change.Time.Version < 2*secondsPerDay {
				continue
			}
			var prio int
			switch {
			case change.HasTag(TagWIP):
				if change.HasTag(TagUnresolved) {
					prio = 8
				} else {
					prio = 6
				}
			case isBrokenCurrent(data):
				if change.HasTag(TagUnresolved) {
					prio = 1
				} else {
					prio = 0
				}
			case change.HasTag(TagUnresolved):
				prio = 8
			default:
				prio = 3
			}
			buckets[prio] = append(buckets[prio], sortKey{cid, change.Review, float64(change.Time.Update)})
			continue
		}

		if latest.Version != change.Version {
			if change.Review < -1 && now-change.Time.Version < 2*secondsPerDay {
				continue
			}
			bothBroken := store.IsBroken(latest.Rebased) != "" &&
				(latest.Picked == nil || store.IsBroken(latest.Picked) != "")
			var prio int
			switch {
			case bothBroken && change.HasTag(TagUnresolved):
				prio = 7
			case bothBroken && change.HasTag(TagWIP):
				// Open Question #2 (DESIGN.md): WIP-demotion bucket 5,
				// matching original_source/testbuilds.py.
				prio = 5
			case bothBroken:
				prio = 2
			case change.HasTag(TagUnresolved):
				prio = 8
			case change.HasTag(TagWIP):
				prio = 6
			default:
				prio = 4
			}
			buckets[prio] = append(buckets[prio], sortKey{cid, change.Review, float64(change.Time.Update)})
			continue
		}

		if latest.Parent != data.Current {
			weight, minDelay, skip := bucket9Weight(data, cid, change, latest, now)
			if skip {
				continue
			}
			buckets[9] = append(buckets[9], sortKey{cid, change.Review, weight})
			_ = minDelay
			continue
		}

		// Same version, same baseline: nothing to do.
	}

	var queue []string
	for _, b := range buckets {
		sort.SliceStable(b, func(i, j int) bool {
			if b[i].review != b[j].review {
				return b[i].review > b[j].review
			}
			if b[i].weight != b[j].weight {
				return b[i].weight > b[j].weight
			}
			return b[i].cid < b[j].cid
		})
		for _, k := range b {
			queue = append(queue, k.cid)
		}
	}
	return queue
}

func isBrokenCurrent(data *store.Data) bool {
	rel, ok := data.Release[data.Current]
	if !ok {
		return true
	}
	return store.IsBroken(rel.Result) != ""
}

// bucket9Weight computes the staleness weight for a same-version,
// older-baseline proposal. Coefficient is /2, not /3 (DESIGN.md Open
// Question #1).
func bucket9Weight(data *store.Data, cid string, change *store.Change, latest *store.Build, now int64) (weight, minDelay float64, skip bool) {
	minDelay = knobMinimumDelay

	weight = float64(now - latest.Time)
	if d := change.Time.Update - latest.Time; d > 0 {
		weight += float64(d) / 2
	}

	if now-change.Time.Version > knobOldVersion {
		minDelay *= 2
		if now-change.Time.Version > 3*knobOldVersion {
			weight /= 2
		}
	}

	wip := change.HasTag(TagWIP)
	unresolved := change.HasTag(TagUnresolved)
	if wip {
		weight -= 2 * secondsPerDay
	}
	if unresolved {
		weight -= secondsPerDay
		minDelay *= 2
	}

	bothBroken := store.IsBroken(latest.Rebased) != "" &&
		(latest.Picked == nil || store.IsBroken(latest.Picked) != "")
	if bothBroken {
		weight += 2 * secondsPerDay
	}

	_, broken := storeBrokenFor(data, cid, []string{"*"})
	if len(broken) > 0 && broken[len(broken)-1] > 2 {
		sum := 0
		for _, v := range broken {
			sum += v
		}
		weight -= float64(sum-2) * secondsPerDay
	}

	minPenalty := -1
	for arch := range latest.Rebased {
		if arch == "*" {
			continue
		}
		_, archBroken := storeBrokenFor(data, cid, []string{arch})
		penalty := 0
		if len(archBroken) > 0 && archBroken[len(archBroken)-1] > 2 {
			sum := 0
			for _, v := range archBroken {
				sum += v
			}
			penalty = sum - 2
		}
		if minPenalty < 0 || penalty < minPenalty {
			minPenalty = penalty
		}
	}
	if minPenalty > 0 {
		minDelay += float64(minPenalty) * secondsPerDay / 2
	}
	minDelay -= float64(change.Review) * secondsPerDay

	if now-latest.Time > knobOldBuild {
		weight = maxFloat(0, weight*2)
	} else if weight <= minDelay {
		return 0, 0, true
	}
	return weight, minDelay, false
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// storeBrokenFor is a package-level indirection over (*store.Store).BrokenFor
// so the pure scheduling math above can operate on a bare *store.Data.
func storeBrokenFor(data *store.Data, cid string, arches []string) (*store.Build, []int) {
	s := &store.Store{Data: data}
	return s.BrokenFor(cid, arches)
}
