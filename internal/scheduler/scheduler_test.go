package scheduler

import (
	"testing"

	"github.com/buildwatch/buildwatch/internal/store"
)

func okResult() store.ArchResult {
	ok := true
	return store.ArchResult{OK: &ok}
}

func brokenResult() store.ArchResult {
	ok := false
	return store.ArchResult{OK: &ok}
}

func newData() *store.Data {
	return &store.Data{
		Change:  map[string]*store.Change{},
		Done:    map[string]*store.Change{},
		Release: map[string]*store.Release{"head": {Result: map[string]store.ArchResult{"amd64": okResult()}}},
		Current: "head",
	}
}

func TestSortedNeverBuiltGoesToBucket3ByDefault(t *testing.T) {
	data := newData()
	data.Change["c1"] = &store.Change{Time: store.Times{Update: 100}}

	queue := Sorted(data, 1000)
	if len(queue) != 1 || queue[0] != "c1" {
		t.Fatalf("Sorted() = %v, want [c1]", queue)
	}
}

func TestSortedWipGoesBehindDefault(t *testing.T) {
	data := newData()
	data.Change["default"] = &store.Change{Time: store.Times{Update: 100}}
	data.Change["wip"] = &store.Change{Time: store.Times{Update: 100}, Tags: []string{TagWIP}}

	queue := Sorted(data, 1000)
	if len(queue) != 2 || queue[0] != "default" || queue[1] != "wip" {
		t.Fatalf("Sorted() = %v, want [default wip]", queue)
	}
}

func TestSortedSkipsFreshlyDownvotedProposal(t *testing.T) {
	data := newData()
	data.Change["voted"] = &store.Change{
		Review: -2,
		Time:   store.Times{Update: 100, Version: 999},
	}

	queue := Sorted(data, 1000)
	if len(queue) != 0 {
		t.Fatalf("Sorted() = %v, want empty (fresh -2 vote should be skipped)", queue)
	}
}

func TestSortedOrdersByReviewScoreWithinBucket(t *testing.T) {
	data := newData()
	data.Change["plus-one"] = &store.Change{Review: 1, Time: store.Times{Update: 100}}
	data.Change["zero"] = &store.Change{Review: 0, Time: store.Times{Update: 100}}

	queue := Sorted(data, 1000)
	if len(queue) != 2 || queue[0] != "plus-one" || queue[1] != "zero" {
		t.Fatalf("Sorted() = %v, want [plus-one zero]", queue)
	}
}

func TestSortedVersionBumpBothBrokenGoesAheadOfSingleBroken(t *testing.T) {
	data := newData()
	data.Change["both-broken"] = &store.Change{
		Version: 2,
		Time:    store.Times{Update: 100},
		Build: []store.Build{{
			Parent:  "head",
			Version: 1,
			Rebased: map[string]store.ArchResult{"amd64": brokenResult()},
		}},
	}
	data.Change["single-broken"] = &store.Change{
		Version: 2,
		Time:    store.Times{Update: 100},
		Build: []store.Build{{
			Parent:  "head",
			Version: 1,
			Rebased: map[string]store.ArchResult{"amd64": brokenResult()},
			Picked:  map[string]store.ArchResult{"amd64": okResult()},
		}},
	}

	queue := Sorted(data, 1000)
	if len(queue) != 2 || queue[0] != "both-broken" || queue[1] != "single-broken" {
		t.Fatalf("Sorted() = %v, want [both-broken single-broken]", queue)
	}
}

func TestSortedSameVersionSameBaselineIsNotQueued(t *testing.T) {
	data := newData()
	data.Change["settled"] = &store.Change{
		Version: 1,
		Time:    store.Times{Update: 100},
		Build: []store.Build{{
			Parent:  "head",
			Version: 1,
			Rebased: map[string]store.ArchResult{"amd64": okResult()},
		}},
	}

	queue := Sorted(data, 1000)
	if len(queue) != 0 {
		t.Fatalf("Sorted() = %v, want empty (nothing to do)", queue)
	}
}
