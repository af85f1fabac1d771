package store

import "testing"

func boolPtr(b bool) *bool { return &b }

func TestIsBroken(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]ArchResult
		want    string
	}{
		{"empty map is fully ok", map[string]ArchResult{}, ""},
		{"all ok", map[string]ArchResult{"amd64": {OK: boolPtr(true)}}, ""},
		{"not yet built counts as broken", map[string]ArchResult{"amd64": {OK: nil}}, "amd64"},
		{"explicit failure", map[string]ArchResult{"amd64": {OK: boolPtr(false)}}, "amd64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBroken(tt.results); (got == "") != (tt.want == "") {
				t.Errorf("IsBroken() = %q, want broken=%v", got, tt.want != "")
			}
		})
	}
}

func TestSetChangeInfoPreservesBuildHistory(t *testing.T) {
	s := &Store{Data: empty()}
	s.Data.Change["c1"] = &Change{
		ID:    1,
		Build: []Build{{Parent: "p1", Version: 1}},
	}

	s.SetChangeInfo("c1", &Change{ID: 1, Version: 2})

	got := s.Data.Change["c1"]
	if len(got.Build) != 1 || got.Build[0].Parent != "p1" {
		t.Fatalf("SetChangeInfo dropped build history: %+v", got.Build)
	}
}

func TestSetChangeInfoRevivesFromDone(t *testing.T) {
	s := &Store{Data: empty()}
	s.Data.Done["c1"] = &Change{ID: 1, LastBuild: 42}

	s.SetChangeInfo("c1", &Change{ID: 1})

	if _, stillDone := s.Data.Done["c1"]; stillDone {
		t.Fatal("SetChangeInfo left change in Done after reviving it")
	}
	if _, ok := s.Data.Change["c1"]; !ok {
		t.Fatal("SetChangeInfo did not add change to Change")
	}
}

func TestSetChangeDoneMovesChangeAndTracksLastBuild(t *testing.T) {
	s := &Store{Data: empty()}
	s.Data.Change["c1"] = &Change{
		ID:    1,
		Build: []Build{{Time: 10}, {Time: 30}, {Time: 20}},
	}
	s.Data.Queued = []string{"c1"}

	s.SetChangeDone("c1")

	if _, ok := s.Data.Change["c1"]; ok {
		t.Fatal("SetChangeDone left change in Change")
	}
	done, ok := s.Data.Done["c1"]
	if !ok {
		t.Fatal("SetChangeDone did not add change to Done")
	}
	if done.LastBuild != 30 {
		t.Errorf("LastBuild = %d, want 30 (max of build times)", done.LastBuild)
	}
	if len(s.Data.Queued) != 0 {
		t.Errorf("Queued = %v, want empty after SetChangeDone", s.Data.Queued)
	}
}

func TestUsedSignaturesFormatsHexVersion(t *testing.T) {
	s := &Store{Data: empty()}
	s.Data.Change["c1"] = &Change{
		Build: []Build{{Parent: "deadbeef", Version: 255}},
	}

	sigs := s.UsedSignatures("c1")
	if len(sigs) != 1 || sigs[0] != "deadbeef,0ff" {
		t.Fatalf("UsedSignatures() = %v, want [deadbeef,0ff]", sigs)
	}
}

func TestUsedSignaturesLooksInDoneToo(t *testing.T) {
	s := &Store{Data: empty()}
	s.Data.Done["c1"] = &Change{Build: []Build{{Parent: "p", Version: 1}}}

	if sigs := s.UsedSignatures("c1"); len(sigs) != 1 {
		t.Fatalf("UsedSignatures() = %v, want one signature from Done", sigs)
	}
	if sigs := s.UsedSignatures("unknown"); sigs != nil {
		t.Fatalf("UsedSignatures(unknown) = %v, want nil", sigs)
	}
}

func TestBrokenForFindsLastOKBuildAndCountsStreak(t *testing.T) {
	s := &Store{Data: empty()}
	s.Data.Release["head"] = &Release{Result: map[string]ArchResult{"amd64": {OK: boolPtr(true)}}}
	s.Data.Change["c1"] = &Change{
		Version: 3,
		Build: []Build{
			{Parent: "head", Version: 1, Rebased: map[string]ArchResult{"amd64": {OK: boolPtr(true)}}},
			{Parent: "head", Version: 2, Rebased: map[string]ArchResult{"amd64": {OK: boolPtr(false)}}},
			{Parent: "head", Version: 3, Rebased: map[string]ArchResult{"amd64": {OK: boolPtr(false)}}},
		},
	}

	lastOK, broken := s.BrokenFor("c1", []string{"amd64"})
	if lastOK == nil || lastOK.Version != 1 {
		t.Fatalf("BrokenFor lastOK = %+v, want version 1", lastOK)
	}
	if len(broken) <= 3 || broken[2] != 1 || broken[3] != 1 {
		t.Fatalf("BrokenFor broken = %v, want counts at index 2 and 3", broken)
	}
}

func TestBrokenForUnknownChangeReturnsNil(t *testing.T) {
	s := &Store{Data: empty()}
	lastOK, broken := s.BrokenFor("missing", []string{"amd64"})
	if lastOK != nil || broken != nil {
		t.Fatalf("BrokenFor(missing) = %v, %v, want nil, nil", lastOK, broken)
	}
}

func TestUnusedReleasesSplitsFullyUnusedFromLogsOnly(t *testing.T) {
	s := &Store{Data: empty()}
	s.Data.Current = "current"
	s.Data.Release["current"] = &Release{}
	s.Data.Release["used"] = &Release{}
	s.Data.Release["logs-only"] = &Release{}
	s.Data.Release["unused"] = &Release{}
	s.Data.Change["c1"] = &Change{Build: []Build{
		{Parent: "used", LogsOnly: false},
		{Parent: "logs-only", LogsOnly: true},
	}}

	unused, logsOnly := s.UnusedReleases()

	if unused["current"] || unused["used"] || !unused["unused"] {
		t.Errorf("unused = %v", unused)
	}
	if !logsOnly["logs-only"] {
		t.Errorf("logsOnly = %v, want logs-only present", logsOnly)
	}
}
