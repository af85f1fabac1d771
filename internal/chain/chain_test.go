package chain

import "testing"

func TestStateOrdering(t *testing.T) {
	order := []State{Deleted, New, Fetched, Picked, ConflictParent, Conflict, Rebased}
	for i := 1; i < len(order); i++ {
		if !(order[i-1] < order[i]) {
			t.Fatalf("%s should sort before %s", order[i-1], order[i])
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Deleted, "DELETED"},
		{New, "NEW"},
		{Fetched, "FETCHED"},
		{Picked, "PICKED"},
		{ConflictParent, "CONFLICT_PARENT"},
		{Conflict, "CONFLICT"},
		{Rebased, "REBASED"},
		{State(999), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestChangesetBranchName(t *testing.T) {
	got := ChangesetBranchName("I0deadbeef", "3")
	want := "changeset-I0deadbeef-3"
	if got != want {
		t.Errorf("ChangesetBranchName() = %q, want %q", got, want)
	}
}

func TestIsHex(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"deadbeef", true},
		{"0123456789abcdef", true},
		{"", true},
		{"DEADBEEF", false}, // uppercase not accepted, matches Gerrit's lowercase change-ids
		{"ghij", false},
	}
	for _, tt := range tests {
		if got := isHex(tt.in); got != tt.want {
			t.Errorf("isHex(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetHelpers(t *testing.T) {
	a := toSet([]string{"x", "y"})
	b := toSet([]string{"x"})

	if !isSuperset(a, b) {
		t.Error("isSuperset(a, b) = false, want true")
	}
	if isSuperset(b, a) {
		t.Error("isSuperset(b, a) = true, want false")
	}
	if !isSubset(b, a) {
		t.Error("isSubset(b, a) = false, want true")
	}
	if !contains([]string{"x", "y"}, "y") {
		t.Error("contains should find y")
	}
	if contains([]string{"x", "y"}, "z") {
		t.Error("contains should not find z")
	}
}

func TestDowngradeClearsHigherStateAndCascadesToChildren(t *testing.T) {
	e := New(nil, "https://review.example.org", nil, nil)
	parent := &Change{CID: "Iparent", state: Rebased, Rebased: "deadbeef"}
	child := &Change{CID: "Ichild", state: Picked, Picked: "cafef00d"}
	e.changes[parent.CID] = parent
	e.changes[child.CID] = child
	e.children[parent.CID] = map[string]bool{child.CID: true}

	e.downgrade(parent, Fetched)

	if parent.state != Fetched {
		t.Errorf("parent.state = %s, want FETCHED", parent.state)
	}
	if parent.Rebased != "" {
		t.Errorf("parent.Rebased = %q, want cleared", parent.Rebased)
	}
	if child.state != Picked {
		t.Errorf("child.state = %s, want unchanged PICKED (children cascade down to PICKED, which this child already is)", child.state)
	}
}

func TestDowngradeNoopWhenAlreadyAtOrBelowTarget(t *testing.T) {
	e := New(nil, "https://review.example.org", nil, nil)
	c := &Change{CID: "I1", state: New}
	e.changes[c.CID] = c

	e.downgrade(c, Fetched)

	if c.state != New {
		t.Errorf("downgrade raised state from NEW to %s, want no-op", c.state)
	}
}
