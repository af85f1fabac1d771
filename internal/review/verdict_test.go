package review

import (
	"strings"
	"testing"

	"github.com/buildwatch/buildwatch/internal/store"
)

func TestCleanMessageNormalizesArchPaths(t *testing.T) {
	msg := "error building objects/haiku/x86_64/release/foo.o"
	got := cleanMessage(msg)
	if !strings.Contains(got, "objects/haiku/<arch>/") {
		t.Errorf("cleanMessage() = %q, want arch-independent path", got)
	}
}

func TestCleanMessageDropsJamFailedTrailerAndDedupes(t *testing.T) {
	msg := "error: foo\nerror: foo\n...failed updating 3 target(s)..."
	got := cleanMessage(msg)
	if strings.Contains(got, "failed updating") {
		t.Errorf("cleanMessage() = %q, want trailer dropped", got)
	}
	if strings.Count(got, "error: foo") != 1 {
		t.Errorf("cleanMessage() = %q, want duplicate line collapsed", got)
	}
}

func TestTruncateMessageRespectsBudget(t *testing.T) {
	short := "fits easily"
	if got := truncateMessage(short); got != short {
		t.Errorf("truncateMessage(short) = %q, want unchanged", got)
	}

	long := strings.Repeat("x", maxMessageLen+50)
	got := truncateMessage(long)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncateMessage(long) missing ellipsis suffix")
	}
	if len(got) != maxMessageLen+3 {
		t.Errorf("truncateMessage(long) len = %d, want %d", len(got), maxMessageLen+3)
	}
}

func TestCommonLinesFindsSharedLinesAcrossMessages(t *testing.T) {
	msgs := []string{
		"shared line\nonly in a",
		"shared line\nonly in b",
	}
	got := commonLines(msgs)
	if got != "shared line" {
		t.Errorf("commonLines() = %q, want %q", got, "shared line")
	}
}

func TestCommonLinesEmptyWhenNothingShared(t *testing.T) {
	msgs := []string{"a", "b"}
	if got := commonLines(msgs); got != "" {
		t.Errorf("commonLines() = %q, want empty", got)
	}
}

func TestStripCommonLinesRemovesSharedLinesOnly(t *testing.T) {
	got := stripCommonLines("shared\nonly a", "shared")
	if got != "only a" {
		t.Errorf("stripCommonLines() = %q, want %q", got, "only a")
	}
}

func TestStripCommonLinesNoCommonReturnsOriginal(t *testing.T) {
	if got := stripCommonLines("line", ""); got != "line" {
		t.Errorf("stripCommonLines(msg, \"\") = %q, want unchanged", got)
	}
}

func okArch() store.ArchResult {
	ok := true
	return store.ArchResult{OK: &ok}
}

func failArch(msg string) store.ArchResult {
	ok := false
	return store.ArchResult{OK: &ok, Message: msg}
}

func TestComposeReturnsFalseWithoutABuild(t *testing.T) {
	c := &Composer{LinkURL: func(string, string, string) string { return "" }}
	change := &store.Change{}
	_, _, ok := c.Compose("I1", change, nil, Change{})
	if ok {
		t.Fatal("Compose() with no build should return ok=false")
	}
}

func TestComposeReturnsFalseWhenStaleRevision(t *testing.T) {
	c := &Composer{LinkURL: func(string, string, string) string { return "" }}
	change := &store.Change{
		Build: []store.Build{{Version: 1, Parent: "p", Rebased: map[string]store.ArchResult{"*": okArch(), "x86": okArch()}}},
	}
	gc := Change{
		CurrentRevision: "rev2",
		Revisions:       map[string]RevisionInfo{"rev2": {Number: 2}},
	}
	_, _, ok := c.Compose("I1", change, nil, gc)
	if ok {
		t.Fatal("Compose() should refuse to post against a stale revision")
	}
}

func TestComposeFirstGreenBuildProducesPlusOne(t *testing.T) {
	c := &Composer{
		Branch:  "master",
		Site:    "https://ci.example.org",
		LinkURL: func(cid, version, parent string) string { return "/report/" + cid },
	}
	change := &store.Change{
		Build: []store.Build{{
			Version: 1,
			Parent:  "p",
			Rebased: map[string]store.ArchResult{"*": okArch(), "x86": okArch()},
		}},
	}
	gc := Change{
		CurrentRevision: "rev1",
		Revisions:       map[string]RevisionInfo{"rev1": {Number: 1}},
	}

	input, sent, ok := c.Compose("I1", change, nil, gc)
	if !ok {
		t.Fatal("Compose() should produce a verdict for a first green build")
	}
	if input.Labels["Verified"] != "+1" {
		t.Errorf("Labels[Verified] = %q, want +1", input.Labels["Verified"])
	}
	if sent.Version != 1 || sent.Parent != "p" {
		t.Errorf("sent = %+v, want version 1 parent p", sent)
	}
}

func TestComposeSuppressesWhenGerritScoreAlreadyMatches(t *testing.T) {
	c := &Composer{
		Branch:  "master",
		Site:    "https://ci.example.org",
		LinkURL: func(cid, version, parent string) string { return "/report/" + cid },
	}
	change := &store.Change{
		Build: []store.Build{{
			Version: 1,
			Parent:  "p",
			Rebased: map[string]store.ArchResult{"*": okArch(), "x86": okArch()},
		}},
	}
	gc := Change{
		CurrentRevision: "rev1",
		Revisions:       map[string]RevisionInfo{"rev1": {Number: 1}},
		Labels:          map[string]LabelInfo{"Verified": {Approved: map[string]any{"_account_id": 1}}},
	}

	_, _, ok := c.Compose("I1", change, nil, gc)
	if ok {
		t.Fatal("Compose() should suppress a verdict already matching gerrit's score")
	}
}
