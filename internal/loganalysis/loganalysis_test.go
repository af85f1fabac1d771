package loganalysis

import "testing"

func TestMatchErrorKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"unused variable", "unused variable 'x'", "unused-variable"},
		{"uninitialized suffix", "'x' may be used uninitialized", "maybe-uninitialized"},
		{"implicit function declaration", "implicit declaration of function 'foo'", "implicit-function-declaration"},
		{"no match falls back to message itself", "something nobody classifies", "something nobody classifies"},
		{"format extra args", "too many arguments for format", "format-extra-args"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchErrorKey(tt.in); got != tt.want {
				t.Errorf("MatchErrorKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestItemizeClassifiesCompilerWarning(t *testing.T) {
	lines := []string{
		"src/kernel/main.cpp:42:5: warning: unused variable 'x' [-Wunused-variable]",
	}
	items := Itemize(lines)
	if len(items) != 1 {
		t.Fatalf("Itemize() = %d items, want 1", len(items))
	}
	it := items[0]
	if it.Kind != KindWarn {
		t.Errorf("Kind = %v, want KindWarn", it.Kind)
	}
	if it.File != "src/kernel/main.cpp" {
		t.Errorf("File = %q", it.File)
	}
	if it.SourceLine != 42 {
		t.Errorf("SourceLine = %d, want 42", it.SourceLine)
	}
	if it.Key != "unused-variable" {
		t.Errorf("Key = %q, want unused-variable", it.Key)
	}
}

func TestItemizeClassifiesCompilerError(t *testing.T) {
	lines := []string{
		"src/kernel/main.cpp:10:1: error: 'foo' was not declared in this scope",
	}
	items := Itemize(lines)
	if len(items) != 1 || items[0].Kind != KindErr {
		t.Fatalf("Itemize() = %+v, want one KindErr item", items)
	}
}

func TestItemizeJamFailureProducesFailAndErrItems(t *testing.T) {
	lines := []string{`...failed updating <build>libfoo.so...`}
	items := Itemize(lines)
	if len(items) != 2 {
		t.Fatalf("Itemize() = %d items, want 2 (FAIL + jam-fail ERR)", len(items))
	}
	if items[0].Kind != KindFail {
		t.Errorf("items[0].Kind = %v, want KindFail", items[0].Kind)
	}
	if items[1].Kind != KindErr || items[1].Key != "jam-fail" {
		t.Errorf("items[1] = %+v, want KindErr/jam-fail", items[1])
	}
}

func TestItemizePackageLine(t *testing.T) {
	lines := []string{"foo.hpkg: Creating the package ..."}
	items := Itemize(lines)
	if len(items) != 1 || items[0].Kind != KindPkg || items[0].Raw != "foo.hpkg" {
		t.Fatalf("Itemize() = %+v, want one KindPkg item for foo.hpkg", items)
	}
}

func TestAnalyseInternsRepeatedKeysOnce(t *testing.T) {
	lines := []string{
		"a.cpp:1:1: warning: unused variable 'x' [-Wunused-variable]",
		"b.cpp:2:1: warning: unused variable 'y' [-Wunused-variable]",
	}
	a := Analyse(lines)
	if len(a.MessageText) != 1 {
		t.Fatalf("MessageText = %v, want one interned key shared across files", a.MessageText)
	}
	if len(a.Warnings["a.cpp"]) != 1 || len(a.Warnings["b.cpp"]) != 1 {
		t.Fatalf("Warnings = %+v, want one entry per file", a.Warnings)
	}
}

func TestDiffReportsAddedAndRemovedMessages(t *testing.T) {
	old := Analyse([]string{
		"a.cpp:1:1: warning: unused variable 'x' [-Wunused-variable]",
	})
	new := Analyse([]string{
		"a.cpp:1:1: error: 'z' was not declared in this scope",
	})

	removed, added := Diff(old, new)
	if len(removed["a.cpp"]) != 1 {
		t.Errorf("removed[a.cpp] = %v, want 1 entry", removed["a.cpp"])
	}
	if len(added["a.cpp"]) != 1 {
		t.Errorf("added[a.cpp] = %v, want 1 entry", added["a.cpp"])
	}
}

func TestDiffUnchangedFileProducesNoEntries(t *testing.T) {
	mk := func() *Analysis {
		return Analyse([]string{"a.cpp:1:1: warning: unused variable 'x' [-Wunused-variable]"})
	}
	removed, added := Diff(mk(), mk())
	if len(removed) != 0 || len(added) != 0 {
		t.Errorf("Diff(same, same) = removed=%v added=%v, want both empty", removed, added)
	}
}

func TestChangeLinkerBuildsReviewFileURL(t *testing.T) {
	linker := ChangeLinker("https://review.example.org", "haiku", 123, 4)
	got := linker("src/kernel/main.cpp", "42")
	want := "https://review.example.org/c/haiku/+/123/4/src/kernel/main.cpp#42"
	if got != want {
		t.Errorf("ChangeLinker() = %q, want %q", got, want)
	}
}
