// Package loganalysis classifies raw build-tool output into structured
// warnings, errors, package names, and failures, and computes structural
// diffs between two analyses of the same file set.
package loganalysis

import (
	"fmt"
	"html"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	reCompilerMsg = regexp.MustCompile(
		`^(?P<file>.*?):(?P<line>\d*):(?:(?P<row>\d*):)? ` +
			`(?P<mode>warning|error|fatal error): ` +
			`(?P<msg>.*?(?:\[-W(?:error=)?(?P<error>.*)\])?)$`)
	reCompilerMsg2 = regexp.MustCompile(
		`^(?P<file>.*?):(?P<line>\d*):(?:(?P<row>\d*):)? ` +
			`(?P<msg>.*?(?:\[-W(?:error=)?(?P<error>.*)\])?)$`)
	reSrcFile = regexp.MustCompile(`/s/(?P<file>[^:,\s]*?)[:,\s$](?:(?P<line>\d+)[:,\s$])?(?:\d+[:,\s$])?`)
	reNotice  = regexp.MustCompile(`(?i)\b(warning|(?:fatal )?error)\s*:.*`)
	reURL     = regexp.MustCompile(`\b\w+://[\w./-]*\b`)
)

// namedGroups extracts regexp submatches into a name->value map, returning
// nil when there is no match.
func namedGroups(re *regexp.Regexp, s string) map[string]string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" {
			out[name] = m[i]
		}
	}
	return out
}

// PathTransformer rewrites repository, build-root, and buildtools-root
// prefixes to the location-independent /s, /b, /t virtual prefixes.
type PathTransformer struct {
	AbsSrc    string
	RelSrc    string
	BuildRoot string
	BTRoot    string
}

// NewPathTransformer derives the transformer's prefixes from the
// resolver's configured roots for one representative architecture.
func NewPathTransformer(worktree, buildRootForArch, buildtoolsForArch string) *PathTransformer {
	buildRoot := path.Dir(buildRootForArch)
	btRoot := path.Dir(buildtoolsForArch)
	relSrc, err := relPath(worktree, buildRoot)
	if err != nil {
		relSrc = worktree
	}
	return &PathTransformer{
		AbsSrc:    worktree,
		RelSrc:    relSrc,
		BuildRoot: buildRoot,
		BTRoot:    btRoot,
	}
}

func relPath(target, base string) (string, error) {
	// minimal relative-path computation; both inputs are absolute and
	// configured, so a naive prefix strip is enough for the common case.
	if strings.HasPrefix(target, base+"/") {
		return target[len(base)+1:], nil
	}
	return target, nil
}

// TransformLine rewrites one log line's path prefixes.
func (t *PathTransformer) TransformLine(line string) string {
	line = strings.ReplaceAll(line, t.RelSrc, "/s")
	line = strings.ReplaceAll(line, t.AbsSrc, "/s")
	line = strings.ReplaceAll(line, t.BuildRoot, "/b")
	line = strings.ReplaceAll(line, t.BTRoot, "/t")
	return line
}

// MatchErrorKey infers a warning-family key from a compiler message when no
// explicit [-W...] flag is present. First matching rule wins; order is
// significant.
func MatchErrorKey(s string) string {
	switch {
	case strings.HasSuffix(s, "comparison between signed and unsigned"):
		return "sign-compare"
	case strings.Contains(s, " be used uninitialized"):
		return "maybe-uninitialized"
	case strings.Contains(s, " is used uninitialized"):
		return "uninitialized"
	case strings.HasPrefix(s, "too many arguments for format"):
		return "format-extra-args"
	case strings.HasSuffix(s, " in format"):
		return "format="
	case strings.HasPrefix(s, "unused variable "):
		return "unused-variable"
	case strings.HasPrefix(s, "implicit declaration of function "):
		return "implicit-function-declaration"
	case strings.HasPrefix(s, "no previous prototype for "):
		return "missing-prototypes"
	case strings.HasPrefix(s, "pointer of type ") && strings.HasSuffix(s, " used in arithmetic"):
		return "pointer-arith"
	case strings.HasPrefix(s, "integer overflow in expression") || strings.HasPrefix(s, "large integer implicitly truncated"):
		return "overflow"
	case strings.HasSuffix(s, " redefined"):
		return "cpp-redefine"
	case strings.HasSuffix(s, " attribute directive ignored"):
		return "attributes"
	case strings.Contains(s, " discards qualifiers "):
		return "discarded-qualifiers"
	case strings.HasSuffix(s, " from incompatible pointer type"):
		return "incompatible-pointer-types"
	case strings.HasSuffix(s, " makes pointer from integer without a cast"):
		return "int-conversion"
	case strings.HasSuffix(s, ")' defined but not used"):
		return "unused-function"
	case strings.HasSuffix(s, "' defined but not used"):
		if strings.HasPrefix(s, "label ") {
			return "unused-label"
		}
		return "unused-variable"
	case strings.Contains(s, " (arg "):
		return "format="
	case strings.HasSuffix(s, "No such file or directory"):
		return "file-not-found"
	case strings.HasSuffix(s, "empty declaration"):
		return "empty-declaration"
	case strings.HasSuffix(s, " does return") || strings.Contains(s, " non-void function"):
		return "return-type"
	case strings.HasPrefix(s, "#warning "):
		return "cpp"
	case strings.HasPrefix(s, "initialization ") && strings.Contains(s, "int"):
		return "int-conversion"
	case strings.HasPrefix(s, "cast to pointer from integer of different size"):
		return "int-to-pointer-cast"
	case strings.Contains(s, " clobbered "):
		return "clobbered"
	case strings.HasSuffix(s, " was hidden"):
		return "hidden"
	case strings.HasSuffix(s, " some locales"):
		return "locales"
	case strings.HasPrefix(s, "Unknown section") || strings.HasPrefix(s, "label alone "):
		return "assembler"
	case strings.HasSuffix(s, "undeclared (first use this function)") || strings.HasSuffix(s, "not declared") || strings.HasSuffix(s, "has not been declared"):
		return "undeclared"
	case strings.HasPrefix(s, "no matching function for call to"):
		return "unmatched-call"
	case (strings.HasPrefix(s, "prototype for") && strings.Contains(s, " does not match ")) || strings.HasPrefix(s, "no declaration matches "):
		return "unmatched-prototype"
	case strings.Contains(s, " used where ") && strings.Contains(s, " was expected"):
		return "unmatched-type"
	case strings.HasPrefix(s, "invalid use of undefined type"):
		return "undefined-type"
	case strings.HasPrefix(s, "invalid conversion") || strings.Contains(s, "cannot convert") || strings.Contains(s, "lacks a cast"):
		return "invalid-conversion"
	case strings.HasSuffix(s, "not declared in this scope"):
		return "undeclared"
	case strings.Contains(s, "declared inside parameter list"):
		return "invisible-outside"
	case strings.HasPrefix(s, "forward declaration of "):
		return "forward-declaration"
	case strings.HasPrefix(s, "parse error") || strings.HasPrefix(s, "expected ") || strings.HasPrefix(s, "lvalue required") || strings.HasPrefix(s, "syntax error"):
		return "parse"
	case strings.Contains(s, "has incomplete type"):
		return "incomplete-type"
	case strings.Contains(s, " has no member named ") || strings.Contains(s, " does not have a nested type ") || strings.Contains(s, "does not name a type") || strings.HasPrefix(s, "request for member "):
		return "undefined-type"
	case strings.HasPrefix(s, "too few arguments"):
		return "too-few-arguments"
	case strings.Contains(s, "is not a pointer-to-object type"):
		return "delete-incomplete"
	case strings.HasPrefix(s, "assignment to ") && (strings.Contains(s, "float") || strings.Contains(s, "double")):
		return "float-conversion"
	case strings.HasPrefix(s, "incompatible implicit declaration"):
		return "incompatible-implicit-declaration"
	case strings.HasPrefix(s, "member initializers for"):
		return "reorder"
	case strings.HasPrefix(s, "invalid type") || strings.HasSuffix(s, "with no type"):
		return "invalid-type"
	case strings.HasSuffix(s, "is ambiguous"):
		return "ambiguous"
	case strings.Contains(s, "aggregate initializer"):
		return "invalid-offsetof"
	case strings.HasPrefix(s, "conflicting types for") || strings.HasSuffix(s, "redeclared as different kind of symbol"):
		return "declaration-mismatch"
	case strings.HasPrefix(s, "enumeration value") && strings.HasSuffix(s, "not handled in switch"):
		return "switch"
	case strings.HasPrefix(s, "too many arguments"):
		return "extra-args"
	default:
		return s
	}
}

// ItemKind distinguishes the kinds of classified log items.
type ItemKind int

const (
	KindWarn ItemKind = iota
	KindErr
	KindPkg
	KindFail
)

// Item is one classified log line.
type Item struct {
	Kind       ItemKind
	LogLine    int
	File       string
	SourceLine int
	Row        string
	Text       string
	Key        string
	Raw        string // PKG / FAIL payload
}

// Itemize classifies every line of a build log.
func Itemize(lines []string) []Item {
	var items []Item
	for i, line := range lines {
		lineno := i + 1
		switch {
		case strings.Contains(line, " warning: ") || strings.Contains(line, " error: "):
			if g := namedGroups(reCompilerMsg, line); g != nil {
				if it, ok := compilerItem(g, lineno, g["mode"] != "warning"); ok {
					items = append(items, it)
				}
				continue
			}
			if strings.Contains(line, "ld: warning") && strings.Contains(line, " needed by ") && strings.Contains(line, " not found ") {
				items = append(items, Item{Kind: KindWarn, LogLine: lineno, File: "ld", Text: line, Key: "lib-not-found"})
				continue
			}
			if strings.HasPrefix(line, "collect2: error: ld returned") {
				items = append(items, Item{Kind: KindErr, LogLine: lineno, File: "ld", Text: line, Key: "linker"})
				continue
			}
		case strings.HasPrefix(line, "collect2: ld returned"):
			items = append(items, Item{Kind: KindErr, LogLine: lineno, File: "ld", Text: line, Key: "linker"})
		case strings.HasPrefix(line, "Warning: couldn't resolve catalog-access:"):
			items = append(items, Item{Kind: KindWarn, LogLine: lineno, File: "catkeys", Text: line, Key: "catalog"})
		case strings.HasPrefix(line, "warning: using independent target"):
			items = append(items, Item{Kind: KindWarn, LogLine: lineno, File: "jambuild", Text: line, Key: "jam-independent-target"})
		case strings.HasPrefix(line, "build-feature packages unavailable"):
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				prefix := parts[0] + ": "
				for _, pkg := range strings.Fields(parts[1]) {
					items = append(items, Item{Kind: KindWarn, LogLine: lineno, File: "jambuild", Text: prefix + pkg, Key: "jam-unavailable-build-pkg"})
				}
			}
		case strings.HasPrefix(line, "AddHaikuImagePackages: package") && strings.HasSuffix(line, " not available! "):
			items = append(items, Item{Kind: KindWarn, LogLine: lineno, File: "jambuild", Text: line, Key: "jam-unavailable-pkg"})
		case strings.HasPrefix(line, "warning: unknown rule "):
			items = append(items, Item{Kind: KindWarn, LogLine: lineno, File: "jambuild", Text: line, Key: "jam-rule"})
		case (strings.HasPrefix(line, "...failed ") || strings.HasPrefix(line, "...can't ")) && strings.HasSuffix(line, "..."):
			items = append(items, Item{Kind: KindFail, LogLine: lineno, Raw: line})
			items = append(items, Item{Kind: KindErr, LogLine: lineno, File: "jambuild", Text: line, Key: "jam-fail"})
		case strings.HasPrefix(line, "don't know how to"):
			items = append(items, Item{Kind: KindFail, LogLine: lineno, Raw: line})
			items = append(items, Item{Kind: KindErr, LogLine: lineno, File: "jambuild", Text: line, Key: "jam-fail"})
		case strings.HasSuffix(line, ".hpkg: Creating the package ..."):
			items = append(items, Item{Kind: KindPkg, LogLine: lineno, Raw: strings.TrimSuffix(line, ": Creating the package ...")})
		case (strings.HasPrefix(line, "ERROR: ") && strings.Contains(line, " dependenc")) ||
			(strings.HasPrefix(line, "problem") && strings.Contains(line, " nothing provides ")):
			items = append(items, Item{Kind: KindErr, LogLine: lineno, File: "jambuild", Text: line, Key: "jam-dependencies"})
		case strings.HasPrefix(line, "failed: Connection timed out."):
			items = append(items, Item{Kind: KindErr, LogLine: lineno, File: "connection", Text: line, Key: "timeout"})
		default:
			if g := namedGroups(reCompilerMsg2, line); g != nil {
				if it, ok := compilerItem2(g, lineno); ok {
					items = append(items, it)
				}
			}
		}
	}
	return items
}

func compilerItem(g map[string]string, lineno int, isError bool) (Item, bool) {
	msg := g["msg"]
	if strings.HasPrefix(msg, " ") {
		return Item{}, false
	}
	errKey := g["error"]
	if errKey == "" {
		errKey = MatchErrorKey(msg)
	}
	if errKey == msg {
		if strings.HasPrefix(errKey, "this is the location") || strings.HasPrefix(errKey, "by ") ||
			strings.HasPrefix(errKey, "its scope is only") || strings.HasPrefix(errKey, "In function") ||
			strings.HasPrefix(errKey, "At top level") || strings.Contains(errKey, "/s/") ||
			strings.Contains(errKey, "warning: ") {
			return Item{}, false
		}
	}
	file := g["file"]
	file = strings.TrimPrefix(file, "/s/")
	file = path.Clean(file)
	line, _ := strconv.Atoi(g["line"])
	kind := KindWarn
	if isError {
		kind = KindErr
	}
	return Item{Kind: kind, LogLine: lineno, File: file, SourceLine: line, Row: g["row"], Text: msg, Key: errKey}, true
}

func compilerItem2(g map[string]string, lineno int) (Item, bool) {
	msg := g["msg"]
	if strings.HasPrefix(msg, "note: ") || strings.HasPrefix(msg, "required from ") ||
		strings.HasPrefix(msg, " ") || strings.Contains(msg, "reported only once") ||
		strings.Contains(msg, "for each function") {
		return Item{}, false
	}
	file := g["file"]
	tokens := strings.Fields(file)
	if (len(tokens) > 1 && !strings.Contains(tokens[0], "/")) || strings.Contains(file, ":") {
		return Item{}, false
	}
	errKey := g["error"]
	if errKey == "" {
		errKey = MatchErrorKey(msg)
		if errKey == msg {
			return Item{}, false
		}
	}
	file = strings.TrimPrefix(file, "/s/")
	file = path.Clean(file)
	kind := KindWarn
	if errKey == "file-not-found" || errKey == "invalid-type" || errKey == "ambiguous" ||
		errKey == "undefined-type" || strings.HasPrefix(errKey, "unmatched") ||
		strings.Contains(strings.ToLower(msg), "error") {
		kind = KindErr
	}
	line, _ := strconv.Atoi(g["line"])
	return Item{Kind: kind, LogLine: lineno, File: file, SourceLine: line, Row: g["row"], Text: msg, Key: errKey}, true
}

// MessageRef is one (log line, source line, interned key) triple.
type MessageRef struct {
	LogLine    int
	SourceLine int
	KeyID      int
}

// FullMessage keeps the raw text alongside position, for later diffing.
type FullMessage struct {
	LogLine    int
	SourceLine int
	Text       string
}

// Analysis is the structured result of classifying one build log.
type Analysis struct {
	Packages    map[string]bool
	Failures    string
	MessageText []string       // id -> text, insertion order
	messageID   map[string]int // text -> id
	Warnings    map[string][]MessageRef
	Errors      map[string][]MessageRef
	Full        map[string][]FullMessage
}

func newAnalysis() *Analysis {
	return &Analysis{
		Packages:  map[string]bool{},
		messageID: map[string]int{},
		Warnings:  map[string][]MessageRef{},
		Errors:    map[string][]MessageRef{},
		Full:      map[string][]FullMessage{},
	}
}

func (a *Analysis) intern(key string) int {
	if id, ok := a.messageID[key]; ok {
		return id
	}
	id := len(a.MessageText)
	a.messageID[key] = id
	a.MessageText = append(a.MessageText, key)
	return id
}

// Analyse runs Itemize and folds the result into warnings/errors/packages/
// failures with append-only message interning.
func Analyse(lines []string) *Analysis {
	a := newAnalysis()
	var failures []string
	for _, it := range Itemize(lines) {
		switch it.Kind {
		case KindWarn, KindErr:
			id := a.intern(it.Key)
			ref := MessageRef{LogLine: it.LogLine, SourceLine: it.SourceLine, KeyID: id}
			full := FullMessage{LogLine: it.LogLine, SourceLine: it.SourceLine, Text: it.Text}
			if it.Kind == KindWarn {
				a.Warnings[it.File] = append(a.Warnings[it.File], ref)
			} else {
				a.Errors[it.File] = append(a.Errors[it.File], ref)
			}
			a.Full[it.File] = append(a.Full[it.File], full)
		case KindPkg:
			a.Packages[it.Raw] = true
		case KindFail:
			failures = append(failures, it.Raw)
		}
	}
	a.Failures = strings.Join(failures, "\n")
	return a
}

// DiffEntry pairs a file with its delta message list. Diff operates across
// two Analyses, so entries compare by their MatchErrorKey classification
// (falling back to the message text for unclassified messages), not by
// id — ids are per-Analysis.
type DiffEntry struct {
	LogLine    int
	SourceLine int
	Key        string
}

// Diff computes the structural delta between two analyses' Full message
// sets, bucketing by classification key. Message order within a file is
// preserved from the new side.
func Diff(old, new *Analysis) (removed, added map[string][]DiffEntry) {
	removed = map[string][]DiffEntry{}
	added = map[string][]DiffEntry{}

	oldFull := flatten(old)
	newFull := flatten(new)

	for file, oldMsgs := range oldFull {
		newMsgs, inNew := newFull[file]
		if !inNew {
			removed[file] = append(removed[file], oldMsgs...)
			continue
		}

		oldCount := map[string]int{}
		for _, e := range oldMsgs {
			oldCount[e.Key]++
		}
		newCount := map[string]int{}
		for _, e := range newMsgs {
			newCount[e.Key]++
		}

		// Walk the new side in its own order, emitting only the surplus
		// entries beyond however many the old side already had for that
		// key: added[file] comes out in new-side appearance order, not Go's
		// randomized map order.
		seenNew := map[string]int{}
		for _, e := range newMsgs {
			seenNew[e.Key]++
			if seenNew[e.Key] > oldCount[e.Key] {
				added[file] = append(added[file], e)
			}
		}

		seenOld := map[string]int{}
		for _, e := range oldMsgs {
			seenOld[e.Key]++
			if seenOld[e.Key] > newCount[e.Key] {
				removed[file] = append(removed[file], e)
			}
		}
	}
	for file, newMsgs := range newFull {
		if _, inOld := oldFull[file]; !inOld {
			added[file] = append(added[file], newMsgs...)
		}
	}
	return removed, added
}

func flatten(a *Analysis) map[string][]DiffEntry {
	out := map[string][]DiffEntry{}
	for file, msgs := range a.Full {
		for _, m := range msgs {
			out[file] = append(out[file], DiffEntry{LogLine: m.LogLine, SourceLine: m.SourceLine, Key: classifyFullKey(m.Text)})
		}
	}
	return out
}

// classifyFullKey recomputes the bucket key for a raw full-message text,
// mirroring the fact that both warnings and errors maps already hold
// interned keys but diff buckets by the underlying classification, not by
// per-analysis integer id (those are not comparable across analyses).
func classifyFullKey(text string) string {
	key := MatchErrorKey(text)
	if key == "" {
		return text
	}
	return key
}

// FileLinker builds a URL for a given path/line in either the release
// commit tree or a change's revision tree.
type FileLinker func(filePath, line string) string

// ReleaseLinker links to the project's tree browser for a commit.
func ReleaseLinker(browseBaseURL, commit string) FileLinker {
	return func(filePath, line string) string {
		url := browseBaseURL + filePath + "?id=" + commit
		if line != "" {
			url += "#n" + line
		}
		return url
	}
}

// ChangeLinker links to the review server's file view for a revision.
func ChangeLinker(gerritURL, project string, number, version int) FileLinker {
	base := fmt.Sprintf("%s/c/%s/+/%d/%d/", gerritURL, project, number, version)
	return func(filePath, line string) string {
		url := base + filePath
		if line != "" {
			url += "#" + line
		}
		return url
	}
}

// HTMLOut renders a log as an HTML <ol> with per-line anchors, linking
// source paths and coloring lines that carry a warning/error.
func HTMLOut(lines []string, anchorPrefix string, startLineno int, linker FileLinker, lineMsgs map[int]ItemKind) string {
	var b strings.Builder
	b.WriteString("\n<pre><ol class=\"log\">")
	lineno := startLineno
	for _, raw := range lines {
		line := html.EscapeString(raw)
		switch {
		case strings.HasSuffix(raw, ".hpkg: Creating the package ..."):
			pkg := strings.TrimSuffix(raw, ": Creating the package ...")
			line = fmt.Sprintf(`<a href="%s" class="pkg">%s</a>: Creating the package ...`, pkg, pkg)
		default:
			line = reURL.ReplaceAllString(line, `<a href="$0">$0</a>`)
		}

		class := ""
		if lineMsgs != nil {
			if kind, ok := lineMsgs[lineno]; ok {
				switch kind {
				case KindWarn:
					class = "warning"
				case KindErr:
					class = "error"
				}
				if class != "" {
					line2 := reNotice.ReplaceAllStringFunc(line, func(m string) string {
						sub := reNotice.FindStringSubmatch(m)
						return `<span class="` + strings.ToLower(sub[1]) + `">` + m + `</span>`
					})
					if line2 != line && !strings.HasPrefix(line2, "<span class") {
						class = ""
						line = line2
					}
				}
			}
		}
		if linker != nil {
			line = reSrcFile.ReplaceAllStringFunc(line, func(m string) string {
				g := namedGroups(reSrcFile, m)
				if g == nil {
					return m
				}
				url := linker(g["file"], g["line"])
				return fmt.Sprintf(`<a href="%s">%s</a>`, url, m)
			})
		}
		if class != "" {
			fmt.Fprintf(&b, "\n<li><samp id=\"%s%d\" class=\"%s\">%s</samp>", anchorPrefix, lineno, class, line)
		} else {
			fmt.Fprintf(&b, "\n<li><samp id=\"%s%d\">%s</samp>", anchorPrefix, lineno, line)
		}
		lineno++
	}
	b.WriteString("\n</ol></pre>")
	return b.String()
}
