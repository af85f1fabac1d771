package review

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/buildwatch/buildwatch/internal/store"
)

// maxMessageLen caps a posted verdict's message text; beyond this the text
// is truncated with "...". The report URL is appended after truncation, so
// it is never cut off.
const maxMessageLen = 1400

var cleanMsgRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`objects/haiku/[^/]*/`), "objects/haiku/<arch>/"},
	{regexp.MustCompile(`(download/\S+-)[^-]+\.hpkg`), "${1}<arch>.hpkg"},
}

// cleanMessage normalizes a per-arch failure message so build messages that
// differ only in arch-specific paths compare equal across architectures,
// deduplicates lines, and drops the noisy "...failed updating N target(s)..."
// trailer jam always appends.
func cleanMessage(s string) string {
	for _, r := range cleanMsgRules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	lines := strings.Split(s, "\n")
	if n := len(lines); n > 0 {
		last := lines[n-1]
		if strings.HasPrefix(last, "...failed updating ") && strings.HasSuffix(last, " target(s)...") {
			lines = lines[:n-1]
		}
	}
	seen := map[string]bool{}
	var uniq []string
	for _, l := range lines {
		if !seen[l] {
			seen[l] = true
			uniq = append(uniq, l)
		}
	}
	sort.Strings(uniq)
	return "   " + strings.Join(uniq, "\n   ")
}

// ArchVerdict is one architecture's entry in a composed review.
type ArchVerdict struct {
	OK  bool
	Msg string
}

func baseReview(results map[string]store.ArchResult) map[string]ArchVerdict {
	out := map[string]ArchVerdict{}
	for arch, r := range results {
		if arch == "*" {
			continue
		}
		ok := r.OK != nil && *r.OK
		v := ArchVerdict{OK: ok, Msg: "OK"}
		if !ok {
			v.Msg = cleanMessage(r.Message)
		}
		out[arch] = v
	}
	return out
}

func sameVerdicts(a, b map[string]ArchVerdict) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Composer turns build results into posted verdicts, holding just the
// config knobs (site URL, link builder) needed for the report URL.
type Composer struct {
	Branch  string
	Site    string
	LinkURL func(cid, version, parent string) string
}

// Compose decides whether cid's latest build warrants a new posted verdict
// and, if so, builds it, along with the per-arch snapshot the caller should
// record as the proposal's new SentReview on successful post. Mirrors
// review.py's review() end to end, including every suppression rule from
// spec.md §4.I.
func (c *Composer) Compose(cid string, change *store.Change, parentResult map[string]store.ArchResult, gc Change) (*ReviewInput, store.SentReview, bool) {
	build := change.LatestBuild()
	if build == nil {
		return nil, store.SentReview{}, false
	}
	rebasedStar, ok := build.Rebased["*"]
	if !ok || rebasedStar.OK == nil || !*rebasedStar.OK {
		return nil, store.SentReview{}, false
	}

	currentReview := baseReview(build.Rebased)
	if len(build.Picked) > 0 {
		pickedReview := baseReview(build.Picked)
		if !sameVerdicts(pickedReview, currentReview) {
			return nil, store.SentReview{}, false
		}
	}

	rev, ok := gc.Revisions[gc.CurrentRevision]
	if !ok || build.Version != rev.Number {
		return nil, store.SentReview{}, false
	}

	sameAsParent, sameAsLast, allOK := true, true, true
	lastReview := change.SentReview
	for arch, v := range currentReview {
		if !v.OK {
			allOK = false
		}
		if last, ok := lastReview.Result[arch]; ok {
			lastOK := last.OK != nil && *last.OK
			if lastOK != v.OK {
				sameAsLast = false
				if v.OK {
					v.Msg = "fixed"
					currentReview[arch] = v
				}
			}
		}
		if parent, ok := parentResult[arch]; ok {
			parentOK := parent.OK != nil && *parent.OK
			if parentOK != v.OK {
				sameAsParent = false
				if v.OK {
					v.Msg = "fixes " + c.Branch
					currentReview[arch] = v
				}
			}
		}
	}

	if !((lastReview.Version != build.Version || !sameAsLast) && (allOK || !sameAsParent)) {
		return nil, store.SentReview{}, false
	}

	gerritScore := ""
	if verified, ok := gc.Labels["Verified"]; ok {
		gerritScore = verified.Score()
	}

	arches := make([]string, 0, len(currentReview))
	for a := range currentReview {
		arches = append(arches, a)
	}
	sort.Strings(arches)

	var score, message string
	if allOK {
		score = "+1"
		if gerritScore == score {
			return nil, store.SentReview{}, false
		}
		if sameAsParent {
			message = "Build OK rebasing over " + build.Parent
			if !sameAsLast {
				message += ", fixes previous version"
			}
		} else {
			message = "Build FIXES " + build.Parent
		}
		message += " [" + strings.Join(arches, ", ") + "]"
	} else {
		score = "-1"
		if gerritScore == score {
			return nil, store.SentReview{}, false
		}
		message = "FAILED build rebasing over " + build.Parent
		message += composeFailureDetail(arches, currentReview, lastReview)
	}

	message = truncateMessage(message)
	message += "\n\n" + c.Site + c.LinkURL(cid, fmt.Sprint(build.Version), build.Parent)

	sent := store.SentReview{Version: build.Version, Parent: build.Parent, Result: map[string]store.ArchResult{}}
	for arch, v := range currentReview {
		ok := v.OK
		sent.Result[arch] = store.ArchResult{OK: &ok, Message: v.Msg}
	}

	return &ReviewInput{
		Message:               message,
		Tag:                   "autogenerated:buildbot",
		Labels:                map[string]string{"Verified": score},
		Notify:                "NONE",
		OmitDuplicateComments: true,
	}, sent, true
}

// composeFailureDetail appends either a single shared failure blurb (every
// arch says the same thing) or a per-arch breakdown, factoring the lines
// every arch's message shares (OK arches included) into one "all:" section
// so the per-arch sections only carry what's different about that arch.
func composeFailureDetail(arches []string, current map[string]ArchVerdict, last store.SentReview) string {
	msgs := make([]string, 0, len(arches))
	for _, a := range arches {
		msgs = append(msgs, current[a].Msg)
	}
	allSame := true
	for _, m := range msgs[1:] {
		if m != msgs[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return " [" + strings.Join(arches, ", ") + "]\n\n" + msgs[0]
	}

	common := commonLines(msgs)
	var sb strings.Builder
	if common != "" {
		sb.WriteString("\n\nall:\n")
		sb.WriteString(common)
	}
	for _, a := range arches {
		v := current[a]
		sb.WriteString("\n\n" + a + ": ")
		switch {
		case v.OK:
			sb.WriteString(v.Msg)
		case last.Result[a].Message != "" && cleanMessage(last.Result[a].Message) == v.Msg:
			sb.WriteString("still broken")
		default:
			residual := stripCommonLines(v.Msg, common)
			if residual == "" {
				residual = v.Msg
			}
			sb.WriteString(residual)
		}
	}
	return sb.String()
}

// commonLines returns the lines present (verbatim) in every message, in
// their first-seen order, joined back into one block.
func commonLines(msgs []string) string {
	if len(msgs) == 0 {
		return ""
	}
	sets := make([]map[string]bool, len(msgs))
	for i, m := range msgs {
		set := map[string]bool{}
		for _, l := range strings.Split(m, "\n") {
			set[l] = true
		}
		sets[i] = set
	}
	var common []string
	for _, l := range strings.Split(msgs[0], "\n") {
		inAll := true
		for _, s := range sets[1:] {
			if !s[l] {
				inAll = false
				break
			}
		}
		if inAll {
			common = append(common, l)
		}
	}
	return strings.Join(common, "\n")
}

func stripCommonLines(msg, common string) string {
	if common == "" {
		return msg
	}
	commonSet := map[string]bool{}
	for _, l := range strings.Split(common, "\n") {
		commonSet[l] = true
	}
	var kept []string
	for _, l := range strings.Split(msg, "\n") {
		if !commonSet[l] {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func truncateMessage(msg string) string {
	if len(msg) <= maxMessageLen {
		return msg
	}
	return msg[:maxMessageLen] + "..."
}
