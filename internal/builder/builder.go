// Package builder drives the actual Haiku tree configure/jam invocations
// and turns their output into the per-arch build-result.json,
// build-messages.json and buildlog.html artifacts the web tree and the
// review verdict composer both read.
package builder

import (
	"encoding/json"
	"fmt"
	"html"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buildwatch/buildwatch/internal/chain"
	"github.com/buildwatch/buildwatch/internal/config"
	"github.com/buildwatch/buildwatch/internal/gitrepo"
	"github.com/buildwatch/buildwatch/internal/loganalysis"
	"github.com/buildwatch/buildwatch/internal/paths"
	"github.com/buildwatch/buildwatch/internal/store"
)

// Builder owns everything a build tick needs: the git worktree, the
// persisted store, the path resolver and the chain engine that knows how
// to rebase and cherry-pick a proposal onto the current baseline.
type Builder struct {
	Repo  *gitrepo.Repo
	Store *store.Store
	Paths *paths.Resolver
	Cfg   *config.Config
	Chain *chain.Engine

	masterMsgTag string
	masterMsg    map[string]*loganalysis.Analysis
}

// New wires up a Builder from its already-constructed collaborators.
func New(repo *gitrepo.Repo, st *store.Store, p *paths.Resolver, cfg *config.Config, eng *chain.Engine) *Builder {
	return &Builder{Repo: repo, Store: st, Paths: p, Cfg: cfg, Chain: eng}
}

// MrProper aborts whatever rebase or cherry-pick is mid-flight and resets
// the rolling branch back to the base branch's tip. Run before any build
// attempt so a previous crash never leaves the worktree half-rebased.
func (b *Builder) MrProper() error {
	if hash, _ := b.Repo.CurrentlyReplaying(); hash != "" {
		b.Repo.AbortRebase()
		b.Repo.AbortCherryPick()
	}
	base, err := b.Repo.RevParse(b.Cfg.BranchBase)
	if err != nil {
		return err
	}
	if err := b.Repo.ResetBranch(b.Cfg.BranchRolling, base); err != nil {
		return err
	}
	return b.Repo.CheckoutBranch(b.Cfg.BranchRolling)
}

func (b *Builder) configureBuild(wd, arch string) error {
	prefixes, err := ArchPrefixes(b.Paths.BuildtoolsFor(arch), b.Cfg.Branch, arch)
	if err != nil {
		return err
	}
	args := []string{"--use-gcc-pipe", "--include-sources"}
	for _, p := range prefixes {
		args = append(args, "--cross-tools-prefix", p)
	}
	return b.runConfigure(wd, args)
}

func (b *Builder) configureBuildUpdate(wd string) error {
	return b.runConfigure(wd, []string{"--update"})
}

func (b *Builder) runConfigure(wd string, args []string) error {
	cmd := exec.Command(filepath.Join(b.Paths.Worktree, "configure"), args...)
	cmd.Dir = wd
	return runStreamed(cmd, filepath.Join(wd, "configure.log"))
}

func (b *Builder) removeEmulatedAttributes() {
	_ = os.RemoveAll(b.Paths.EmulatedAttributes())
}

// build runs a single arch's configure (first time) or configure --update
// (subsequent times) followed by jam, and returns whether it succeeded
// along with the jam log, source-path-rewritten, split into lines.
func (b *Builder) build(arch, tag string) (ok bool, log []string, err error) {
	b.removeEmulatedAttributes()
	defer b.removeEmulatedAttributes()

	wd := b.Paths.Build(arch)
	if err := os.MkdirAll(wd, 0755); err != nil {
		return false, nil, err
	}
	paths.CleanUp(wd)

	if _, statErr := os.Stat(filepath.Join(wd, "build", "BuildConfig")); os.IsNotExist(statErr) {
		if err := b.configureBuild(wd, arch); err != nil {
			return false, nil, err
		}
	} else if err := b.configureBuildUpdate(wd); err != nil {
		return false, nil, err
	}

	archCfg := b.Cfg.Arches[arch]
	options := []string{
		"-sHAIKU_REVISION=" + tag,
		"-sHAIKU_BUILD_ATTRIBUTES_DIR=" + b.Paths.EmulatedAttributes(),
	}
	options = append(options, archCfg.JamOptions...)

	outPath := filepath.Join(wd, "build.out")
	jamErr := runJam(wd, b.Paths.JamPath, archCfg.Target, options, b.Cfg.MaxJobs, outPath)

	data, readErr := os.ReadFile(outPath)
	if readErr != nil {
		return false, nil, readErr
	}
	lines := strings.Split(string(data), "\n")

	pt := loganalysis.NewPathTransformer(b.Paths.Worktree, b.Paths.Build(arch), b.Paths.BuildtoolsFor(arch))
	for i, l := range lines {
		lines[i] = pt.TransformLine(l)
	}
	return jamErr == nil, lines, nil
}

// masterMessages loads (and caches, per builder instance, keyed by tag) the
// parent release's build-messages.json for diffing against a fresh build.
func (b *Builder) masterMessages(tag, arch string) *loganalysis.Analysis {
	if b.masterMsgTag != tag || b.masterMsg == nil {
		b.masterMsgTag = tag
		b.masterMsg = map[string]*loganalysis.Analysis{}
	}
	if a, ok := b.masterMsg[arch]; ok {
		return a
	}
	data, err := os.ReadFile(filepath.Join(b.Paths.Release(b.Cfg.Branch, tag, arch), "build-messages.json"))
	if err != nil {
		b.masterMsg[arch] = nil
		return nil
	}
	var full map[string][]loganalysis.FullMessage
	if err := json.Unmarshal(data, &full); err != nil {
		b.masterMsg[arch] = nil
		return nil
	}
	a := &loganalysis.Analysis{Full: full}
	b.masterMsg[arch] = a
	return a
}

// processBuild turns a finished build's log lines into the artifacts a
// proposal/release result directory exposes: build-result.json,
// build-messages.json, new-messages.json (only when there's a parent
// release to diff against and the diff added messages), buildlog.html and
// raw.log (the transformed log lines, read back by Reextract).
// result[arch] is mutated with the warning/error counts and failure
// summary.
func (b *Builder) processBuild(src, dst string, log []string, title string, linker loganalysis.FileLinker, parent string, result map[string]store.ArchResult, arch string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	analysis := loganalysis.Analyse(log)

	arch_data := result[arch]
	warnings := 0
	for _, v := range analysis.Warnings {
		warnings += len(v)
	}
	errors := 0
	for _, v := range analysis.Errors {
		errors += len(v)
	}
	arch_data.Warnings = warnings
	arch_data.Errors = errors
	arch_data.Message = analysis.Failures

	title = html.EscapeString(title)
	warnDelta, errDelta := "", ""
	compareNote := ""
	var parentResults map[string]store.ArchResult
	if rel, ok := b.Store.Data.Release[parent]; ok {
		parentResults = rel.Result
	}
	if parent != "" {
		if parentResult, ok := parentResults[arch]; ok {
			if d := warnings - parentResult.Warnings; d != 0 {
				warnDelta = fmt.Sprintf(" (%+d)", d)
			}
			if d := errors - parentResult.Errors; d != 0 {
				errDelta = fmt.Sprintf(" (%+d)", d)
			}
			if warnDelta != "" || errDelta != "" {
				compareNote = "<br>\n(vs " + parent + ")"
			}
		}
	}
	var lead strings.Builder
	lead.WriteString("<h1>")
	lead.WriteString(title)
	lead.WriteString("</h1>\n<p>")
	lead.WriteString(strconv.Itoa(warnings))
	lead.WriteString(warnDelta)
	lead.WriteString(" warnings<br>\n")
	lead.WriteString(strconv.Itoa(errors))
	lead.WriteString(errDelta)
	lead.WriteString(" errors")
	lead.WriteString(compareNote)
	lead.WriteString("</p>\n<pre>")
	lead.WriteString(html.EscapeString(arch_data.Message))
	lead.WriteString("</pre>\n")

	var newMessages map[string][]loganalysis.DiffEntry
	if parent != "" {
		if old := b.masterMessages(parent, arch); old != nil {
			_, newMessages = loganalysis.Diff(old, analysis)
			if len(newMessages) > 0 {
				if data, err := json.Marshal(newMessages); err == nil {
					_ = os.WriteFile(filepath.Join(dst, "new-messages.json"), data, 0644)
				}
			}
		}
	}

	css := b.Paths.LinkRoot + "/css/log.css"
	if err := writeBuildLog(filepath.Join(dst, "buildlog.html"), title, css, lead.String(), log, analysis, linker, newMessages); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dst, "raw.log"), []byte(strings.Join(log, "\n")), 0644); err != nil {
		return err
	}

	if b.Cfg.Arches[arch].SaveArtifacts {
		b.collectArtifacts(src, dst, analysis)
	}

	messagesOut, err := json.Marshal(analysis.Full)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dst, "build-messages.json"), messagesOut, 0644); err != nil {
		return err
	}

	packages := make([]string, 0, len(analysis.Packages))
	for p := range analysis.Packages {
		packages = append(packages, p)
	}
	sort.Strings(packages)

	resultOut, err := json.Marshal(struct {
		Packages []string `json:"packages"`
		Files    []string `json:"files"`
		Failures string   `json:"failures"`
	}{Packages: packages, Files: []string{"buildlog.html"}, Failures: analysis.Failures})
	if err != nil {
		return err
	}
	result[arch] = arch_data
	return os.WriteFile(filepath.Join(dst, "build-result.json"), resultOut, 0644)
}

func writeBuildLog(path, title, css, lead string, log []string, analysis *loganalysis.Analysis, linker loganalysis.FileLinker, newMessages map[string][]loganalysis.DiffEntry) error {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\" />\n<title>")
	sb.WriteString(title)
	sb.WriteString("</title>\n<link rel=\"stylesheet\" href=\"")
	sb.WriteString(css)
	sb.WriteString("\" />\n</head><body>\n")
	sb.WriteString(lead)

	if len(newMessages) > 0 {
		sb.WriteString("<h2>New messages</h2>\n<ul>\n")
		files := make([]string, 0, len(newMessages))
		for f := range newMessages {
			files = append(files, f)
		}
		sort.Strings(files)
		for _, f := range files {
			for _, m := range newMessages[f] {
				writeMsgItem(&sb, f, strconv.Itoa(m.SourceLine), linker, strconv.Itoa(m.LogLine), m.Key)
			}
		}
		sb.WriteString("</ul></pre>\n")
	}

	if len(analysis.Errors) > 0 {
		sb.WriteString("\n<h2>Errors</h2>\n<ul>\n")
		files := make([]string, 0, len(analysis.Errors))
		for f := range analysis.Errors {
			files = append(files, f)
		}
		sort.Strings(files)
		for _, f := range files {
			for _, it := range analysis.Errors[f] {
				writeMsgItem(&sb, f, strconv.Itoa(it.SourceLine), linker, strconv.Itoa(it.LogLine), analysis.MessageText[it.KeyID])
			}
		}
		sb.WriteString("</ul></pre>\n")
	}

	sb.WriteString("\n<h2>Log</h2>")
	sb.WriteString(loganalysis.HTMLOut(log, "n", 0, linker, nil))
	sb.WriteString("\n</body></html>")

	return os.WriteFile(path, []byte(sb.String()), 0644)
}

func writeMsgItem(sb *strings.Builder, file, line string, linker loganalysis.FileLinker, logline, msg string) {
	if line != "" && line != "0" {
		sb.WriteString(" <li><samp><a href=\"")
		sb.WriteString(linker(file, line))
		sb.WriteString("\">")
		sb.WriteString(html.EscapeString(file))
		sb.WriteString(":" + line + "</a>: ")
	} else {
		sb.WriteString(" <li><samp>")
		sb.WriteString(html.EscapeString(file))
		sb.WriteString(": ")
	}
	sb.WriteString("<a href=\"#n" + logline + "\">")
	sb.WriteString(html.EscapeString(msg))
	sb.WriteString("</a></samp></li>\n")
}

// collectArtifacts moves produced packages and boot images out of the
// build tree into the result directory, logging (not failing) on any
// package the build claimed to produce but didn't.
func (b *Builder) collectArtifacts(src, dst string, analysis *loganalysis.Analysis) {
	want := map[string]bool{}
	for p := range analysis.Packages {
		want[p] = true
	}
	objDir := filepath.Join(src, "objects", "haiku")
	entries, err := os.ReadDir(objDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			pkgDir := filepath.Join(objDir, e.Name(), "packaging", "packages")
			files, err := os.ReadDir(pkgDir)
			if err != nil {
				continue
			}
			for _, f := range files {
				_ = os.Rename(filepath.Join(pkgDir, f.Name()), filepath.Join(dst, f.Name()))
				delete(want, f.Name())
			}
		}
	}
	for p := range want {
		fmt.Fprintf(os.Stderr, "builder: package %s announced in the log was not found\n", p)
	}
	for _, extra := range []string{"esp.image", "haiku-nightly-anyboot.iso", "haiku-mmc.image"} {
		p := filepath.Join(src, extra)
		if _, err := os.Stat(p); err == nil {
			_ = os.Chmod(p, 0644)
			_ = os.Rename(p, filepath.Join(dst, extra))
		}
	}
}

func fillEmptyResults(cfg *config.Config) map[string]store.ArchResult {
	results := map[string]store.ArchResult{}
	for a := range cfg.Arches {
		results[a] = store.ArchResult{OK: nil}
	}
	results["*"] = store.ArchResult{OK: nil}
	return results
}

// BuildRelease builds every arch that hasn't yet reported a result for the
// store's current baseline tag, archiving the source tree first if
// configured to.
func (b *Builder) BuildRelease() error {
	commit, err := b.Repo.RevParse(b.Cfg.BranchBase)
	if err != nil {
		return err
	}
	if err := b.Repo.CheckoutDetached(commit); err != nil {
		return err
	}
	tag, err := b.Repo.Describe(commit, true)
	if err != nil || tag == "" {
		tag, err = b.Repo.Describe(commit, false)
		if err != nil {
			return err
		}
		tag = strings.ReplaceAll(tag, "-", "+")
		if err := b.Repo.ResetBranch(tag, commit); err != nil {
			return err
		}
	}

	dst := b.Paths.Release(b.Cfg.Branch, tag, "")
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	oldTag := b.Store.Data.Current
	var rel *store.Release
	if oldTag != tag {
		msg, err := b.Repo.CommitMessage(commit)
		if err != nil {
			return err
		}
		title := msg
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			title = msg[:i]
		}
		ok := true
		results := fillEmptyResults(b.Cfg)
		results["*"] = store.ArchResult{OK: &ok}
		rel = &store.Release{
			Commit: commit,
			Title:  title,
			Parent: oldTag,
			Time:   time.Now().Unix(),
			Result: results,
		}
		b.Store.Data.Release[tag] = rel
		b.Store.Data.Current = tag
		if err := b.Store.Save(); err != nil {
			return err
		}
	} else {
		rel = b.Store.Data.Release[oldTag]
	}

	if b.Cfg.ArchiveSrc {
		already := false
		if entries, err := os.ReadDir(dst); err == nil {
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), "src.") {
					already = true
					break
				}
			}
		}
		if !already {
			if err := Archive(b.Paths.Worktree, dst, b.Cfg.Branch, tag, "", true); err != nil {
				return fmt.Errorf("archiving release source: %w", err)
			}
		}
	}

	for arch := range b.Cfg.Arches {
		if rel.Result[arch].OK != nil {
			continue
		}
		ok, log, err := b.build(arch, tag)
		if err != nil {
			return err
		}
		buildDst := b.Paths.Release(b.Cfg.Branch, tag, arch)
		r := rel.Result[arch]
		r.OK = &ok
		rel.Result[arch] = r
		if err := b.processBuild(b.Paths.Build(arch), buildDst, log,
			b.Cfg.Branch+": "+tag+" ["+arch+"]",
			loganalysis.ReleaseLinker(b.Cfg.GerritURL, tag),
			rel.Parent, rel.Result, arch); err != nil {
			return err
		}
		if err := b.Store.Save(); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRelease fetches the base branch's remote tip and, if it moved (or
// the last recorded release is still incomplete), rebuilds. Returns
// whether a build was attempted.
func (b *Builder) UpdateRelease(remote, remoteRef string) (bool, error) {
	if err := b.Repo.Fetch(remote, remoteRef); err != nil {
		return false, err
	}
	commit, err := b.Repo.RevParse(remoteRef)
	if err != nil {
		return false, err
	}
	last := b.Store.Data.Current
	needsBuild := last == ""
	if !needsBuild {
		rel, ok := b.Store.Data.Release[last]
		if !ok || rel.Commit != commit {
			needsBuild = true
		} else {
			for arch := range rel.Result {
				if rel.Result[arch].OK == nil {
					needsBuild = true
					break
				}
			}
		}
	}
	if !needsBuild {
		return false, nil
	}
	if err := b.Repo.ResetBranch(b.Cfg.BranchBase, commit); err != nil {
		return false, err
	}
	return true, b.BuildRelease()
}

// BuildChange runs a proposal's rebase attempt and, unless it produced the
// very same commit as the cherry-pick, its cherry-pick attempt too, against
// the current baseline. Mirrors build_change/_build_change/_do.
func (b *Builder) BuildChange(c *chain.Change) error {
	cid := c.Cid()
	parent := b.Store.Data.Current

	build := store.Build{
		Parent:  parent,
		Version: c.Ver(),
		Time:    time.Now().Unix(),
		Rebased: fillEmptyResults(b.Cfg),
		Picked:  map[string]store.ArchResult{},
	}
	change, ok := b.Store.Data.Change[cid]
	if !ok {
		return fmt.Errorf("buildchange: unknown proposal %s", cid)
	}
	change.Build = append(change.Build, build)
	buildRec := &change.Build[len(change.Build)-1]

	rebaseCommit, conflicts, conflictOrigin := b.Chain.Rebase(c)
	if err := b.finishAttempt(c, buildRec, parent, rebaseCommit, conflicts, conflictOrigin, false); err != nil {
		return err
	}

	pickCommit, pickConflicts := b.Chain.Pick(c)
	if rebaseCommit != "" && pickCommit == rebaseCommit {
		return b.Store.Save()
	}
	buildRec.Picked = fillEmptyResults(b.Cfg)
	return b.finishAttempt(c, buildRec, parent, pickCommit, pickConflicts, "", true)
}

func (b *Builder) finishAttempt(c *chain.Change, build *store.Build, parent, commit string, conflicts []string, conflictOrigin string, cherry bool) error {
	results := build.Rebased
	if cherry {
		results = build.Picked
	}
	r := results["*"]

	var msg string
	switch {
	case commit != "":
		if same, err := b.Repo.TreeEqual(parent, commit); err == nil && same {
			msg = "Already merged"
		}
	case len(conflicts) > 0:
		msg = "Conflicts in:\n" + strings.Join(conflicts, "\n")
	case conflictOrigin != "":
		msg = "Conflicts in ancestor " + conflictOrigin
	default:
		msg = "No commit produced"
	}

	if msg != "" {
		okFalse := false
		r.OK = &okFalse
		r.Message = msg
		results["*"] = r
		return b.Store.Save()
	}
	okTrue := true
	r.OK = &okTrue
	results["*"] = r
	if err := b.Store.Save(); err != nil {
		return err
	}
	return b.buildOnRolling(c, build, commit, parent, cherry)
}

func (b *Builder) buildOnRolling(c *chain.Change, build *store.Build, commit, parent string, cherry bool) error {
	cid := c.Cid()
	dst := b.Paths.WWW(cid, strconv.Itoa(build.Version), parent, "", !cherry)
	patchesDir := filepath.Join(dst, "patches")
	if err := os.MkdirAll(patchesDir, 0755); err != nil {
		return err
	}
	rel, err := filepath.Rel(dst, b.Paths.Release(b.Cfg.Branch, parent, ""))
	if err == nil {
		_ = os.Symlink(rel, filepath.Join(dst, "baseline"))
	}
	if _, err := b.Repo.FormatPatch(parent+".."+commit, patchesDir); err != nil {
		return err
	}

	if err := b.Repo.ResetBranch(b.Cfg.BranchRolling, commit); err != nil {
		return err
	}
	if err := b.Repo.CheckoutBranch(b.Cfg.BranchRolling); err != nil {
		return err
	}

	if err := b.buildChangeArches(cid, build, parent, cherry); err != nil {
		return err
	}

	base, err := b.Repo.RevParse(b.Cfg.BranchBase)
	if err != nil {
		return err
	}
	if err := b.Repo.ResetBranch(b.Cfg.BranchRolling, base); err != nil {
		return err
	}
	return b.Repo.CheckoutBranch(b.Cfg.BranchRolling)
}

func (b *Builder) buildChangeArches(cid string, build *store.Build, parent string, cherry bool) error {
	results := build.Rebased
	tag := parent + "_" + cid + "_" + strconv.Itoa(build.Version)
	if cherry {
		results = build.Picked
		tag += "_sep"
	}
	for arch := range b.Cfg.Arches {
		if results[arch].OK != nil {
			continue
		}
		ok, log, err := b.build(arch, tag)
		if err != nil {
			return err
		}
		buildDst := b.Paths.WWW(cid, strconv.Itoa(build.Version), parent, arch, !cherry)
		r := results[arch]
		r.OK = &ok
		results[arch] = r
		if err := b.processBuild(b.Paths.Build(arch), buildDst, log,
			cid+" v"+strconv.Itoa(build.Version)+" on "+parent+" ["+arch+"]",
			loganalysis.ChangeLinker(b.Cfg.GerritURL, b.Cfg.Project, 0, build.Version),
			parent, results, arch); err != nil {
			return err
		}
		if err := b.Store.Save(); err != nil {
			return err
		}
	}
	return nil
}

// Reextract re-runs log analysis and HTML rendering against an
// already-built combination's archived raw log, without re-invoking the
// compiler. Used to regenerate reports after a log-analyzer bug fix.
func (b *Builder) Reextract(cid, version, parent, arch string) error {
	v, err := strconv.Atoi(version)
	if err != nil {
		return fmt.Errorf("builder: bad version %q: %w", version, err)
	}

	change, ok := b.Store.Data.Change[cid]
	if !ok {
		change, ok = b.Store.Data.Done[cid]
	}
	if !ok {
		return fmt.Errorf("builder: unknown changeset %s", cid)
	}

	var build *store.Build
	full := true
	for i := range change.Build {
		cand := &change.Build[i]
		if cand.Version != v || cand.Parent != parent {
			continue
		}
		if _, ok := cand.Rebased[arch]; ok {
			build = cand
			full = true
			break
		}
		if _, ok := cand.Picked[arch]; ok {
			build = cand
			full = false
			break
		}
	}
	if build == nil {
		return fmt.Errorf("builder: no build record for %s v%d vs %s", cid, v, parent)
	}

	dst := b.Paths.WWW(cid, version, parent, arch, full)
	raw, err := os.ReadFile(filepath.Join(dst, "raw.log"))
	if err != nil {
		return fmt.Errorf("builder: reextract: %w", err)
	}
	log := strings.Split(string(raw), "\n")

	linker := loganalysis.ChangeLinker(b.Cfg.GerritURL, b.Cfg.Project, change.ID, v)
	title := fmt.Sprintf("%s v%d vs %s, %s", cid, v, parent, arch)
	result := build.Rebased
	if !full {
		result = build.Picked
	}
	return b.processBuild(dst, dst, log, title, linker, parent, result, arch)
}

// RemoveDoneChanges deletes every cid's result tree and leftover
// changeset-<cid>-* branches. The store record itself is the caller's
// responsibility (scheduler.RemoveDoneBefore owns that).
func (b *Builder) RemoveDoneChanges(cids []string) error {
	for _, cid := range cids {
		b.Paths.DeleteChange(cid)
		prefix := chain.ChangesetBranchName(cid, "")
		branches, err := b.Repo.ListBranches(prefix + "*")
		if err != nil {
			return err
		}
		if len(branches) > 0 {
			if err := b.Repo.DeleteBranches(branches); err != nil {
				return err
			}
		}
	}
	return nil
}
