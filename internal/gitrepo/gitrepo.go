// Package gitrepo is a thin git facade: fetch, history walk, trailer
// extraction, cherry-pick/rebase with abort variants, and in-progress
// replay detection, all shelling out to the git binary.
package gitrepo

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Retry constants for transient git failures (index/ref locks), same
// shape as the teacher's git facade.
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
	"could not read from remote repository",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// Repo wraps git plumbing for one on-disk repository.
type Repo struct {
	Dir string
}

// New creates a Repo for the given worktree directory.
func New(dir string) *Repo {
	return &Repo{Dir: dir}
}

var sleepFunc = time.Sleep

// run executes a git subcommand, retrying transient failures with
// exponential backoff.
func (r *Repo) run(args ...string) (string, error) {
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = r.Dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		errMsg := strings.TrimSpace(string(out))
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), errMsg, err)
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", nil
}

// Fetch fetches refspec from remote. Network failures here are transient
// per the error taxonomy; callers should skip the iteration and retry.
func (r *Repo) Fetch(remote, refspec string) error {
	_, err := r.run("fetch", remote, refspec)
	return err
}

// History returns commits reachable from b but not from a, oldest first
// (topological order), matching gitutils.history's a..b contract.
func (r *Repo) History(a, b string) ([]string, error) {
	rangeSpec := b
	if a != "" {
		rangeSpec = a + ".." + b
	}
	out, err := r.run("rev-list", "--topo-order", "--reverse", rangeSpec)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// FormatPatch writes numstat patches for rev into outdir, returning the
// generated file names.
func (r *Repo) FormatPatch(rev, outdir string) ([]string, error) {
	out, err := r.run("format-patch", rev, "-o", outdir, "--numstat")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CherryPick cherry-picks commit onto the current HEAD.
func (r *Repo) CherryPick(commit string) error {
	_, err := r.run("cherry-pick", commit)
	return err
}

// AbortCherryPick aborts an in-progress cherry-pick, ignoring errors (no
// cherry-pick may be in progress).
func (r *Repo) AbortCherryPick() {
	_, _ = r.run("cherry-pick", "--abort")
}

// Rebase rebases the current branch onto upstream.
func (r *Repo) Rebase(upstream string) error {
	_, err := r.run("rebase", upstream)
	return err
}

// AbortRebase aborts an in-progress rebase, ignoring errors.
func (r *Repo) AbortRebase() {
	_, _ = r.run("rebase", "--abort")
}

// UnmergedPaths lists paths currently in conflict.
func (r *Repo) UnmergedPaths() ([]string, error) {
	out, err := r.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CreateBranch creates branch name at starting point from.
func (r *Repo) CreateBranch(name, from string) error {
	_, err := r.run("branch", name, from)
	return err
}

// ResetBranch force-moves an existing (or creates a new) local branch to
// point at from, matching the rolling branch's repeated head.set_commit.
func (r *Repo) ResetBranch(name, from string) error {
	_, err := r.run("branch", "-f", name, from)
	return err
}

// CheckoutBranch force-checks-out an existing local branch.
func (r *Repo) CheckoutBranch(name string) error {
	_, err := r.run("checkout", "--force", name)
	return err
}

// DeleteBranches force-deletes a set of branches in one call, matching the
// union-deletion fix for delete_obsolete_branches (Open Question #4 in
// DESIGN.md): callers pass the full union of obsolete names at once.
func (r *Repo) DeleteBranches(names []string) error {
	if len(names) == 0 {
		return nil
	}
	args := append([]string{"branch", "-D"}, names...)
	_, err := r.run(args...)
	return err
}

// ListBranches lists local branch names matching a glob pattern.
func (r *Repo) ListBranches(pattern string) ([]string, error) {
	out, err := r.run("for-each-ref", "--format=%(refname:short)", "refs/heads/"+pattern)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// BranchExists reports whether a local branch or ref resolves.
func (r *Repo) BranchExists(ref string) bool {
	_, err := r.run("rev-parse", "--verify", ref)
	return err == nil
}

// RevParse resolves ref to a full commit hash.
func (r *Repo) RevParse(ref string) (string, error) {
	return r.run("rev-parse", ref)
}

// TreeEqual reports whether two commits point at an identical tree, the
// "already merged" signal a rebase or cherry-pick can produce when its
// result exactly reproduces a commit already on the target branch.
func (r *Repo) TreeEqual(a, b string) (bool, error) {
	ta, err := r.run("rev-parse", a+"^{tree}")
	if err != nil {
		return false, err
	}
	tb, err := r.run("rev-parse", b+"^{tree}")
	if err != nil {
		return false, err
	}
	return ta == tb, nil
}

// Parents returns the parent hashes of commit, in order.
func (r *Repo) Parents(commit string) ([]string, error) {
	out, err := r.run("rev-list", "--parents", "-1", commit)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(out)
	if len(fields) <= 1 {
		return nil, nil
	}
	return fields[1:], nil
}

// CommitMessage returns the full message body for commit.
func (r *Repo) CommitMessage(commit string) (string, error) {
	return r.run("log", "-1", "--format=%B", commit)
}

// CheckoutDetached checks out commit as a detached HEAD.
func (r *Repo) CheckoutDetached(commit string) error {
	_, err := r.run("checkout", "--detach", commit)
	return err
}

// Describe returns `git describe` output for commit. When exact is true,
// only an exact tag match is returned; on failure (no exact tag) it
// returns "", nil rather than an error, matching the source's
// swallow-and-return-None behavior.
func (r *Repo) Describe(commit string, exact bool) (string, error) {
	args := []string{"describe", "--tags"}
	if exact {
		args = append(args, "--exact-match")
	} else {
		args = append(args, "--long")
	}
	args = append(args, commit)
	out, err := r.run(args...)
	if err != nil {
		if exact {
			return "", nil
		}
		return commit, nil
	}
	if !exact {
		if i := strings.LastIndex(out, "-"); i >= 0 {
			return out[:i], nil
		}
	}
	return out, nil
}

// CurrentlyReplaying returns the commit hash currently being applied by an
// in-progress rebase or cherry-pick, or "" if neither is in progress.
// Named helper replacing the source's monkey-patched git.Repo method.
func (r *Repo) CurrentlyReplaying() (string, error) {
	if hash, err := r.readGitFile("rebase-apply", "original-commit"); err == nil && hash != "" {
		return hash, nil
	}
	if hash, err := r.readGitFile("rebase-merge", "orig-head"); err == nil && hash != "" {
		return hash, nil
	}
	if hash, err := r.readGitFile("CHERRY_PICK_HEAD"); err == nil && hash != "" {
		return hash, nil
	}
	return "", nil
}

func (r *Repo) readGitFile(parts ...string) (string, error) {
	gitPath, err := r.run(append([]string{"rev-parse", "--git-path"}, strings.Join(parts, "/"))...)
	if err != nil {
		return "", err
	}
	if !filepathIsAbs(gitPath) {
		gitPath = r.Dir + "/" + gitPath
	}
	data, err := readFileTrim(gitPath)
	if err != nil {
		return "", nil // ENOENT: not currently in that state
	}
	return data, nil
}

func filepathIsAbs(p string) bool {
	return len(p) > 0 && p[0] == '/'
}

// Trailer is one parsed `Key: value` commit-message trailer.
type Trailer struct {
	Key   string
	Value string
}

const whitespace = " \f\n\r\t\v"

// TrailersList parses the trailer block of a commit message per §4.B's
// contract: drop leading '#' lines, stop at a bare "---" separator,
// unfold continuation lines, and only accept the final blank-separated
// paragraph as trailers if every non-blank line parses as Key: value, or a
// Signed-off-by / "(cherry picked from commit" marker is present and
// trailers exceed one third of the lines.
func TrailersList(text string) []Trailer {
	var lines []string
	for _, line := range splitLines(text) {
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "---") {
			if len(line) == 3 {
				break
			}
			if len(line) > 3 && strings.ContainsRune(whitespace, rune(line[3])) {
				break
			}
		}
		if strings.Trim(line, whitespace) != "" {
			if len(lines) > 0 && lines[len(lines)-1] != "" &&
				strings.ContainsRune(whitespace, rune(line[0])) &&
				strings.Contains(lines[len(lines)-1], ":") {
				lines[len(lines)-1] = strings.Trim(lines[len(lines)-1], whitespace) + " " + strings.Trim(line, whitespace)
			} else {
				lines = append(lines, line)
			}
		} else {
			lines = append(lines, "")
		}
	}

	var paragraphs [][]string
	var current []string
	for _, line := range lines {
		if line != "" {
			current = append(current, line)
		} else if len(current) > 0 {
			paragraphs = append(paragraphs, current)
			current = nil
		}
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, current)
	}

	if len(paragraphs) <= 1 {
		return nil
	}

	last := paragraphs[len(paragraphs)-1]
	var trailers []Trailer
	special := false
	for _, line := range last {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := line[:idx]
		value := line[idx+1:]
		if key == "" || strings.ContainsRune(whitespace, rune(key[0])) {
			continue
		}
		key = strings.Trim(key, whitespace)
		if strings.ContainsAny(key, whitespace) {
			continue
		}
		if key == "Signed-off-by" || key == "(cherry picked from commit" {
			special = true
		}
		trailers = append(trailers, Trailer{Key: key, Value: strings.Trim(value, whitespace)})
	}

	nTrailers := len(trailers)
	nLines := len(last)
	if !(nTrailers == nLines || (special && nTrailers*3 > nLines)) {
		return nil
	}
	return trailers
}

func splitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

func readFileTrim(path string) (string, error) {
	data, err := readFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(data), nil
}

// indirection point for tests
var readFile = func(path string) (string, error) {
	return readFileReal(path)
}

func readFileReal(path string) (string, error) {
	out, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("readfile %s: %w", path, err)
	}
	return string(out), nil
}
