// Package paths resolves logical names (worktree, build dir, per-change
// result dir, release dir, ...) into filesystem locations rooted at a
// configured www_root and builder root.
package paths

import (
	"os"
	"path/filepath"
)

// Resolver maps logical names to filesystem paths for a single configured
// builder instance. Its path-building methods are pure functions of the
// configured roots (EmulatedAttributes also consults the environment, and
// DeleteRelease/DeleteChange remove trees); Resolver holds no mutable state.
type Resolver struct {
	WWWRoot     string
	LinkRoot    string
	Worktree    string
	BuildRoot   string
	Buildtools  string
	JamPath     string
}

// New builds a Resolver from the config-provided roots.
func New(wwwRoot, linkRoot, worktree, buildRoot, buildtools, jamPath string) *Resolver {
	return &Resolver{
		WWWRoot:    wwwRoot,
		LinkRoot:   linkRoot,
		Worktree:   worktree,
		BuildRoot:  buildRoot,
		Buildtools: buildtools,
		JamPath:    jamPath,
	}
}

// WWW builds the result directory for a changeset/version/master/arch
// combination. When full is false, "-sep" is appended to the version
// component (picked-only, separate from the chain rebase). arch == "" omits
// the final path segment, matching the `arch is None` Python case.
func (r *Resolver) WWW(changeset, version, master, arch string, full bool) string {
	v := version
	if !full {
		v += "-sep"
	}
	if arch != "" {
		return filepath.Join(r.WWWRoot, changeset, v, master, arch)
	}
	return filepath.Join(r.WWWRoot, changeset, v, master)
}

// Release builds the release tree path: release/<branch>/<tag>[/<arch>].
func (r *Resolver) Release(branch, tag, arch string) string {
	if arch != "" {
		return filepath.Join(r.WWWRoot, "release", branch, tag, arch)
	}
	return filepath.Join(r.WWWRoot, "release", branch, tag)
}

// WWWLink rewrites an absolute www_root-rooted path into its link_root
// equivalent, for URLs handed to the verdict composer.
func (r *Resolver) WWWLink(path string) string {
	if len(path) >= len(r.WWWRoot) && path[:len(r.WWWRoot)] == r.WWWRoot {
		return r.LinkRoot + path[len(r.WWWRoot):]
	}
	return r.LinkRoot
}

// Build is the per-architecture build directory under the configured
// build root.
func (r *Resolver) Build(arch string) string {
	return filepath.Join(r.BuildRoot, arch)
}

// BuildtoolsFor is the per-architecture cross-tools directory.
func (r *Resolver) BuildtoolsFor(arch string) string {
	return filepath.Join(r.Buildtools, arch)
}

// EmulatedAttributes is the HAIKU_BUILD_ATTRIBUTES_DIR, preferentially on
// tmpfs (see PreferredTmpRoot).
func (r *Resolver) EmulatedAttributes() string {
	return filepath.Join(PreferredTmpRoot(), "haiku_testbuilds")
}

// DeleteRelease removes a release's tree. Best-effort: ENOENT is swallowed.
func (r *Resolver) DeleteRelease(branch, tag string) {
	_ = os.RemoveAll(r.Release(branch, tag, ""))
}

// DeleteChange removes a changeset's entire tree. Best-effort.
func (r *Resolver) DeleteChange(cid string) {
	_ = os.RemoveAll(filepath.Join(r.WWWRoot, cid))
}

// artifactExactNames, together with the suffix checks in CleanUp, mirror the
// original clean_up() purge list: build logs and packaging byproducts, not
// source or downloads.
var artifactExactNames = map[string]bool{
	"build.err": true,
	"build.out": true,
	"efi.map":   true,
}

func hasAnyPrefix(name string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(name) >= len(p) && name[:len(p)] == p {
			return true
		}
	}
	return false
}

func hasAnySuffix(name string, suffixes ...string) bool {
	for _, s := range suffixes {
		if len(name) >= len(s) && name[len(name)-len(s):] == s {
			return true
		}
	}
	return false
}

// CleanUp removes build artifacts from a result directory while keeping
// build_packages/ and download/ (and anything else not matched below).
func CleanUp(path string) {
	_ = os.RemoveAll(filepath.Join(path, "objects"))
	entries, err := os.ReadDir(path)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if artifactExactNames[name] ||
			hasAnyPrefix(name, "haiku.", "haiku-") ||
			hasAnySuffix(name, ".hpkg", ".iso", ".image") {
			_ = os.Remove(filepath.Join(path, name))
		}
	}
}

// PreferredTmpRoot picks a tmpfs-backed directory for ephemeral build
// attribute emulation, falling back through XDG_RUNTIME_DIR, /dev/shm,
// /tmp, and finally os.TempDir().
func PreferredTmpRoot() string {
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		if _, err := os.Stat(d); err == nil {
			return d
		}
	}
	for _, d := range []string{"/dev/shm", "/tmp"} {
		if _, err := os.Stat(d); err == nil {
			return d
		}
	}
	return os.TempDir()
}
