package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArchPrefixes resolves the cross-tools-prefix flags configure needs for
// arch: the toolchain binaries live under buildtoolsRoot/cross-tools-<p>/bin
// and are named <prefix>-haiku-<tool>, so the prefix is everything up to and
// including that marker. x86_gcc2h builds both a legacy gcc2 and a modern
// x86 toolchain, so it resolves two prefixes instead of one.
func ArchPrefixes(buildtoolsRoot, branch, arch string) ([]string, error) {
	names := []string{arch}
	if arch == "x86_gcc2h" {
		names = []string{"x86_gcc2", "x86"}
	}

	prefixes := make([]string, len(names))
	for i, name := range names {
		dir := filepath.Join(buildtoolsRoot, "cross-tools-"+name, "bin")
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("buildtools prefix for %s: %w", arch, err)
		}
		var found string
		seen := map[string]bool{}
		for _, e := range entries {
			fname := e.Name()
			pos := strings.Index(fname, "-haiku-")
			if pos < 0 {
				continue
			}
			fPrefix := fname[:pos+7]
			if seen[fPrefix] {
				found = filepath.Join(dir, fPrefix)
				break
			}
			seen[fPrefix] = true
		}
		if found == "" {
			return nil, fmt.Errorf("could not find buildtools prefix for %s in %s", arch, branch)
		}
		prefixes[i] = found
	}
	return prefixes, nil
}
