package builder

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// excludeMatcher mirrors _EXCLUDE_DIRS: version-control metadata never
// belongs in a source snapshot, matched by basename regardless of depth.
var excludeMatcher = gitignore.CompileIgnoreLines("CVS/", ".svn/", ".git/")

// Archive tars up the worktree's current tree, compresses it with the
// external xz tool and leaves it at dst/src.<base>.tar.xz, where base is
// "<changeset>_<version>-<master>" and every entry is rooted at base.
// version gets a "-sep" suffix when full is false (a cherry-pick archive,
// not a chain rebase). No comment text is embedded in the archive.
func Archive(worktree, dst, changeset, version, master string, full bool) error {
	if !full {
		version += "-sep"
	}
	base := changeset + "_" + version + "-" + master
	tarPath := filepath.Join(dst, "src.tar")
	if err := writeTar(worktree, tarPath, base); err != nil {
		return err
	}
	defer os.Remove(tarPath)

	xzPath := tarPath + ".xz"
	cmd := exec.Command("xz", "-f", tarPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("xz %s: %w", tarPath, err)
	}
	return os.Rename(xzPath, filepath.Join(dst, "src."+base+".tar.xz"))
}

func writeTar(root, path, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			rel = ""
		}
		if rel != "" && excludeMatcher.MatchesPath(rel+"/") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		name := base
		if rel != "" {
			name = filepath.Join(base, rel)
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(p)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			file, err := os.Open(p)
			if err != nil {
				return err
			}
			defer file.Close()
			if _, err := io.Copy(tw, file); err != nil {
				return err
			}
		}
		return nil
	})
}
