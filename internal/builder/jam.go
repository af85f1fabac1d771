package builder

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/creack/pty"
)

// runJam runs jamPath against wd with target and options, capping -j at
// min(NumCPU, maxJobs). Output streams through a PTY (so jam's progress
// output stays line-buffered) into the file at outputPath; the process's
// own exit status decides success, never the content of that log.
func runJam(wd, jamPath, target string, options []string, maxJobs int, outputPath string) error {
	args := []string{}
	if jobs := jobCount(maxJobs); jobs > 1 {
		args = append(args, "-j"+strconv.Itoa(jobs))
	}
	args = append(args, options...)
	args = append(args, target)

	cmd := exec.Command(jamPath, args...)
	cmd.Dir = wd
	return runStreamed(cmd, outputPath)
}

func jobCount(maxJobs int) int {
	n := runtime.NumCPU()
	if maxJobs > 0 && maxJobs < n {
		n = maxJobs
	}
	return n
}

// runStreamed runs cmd with stdout/stderr attached to a PTY, copying the
// PTY output into the file at outPath (nothing is echoed to this process's
// own stdout), and waits for completion. The EIO a PTY
// read returns once the child closes its side is swallowed, matching the
// ptmx-close race every PTY-based runner has to handle.
func runStreamed(cmd *exec.Cmd, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	ptmx, pts, err := pty.Open()
	if err != nil {
		return err
	}
	defer ptmx.Close()

	cmd.Stdout = pts
	cmd.Stderr = pts
	if err := cmd.Start(); err != nil {
		pts.Close()
		return err
	}
	pts.Close()

	_, copyErr := io.Copy(out, ptmx)
	waitErr := cmd.Wait()
	if copyErr != nil {
		var pathErr *os.PathError
		if !(errors.As(copyErr, &pathErr) && pathErr.Err == syscall.EIO) {
			return copyErr
		}
	}
	return waitErr
}
