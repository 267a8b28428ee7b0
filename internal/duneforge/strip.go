package duneforge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// isStrippable asks file(1) whether a path is a real compiled binary.
// Scripts and data files in bin/ must be left alone.
func isStrippable(path string) bool {
	out, err := exec.Command("file", "--brief", path).Output()
	if err != nil {
		debugf("=> file(1) failed for %s: %v\n", path, err)
		return false
	}
	desc := string(out)
	return strings.Contains(desc, "ELF") || strings.Contains(desc, "Mach-O")
}

// stripTree strips every compiled executable directly under dir, a bounded
// number at a time. Failures on individual files are collected, not
// ignored.
func stripTree(exe *Executor, dir string, logw io.Writer) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var candidates []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if isStrippable(path) {
			candidates = append(candidates, path)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	limit := runtime.GOMAXPROCS(0)
	if limit > 8 {
		limit = 8
	}
	sem := make(chan struct{}, limit)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, path := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(p string) {
			defer wg.Done()
			defer func() { <-sem }()

			cmd := exec.Command("strip", p)
			cmd.Stdout = io.Discard
			cmd.Stderr = logw
			if err := exe.Run(cmd); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("strip %s: %w", p, err)
				}
				mu.Unlock()
				return
			}
			debugf("=> Stripped %s\n", p)
		}(path)
	}
	wg.Wait()
	return firstErr
}
