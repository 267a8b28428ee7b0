package duneforge

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

// check if b3sum is installed on system
func hasB3sum() bool {
	_, err := exec.LookPath("b3sum")
	return err == nil
}

// hashFile returns the BLAKE3 hex digest of a file. Prefers the system
// b3sum binary, falls back to the pure Go implementation.
func hashFile(path string) (string, error) {
	if hasB3sum() {
		out, err := exec.Command("b3sum", "--no-names", path).Output()
		if err == nil {
			sum := strings.TrimSpace(string(out))
			if len(sum) == 64 {
				return sum, nil
			}
		}
		debugf("b3sum failed for %s, using built-in hasher\n", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashTree hashes every regular file under root, keyed by relative path.
// Paths in skip are left out of the result.
func hashTree(root string, skip map[string]bool) (map[string]string, error) {
	files, err := listTreeFiles(root)
	if err != nil {
		return nil, err
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > 8 {
		workers = 8
	}
	if workers < 1 {
		workers = 1
	}

	var (
		mu       sync.Mutex
		firstErr error
		sums     = make(map[string]string, len(files))
		jobs     = make(chan string)
		wg       sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rel := range jobs {
				sum, err := hashFile(filepath.Join(root, rel))
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("hash %s: %w", rel, err)
					}
				} else {
					sums[rel] = sum
				}
				mu.Unlock()
			}
		}()
	}

	for _, rel := range files {
		if skip[rel] {
			continue
		}
		jobs <- rel
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return sums, nil
}

// writeManifest persists sums as "hash  relpath" lines, sorted by path.
func writeManifest(path string, sums map[string]string) error {
	rels := make([]string, 0, len(sums))
	for rel := range sums {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	var b strings.Builder
	for _, rel := range rels {
		fmt.Fprintf(&b, "%s  %s\n", sums[rel], rel)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// readManifest parses a manifest written by writeManifest.
func readManifest(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sums := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sum, rel, ok := strings.Cut(line, "  ")
		if !ok {
			return nil, fmt.Errorf("malformed manifest line in %s: %q", path, line)
		}
		sums[rel] = sum
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sums, nil
}

// verifyTree re-hashes root and compares against a manifest. Returns the
// relative paths that differ, are missing, or appeared since the manifest
// was written. Paths in skip are exempt.
func verifyTree(root, manifestPath string, skip map[string]bool) ([]string, error) {
	want, err := readManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	got, err := hashTree(root, skip)
	if err != nil {
		return nil, err
	}

	var bad []string
	for rel, sum := range want {
		if skip[rel] {
			continue
		}
		g, ok := got[rel]
		if !ok {
			bad = append(bad, rel+" (missing)")
			continue
		}
		if g != sum {
			bad = append(bad, rel)
		}
	}
	for rel := range got {
		if _, ok := want[rel]; !ok {
			bad = append(bad, rel+" (unexpected)")
		}
	}
	sort.Strings(bad)
	return bad, nil
}
