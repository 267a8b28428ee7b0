package duneforge

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
)

// sourceURL resolves the release tarball location for a version. The
// default points at upstream GitHub tags; a mirror template can be set
// with DUNEFORGE_SOURCE_URL (one %s, the version).
func sourceURL(cfg *Config, version string) string {
	if t := cfg.Values["DUNEFORGE_SOURCE_URL"]; t != "" {
		return fmt.Sprintf(t, version)
	}
	return fmt.Sprintf("https://github.com/ocaml/dune/archive/refs/tags/%s.tar.gz", version)
}

// fetchSource downloads a source release into the cache (deduplicated
// across concurrent runs via flock) and unpacks it into destDir with the
// top-level directory stripped.
func fetchSource(exe *Executor, cfg *Config, version, destDir string) error {
	if err := os.MkdirAll(SourcesDir, 0o755); err != nil {
		return err
	}

	fname := fmt.Sprintf("%s-%s.tar.gz", Package, version)
	dest := filepath.Join(SourcesDir, fname)
	url := sourceURL(cfg, version)

	err := withFileLock(dest+".lock", func() error {
		// Another process may have finished the download while we waited.
		if fileExists(dest) {
			debugf("=> Using cached source %s\n", dest)
			return nil
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Fetching %s\n", url)
		return downloadFile(exe, url, dest)
	})
	if err != nil {
		return err
	}

	if want := cfg.Values["DUNEFORGE_SOURCE_B3SUM"]; want != "" {
		got, err := hashFile(dest)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("checksum mismatch for %s: got %s, want %s", fname, got, want)
		}
		debugf("=> Checksum verified for %s\n", fname)
	}

	return extractArchive(exe, dest, destDir, 1)
}

// downloadFile fetches a URL to destFile. curl does the best job with
// redirects and progress, wget is the usual fallback, and the built-in
// HTTP client covers minimal systems. Partial downloads never land at the
// final name.
func downloadFile(exe *Executor, url, destFile string) error {
	tmp := destFile + ".part"
	defer os.Remove(tmp)

	if _, err := exec.LookPath("curl"); err == nil {
		cmd := exec.Command("curl", "-L", "--fail", "-#", "-o", tmp, url)
		if err := exe.Run(cmd); err == nil {
			return os.Rename(tmp, destFile)
		}
		debugf("=> curl failed, trying wget\n")
	}

	if _, err := exec.LookPath("wget"); err == nil {
		cmd := exec.Command("wget", "-q", "-O", tmp, url)
		if err := exe.Run(cmd); err == nil {
			return os.Rename(tmp, destFile)
		}
		debugf("=> wget failed, trying built-in client\n")
	}

	if err := httpDownload(exe, url, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, destFile)
}

func httpDownload(exe *Executor, url, dest string) error {
	client := &http.Client{Timeout: 30 * time.Minute}

	req, err := http.NewRequestWithContext(exe.Context, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: %s", url, resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
	if _, err := io.Copy(io.MultiWriter(f, bar), resp.Body); err != nil {
		return err
	}
	return f.Close()
}
