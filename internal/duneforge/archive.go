package duneforge

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// createArtifactArchive packs an artifact tree into a zstd tarball.
// System tar does the work when available; otherwise the built-in writer
// produces the same layout with root ownership.
func createArtifactArchive(exe *Executor, treeDir, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	if _, err := exec.LookPath("tar"); err == nil {
		cmd := exec.Command("tar", "--zstd", "-cf", outPath, "-C", treeDir, ".")
		if err := exe.Run(cmd); err == nil {
			return nil
		}
		debugf("=> System tar failed, using built-in writer\n")
		os.Remove(outPath)
	}
	return createArchiveGo(treeDir, outPath)
}

func createArchiveGo(treeDir, outPath string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	err = filepath.Walk(treeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(treeDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		// Archives install as root regardless of who built them.
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

// extractArchive unpacks a source or artifact archive into destDir,
// optionally stripping leading path components. System tar first, built-in
// readers as fallback, format picked by suffix.
func extractArchive(exe *Executor, archivePath, destDir string, strip int) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	if _, err := exec.LookPath("tar"); err == nil && !strings.HasSuffix(archivePath, ".zip") {
		args := []string{"-xf", archivePath, "-C", destDir}
		if strip > 0 {
			args = append(args, fmt.Sprintf("--strip-components=%d", strip))
		}
		cmd := exec.Command("tar", args...)
		if err := exe.Run(cmd); err == nil {
			return nil
		}
		debugf("=> System tar failed, using built-in extractor\n")
	}
	return extractArchiveGo(archivePath, destDir, strip)
}

func extractArchiveGo(archivePath, destDir string, strip int) error {
	if strings.HasSuffix(archivePath, ".zip") {
		return unzipGo(archivePath, destDir)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader
	switch {
	case strings.HasSuffix(archivePath, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		gr, err := pgzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gr.Close()
		r = gr
	case strings.HasSuffix(archivePath, ".tar.bz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(archivePath, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return err
		}
		r = xr
	case strings.HasSuffix(archivePath, ".tar"):
		r = f
	default:
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}

	tr := tar.NewReader(r)
	cleanDest := filepath.Clean(destDir)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		// PAX metadata entries carry no file content
		if hdr.Typeflag == tar.TypeXGlobalHeader || hdr.Typeflag == tar.TypeXHeader {
			continue
		}

		rel := stripComponents(hdr.Name, strip)
		if rel == "" {
			continue
		}
		target := filepath.Join(cleanDest, rel)
		if !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			os.Chtimes(target, time.Now(), hdr.ModTime)
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
			lutimes(target, hdr.ModTime)
		case tar.TypeLink:
			linkSrc := filepath.Join(cleanDest, stripComponents(hdr.Linkname, strip))
			if err := os.Link(linkSrc, target); err != nil {
				// Cross-archive hardlinks degrade to a copy
				if cerr := copyFile(linkSrc, target); cerr != nil {
					return fmt.Errorf("hardlink %s: %v", target, err)
				}
			}
		default:
			debugf("=> Skipping archive entry %s (type %c)\n", hdr.Name, hdr.Typeflag)
		}
	}
	return nil
}

// stripComponents drops the first n path elements of an archive entry
// name, returning "" when nothing remains.
func stripComponents(name string, n int) string {
	clean := filepath.Clean(name)
	parts := strings.Split(clean, "/")
	for len(parts) > 0 && (parts[0] == "." || parts[0] == "") {
		parts = parts[1:]
	}
	if len(parts) <= n {
		return ""
	}
	return filepath.Join(parts[n:]...)
}

// lutimes sets a symlink's own timestamps, best effort.
func lutimes(path string, mtime time.Time) {
	tv := []unix.Timeval{
		unix.NsecToTimeval(time.Now().UnixNano()),
		unix.NsecToTimeval(mtime.UnixNano()),
	}
	if err := unix.Lutimes(path, tv); err != nil {
		debugf("=> lutimes %s: %v\n", path, err)
	}
}

func unzipGo(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	cleanDest := filepath.Clean(destDir)
	for _, zf := range zr.File {
		target := filepath.Join(cleanDest, zf.Name)
		if !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, zf.Mode().Perm()); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, zf.Mode().Perm())
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return err
		}
		out.Close()
		rc.Close()
	}
	return nil
}

// compressLogXZ replaces a finished log file with an xz-compressed copy.
func compressLogXZ(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".xz")
	if err != nil {
		return err
	}
	defer out.Close()

	xw, err := xz.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(xw, in); err != nil {
		return err
	}
	if err := xw.Close(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(path)
}

// openMaybeXZ opens a log file, transparently decompressing .xz.
func openMaybeXZ(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".xz") {
		return f, nil
	}
	xr, err := xz.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &xzReadCloser{r: xr, f: f}, nil
}

type xzReadCloser struct {
	r io.Reader
	f *os.File
}

func (x *xzReadCloser) Read(p []byte) (int, error) { return x.r.Read(p) }
func (x *xzReadCloser) Close() error               { return x.f.Close() }
