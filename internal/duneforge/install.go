package duneforge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// installCategory is one slice of the artifact tree copied during a
// manual install.
type installCategory struct {
	name     string
	src      string // relative to the artifact tree
	dst      string // relative to the install prefix
	optional bool
}

func installCategories() []installCategory {
	return []installCategory{
		{"libraries", filepath.Join("lib", Package), filepath.Join("lib", Package), false},
		{"documentation", filepath.Join("doc", Package), filepath.Join("doc", Package), false},
		{"man pages (section 1)", "man/man1", "man/man1", false},
		{"man pages (section 5)", "man/man5", "man/man5", false},
		{"editor integration", "share/emacs/site-lisp", "share/emacs/site-lisp", true},
	}
}

// installManually copies each artifact category from an artifact tree into
// the install prefix. Used by the full-bootstrap phase 5 and the native
// path, where no build tool binary is around to delegate to. A missing
// required category aborts the install; only editor integration files are
// optional.
func installManually(ctx *BuildContext, cfg *Config, treeDir string, exe *Executor, logw io.Writer) error {
	// The binary first. Nothing else is worth installing without it.
	binSrc := filepath.Join(treeDir, "bin", Package)
	state, _, err := probePath(binSrc)
	if state == pathError {
		return err
	}
	if state == pathAbsent {
		return fmt.Errorf("binary missing from artifact tree at %s", binSrc)
	}
	binDst := filepath.Join(ctx.Prefix, "bin", Package)
	if err := os.MkdirAll(filepath.Dir(binDst), 0o755); err != nil {
		return err
	}
	if err := copyFile(binSrc, binDst); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	if err := os.Chmod(binDst, 0o755); err != nil {
		return err
	}
	fmt.Fprintf(logw, "installed %s\n", binDst)

	for _, cat := range installCategories() {
		src := filepath.Join(treeDir, cat.src)
		dst := filepath.Join(ctx.Prefix, cat.dst)

		state, _, err := probePath(src)
		if state == pathError {
			return err
		}
		if state == pathAbsent {
			if cat.optional {
				debugf("=> No %s in artifact tree, skipping\n", cat.name)
				continue
			}
			return fmt.Errorf("%s missing at %s", cat.name, src)
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := copyTree(src, dst); err != nil {
			return fmt.Errorf("installing %s: %w", cat.name, err)
		}
		fmt.Fprintf(logw, "installed %s -> %s\n", cat.name, dst)
	}

	return nil
}

// postInstall runs the common postlude after either install flavor:
// man pages move to their conda location, activation scripts go in, and
// native binaries get stripped.
func postInstall(ctx *BuildContext, cfg *Config, exe *Executor, logw io.Writer) error {
	if err := relocateManPages(ctx.Prefix); err != nil {
		return err
	}
	if err := writeActivationScripts(ctx); err != nil {
		return err
	}

	binPath := filepath.Join(ctx.Prefix, "bin", Package)
	if err := verifyInstalledBinary(binPath); err != nil {
		return err
	}

	// Host strip cannot handle target binaries, so cross installs keep
	// their symbols.
	if cfg.DefaultStrip && !ctx.IsCross() {
		if err := stripTree(exe, filepath.Join(ctx.Prefix, "bin"), logw); err != nil {
			colArrow.Print("-> ")
			colWarn.Printf("Stripping failed: %v\n", err)
		}
	}
	return nil
}

// relocateManPages moves <prefix>/man under <prefix>/share/man, where
// conda environments expect manuals. The build tool installs them at the
// tree root.
func relocateManPages(prefix string) error {
	manDir := filepath.Join(prefix, "man")

	state, info, err := probePath(manDir)
	if state == pathError {
		return err
	}
	if state == pathAbsent || !info.IsDir() {
		return nil
	}

	shareMan := filepath.Join(prefix, "share", "man")
	if err := os.MkdirAll(shareMan, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(manDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		src := filepath.Join(manDir, entry.Name())
		dst := filepath.Join(shareMan, entry.Name())
		if entry.IsDir() {
			if err := copyTree(src, dst); err != nil {
				return fmt.Errorf("relocating %s: %w", src, err)
			}
			if err := os.RemoveAll(src); err != nil {
				return err
			}
			continue
		}
		if err := moveFile(src, dst); err != nil {
			return fmt.Errorf("relocating %s: %w", src, err)
		}
	}
	// Drop the now-empty man root; a leftover entry is a relocation bug.
	if err := os.Remove(manDir); err != nil {
		return fmt.Errorf("removing %s after relocation: %w", manDir, err)
	}
	debugf("=> Man pages relocated to %s\n", shareMan)
	return nil
}

// writeActivationScripts installs the conda activate/deactivate pair. The
// scripts point the tool's cache at the environment and back out cleanly,
// using the conda backup-variable convention.
func writeActivationScripts(ctx *BuildContext) error {
	envVar := strings.ToUpper(Package) + "_CACHE_ROOT"

	activate := fmt.Sprintf(`#!/bin/sh
if [ -n "${%[1]s:-}" ]; then
    export _CONDA_BACKUP_%[1]s="${%[1]s}"
fi
export %[1]s="${CONDA_PREFIX}/var/cache/%[2]s"
`, envVar, Package)

	deactivate := fmt.Sprintf(`#!/bin/sh
if [ -n "${_CONDA_BACKUP_%[1]s:-}" ]; then
    export %[1]s="${_CONDA_BACKUP_%[1]s}"
    unset _CONDA_BACKUP_%[1]s
else
    unset %[1]s
fi
`, envVar)

	pairs := []struct {
		dir, content string
	}{
		{"activate.d", activate},
		{"deactivate.d", deactivate},
	}
	for _, p := range pairs {
		dir := filepath.Join(ctx.Prefix, "etc", "conda", p.dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(dir, Package+"-"+strings.TrimSuffix(p.dir, ".d")+".sh")
		if err := os.WriteFile(path, []byte(p.content), 0o755); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

// verifyInstalledBinary confirms the installed binary is a regular
// executable file.
func verifyInstalledBinary(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("installed binary: %w", err)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("installed binary %s is not a regular file (%s)", path, st.Mode())
	}
	if st.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("installed binary %s is not executable (%s)", path, st.Mode().Perm())
	}
	return nil
}
