package duneforge

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// populateArtifactTree writes the categories a release build produces.
func populateArtifactTree(t *testing.T, tree string) {
	t.Helper()
	mustWriteFile(t, filepath.Join(tree, "bin", "dune"), "dune binary", 0o755)
	mustWriteFile(t, filepath.Join(tree, "lib", "dune", "META"), "version: \"3.20.2\"", 0o644)
	mustWriteFile(t, filepath.Join(tree, "doc", "dune", "README.md"), "# dune", 0o644)
	mustWriteFile(t, filepath.Join(tree, "man", "man1", "dune.1"), ".TH DUNE 1", 0o644)
	mustWriteFile(t, filepath.Join(tree, "man", "man5", "dune-config.5"), ".TH DUNE-CONFIG 5", 0o644)
}

func TestInstallManually(t *testing.T) {
	setPackage(t, "dune")
	tree := t.TempDir()
	populateArtifactTree(t, tree)

	ctx := &BuildContext{Prefix: t.TempDir(), TargetPlatform: "linux-64"}
	var log bytes.Buffer
	if err := installManually(ctx, &Config{}, tree, NewExecutor(context.Background()), &log); err != nil {
		t.Fatalf("installManually: %v", err)
	}

	bin := filepath.Join(ctx.Prefix, "bin", "dune")
	if got := mustReadFile(t, bin); got != "dune binary" {
		t.Errorf("installed binary: want: %q, got: %q", "dune binary", got)
	}
	info, err := os.Stat(bin)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Error("installed binary is not executable")
	}

	for _, rel := range []string{
		"lib/dune/META",
		"doc/dune/README.md",
		"man/man1/dune.1",
		"man/man5/dune-config.5",
	} {
		if !fileExists(filepath.Join(ctx.Prefix, rel)) {
			t.Errorf("category file %s was not installed", rel)
		}
	}

	// Editor integration is optional and absent here.
	if fileExists(filepath.Join(ctx.Prefix, "share", "emacs")) {
		t.Error("absent optional category appeared in the prefix")
	}
	if !strings.Contains(log.String(), "installed") {
		t.Errorf("install log is empty: %q", log.String())
	}
}

func TestInstallManuallyMissingBinary(t *testing.T) {
	setPackage(t, "dune")
	tree := t.TempDir()
	mustWriteFile(t, filepath.Join(tree, "lib", "dune", "META"), "x", 0o644)

	ctx := &BuildContext{Prefix: t.TempDir(), TargetPlatform: "linux-64"}
	var log bytes.Buffer
	err := installManually(ctx, &Config{}, tree, NewExecutor(context.Background()), &log)
	if err == nil {
		t.Fatal("installManually without the binary: want error, got nil")
	}
	if !strings.Contains(err.Error(), "binary missing") {
		t.Errorf("error should name the binary: %v", err)
	}
}

func TestInstallManuallyMissingRequiredCategory(t *testing.T) {
	setPackage(t, "dune")
	tree := t.TempDir()
	populateArtifactTree(t, tree)
	if err := os.RemoveAll(filepath.Join(tree, "man", "man5")); err != nil {
		t.Fatal(err)
	}

	ctx := &BuildContext{Prefix: t.TempDir(), TargetPlatform: "linux-64"}
	var log bytes.Buffer
	err := installManually(ctx, &Config{}, tree, NewExecutor(context.Background()), &log)
	if err == nil {
		t.Fatal("installManually without man/man5: want error, got nil")
	}
	if !strings.Contains(err.Error(), "man/man5") {
		t.Errorf("error should name the missing category: %v", err)
	}
}

func TestRelocateManPages(t *testing.T) {
	prefix := t.TempDir()
	mustWriteFile(t, filepath.Join(prefix, "man", "man1", "dune.1"), ".TH DUNE 1", 0o644)
	mustWriteFile(t, filepath.Join(prefix, "man", "man5", "dune-config.5"), ".TH DUNE-CONFIG 5", 0o644)

	if err := relocateManPages(prefix); err != nil {
		t.Fatalf("relocateManPages: %v", err)
	}

	if !fileExists(filepath.Join(prefix, "share", "man", "man1", "dune.1")) {
		t.Error("man1 page not relocated under share/man")
	}
	if !fileExists(filepath.Join(prefix, "share", "man", "man5", "dune-config.5")) {
		t.Error("man5 page not relocated under share/man")
	}
	if fileExists(filepath.Join(prefix, "man")) {
		t.Error("original man directory still present")
	}
}

func TestRelocateManPagesAbsent(t *testing.T) {
	prefix := t.TempDir()
	if err := relocateManPages(prefix); err != nil {
		t.Fatalf("relocateManPages without a man dir: %v", err)
	}
	if fileExists(filepath.Join(prefix, "share", "man")) {
		t.Error("share/man created with nothing to relocate")
	}
}

func TestWriteActivationScripts(t *testing.T) {
	setPackage(t, "dune")
	ctx := &BuildContext{Prefix: t.TempDir()}

	if err := writeActivationScripts(ctx); err != nil {
		t.Fatalf("writeActivationScripts: %v", err)
	}

	activate := filepath.Join(ctx.Prefix, "etc", "conda", "activate.d", "dune-activate.sh")
	content := mustReadFile(t, activate)
	for _, want := range []string{
		"DUNE_CACHE_ROOT",
		"_CONDA_BACKUP_DUNE_CACHE_ROOT",
		"${CONDA_PREFIX}/var/cache/dune",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("activate script missing %q:\n%s", want, content)
		}
	}

	deactivate := filepath.Join(ctx.Prefix, "etc", "conda", "deactivate.d", "dune-deactivate.sh")
	content = mustReadFile(t, deactivate)
	if !strings.Contains(content, "unset DUNE_CACHE_ROOT") {
		t.Errorf("deactivate script does not unset the variable:\n%s", content)
	}

	info, err := os.Stat(activate)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Error("activation script is not executable")
	}
}

func TestVerifyInstalledBinary(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good")
	mustWriteFile(t, good, "bin", 0o755)
	if err := verifyInstalledBinary(good); err != nil {
		t.Errorf("verifyInstalledBinary(executable): want nil, got: %v", err)
	}

	plain := filepath.Join(dir, "plain")
	mustWriteFile(t, plain, "bin", 0o644)
	if err := verifyInstalledBinary(plain); err == nil {
		t.Error("verifyInstalledBinary(non-executable): want error, got nil")
	}

	if err := verifyInstalledBinary(filepath.Join(dir, "absent")); err == nil {
		t.Error("verifyInstalledBinary(missing): want error, got nil")
	}

	if err := verifyInstalledBinary(dir); err == nil {
		t.Error("verifyInstalledBinary(directory): want error, got nil")
	}
}

func TestPostInstall(t *testing.T) {
	setPackage(t, "dune")
	prefix := t.TempDir()
	mustWriteFile(t, filepath.Join(prefix, "bin", "dune"), "dune binary", 0o755)
	mustWriteFile(t, filepath.Join(prefix, "man", "man1", "dune.1"), ".TH DUNE 1", 0o644)

	ctx := &BuildContext{Prefix: prefix, TargetPlatform: "linux-64"}
	cfg := &Config{} // stripping off
	var log bytes.Buffer
	if err := postInstall(ctx, cfg, NewExecutor(context.Background()), &log); err != nil {
		t.Fatalf("postInstall: %v", err)
	}

	if !fileExists(filepath.Join(prefix, "share", "man", "man1", "dune.1")) {
		t.Error("postInstall did not relocate man pages")
	}
	if !fileExists(filepath.Join(prefix, "etc", "conda", "activate.d", "dune-activate.sh")) {
		t.Error("postInstall did not write activation scripts")
	}
}
