package duneforge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeArtifactTree builds a minimal install layout under the source dir
// and returns a cross context pointing at it.
func fakeArtifactTree(t *testing.T) *BuildContext {
	t.Helper()
	setPackage(t, "dune")

	ctx := &BuildContext{
		TargetPlatform: "linux-aarch64",
		SourceDir:      t.TempDir(),
	}
	tree := ctx.ArtifactDir()
	mustWriteFile(t, filepath.Join(tree, "bin", "dune"), "native build output", 0o755)
	mustWriteFile(t, filepath.Join(tree, "lib", "dune", "META"), "version: \"3.20.2\"", 0o644)
	mustWriteFile(t, filepath.Join(tree, "man", "man1", "dune.1"), ".TH DUNE 1", 0o644)
	mustWriteFile(t, ctx.MetadataFile(), "lib: [\n]\nbin: [\n]\n", 0o644)
	return ctx
}

func TestInstallPlaceholder(t *testing.T) {
	tree := t.TempDir()

	// First call creates bin/ and the stand-in.
	if err := installPlaceholder(tree, "dune"); err != nil {
		t.Fatalf("installPlaceholder: %v", err)
	}
	path := filepath.Join(tree, "bin", "dune")
	if got := mustReadFile(t, path); got != string(placeholderBinary) {
		t.Errorf("placeholder content: want: %q, got: %q", placeholderBinary, got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Error("placeholder is not executable")
	}

	// A second call replaces whatever is there, symlinks included.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("../../_build/default/bin/main.exe", path); err != nil {
		t.Fatal(err)
	}
	if err := installPlaceholder(tree, "dune"); err != nil {
		t.Fatalf("installPlaceholder over symlink: %v", err)
	}
	if got := mustReadFile(t, path); got != string(placeholderBinary) {
		t.Errorf("placeholder after symlink replace: want: %q, got: %q", placeholderBinary, got)
	}
}

func TestSnapshotAndReassemble(t *testing.T) {
	ctx := fakeArtifactTree(t)
	stageDir := t.TempDir()

	if err := installPlaceholder(ctx.ArtifactDir(), Package); err != nil {
		t.Fatal(err)
	}
	snapDir, metaPath, err := snapshotArtifacts(ctx, stageDir)
	if err != nil {
		t.Fatalf("snapshotArtifacts: %v", err)
	}
	if !fileExists(filepath.Join(stageDir, snapshotManifest)) {
		t.Fatal("snapshot manifest was not written")
	}
	if got := mustReadFile(t, metaPath); !strings.Contains(got, "lib:") {
		t.Errorf("metadata copy content: got: %q", got)
	}

	// Drop in the cross binary and verify only bin/dune changed.
	crossBinary := filepath.Join(t.TempDir(), "dune.exe")
	mustWriteFile(t, crossBinary, "cross build output", 0o644)

	if err := reassemble(snapDir, crossBinary, Package); err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	installed := filepath.Join(snapDir, "bin", "dune")
	if got := mustReadFile(t, installed); got != "cross build output" {
		t.Errorf("reassembled binary: want: %q, got: %q", "cross build output", got)
	}
	info, err := os.Stat(installed)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("reassembled binary mode: want: %v, got: %v", os.FileMode(0o755), info.Mode().Perm())
	}

	if err := verifySnapshotIntact(stageDir, snapDir, Package); err != nil {
		t.Errorf("verifySnapshotIntact after clean reassembly: %v", err)
	}
}

func TestReassembleMissingBinary(t *testing.T) {
	snapDir := t.TempDir()
	missing := filepath.Join(t.TempDir(), "dune.exe")
	if err := reassemble(snapDir, missing, "dune"); err == nil {
		t.Error("reassemble without a cross binary: want error, got nil")
	}
}

func TestVerifySnapshotIntactDetectsDamage(t *testing.T) {
	ctx := fakeArtifactTree(t)
	stageDir := t.TempDir()

	snapDir, _, err := snapshotArtifacts(ctx, stageDir)
	if err != nil {
		t.Fatal(err)
	}

	// Contaminate a file reassembly has no business touching.
	mustWriteFile(t, filepath.Join(snapDir, "lib", "dune", "META"), "version: \"9.9.9\"", 0o644)

	err = verifySnapshotIntact(stageDir, snapDir, Package)
	if err == nil {
		t.Fatal("verifySnapshotIntact on a damaged tree: want error, got nil")
	}
	if !strings.Contains(err.Error(), "lib/dune/META") {
		t.Errorf("error does not name the damaged file: %v", err)
	}
}

func TestSnapshotDereferencesLinks(t *testing.T) {
	ctx := fakeArtifactTree(t)
	stageDir := t.TempDir()

	// The build leaves bin/dune as a symlink into _build; the snapshot
	// must capture the bytes, not the link.
	binPath := filepath.Join(ctx.ArtifactDir(), "bin", "dune")
	realPath := filepath.Join(ctx.SourceDir, "real-binary")
	mustWriteFile(t, realPath, "linked bytes", 0o755)
	if err := os.Remove(binPath); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(realPath, binPath); err != nil {
		t.Fatal(err)
	}

	snapDir, _, err := snapshotArtifacts(ctx, stageDir)
	if err != nil {
		t.Fatal(err)
	}

	copied := filepath.Join(snapDir, "bin", "dune")
	info, err := os.Lstat(copied)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t.Error("snapshot kept bin/dune as a symlink")
	}
	if got := mustReadFile(t, copied); got != "linked bytes" {
		t.Errorf("snapshot content: want: %q, got: %q", "linked bytes", got)
	}
}

func TestRestoreSnapshot(t *testing.T) {
	ctx := fakeArtifactTree(t)
	stageDir := t.TempDir()

	snapDir, metaPath, err := snapshotArtifacts(ctx, stageDir)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the cross build phase wiping the working tree.
	if err := os.RemoveAll(ctx.BuildDir()); err != nil {
		t.Fatal(err)
	}

	if err := restoreSnapshot(ctx, snapDir, metaPath); err != nil {
		t.Fatalf("restoreSnapshot: %v", err)
	}

	restored := filepath.Join(ctx.ArtifactDir(), "lib", "dune", "META")
	if got := mustReadFile(t, restored); got != "version: \"3.20.2\"" {
		t.Errorf("restored META: want: %q, got: %q", "version: \"3.20.2\"", got)
	}
	if !fileExists(ctx.MetadataFile()) {
		t.Error("install metadata was not restored")
	}
}
