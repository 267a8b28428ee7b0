package duneforge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const snapshotManifest = "snapshot.b3sums"

// Inert stand-in installed at the canonical binary path during phase 1.
// Reassembly replaces it with the real cross binary; until then nothing
// may succeed in running it.
var placeholderBinary = []byte("#!/bin/sh\nexit 1\n")

// snapshotArtifacts deep-copies the artifact tree and the install metadata
// file into the stage, dereferencing symlinks so the copies survive the
// removal of the working build directory. A BLAKE3 manifest of the copy is
// written next to it for the post-reassembly integrity check.
func snapshotArtifacts(ctx *BuildContext, stageDir string) (string, string, error) {
	snapDir := filepath.Join(stageDir, "snapshot")

	if err := copyTreeDeref(ctx.ArtifactDir(), snapDir); err != nil {
		return "", "", fmt.Errorf("snapshotting %s: %w", ctx.ArtifactDir(), err)
	}

	metaPath := filepath.Join(stageDir, Package+".install")
	if err := copyFile(ctx.MetadataFile(), metaPath); err != nil {
		return "", "", fmt.Errorf("saving install metadata: %w", err)
	}

	sums, err := hashTree(snapDir, nil)
	if err != nil {
		return "", "", err
	}
	if err := writeManifest(filepath.Join(stageDir, snapshotManifest), sums); err != nil {
		return "", "", err
	}

	debugf("=> Snapshot: %d files under %s\n", len(sums), snapDir)
	return snapDir, metaPath, nil
}

// installPlaceholder puts the inert stand-in at bin/<name> inside an
// artifact tree, replacing whatever the build left there (usually a
// symlink into the working directory).
func installPlaceholder(treeDir, name string) error {
	binDir := filepath.Join(treeDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(binDir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, placeholderBinary, 0o755)
}

// reassemble substitutes the cross-compiled binary into the snapshot at
// the canonical path. Everything else in the tree stays byte-identical.
func reassemble(snapDir, crossBinary, name string) error {
	state, _, err := probePath(crossBinary)
	if state == pathError {
		return err
	}
	if state == pathAbsent {
		return fmt.Errorf("cross-compiled binary not found at %s", crossBinary)
	}

	dst := filepath.Join(snapDir, "bin", name)
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing placeholder %s: %w", dst, err)
	}
	if err := copyFile(crossBinary, dst); err != nil {
		return fmt.Errorf("installing %s: %w", dst, err)
	}
	return os.Chmod(dst, 0o755)
}

// verifySnapshotIntact confirms that reassembly touched only the binary:
// every other file still matches the manifest taken at snapshot time.
func verifySnapshotIntact(stageDir, snapDir, name string) error {
	skip := map[string]bool{filepath.Join("bin", name): true}
	bad, err := verifyTree(snapDir, filepath.Join(stageDir, snapshotManifest), skip)
	if err != nil {
		return err
	}
	if len(bad) > 0 {
		if len(bad) > 5 {
			bad = append(bad[:5], fmt.Sprintf("and %d more", len(bad)-5))
		}
		return fmt.Errorf("snapshot corrupted during reassembly: %s", strings.Join(bad, ", "))
	}
	return nil
}

// restoreSnapshot copies the reassembled tree and metadata back under the
// working build directory so the final install step finds the layout it
// expects.
func restoreSnapshot(ctx *BuildContext, snapDir, metaPath string) error {
	if err := os.MkdirAll(filepath.Dir(ctx.ArtifactDir()), 0o755); err != nil {
		return err
	}
	if err := copyTree(snapDir, ctx.ArtifactDir()); err != nil {
		return fmt.Errorf("restoring artifact tree: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ctx.MetadataFile()), 0o755); err != nil {
		return err
	}
	if err := copyFile(metaPath, ctx.MetadataFile()); err != nil {
		return fmt.Errorf("restoring install metadata: %w", err)
	}
	return nil
}
