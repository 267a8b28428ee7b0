package duneforge

import (
	"context"
	"path/filepath"
	"testing"
)

func TestIsStrippableScript(t *testing.T) {
	// Shell scripts in bin/ must never be handed to strip, whatever
	// file(1) has to say about them.
	path := filepath.Join(t.TempDir(), "wrapper")
	mustWriteFile(t, path, "#!/bin/sh\nexec dune \"$@\"\n", 0o755)
	if isStrippable(path) {
		t.Errorf("isStrippable(%q): want: false, got: true", path)
	}
}

func TestStripTreeNoCandidates(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "README"), "docs", 0o644)

	exe := NewExecutor(context.Background())
	if err := stripTree(exe, dir, nil); err != nil {
		t.Errorf("stripTree without executables: want nil, got: %v", err)
	}
}

func TestStripTreeMissingDir(t *testing.T) {
	exe := NewExecutor(context.Background())
	if err := stripTree(exe, filepath.Join(t.TempDir(), "absent"), nil); err != nil {
		t.Errorf("stripTree on a missing dir: want nil, got: %v", err)
	}
}
