package duneforge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "", "af1349b9f5f9a1a6a0404dee36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
		{"abc", "abc", "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85"},
	}
	dir := t.TempDir()
	for _, tt := range tests {
		path := filepath.Join(dir, tt.name)
		mustWriteFile(t, path, tt.content, 0o644)
		got, err := hashFile(path)
		if err != nil {
			t.Fatalf("hashFile(%q): %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("hashFile(%q): want: %q, got: %q", tt.name, tt.want, got)
		}
	}
}

func TestHashFileMissing(t *testing.T) {
	if _, err := hashFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("hashFile on a missing file: want error, got nil")
	}
}

func TestHashTree(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "bin", "dune"), "binary", 0o755)
	mustWriteFile(t, filepath.Join(root, "lib", "meta"), "meta", 0o644)
	mustWriteFile(t, filepath.Join(root, "skipme"), "x", 0o644)

	sums, err := hashTree(root, map[string]bool{"skipme": true})
	if err != nil {
		t.Fatalf("hashTree: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("hashTree entries: want: 2, got: %d (%v)", len(sums), sums)
	}
	if _, ok := sums["skipme"]; ok {
		t.Error("hashTree hashed a skipped path")
	}

	want, err := hashFile(filepath.Join(root, "bin", "dune"))
	if err != nil {
		t.Fatal(err)
	}
	if got := sums["bin/dune"]; got != want {
		t.Errorf("hashTree[bin/dune]: want: %q, got: %q", want, got)
	}
}

func TestManifestRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.b3sums")
	sums := map[string]string{
		"bin/dune":      "af1349b9f5f9a1a6a0404dee36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		"lib/dune/META": "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85",
	}
	if err := writeManifest(path, sums); err != nil {
		t.Fatalf("writeManifest: %v", err)
	}

	got, err := readManifest(path)
	if err != nil {
		t.Fatalf("readManifest: %v", err)
	}
	if len(got) != len(sums) {
		t.Fatalf("roundtrip size: want: %d, got: %d", len(sums), len(got))
	}
	for rel, sum := range sums {
		if got[rel] != sum {
			t.Errorf("roundtrip[%q]: want: %q, got: %q", rel, sum, got[rel])
		}
	}
}

func TestReadManifestMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.b3sums")
	mustWriteFile(t, path, "deadbeef bin/dune\n", 0o644)
	if _, err := readManifest(path); err == nil {
		t.Error("readManifest on a single-space line: want error, got nil")
	}
}

func TestVerifyTree(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "bin", "dune"), "binary", 0o755)
	mustWriteFile(t, filepath.Join(root, "lib", "meta"), "meta", 0o644)

	manifest := filepath.Join(t.TempDir(), "snapshot.b3sums")
	sums, err := hashTree(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeManifest(manifest, sums); err != nil {
		t.Fatal(err)
	}

	bad, err := verifyTree(root, manifest, nil)
	if err != nil {
		t.Fatalf("verifyTree on clean tree: %v", err)
	}
	if len(bad) != 0 {
		t.Errorf("verifyTree on clean tree: want no problems, got: %v", bad)
	}

	// Corrupt one file, remove another, add a third.
	mustWriteFile(t, filepath.Join(root, "bin", "dune"), "tampered", 0o755)
	if err := os.Remove(filepath.Join(root, "lib", "meta")); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(root, "intruder"), "x", 0o644)

	bad, err = verifyTree(root, manifest, nil)
	if err != nil {
		t.Fatalf("verifyTree on damaged tree: %v", err)
	}
	want := []string{"bin/dune", "intruder (unexpected)", "lib/meta (missing)"}
	if len(bad) != len(want) {
		t.Fatalf("verifyTree problems: want: %v, got: %v", want, bad)
	}
	for i := range want {
		if bad[i] != want[i] {
			t.Errorf("verifyTree[%d]: want: %q, got: %q", i, want[i], bad[i])
		}
	}
}

func TestVerifyTreeSkip(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "bin", "dune"), "original", 0o755)

	manifest := filepath.Join(t.TempDir(), "snapshot.b3sums")
	sums, err := hashTree(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeManifest(manifest, sums); err != nil {
		t.Fatal(err)
	}

	mustWriteFile(t, filepath.Join(root, "bin", "dune"), "replaced", 0o755)

	bad, err := verifyTree(root, manifest, map[string]bool{"bin/dune": true})
	if err != nil {
		t.Fatalf("verifyTree: %v", err)
	}
	if len(bad) != 0 {
		t.Errorf("verifyTree with skip: want no problems, got: %v", bad)
	}
}
