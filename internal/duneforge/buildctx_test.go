package duneforge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setPackage pins the package name for the duration of one test.
func setPackage(t *testing.T, name string) {
	t.Helper()
	old := Package
	Package = name
	t.Cleanup(func() { Package = old })
}

// clearBuildEnv blanks every variable resolveBuildContext reads so a test
// starts from a known-empty build environment.
func clearBuildEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"build_platform", "target_platform", "PREFIX", "BUILD_PREFIX",
		"CONDA_TOOLCHAIN_HOST", "CONDA_BUILD_CROSS_COMPILATION",
		"CPU_COUNT", "DUNEFORGE_TARGET_PREFIX",
	} {
		t.Setenv(key, "")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("DUNEFORGE_TEST_KEY", "from-env")
	cfg := &Config{Values: map[string]string{"conf_key": "from-conf"}}

	tests := []struct {
		envKey  string
		confKey string
		def     string
		want    string
	}{
		{"DUNEFORGE_TEST_KEY", "conf_key", "fallback", "from-env"},
		{"DUNEFORGE_TEST_UNSET", "conf_key", "fallback", "from-conf"},
		{"DUNEFORGE_TEST_UNSET", "conf_missing", "fallback", "fallback"},
		{"DUNEFORGE_TEST_UNSET", "conf_missing", "", ""},
	}
	for _, tt := range tests {
		if got := envOr(cfg, tt.envKey, tt.confKey, tt.def); got != tt.want {
			t.Errorf("envOr(%q, %q, %q): want: %q, got: %q",
				tt.envKey, tt.confKey, tt.def, tt.want, got)
		}
	}
}

func TestResolveBuildContextCross(t *testing.T) {
	clearBuildEnv(t)
	t.Setenv("build_platform", "linux-64")
	t.Setenv("target_platform", "osx-arm64")
	t.Setenv("PREFIX", "/opt/target")
	t.Setenv("BUILD_PREFIX", "/opt/build")
	t.Setenv("CONDA_TOOLCHAIN_HOST", "arm64-apple-darwin20.0.0")
	t.Setenv("CONDA_BUILD_CROSS_COMPILATION", "1")
	t.Setenv("CPU_COUNT", "4")

	src := t.TempDir()
	cfg := &Config{Values: map[string]string{}}
	ctx, err := resolveBuildContext(cfg, src)
	if err != nil {
		t.Fatalf("resolveBuildContext: %v", err)
	}

	if ctx.BuildPlatform != "linux-64" {
		t.Errorf("BuildPlatform: want: %q, got: %q", "linux-64", ctx.BuildPlatform)
	}
	if ctx.TargetPlatform != "osx-arm64" {
		t.Errorf("TargetPlatform: want: %q, got: %q", "osx-arm64", ctx.TargetPlatform)
	}
	if ctx.Prefix != "/opt/target" {
		t.Errorf("Prefix: want: %q, got: %q", "/opt/target", ctx.Prefix)
	}
	if ctx.TargetPrefix != "/opt/target" {
		t.Errorf("TargetPrefix should default to Prefix: want: %q, got: %q",
			"/opt/target", ctx.TargetPrefix)
	}
	if ctx.ToolchainHost != "arm64-apple-darwin20.0.0" {
		t.Errorf("ToolchainHost: want: %q, got: %q",
			"arm64-apple-darwin20.0.0", ctx.ToolchainHost)
	}
	if !ctx.Cross {
		t.Error("Cross: want: true, got: false")
	}
	if ctx.Jobs != 4 {
		t.Errorf("Jobs: want: 4, got: %d", ctx.Jobs)
	}
	if ctx.SourceDir != src {
		t.Errorf("SourceDir: want: %q, got: %q", src, ctx.SourceDir)
	}
}

func TestResolveBuildContextConfigFallback(t *testing.T) {
	clearBuildEnv(t)
	cfg := &Config{Values: map[string]string{
		"DUNEFORGE_PREFIX":          "/usr/local",
		"DUNEFORGE_BUILD_PLATFORM":  "linux-aarch64",
		"DUNEFORGE_TARGET_PLATFORM": "",
		"DUNEFORGE_JOBS":            "2",
	}}

	ctx, err := resolveBuildContext(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("resolveBuildContext: %v", err)
	}
	if ctx.BuildPlatform != "linux-aarch64" {
		t.Errorf("BuildPlatform: want: %q, got: %q", "linux-aarch64", ctx.BuildPlatform)
	}
	if ctx.TargetPlatform != "linux-aarch64" {
		t.Errorf("TargetPlatform should default to BuildPlatform: want: %q, got: %q",
			"linux-aarch64", ctx.TargetPlatform)
	}
	if ctx.Cross {
		t.Error("Cross: want: false, got: true")
	}
	if ctx.Jobs != 2 {
		t.Errorf("Jobs: want: 2, got: %d", ctx.Jobs)
	}
}

func TestResolveBuildContextEnvBeatsConfig(t *testing.T) {
	clearBuildEnv(t)
	t.Setenv("PREFIX", "/from/env")
	cfg := &Config{Values: map[string]string{"DUNEFORGE_PREFIX": "/from/conf"}}

	ctx, err := resolveBuildContext(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("resolveBuildContext: %v", err)
	}
	if ctx.Prefix != "/from/env" {
		t.Errorf("Prefix: want: %q, got: %q", "/from/env", ctx.Prefix)
	}
}

func TestResolveBuildContextMissingPrefix(t *testing.T) {
	clearBuildEnv(t)
	cfg := &Config{Values: map[string]string{}}
	if _, err := resolveBuildContext(cfg, t.TempDir()); err == nil {
		t.Error("resolveBuildContext without a prefix: want error, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ctx     BuildContext
		wantErr bool
	}{
		{"native", BuildContext{Prefix: "/p", TargetPrefix: "/p"}, false},
		{"missing prefix", BuildContext{}, true},
		{"cross complete", BuildContext{
			Prefix: "/p", TargetPrefix: "/p", BuildPrefix: "/b",
			ToolchainHost: "aarch64-conda-linux-gnu", Cross: true,
		}, false},
		{"cross without build prefix", BuildContext{
			Prefix: "/p", TargetPrefix: "/p",
			ToolchainHost: "aarch64-conda-linux-gnu", Cross: true,
		}, true},
		{"cross without toolchain host", BuildContext{
			Prefix: "/p", TargetPrefix: "/p", BuildPrefix: "/b", Cross: true,
		}, true},
		{"cross prefixes collapse", BuildContext{
			Prefix: "/b", TargetPrefix: "/b", BuildPrefix: "/b",
			ToolchainHost: "aarch64-conda-linux-gnu", Cross: true,
		}, true},
	}
	for _, tt := range tests {
		err := tt.ctx.validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("validate %s: want error: %v, got: %v", tt.name, tt.wantErr, err)
		}
	}
}

func TestCurrentPlatform(t *testing.T) {
	got := currentPlatform()
	if got == "" {
		t.Fatal("currentPlatform: want a platform string, got empty")
	}
	if !strings.HasPrefix(got, "linux") && !strings.HasPrefix(got, "osx") {
		t.Errorf("currentPlatform: want a linux or osx platform, got: %q", got)
	}
	if !strings.Contains(got, "-") {
		t.Errorf("currentPlatform: want os-arch form, got: %q", got)
	}
}

func TestDerivedPaths(t *testing.T) {
	setPackage(t, "dune")
	c := &BuildContext{
		SourceDir:    "/src/dune",
		BuildPrefix:  "/opt/build",
		TargetPrefix: "/opt/target",
	}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"BuildDir", c.BuildDir(), "/src/dune/_build"},
		{"BootDir", c.BootDir(), "/src/dune/_boot"},
		{"ArtifactDir", c.ArtifactDir(), "/src/dune/_build/install/default"},
		{"MetadataFile", c.MetadataFile(), "/src/dune/_build/dune.install"},
		{"CrossBinary", c.CrossBinary(), "/src/dune/_boot/dune.exe"},
		{"BootstrapHelper", c.BootstrapHelper(), "/src/dune/duneboot.exe"},
		{"BuildBinDir", c.BuildBinDir(), "/opt/build/bin"},
		{"TargetLibDir", c.TargetLibDir(), "/opt/target/lib"},
		{"OCamlLibDir", c.OCamlLibDir(), "/opt/target/lib/ocaml"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: want: %q, got: %q", tt.name, tt.want, tt.got)
		}
	}
}

func TestTripleLibDir(t *testing.T) {
	prefix := t.TempDir()
	triple := "aarch64-conda-linux-gnu"
	c := &BuildContext{TargetPrefix: prefix, ToolchainHost: triple}

	if got := c.TripleLibDir(); got != "" {
		t.Errorf("TripleLibDir without runtime tree: want: %q, got: %q", "", got)
	}

	dir := filepath.Join(prefix, "lib", triple, "ocaml")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := c.TripleLibDir(); got != dir {
		t.Errorf("TripleLibDir with runtime tree: want: %q, got: %q", dir, got)
	}

	c.ToolchainHost = ""
	if got := c.TripleLibDir(); got != "" {
		t.Errorf("TripleLibDir without toolchain host: want: %q, got: %q", "", got)
	}
}
