package duneforge

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// BuildContext is the per-run build configuration, resolved once at startup
// from conda-build environment variables with config-file fallbacks. It is
// immutable for the duration of one orchestration run; every phase reads it
// instead of the ambient process environment.
type BuildContext struct {
	BuildPlatform  string // e.g. linux-64
	TargetPlatform string // e.g. osx-arm64
	Prefix         string // install prefix ($PREFIX)
	BuildPrefix    string // build-time tools ($BUILD_PREFIX)
	TargetPrefix   string // target libraries/headers; $PREFIX under conda
	ToolchainHost  string // cross toolchain triple ($CONDA_TOOLCHAIN_HOST)
	SourceDir      string // package source checkout
	Jobs           int
	Cross          bool
}

// envOr reads an environment variable, falling back to a config key, then
// to a default.
func envOr(cfg *Config, envKey, confKey, def string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if v := cfg.Values[confKey]; v != "" {
		return v
	}
	return def
}

// resolveBuildContext builds the immutable per-run context. Conda exports
// win; DUNEFORGE_* config keys let the tool run outside conda-build.
func resolveBuildContext(cfg *Config, sourceDir string) (*BuildContext, error) {
	if sourceDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("cannot determine source directory: %w", err)
		}
		sourceDir = wd
	}
	abs, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve source directory %s: %w", sourceDir, err)
	}

	ctx := &BuildContext{
		BuildPlatform:  envOr(cfg, "build_platform", "DUNEFORGE_BUILD_PLATFORM", currentPlatform()),
		TargetPlatform: envOr(cfg, "target_platform", "DUNEFORGE_TARGET_PLATFORM", ""),
		Prefix:         envOr(cfg, "PREFIX", "DUNEFORGE_PREFIX", ""),
		BuildPrefix:    envOr(cfg, "BUILD_PREFIX", "DUNEFORGE_BUILD_PREFIX", ""),
		ToolchainHost:  envOr(cfg, "CONDA_TOOLCHAIN_HOST", "DUNEFORGE_TOOLCHAIN_HOST", ""),
		SourceDir:      abs,
		Cross:          affirmative(envOr(cfg, "CONDA_BUILD_CROSS_COMPILATION", "DUNEFORGE_CROSS", "")),
	}
	if ctx.TargetPlatform == "" {
		ctx.TargetPlatform = ctx.BuildPlatform
	}

	// Target libraries live under the install prefix; conda keeps build-time
	// tools in a separate prefix during cross builds.
	ctx.TargetPrefix = envOr(cfg, "DUNEFORGE_TARGET_PREFIX", "DUNEFORGE_TARGET_PREFIX", ctx.Prefix)

	ctx.Jobs = runtime.NumCPU()
	if v := envOr(cfg, "CPU_COUNT", "DUNEFORGE_JOBS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ctx.Jobs = n
		}
	}

	if err := ctx.validate(); err != nil {
		return nil, err
	}
	return ctx, nil
}

func (c *BuildContext) validate() error {
	if c.Prefix == "" {
		return fmt.Errorf("install prefix is not set (export PREFIX or set DUNEFORGE_PREFIX)")
	}
	if c.Cross {
		if c.BuildPrefix == "" {
			return fmt.Errorf("cross build requested but BUILD_PREFIX is not set")
		}
		if c.ToolchainHost == "" {
			return fmt.Errorf("cross build requested but CONDA_TOOLCHAIN_HOST is not set")
		}
		// The two prefixes must never collapse into one tree when cross
		// compiling: the swap mutates BuildPrefix/bin while the link step
		// reads TargetPrefix/lib.
		if c.TargetPrefix == c.BuildPrefix {
			return fmt.Errorf("target prefix and build prefix are the same directory (%s) in a cross build", c.TargetPrefix)
		}
	}
	return nil
}

// currentPlatform maps the host to a conda platform string.
func currentPlatform() string {
	osName := "linux"
	if runtime.GOOS == "darwin" {
		osName = "osx"
	}
	switch runtime.GOARCH {
	case "amd64":
		return osName + "-64"
	case "arm64":
		if osName == "osx" {
			return "osx-arm64"
		}
		return "linux-aarch64"
	case "ppc64le":
		return "linux-ppc64le"
	default:
		return osName + "-" + runtime.GOARCH
	}
}

// Derived locations. The working tree layout mirrors what the build tool
// itself produces: _build for regular builds, _boot for the bootstrap output.

func (c *BuildContext) BuildDir() string {
	return filepath.Join(c.SourceDir, "_build")
}

func (c *BuildContext) BootDir() string {
	return filepath.Join(c.SourceDir, "_boot")
}

// ArtifactDir is the install layout the build tool assembles under _build.
func (c *BuildContext) ArtifactDir() string {
	return filepath.Join(c.BuildDir(), "install", "default")
}

// MetadataFile describes the installable file categories for the package.
func (c *BuildContext) MetadataFile() string {
	return filepath.Join(c.BuildDir(), Package+".install")
}

// CrossBinary is where the re-run bootstrap helper leaves the target binary.
func (c *BuildContext) CrossBinary() string {
	return filepath.Join(c.BootDir(), Package+".exe")
}

// BootstrapHelper is the native helper produced before the toolchain swap.
func (c *BuildContext) BootstrapHelper() string {
	return filepath.Join(c.SourceDir, "duneboot.exe")
}

func (c *BuildContext) BuildBinDir() string {
	return filepath.Join(c.BuildPrefix, "bin")
}

func (c *BuildContext) TargetLibDir() string {
	return filepath.Join(c.TargetPrefix, "lib")
}

func (c *BuildContext) OCamlLibDir() string {
	return filepath.Join(c.TargetPrefix, "lib", "ocaml")
}

// TripleLibDir is the triple-specific OCaml runtime tree some cross
// compiler packages install; empty string when absent.
func (c *BuildContext) TripleLibDir() string {
	if c.ToolchainHost == "" {
		return ""
	}
	dir := filepath.Join(c.TargetPrefix, "lib", c.ToolchainHost, "ocaml")
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		return dir
	}
	return ""
}
