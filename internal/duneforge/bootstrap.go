package duneforge

import (
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
)

// Boot sources compiled into the helper. libs.ml embeds the file lists the
// helper needs; duneboot.ml is the mini build driver itself.
var bootSources = []string{
	filepath.Join("boot", "libs.ml"),
	filepath.Join("boot", "duneboot.ml"),
}

// buildNativeBootstrap compiles the bootstrap helper with the native, still
// unswapped compiler. The helper executes on the build machine, so code
// generation is native, but it links against the target prefix: OCAMLLIB
// and the library path in env already point there. On macOS the zstd
// dylib from the target tree is linked in explicitly with an rpath,
// because load-time resolution will not search the target prefix on its
// own. Must complete before the toolchain swap.
func buildNativeBootstrap(ctx *BuildContext, env *Env, exe *Executor, logw io.Writer) (string, error) {
	for _, src := range bootSources {
		state, _, err := probePath(filepath.Join(ctx.SourceDir, src))
		if state == pathError {
			return "", err
		}
		if state == pathAbsent {
			return "", fmt.Errorf("bootstrap source %s not found under %s", src, ctx.SourceDir)
		}
	}

	helper := ctx.BootstrapHelper()

	// -custom embeds the runtime so the helper is one self-contained
	// executable. The interface suffix is pointed at a name that never
	// exists, which makes the compiler treat all .mli files as absent.
	args := []string{"-custom", "-intf-suffix", ".dummy", "-I", "+unix", "unix.cma"}
	args = append(args, bootSources...)
	args = append(args, "-o", helper)

	if ctx.IsMacOS() {
		args = append(args,
			filepath.Join(ctx.TargetLibDir(), "libzstd.dylib"),
			"-cclib", "-Wl,-rpath,"+ctx.TargetLibDir())
	}

	cmd := exec.Command("ocamlc", args...)
	cmd.Dir = ctx.SourceDir
	env.apply(cmd)
	teeOutput(cmd, logw)

	if err := exe.Run(cmd); err != nil {
		return "", fmt.Errorf("native bootstrap compile failed: %w", err)
	}
	return helper, nil
}
