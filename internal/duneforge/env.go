package duneforge

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Env is an explicit set of environment overrides threaded through the
// orchestration phases. Nothing is exported to the process environment;
// the overrides are materialized onto a command right before it starts.
// Search-path edits are additive only: entries are prepended ahead of
// whatever the caller already had, never removed.
type Env struct {
	vars map[string]string
}

func NewEnv() *Env {
	return &Env{vars: make(map[string]string)}
}

// Clone returns an independent copy. Phases extend a clone so a failed
// attempt cannot leak overrides into the fallback attempt.
func (e *Env) Clone() *Env {
	c := NewEnv()
	for k, v := range e.vars {
		c.vars[k] = v
	}
	return c
}

func (e *Env) Set(key, val string) {
	e.vars[key] = val
}

// Get returns the effective value: an override if present, the process
// environment otherwise.
func (e *Env) Get(key string) string {
	if v, ok := e.vars[key]; ok {
		return v
	}
	return os.Getenv(key)
}

// Prepend puts entry ahead of the current value of a colon-separated
// path list. The pre-existing value survives unmodified as a suffix.
func (e *Env) Prepend(key, entry string) {
	cur := e.Get(key)
	if cur == "" {
		e.vars[key] = entry
		return
	}
	e.vars[key] = entry + ":" + cur
}

// PrependFlag puts a flag ahead of a space-separated flag list (LDFLAGS
// style), preserving the existing flags.
func (e *Env) PrependFlag(key, flag string) {
	cur := e.Get(key)
	if cur == "" {
		e.vars[key] = flag
		return
	}
	e.vars[key] = flag + " " + cur
}

// Keys returns the overridden keys, sorted.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Environ materializes the overrides on top of the process environment:
// inherited entries first (minus the keys we override), then our keys in
// sorted order so command transcripts are reproducible.
func (e *Env) Environ() []string {
	out := make([]string, 0, len(os.Environ())+len(e.vars))
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, overridden := e.vars[name]; overridden {
				continue
			}
		}
		out = append(out, kv)
	}
	for _, k := range e.Keys() {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}

// apply wires the materialized environment onto a command.
func (e *Env) apply(cmd *exec.Cmd) {
	cmd.Env = e.Environ()
}

// dump prints the overrides for `duneforge env` and debug transcripts.
func (e *Env) dump(p colorPrinter) {
	for _, k := range e.Keys() {
		cPrintf(p, "%s=%s\n", k, e.vars[k])
	}
}

// composeBootstrapEnv derives the environment for building and running the
// bootstrap helper. The helper executes on the build machine but must link
// and resolve against the target prefix, so the runtime library root points
// at the target tree and target library roots come first on the search
// path, ahead of any build prefix entries and ahead of whatever the caller
// exported.
func composeBootstrapEnv(ctx *BuildContext) *Env {
	env := NewEnv()

	env.Set("OCAMLLIB", ctx.OCamlLibDir())

	if ctx.BuildPrefix != "" {
		env.Prepend("LIBRARY_PATH", filepath.Join(ctx.BuildPrefix, "lib"))
	}
	env.Prepend("LIBRARY_PATH", ctx.TargetLibDir())
	env.Prepend("LIBRARY_PATH", ctx.OCamlLibDir())

	// macOS resolves target-linked dynamic libraries at load time, not
	// link time, so the fallback path has to name the target tree too.
	if ctx.IsMacOS() {
		if ctx.BuildPrefix != "" {
			env.Prepend("DYLD_FALLBACK_LIBRARY_PATH", filepath.Join(ctx.BuildPrefix, "lib"))
		}
		env.Prepend("DYLD_FALLBACK_LIBRARY_PATH", ctx.TargetLibDir())
	}

	return env
}

// configureCrossEnv extends the environment after the toolchain swap: the
// target C compiler, the link command templates, and triple-prefixed
// binutils. A triple-specific runtime tree, when present, outranks the
// generic target entries.
func configureCrossEnv(ctx *BuildContext, env *Env, triple string) {
	cc := ctx.TargetCompiler(triple)
	env.Set("CC", cc)

	if ctx.IsMacOS() {
		env.Set("MKEXE", cc)
		env.Set("MKDLL", cc+" -dynamiclib")
	} else {
		// Exported symbols stay visible to dlopen'd stubs on ELF targets.
		env.Set("MKEXE", cc+" -ldl -Wl,-E")
		env.Set("MKDLL", cc+" -shared")
	}

	env.Set("AR", triple+"-ar")
	env.Set("AS", triple+"-as")
	env.Set("LD", triple+"-ld")

	if dir := ctx.TripleLibDir(); dir != "" {
		env.Set("OCAMLLIB", dir)
		env.Prepend("LIBRARY_PATH", dir)
		env.PrependFlag("LDFLAGS", "-L"+dir)
		debugf("=> Using triple runtime tree: %s\n", dir)
	}
}

// describeEnv is the one-line summary shown with the phase banner.
func describeEnv(env *Env) string {
	return fmt.Sprintf("%d override(s)", len(env.vars))
}
