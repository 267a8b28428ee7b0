package duneforge

import (
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Strategy selects how phase 1 artifacts are produced and how phase 5
// installs them.
type Strategy int

const (
	// StrategyFast reuses an already-installed build tool binary.
	StrategyFast Strategy = iota
	// StrategyFull builds everything from source via make.
	StrategyFull
)

func (s Strategy) String() string {
	if s == StrategyFast {
		return "fast path"
	}
	return "full bootstrap"
}

var phaseNames = [6]string{
	1: "artifact generation",
	2: "bootstrap build",
	3: "toolchain swap",
	4: "cross build",
	5: "reassembly and install",
}

// Orchestrator drives the cross-compilation bootstrap: five phases per
// attempt, fast path first when a usable build tool exists, full source
// bootstrap as the fallback.
type Orchestrator struct {
	ctx *BuildContext
	cfg *Config
	exe *Executor

	// fastBinary is the pre-existing build tool, empty once the fallback
	// begins: nothing may invoke it after that point.
	fastBinary  string
	fastVersion string
	forceFull   bool
}

func newOrchestrator(ctx *BuildContext, cfg *Config, exe *Executor, forceFull bool) *Orchestrator {
	return &Orchestrator{ctx: ctx, cfg: cfg, exe: exe, forceFull: forceFull}
}

// attempt is the transient state of one strategy execution. It is created
// fresh per attempt and its build state is torn down before any retry, so
// a fallback run never sees leftovers from the failed fast path.
type attempt struct {
	strategy Strategy
	stageDir string
	log      *os.File
	env      *Env
	helper   string
	snapDir  string
	metaPath string
	token    *SwapToken
}

// newStageLog creates a fresh stage directory with a log file inside.
func newStageLog(tag string) (string, *os.File, error) {
	name := fmt.Sprintf("duneforge-%s-%s-%06x", Package, tag, rand.Int63n(1<<24))
	stageDir := filepath.Join(stageRoot, name)
	if err := os.MkdirAll(filepath.Join(stageDir, "log"), 0o755); err != nil {
		return "", nil, fmt.Errorf("creating stage %s: %w", stageDir, err)
	}
	logf, err := os.Create(filepath.Join(stageDir, "log", "build-log.txt"))
	if err != nil {
		return "", nil, err
	}
	return stageDir, logf, nil
}

func newAttempt(s Strategy) (*attempt, error) {
	stageDir, logf, err := newStageLog(strategyTag(s))
	if err != nil {
		return nil, err
	}
	return &attempt{strategy: s, stageDir: stageDir, log: logf}, nil
}

func strategyTag(s Strategy) string {
	if s == StrategyFast {
		return "fast"
	}
	return "full"
}

func (at *attempt) tokenPath() string {
	return filepath.Join(at.stageDir, "swap-token.json")
}

func (at *attempt) close() {
	if at.log != nil {
		at.log.Close()
		at.log = nil
	}
}

// rotateStageLog compresses a finished stage log in place. The viewer and
// the pager read both plain and rotated logs, so compression is best
// effort.
func rotateStageLog(stageDir string) {
	logPath := filepath.Join(stageDir, "log", "build-log.txt")
	if err := compressLogXZ(logPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to compress build log: %v\n", err)
	}
}

// teardown removes everything this attempt built: the working tree state
// and the staged snapshot/metadata. The log and the swap token survive for
// diagnosis; neither feeds a later attempt.
func (at *attempt) teardown(ctx *BuildContext) error {
	if err := cleanWorkingState(ctx); err != nil {
		return err
	}
	for _, p := range []string{
		filepath.Join(at.stageDir, "snapshot"),
		filepath.Join(at.stageDir, snapshotManifest),
		filepath.Join(at.stageDir, Package+".install"),
	} {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("tearing down %s: %w", p, err)
		}
	}
	return nil
}

// cleanWorkingState removes the build tool's working directories and the
// bootstrap helper. Safe to call when nothing exists; calling it twice is
// the same as calling it once.
func cleanWorkingState(ctx *BuildContext) error {
	for _, p := range []string{ctx.BuildDir(), ctx.BootDir(), ctx.BootstrapHelper()} {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("cleaning %s: %w", p, err)
		}
	}
	return nil
}

// Run executes the orchestration: fast path when the precondition binary
// answers --version, full source bootstrap otherwise or after a fast
// failure. A full-bootstrap failure is final.
func (o *Orchestrator) Run() error {
	if !o.ctx.IsCross() {
		return fmt.Errorf("cross bootstrap requested but this is not a cross build")
	}
	if o.ctx.IsNonUnixTarget() {
		return fmt.Errorf("no bootstrap path for target platform %s", o.ctx.TargetPlatform)
	}

	if !o.forceFull {
		o.fastBinary, o.fastVersion = probeFastBinary(o.exe)
	}

	if o.fastBinary != "" {
		colArrow.Print("-> ")
		colSuccess.Printf("Using fast path via %s (%s)\n", o.fastBinary, o.fastVersion)
		err := o.attempt(StrategyFast)
		if err == nil {
			return nil
		}
		colArrow.Print("-> ")
		colWarn.Printf("Fast path failed: %v\n", err)
		colArrow.Print("-> ")
		colWarn.Println("Falling back to the full source bootstrap")
		o.fastBinary = ""
	} else {
		colArrow.Print("-> ")
		colSuccess.Printf("No usable %s binary, using the full source bootstrap\n", Package)
	}

	return o.attempt(StrategyFull)
}

// probeFastBinary looks for the build tool on PATH and checks that it
// answers a version query. Anything less means the fast path precondition
// is not met; that is not an error.
func probeFastBinary(exe *Executor) (string, string) {
	path, err := exec.LookPath(Package)
	if err != nil {
		debugf("=> %s not on PATH: %v\n", Package, err)
		return "", ""
	}
	out, err := exec.CommandContext(exe.Context, path, "--version").Output()
	if err != nil {
		debugf("=> %s --version failed: %v\n", path, err)
		return "", ""
	}
	return path, strings.TrimSpace(string(out))
}

func phaseErr(phase int, err error) error {
	return fmt.Errorf("phase %d/5 (%s) failed: %w", phase, phaseNames[phase], err)
}

// attempt runs all five phases of one strategy against pristine working
// state. On failure the attempt's build state is torn down before the
// error propagates, so the caller can retry with the other strategy.
func (o *Orchestrator) attempt(s Strategy) error {
	if err := cleanWorkingState(o.ctx); err != nil {
		return err
	}

	at, err := newAttempt(s)
	if err != nil {
		return err
	}
	defer at.close()

	runErr := o.runPhases(at)
	if runErr != nil {
		if terr := at.teardown(o.ctx); terr != nil {
			colArrow.Print("-> ")
			colError.Printf("Teardown after failure incomplete: %v\n", terr)
		}
		at.close()
		rotateStageLog(at.stageDir)
		colArrow.Print("-> ")
		colNote.Printf("Logs kept at %s\n", at.stageDir)
		return runErr
	}

	at.close()
	if !KeepStage {
		// The toolchain stays swapped after a successful build, so the
		// reversal token has to outlive the stage.
		if fileExists(at.tokenPath()) {
			if err := os.Rename(at.tokenPath(), defaultSwapTokenPath()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to keep swap token: %v\n", err)
			}
		}
		os.RemoveAll(at.stageDir)
	} else {
		rotateStageLog(at.stageDir)
		colArrow.Print("-> ")
		colNote.Printf("Stage kept at %s\n", at.stageDir)
	}
	return nil
}

func (o *Orchestrator) runPhases(at *attempt) error {
	if err := o.phaseArtifacts(at); err != nil {
		return phaseErr(1, err)
	}
	if err := o.phaseBootstrap(at); err != nil {
		return phaseErr(2, err)
	}
	if err := o.phaseToolchain(at); err != nil {
		return phaseErr(3, err)
	}
	if err := o.phaseCrossBuild(at); err != nil {
		return phaseErr(4, err)
	}
	if err := o.phaseReassembly(at); err != nil {
		return phaseErr(5, err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Bootstrap complete: %s\n", filepath.Join(o.ctx.Prefix, "bin", Package))
	return nil
}

func (o *Orchestrator) banner(at *attempt, phase int, detail string) {
	colArrow.Print("-> ")
	if detail != "" {
		colSuccess.Printf("[%d/5] %s: %s\n", phase, phaseNames[phase], detail)
	} else {
		colSuccess.Printf("[%d/5] %s\n", phase, phaseNames[phase])
	}
	fmt.Fprintf(at.log, "\n### [%d/5] %s %s\n", phase, phaseNames[phase], detail)

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("\033]0;duneforge %s %d/5\a", strategyTag(at.strategy), phase)
	}
}

// Phase 1: produce installable artifacts, drop in the placeholder binary,
// snapshot the tree and the install metadata.
func (o *Orchestrator) phaseArtifacts(at *attempt) error {
	jobs := strconv.Itoa(o.ctx.Jobs)

	var cmd *exec.Cmd
	if at.strategy == StrategyFast {
		o.banner(at, 1, "build tool, self-referential profile")
		cmd = exec.Command(o.fastBinary, "build", "-p", Package, "-j", jobs, "@install")
	} else {
		o.banner(at, 1, "full source build")
		cmd = exec.Command("make", "-j", jobs, "release")
	}
	cmd.Dir = o.ctx.SourceDir
	teeOutput(cmd, at.log)
	if err := o.exe.Run(cmd); err != nil {
		return fmt.Errorf("building artifacts: %w", err)
	}

	state, _, err := probePath(o.ctx.ArtifactDir())
	if state == pathError {
		return err
	}
	if state == pathAbsent {
		return fmt.Errorf("artifact tree not found at %s", o.ctx.ArtifactDir())
	}

	if err := installPlaceholder(o.ctx.ArtifactDir(), Package); err != nil {
		return fmt.Errorf("installing placeholder: %w", err)
	}

	snapDir, metaPath, err := snapshotArtifacts(o.ctx, at.stageDir)
	if err != nil {
		return err
	}
	at.snapDir = snapDir
	at.metaPath = metaPath
	return nil
}

// Phase 2: the native helper, target-linked.
func (o *Orchestrator) phaseBootstrap(at *attempt) error {
	o.banner(at, 2, "native compiler, target libraries")

	at.env = composeBootstrapEnv(o.ctx)
	if Debug {
		at.env.dump(nil)
	}

	helper, err := buildNativeBootstrap(o.ctx, at.env, o.exe, at.log)
	if err != nil {
		return err
	}
	at.helper = helper
	return nil
}

// Phase 3: swap the toolchain and extend the environment for cross
// compilation. The build prefix is shared state, so this counts as a
// critical section for the signal handler.
func (o *Orchestrator) phaseToolchain(at *attempt) error {
	o.banner(at, 3, o.ctx.ToolchainHost)

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	defer func() {
		if at.token != nil && len(at.token.Ops) > 0 {
			if err := at.token.save(at.tokenPath()); err != nil {
				debugf("warning: failed to persist swap token: %v\n", err)
			}
		}
	}()

	token, err := swapToCrossCompilers(o.ctx.BuildBinDir(), crossTools, o.ctx.ToolchainHost)
	at.token = token
	if err != nil {
		return err
	}

	ccToken, err := setupCrossCCompilers(o.ctx.BuildBinDir(), o.ctx)
	token.merge(ccToken)
	if err != nil {
		return err
	}

	configureCrossEnv(o.ctx, at.env, o.ctx.ToolchainHost)
	fmt.Fprintf(at.log, "toolchain swapped: %d entries, env %s\n", len(token.Ops), describeEnv(at.env))
	return nil
}

// Phase 4: clear the working tree, re-run the helper under the cross
// environment. This is where the target binary gets produced.
func (o *Orchestrator) phaseCrossBuild(at *attempt) error {
	o.banner(at, 4, "running bootstrap helper")

	for _, p := range []string{o.ctx.BuildDir(), o.ctx.BootDir()} {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("clearing %s: %w", p, err)
		}
	}

	cmd := exec.Command(at.helper, "-j", strconv.Itoa(o.ctx.Jobs))
	cmd.Dir = o.ctx.SourceDir
	at.env.apply(cmd)
	teeOutput(cmd, at.log)
	if err := o.exe.Run(cmd); err != nil {
		return fmt.Errorf("bootstrap helper: %w", err)
	}

	state, _, err := probePath(o.ctx.CrossBinary())
	if state == pathError {
		return err
	}
	if state == pathAbsent {
		return fmt.Errorf("expected cross binary at %s, not produced", o.ctx.CrossBinary())
	}
	return nil
}

// Phase 5: substitute the binary into the snapshot, check nothing else
// moved, restore the tree, install into the prefix.
func (o *Orchestrator) phaseReassembly(at *attempt) error {
	if at.strategy == StrategyFast {
		o.banner(at, 5, "delegated install, tool version "+o.fastVersion)
	} else {
		o.banner(at, 5, "manual category install")
	}

	if err := reassemble(at.snapDir, o.ctx.CrossBinary(), Package); err != nil {
		return err
	}
	if err := verifySnapshotIntact(at.stageDir, at.snapDir, Package); err != nil {
		return err
	}
	if err := restoreSnapshot(o.ctx, at.snapDir, at.metaPath); err != nil {
		return err
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if at.strategy == StrategyFast {
		cmd := exec.Command(o.fastBinary, "install", "--prefix", o.ctx.Prefix, Package)
		cmd.Dir = o.ctx.SourceDir
		teeOutput(cmd, at.log)
		if err := o.exe.Run(cmd); err != nil {
			return fmt.Errorf("delegated install: %w", err)
		}
	} else {
		if err := installManually(o.ctx, o.cfg, at.snapDir, o.exe, at.log); err != nil {
			return err
		}
	}
	return postInstall(o.ctx, o.cfg, o.exe, at.log)
}
