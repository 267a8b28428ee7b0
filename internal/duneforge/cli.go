package duneforge

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	// General Usage Header
	colSuccess.Println("Usage: duneforge <command> [arguments]")
	colSuccess.Println("Run 'duneforge <command>' for advanced options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"log", "[-plain] [file]", "Build log viewer (TUI, or pager with -plain)"},
		{"build, b", "[-full] [-keep] [-j N]", "Run the bootstrap build and install into the prefix"},
		{"fetch", "[-version <v>] [-f]", "Download and unpack the source release"},
		{"check", "", "Smoke-test the installed tool with scratch projects"},
		{"env", "[-cross]", "Print the composed bootstrap environment"},
		{"toolchain", "<status|swap|revert>", "Inspect or manage the compiler swap state"},
		{"clean", "[-all] [-f]", "Remove working state, stage directories with -all"},
		{"verify", "<tree> <manifest>", "Verify an artifact tree against its hash manifest"},
		{"archive", "[-o <file>] [tree]", "Pack an artifact tree into a compressed archive"},
		{"unpack", "[-strip N] <archive> <dir>", "Extract an artifact archive"},
		{"cache", "<push|pull|ls|rm>", "Artifact cache on the configured bucket"},
		{"install, i", "<tree|archive>", "Install a prebuilt artifact tree into the prefix"},
	}

	// --- Dynamic Padding Logic ---
	// 1. Find the longest usage string to calculate the ideal width for the first column.
	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++ // Account for the space
		}
		if length > maxLen {
			maxLen = length
		}
	}
	// The final column width is the longest command plus some buffer space.
	columnWidth := maxLen + 4

	// 2. Print the formatted list with calculated padding.
	for _, c := range cmds {
		// This will hold the uncolored string to measure its length for padding
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		// Print the colored command and arguments
		fmt.Print("  ") // Indent
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		// Calculate the necessary padding and print it
		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))

		// Print the description
		color.Info.Println(c.Desc)
	}

	fmt.Println()

}

// Main is the CLI entrypoint for cmd/duneforge.
func Main() {
	// 1. CONTEXT AND SIGNAL SETUP
	// Create the main application context and the function to cancel it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. SIGNAL CHANNEL SETUP
	sigs := make(chan os.Signal, 1)
	// Register to receive SIGINT (Ctrl+C) and SIGTERM (kill command)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	// 3. SIGNAL HANDLING GOROUTINE
	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// --- CRITICAL PHASE: Block 1st signal, force exit on 2nd ---
					colArrow.Print("\n-> ")
					colError.Printf("Critical operation in progress (toolchain swap or install). Press Ctrl+C AGAIN to force exit NOW.\n")

					// Wait for a second signal or a short delay
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130) // Common exit code for SIGINT
					case <-time.After(5 * time.Second):
						// If no second signal, continue waiting for the loop to repeat
						continue
					case <-ctx.Done():
						return // Context cancelled from outside
					}
				} else {
					// --- NON-CRITICAL PHASE: Graceful Cancellation ---
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
					cancel() // Cancel the context

					// Give the command a moment to die and flush its buffers
					time.Sleep(100 * time.Millisecond)

					// Wait for a second signal for immediate exit
					// NOTE: Don't check ctx.Done() here since we just cancelled it
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						// Give more time for graceful shutdown
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(0)
					}
				}

			case <-ctx.Done():
				return // Context cancelled from the main flow
			}
		}
	}()

	// 4. MAIN LOGIC EXECUTION
	// Check for immediate cancellation before starting (e.g., if signal received early)
	if ctx.Err() != nil {
		// Already cancelled before we started the main logic
		return
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	configPath := ConfigFile
	if p := os.Getenv("DUNEFORGE_CONF"); p != "" {
		configPath = p
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", configPath, err)
	}
	initConfig(cfg)

	// 5. INITIALIZE EXECUTOR
	BuildExec = &Executor{
		Context:           ctx,
		ApplyIdlePriority: buildPriority == "idle",
	}

	// 6. MAIN LOGIC
	var exitCode int

	switch os.Args[1] {
	case "log":
		logCmd := flag.NewFlagSet("log", flag.ExitOnError)
		var plain = logCmd.Bool("plain", false, "Page the log instead of opening the TUI viewer.")
		if err := logCmd.Parse(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing log flags: %v\n", err)
			os.Exit(1)
		}

		if *plain || logCmd.NArg() > 0 {
			path := latestBuildLog()
			if logCmd.NArg() > 0 {
				path = logCmd.Arg(0)
			}
			if path == "" {
				fmt.Fprintln(os.Stderr, "No build log found")
				os.Exit(1)
			}
			if err := pageLogFile(path); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		} else {
			exitCode = runTUI()
		}

	case "build", "b":
		if err := handleBuildCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
			os.Exit(1)
		}

	case "fetch":
		if err := handleFetchCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Fetch failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		if err := handleCheckCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "env":
		if err := handleEnvCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Env failed: %v\n", err)
			os.Exit(1)
		}

	case "toolchain":
		if err := handleToolchainCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Toolchain command failed: %v\n", err)
			os.Exit(1)
		}

	case "clean":
		if err := handleCleanCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Clean failed: %v\n", err)
			os.Exit(1)
		}

	case "verify":
		if err := handleVerifyCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
			os.Exit(1)
		}

	case "archive":
		if err := handleArchiveCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Archive failed: %v\n", err)
			os.Exit(1)
		}

	case "unpack":
		if err := handleUnpackCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Unpack failed: %v\n", err)
			os.Exit(1)
		}

	case "cache":
		if err := handleCacheCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Cache command failed: %v\n", err)
			os.Exit(1)
		}

	case "install", "i":
		if err := handleInstallCommand(os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Install failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "--version":
		colNote.Printf("duneforge %s (%s) built %s\n", version, arch, buildDate)

	default:
		printHelp()
		exitCode = 1
	}
	os.Exit(exitCode)
}

func handleBuildCommand(args []string, cfg *Config) error {
	buildCmd := flag.NewFlagSet("build", flag.ExitOnError)
	var full = buildCmd.Bool("full", false, "Skip the fast path and bootstrap from source.")
	var keep = buildCmd.Bool("keep", false, "Keep the stage directory after a successful build.")
	var jobs = buildCmd.Int("j", 0, "Parallel build jobs (default: CPU_COUNT, else all cores).")
	var source = buildCmd.String("source", ".", "Source tree to build.")
	var check = buildCmd.Bool("check", false, "Run smoke checks after installing.")
	var idleBuild = buildCmd.Bool("i", false, "Use lowest niceness for build commands.")
	if err := buildCmd.Parse(args); err != nil {
		return err
	}

	KeepStage = *keep
	if *idleBuild {
		buildPriority = "idle"
	}
	BuildExec.ApplyIdlePriority = buildPriority == "idle"

	srcDir, err := filepath.Abs(*source)
	if err != nil {
		return err
	}
	bctx, err := resolveBuildContext(cfg, srcDir)
	if err != nil {
		return err
	}
	if *jobs > 0 {
		bctx.Jobs = *jobs
	}

	// One build at a time per stage root. A second invocation blocks here
	// rather than racing the toolchain swap.
	return withFileLock(LockFile, func() error {
		if bctx.IsCross() {
			if err := newOrchestrator(bctx, cfg, BuildExec, *full).Run(); err != nil {
				return err
			}
		} else {
			if err := nativeBuild(bctx, cfg, BuildExec); err != nil {
				return err
			}
		}

		if *check || cfg.DefaultCheck {
			return runSmokeChecks(bctx, cfg, BuildExec)
		}
		return nil
	})
}

func handleFetchCommand(args []string, cfg *Config) error {
	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
	var version = fetchCmd.String("version", "", "Release version to fetch.")
	var dest = fetchCmd.String("dest", "", "Directory to unpack into.")
	var force = fetchCmd.Bool("f", false, "Force re-download of a cached archive.")
	if err := fetchCmd.Parse(args); err != nil {
		return err
	}

	v := *version
	if v == "" {
		v = cfg.Values["DUNEFORGE_VERSION"]
	}
	if v == "" {
		return fmt.Errorf("no version given: pass -version or set DUNEFORGE_VERSION")
	}

	destDir := *dest
	if destDir == "" {
		destDir = filepath.Join(SourcesDir, fmt.Sprintf("%s-%s", Package, v))
	}

	if *force {
		cached := filepath.Join(SourcesDir, fmt.Sprintf("%s-%s.tar.gz", Package, v))
		if err := os.Remove(cached); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	if err := fetchSource(BuildExec, cfg, v, destDir); err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Source unpacked at %s\n", destDir)
	return nil
}

func handleCheckCommand(args []string, cfg *Config) error {
	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	var source = checkCmd.String("source", ".", "Source tree the install came from.")
	if err := checkCmd.Parse(args); err != nil {
		return err
	}

	srcDir, err := filepath.Abs(*source)
	if err != nil {
		return err
	}
	bctx, err := resolveBuildContext(cfg, srcDir)
	if err != nil {
		return err
	}
	return runSmokeChecks(bctx, cfg, BuildExec)
}

func handleEnvCommand(args []string, cfg *Config) error {
	envCmd := flag.NewFlagSet("env", flag.ExitOnError)
	var cross = envCmd.Bool("cross", false, "Include the post-swap cross overrides.")
	var source = envCmd.String("source", ".", "Source tree the environment is for.")
	if err := envCmd.Parse(args); err != nil {
		return err
	}

	srcDir, err := filepath.Abs(*source)
	if err != nil {
		return err
	}
	bctx, err := resolveBuildContext(cfg, srcDir)
	if err != nil {
		return err
	}

	env := composeBootstrapEnv(bctx)
	if *cross || bctx.IsCross() {
		if bctx.ToolchainHost == "" {
			return fmt.Errorf("no toolchain triple configured (CONDA_TOOLCHAIN_HOST)")
		}
		configureCrossEnv(bctx, env, bctx.ToolchainHost)
	}

	lines := []string{
		fmt.Sprintf("# build: %s  target: %s  cross: %v", bctx.BuildPlatform, bctx.TargetPlatform, bctx.IsCross()),
	}
	for _, k := range env.Keys() {
		lines = append(lines, fmt.Sprintf("%s=%s", k, env.Get(k)))
	}
	return RunPager("bootstrap environment", lines)
}

func handleToolchainCommand(args []string, cfg *Config) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: duneforge toolchain <status|swap|revert> [options]")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "status":
		return toolchainStatus(cfg)
	case "swap":
		return toolchainSwap(rest, cfg)
	case "revert":
		return toolchainRevert(rest)
	}
	return fmt.Errorf("unknown toolchain subcommand %q", sub)
}

// toolchainBinDir locates the build prefix bin directory without requiring
// a full build context; status and revert run outside any build.
func toolchainBinDir(cfg *Config) (string, error) {
	dir := envOr(cfg, "BUILD_PREFIX", "DUNEFORGE_BUILD_PREFIX", "")
	if dir == "" {
		return "", fmt.Errorf("BUILD_PREFIX not set")
	}
	return filepath.Join(dir, "bin"), nil
}

func defaultSwapTokenPath() string {
	return filepath.Join(stageRoot, "duneforge-swap-token.json")
}

func toolchainStatus(cfg *Config) error {
	binDir, err := toolchainBinDir(cfg)
	if err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Toolchain state in %s:\n", binDir)

	report := func(name string, required bool) error {
		canonical := filepath.Join(binDir, name)
		state, info, err := probePath(canonical)
		if state == pathError {
			return err
		}
		if state == pathAbsent {
			if required {
				cPrintf(colNote, "  %-16s absent\n", name)
			}
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			dest, _ := os.Readlink(canonical)
			cPrintf(colWarn, "  %-16s swapped -> %s\n", name, dest)
			return nil
		}
		cPrintf(colInfo, "  %-16s native\n", name)
		return nil
	}

	for _, tool := range crossTools {
		if err := report(tool, true); err != nil {
			return err
		}
		if err := report(tool+".opt", false); err != nil {
			return err
		}
	}
	for _, alias := range ccAliases {
		if err := report(alias, false); err != nil {
			return err
		}
	}
	return nil
}

func toolchainSwap(args []string, cfg *Config) error {
	swapCmd := flag.NewFlagSet("toolchain swap", flag.ExitOnError)
	var tokenOut = swapCmd.String("token", "", "Where to write the reversal token.")
	if err := swapCmd.Parse(args); err != nil {
		return err
	}

	srcDir, err := filepath.Abs(".")
	if err != nil {
		return err
	}
	bctx, err := resolveBuildContext(cfg, srcDir)
	if err != nil {
		return err
	}
	if !bctx.IsCross() {
		return fmt.Errorf("toolchain swap requires a cross build context")
	}

	out := *tokenOut
	if out == "" {
		out = defaultSwapTokenPath()
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	token, swapErr := swapToCrossCompilers(bctx.BuildBinDir(), crossTools, bctx.ToolchainHost)
	if swapErr == nil {
		ccToken, ccErr := setupCrossCCompilers(bctx.BuildBinDir(), bctx)
		token.merge(ccToken)
		swapErr = ccErr
	}

	// A partial swap still gets its token: revert must be possible.
	if token != nil && len(token.Ops) > 0 {
		if err := token.save(out); err != nil {
			return fmt.Errorf("saving swap token: %w", err)
		}
	}
	if swapErr != nil {
		return swapErr
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Swapped %d entries, token at %s\n", len(token.Ops), out)
	return nil
}

func toolchainRevert(args []string) error {
	revertCmd := flag.NewFlagSet("toolchain revert", flag.ExitOnError)
	var tokenPath = revertCmd.String("token", "", "Reversal token to apply.")
	if err := revertCmd.Parse(args); err != nil {
		return err
	}

	path := *tokenPath
	if path == "" {
		path = findSwapToken()
	}
	if path == "" {
		return fmt.Errorf("no swap token found; pass -token")
	}

	token, err := loadSwapToken(path)
	if err != nil {
		return err
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := revertSwap(token); err != nil {
		return err
	}
	os.Remove(path)

	colArrow.Print("-> ")
	colSuccess.Printf("Reverted %d toolchain entries\n", len(token.Ops))
	return nil
}

// findSwapToken locates the most recent reversal token: the fixed manual
// location first, then tokens left behind by failed build attempts.
func findSwapToken() string {
	fixed := defaultSwapTokenPath()
	if fileExists(fixed) {
		return fixed
	}

	matches, _ := filepath.Glob(filepath.Join(stageRoot, "duneforge-*", "swap-token.json"))
	if len(matches) == 0 {
		return ""
	}
	sort.Slice(matches, func(i, j int) bool {
		ai, err1 := os.Stat(matches[i])
		aj, err2 := os.Stat(matches[j])
		if err1 != nil || err2 != nil {
			return matches[i] > matches[j]
		}
		return ai.ModTime().After(aj.ModTime())
	})
	return matches[0]
}

func handleCleanCommand(args []string, cfg *Config) error {
	cleanCmd := flag.NewFlagSet("clean", flag.ExitOnError)
	var all = cleanCmd.Bool("all", false, "Also remove stage directories under the stage root.")
	var force = cleanCmd.Bool("f", false, "Remove stage directories even if recently active.")
	var source = cleanCmd.String("source", ".", "Source tree to clean.")
	if err := cleanCmd.Parse(args); err != nil {
		return err
	}

	srcDir, err := filepath.Abs(*source)
	if err != nil {
		return err
	}

	// Working-state cleanup needs only the source tree, no prefixes.
	bctx := &BuildContext{SourceDir: srcDir}
	if err := cleanWorkingState(bctx); err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Working state cleaned under %s\n", srcDir)

	if !*all {
		return nil
	}

	matches, _ := filepath.Glob(filepath.Join(stageRoot, "duneforge-*"))
	removed := 0
	for _, dir := range matches {
		st, err := os.Stat(dir)
		if err != nil || !st.IsDir() {
			continue
		}
		if !*force {
			if ok, _ := canDeleteStageDir(dir); !ok {
				colArrow.Print("-> ")
				colWarn.Printf("Skipping %s (recently active, use -f)\n", dir)
				continue
			}
		}
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		removed++
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Removed %d stage directories\n", removed)
	return nil
}

func handleVerifyCommand(args []string) error {
	verifyCmd := flag.NewFlagSet("verify", flag.ExitOnError)
	if err := verifyCmd.Parse(args); err != nil {
		return err
	}
	if verifyCmd.NArg() < 2 {
		return fmt.Errorf("usage: duneforge verify <tree> <manifest>")
	}
	tree, manifest := verifyCmd.Arg(0), verifyCmd.Arg(1)

	problems, err := verifyTree(tree, manifest, nil)
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		colArrow.Print("-> ")
		colSuccess.Printf("%s matches %s\n", tree, manifest)
		return nil
	}
	for _, p := range problems {
		cPrintf(colError, "  %s\n", p)
	}
	return fmt.Errorf("%d problem(s) found", len(problems))
}

func handleArchiveCommand(args []string, cfg *Config) error {
	archiveCmd := flag.NewFlagSet("archive", flag.ExitOnError)
	var out = archiveCmd.String("o", "", "Output archive path.")
	var source = archiveCmd.String("source", ".", "Source tree holding the artifact tree.")
	if err := archiveCmd.Parse(args); err != nil {
		return err
	}

	var tree string
	if archiveCmd.NArg() > 0 {
		tree = archiveCmd.Arg(0)
	} else {
		srcDir, err := filepath.Abs(*source)
		if err != nil {
			return err
		}
		bctx := &BuildContext{SourceDir: srcDir}
		tree = bctx.ArtifactDir()
	}
	if !fileExists(tree) {
		return fmt.Errorf("no artifact tree at %s", tree)
	}

	outPath := *out
	if outPath == "" {
		if err := os.MkdirAll(ArchiveDir, 0o755); err != nil {
			return err
		}
		target := envOr(cfg, "target_platform", "DUNEFORGE_TARGET_PLATFORM", currentPlatform())
		outPath = filepath.Join(ArchiveDir, fmt.Sprintf("%s-%s.tar.zst", Package, target))
	}

	if err := createArtifactArchive(BuildExec, tree, outPath); err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Archive created: %s\n", outPath)
	return nil
}

func handleUnpackCommand(args []string) error {
	unpackCmd := flag.NewFlagSet("unpack", flag.ExitOnError)
	var strip = unpackCmd.Int("strip", 0, "Strip leading path components.")
	if err := unpackCmd.Parse(args); err != nil {
		return err
	}
	if unpackCmd.NArg() < 2 {
		return fmt.Errorf("usage: duneforge unpack [-strip N] <archive> <dir>")
	}
	archive, dir := unpackCmd.Arg(0), unpackCmd.Arg(1)

	if err := extractArchive(BuildExec, archive, dir, *strip); err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Extracted %s into %s\n", filepath.Base(archive), dir)
	return nil
}

func handleCacheCommand(args []string, cfg *Config) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: duneforge cache <push|pull|ls|rm> [args]")
	}
	client, err := NewCacheClient(cfg)
	if err != nil {
		return err
	}

	target := envOr(cfg, "target_platform", "DUNEFORGE_TARGET_PLATFORM", currentPlatform())
	sub, rest := args[0], args[1:]

	switch sub {
	case "push":
		if len(rest) < 1 {
			return fmt.Errorf("usage: duneforge cache push <file>")
		}
		key := artifactKey(target, filepath.Base(rest[0]))
		if err := client.PushArtifact(BuildExec.Context, key, rest[0]); err != nil {
			return err
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Pushed %s\n", key)
		return nil

	case "pull":
		pullCmd := flag.NewFlagSet("cache pull", flag.ExitOnError)
		var out = pullCmd.String("o", "", "Destination file.")
		if err := pullCmd.Parse(rest); err != nil {
			return err
		}
		if pullCmd.NArg() < 1 {
			return fmt.Errorf("usage: duneforge cache pull [-o dest] <name>")
		}
		name := pullCmd.Arg(0)
		dest := *out
		if dest == "" {
			if err := os.MkdirAll(ArchiveDir, 0o755); err != nil {
				return err
			}
			dest = filepath.Join(ArchiveDir, name)
		}
		if err := client.PullArtifact(BuildExec.Context, artifactKey(target, name), dest); err != nil {
			return err
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Pulled %s to %s\n", name, dest)
		return nil

	case "ls":
		prefix := "artifacts/"
		if len(rest) > 0 {
			prefix = "artifacts/" + rest[0] + "/"
		}
		objects, err := client.ListArtifacts(BuildExec.Context, prefix)
		if err != nil {
			return err
		}
		if len(objects) == 0 {
			colArrow.Print("-> ")
			colNote.Println("No cached artifacts")
			return nil
		}
		lines := make([]string, 0, len(objects))
		for _, obj := range objects {
			lines = append(lines, fmt.Sprintf("%12d  %s", obj.Size, obj.Key))
		}
		return RunPager("cached artifacts", lines)

	case "rm":
		if len(rest) < 1 {
			return fmt.Errorf("usage: duneforge cache rm <name>")
		}
		key := artifactKey(target, rest[0])
		if err := client.DeleteArtifact(BuildExec.Context, key); err != nil {
			return err
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Removed %s\n", key)
		return nil
	}
	return fmt.Errorf("unknown cache subcommand %q", sub)
}

func handleInstallCommand(args []string, cfg *Config) error {
	installCmd := flag.NewFlagSet("install", flag.ExitOnError)
	var source = installCmd.String("source", ".", "Source tree (for prefix resolution).")
	if err := installCmd.Parse(args); err != nil {
		return err
	}
	if installCmd.NArg() < 1 {
		return fmt.Errorf("usage: duneforge install <tree|archive>")
	}
	arg := installCmd.Arg(0)

	srcDir, err := filepath.Abs(*source)
	if err != nil {
		return err
	}
	bctx, err := resolveBuildContext(cfg, srcDir)
	if err != nil {
		return err
	}

	tree := arg
	if isArchivePath(arg) {
		tmp, err := os.MkdirTemp(tmpDir, "duneforge-install-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		if err := extractArchive(BuildExec, arg, tmp, 0); err != nil {
			return err
		}
		tree = tmp
	}

	stageDir, logf, err := newStageLog("install")
	if err != nil {
		return err
	}
	defer logf.Close()

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := installManually(bctx, cfg, tree, BuildExec, logf); err != nil {
		return err
	}
	if err := postInstall(bctx, cfg, BuildExec, logf); err != nil {
		return err
	}

	if !KeepStage {
		os.RemoveAll(stageDir)
	} else {
		logf.Close()
		rotateStageLog(stageDir)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Installed %s into %s\n", Package, bctx.Prefix)
	return nil
}

func isArchivePath(p string) bool {
	for _, suffix := range []string{".tar.zst", ".tar.gz", ".tgz", ".tar.bz2", ".tar.xz", ".tar", ".zip"} {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}
