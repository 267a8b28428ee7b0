package duneforge

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// nativeBuild is the non-cross path: one direct invocation of the
// underlying build system, then a manual install from the artifact tree.
// None of the bootstrap machinery is involved.
func nativeBuild(ctx *BuildContext, cfg *Config, exe *Executor) error {
	stageDir, logf, err := newStageLog("native")
	if err != nil {
		return err
	}
	defer logf.Close()

	colArrow.Print("-> ")
	colSuccess.Printf("Native build for %s (%s)\n", Package, ctx.TargetPlatform)

	cmd := exec.Command("make", "-j", strconv.Itoa(ctx.Jobs), "release")
	cmd.Dir = ctx.SourceDir
	teeOutput(cmd, logf)
	if err := exe.Run(cmd); err != nil {
		logf.Close()
		rotateStageLog(stageDir)
		colArrow.Print("-> ")
		colNote.Printf("Logs kept at %s\n", stageDir)
		return fmt.Errorf("native build failed: %w", err)
	}

	state, _, err := probePath(ctx.ArtifactDir())
	if state == pathError {
		return err
	}
	if state == pathAbsent {
		return fmt.Errorf("artifact tree not found at %s", ctx.ArtifactDir())
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := installManually(ctx, cfg, ctx.ArtifactDir(), exe, logf); err != nil {
		return err
	}
	if err := postInstall(ctx, cfg, exe, logf); err != nil {
		return err
	}

	if !KeepStage {
		os.RemoveAll(stageDir)
	} else {
		logf.Close()
		rotateStageLog(stageDir)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Installed %s into %s\n", Package, ctx.Prefix)
	return nil
}
