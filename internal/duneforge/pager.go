package duneforge

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// RunPager takes a slice of lines and displays them in a scrollable TUI if stdout is a TTY.
// If stdout is not a TTY, it prints the lines normally.
func RunPager(title string, lines []string) error {
	fd := int(os.Stdout.Fd())
	isTTY := term.IsTerminal(fd)

	// 1. If not TTY, print and return
	if !isTTY {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	// 2. Check terminal size
	_, height, err := term.GetSize(fd)
	// We use a buffer of 2 lines for the TUI border (top/bottom)
	// If it fits, just print it normally
	if err == nil && len(lines) <= height-2 {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	// 3. Create the tview application
	app := tview.NewApplication()

	// 3. Create the text view for content
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)

	textView.SetBorder(true).SetTitle(" " + title + " ")

	// Ensure ANSI sequences are handled correctly
	ansiWriter := tview.ANSIWriter(textView)
	fmt.Fprint(ansiWriter, strings.Join(lines, "\n"))

	// 4. Create footer with help info
	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]Use ↑/↓, PgUp/PgDn, Home/End to scroll. Press 'q' or 'Esc' to quit.[white]")

	// 5. Layout
	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(textView, 0, 1, true).
		AddItem(footer, 1, 0, false)

	// 6. Key bindings
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	// 7. Run the application
	if err := app.SetRoot(flex, true).SetFocus(textView).Run(); err != nil {
		return fmt.Errorf("pager execution failed: %w", err)
	}

	return nil
}

// pageLogFile streams a build log through $PAGER, decompressing rotated
// logs transparently. Falls back to a plain stdout copy when no pager
// can run.
func pageLogFile(path string) error {
	r, err := openMaybeXZ(path)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer r.Close()

	pager := os.Getenv("PAGER")
	var args []string
	if pager == "" {
		pager = "less"
		args = []string{"-r"}
	} else if pager == "less" {
		args = []string{"-r"}
	}

	cmd := exec.Command(pager, args...)
	cmd.Stdin = r
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		// Fallback to plain stdout if pager fails
		r.Close()
		r, err = openMaybeXZ(path)
		if err != nil {
			return err
		}
		defer r.Close()
		if _, err := io.Copy(os.Stdout, r); err != nil {
			return err
		}
	}
	return nil
}

// latestBuildLog returns the most recently modified build log under the
// stage root, or an empty string when none exist.
func latestBuildLog() string {
	logs := readAllBuildLogs()
	if len(logs) == 0 || logs[0].stageDir == "" {
		return ""
	}
	return logs[0].path
}
