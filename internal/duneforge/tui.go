package duneforge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

type logInfo struct {
	path         string
	content      string
	stageDir     string // stage directory the log belongs to
	canDelete    bool
	deleteAction string // the delete command to show
}

// logViewer is the interactive browser over the stage root: one list entry
// per build attempt, the selected log alongside, a status line below.
type logViewer struct {
	app    *tview.Application
	list   *tview.List
	text   *tview.TextView
	status *tview.TextView
	logs   []logInfo
	shown  string // path of the currently rendered log
	length int    // rendered content length, to skip unchanged redraws
	done   chan struct{}
}

func runTUI() int {
	v := newLogViewer()
	err := v.app.Run()
	close(v.done)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tui:", err)
		return 1
	}
	return 0
}

func newLogViewer() *logViewer {
	v := &logViewer{
		app:    tview.NewApplication(),
		list:   tview.NewList().ShowSecondaryText(false),
		text:   tview.NewTextView().SetDynamicColors(true).SetWrap(false).SetScrollable(true),
		status: tview.NewTextView().SetDynamicColors(true),
		done:   make(chan struct{}),
	}
	v.list.SetBorder(true)
	v.list.SetTitle(" attempts ")
	v.text.SetBorder(true)
	v.text.SetTitle(" " + Package + " build log ")

	v.list.SetChangedFunc(func(int, string, string, rune) {
		v.showSelected()
	})
	v.app.SetInputCapture(v.handleKey)

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.text, 0, 1, false).
		AddItem(v.status, 1, 0, false)
	layout := tview.NewFlex().
		AddItem(v.list, 34, 0, true).
		AddItem(right, 0, 1, false)

	v.app.SetRoot(layout, true)
	v.reload()

	// Logs grow while a build runs; poll them until the viewer closes.
	go func() {
		tick := time.NewTicker(2 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				v.app.QueueUpdateDraw(v.reload)
			case <-v.done:
				return
			}
		}
	}()
	return v
}

func (v *logViewer) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyEsc, tcell.KeyCtrlQ:
		v.app.Stop()
		return nil
	case tcell.KeyTab:
		if v.list.HasFocus() {
			v.app.SetFocus(v.text)
		} else {
			v.app.SetFocus(v.list)
		}
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q':
			v.app.Stop()
			return nil
		case 'r':
			v.reload()
			return nil
		case 'g':
			v.text.ScrollToBeginning()
			return nil
		case 'G':
			v.text.ScrollToEnd()
			return nil
		case 'd':
			v.deleteSelected()
			return nil
		}
	}
	return event
}

func (v *logViewer) selected() (logInfo, bool) {
	idx := v.list.GetCurrentItem()
	if idx < 0 || idx >= len(v.logs) {
		return logInfo{}, false
	}
	return v.logs[idx], true
}

func (v *logViewer) deleteSelected() {
	log, ok := v.selected()
	if !ok || !log.canDelete {
		return
	}
	os.RemoveAll(log.stageDir)
	v.reload()
}

// reload re-scans the stage root and rebuilds the list, keeping the
// selection on the same attempt when it still exists.
func (v *logViewer) reload() {
	current := ""
	if log, ok := v.selected(); ok {
		current = log.path
	}

	v.logs = readAllBuildLogs()
	v.list.Clear()
	keep := 0
	for i, log := range v.logs {
		label := "(no logs)"
		if log.stageDir != "" {
			label = filepath.Base(log.stageDir)
		}
		v.list.AddItem(label, "", 0, nil)
		if log.path == current {
			keep = i
		}
	}
	v.list.SetCurrentItem(keep)
	v.showSelected()
}

// showSelected renders the selected log and the status line. A log that
// did not change since the last render keeps its scroll position.
func (v *logViewer) showSelected() {
	log, ok := v.selected()
	if !ok {
		return
	}
	if log.path != v.shown || len(log.content) != v.length {
		v.text.Clear()
		fmt.Fprint(tview.ANSIWriter(v.text), log.content)
		v.text.ScrollToEnd()
		v.shown = log.path
		v.length = len(log.content)
	}

	hint := "Tab pane | r refresh | g/G top/end | q quit"
	if log.canDelete {
		hint = "d: " + log.deleteAction + " | " + hint
	}
	v.status.SetText(fmt.Sprintf("[gray]%s[white]", hint))
}

func readAllBuildLogs() []logInfo {
	// Stage directories live under stageRoot. Failed attempts keep their
	// log directory behind, successful ones only when keep-stage is on.
	var allPaths []string
	plain, _ := filepath.Glob(filepath.Join(stageRoot, "duneforge-*", "log", "build-log.txt"))
	allPaths = append(allPaths, plain...)
	packed, _ := filepath.Glob(filepath.Join(stageRoot, "duneforge-*", "log", "build-log.txt.xz"))
	allPaths = append(allPaths, packed...)

	if len(allPaths) == 0 {
		return []logInfo{{path: "No logs", content: "No build log yet. Run 'duneforge build' to see logs here."}}
	}

	// Sort by modification time (newest first)
	sort.Slice(allPaths, func(i, j int) bool {
		ai, err1 := os.Stat(allPaths[i])
		aj, err2 := os.Stat(allPaths[j])
		if err1 != nil || err2 != nil {
			return allPaths[i] > allPaths[j]
		}
		return ai.ModTime().After(aj.ModTime())
	})

	// Read all logs (read entire file for infinite scrollback)
	logs := make([]logInfo, 0, len(allPaths))
	for _, path := range allPaths {
		content, err := readFullLog(path)
		if err != nil {
			content = fmt.Sprintf("failed to read log: %v", err)
		}

		// Extract stage directory from log path
		// e.g., /tmp/duneforge-dune-fast-0a1b2c/log/build-log.txt -> /tmp/duneforge-dune-fast-0a1b2c
		stageDir := extractStageDir(path)
		canDelete, deleteAction := canDeleteStageDir(stageDir)

		logs = append(logs, logInfo{
			path:         path,
			content:      content,
			stageDir:     stageDir,
			canDelete:    canDelete,
			deleteAction: deleteAction,
		})
	}

	return logs
}

// extractStageDir extracts the stage directory from a log file path
// e.g., /tmp/duneforge-dune-fast-0a1b2c/log/build-log.txt -> /tmp/duneforge-dune-fast-0a1b2c
func extractStageDir(logPath string) string {
	// Remove /log/build-log.txt from the path
	dir := filepath.Dir(logPath) // Gets .../log
	dir = filepath.Dir(dir)      // Gets the stage dir
	return dir
}

// canDeleteStageDir checks if a stage directory can be deleted
// Returns (canDelete, deleteAction)
// Can delete if the directory hasn't been modified in the last 5 minutes
func canDeleteStageDir(stageDir string) (bool, string) {
	info, err := os.Stat(stageDir)
	if err != nil {
		return false, ""
	}

	// Check if directory hasn't been modified in the last 5 minutes
	now := time.Now()
	modTime := info.ModTime()
	timeSinceMod := now.Sub(modTime)

	// Also check all files in the directory to find the most recent modification
	mostRecentMod := modTime
	err = filepath.Walk(stageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if info.ModTime().After(mostRecentMod) {
			mostRecentMod = info.ModTime()
		}
		return nil
	})
	if err == nil {
		timeSinceMod = now.Sub(mostRecentMod)
	}

	// Can delete if no modification in last 5 minutes
	canDelete := timeSinceMod >= 5*time.Minute
	deleteAction := fmt.Sprintf("rm -rf %s", stageDir)

	return canDelete, deleteAction
}

// readFullLog reads the entire log for infinite scrollback support,
// decompressing rotated logs transparently.
func readFullLog(path string) (string, error) {
	r, err := openMaybeXZ(path)
	if err != nil {
		return "", err
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
