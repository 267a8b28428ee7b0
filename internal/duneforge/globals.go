package duneforge

import (
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// We use a value of 1 for critical and 0 for non-critical/default.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	CacheDir      string
	SourcesDir    string
	ArchiveDir    string
	stageRoot     string
	tmpDir        string
	Package       string
	Debug         bool
	KeepStage     bool
	buildPriority string
	ConfigFile    = "/etc/duneforge.conf"
	version       = "dev" // default version; overridden at build time
	arch          = runtime.GOARCH
	buildDate     = "unknown" // overridden at build time
	// Global executor (declared, assigned in Main)
	BuildExec *Executor
	LockFile  = "/tmp/duneforge.lock"
)

// Preserved suffix for tools renamed aside during a toolchain swap.
const preservedSuffix = ".build"

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
