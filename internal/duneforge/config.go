package duneforge

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Config struct
type Config struct {
	Values       map[string]string
	DefaultStrip bool
	DefaultCheck bool
}

// Load /etc/duneforge.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge DUNEFORGE_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge DUNEFORGE_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "DUNEFORGE_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}

	// Also import TMPDIR from the environment if present, without overwriting
	// an explicit config file value
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		if _, exists := cfg.Values["TMPDIR"]; !exists {
			cfg.Values["TMPDIR"] = tmp
		}
	}
}

func initConfig(cfg *Config) {
	CacheDir = cfg.Values["DUNEFORGE_CACHE_DIR"]
	if CacheDir == "" {
		CacheDir = "/var/cache/duneforge"
	}

	Package = cfg.Values["DUNEFORGE_PACKAGE"]
	if Package == "" {
		Package = "dune"
	}

	Debug = false
	if affirmative(cfg.Values["DUNEFORGE_DEBUG"]) {
		Debug = true
	}

	tmpDir = cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = "/tmp"
	}

	stageRoot = cfg.Values["DUNEFORGE_STAGE_DIR"]
	if stageRoot == "" {
		stageRoot = tmpDir
	}

	cfg.DefaultStrip = true
	if cfg.Values["DUNEFORGE_STRIP"] == "0" {
		cfg.DefaultStrip = false
	}

	cfg.DefaultCheck = false
	if affirmative(cfg.Values["DUNEFORGE_CHECK"]) {
		cfg.DefaultCheck = true
	}

	// "idle" schedules every external build command under nice -n 19
	buildPriority = cfg.Values["DUNEFORGE_PRIORITY"]

	SourcesDir = filepath.Join(CacheDir, "sources")
	ArchiveDir = filepath.Join(CacheDir, "artifacts")
	LockFile = filepath.Join(stageRoot, "duneforge.lock")
}
