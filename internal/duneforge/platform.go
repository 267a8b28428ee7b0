package duneforge

import "strings"

// Platform predicates. All of these are pure functions of the resolved
// BuildContext, so repeated calls give stable answers for the whole run.

// IsMacOS reports whether the target platform is macOS flavored.
func (c *BuildContext) IsMacOS() bool {
	return strings.HasPrefix(c.TargetPlatform, "osx") ||
		strings.Contains(c.TargetPlatform, "darwin")
}

// IsLinux reports whether the target platform is Linux flavored.
func (c *BuildContext) IsLinux() bool {
	return strings.HasPrefix(c.TargetPlatform, "linux")
}

// IsNonUnixTarget reports whether the target is neither macOS nor Linux
// flavored (e.g. win-64). The bootstrap orchestration does not support
// such targets.
func (c *BuildContext) IsNonUnixTarget() bool {
	return !c.IsMacOS() && !c.IsLinux()
}

// IsCross reports whether this run cross-compiles.
func (c *BuildContext) IsCross() bool {
	return c.Cross
}

// TargetCompiler resolves the C compiler for the given toolchain prefix.
// Apple triples ship clang; everything else ships gcc. With no prefix the
// host native compiler applies.
func (c *BuildContext) TargetCompiler(toolchainPrefix string) string {
	if toolchainPrefix != "" {
		if strings.Contains(toolchainPrefix, "apple") {
			return toolchainPrefix + "-clang"
		}
		return toolchainPrefix + "-gcc"
	}
	if c.IsMacOS() {
		return "clang"
	}
	return "gcc"
}
