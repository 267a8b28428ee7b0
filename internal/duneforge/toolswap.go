package duneforge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Default tool set renamed aside during a cross swap. Each may ship an
// additional precompiled ".opt" variant.
var crossTools = []string{
	"ocaml",
	"ocamlc",
	"ocamldep",
	"ocamllex",
	"ocamlmklib",
	"ocamlmktop",
	"ocamlobjinfo",
	"ocamlopt",
	"ocamlrun",
}

// C compiler aliases redirected to the resolved target compiler.
var ccAliases = []string{"cc", "gcc"}

// SwapOp records one canonical-name replacement: the original entry (if
// any) renamed to Preserved, the canonical path now a symlink to Link.
type SwapOp struct {
	Canonical string `json:"canonical"`
	Preserved string `json:"preserved,omitempty"`
	Link      string `json:"link"`
}

// SwapToken is the reversal record for one swap. revertSwap can undo the
// operations in reverse order at any later point.
type SwapToken struct {
	BinDir string   `json:"bin_dir"`
	Triple string   `json:"triple"`
	Ops    []SwapOp `json:"ops"`
}

// swapToCrossCompilers redirects each tool's canonical name in binDir to
// its triple-prefixed cross variant, keeping the original under the
// preserved suffix. The bare name and the ".opt" variant are both handled;
// a missing .opt variant is normal and skipped. A missing bare tool is not
// fatal here either: the build fails with a clearer message at the point
// where the tool is actually invoked.
func swapToCrossCompilers(binDir string, toolNames []string, triple string) (*SwapToken, error) {
	token := &SwapToken{BinDir: binDir, Triple: triple}

	for _, tool := range toolNames {
		for _, variant := range []string{tool, tool + ".opt"} {
			canonical := filepath.Join(binDir, variant)
			link := triple + "-" + variant

			state, info, err := probePath(canonical)
			switch state {
			case pathError:
				return token, fmt.Errorf("probing %s: %w", canonical, err)
			case pathAbsent:
				debugf("=> %s not present, skipping\n", variant)
				continue
			}

			// A canonical name already pointing at the cross variant means
			// an earlier swap ran; leave the preserved original alone.
			if info.Mode()&os.ModeSymlink != 0 {
				if dest, err := os.Readlink(canonical); err == nil && dest == link {
					debugf("=> %s already swapped\n", variant)
					continue
				}
			}

			preserved := canonical + preservedSuffix
			if err := os.Rename(canonical, preserved); err != nil {
				return token, fmt.Errorf("preserving %s: %w", canonical, err)
			}
			if err := os.Symlink(link, canonical); err != nil {
				return token, fmt.Errorf("linking %s -> %s: %w", canonical, link, err)
			}
			token.Ops = append(token.Ops, SwapOp{Canonical: canonical, Preserved: preserved, Link: link})
			debugf("=> Swapped %s -> %s\n", variant, link)
		}
	}
	return token, nil
}

// setupCrossCCompilers points the generic C compiler aliases at the
// resolved target compiler. An absent alias is simply created; a present
// one is preserved first, same as the tool swap.
func setupCrossCCompilers(binDir string, ctx *BuildContext) (*SwapToken, error) {
	triple := ctx.ToolchainHost
	token := &SwapToken{BinDir: binDir, Triple: triple}
	target := ctx.TargetCompiler(triple)

	for _, alias := range ccAliases {
		canonical := filepath.Join(binDir, alias)

		state, info, err := probePath(canonical)
		if state == pathError {
			return token, fmt.Errorf("probing %s: %w", canonical, err)
		}

		op := SwapOp{Canonical: canonical, Link: target}
		if state == pathPresent {
			if info.Mode()&os.ModeSymlink != 0 {
				if dest, err := os.Readlink(canonical); err == nil && dest == target {
					debugf("=> %s already points at %s\n", alias, target)
					continue
				}
			}
			op.Preserved = canonical + preservedSuffix
			if err := os.Rename(canonical, op.Preserved); err != nil {
				return token, fmt.Errorf("preserving %s: %w", canonical, err)
			}
		}
		if err := os.Symlink(target, canonical); err != nil {
			return token, fmt.Errorf("linking %s -> %s: %w", canonical, target, err)
		}
		token.Ops = append(token.Ops, op)
		debugf("=> C compiler alias %s -> %s\n", alias, target)
	}
	return token, nil
}

// revertSwap undoes a swap in reverse order: the symlink goes away and the
// preserved original (when there was one) returns to its canonical name.
func revertSwap(token *SwapToken) error {
	if token == nil {
		return nil
	}
	for i := len(token.Ops) - 1; i >= 0; i-- {
		op := token.Ops[i]

		state, info, err := probePath(op.Canonical)
		if state == pathError {
			return fmt.Errorf("probing %s: %w", op.Canonical, err)
		}
		if state == pathPresent {
			if info.Mode()&os.ModeSymlink == 0 {
				return fmt.Errorf("refusing to revert %s: not a symlink anymore", op.Canonical)
			}
			if err := os.Remove(op.Canonical); err != nil {
				return fmt.Errorf("removing %s: %w", op.Canonical, err)
			}
		}

		if op.Preserved == "" {
			continue
		}
		if err := os.Rename(op.Preserved, op.Canonical); err != nil {
			return fmt.Errorf("restoring %s: %w", op.Canonical, err)
		}
		debugf("=> Restored %s\n", op.Canonical)
	}
	return nil
}

// merge appends another token's operations so one revert undoes both the
// tool swap and the C compiler aliasing.
func (t *SwapToken) merge(other *SwapToken) {
	if other == nil {
		return
	}
	t.Ops = append(t.Ops, other.Ops...)
}

// save persists the token for a later `toolchain revert`.
func (t *SwapToken) save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func loadSwapToken(path string) (*SwapToken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var token SwapToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parsing swap token %s: %w", path, err)
	}
	return &token, nil
}
