package app

import (
	"fmt"
	"os"
	"strings"

	"artisync/internal/artisync"
	"artisync/internal/merge"
)

// ParseResolutions parses KEY=STRATEGY flags. STRATEGY is local, remote,
// base or file:PATH, the last giving custom content read from PATH.
func ParseResolutions(specs []string) (map[string]merge.Resolution, error) {
	out := make(map[string]merge.Resolution, len(specs))
	for _, spec := range specs {
		key, value, ok := strings.Cut(spec, "=")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("resolution must be KEY=STRATEGY: %q", spec)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("duplicate resolution for %s", key)
		}
		if path, ok := strings.CutPrefix(value, "file:"); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading custom content for %s: %w", key, err)
			}
			out[key] = merge.Resolution{Strategy: merge.Custom, Content: data}
			continue
		}
		s, err := merge.ParseStrategy(value)
		if err != nil {
			return nil, err
		}
		if s == merge.Custom {
			return nil, fmt.Errorf("custom resolution for %s needs file:PATH", key)
		}
		out[key] = merge.Resolution{Strategy: s}
	}
	return out, nil
}

// ParseDecisions builds review decisions from --link, --import and --skip
// flag values. A link may name its target as TYPE/NAME=TYPE/NAME.
func ParseDecisions(links, imports, skips []string) ([]artisync.Decision, error) {
	var out []artisync.Decision
	seen := make(map[artisync.ArtifactRef]bool)
	add := func(raw string, action artisync.Action, target string) error {
		ref, err := artisync.ParseArtifactRef(raw)
		if err != nil {
			return err
		}
		if seen[ref] {
			return fmt.Errorf("more than one decision for %s", ref)
		}
		seen[ref] = true
		out = append(out, artisync.Decision{Ref: ref, Action: action, ArtifactID: target})
		return nil
	}

	for _, l := range links {
		raw, target, _ := strings.Cut(l, "=")
		if target != "" {
			if _, err := artisync.ParseArtifactRef(target); err != nil {
				return nil, fmt.Errorf("link target: %w", err)
			}
		}
		if err := add(raw, artisync.ActionLink, target); err != nil {
			return nil, err
		}
	}
	for _, i := range imports {
		if err := add(i, artisync.ActionImport, ""); err != nil {
			return nil, err
		}
	}
	for _, s := range skips {
		if err := add(s, artisync.ActionSkip, ""); err != nil {
			return nil, err
		}
	}
	return out, nil
}
