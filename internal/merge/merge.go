// Package merge classifies files by three-way comparison against a baseline
// and applies conflict resolutions.
//
// Hashes are compared as strings; an empty string means the file is absent
// on that side.
package merge

import (
	"fmt"
	"sort"

	"artisync/internal/tree"
)

// State is the three-way classification of one file.
type State int

const (
	// InSync: local and remote agree.
	InSync State = iota
	// RemoteChanged: only the remote side moved off the baseline; safe to pull.
	RemoteChanged
	// LocalChanged: only the local side moved off the baseline; safe to push.
	LocalChanged
	// Conflict: both sides moved and disagree.
	Conflict
)

func (s State) String() string {
	switch s {
	case InSync:
		return "in_sync"
	case RemoteChanged:
		return "remote_changed"
	case LocalChanged:
		return "local_changed"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Classify compares one file's hashes.
func Classify(baseline, local, remote string) State {
	switch {
	case local == remote:
		return InSync
	case baseline == local:
		return RemoteChanged
	case baseline == remote:
		return LocalChanged
	default:
		return Conflict
	}
}

// FileState is the classification of a path along with the hashes that produced it.
type FileState struct {
	Path         string
	State        State
	BaselineHash string
	LocalHash    string
	RemoteHash   string
}

// ConflictRecord is a file changed on both sides. Resolution is nil until decided.
type ConflictRecord struct {
	Path         string
	BaselineHash string
	LocalHash    string
	RemoteHash   string
	Resolution   *Resolution
}

// Analyze classifies every path present in the baseline, local or remote.
// Results are sorted by path.
func Analyze(baseline map[string]string, local, remote *tree.Tree) []FileState {
	localHashes := local.Hashes()
	remoteHashes := remote.Hashes()

	paths := make(map[string]struct{}, len(baseline)+len(localHashes)+len(remoteHashes))
	for p := range baseline {
		paths[p] = struct{}{}
	}
	for p := range localHashes {
		paths[p] = struct{}{}
	}
	for p := range remoteHashes {
		paths[p] = struct{}{}
	}

	out := make([]FileState, 0, len(paths))
	for p := range paths {
		b, l, r := baseline[p], localHashes[p], remoteHashes[p]
		if b == "" && l == "" && r == "" {
			continue
		}
		out = append(out, FileState{Path: p, State: Classify(b, l, r), BaselineHash: b, LocalHash: l, RemoteHash: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// DetectConflicts returns one record per file where both sides diverged from
// the baseline and from each other.
func DetectConflicts(baseline map[string]string, local, remote *tree.Tree) []ConflictRecord {
	var out []ConflictRecord
	for _, fs := range Analyze(baseline, local, remote) {
		if fs.State == Conflict {
			out = append(out, fs.conflict())
		}
	}
	return out
}

func (fs FileState) conflict() ConflictRecord {
	return ConflictRecord{
		Path:         fs.Path,
		BaselineHash: fs.BaselineHash,
		LocalHash:    fs.LocalHash,
		RemoteHash:   fs.RemoteHash,
	}
}

// RestorePlan splits a restore of target over current into files that can be
// restored without losing local work and files that cannot.
type RestorePlan struct {
	SafeToRestore []string
	Conflicts     []ConflictRecord
	Unchanged     []string
}

// PlanRestore treats current as local, target as remote and the last-sync
// hashes as baseline. Files without local edits restore silently; files
// with local edits become conflicts.
func PlanRestore(baseline map[string]string, current, target *tree.Tree) RestorePlan {
	var plan RestorePlan
	for _, fs := range Analyze(baseline, current, target) {
		switch {
		case fs.LocalHash == fs.RemoteHash:
			plan.Unchanged = append(plan.Unchanged, fs.Path)
		case fs.LocalHash == fs.BaselineHash:
			plan.SafeToRestore = append(plan.SafeToRestore, fs.Path)
		default:
			plan.Conflicts = append(plan.Conflicts, fs.conflict())
		}
	}
	return plan
}
