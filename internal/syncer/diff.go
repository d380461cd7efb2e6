// Package syncer reconciles an indexed dataset with the current state of
// its source tree. It compares the persisted merkle snapshot against a
// fresh scan, classifies every difference, and applies the smallest set
// of index operations that restores consistency: deletes for removed
// files, payload moves for renames, re-ingestion only for content that
// actually changed.
package syncer

import "sort"

// ChangeKind classifies one file-level difference between two scans.
type ChangeKind int

const (
	// Added: present now, absent before.
	Added ChangeKind = iota
	// Modified: present in both with different content.
	Modified
	// Deleted: present before, absent now.
	Deleted
	// Renamed: same content under a new path.
	Renamed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Change is one classified difference. OldPath is set for renames only.
type Change struct {
	Kind    ChangeKind
	Path    string
	OldPath string
}

// Diff compares two path→hash maps and classifies every difference.
// Rename detection pairs a deleted path with an added path carrying the
// same content hash; pairing is one-to-one and deterministic (paths
// sorted on both sides), so a hash appearing N times deleted and M times
// added yields min(N,M) renames and the leftovers stay adds or deletes.
func Diff(prev, curr map[string]string) []Change {
	var changes []Change
	addedByHash := map[string][]string{}
	deletedByHash := map[string][]string{}

	for path, hash := range curr {
		old, ok := prev[path]
		switch {
		case !ok:
			addedByHash[hash] = append(addedByHash[hash], path)
		case old != hash:
			changes = append(changes, Change{Kind: Modified, Path: path})
		}
	}
	for path, hash := range prev {
		if _, ok := curr[path]; !ok {
			deletedByHash[hash] = append(deletedByHash[hash], path)
		}
	}

	for hash, added := range addedByHash {
		deleted := deletedByHash[hash]
		sort.Strings(added)
		sort.Strings(deleted)

		n := len(added)
		if len(deleted) < n {
			n = len(deleted)
		}
		for i := 0; i < n; i++ {
			changes = append(changes, Change{Kind: Renamed, Path: added[i], OldPath: deleted[i]})
		}
		for _, path := range added[n:] {
			changes = append(changes, Change{Kind: Added, Path: path})
		}
		deletedByHash[hash] = deleted[n:]
	}
	for _, deleted := range deletedByHash {
		for _, path := range deleted {
			changes = append(changes, Change{Kind: Deleted, Path: path})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Kind != changes[j].Kind {
			return changes[i].Kind < changes[j].Kind
		}
		return changes[i].Path < changes[j].Path
	})
	return changes
}
