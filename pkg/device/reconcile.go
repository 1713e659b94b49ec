package device

import (
	"sort"

	"github.com/go-delve/ddmbridge/pkg/adbwire"
)

// deviceDiff is the result of reconciling two device lists.
type deviceDiff struct {
	added   []adbwire.DeviceEntry
	removed []string
	changed []adbwire.DeviceEntry
}

func (d deviceDiff) empty() bool {
	return len(d.added) == 0 && len(d.removed) == 0 && len(d.changed) == 0
}

// diffDevices compares the known devices, serial to state, with a new
// list. Entries keep the order of next, removed serials are sorted.
func diffDevices(known map[string]State, next []adbwire.DeviceEntry) deviceDiff {
	var diff deviceDiff
	seen := make(map[string]bool, len(next))
	for _, e := range next {
		if seen[e.Serial] {
			continue
		}
		seen[e.Serial] = true
		state, ok := known[e.Serial]
		switch {
		case !ok:
			diff.added = append(diff.added, e)
		case state != ParseState(e.State):
			diff.changed = append(diff.changed, e)
		}
	}
	for serial := range known {
		if !seen[serial] {
			diff.removed = append(diff.removed, serial)
		}
	}
	sort.Strings(diff.removed)
	return diff
}

// diffPids returns the pids of next missing from known and the pids of
// known missing from next, both sorted.
func diffPids(known, next []int) (added, removed []int) {
	in := func(pids []int) map[int]bool {
		m := make(map[int]bool, len(pids))
		for _, pid := range pids {
			m[pid] = true
		}
		return m
	}
	knownSet, nextSet := in(known), in(next)
	for pid := range nextSet {
		if !knownSet[pid] {
			added = append(added, pid)
		}
	}
	for pid := range knownSet {
		if !nextSet[pid] {
			removed = append(removed, pid)
		}
	}
	sort.Ints(added)
	sort.Ints(removed)
	return added, removed
}
