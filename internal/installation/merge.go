package installation

import (
	"fmt"
	"slices"

	"energy-monitor/internal/failure"
)

// MergeResult is the outcome of Merge.
type MergeResult struct {
	Snapshot *Snapshot
	// TopologyChanged reports a full rebuild: Snapshot is the fresh one and
	// anything derived from the previous graph must be discarded.
	TopologyChanged bool
}

var mergedClasses = []Class{Storage, Inverter, Meter}

// SameTopology reports whether both snapshots carry the same device ids in
// the same order for every merged class.
func SameTopology(prev, fresh *Snapshot) bool {
	if prev == nil || fresh == nil {
		return false
	}
	for _, c := range mergedClasses {
		if !slices.Equal(prev.Group(c).IDs(), fresh.Group(c).IDs()) {
			return false
		}
	}
	return true
}

// Merge integrates fresh into prev. When the topology is unchanged the
// measurement payloads of fresh and the sample pf replace those of prev in a
// single swap, which keeps every device pointer held by subscribers valid and
// never shows a reader half a merge. A nil pf keeps the current power flow.
// Otherwise fresh replaces prev and pf is ignored.
//
// A device of prev missing from fresh during the incremental path returns
// failure.ErrConsistency with prev untouched; the caller should force a
// rebuild on its next pass.
func Merge(prev, fresh *Snapshot, pf *PowerFlowSample) (MergeResult, error) {
	if !SameTopology(prev, fresh) {
		return MergeResult{Snapshot: fresh, TopologyChanged: true}, nil
	}

	payloads, err := mergePayloads(prev, fresh)
	if err != nil {
		return MergeResult{Snapshot: prev}, err
	}
	prev.update(func(next *state) {
		next.payloads = payloads
		if pf != nil {
			next.powerFlow = pf
		}
	})
	return MergeResult{Snapshot: prev}, nil
}

// mergePayloads maps every device of prev to its payload in fresh.
func mergePayloads(prev, fresh *Snapshot) (map[string]*Data, error) {
	current := prev.state.Load().payloads
	freshView := fresh.View()

	payloads := make(map[string]*Data, len(current))
	for k, v := range current {
		payloads[k] = v
	}
	for _, c := range mergedClasses {
		next := fresh.Group(c)
		for _, d := range prev.Group(c).Devices {
			nd, ok := next.Find(d.ID)
			if !ok {
				return nil, fmt.Errorf("%w: %s vanished during incremental merge", failure.ErrConsistency, d.Key())
			}
			payloads[d.Key()] = freshView.Data(nd)
		}
	}
	return payloads, nil
}
