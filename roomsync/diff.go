package roomsync

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type PatchOp string

const (
	PatchOpSet    PatchOp = "set"
	PatchOpDelete PatchOp = "delete"
)

// Patch is a single path-scoped operation describing one change between
// two snapshots. Patches always address the most specific flattened path -
// keyed maps and node lists diff per entry, scalar lists are replaced
// wholesale as leaf values.
type Patch struct {
	Path  string  `json:"path"`
	Op    PatchOp `json:"op"`
	Value any     `json:"value,omitempty"`
}

// ComputeDiff compares two snapshots for the same recipient and returns
// the ordered patch set that transforms previous into current.
//
// A nil dirty set means full comparison. With a dirty set, a path absent
// from current produces a delete only if the path (or a subtree containing
// it) is marked dirty - a field absent from a partial snapshot is not
// necessarily removed from the tree.
func ComputeDiff(previous *Snapshot, current *Snapshot, dirty *PathSet) ([]Patch, error) {
	if previous != nil && current.generation < previous.generation {
		return nil, newInconsistency("", fmt.Errorf(
			"snapshot generation went backward (%d < %d)",
			current.generation,
			previous.generation,
		))
	}

	patches := []Patch{}
	for _, path := range unionPaths(previous, current) {
		currentValue, inCurrent := current.values[path]
		if !inCurrent {
			if dirty == nil || dirty.Contains(path) {
				patches = append(patches, Patch{
					Path: path,
					Op:   PatchOpDelete,
				})
			}
			// untouched and absent from a partial snapshot: unchanged
			continue
		}
		if previous != nil {
			if previousValue, inPrevious := previous.values[path]; inPrevious {
				if valueEqual(previousValue, currentValue) {
					continue
				}
			}
		}
		patches = append(patches, Patch{
			Path:  path,
			Op:    PatchOpSet,
			Value: currentValue,
		})
	}
	return patches, nil
}

func unionPaths(previous *Snapshot, current *Snapshot) []string {
	paths := map[string]bool{}
	if previous != nil {
		for path := range previous.values {
			paths[path] = true
		}
	}
	for path := range current.values {
		paths[path] = true
	}
	out := maps.Keys(paths)
	slices.Sort(out)
	return out
}

// snapshot values are scalars or lists of scalars
func valueEqual(a any, b any) bool {
	if aList, ok := a.(List); ok {
		bList, ok := b.(List)
		if !ok || len(aList) != len(bList) {
			return false
		}
		for i := range aList {
			if !valueEqual(aList[i], bList[i]) {
				return false
			}
		}
		return true
	}
	if _, ok := b.(List); ok {
		return false
	}
	return a == b
}

// setPatches materializes a full snapshot as set patches, in path order.
// This is the first-sync contract: every visible field present as a set,
// so the client applies the snapshot wholesale.
func setPatches(snapshot *Snapshot) []Patch {
	patches := make([]Patch, 0, snapshot.Len())
	for _, path := range snapshot.Paths() {
		patches = append(patches, Patch{
			Path:  path,
			Op:    PatchOpSet,
			Value: snapshot.values[path],
		})
	}
	return patches
}

// mergePatches unions broadcast patches with per-recipient patches. A
// per-recipient patch at a path overrides the broadcast patch at the same
// path. Output is in path order.
func mergePatches(broadcastPatches []Patch, recipientPatches []Patch) []Patch {
	byPath := map[string]Patch{}
	for _, patch := range broadcastPatches {
		byPath[patch.Path] = patch
	}
	for _, patch := range recipientPatches {
		byPath[patch.Path] = patch
	}
	paths := maps.Keys(byPath)
	slices.Sort(paths)
	merged := make([]Patch, 0, len(paths))
	for _, path := range paths {
		merged = append(merged, byPath[path])
	}
	return merged
}

// advanceSnapshot applies the patches computed from a partial snapshot to
// the cached full snapshot, producing the next cached full snapshot.
func advanceSnapshot(base *Snapshot, generation uint64, patches []Patch) *Snapshot {
	var next *Snapshot
	if base == nil {
		next = newSnapshot(generation)
	} else {
		next = base.clone()
		next.generation = generation
	}
	for _, patch := range patches {
		switch patch.Op {
		case PatchOpSet:
			next.values[patch.Path] = patch.Value
		case PatchOpDelete:
			delete(next.values, patch.Path)
		}
	}
	return next
}

type recipientSyncState struct {
	// the last-sent per-recipient overlay (per-recipient subtrees only)
	overlay      *Snapshot
	lastSyncTime time.Time
}

// syncEngine computes per-recipient patch sets for one room. The broadcast
// portion of the tree is extracted and diffed once per cycle and shared
// across recipients; only the per-recipient overlay is computed per
// recipient. The engine caches the last-sent snapshots to diff against.
//
// The engine is owned by the room and only ever called from the room's
// serialized context.
type syncEngine struct {
	roomId Id

	cacheTimeout time.Duration

	// last-sent broadcast snapshot, shared by all recipients
	broadcast  *Snapshot
	recipients map[Id]*recipientSyncState
}

func newSyncEngine(roomId Id, cacheTimeout time.Duration) *syncEngine {
	return &syncEngine{
		roomId:       roomId,
		cacheTimeout: cacheTimeout,
		recipients:   map[Id]*recipientSyncState{},
	}
}

// sync runs one cycle: extract, diff, merge, and advance the caches.
// Returns the patch set per recipient. A recipient whose cycle hit an
// internal inconsistency is omitted from the result - the error is logged
// and the recipient catches up on the next cycle. Recipients with an empty
// patch set are omitted.
func (self *syncEngine) sync(root Node, generation uint64, recipientIds []Id, dirty *PathSet, now time.Time) map[Id][]Patch {
	out := map[Id][]Patch{}

	// a cold cache has no baseline to advance, so the broadcast view must
	// be extracted in full regardless of the dirty scope
	broadcastDirty := dirty
	if self.broadcast == nil {
		broadcastDirty = nil
	}
	currentBroadcast, err := extract(root, modeBroadcast, Id{}, broadcastDirty, generation)
	if err != nil {
		// a broken broadcast filter poisons every recipient's cycle
		glog.Errorf("[sync]%s broadcast extraction failed = %s\n", self.roomId, err)
		return out
	}
	broadcastPatches, err := ComputeDiff(self.broadcast, currentBroadcast, broadcastDirty)
	if err != nil {
		glog.Errorf("[sync]%s broadcast diff failed = %s\n", self.roomId, err)
		return out
	}
	nextBroadcast := advanceSnapshot(self.broadcast, generation, broadcastPatches)

	for _, recipientId := range recipientIds {
		state, warmed := self.recipients[recipientId]
		if !warmed {
			// first sync: insert everything and warm the cache rather
			// than diffing against empty
			overlay, err := extract(root, modeRecipientOnly, recipientId, nil, generation)
			if err != nil {
				glog.Errorf("[sync]%s first sync failed for %s = %s\n", self.roomId, recipientId, err)
				continue
			}
			self.recipients[recipientId] = &recipientSyncState{
				overlay:      overlay,
				lastSyncTime: now,
			}
			out[recipientId] = mergePatches(setPatches(nextBroadcast), setPatches(overlay))
			continue
		}

		currentOverlay, err := extract(root, modeRecipientOnly, recipientId, dirty, generation)
		if err != nil {
			// the dirty set is cleared after this cycle, so a stale cache
			// would silently swallow the missed changes. Forget the
			// recipient so the next cycle replays the wholesale snapshot.
			glog.Errorf("[sync]%s extraction failed for %s = %s\n", self.roomId, recipientId, err)
			self.forget(recipientId)
			continue
		}
		recipientPatches, err := ComputeDiff(state.overlay, currentOverlay, dirty)
		if err != nil {
			glog.Errorf("[sync]%s diff failed for %s = %s\n", self.roomId, recipientId, err)
			self.forget(recipientId)
			continue
		}
		state.overlay = advanceSnapshot(state.overlay, generation, recipientPatches)
		state.lastSyncTime = now

		if patches := mergePatches(broadcastPatches, recipientPatches); 0 < len(patches) {
			out[recipientId] = patches
		}
	}

	self.broadcast = nextBroadcast
	glog.V(2).Infof("[sync]%s generation=%d recipients=%d patched=%d\n", self.roomId, generation, len(recipientIds), len(out))
	return out
}

// forget drops the cache for a recipient so that a rejoin starts from the
// first-sync contract.
func (self *syncEngine) forget(recipientId Id) {
	delete(self.recipients, recipientId)
}

// evict drops cache entries for inactive recipients that have not synced
// within the cache timeout.
func (self *syncEngine) evict(now time.Time, active map[Id]bool) {
	for recipientId, state := range self.recipients {
		if active[recipientId] {
			continue
		}
		if self.cacheTimeout <= now.Sub(state.lastSyncTime) {
			delete(self.recipients, recipientId)
			glog.V(2).Infof("[sync]%s evict %s\n", self.roomId, recipientId)
		}
	}
}
