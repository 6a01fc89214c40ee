package roomsync

import (
	"strconv"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Snapshot is a filtered, path-keyed view of the tree for one recipient
// (or for the broadcast-visible subset), taken at one mutation generation.
// Values are scalars or lists of scalars - nested nodes and keyed maps are
// flattened into sub-paths.
type Snapshot struct {
	generation uint64
	values     map[string]any
}

func newSnapshot(generation uint64) *Snapshot {
	return &Snapshot{
		generation: generation,
		values:     map[string]any{},
	}
}

func (self *Snapshot) Generation() uint64 {
	return self.generation
}

func (self *Snapshot) Len() int {
	return len(self.values)
}

func (self *Snapshot) Get(path string) (any, bool) {
	value, ok := self.values[path]
	return value, ok
}

// Paths returns the snapshot paths in sorted order.
func (self *Snapshot) Paths() []string {
	paths := maps.Keys(self.values)
	slices.Sort(paths)
	return paths
}

func (self *Snapshot) clone() *Snapshot {
	out := newSnapshot(self.generation)
	for path, value := range self.values {
		out.values[path] = value
	}
	return out
}

type extractMode int

const (
	// only fields visible to every recipient
	modeBroadcast extractMode = iota
	// the full filtered view for one recipient
	modeRecipient
	// only the subtrees rooted at a per-recipient or custom field,
	// resolved for one recipient. The complement of modeBroadcast.
	modeRecipientOnly
)

// ExtractBroadcast walks the tree and produces the subset visible to all
// recipients. The walk never descends into a PerRecipient or Custom field.
func ExtractBroadcast(root Node) (*Snapshot, error) {
	return extract(root, modeBroadcast, Id{}, nil, 0)
}

// ExtractForRecipient walks the tree and produces the full filtered view
// for one recipient. Visibility composes: a field is present only if its
// own policy and every ancestor's policy admit the recipient.
func ExtractForRecipient(root Node, recipientId Id) (*Snapshot, error) {
	return extract(root, modeRecipient, recipientId, nil, 0)
}

func extract(root Node, mode extractMode, recipientId Id, dirty *PathSet, generation uint64) (*Snapshot, error) {
	snapshot := newSnapshot(generation)
	e := &extractor{
		mode:        mode,
		recipientId: recipientId,
		dirty:       dirty,
		snapshot:    snapshot,
	}
	materialize := mode != modeRecipientOnly
	if err := e.walkNode("", root, materialize); err != nil {
		return nil, err
	}
	return snapshot, nil
}

type extractor struct {
	mode        extractMode
	recipientId Id
	// when set, bounds the walk to fields on a path to or inside a
	// marked path. The resulting snapshot is partial.
	dirty    *PathSet
	snapshot *Snapshot
}

func (self *extractor) walkNode(path string, node Node, materialize bool) error {
	for _, field := range node.SyncFields() {
		fieldPath := joinPath(path, field.Name)
		if self.dirty != nil && !self.dirty.Intersects(fieldPath) {
			continue
		}
		switch field.Policy.kind {
		case policyServerOnly:
			// never visible
		case policyBroadcast:
			if err := self.walkValue(fieldPath, field.Value, materialize); err != nil {
				return err
			}
		case policyMasked:
			masked, err := field.Policy.mask(field.Value)
			if err != nil {
				return newInconsistency(fieldPath, err)
			}
			if err := self.walkValue(fieldPath, masked, materialize); err != nil {
				return err
			}
		case policyPerRecipient, policyCustom:
			if self.mode == modeBroadcast {
				// not broadcast visible
				continue
			}
			filtered, present, err := field.Policy.filter(self.recipientId, field.Value)
			if err != nil {
				return newInconsistency(fieldPath, err)
			}
			if !present {
				// the whole subtree is pruned for this recipient
				continue
			}
			if err := self.walkValue(fieldPath, filtered, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *extractor) walkValue(path string, value any, materialize bool) error {
	switch v := value.(type) {
	case Node:
		return self.walkNode(path, v, materialize)
	case Map:
		// keyed entries always get their own path component so that
		// per-key filters and per-key diffs stay structurally aligned
		for key, element := range v {
			elementPath := joinPath(path, key)
			if self.dirty != nil && !self.dirty.Intersects(elementPath) {
				continue
			}
			if err := self.walkValue(elementPath, element, materialize); err != nil {
				return err
			}
		}
	case List:
		if listOfNodes(v) {
			for index, element := range v {
				elementPath := joinPath(path, strconv.Itoa(index))
				if err := self.walkValue(elementPath, element, materialize); err != nil {
					return err
				}
			}
		} else if materialize {
			self.snapshot.values[path] = slices.Clone(v)
		}
	default:
		if materialize {
			self.snapshot.values[path] = v
		}
	}
	return nil
}

func listOfNodes(list List) bool {
	if len(list) == 0 {
		return false
	}
	_, ok := list[0].(Node)
	return ok
}
