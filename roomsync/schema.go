package roomsync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(*self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// a Node is one typed record in the state tree. Implementations return the
// current fields on every call so that extraction always sees live values.
// Field values must be scalars (comparable), List, Map, or nested Node.
type Node interface {
	SyncFields() []Field
}

// ordered collection. Elements are scalars or Nodes, never mixed.
type List []any

// keyed collection. Every entry gets its own path component.
type Map map[string]any

type Field struct {
	Name   string
	Policy Policy
	Value  any
}

type policyKind int

const (
	policyServerOnly policyKind = iota
	policyBroadcast
	policyMasked
	policyPerRecipient
	policyCustom
)

// Policy is a tagged variant over a fixed set of per-field visibility rules.
// Filters are strongly typed at the declaration site via the generic
// constructors. A filter may omit a field but must never change its type
// when present - extraction verifies this and fails the cycle on mismatch.
type Policy struct {
	kind policyKind
	// non-nil for policyMasked
	mask func(value any) (any, error)
	// non-nil for policyPerRecipient and policyCustom
	filter func(recipientId Id, value any) (any, bool, error)
}

// the field never appears in any snapshot
func ServerOnly() Policy {
	return Policy{
		kind: policyServerOnly,
	}
}

// the field appears with an identical value in every recipient's snapshot
func Broadcast() Policy {
	return Policy{
		kind: policyBroadcast,
	}
}

// the field appears with the transformed value, identical for all recipients
func Masked[V any](transform func(V) V) Policy {
	return Policy{
		kind: policyMasked,
		mask: func(value any) (any, error) {
			v, ok := value.(V)
			if !ok {
				return nil, newTypeMismatch(value)
			}
			return transform(v), nil
		},
	}
}

// each recipient sees the filtered value, or nothing when the filter
// returns false
func PerRecipient[V any](filter func(value V, recipientId Id) (V, bool)) Policy {
	return Policy{
		kind: policyPerRecipient,
		filter: func(recipientId Id, value any) (any, bool, error) {
			v, ok := value.(V)
			if !ok {
				return nil, false, newTypeMismatch(value)
			}
			out, present := filter(v, recipientId)
			return out, present, nil
		},
	}
}

// most general filter. Same contract as PerRecipient with the recipient
// first, for recipient-driven logic.
func Custom[V any](filter func(recipientId Id, value V) (V, bool)) Policy {
	return Policy{
		kind: policyCustom,
		filter: func(recipientId Id, value any) (any, bool, error) {
			v, ok := value.(V)
			if !ok {
				return nil, false, newTypeMismatch(value)
			}
			out, present := filter(recipientId, v)
			return out, present, nil
		},
	}
}

func newTypeMismatch(value any) error {
	return fmt.Errorf("filter input type mismatch (%T)", value)
}

// OwnEntry is the common keyed-map slice filter: the recipient sees only
// its own entry. The map shape is preserved (a map with at most one entry)
// so that broadcast and per-recipient outputs stay structurally comparable.
func OwnEntry() Policy {
	return PerRecipient(func(value Map, recipientId Id) (Map, bool) {
		key := recipientId.String()
		if entry, ok := value[key]; ok {
			return Map{key: entry}, true
		}
		return Map{}, true
	})
}

// paths are slash delimited, e.g. /players/alice/hp. The root path is "".
func joinPath(parent string, name string) string {
	return parent + "/" + name
}

func isPathAncestor(ancestor string, path string) bool {
	return len(ancestor) < len(path) &&
		strings.HasPrefix(path, ancestor) &&
		path[len(ancestor)] == '/'
}

// PathSet is a set of field paths with prefix semantics, used as the dirty
// set of a room between sync cycles.
type PathSet struct {
	paths map[string]bool
}

func NewPathSet(paths ...string) *PathSet {
	pathSet := &PathSet{
		paths: map[string]bool{},
	}
	for _, path := range paths {
		pathSet.Mark(path)
	}
	return pathSet
}

func (self *PathSet) Mark(path string) {
	self.paths[path] = true
}

func (self *PathSet) Len() int {
	return len(self.paths)
}

func (self *PathSet) Clear() {
	maps.Clear(self.paths)
}

func (self *PathSet) Union(other *PathSet) {
	for path := range other.paths {
		self.paths[path] = true
	}
}

// Paths returns the marked paths in sorted order.
func (self *PathSet) Paths() []string {
	paths := maps.Keys(self.paths)
	slices.Sort(paths)
	return paths
}

// Contains returns true if the path or an ancestor of the path is marked.
// This is the rule that gates delete patches: a field may only be deleted
// if it (or a subtree containing it) was actually touched.
func (self *PathSet) Contains(path string) bool {
	if self.paths[path] {
		return true
	}
	for marked := range self.paths {
		if isPathAncestor(marked, path) {
			return true
		}
	}
	return false
}

// Intersects returns true if the path is marked, an ancestor of a marked
// path, or a descendant of a marked path. This is the rule that bounds a
// partial extraction: the walk must descend toward every marked leaf and
// through every marked subtree.
func (self *PathSet) Intersects(path string) bool {
	if self.Contains(path) {
		return true
	}
	for marked := range self.paths {
		if isPathAncestor(path, marked) {
			return true
		}
	}
	return false
}
