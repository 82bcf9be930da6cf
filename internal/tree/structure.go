// Package tree implements the dataset/tree layer of spec §4.4: Structure,
// DataRef, Tree Object read/write, dataset value read/write, path
// navigation, and structural-sharing mutation. Structural sharing on update
// is grounded on the same content-addressed-rewrite idiom turbo uses for its
// cache artifacts (internal/cache.fsCache.Put): objects are never mutated in
// place, only ever created fresh and referenced by hash.
package tree

import (
	"github.com/pkg/errors"

	"github.com/beastrepo/beast/internal/beast"
)

// Kind discriminates the two shapes a Structure node can take (spec §3).
type Kind int

const (
	KindBranch Kind = iota
	KindValue
)

// TypeDescriptor names the logical value type at a leaf (e.g. "int64",
// "string", "bool"). The core treats these opaquely; only the codec and the
// external executor interpret them.
type TypeDescriptor string

// Structure is a tagged tree describing the shape of a workspace's data
// (spec §3): struct{name -> structure} at branches, value(type) at leaves.
// Structure is part of a package and never changes within a deployed
// workspace.
type Structure struct {
	Kind   Kind
	Type   TypeDescriptor            // valid iff Kind == KindValue
	Fields map[string]*Structure     // valid iff Kind == KindBranch
	Order  []string                  // field iteration order, mirrors Fields' keys
}

// NewBranch constructs a branch Structure node.
func NewBranch(fields map[string]*Structure, order []string) *Structure {
	return &Structure{Kind: KindBranch, Fields: fields, Order: order}
}

// NewValue constructs a leaf Structure node of the given type.
func NewValue(t TypeDescriptor) *Structure {
	return &Structure{Kind: KindValue, Type: t}
}

// Child looks up a named field of a branch Structure.
func (s *Structure) Child(name string) (*Structure, bool) {
	if s == nil || s.Kind != KindBranch {
		return nil, false
	}
	child, ok := s.Fields[name]
	return child, ok
}

// Path is an ordered sequence of field-name segments addressing a dataset or
// subtree within a Structure (spec §4.4 "Navigation").
type Path []string

// Key returns a canonical string form of p, suitable for use as a map key
// when comparing paths for equality (e.g. matching a task's declared output
// path against another task's declared input paths).
func (p Path) Key() string {
	key := ""
	for i, seg := range p {
		if i > 0 {
			key += "/"
		}
		key += seg
	}
	return key
}

// Resolve walks path from s, returning the Structure node at the end.
func (s *Structure) Resolve(path Path) (*Structure, error) {
	cur := s
	for i, seg := range path {
		if cur == nil || cur.Kind != KindBranch {
			return nil, errors.Errorf("path %v: %s is not a branch (at segment %d)", path, seg, i)
		}
		child, ok := cur.Fields[seg]
		if !ok {
			return nil, errors.Errorf("path %v: no field %q", path, seg)
		}
		cur = child
	}
	return cur, nil
}

// RefKind discriminates the four DataRef variants (spec §3).
type RefKind int

const (
	RefUnassigned RefKind = iota
	RefValue
	RefTree
	RefNull
)

// DataRef is one field's value within a Tree Object: a leaf value, a nested
// subtree, an as-yet-unproduced dataset, or an explicit null.
type DataRef struct {
	Kind RefKind
	Hash beast.Hash // valid iff Kind == RefValue || Kind == RefTree
}

// Unassigned is the DataRef for a dataset that must be produced by a task
// and has not yet been.
func Unassigned() DataRef { return DataRef{Kind: RefUnassigned} }

// Null is the DataRef for an explicitly null leaf.
func Null() DataRef { return DataRef{Kind: RefNull} }

// ValueRef wraps a value blob hash.
func ValueRef(h beast.Hash) DataRef { return DataRef{Kind: RefValue, Hash: h} }

// TreeRef wraps a nested subtree blob hash.
func TreeRef(h beast.Hash) DataRef { return DataRef{Kind: RefTree, Hash: h} }

// TreeObject is a blob whose logical type is "mapping from field name to
// DataRef" (spec §3).
type TreeObject struct {
	Fields map[string]DataRef
	Order  []string
}

// conforms validates that every field declared in structure.Fields has a
// DataRef in t.Fields whose Kind matches the child's Kind (RefValue for a
// value child, RefTree for a branch child) or is Unassigned/Null (spec §4.4
// treeWrite validation, invariant I3).
func (t *TreeObject) conforms(structure *Structure) error {
	if structure.Kind != KindBranch {
		return errors.New("tree: structure is not a branch")
	}
	for _, name := range structure.Order {
		child := structure.Fields[name]
		ref, ok := t.Fields[name]
		if !ok {
			return errors.Errorf("tree: missing field %q declared by structure", name)
		}
		switch ref.Kind {
		case RefUnassigned, RefNull:
			continue
		case RefValue:
			if child.Kind != KindValue {
				return errors.Errorf("tree: field %q is a value ref but structure declares a branch", name)
			}
		case RefTree:
			if child.Kind != KindBranch {
				return errors.Errorf("tree: field %q is a tree ref but structure declares a value", name)
			}
		default:
			return errors.Errorf("tree: field %q has unknown DataRef kind %d", name, ref.Kind)
		}
	}
	return nil
}
