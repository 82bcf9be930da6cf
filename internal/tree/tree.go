package tree

import (
	"github.com/pkg/errors"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/codec"
)

// Blobs is the minimal storage surface the tree layer needs: write bytes by
// hash, read bytes by hash. internal/objectstore.Store satisfies this.
type Blobs interface {
	Write(b []byte) (beast.Hash, error)
	Read(h beast.Hash) ([]byte, error)
}

// Layer bundles a blob store with the tree-level operations that build on
// it.
type Layer struct {
	blobs Blobs
}

// New constructs a tree Layer over blobs.
func New(blobs Blobs) *Layer {
	return &Layer{blobs: blobs}
}

// TreeWrite validates fields against structure (invariant I3) and stores the
// resulting Tree Object, returning its hash.
func (l *Layer) TreeWrite(fields map[string]DataRef, order []string, structure *Structure) (beast.Hash, error) {
	obj := &TreeObject{Fields: fields, Order: order}
	if err := obj.conforms(structure); err != nil {
		return beast.Hash{}, errors.Wrap(err, "tree: TreeWrite")
	}
	encoded, err := codec.Encode(codec.TagTree, obj)
	if err != nil {
		return beast.Hash{}, err
	}
	return l.blobs.Write(encoded)
}

// TreeRead reads the Tree Object at h and validates it against structure
// (invariant I2/I3).
func (l *Layer) TreeRead(h beast.Hash, structure *Structure) (*TreeObject, error) {
	data, err := l.blobs.Read(h)
	if err != nil {
		return nil, err
	}
	var obj TreeObject
	if err := codec.Decode(data, codec.TagTree, &obj); err != nil {
		return nil, beast.Wrap(err, beast.ErrExecutionCorrupt, "tree: decoding tree object %s", h)
	}
	if err := obj.conforms(structure); err != nil {
		return nil, beast.Wrap(err, beast.ErrExecutionCorrupt, "tree: tree object %s does not match structure", h)
	}
	return &obj, nil
}

// DatasetValue is a decoded dataset leaf: its logical type plus the raw gob
// payload bytes, readable without external type information (spec §4.4).
type DatasetValue struct {
	Type    TypeDescriptor
	Payload []byte
}

// valueEnvelope is the gob-encoded shape stored for a dataset value, letting
// DatasetRead recover Type from the bytes alone.
type valueEnvelope struct {
	Type    TypeDescriptor
	Payload []byte
}

// DatasetWrite encodes value (already serialized by the caller/executor into
// payload bytes, since the core treats dataset contents opaquely) tagged
// with its type, and stores it.
func (l *Layer) DatasetWrite(valueType TypeDescriptor, payload []byte) (beast.Hash, error) {
	encoded, err := codec.Encode(codec.TagValue, valueEnvelope{Type: valueType, Payload: payload})
	if err != nil {
		return beast.Hash{}, err
	}
	return l.blobs.Write(encoded)
}

// DatasetRead decodes the self-describing value blob at h.
func (l *Layer) DatasetRead(h beast.Hash) (DatasetValue, error) {
	data, err := l.blobs.Read(h)
	if err != nil {
		return DatasetValue{}, err
	}
	var env valueEnvelope
	if err := codec.Decode(data, codec.TagValue, &env); err != nil {
		return DatasetValue{}, beast.Wrap(err, beast.ErrExecutionCorrupt, "tree: decoding dataset value %s", h)
	}
	return DatasetValue{Type: env.Type, Payload: env.Payload}, nil
}

// ResolvePath walks path from the tree rooted at rootHash, returning the
// DataRef found at the end. If path terminates at a branch, the returned
// DataRef is TreeRef(hash-of-that-branch).
func (l *Layer) ResolvePath(rootHash beast.Hash, path Path, structure *Structure) (DataRef, error) {
	if len(path) == 0 {
		return TreeRef(rootHash), nil
	}
	cur := rootHash
	curStructure := structure
	for i, seg := range path {
		obj, err := l.TreeRead(cur, curStructure)
		if err != nil {
			return DataRef{}, err
		}
		ref, ok := obj.Fields[seg]
		if !ok {
			return DataRef{}, beast.NewError(beast.ErrDatasetNotFound, "no field %q at path %v", seg, path[:i+1])
		}
		childStructure, ok := curStructure.Child(seg)
		if !ok {
			return DataRef{}, beast.NewError(beast.ErrDatasetNotFound, "structure has no field %q", seg)
		}
		if i == len(path)-1 {
			return ref, nil
		}
		if ref.Kind != RefTree {
			return DataRef{}, errors.Errorf("tree: path %v descends through non-branch field %q", path, seg)
		}
		cur = ref.Hash
		curStructure = childStructure
	}
	return DataRef{}, errors.New("tree: unreachable")
}
