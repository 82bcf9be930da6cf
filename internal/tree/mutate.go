package tree

import (
	"github.com/beastrepo/beast/internal/beast"
)

// chainLink records one tree object visited while walking a path, so
// SetByHash can rewrite the chain bottom-up once the leaf parent's field has
// been replaced (spec §4.4 "Mutation with structural sharing").
type chainLink struct {
	obj       *TreeObject
	structure *Structure
	fieldName string // the field of obj.Fields that the next link (or the new leaf) replaces
}

// SetByHash performs the five-step structural-sharing mutation of spec
// §4.4: walk path from rootHash, replace the target field's DataRef with
// ValueRef(valueHash) (or TreeRef for an intermediate set), re-serialize and
// store each tree blob on the chain bottom-up, and return the new root hash.
// The caller commits this new root hash as the single atomic step (step 5);
// SetByHash itself never mutates any persisted workspace state.
func (l *Layer) SetByHash(rootHash beast.Hash, path Path, structure *Structure, newRef DataRef) (beast.Hash, error) {
	if len(path) == 0 {
		return beast.Hash{}, beast.NewError(beast.ErrInternal, "tree: SetByHash requires a non-empty path")
	}

	var chain []chainLink
	cur := rootHash
	curStructure := structure
	for i := 0; i < len(path)-1; i++ {
		seg := path[i]
		obj, err := l.TreeRead(cur, curStructure)
		if err != nil {
			return beast.Hash{}, err
		}
		childStructure, ok := curStructure.Child(seg)
		if !ok {
			return beast.Hash{}, beast.NewError(beast.ErrDatasetNotFound, "structure has no field %q", seg)
		}
		ref, ok := obj.Fields[seg]
		if !ok {
			return beast.Hash{}, beast.NewError(beast.ErrDatasetNotFound, "no field %q at path %v", seg, path[:i+1])
		}
		chain = append(chain, chainLink{obj: obj, structure: curStructure, fieldName: seg})
		if ref.Kind == RefTree {
			cur = ref.Hash
		} else {
			// An intermediate segment was unassigned/null; there is no
			// existing subtree to descend into, so start a fresh empty one
			// conforming to childStructure.
			empty, err := l.emptyTree(childStructure)
			if err != nil {
				return beast.Hash{}, err
			}
			cur = empty
		}
		curStructure = childStructure
	}

	leafField := path[len(path)-1]
	leafObj, err := l.TreeRead(cur, curStructure)
	if err != nil {
		return beast.Hash{}, err
	}
	if _, ok := leafObj.Fields[leafField]; !ok {
		return beast.Hash{}, beast.NewError(beast.ErrDatasetNotFound, "no field %q at path %v", leafField, path)
	}

	newChildHash, err := l.rewriteAndCommit(leafObj, curStructure, leafField, newRef)
	if err != nil {
		return beast.Hash{}, err
	}

	// Re-serialize each parent on the chain, bottom-up, substituting the
	// newly-written child hash for its corresponding field (spec §4.4 step
	// 4). Unchanged siblings are untouched and therefore reused by hash:
	// this is the structural sharing property (P9).
	childRef := TreeRef(newChildHash)
	for i := len(chain) - 1; i >= 0; i-- {
		link := chain[i]
		nextHash, err := l.rewriteAndCommit(link.obj, link.structure, link.fieldName, childRef)
		if err != nil {
			return beast.Hash{}, err
		}
		childRef = TreeRef(nextHash)
	}
	return childRef.Hash, nil
}

// rewriteAndCommit copies obj with field replaced by newRef and writes it,
// re-validating against structure (invariant I3).
func (l *Layer) rewriteAndCommit(obj *TreeObject, structure *Structure, field string, newRef DataRef) (beast.Hash, error) {
	fields := make(map[string]DataRef, len(obj.Fields))
	for k, v := range obj.Fields {
		fields[k] = v
	}
	fields[field] = newRef
	return l.TreeWrite(fields, obj.Order, structure)
}

// emptyTree builds and stores a Tree Object for structure with every field
// Unassigned, used when SetByHash must materialize an intermediate subtree
// that didn't exist yet.
func (l *Layer) emptyTree(structure *Structure) (beast.Hash, error) {
	fields := make(map[string]DataRef, len(structure.Order))
	for _, name := range structure.Order {
		child := structure.Fields[name]
		if child.Kind == KindBranch {
			h, err := l.emptyTree(child)
			if err != nil {
				return beast.Hash{}, err
			}
			fields[name] = TreeRef(h)
		} else {
			fields[name] = Unassigned()
		}
	}
	return l.TreeWrite(fields, structure.Order, structure)
}

// EmptyTree is the exported entry point for building a brand-new, fully
// unassigned tree conforming to structure (used by callers building a
// package's initial root, and by tests).
func (l *Layer) EmptyTree(structure *Structure) (beast.Hash, error) {
	return l.emptyTree(structure)
}
