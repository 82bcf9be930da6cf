package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beastrepo/beast/internal/beast"
)

// memBlobs is an in-memory Blobs fake, keyed by content hash like a real
// object store but with no filesystem involved.
type memBlobs struct {
	data map[beast.Hash][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{data: map[beast.Hash][]byte{}} }

func (b *memBlobs) Write(data []byte) (beast.Hash, error) {
	h := beast.SumBytes(data)
	b.data[h] = append([]byte(nil), data...)
	return h, nil
}

func (b *memBlobs) Read(h beast.Hash) ([]byte, error) {
	data, ok := b.data[h]
	if !ok {
		return nil, beast.NewError(beast.ErrObjectNotFound, "object %s not found", h)
	}
	return data, nil
}

func testStructure() *Structure {
	return NewBranch(map[string]*Structure{
		"name": NewValue("string"),
		"meta": NewBranch(map[string]*Structure{
			"owner": NewValue("string"),
		}, []string{"owner"}),
	}, []string{"name", "meta"})
}

func TestTreeWriteRejectsMissingField(t *testing.T) {
	l := New(newMemBlobs())
	_, err := l.TreeWrite(map[string]DataRef{"name": Unassigned()}, []string{"name"}, testStructure())
	assert.Error(t, err)
}

func TestTreeWriteRejectsKindMismatch(t *testing.T) {
	l := New(newMemBlobs())
	valueHash, err := l.DatasetWrite("string", []byte("hi"))
	require.NoError(t, err)

	_, err = l.TreeWrite(map[string]DataRef{
		"name": ValueRef(valueHash),
		"meta": ValueRef(valueHash), // meta is a branch in the structure
	}, []string{"name", "meta"}, testStructure())
	assert.Error(t, err)
}

func TestEmptyTreeConformsAndResolves(t *testing.T) {
	l := New(newMemBlobs())
	structure := testStructure()

	rootHash, err := l.EmptyTree(structure)
	require.NoError(t, err)

	ref, err := l.ResolvePath(rootHash, Path{"name"}, structure)
	require.NoError(t, err)
	assert.Equal(t, RefUnassigned, ref.Kind)

	ref, err = l.ResolvePath(rootHash, Path{"meta", "owner"}, structure)
	require.NoError(t, err)
	assert.Equal(t, RefUnassigned, ref.Kind)
}

func TestDatasetWriteReadRoundTrip(t *testing.T) {
	l := New(newMemBlobs())
	h, err := l.DatasetWrite("string", []byte("hello"))
	require.NoError(t, err)

	got, err := l.DatasetRead(h)
	require.NoError(t, err)
	assert.Equal(t, TypeDescriptor("string"), got.Type)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestSetByHashStructuralSharingLeavesSiblingsUnchanged(t *testing.T) {
	l := New(newMemBlobs())
	structure := testStructure()
	rootHash, err := l.EmptyTree(structure)
	require.NoError(t, err)

	ownerHash, err := l.DatasetWrite("string", []byte("alice"))
	require.NoError(t, err)
	newRoot, err := l.SetByHash(rootHash, Path{"meta", "owner"}, structure, ValueRef(ownerHash))
	require.NoError(t, err)
	assert.NotEqual(t, rootHash, newRoot)

	// The untouched "name" field's DataRef should be identical across
	// both roots: setting "meta/owner" must not rewrite anything outside the
	// chain down to it (spec invariant: structural sharing).
	oldRoot, err := l.TreeRead(rootHash, structure)
	require.NoError(t, err)
	updatedRoot, err := l.TreeRead(newRoot, structure)
	require.NoError(t, err)
	assert.Equal(t, oldRoot.Fields["name"], updatedRoot.Fields["name"])

	ref, err := l.ResolvePath(newRoot, Path{"meta", "owner"}, structure)
	require.NoError(t, err)
	assert.Equal(t, ValueRef(ownerHash), ref)
}

func TestSetByHashRejectsEmptyPath(t *testing.T) {
	l := New(newMemBlobs())
	structure := testStructure()
	rootHash, err := l.EmptyTree(structure)
	require.NoError(t, err)

	_, err = l.SetByHash(rootHash, Path{}, structure, Null())
	assert.Error(t, err)
}

func TestResolvePathMissingFieldErrors(t *testing.T) {
	l := New(newMemBlobs())
	structure := testStructure()
	rootHash, err := l.EmptyTree(structure)
	require.NoError(t, err)

	_, err = l.ResolvePath(rootHash, Path{"nope"}, structure)
	assert.Error(t, err)
}

func TestPathKeyJoinsWithSlash(t *testing.T) {
	assert.Equal(t, "meta/owner", Path{"meta", "owner"}.Key())
	assert.Equal(t, "", Path{}.Key())
}
