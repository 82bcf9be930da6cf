package pkgstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beastrepo/beast/internal/beast"
	"github.com/beastrepo/beast/internal/tree"
)

type memBlobs struct{ data map[beast.Hash][]byte }

func newMemBlobs() *memBlobs { return &memBlobs{data: map[beast.Hash][]byte{}} }

func (b *memBlobs) Write(data []byte) (beast.Hash, error) {
	h := beast.SumBytes(data)
	b.data[h] = append([]byte(nil), data...)
	return h, nil
}

func (b *memBlobs) Read(h beast.Hash) ([]byte, error) {
	data, ok := b.data[h]
	if !ok {
		return nil, beast.NewError(beast.ErrObjectNotFound, "not found")
	}
	return data, nil
}

type memRefs struct {
	refs map[string]beast.Hash // "name/version" -> hash
}

func newMemRefs() *memRefs { return &memRefs{refs: map[string]beast.Hash{}} }

func (r *memRefs) PackageWrite(name, version string, hash beast.Hash) error {
	r.refs[name+"/"+version] = hash
	return nil
}

func (r *memRefs) PackageResolve(name, version string) (beast.Hash, bool, error) {
	h, ok := r.refs[name+"/"+version]
	return h, ok, nil
}

func (r *memRefs) PackageVersions(name string) ([]string, error) {
	var versions []string
	for key := range r.refs {
		if len(key) > len(name)+1 && key[:len(name)+1] == name+"/" {
			versions = append(versions, key[len(name)+1:])
		}
	}
	return versions, nil
}

func (r *memRefs) PackageNames() ([]string, error) {
	seen := map[string]bool{}
	var names []string
	for key := range r.refs {
		for i, c := range key {
			if c == '/' {
				if !seen[key[:i]] {
					seen[key[:i]] = true
					names = append(names, key[:i])
				}
				break
			}
		}
	}
	return names, nil
}

func (r *memRefs) PackageRemove(name, version string) error {
	delete(r.refs, name+"/"+version)
	return nil
}

func testPackage() Package {
	structure := tree.NewBranch(map[string]*tree.Structure{
		"out": tree.NewValue("bytes"),
	}, []string{"out"})
	return Package{
		Tasks:        map[string]beast.Hash{},
		TaskOrder:    nil,
		Structure:    structure,
		RootTreeHash: beast.Hash{},
	}
}

func TestWriteTaskReadTaskRoundTrip(t *testing.T) {
	s := New(newMemBlobs(), newMemRefs())
	task := Task{Output: tree.Path{"out"}, Inputs: []tree.Path{{"raw"}}}
	h, err := s.WriteTask(task)
	require.NoError(t, err)

	got, err := s.ReadTask(h)
	require.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestImportResolveRoundTrip(t *testing.T) {
	s := New(newMemBlobs(), newMemRefs())
	pkg := testPackage()

	h, err := s.Import("app", "1.0.0", pkg)
	require.NoError(t, err)

	resolved, resolvedHash, err := s.Resolve("app", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, h, resolvedHash)
	assert.Equal(t, pkg.Structure.Order, resolved.Structure.Order)
}

func TestImportRejectsInvalidVersion(t *testing.T) {
	s := New(newMemBlobs(), newMemRefs())
	_, err := s.Import("app", "not-a-version", testPackage())
	assert.Error(t, err)
}

func TestImportIsIdempotentForIdenticalContent(t *testing.T) {
	s := New(newMemBlobs(), newMemRefs())
	pkg := testPackage()

	h1, err := s.Import("app", "1.0.0", pkg)
	require.NoError(t, err)
	h2, err := s.Import("app", "1.0.0", pkg)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestImportRejectsDivergentContentAtSameVersion(t *testing.T) {
	s := New(newMemBlobs(), newMemRefs())
	pkg := testPackage()
	_, err := s.Import("app", "1.0.0", pkg)
	require.NoError(t, err)

	other := testPackage()
	other.TaskOrder = []string{"changed"}
	_, err = s.Import("app", "1.0.0", other)
	assert.Error(t, err)
}

func TestLatestPicksHighestSemver(t *testing.T) {
	s := New(newMemBlobs(), newMemRefs())
	for _, v := range []string{"1.0.0", "1.2.0", "1.1.5"} {
		_, err := s.Import("app", v, testPackage())
		require.NoError(t, err)
	}

	_, _, version, err := s.Latest("app")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", version)
}

func TestLatestErrorsWhenNoVersionsImported(t *testing.T) {
	s := New(newMemBlobs(), newMemRefs())
	_, _, _, err := s.Latest("ghost")
	assert.Error(t, err)
}

func TestRemoveDropsReference(t *testing.T) {
	s := New(newMemBlobs(), newMemRefs())
	_, err := s.Import("app", "1.0.0", testPackage())
	require.NoError(t, err)

	require.NoError(t, s.Remove("app", "1.0.0"))
	_, _, err = s.Resolve("app", "1.0.0")
	assert.Error(t, err)
}
