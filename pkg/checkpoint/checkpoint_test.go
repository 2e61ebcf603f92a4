package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
)

func blogClass() *veloxtype.Class {
	return &veloxtype.Class{
		ID:   1,
		Name: "Blog",
		Properties: []veloxtype.PropertyDescriptor{
			{Name: "Url", Type: veloxtype.ScalarString},
		},
	}
}

func postClass() *veloxtype.Class {
	return &veloxtype.Class{
		ID:   2,
		Name: "Post",
		Properties: []veloxtype.PropertyDescriptor{
			{Name: "Title", Type: veloxtype.ScalarString},
		},
		References: []veloxtype.ReferenceDescriptor{
			{Name: "Blog", TargetClass: 1, Cardinality: veloxtype.CardinalityOne, OnDelete: veloxtype.OnDeleteCascade, Indexed: true},
		},
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := store.New()
	s.RegisterClass(blogClass())
	s.RegisterClass(postClass())

	blogID := s.Allocate(1)
	require.NoError(t, s.WriteVersion(blogID, &veloxtype.Version{CreateCSN: 1, Properties: []any{"http://x"}}))

	postID := s.Allocate(2)
	require.NoError(t, s.WriteVersion(postID, &veloxtype.Version{
		CreateCSN:  2,
		Properties: []any{"hello"},
		References: []veloxtype.RefValue{{Single: blogID}},
	}))
	s.InverseSet(blogID, 2, 0).Add(postID)

	path, err := Snapshot(dir, 2, s)
	require.NoError(t, err)

	restored := store.New()
	csn, err := Restore(path, restored)
	require.NoError(t, err)
	require.Equal(t, veloxtype.CSN(2), csn)

	gotBlog, err := restored.Read(blogID, 2)
	require.NoError(t, err)
	require.Equal(t, "http://x", gotBlog.Properties[0])

	gotPost, err := restored.Read(postID, 2)
	require.NoError(t, err)
	require.Equal(t, "hello", gotPost.Properties[0])
	require.Equal(t, blogID, gotPost.References[0].Single)

	inv := restored.InverseSet(blogID, 2, 0)
	require.True(t, inv.Contains(postID))
	require.Equal(t, 1, inv.Len())
}

func TestLatestPicksHighestCSN(t *testing.T) {
	dir := t.TempDir()
	s := store.New()
	s.RegisterClass(blogClass())

	id := s.Allocate(1)
	require.NoError(t, s.WriteVersion(id, &veloxtype.Version{CreateCSN: 1, Properties: []any{"http://a"}}))
	_, err := Snapshot(dir, 1, s)
	require.NoError(t, err)

	require.NoError(t, s.WriteVersion(id, &veloxtype.Version{CreateCSN: 5, Properties: []any{"http://b"}}))
	_, err = Snapshot(dir, 5, s)
	require.NoError(t, err)

	path, csn, ok := Latest(dir)
	require.True(t, ok)
	require.Equal(t, veloxtype.CSN(5), csn)

	restored := store.New()
	_, err = Restore(path, restored)
	require.NoError(t, err)
	got, err := restored.Read(id, 5)
	require.NoError(t, err)
	require.Equal(t, "http://b", got.Properties[0])
}

func TestMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/meta"

	missing, err := ReadMeta(path)
	require.NoError(t, err)
	require.Equal(t, Meta{}, missing)

	want := Meta{CheckpointLSN: veloxtype.LSN{Segment: 3, Offset: 128}, Epoch: 7}
	require.NoError(t, WriteMeta(path, want))

	got, err := ReadMeta(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
