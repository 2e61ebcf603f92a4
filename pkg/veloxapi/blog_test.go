package veloxapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/veloxdb/veloxdb/pkg/dispatch"
	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
	"github.com/veloxdb/veloxdb/pkg/wal"
)

type noopAppender struct{}

func (noopAppender) Append(recordType wal.RecordType, payload []byte) (veloxtype.LSN, error) {
	return veloxtype.LSN{}, nil
}
func (noopAppender) FlushThrough(veloxtype.LSN) error { return nil }

func newHarness(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	s := store.New()
	RegisterSchema(s)
	mgr := txn.NewManager(s, noopAppender{}, nil, nil, txn.DefaultGroupCommitOptions())
	t.Cleanup(mgr.Stop)
	d := dispatch.New(mgr, nil)
	RegisterOperations(d)
	return d
}

func invoke(t *testing.T, d *dispatch.Dispatcher, api, op string, args any) []byte {
	t.Helper()
	var blob []byte
	if args != nil {
		var err error
		blob, err = bson.Marshal(args)
		require.NoError(t, err)
	}
	out, err := d.Invoke(context.Background(), api, op, blob)
	require.NoError(t, err)
	return out
}

// TestCreateGetDeleteRoundTrip drives the create/get/delete round
// trip through the dispatcher.
func TestCreateGetDeleteRoundTrip(t *testing.T) {
	d := newHarness(t)

	out := invoke(t, d, "Blog", "Create", CreateBlogArgs{Url: "http://x"})
	var created BlogResult
	require.NoError(t, bson.Unmarshal(out, &created))
	require.Equal(t, uint64(1), created.Id)
	require.Equal(t, "http://x", created.Url)
	require.Empty(t, created.Posts)

	out = invoke(t, d, "Blog", "Get", GetBlogArgs{Id: created.Id})
	var got BlogResult
	require.NoError(t, bson.Unmarshal(out, &got))
	require.Equal(t, created, got)

	out = invoke(t, d, "Blog", "Delete", DeleteBlogArgs{Id: created.Id})
	var delResult DeleteBlogResult
	require.NoError(t, bson.Unmarshal(out, &delResult))
	require.True(t, delResult.Deleted)

	argBlob, err := bson.Marshal(GetBlogArgs{Id: created.Id})
	require.NoError(t, err)
	_, err = d.Invoke(context.Background(), "Blog", "Get", argBlob)
	require.Error(t, err)
	var notFound *verror.NotFound
	require.ErrorAs(t, err, &notFound)
}

// TestCascadeDeleteRemovesPosts deletes a blog with live posts and
// expects the cascade to remove the posts with it.
func TestCascadeDeleteRemovesPosts(t *testing.T) {
	d := newHarness(t)

	out := invoke(t, d, "Blog", "Create", CreateBlogArgs{Url: "http://x"})
	var blog BlogResult
	require.NoError(t, bson.Unmarshal(out, &blog))

	out = invoke(t, d, "Post", "Create", CreatePostArgs{BlogId: blog.Id, Title: "p1"})
	var p1 PostResult
	require.NoError(t, bson.Unmarshal(out, &p1))

	out = invoke(t, d, "Post", "Create", CreatePostArgs{BlogId: blog.Id, Title: "p2"})
	var p2 PostResult
	require.NoError(t, bson.Unmarshal(out, &p2))

	out = invoke(t, d, "Blog", "Get", GetBlogArgs{Id: blog.Id})
	var withPosts BlogResult
	require.NoError(t, bson.Unmarshal(out, &withPosts))
	require.ElementsMatch(t, []uint64{p1.Id, p2.Id}, withPosts.Posts)

	out = invoke(t, d, "Blog", "Delete", DeleteBlogArgs{Id: blog.Id})
	var delResult DeleteBlogResult
	require.NoError(t, bson.Unmarshal(out, &delResult))
	require.True(t, delResult.Deleted)

	for _, id := range []uint64{p1.Id, p2.Id} {
		argBlob, err := bson.Marshal(GetBlogArgs{Id: id})
		require.NoError(t, err)
		_, err = d.Invoke(context.Background(), "Post", "Get", argBlob)
		require.Error(t, err)
		var notFound *verror.NotFound
		require.ErrorAs(t, err, &notFound)
	}
}
