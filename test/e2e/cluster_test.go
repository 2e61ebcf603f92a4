// Package e2e drives real `veloxdb serve` binaries through the wire
// protocol to exercise the engine's headline behaviors end to end: a
// black-box complement to the package-level unit tests, which stub out
// the network and the subprocess boundary entirely.
package e2e

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/test/framework"
)

// TestCreateGetDeleteRoundTrip exercises the CRUD round trip against
// a single standalone node: Create, Get, Delete, Get again.
func TestCreateGetDeleteRoundTrip(t *testing.T) {
	cluster := framework.NewCluster(t.TempDir())
	node, err := cluster.StartPrimary("solo", nil)
	require.NoError(t, err)
	defer cluster.Stop()

	client, err := node.Client()
	require.NoError(t, err)

	blog, err := client.CreateBlog("http://x")
	require.NoError(t, err)
	require.Equal(t, uint64(1), blog.Id)
	require.Equal(t, "http://x", blog.Url)
	require.Empty(t, blog.Posts)

	got, err := client.GetBlog(blog.Id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "http://x", got.Url)

	deleted, err := client.DeleteBlog(blog.Id)
	require.NoError(t, err)
	require.True(t, deleted)

	got, err = client.GetBlog(blog.Id)
	require.NoError(t, err)
	require.Nil(t, got)

	// A second delete of the same (now gone) id is a no-op, not an error.
	deleted, err = client.DeleteBlog(blog.Id)
	require.NoError(t, err)
	require.False(t, deleted)
}

// TestUpdateBlogPreservesPosts exercises UpdateBlog alongside the
// Post inverse-set view GetBlog exposes.
func TestUpdateBlogPreservesPosts(t *testing.T) {
	cluster := framework.NewCluster(t.TempDir())
	node, err := cluster.StartPrimary("solo", nil)
	require.NoError(t, err)
	defer cluster.Stop()

	client, err := node.Client()
	require.NoError(t, err)

	blog, err := client.CreateBlog("http://before")
	require.NoError(t, err)

	post, err := client.CreatePost(blog.Id, "hello world")
	require.NoError(t, err)
	require.Equal(t, blog.Id, post.BlogId)

	updated, err := client.UpdateBlog(blog.Id, "http://after")
	require.NoError(t, err)
	require.Equal(t, "http://after", updated.Url)
	require.Equal(t, []uint64{post.Id}, updated.Posts)

	got, err := client.GetPost(post.Id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "hello world", got.Title)
}

// TestCascadeDeleteBlog covers cascade delete: deleting a
// blog with live posts cascades the delete onto every post through
// the Post.Blog indexed reference (onDelete: CascadeDelete), and
// neither the blog's nor the posts' ids ever resurface.
func TestCascadeDeleteBlog(t *testing.T) {
	cluster := framework.NewCluster(t.TempDir())
	node, err := cluster.StartPrimary("solo", nil)
	require.NoError(t, err)
	defer cluster.Stop()

	client, err := node.Client()
	require.NoError(t, err)

	blog, err := client.CreateBlog("http://cascade")
	require.NoError(t, err)

	p1, err := client.CreatePost(blog.Id, "first")
	require.NoError(t, err)
	p2, err := client.CreatePost(blog.Id, "second")
	require.NoError(t, err)

	deleted, err := client.DeleteBlog(blog.Id)
	require.NoError(t, err)
	require.True(t, deleted)

	got, err := client.GetBlog(blog.Id)
	require.NoError(t, err)
	require.Nil(t, got)

	gotPost1, err := client.GetPost(p1.Id)
	require.NoError(t, err)
	require.Nil(t, gotPost1)

	gotPost2, err := client.GetPost(p2.Id)
	require.NoError(t, err)
	require.Nil(t, gotPost2)

	// A freshly created blog does not reuse either post's id.
	next, err := client.CreateBlog("http://after-cascade")
	require.NoError(t, err)
	require.NotEqual(t, p1.Id, next.Id)
	require.NotEqual(t, p2.Id, next.Id)
	require.NotEqual(t, blog.Id, next.Id)
}

// TestGetUnknownBlogReturnsNotFound exercises the NotFound error kind
// surfacing as (nil, nil) through Client.GetBlog's convention.
func TestGetUnknownBlogReturnsNotFound(t *testing.T) {
	cluster := framework.NewCluster(t.TempDir())
	node, err := cluster.StartPrimary("solo", nil)
	require.NoError(t, err)
	defer cluster.Stop()

	client, err := node.Client()
	require.NoError(t, err)

	got, err := client.GetBlog(999)
	require.NoError(t, err)
	require.Nil(t, got)
}
