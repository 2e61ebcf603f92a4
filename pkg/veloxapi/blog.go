package veloxapi

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/veloxdb/veloxdb/pkg/dispatch"
	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/verror"
)

// Class ids for the sample schema, stable for the lifetime of this
// schema version.
const (
	ClassBlog veloxtype.ClassId = 1
	ClassPost veloxtype.ClassId = 2
)

// blogSlotPosts and postSlotBlog name the one indexed reference slot
// this schema declares: Post.Blog, cascading on delete.
const postSlotBlog = 0

// RegisterSchema registers the Blog and Post classes into s. Blog has
// no forward reference to its posts; the Posts collection a caller
// sees on GetBlog is the indexed inverse set of Post.Blog.
func RegisterSchema(s *store.Store) {
	s.RegisterClass(&veloxtype.Class{
		ID:   ClassBlog,
		Name: "Blog",
		Properties: []veloxtype.PropertyDescriptor{
			{Name: "Url", Type: veloxtype.ScalarString},
		},
	})
	s.RegisterClass(&veloxtype.Class{
		ID:   ClassPost,
		Name: "Post",
		Properties: []veloxtype.PropertyDescriptor{
			{Name: "Title", Type: veloxtype.ScalarString},
		},
		References: []veloxtype.ReferenceDescriptor{
			{
				Name:        "Blog",
				TargetClass: ClassBlog,
				Cardinality: veloxtype.CardinalityOne,
				OnDelete:    veloxtype.OnDeleteCascade,
				Indexed:     true,
			},
		},
	})
}

// CreateBlogArgs is CreateBlog's argument body.
type CreateBlogArgs struct {
	Url string
}

// BlogResult mirrors one Blog as seen by a caller: its id, its Url,
// and the ids of its live posts.
type BlogResult struct {
	Id    uint64
	Url   string
	Posts []uint64
}

// GetBlogArgs is GetBlog's argument body.
type GetBlogArgs struct {
	Id uint64
}

// UpdateBlogArgs is UpdateBlog's argument body.
type UpdateBlogArgs struct {
	Id  uint64
	Url string
}

// DeleteBlogArgs is DeleteBlog's argument body.
type DeleteBlogArgs struct {
	Id uint64
}

// DeleteBlogResult reports whether the delete actually removed a
// blog, so deleting an id that is already gone reads as false rather
// than erroring.
type DeleteBlogResult struct {
	Deleted bool
}

// CreatePostArgs is CreatePost's argument body.
type CreatePostArgs struct {
	BlogId uint64
	Title  string
}

// PostResult mirrors one Post as seen by a caller.
type PostResult struct {
	Id     uint64
	BlogId uint64
	Title  string
}

// RegisterOperations registers the Blog/Post CRUD surface on d.
func RegisterOperations(d *dispatch.Dispatcher) {
	d.Register("Blog", "Create", txn.ReadWrite, createBlog)
	d.Register("Blog", "Get", txn.Read, getBlog)
	d.Register("Blog", "Update", txn.ReadWrite, updateBlog)
	d.Register("Blog", "Delete", txn.ReadWrite, deleteBlog)
	d.Register("Post", "Create", txn.ReadWrite, createPost)
	d.Register("Post", "Get", txn.Read, getPost)
	d.Register("Post", "Delete", txn.ReadWrite, deletePost)
}

func createBlog(t *txn.Txn, argBlob []byte) ([]byte, error) {
	var args CreateBlogArgs
	if err := bson.Unmarshal(argBlob, &args); err != nil {
		return nil, &verror.ArgumentError{Field: "args", Reason: err.Error()}
	}
	if args.Url == "" {
		return nil, &verror.ArgumentError{Field: "Url", Reason: "required"}
	}

	id, err := t.Create(ClassBlog, []any{args.Url}, nil)
	if err != nil {
		return nil, err
	}
	return bson.Marshal(BlogResult{Id: uint64(id), Url: args.Url, Posts: []uint64{}})
}

func getBlog(t *txn.Txn, argBlob []byte) ([]byte, error) {
	var args GetBlogArgs
	if err := bson.Unmarshal(argBlob, &args); err != nil {
		return nil, &verror.ArgumentError{Field: "args", Reason: err.Error()}
	}

	id := veloxtype.ObjectId(args.Id)
	v, err := t.Get(id)
	if err != nil {
		return nil, err
	}

	posts := t.InverseSet(id, ClassPost, postSlotBlog)
	postIDs := make([]uint64, len(posts))
	for i, p := range posts {
		postIDs[i] = uint64(p)
	}

	return bson.Marshal(BlogResult{Id: args.Id, Url: v.Properties[0].(string), Posts: postIDs})
}

func updateBlog(t *txn.Txn, argBlob []byte) ([]byte, error) {
	var args UpdateBlogArgs
	if err := bson.Unmarshal(argBlob, &args); err != nil {
		return nil, &verror.ArgumentError{Field: "args", Reason: err.Error()}
	}
	if args.Url == "" {
		return nil, &verror.ArgumentError{Field: "Url", Reason: "required"}
	}

	id := veloxtype.ObjectId(args.Id)
	if err := t.Update(id, []any{args.Url}, nil); err != nil {
		return nil, err
	}

	posts := t.InverseSet(id, ClassPost, postSlotBlog)
	postIDs := make([]uint64, len(posts))
	for i, p := range posts {
		postIDs[i] = uint64(p)
	}
	return bson.Marshal(BlogResult{Id: args.Id, Url: args.Url, Posts: postIDs})
}

func deleteBlog(t *txn.Txn, argBlob []byte) ([]byte, error) {
	var args DeleteBlogArgs
	if err := bson.Unmarshal(argBlob, &args); err != nil {
		return nil, &verror.ArgumentError{Field: "args", Reason: err.Error()}
	}

	id := veloxtype.ObjectId(args.Id)
	if err := t.Delete(id); err != nil {
		if _, ok := err.(*verror.NotFound); ok {
			return bson.Marshal(DeleteBlogResult{Deleted: false})
		}
		return nil, err
	}
	return bson.Marshal(DeleteBlogResult{Deleted: true})
}

func createPost(t *txn.Txn, argBlob []byte) ([]byte, error) {
	var args CreatePostArgs
	if err := bson.Unmarshal(argBlob, &args); err != nil {
		return nil, &verror.ArgumentError{Field: "args", Reason: err.Error()}
	}
	if args.Title == "" {
		return nil, &verror.ArgumentError{Field: "Title", Reason: "required"}
	}

	blogID := veloxtype.ObjectId(args.BlogId)
	if _, err := t.Get(blogID); err != nil {
		return nil, err
	}

	id, err := t.Create(ClassPost, []any{args.Title}, []veloxtype.RefValue{{Single: blogID}})
	if err != nil {
		return nil, err
	}
	return bson.Marshal(PostResult{Id: uint64(id), BlogId: args.BlogId, Title: args.Title})
}

func getPost(t *txn.Txn, argBlob []byte) ([]byte, error) {
	var args GetBlogArgs
	if err := bson.Unmarshal(argBlob, &args); err != nil {
		return nil, &verror.ArgumentError{Field: "args", Reason: err.Error()}
	}

	id := veloxtype.ObjectId(args.Id)
	v, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	return bson.Marshal(PostResult{Id: args.Id, BlogId: uint64(v.References[0].Single), Title: v.Properties[0].(string)})
}

func deletePost(t *txn.Txn, argBlob []byte) ([]byte, error) {
	var args DeleteBlogArgs
	if err := bson.Unmarshal(argBlob, &args); err != nil {
		return nil, &verror.ArgumentError{Field: "args", Reason: err.Error()}
	}
	if err := t.Delete(veloxtype.ObjectId(args.Id)); err != nil {
		return nil, err
	}
	return bson.Marshal(DeleteBlogResult{Deleted: true})
}
