/*
Package veloxapi registers the sample Blog/Post operation surface the
end-to-end tests exercise: CreateBlog/GetBlog/DeleteBlog/CreatePost and
their cascade-delete interaction.

Client-side schema/DTO generation lives outside the engine: the proxy
generator that would normally produce these argument/result types from
a manifest is not part of this repository. This package plays the role
that generator would otherwise fill — a concrete, registered operation
surface for pkg/dispatch to route to and pkg/endpoint to serve.
*/
package veloxapi
