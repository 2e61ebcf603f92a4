/*
Package store implements the live object heap.

Layout follows a per-class dense array keyed by an intra-class index,
with a process-wide ObjectId → (classId, index) hash directory — the
same two-level addressing a row heap uses. Each cell owns a version
chain sorted by CSN descending, kept per-object rather than as one
whole-heap snapshot so that writes to unrelated objects never contend.

Inverse reference sets are maintained as an indexed side-table, not as
a field on the target object, so that forward-reference writes and
inverse-set maintenance can be reasoned about and checked
independently.
*/
package store
