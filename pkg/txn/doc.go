/*
Package txn implements the transaction manager: snapshot-isolated
Read/ReadWrite transactions over the object store, with optimistic
first-committer-wins validation and a single-threaded commit pipeline
that gives every committed transaction a total CSN order.

The commit critical section is deliberately narrow: conflict detection,
integrity validation, and version installation happen on the committer
goroutine, while write-sets are built concurrently outside it. A
committed write-set is serialized into a log record — a sequence
number, an operation kind, and a before/after payload per object —
which is the unit of both local durability and replication.
*/
package txn
