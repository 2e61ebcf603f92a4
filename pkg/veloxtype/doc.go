/*
Package veloxtype defines VeloxDB's core data model: classes, objects,
references, transaction records, and log records.

These types are shared by the object store, transaction manager, WAL,
and replication engine — they describe the shape of data, not how any
one component manages it.

# Core Types

  - Class: a registered entity type with a stable class-id, properties,
    and references.
  - ObjectId: a process-wide, monotonically allocated, never-reused
    64-bit identifier.
  - Object: an instance of a Class with property values and outgoing
    references.
  - Reference: a typed edge between two objects, optionally backed by
    an inverse set at the target.
  - TransactionRecord / LogRecord: the commit-time and WAL-time views
    of a committed write-set.
*/
package veloxtype
