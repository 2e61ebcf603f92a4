// Package checkpoint implements the snapshot images and meta file
// persisted under SystemDatabasePath: a point-in-time image of the
// Object Store's live objects at a chosen CSN, and the small meta
// record (last checkpoint LSN + epoch) a restart uses to resume
// recovery.
//
// Each image is a standalone bbolt database with one bucket per class
// plus schema and meta buckets. The live working set never touches
// disk — it stays in pkg/store's in-memory arrays; bbolt here serves
// only the checkpoint artifact.
package checkpoint
