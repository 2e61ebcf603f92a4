package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
)

var (
	bucketSchema = []byte("schema")
	bucketMeta   = []byte("meta")
)

func classBucketName(classID veloxtype.ClassId) []byte {
	return []byte("class-" + strconv.FormatUint(uint64(classID), 10))
}

// objectRecord is the JSON-marshaled value stored per object: the
// version visible at the checkpoint's snapshot CSN, enough to
// reconstruct the live object (but not its full historical chain —
// a checkpoint is a point-in-time image, not a WAL replacement).
type objectRecord struct {
	CreateCSN  veloxtype.CSN
	Properties []any
	References []veloxtype.RefValue
}

// fileName returns the checkpoint image's file name for the given
// snapshot CSN, sortable lexically in CSN order.
func fileName(csn veloxtype.CSN) string {
	return fmt.Sprintf("checkpoint-%020d.db", uint64(csn))
}

// Snapshot writes a new checkpoint image under dir capturing every
// class registered in s and every object live at csn. It returns the
// path of the written image.
func Snapshot(dir string, csn veloxtype.CSN, s *store.Store) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create directory: %w", err)
	}

	path := filepath.Join(dir, fileName(csn))
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return "", fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer db.Close()

	classes := s.Classes()

	err = db.Update(func(tx *bolt.Tx) error {
		schemaBucket, err := tx.CreateBucketIfNotExists(bucketSchema)
		if err != nil {
			return err
		}
		metaBucket, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if err := metaBucket.Put([]byte("csn"), []byte(strconv.FormatUint(uint64(csn), 10))); err != nil {
			return err
		}

		for _, class := range classes {
			data, err := json.Marshal(class)
			if err != nil {
				return fmt.Errorf("marshal class %d: %w", class.ID, err)
			}
			if err := schemaBucket.Put(classKey(class.ID), data); err != nil {
				return err
			}

			objBucket, err := tx.CreateBucketIfNotExists(classBucketName(class.ID))
			if err != nil {
				return err
			}
			// Clear any stale entries from a prior write to this
			// same file path (Snapshot is not normally called twice
			// against one csn, but an interrupted prior attempt may
			// have left a partial bucket).
			if err := clearBucket(objBucket); err != nil {
				return err
			}

			ids, err := s.ScanClass(class.ID, csn)
			if err != nil {
				return fmt.Errorf("scan class %d: %w", class.ID, err)
			}
			for _, id := range ids {
				v, err := s.Read(id, csn)
				if err != nil {
					continue // deleted between the scan and the read; skip
				}
				rec := objectRecord{CreateCSN: v.CreateCSN, Properties: v.Properties, References: v.References}
				data, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("marshal object %d: %w", id, err)
				}
				if err := objBucket.Put(objectKey(id), data); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return path, nil
}

// Restore loads the checkpoint image at path into s: it registers
// every checkpointed Class descriptor (if not already registered) and
// reinstalls every checkpointed object at its original ObjectId and
// create-CSN, then reconciles every indexed reference slot's inverse
// set. It returns the snapshot CSN the image was taken at.
func Restore(path string, s *store.Store) (veloxtype.CSN, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return 0, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer db.Close()

	var csn veloxtype.CSN
	classesByID := make(map[veloxtype.ClassId]*veloxtype.Class)

	err = db.View(func(tx *bolt.Tx) error {
		if metaBucket := tx.Bucket(bucketMeta); metaBucket != nil {
			if raw := metaBucket.Get([]byte("csn")); raw != nil {
				n, err := strconv.ParseUint(string(raw), 10, 64)
				if err != nil {
					return fmt.Errorf("parse checkpoint csn: %w", err)
				}
				csn = veloxtype.CSN(n)
			}
		}

		schemaBucket := tx.Bucket(bucketSchema)
		if schemaBucket == nil {
			return fmt.Errorf("checkpoint image missing schema bucket")
		}
		cur := schemaBucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var class veloxtype.Class
			if err := json.Unmarshal(v, &class); err != nil {
				return fmt.Errorf("unmarshal class %s: %w", k, err)
			}
			classesByID[class.ID] = &class
			if s.ClassOf(class.ID) == nil {
				s.RegisterClass(&class)
			}
		}

		for classID := range classesByID {
			objBucket := tx.Bucket(classBucketName(classID))
			if objBucket == nil {
				continue
			}
			objCur := objBucket.Cursor()
			for k, v := objCur.First(); k != nil; k, v = objCur.Next() {
				id := decodeObjectKey(k)
				var rec objectRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("unmarshal object %s: %w", k, err)
				}
				s.AllocateWithID(classID, id)
				if err := s.WriteVersion(id, &veloxtype.Version{
					CreateCSN:  rec.CreateCSN,
					Properties: rec.Properties,
					References: rec.References,
				}); err != nil {
					return fmt.Errorf("install object %d: %w", id, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("checkpoint: restore %s: %w", path, err)
	}

	reconcileInverses(s, classesByID)
	return csn, nil
}

// reconcileInverses rebuilds every indexed reference slot's
// InverseReferenceSet from the forward references just installed, so
// forward edges and inverse sets agree again.
func reconcileInverses(s *store.Store, classes map[veloxtype.ClassId]*veloxtype.Class) {
	for classID, class := range classes {
		ids, err := s.ScanClass(classID, ^veloxtype.CSN(0))
		if err != nil {
			continue
		}
		for _, id := range ids {
			v, err := s.ReadLatest(id)
			if err != nil {
				continue
			}
			for slot, ref := range class.References {
				if !ref.Indexed || slot >= len(v.References) {
					continue
				}
				rv := v.References[slot]
				targets := rv.Many
				if rv.Single != 0 {
					targets = append(targets, rv.Single)
				}
				for _, target := range targets {
					s.InverseSet(target, classID, slot).Add(id)
				}
			}
		}
	}
}

// Latest returns the path and snapshot CSN of the newest checkpoint
// image under dir, or ok=false if none exists.
func Latest(dir string) (path string, csn veloxtype.CSN, ok bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, false
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "checkpoint-") && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", 0, false
	}
	sort.Strings(names) // zero-padded CSN in the name sorts lexically == numerically
	best := names[len(names)-1]

	trimmed := strings.TrimSuffix(strings.TrimPrefix(best, "checkpoint-"), ".db")
	n, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return filepath.Join(dir, best), veloxtype.CSN(n), true
}

// Meta is the small record persisted as the `meta` file under
// SystemDatabasePath: the last checkpoint's LSN and the epoch active
// when it was taken.
type Meta struct {
	CheckpointLSN veloxtype.LSN
	Epoch         uint64
}

// WriteMeta writes m to path as JSON, replacing any existing file.
func WriteMeta(path string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal meta: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write meta: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadMeta reads the meta file at path. A missing file returns the
// zero Meta and no error: a fresh database has never checkpointed.
func ReadMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("checkpoint: read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("checkpoint: parse meta: %w", err)
	}
	return m, nil
}

// WriteSchema serializes every registered class descriptor into dir,
// one JSON document per class, named by class id. The engine
// re-registers its schema from code on startup; the on-disk copy is
// for operators and tooling inspecting a data directory.
func WriteSchema(dir string, classes []*veloxtype.Class) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create schema directory: %w", err)
	}
	for _, class := range classes {
		data, err := json.MarshalIndent(class, "", "  ")
		if err != nil {
			return fmt.Errorf("checkpoint: marshal class %d: %w", class.ID, err)
		}
		name := fmt.Sprintf("%d.json", class.ID)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("checkpoint: write class %d: %w", class.ID, err)
		}
	}
	return nil
}

func classKey(id veloxtype.ClassId) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(id))
	return buf[:]
}

func objectKey(id veloxtype.ObjectId) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func decodeObjectKey(k []byte) veloxtype.ObjectId {
	return veloxtype.ObjectId(binary.BigEndian.Uint64(k))
}

func clearBucket(b *bolt.Bucket) error {
	cur := b.Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
