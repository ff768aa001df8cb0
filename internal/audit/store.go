// Package audit persists critical section transitions and checks recorded
// traces for mutual exclusion violations.
package audit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"

	"maekawa-dme/internal/maekawa"
)

var (
	// Bucket names
	recordsBucket  = []byte("records")
	metadataBucket = []byte("metadata")

	// Metadata keys
	numNodesKey = []byte("numNodes")

	// ErrCorruptRecord is returned when a stored record cannot be decoded
	ErrCorruptRecord = errors.New("corrupt audit record")
)

// Kind is the kind of a recorded transition
type Kind int

const (
	Requested Kind = iota + 1
	Entered
	Exited
)

func (k Kind) String() string {
	switch k {
	case Requested:
		return "requested"
	case Entered:
		return "entered"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Record is one critical section transition of one node
type Record struct {
	Node maekawa.NodeID
	Kind Kind
	TS   maekawa.Timestamp
	At   time.Time
}

// Store is an append-only bbolt file of records
type Store struct {
	conn *bbolt.DB
}

// Open opens or creates the store at path
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return fmt.Errorf("failed to create records bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{conn: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.conn.Close()
}

// Append stores recs, in order, after every record appended before them.
// Concurrent callers are coalesced into one transaction by bbolt's Batch.
func (s *Store) Append(recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	return s.conn.Batch(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordsBucket)
		for _, rec := range recs {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate record key: %w", err)
			}
			if err := bucket.Put(uint64ToBytes(seq), encodeRecord(rec)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Records returns every record in append order
func (s *Store) Records() ([]Record, error) {
	var records []Record
	err := s.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("record %d: %w", bytesToUint64(k), err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// SetNumNodes stores the size of the system the records belong to
func (s *Store) SetNumNodes(n int) error {
	return s.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(numNodesKey, uint64ToBytes(uint64(n)))
	})
}

// NumNodes returns the stored system size, or 0 if none was stored
func (s *Store) NumNodes() (int, error) {
	var n int
	err := s.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(numNodesKey)
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("%w: bad numNodes value", ErrCorruptRecord)
		}
		n = int(bytesToUint64(data))
		return nil
	})
	return n, err
}

// Field numbers of an encoded record
const (
	recordNodeField protowire.Number = 1
	recordKindField protowire.Number = 2
	recordTSField   protowire.Number = 3
	recordAtField   protowire.Number = 4
)

func encodeRecord(rec Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, recordNodeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Node))
	b = protowire.AppendTag(b, recordKindField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Kind))
	b = protowire.AppendTag(b, recordTSField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.TS))
	b = protowire.AppendTag(b, recordAtField, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(rec.At.UnixNano()))
	return b
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	var hasNode, hasKind, hasAt bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.VarintType {
			return Record{}, fmt.Errorf("%w: bad tag", ErrCorruptRecord)
		}
		data = data[n:]

		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: field %d: %v", ErrCorruptRecord, num, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case recordNodeField:
			rec.Node = maekawa.NodeID(v)
			hasNode = true
		case recordKindField:
			rec.Kind = Kind(v)
			hasKind = true
		case recordTSField:
			rec.TS = maekawa.Timestamp(v)
		case recordAtField:
			rec.At = time.Unix(0, protowire.DecodeZigZag(v))
			hasAt = true
		}
	}
	if !hasNode || !hasKind || !hasAt {
		return Record{}, fmt.Errorf("%w: missing field", ErrCorruptRecord)
	}
	return rec, nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
