package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/types"
)

var (
	// Bucket names. Ticket collections get one bucket each, named by the
	// <table>s_complete convention; numbers is the unique secondary index
	// mapping ticket number -> "<table>/<sys_id>".
	bucketNumbers       = []byte("numbers")
	bucketSLAInstances  = []byte("sla_instances")
	bucketSLAByTicket   = []byte("sla_by_ticket")
	bucketContracts     = []byte("contract_slas")
	bucketGroups        = []byte("groups")
	bucketGroupsByName  = []byte("groups_by_name")
	bucketQueueSnapshot = []byte("queue_snapshot")
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "snowbridge.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindFatal, err, "failed to open database at %s", dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNumbers,
			bucketSLAInstances,
			bucketSLAByTicket,
			bucketContracts,
			bucketGroups,
			bucketGroupsByName,
			bucketQueueSnapshot,
		}
		for _, table := range types.Tables {
			buckets = append(buckets, []byte(table.CollectionName()))
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func collectionBucket(tx *bolt.Tx, table types.Table) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(table.CollectionName()))
	if b == nil {
		return nil, errdefs.Validation("unknown collection for table %q", table)
	}
	return b, nil
}

// UpsertDocument writes a document keyed by sys_id and maintains the unique
// number index. A number already owned by a different sys_id is rejected.
func (s *BoltStore) UpsertDocument(doc *types.TicketDocument) error {
	if !types.ValidSysID(doc.SysID) {
		return errdefs.Validation("invalid sys_id %q", doc.SysID)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := collectionBucket(tx, doc.Table)
		if err != nil {
			return err
		}
		if doc.Number != "" {
			numbers := tx.Bucket(bucketNumbers)
			ref := []byte(string(doc.Table) + "/" + doc.SysID)
			if existing := numbers.Get([]byte(doc.Number)); existing != nil && !bytes.Equal(existing, ref) {
				return errdefs.Validation("number %s already mapped to %s", doc.Number, existing)
			}
			if err := numbers.Put([]byte(doc.Number), ref); err != nil {
				return err
			}
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.SysID), data)
	})
}

// GetDocument reads one document; a missing key is a NotFound error.
func (s *BoltStore) GetDocument(table types.Table, sysID string) (*types.TicketDocument, error) {
	var doc types.TicketDocument
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := collectionBucket(tx, table)
		if err != nil {
			return err
		}
		data := b.Get([]byte(sysID))
		if data == nil {
			return errdefs.NotFound("document %s/%s", table, sysID)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetDocumentByNumber resolves a ticket number through the unique index.
func (s *BoltStore) GetDocumentByNumber(number string) (*types.TicketDocument, error) {
	var doc types.TicketDocument
	err := s.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket(bucketNumbers).Get([]byte(number))
		if ref == nil {
			return errdefs.NotFound("number %s", number)
		}
		var table types.Table
		var sysID string
		parts := bytes.SplitN(ref, []byte("/"), 2)
		if len(parts) != 2 {
			return fmt.Errorf("corrupt number index entry %q", ref)
		}
		table, sysID = types.Table(parts[0]), string(parts[1])
		b, err := collectionBucket(tx, table)
		if err != nil {
			return err
		}
		data := b.Get([]byte(sysID))
		if data == nil {
			return errdefs.NotFound("document %s/%s", table, sysID)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes a document and its number index entry. Idempotent.
func (s *BoltStore) DeleteDocument(table types.Table, sysID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := collectionBucket(tx, table)
		if err != nil {
			return err
		}
		data := b.Get([]byte(sysID))
		if data == nil {
			return nil
		}
		var doc types.TicketDocument
		if err := json.Unmarshal(data, &doc); err == nil && doc.Number != "" {
			if err := tx.Bucket(bucketNumbers).Delete([]byte(doc.Number)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(sysID))
	})
}

// ForEachDocument iterates a collection. Returning an error from fn stops
// the iteration and surfaces the error.
func (s *BoltStore) ForEachDocument(table types.Table, fn func(*types.TicketDocument) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := collectionBucket(tx, table)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var doc types.TicketDocument
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			return fn(&doc)
		})
	})
}

// ListDocumentsUpdatedSince returns documents whose upstream last_update is
// at or after the cutoff. Used by the incremental-scan prioritizer.
func (s *BoltStore) ListDocumentsUpdatedSince(table types.Table, since time.Time) ([]*types.TicketDocument, error) {
	var docs []*types.TicketDocument
	err := s.ForEachDocument(table, func(doc *types.TicketDocument) error {
		if !doc.Metadata.LastUpdate.Before(since) {
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

// CountDocuments returns the number of documents in a collection.
func (s *BoltStore) CountDocuments(table types.Table) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := collectionBucket(tx, table)
		if err != nil {
			return err
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

// SLA instance operations. The by-ticket index bucket stores keys of the
// form "<ticket_sys_id>/<instance_id>" for prefix scans.
func (s *BoltStore) PutSLAInstance(inst *types.SLAInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSLAInstances).Put([]byte(inst.ID), data); err != nil {
			return err
		}
		key := []byte(inst.TicketSysID + "/" + inst.ID)
		return tx.Bucket(bucketSLAByTicket).Put(key, []byte(inst.ID))
	})
}

func (s *BoltStore) GetSLAInstance(id string) (*types.SLAInstance, error) {
	var inst types.SLAInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSLAInstances).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("sla instance %s", id)
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) ListSLAInstancesByTicket(ticketSysID string) ([]*types.SLAInstance, error) {
	var insts []*types.SLAInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketSLAByTicket)
		main := tx.Bucket(bucketSLAInstances)
		prefix := []byte(ticketSysID + "/")
		c := idx.Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			data := main.Get(id)
			if data == nil {
				continue
			}
			var inst types.SLAInstance
			if err := json.Unmarshal(data, &inst); err != nil {
				return err
			}
			insts = append(insts, &inst)
		}
		return nil
	})
	return insts, err
}

func (s *BoltStore) ListSLAInstances() ([]*types.SLAInstance, error) {
	var insts []*types.SLAInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSLAInstances).ForEach(func(k, v []byte) error {
			var inst types.SLAInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			insts = append(insts, &inst)
			return nil
		})
	})
	return insts, err
}

func contractKey(table types.Table, priority int, metric types.MetricType) []byte {
	return []byte(fmt.Sprintf("%s/%d/%s", table, priority, metric))
}

// Contract operations.
func (s *BoltStore) PutContract(c *types.ContractualSLA) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContracts).Put(contractKey(c.TicketType, c.Priority, c.Metric), data)
	})
}

func (s *BoltStore) GetContract(table types.Table, priority int, metric types.MetricType) (*types.ContractualSLA, error) {
	var c types.ContractualSLA
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContracts).Get(contractKey(table, priority, metric))
		if data == nil {
			return errdefs.NotFound("contract (%s, %d, %s)", table, priority, metric)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListContracts() ([]*types.ContractualSLA, error) {
	var contracts []*types.ContractualSLA
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContracts).ForEach(func(k, v []byte) error {
			var c types.ContractualSLA
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			contracts = append(contracts, &c)
			return nil
		})
	})
	return contracts, err
}

// Assignment group operations.
func (s *BoltStore) PutGroup(g *types.AssignmentGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketGroups).Put([]byte(g.SysID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketGroupsByName).Put([]byte(g.Name), []byte(g.SysID))
	})
}

func (s *BoltStore) GetGroup(sysID string) (*types.AssignmentGroup, error) {
	var g types.AssignmentGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGroups).Get([]byte(sysID))
		if data == nil {
			return errdefs.NotFound("group %s", sysID)
		}
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) GetGroupByName(name string) (*types.AssignmentGroup, error) {
	var sysID []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		sysID = tx.Bucket(bucketGroupsByName).Get([]byte(name))
		if sysID == nil {
			return errdefs.NotFound("group named %q", name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetGroup(string(sysID))
}

func (s *BoltStore) ListGroups() ([]*types.AssignmentGroup, error) {
	var groups []*types.AssignmentGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var g types.AssignmentGroup
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			groups = append(groups, &g)
			return nil
		})
	})
	return groups, err
}

// Queue snapshot operations. The whole snapshot is replaced atomically.
func (s *BoltStore) SaveQueueSnapshot(items []*types.QueuedNotification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketQueueSnapshot); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketQueueSnapshot)
		if err != nil {
			return err
		}
		for i, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return err
			}
			// Zero-padded index keys keep bolt's byte order equal to
			// enqueue order.
			if err := b.Put([]byte(fmt.Sprintf("%08d", i)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadQueueSnapshot() ([]*types.QueuedNotification, error) {
	var items []*types.QueuedNotification
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueueSnapshot).ForEach(func(k, v []byte) error {
			var item types.QueuedNotification
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			return nil
		})
	})
	return items, err
}

func (s *BoltStore) ClearQueueSnapshot() error {
	return s.SaveQueueSnapshot(nil)
}
