package webhook

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// journalTTL bounds how long a delivery record survives. Badger expires the
// entry on its own; nothing sweeps the journal.
const journalTTL = 7 * 24 * time.Hour

// Delivery states recorded in the journal.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// DeliveryRecord is the journal entry for one delivery attempt chain. The
// payload is kept verbatim so a restart can re-enqueue pending deliveries
// without rebuilding the event; the signature is computed fresh at send time.
type DeliveryRecord struct {
	ID          string          `json:"id"`
	WebhookID   string          `json:"webhookId"`
	WorkspaceID string          `json:"workspaceId"`
	EventID     string          `json:"eventId"`
	Event       string          `json:"event"`
	URL         string          `json:"url"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	LastStatus  int             `json:"lastStatus,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Journal persists delivery records in badger, keyed w:<webhookID>:<deliveryID>.
type Journal struct {
	db *badger.DB
}

// OpenJournal opens (or creates) the delivery journal at path.
func OpenJournal(path string) (*Journal, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open webhook journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// OpenJournalInMemory opens an in-memory journal. Used when no journal path
// is configured and in tests; records do not survive the process.
func OpenJournalInMemory() (*Journal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory webhook journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying badger database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func journalKey(webhookID, deliveryID string) []byte {
	return []byte("w:" + webhookID + ":" + deliveryID)
}

// Put writes or overwrites a delivery record.
func (j *Journal) Put(rec *DeliveryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode delivery record: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(journalKey(rec.WebhookID, rec.ID), data).WithTTL(journalTTL)
		return txn.SetEntry(e)
	})
}

// Get retrieves one delivery record. Returns badger.ErrKeyNotFound when the
// record is missing or already expired.
func (j *Journal) Get(webhookID, deliveryID string) (*DeliveryRecord, error) {
	var rec *DeliveryRecord
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(journalKey(webhookID, deliveryID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var r DeliveryRecord
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			rec = &r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Recent returns up to limit delivery records for a webhook, newest first.
func (j *Journal) Recent(webhookID string, limit int) ([]*DeliveryRecord, error) {
	var records []*DeliveryRecord
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("w:" + webhookID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r DeliveryRecord
				if err := json.Unmarshal(val, &r); err != nil {
					return nil // skip corrupted entries
				}
				records = append(records, &r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}

	sort.Slice(records, func(a, b int) bool {
		return records[a].CreatedAt.After(records[b].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Pending returns every record still in the pending state, across all
// webhooks. Called once at startup to re-enqueue deliveries that were in
// flight when the previous process stopped.
func (j *Journal) Pending() ([]*DeliveryRecord, error) {
	var records []*DeliveryRecord
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("w:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r DeliveryRecord
				if err := json.Unmarshal(val, &r); err != nil {
					return nil
				}
				if r.State == DeliveryPending {
					records = append(records, &r)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending deliveries: %w", err)
	}
	return records, nil
}

// DropWebhook removes every journal record for a deleted webhook.
func (j *Journal) DropWebhook(webhookID string) error {
	prefix := []byte("w:" + webhookID + ":")
	var keys [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan webhook deliveries: %w", err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
