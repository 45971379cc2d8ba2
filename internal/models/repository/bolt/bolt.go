package bolt

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hornwind/l3-rule-cleanup/internal/models"
	_ "github.com/hornwind/l3-rule-cleanup/pkg/log"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Storage keeps rule snapshots, one bucket per network and one nested bucket per snapshot.
type Storage struct {
	storage *bolt.DB
}

var _ models.Repository = (*Storage)(nil)

func NewStorage(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open snapshot db %s: %w", path, err)
	}

	return &Storage{storage: db}, nil
}

func (s *Storage) Close() {
	if err := s.storage.Close(); err != nil {
		log.Warn(err)
	}
}

func (s *Storage) SaveSnapshot(snap *models.Snapshot) error {
	err := s.storage.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(snap.NetworkID))
		if err != nil {
			return fmt.Errorf("could not create %s bucket: %v", snap.NetworkID, err)
		}
		b, err := root.CreateBucketIfNotExists([]byte(snap.ID))
		if err != nil {
			return fmt.Errorf("could not create %s snapshot bucket: %v", snap.ID, err)
		}

		// Store timestamp
		timestamp, err := json.Marshal(snap.Timestamp)
		if err != nil {
			return fmt.Errorf("could not marshal timestamp json: %v", err)
		}
		if err = b.Put([]byte("timestamp"), timestamp); err != nil {
			return fmt.Errorf("could not put timestamp into %s bucket: %v", snap.ID, err)
		}

		if err = b.Put([]byte("reason"), []byte(snap.Reason)); err != nil {
			return fmt.Errorf("could not put reason into %s bucket: %v", snap.ID, err)
		}

		// Store rules
		rules, err := json.Marshal(snap.Rules)
		if err != nil {
			return fmt.Errorf("could not marshal rules json: %v", err)
		}
		if err = b.Put([]byte("rules"), rules); err != nil {
			return fmt.Errorf("could not put rules into %s bucket: %v", snap.ID, err)
		}

		return nil
	})
	return err
}

func (s *Storage) GetSnapshot(networkID, id string) (*models.Snapshot, error) {
	var (
		t      []byte
		r      []byte
		reason string
	)

	err := s.storage.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(networkID))
		if root == nil {
			return fmt.Errorf("no snapshots for network %s", networkID)
		}
		b := root.Bucket([]byte(id))
		if b == nil {
			return fmt.Errorf("snapshot %s not found for network %s", id, networkID)
		}

		// bolt values are only valid inside the transaction
		t = append([]byte(nil), b.Get([]byte("timestamp"))...)
		r = append([]byte(nil), b.Get([]byte("rules"))...)
		reason = string(b.Get([]byte("reason")))
		if len(r) == 0 {
			return fmt.Errorf("could not fetch rules for snapshot %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap := &models.Snapshot{ID: id, NetworkID: networkID, Reason: reason}
	if err = json.Unmarshal(t, &snap.Timestamp); err != nil {
		log.Warnf("Snapshot %s has unreadable timestamp: %v", id, err)
	}
	if err = json.Unmarshal(r, &snap.Rules); err != nil {
		return nil, fmt.Errorf("could not unmarshal rules of snapshot %s: %w", id, err)
	}
	return snap, nil
}

// ListSnapshots returns the snapshots of a network, newest first.
func (s *Storage) ListSnapshots(networkID string) ([]models.Snapshot, error) {
	var out []models.Snapshot
	err := s.storage.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(networkID))
		if root == nil {
			return nil
		}
		return root.ForEach(func(k, v []byte) error {
			// nested buckets have a nil value
			if v != nil {
				return nil
			}
			b := root.Bucket(k)
			snap := models.Snapshot{ID: string(k), NetworkID: networkID, Reason: string(b.Get([]byte("reason")))}
			if err := json.Unmarshal(b.Get([]byte("timestamp")), &snap.Timestamp); err != nil {
				log.Warnf("Snapshot %s has unreadable timestamp: %v", k, err)
			}
			if err := json.Unmarshal(b.Get([]byte("rules")), &snap.Rules); err != nil {
				return fmt.Errorf("could not unmarshal rules of snapshot %s: %w", k, err)
			}
			out = append(out, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (s *Storage) DeleteSnapshot(networkID, id string) error {
	err := s.storage.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(networkID))
		if root == nil {
			return fmt.Errorf("%s bucket does not exist", networkID)
		}
		return root.DeleteBucket([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete operation for snapshot %s failed: %v", id, err)
	}
	return nil
}
