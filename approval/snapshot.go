package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"ordergate/audit"
	"ordergate/core/types"
)

const snapshotKeyPrefix = "proposal/"

// snapshotEntry is the on-disk shape of one proposal and its live token.
type snapshotEntry struct {
	Proposal *types.Proposal      `json:"proposal"`
	Token    *types.ApprovalToken `json:"token,omitempty"`
}

// SnapshotStore persists the in-memory proposal/token table to an embedded
// LevelDB database so lifecycle state survives restarts. Persistence is
// optional: a Service without a SnapshotStore simply starts empty.
type SnapshotStore struct {
	db *leveldb.DB
}

// OpenSnapshotStore opens (or creates) the snapshot database at path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("approval: open snapshot store: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Close releases the underlying database.
func (ss *SnapshotStore) Close() error {
	if ss == nil || ss.db == nil {
		return nil
	}
	return ss.db.Close()
}

// SaveSnapshot writes the current proposal table (and any live tokens) to
// store in a single batch, removing keys for proposals that have since been
// evicted. Intended to run periodically from a scheduler job and once at
// shutdown.
func (s *Service) SaveSnapshot(store *SnapshotStore) error {
	if store == nil || store.db == nil {
		return nil
	}
	entries := s.store.snapshotEntries()

	current := make(map[string]struct{}, len(entries))
	batch := new(leveldb.Batch)
	for _, entry := range entries {
		key := snapshotKeyPrefix + entry.Proposal.ID
		current[key] = struct{}{}
		value, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("approval: marshal snapshot entry: %w", err)
		}
		batch.Put([]byte(key), value)
	}

	iter := store.db.NewIterator(util.BytesPrefix([]byte(snapshotKeyPrefix)), nil)
	for iter.Next() {
		if _, ok := current[string(iter.Key())]; !ok {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("approval: scan snapshot store: %w", err)
	}

	if err := store.db.Write(batch, nil); err != nil {
		return fmt.Errorf("approval: write snapshot: %w", err)
	}
	return nil
}

// RestoreSnapshot loads every persisted proposal (and token) into the
// service. It is a startup-only operation: callers must invoke it before
// the service is shared across goroutines.
func (s *Service) RestoreSnapshot(store *SnapshotStore) (int, error) {
	if store == nil || store.db == nil {
		return 0, nil
	}
	iter := store.db.NewIterator(util.BytesPrefix([]byte(snapshotKeyPrefix)), nil)
	defer iter.Release()

	restored := 0
	for iter.Next() {
		var entry snapshotEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return restored, fmt.Errorf("approval: decode snapshot entry %q: %w", iter.Key(), err)
		}
		if entry.Proposal == nil || entry.Proposal.ID == "" {
			continue
		}
		e := s.store.create(entry.Proposal)
		e.token = entry.Token
		if entry.Token != nil {
			s.tokenIndexMu.Lock()
			s.tokenIndex[entry.Token.ID] = entry.Proposal.ID
			s.tokenIndexMu.Unlock()
		}
		restored++
	}
	if err := iter.Error(); err != nil {
		return restored, fmt.Errorf("approval: iterate snapshot store: %w", err)
	}
	return restored, nil
}

// Reconcile scans for proposals left in SUBMITTED with no recorded broker
// order id — the signature of a submit that consumed its token but died
// before the broker's reply was recorded. Each one is surfaced with an
// ERROR_OCCURRED audit event rather than silently repaired; the count of
// flagged proposals is returned. A failed audit append aborts the scan.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	entries := s.store.snapshotEntries()
	flagged := 0
	for _, entry := range entries {
		p := entry.Proposal
		if p.State != types.ProposalStateSubmitted || p.BrokerOrderID != "" {
			continue
		}
		flagged++
		if err := s.emit(ctx, audit.EventErrorOccurred, p.CorrelationID, map[string]any{
			"proposal_id": p.ID,
			"state":       p.State.String(),
			"error":       "submitted proposal has no broker order id after restart; manual reconciliation required",
		}); err != nil {
			return flagged, err
		}
	}
	return flagged, nil
}
