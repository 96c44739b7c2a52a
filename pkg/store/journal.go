package store

import (
	"github.com/pkg/errors"

	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/wal"
)

func journalRecords(collection string, changes []change) ([]wal.Record, error) {
	records := make([]wal.Record, 0, len(changes))
	for _, ch := range changes {
		if ch.new == nil {
			records = append(records, wal.Record{Op: wal.OpDelete, Collection: collection, PrimaryKey: ch.old.PrimaryKey})
			continue
		}
		payload, err := entity.Marshal(ch.new)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s %d", collection, ch.new.PrimaryKey)
		}
		records = append(records, wal.Record{Op: wal.OpUpsert, Collection: collection, PrimaryKey: ch.new.PrimaryKey, Payload: payload})
	}
	return records, nil
}

// Checkpoint writes every stored entity to the journal and drops older journal files.
// All collection writers are blocked for the duration.
func (s *Store) Checkpoint() error {
	if s.journal == nil {
		return nil
	}
	names := s.Collections()
	locked := make([]*collection, 0, len(names))
	defer func() {
		for _, c := range locked {
			c.writeMu.Unlock()
		}
	}()
	for _, name := range names {
		c, err := s.collection(name)
		if err != nil {
			return err
		}
		c.writeMu.Lock()
		locked = append(locked, c)
	}

	var dump []wal.Record
	for _, c := range locked {
		snap := c.current.Load()
		var changes []change
		snap.entities.Ascend(func(e *entity.Entity) bool {
			changes = append(changes, change{new: e})
			return true
		})
		records, err := journalRecords(c.schema.Name, changes)
		if err != nil {
			return &entity.InternalError{Op: "checkpoint", Err: err}
		}
		dump = append(dump, records...)
		// a deleted highest key is kept as a delete so replay never reissues it
		if c.lastPK > 0 && snap.get(c.lastPK) == nil {
			dump = append(dump, wal.Record{Op: wal.OpDelete, Collection: c.schema.Name, PrimaryKey: c.lastPK})
		}
	}
	if err := s.journal.Checkpoint(dump); err != nil {
		return &entity.InternalError{Op: "checkpoint", Err: err}
	}
	return nil
}

// Recover rebuilds collections from the journal. Collections must be defined
// beforehand and empty; replayed changes are not journaled again.
func (s *Store) Recover() (*wal.RecoveryStats, error) {
	if s.journal == nil {
		return &wal.RecoveryStats{}, nil
	}
	pending := make(map[string]map[int]*entity.Entity)
	highest := make(map[string]int)
	stats, err := wal.NewRecovery(s.journal).Recover(func(e *wal.Entry) error {
		if _, err := s.collection(e.Collection); err != nil {
			return err
		}
		byPK := pending[e.Collection]
		if byPK == nil {
			byPK = make(map[int]*entity.Entity)
			pending[e.Collection] = byPK
		}
		pk := int(e.PrimaryKey)
		if pk > highest[e.Collection] {
			highest[e.Collection] = pk
		}
		switch e.Op {
		case wal.OpUpsert:
			ent, err := entity.Unmarshal(e.Payload)
			if err != nil {
				return errors.Wrapf(err, "decode %s %d", e.Collection, pk)
			}
			byPK[pk] = ent
		case wal.OpDelete:
			byPK[pk] = nil
		}
		return nil
	})
	if err != nil {
		return stats, &entity.InternalError{Op: "recover", Err: err}
	}

	for name, byPK := range pending {
		c, _ := s.collection(name)
		c.writeMu.Lock()
		snap := c.current.Load()
		var changes []change
		for pk, ent := range byPK {
			old := snap.get(pk)
			if ent == nil && old == nil {
				continue
			}
			changes = append(changes, change{old: old, new: ent})
		}
		removed, added := uniqueDiff(c.schema, changes)
		s.uniqueMu.Lock()
		s.applyUnique(removed, added)
		s.uniqueMu.Unlock()
		c.publish(snap, changes)
		if highest[name] > c.lastPK {
			c.lastPK = highest[name]
		}
		c.writeMu.Unlock()
	}
	return stats, nil
}
