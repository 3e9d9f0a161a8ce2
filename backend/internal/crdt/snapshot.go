package crdt

import (
	"encoding/json"
	"fmt"
)

type snapshotItem struct {
	ID        ItemID         `json:"id"`
	Origin    ItemID         `json:"origin,omitempty"`
	Value     string         `json:"value"`
	Deleted   bool           `json:"deleted,omitempty"`
	DeletedBy ItemID         `json:"deletedBy,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	AttrStamp ItemID         `json:"attrStamp,omitempty"`
}

type snapshotPayload struct {
	Items []snapshotItem `json:"items"`
}

// Snapshot serializes the full replica state, tombstones included, for
// checkpointing and bootstrap. Two converged replicas produce identical
// snapshots regardless of merge order.
func (d *Doc) Snapshot() ([]byte, error) {
	payload := snapshotPayload{Items: make([]snapshotItem, 0, len(d.items))}
	for _, it := range d.items {
		payload.Items = append(payload.Items, snapshotItem{
			ID:        it.ID,
			Origin:    it.Origin,
			Value:     it.Value,
			Deleted:   it.Deleted,
			DeletedBy: it.DeletedBy,
			Attrs:     it.Attrs,
			AttrStamp: it.AttrStamp,
		})
	}
	return json.Marshal(payload)
}

// Restore replaces the replica state with a snapshot. Empty input restores
// the empty document. Intended for bootstrap; use MergeSnapshot to fold a
// snapshot into a replica that already has local edits.
func (d *Doc) Restore(data []byte) error {
	d.items = nil
	d.byID = make(map[ItemID]*Item)
	d.sv = Vector{}
	d.pending = nil
	d.clock = 0
	if len(data) == 0 {
		return nil
	}
	var payload snapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, si := range payload.Items {
		it := &Item{
			ID:        si.ID,
			Origin:    si.Origin,
			Value:     si.Value,
			Deleted:   si.Deleted,
			DeletedBy: si.DeletedBy,
			Attrs:     si.Attrs,
			AttrStamp: si.AttrStamp,
		}
		if _, ok := d.byID[it.ID]; ok {
			return fmt.Errorf("%w: duplicate item %v in snapshot", ErrInvariant, it.ID)
		}
		d.items = append(d.items, it)
		d.byID[it.ID] = it
		d.observe(it.ID)
		d.observe(it.DeletedBy)
		d.observe(it.AttrStamp)
	}
	return nil
}

// MergeSnapshot folds a full snapshot into the replica without discarding
// local state. Used for forced resyncs: the snapshot is replayed as a
// fragment, so the usual idempotent merge rules apply.
func (d *Doc) MergeSnapshot(data []byte) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	tmp := NewDoc(d.client)
	if err := tmp.Restore(data); err != nil {
		return false, err
	}
	return d.Merge(tmp.DiffSince(nil))
}
