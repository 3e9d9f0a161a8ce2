package crdt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed marks a fragment or mutation that violates the protocol
	// (unknown kind, multi-rune insert, missing ids).
	ErrMalformed = errors.New("MALFORMED_FRAGMENT")
	// ErrInvariant marks a state that should be unreachable by construction,
	// e.g. two different inserts carrying the same id.
	ErrInvariant = errors.New("MERGE_INVARIANT_VIOLATION")
	// ErrRange marks a mutation that points outside the visible text.
	ErrRange = errors.New("POSITION_OUT_OF_RANGE")
)

// Item is one character of the document plus the causal metadata that makes
// merges order-independent. Deleted items stay as tombstones because later
// inserts may use them as origin.
type Item struct {
	ID        ItemID
	Origin    ItemID
	Value     string
	Deleted   bool
	DeletedBy ItemID
	Attrs     map[string]any
	AttrStamp ItemID
}

// Doc is the replicated state for one document. It does no I/O and no
// locking; the owner (a room, or a client adapter) serializes access.
type Doc struct {
	client string
	// clock is a Lamport clock: every local op gets a seq strictly greater
	// than any op this replica has seen, so a fresh insert sorts closest to
	// its origin among already-known siblings.
	clock uint64

	items []*Item
	byID  map[ItemID]*Item
	sv    Vector

	// pending holds ops whose origin or target has not arrived yet.
	// They integrate as soon as the missing dependency shows up.
	pending []Op
}

// NewDoc creates an empty replica owned by the given client id.
func NewDoc(clientID string) *Doc {
	return &Doc{
		client: clientID,
		byID:   make(map[ItemID]*Item),
		sv:     Vector{},
	}
}

func (d *Doc) ClientID() string { return d.client }

// StateVector returns a copy of everything this replica has incorporated.
func (d *Doc) StateVector() Vector { return d.sv.Clone() }

// PendingOps reports how many received ops are still waiting for their
// causal dependencies.
func (d *Doc) PendingOps() int { return len(d.pending) }

func (d *Doc) nextID() ItemID {
	d.clock++
	return ItemID{Client: d.client, Seq: d.clock}
}

// observe folds an op id into the state vector and the Lamport clock.
func (d *Doc) observe(id ItemID) {
	d.sv.Observe(id)
	if id.Seq > d.clock {
		d.clock = id.Seq
	}
}

// Apply integrates a local mutation and returns the fragment representing
// exactly that change, tagged local.
func (d *Doc) Apply(m Mutation) (*Fragment, error) {
	var ops []Op
	switch {
	case m.Insert != "":
		origin := ItemID{}
		if m.Pos > 0 {
			idx, err := d.visibleIndex(m.Pos - 1)
			if err != nil {
				return nil, err
			}
			origin = d.items[idx].ID
		} else if m.Pos < 0 {
			return nil, ErrRange
		}
		for _, r := range m.Insert {
			op := Op{Kind: OpInsert, ID: d.nextID(), Origin: origin, Value: string(r)}
			ops = append(ops, op)
			origin = op.ID
		}
	case m.Delete > 0:
		targets, err := d.visibleRun(m.Pos, m.Delete)
		if err != nil {
			return nil, err
		}
		for _, it := range targets {
			ops = append(ops, Op{Kind: OpDelete, ID: d.nextID(), Target: it.ID})
		}
	case m.Attrs != nil && m.Format > 0:
		targets, err := d.visibleRun(m.Pos, m.Format)
		if err != nil {
			return nil, err
		}
		for _, it := range targets {
			ops = append(ops, Op{Kind: OpFormat, ID: d.nextID(), Target: it.ID, Attrs: m.Attrs})
		}
	default:
		return nil, fmt.Errorf("%w: empty mutation", ErrMalformed)
	}

	for _, op := range ops {
		applied, _, err := d.integrate(op)
		if err != nil {
			return nil, err
		}
		if !applied {
			// Local ops always reference local state, so this cannot defer.
			return nil, fmt.Errorf("%w: local op deferred", ErrInvariant)
		}
	}
	return &Fragment{Client: d.client, Origin: TagLocal, Ops: ops}, nil
}

// Merge integrates a remote fragment. It is idempotent and commutative:
// merging the same fragment twice, or two fragments in either order, yields
// the same state. The returned bool reports whether state actually changed,
// so callers can skip redundant rebroadcasts.
func (d *Doc) Merge(f *Fragment) (bool, error) {
	if f == nil {
		return false, fmt.Errorf("%w: nil fragment", ErrMalformed)
	}
	if err := validateFragment(f); err != nil {
		return false, err
	}
	changed := false
	for _, op := range f.Ops {
		applied, ch, err := d.integrate(op)
		if err != nil {
			return changed, err
		}
		if !applied {
			d.pending = append(d.pending, op)
			continue
		}
		changed = changed || ch
	}
	ch, err := d.drainPending()
	return changed || ch, err
}

func validateFragment(f *Fragment) error {
	if f.Client == "" {
		return fmt.Errorf("%w: missing client id", ErrMalformed)
	}
	for _, op := range f.Ops {
		if op.ID.IsZero() {
			return fmt.Errorf("%w: op without id", ErrMalformed)
		}
		switch op.Kind {
		case OpInsert:
			if n := len([]rune(op.Value)); n != 1 {
				return fmt.Errorf("%w: insert carries %d runes", ErrMalformed, n)
			}
		case OpDelete:
			if op.Target.IsZero() {
				return fmt.Errorf("%w: delete without target", ErrMalformed)
			}
		case OpFormat:
			if op.Target.IsZero() || op.Attrs == nil {
				return fmt.Errorf("%w: format without target or attrs", ErrMalformed)
			}
		default:
			return fmt.Errorf("%w: unknown op kind %q", ErrMalformed, op.Kind)
		}
	}
	return nil
}

// drainPending retries deferred ops until no further progress is made.
func (d *Doc) drainPending() (bool, error) {
	changed := false
	for {
		progress := false
		remaining := d.pending[:0]
		for _, op := range d.pending {
			applied, ch, err := d.integrate(op)
			if err != nil {
				return changed, err
			}
			if applied {
				progress = true
				changed = changed || ch
			} else {
				remaining = append(remaining, op)
			}
		}
		d.pending = remaining
		if !progress {
			return changed, nil
		}
	}
}

// integrate applies one op. applied=false means a causal dependency is
// missing and the op must wait; changed means visible or durable state moved.
func (d *Doc) integrate(op Op) (applied bool, changed bool, err error) {
	switch op.Kind {
	case OpInsert:
		return d.integrateInsert(op)
	case OpDelete:
		return d.integrateDelete(op)
	case OpFormat:
		return d.integrateFormat(op)
	}
	return false, false, fmt.Errorf("%w: unknown op kind %q", ErrMalformed, op.Kind)
}

func (d *Doc) integrateInsert(op Op) (bool, bool, error) {
	if existing, ok := d.byID[op.ID]; ok {
		if existing.Value != op.Value || existing.Origin != op.Origin {
			return false, false, fmt.Errorf("%w: conflicting insert for %v", ErrInvariant, op.ID)
		}
		return true, false, nil
	}
	originIdx := -1
	if !op.Origin.IsZero() {
		if _, ok := d.byID[op.Origin]; !ok {
			return false, false, nil
		}
		originIdx = d.indexOf(op.Origin)
	}

	// RGA placement: walk right of the origin. Items attached further left
	// end the scan; concurrent siblings are ordered by descending id, and a
	// larger sibling's whole subtree is skipped along the way.
	pos := originIdx + 1
	for pos < len(d.items) {
		it := d.items[pos]
		oIdx := -1
		if !it.Origin.IsZero() {
			oIdx = d.indexOf(it.Origin)
		}
		if oIdx < originIdx {
			break
		}
		if oIdx == originIdx && it.ID.Less(op.ID) {
			break
		}
		pos++
	}

	item := &Item{ID: op.ID, Origin: op.Origin, Value: op.Value}
	d.items = append(d.items, nil)
	copy(d.items[pos+1:], d.items[pos:])
	d.items[pos] = item
	d.byID[op.ID] = item
	d.observe(op.ID)
	return true, true, nil
}

func (d *Doc) integrateDelete(op Op) (bool, bool, error) {
	it, ok := d.byID[op.Target]
	if !ok {
		return false, false, nil
	}
	if it.Deleted && it.DeletedBy == op.ID {
		return true, false, nil
	}
	changed := !it.Deleted
	it.Deleted = true
	// Concurrent deletes of the same item keep the largest stamp so every
	// replica re-emits the same delete op in diffs.
	if it.DeletedBy.IsZero() || it.DeletedBy.Less(op.ID) {
		it.DeletedBy = op.ID
		changed = true
	}
	d.observe(op.ID)
	return true, changed, nil
}

func (d *Doc) integrateFormat(op Op) (bool, bool, error) {
	it, ok := d.byID[op.Target]
	if !ok {
		return false, false, nil
	}
	if it.AttrStamp == op.ID {
		return true, false, nil
	}
	changed := false
	// Last writer wins on the whole attribute set, stamped by the op id.
	if it.AttrStamp.IsZero() || it.AttrStamp.Less(op.ID) {
		it.Attrs = op.Attrs
		it.AttrStamp = op.ID
		changed = true
	}
	d.observe(op.ID)
	return true, changed, nil
}

// DiffSince computes the minimal fragment a peer with the given vector is
// missing. Items are walked in document order, so an insert always precedes
// the inserts that use it as origin.
func (d *Doc) DiffSince(v Vector) *Fragment {
	if v == nil {
		v = Vector{}
	}
	var ops []Op
	for _, it := range d.items {
		if !v.Includes(it.ID) {
			ops = append(ops, Op{Kind: OpInsert, ID: it.ID, Origin: it.Origin, Value: it.Value})
		}
		if !it.DeletedBy.IsZero() && !v.Includes(it.DeletedBy) {
			ops = append(ops, Op{Kind: OpDelete, ID: it.DeletedBy, Target: it.ID})
		}
		if !it.AttrStamp.IsZero() && !v.Includes(it.AttrStamp) {
			ops = append(ops, Op{Kind: OpFormat, ID: it.AttrStamp, Target: it.ID, Attrs: it.Attrs})
		}
	}
	return &Fragment{Client: d.client, Origin: TagLocal, Ops: ops}
}

// Text renders the visible document.
func (d *Doc) Text() string {
	var b strings.Builder
	for _, it := range d.items {
		if !it.Deleted {
			b.WriteString(it.Value)
		}
	}
	return b.String()
}

// Len is the visible length in runes.
func (d *Doc) Len() int {
	n := 0
	for _, it := range d.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// AttrsAt returns the formatting attributes of the visible rune at pos.
func (d *Doc) AttrsAt(pos int) (map[string]any, error) {
	idx, err := d.visibleIndex(pos)
	if err != nil {
		return nil, err
	}
	return d.items[idx].Attrs, nil
}

func (d *Doc) indexOf(id ItemID) int {
	for i, it := range d.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// visibleIndex maps a visible rune position to an index into items.
func (d *Doc) visibleIndex(pos int) (int, error) {
	if pos < 0 {
		return 0, ErrRange
	}
	seen := 0
	for i, it := range d.items {
		if it.Deleted {
			continue
		}
		if seen == pos {
			return i, nil
		}
		seen++
	}
	return 0, ErrRange
}

// visibleRun collects n consecutive visible items starting at pos.
func (d *Doc) visibleRun(pos, n int) ([]*Item, error) {
	start, err := d.visibleIndex(pos)
	if err != nil {
		return nil, err
	}
	out := make([]*Item, 0, n)
	for i := start; i < len(d.items) && len(out) < n; i++ {
		if !d.items[i].Deleted {
			out = append(out, d.items[i])
		}
	}
	if len(out) < n {
		return nil, ErrRange
	}
	return out, nil
}
