package crdt

import "encoding/json"

// ItemID identifies one operation (and, for inserts, the item it created).
// Client is the originating replica, Seq its per-document counter.
type ItemID struct {
	Client string `json:"c"`
	Seq    uint64 `json:"s"`
}

// IsZero reports whether the id is unset. A zero origin means "document start".
func (id ItemID) IsZero() bool { return id.Client == "" && id.Seq == 0 }

// Less orders two ids deterministically: by Seq, then by Client.
// Every replica uses the same order, so concurrent siblings converge.
func (id ItemID) Less(other ItemID) bool {
	if id.Seq != other.Seq {
		return id.Seq < other.Seq
	}
	return id.Client < other.Client
}

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpFormat OpKind = "format"
)

// Op is one atomic document change. The causal metadata (ID, Origin, Target)
// is what makes merge order irrelevant.
type Op struct {
	Kind OpKind `json:"kind"`
	ID   ItemID `json:"id"`
	// Origin is the id of the item immediately left of the insert position
	// at the time the insert was made. Zero means start of document.
	Origin ItemID `json:"origin,omitempty"`
	// Value is the inserted text, exactly one rune per op.
	Value string `json:"value,omitempty"`
	// Target is the item a delete or format applies to.
	Target ItemID         `json:"target,omitempty"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// Tag marks where a fragment came from relative to the holder. It is only
// used to suppress echoing a fragment back to its own originator.
type Tag string

const (
	TagLocal  Tag = "local"
	TagRemote Tag = "remote"
)

// Fragment is the unit of change exchanged between replicas: a batch of ops
// produced by one mutation or one catch-up diff.
type Fragment struct {
	Client string `json:"client"`
	Origin Tag    `json:"origin,omitempty"`
	Ops    []Op   `json:"ops"`
}

// Tagged returns a shallow copy of the fragment carrying the given tag.
func (f *Fragment) Tagged(t Tag) *Fragment {
	cp := *f
	cp.Origin = t
	return &cp
}

// Empty reports whether the fragment carries no operations.
func (f *Fragment) Empty() bool { return f == nil || len(f.Ops) == 0 }

// Vector is a state vector: per client, the highest op seq incorporated.
type Vector map[string]uint64

// Includes reports whether the vector already covers the given op id.
func (v Vector) Includes(id ItemID) bool { return v[id.Client] >= id.Seq }

// Observe raises the vector to cover id.
func (v Vector) Observe(id ItemID) {
	if id.IsZero() {
		return
	}
	if v[id.Client] < id.Seq {
		v[id.Client] = id.Seq
	}
}

// Clone returns an independent copy of the vector.
func (v Vector) Clone() Vector {
	cp := make(Vector, len(v))
	for c, s := range v {
		cp[c] = s
	}
	return cp
}

// Encode serializes the vector for handshakes.
func (v Vector) Encode() ([]byte, error) { return json.Marshal(v) }

// DecodeVector parses a vector produced by Encode. nil or empty input is the
// "I have nothing" vector.
func DecodeVector(data []byte) (Vector, error) {
	if len(data) == 0 {
		return Vector{}, nil
	}
	var v Vector
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if v == nil {
		v = Vector{}
	}
	return v, nil
}

// Mutation is a position-based local edit handed in by the editor front-end.
// Exactly one of Insert, Delete or Attrs is meaningful per call.
type Mutation struct {
	// Pos is the rune position in the visible text.
	Pos int
	// Insert is text to insert at Pos.
	Insert string
	// Delete is the number of visible runes to remove starting at Pos.
	Delete int
	// Attrs formats Format runes starting at Pos (bold, color, ...).
	Attrs  map[string]any
	Format int
}
