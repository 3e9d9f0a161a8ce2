package crdt

import (
	"bytes"
	"errors"
	"testing"
)

func mustApply(t *testing.T, d *Doc, m Mutation) *Fragment {
	t.Helper()
	f, err := d.Apply(m)
	if err != nil {
		t.Fatalf("Apply(%+v) error = %v", m, err)
	}
	return f
}

func mustMerge(t *testing.T, d *Doc, f *Fragment) bool {
	t.Helper()
	changed, err := d.Merge(f)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	return changed
}

func snapshotOf(t *testing.T, d *Doc) []byte {
	t.Helper()
	b, err := d.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return b
}

func TestApply_InsertDelete(t *testing.T) {
	d := NewDoc("alice")
	mustApply(t, d, Mutation{Pos: 0, Insert: "Hello world"})
	if got := d.Text(); got != "Hello world" {
		t.Fatalf("Text() = %q, want %q", got, "Hello world")
	}
	mustApply(t, d, Mutation{Pos: 5, Insert: " collaborative"})
	if got := d.Text(); got != "Hello collaborative world" {
		t.Fatalf("Text() = %q, want %q", got, "Hello collaborative world")
	}
	mustApply(t, d, Mutation{Pos: 5, Delete: 14})
	if got := d.Text(); got != "Hello world" {
		t.Fatalf("Text() = %q, want %q", got, "Hello world")
	}
	if got := d.Len(); got != len("Hello world") {
		t.Fatalf("Len() = %d, want %d", got, len("Hello world"))
	}
}

func TestApply_OutOfRange(t *testing.T) {
	d := NewDoc("alice")
	mustApply(t, d, Mutation{Pos: 0, Insert: "hi"})
	if _, err := d.Apply(Mutation{Pos: 5, Insert: "x"}); !errors.Is(err, ErrRange) {
		t.Fatalf("Apply past end error = %v, want ErrRange", err)
	}
	if _, err := d.Apply(Mutation{Pos: 1, Delete: 5}); !errors.Is(err, ErrRange) {
		t.Fatalf("Apply over-delete error = %v, want ErrRange", err)
	}
	if _, err := d.Apply(Mutation{}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Apply empty mutation error = %v, want ErrMalformed", err)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	a := NewDoc("alice")
	b := NewDoc("bob")
	f := mustApply(t, a, Mutation{Pos: 0, Insert: "hello"})

	if changed := mustMerge(t, b, f); !changed {
		t.Fatalf("first Merge() changed = false, want true")
	}
	if changed := mustMerge(t, b, f); changed {
		t.Fatalf("second Merge() changed = true, want false")
	}
	if got := b.Text(); got != "hello" {
		t.Fatalf("Text() = %q, want %q", got, "hello")
	}
}

func TestMerge_Commutative(t *testing.T) {
	src := NewDoc("alice")
	f1 := mustApply(t, src, Mutation{Pos: 0, Insert: "abc"})
	f2 := mustApply(t, src, Mutation{Pos: 1, Delete: 1})

	x := NewDoc("x")
	mustMerge(t, x, f1)
	mustMerge(t, x, f2)

	y := NewDoc("y")
	mustMerge(t, y, f2) // delete arrives first, parks in pending
	mustMerge(t, y, f1)

	if x.Text() != y.Text() {
		t.Fatalf("order-dependent texts: %q vs %q", x.Text(), y.Text())
	}
	if !bytes.Equal(snapshotOf(t, x), snapshotOf(t, y)) {
		t.Fatalf("order-dependent snapshots")
	}
	if got := y.PendingOps(); got != 0 {
		t.Fatalf("PendingOps() = %d, want 0", got)
	}
}

func TestMerge_ConcurrentInsertsConverge(t *testing.T) {
	a := NewDoc("alice")
	b := NewDoc("bob")

	fa := mustApply(t, a, Mutation{Pos: 0, Insert: "A"})
	fb := mustApply(t, b, Mutation{Pos: 0, Insert: "B"})

	mustMerge(t, a, fb)
	mustMerge(t, b, fa)

	if a.Text() != b.Text() {
		t.Fatalf("diverged: %q vs %q", a.Text(), b.Text())
	}
	// Equal clocks tie-break on client id, larger sorts first.
	if got := a.Text(); got != "BA" {
		t.Fatalf("Text() = %q, want %q", got, "BA")
	}
}

func TestMerge_InterleavedEditingConverges(t *testing.T) {
	a := NewDoc("alice")
	b := NewDoc("bob")

	var fromA, fromB []*Fragment
	fromA = append(fromA, mustApply(t, a, Mutation{Pos: 0, Insert: "hello "}))
	fromB = append(fromB, mustApply(t, b, Mutation{Pos: 0, Insert: "world"}))
	fromA = append(fromA, mustApply(t, a, Mutation{Pos: 0, Insert: ">"}))
	fromA = append(fromA, mustApply(t, a, Mutation{Pos: 1, Delete: 1}))
	fromB = append(fromB, mustApply(t, b, Mutation{Pos: 5, Insert: "!"}))

	// A sees B's fragments newest-first; B sees A's in order.
	for i := len(fromB) - 1; i >= 0; i-- {
		mustMerge(t, a, fromB[i])
	}
	for _, f := range fromA {
		mustMerge(t, b, f)
	}

	if a.Text() != b.Text() {
		t.Fatalf("diverged: %q vs %q", a.Text(), b.Text())
	}
	if !bytes.Equal(snapshotOf(t, a), snapshotOf(t, b)) {
		t.Fatalf("snapshots differ after full exchange")
	}
}

func TestDiffSince_OfflineCatchUp(t *testing.T) {
	server := NewDoc("server")
	client := NewDoc("alice")

	f := mustApply(t, client, Mutation{Pos: 0, Insert: "base"})
	mustMerge(t, server, f)

	// Client goes offline and keeps editing.
	mustApply(t, client, Mutation{Pos: 4, Insert: "1"})
	mustApply(t, client, Mutation{Pos: 5, Insert: "2"})
	mustApply(t, client, Mutation{Pos: 6, Insert: "3"})
	mustApply(t, client, Mutation{Pos: 7, Insert: "4"})
	mustApply(t, client, Mutation{Pos: 8, Insert: "5"})

	// Meanwhile another editor changes the server copy.
	other := NewDoc("bob")
	mustMerge(t, other, server.DiffSince(nil))
	fo := mustApply(t, other, Mutation{Pos: 0, Insert: "~"})
	mustMerge(t, server, fo)

	// Reconnect handshake: both sides exchange diffs against the other's
	// current vector.
	down := server.DiffSince(client.StateVector())
	up := client.DiffSince(server.StateVector())
	mustMerge(t, client, down)
	mustMerge(t, server, up)

	if client.Text() != server.Text() {
		t.Fatalf("diverged after catch-up: %q vs %q", client.Text(), server.Text())
	}
	if got := client.Text(); got != "~base12345" {
		t.Fatalf("Text() = %q, want %q", got, "~base12345")
	}

	// Resending already-acknowledged fragments must be a no-op.
	if changed := mustMerge(t, server, up); changed {
		t.Fatalf("re-merge of acknowledged diff changed = true, want false")
	}
}

func TestDiffSince_Minimal(t *testing.T) {
	a := NewDoc("alice")
	b := NewDoc("bob")
	mustMerge(t, b, mustApply(t, a, Mutation{Pos: 0, Insert: "abc"}))

	mustApply(t, a, Mutation{Pos: 3, Insert: "d"})
	diff := a.DiffSince(b.StateVector())
	if got := len(diff.Ops); got != 1 {
		t.Fatalf("DiffSince ops = %d, want 1", got)
	}
	if diff.Ops[0].Value != "d" {
		t.Fatalf("diff op value = %q, want %q", diff.Ops[0].Value, "d")
	}
}

func TestFormat_LastWriterWins(t *testing.T) {
	a := NewDoc("alice")
	b := NewDoc("bob")
	base := mustApply(t, a, Mutation{Pos: 0, Insert: "x"})
	mustMerge(t, b, base)

	fa := mustApply(t, a, Mutation{Pos: 0, Format: 1, Attrs: map[string]any{"bold": true}})
	fb := mustApply(t, b, Mutation{Pos: 0, Format: 1, Attrs: map[string]any{"color": "red"}})

	mustMerge(t, a, fb)
	mustMerge(t, b, fa)

	aAttrs, err := a.AttrsAt(0)
	if err != nil {
		t.Fatalf("AttrsAt() error = %v", err)
	}
	bAttrs, err := b.AttrsAt(0)
	if err != nil {
		t.Fatalf("AttrsAt() error = %v", err)
	}
	if len(aAttrs) != len(bAttrs) {
		t.Fatalf("attrs diverged: %v vs %v", aAttrs, bAttrs)
	}
	for k, v := range aAttrs {
		if bAttrs[k] != v {
			t.Fatalf("attrs diverged on %q: %v vs %v", k, aAttrs, bAttrs)
		}
	}
}

func TestConcurrentDelete_Converges(t *testing.T) {
	a := NewDoc("alice")
	b := NewDoc("bob")
	mustMerge(t, b, mustApply(t, a, Mutation{Pos: 0, Insert: "xy"}))

	fa := mustApply(t, a, Mutation{Pos: 0, Delete: 1})
	fb := mustApply(t, b, Mutation{Pos: 0, Delete: 1})

	mustMerge(t, a, fb)
	mustMerge(t, b, fa)

	if a.Text() != "y" || b.Text() != "y" {
		t.Fatalf("texts = %q / %q, want %q", a.Text(), b.Text(), "y")
	}
	if !bytes.Equal(snapshotOf(t, a), snapshotOf(t, b)) {
		t.Fatalf("snapshots differ after concurrent delete")
	}
}

func TestMerge_Malformed(t *testing.T) {
	d := NewDoc("alice")
	cases := []*Fragment{
		{Client: "", Ops: []Op{{Kind: OpInsert, ID: ItemID{Client: "x", Seq: 1}, Value: "a"}}},
		{Client: "x", Ops: []Op{{Kind: OpInsert, ID: ItemID{Client: "x", Seq: 1}, Value: "ab"}}},
		{Client: "x", Ops: []Op{{Kind: OpDelete, ID: ItemID{Client: "x", Seq: 1}}}},
		{Client: "x", Ops: []Op{{Kind: "mystery", ID: ItemID{Client: "x", Seq: 1}}}},
	}
	for i, f := range cases {
		if _, err := d.Merge(f); !errors.Is(err, ErrMalformed) {
			t.Fatalf("case %d: Merge() error = %v, want ErrMalformed", i, err)
		}
	}
}

func TestMerge_InvariantViolation(t *testing.T) {
	d := NewDoc("alice")
	mustMerge(t, d, &Fragment{Client: "x", Ops: []Op{
		{Kind: OpInsert, ID: ItemID{Client: "x", Seq: 1}, Value: "a"},
	}})
	_, err := d.Merge(&Fragment{Client: "x", Ops: []Op{
		{Kind: OpInsert, ID: ItemID{Client: "x", Seq: 1}, Value: "z"},
	}})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("Merge() error = %v, want ErrInvariant", err)
	}
}

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	a := NewDoc("alice")
	mustApply(t, a, Mutation{Pos: 0, Insert: "hello"})
	mustApply(t, a, Mutation{Pos: 0, Delete: 1})
	mustApply(t, a, Mutation{Pos: 0, Format: 2, Attrs: map[string]any{"bold": true}})

	blob := snapshotOf(t, a)
	restored := NewDoc("bob")
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.Text() != a.Text() {
		t.Fatalf("restored Text() = %q, want %q", restored.Text(), a.Text())
	}
	if !bytes.Equal(snapshotOf(t, restored), blob) {
		t.Fatalf("restored snapshot differs from original")
	}

	// A restored replica can keep editing without id collisions.
	f := mustApply(t, restored, Mutation{Pos: 0, Insert: "!"})
	if _, err := a.Merge(f); err != nil {
		t.Fatalf("Merge() after restore error = %v", err)
	}
	if a.Text() != restored.Text() {
		t.Fatalf("diverged after post-restore edit: %q vs %q", a.Text(), restored.Text())
	}
}

func TestMergeSnapshot_KeepsLocalEdits(t *testing.T) {
	server := NewDoc("server")
	other := NewDoc("bob")
	mustMerge(t, server, mustApply(t, other, Mutation{Pos: 0, Insert: "shared"}))

	client := NewDoc("alice")
	mustApply(t, client, Mutation{Pos: 0, Insert: "mine:"})

	blob := snapshotOf(t, server)
	if _, err := client.MergeSnapshot(blob); err != nil {
		t.Fatalf("MergeSnapshot() error = %v", err)
	}
	// Server catches up on the client's local ops the usual way.
	mustMerge(t, server, client.DiffSince(server.StateVector()))

	if client.Text() != server.Text() {
		t.Fatalf("diverged after snapshot merge: %q vs %q", client.Text(), server.Text())
	}
	for _, want := range []string{"mine:", "shared"} {
		if !contains(client.Text(), want) {
			t.Fatalf("Text() = %q, missing %q", client.Text(), want)
		}
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && bytes.Contains([]byte(s), []byte(sub))
}

func TestVector_EncodeDecode(t *testing.T) {
	v := Vector{"alice": 5, "bob": 2}
	data, err := v.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := DecodeVector(data)
	if err != nil {
		t.Fatalf("DecodeVector() error = %v", err)
	}
	if len(got) != 2 || got["alice"] != 5 || got["bob"] != 2 {
		t.Fatalf("DecodeVector() = %v, want %v", got, v)
	}
	empty, err := DecodeVector(nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("DecodeVector(nil) = %v, %v, want empty vector", empty, err)
	}
	if !got.Includes(ItemID{Client: "alice", Seq: 4}) {
		t.Fatalf("Includes(alice:4) = false, want true")
	}
	if got.Includes(ItemID{Client: "alice", Seq: 6}) {
		t.Fatalf("Includes(alice:6) = true, want false")
	}
}
