package iterator

import (
	"errors"
	"strings"
	"testing"

	"lsmkv/pkg/types"
)

func put(k, v string, seq types.SeqN) types.Entry {
	return types.Entry{Key: []byte(k), Value: []byte(v), Seq: seq, Kind: types.KindPut}
}

func del(k string, seq types.SeqN) types.Entry {
	return types.Entry{Key: []byte(k), Seq: seq, Kind: types.KindDelete}
}

func render(t *testing.T, it Iterator) string {
	t.Helper()
	var sb strings.Builder
	for ; it.Valid(); it.Next() {
		e := it.Entry()
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(string(e.Key))
		if e.IsTombstone() {
			sb.WriteString("=~")
		} else {
			sb.WriteString("=" + string(e.Value))
		}
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	return sb.String()
}

func TestSliceIterator(t *testing.T) {
	it := NewSlice([]types.Entry{put("a", "1", 1), put("c", "3", 3), put("e", "5", 5)})
	if it.Valid() {
		t.Fatal("iterator must be unpositioned before First")
	}
	it.First()
	if got := render(t, it); got != "a=1 c=3 e=5" {
		t.Fatalf("unexpected %q", got)
	}
	it.Seek([]byte("b"))
	if got := render(t, it); got != "c=3 e=5" {
		t.Fatalf("unexpected after seek %q", got)
	}
	it.Seek([]byte("z"))
	if it.Valid() {
		t.Fatal("seek past the end must invalidate")
	}
}

func TestMergingIteratorOrdersNewestFirst(t *testing.T) {
	newer := NewSlice([]types.Entry{put("a", "new", 5), del("c", 6)})
	older := NewSlice([]types.Entry{put("a", "old", 1), put("b", "b", 2), put("c", "c", 3)})

	m := NewMerging(newer, older)
	m.First()
	if got := render(t, m); got != "a=new a=old b=b c=~ c=c" {
		t.Fatalf("unexpected merge %q", got)
	}
}

func TestMergingIteratorTieBreaksOnChildOrder(t *testing.T) {
	first := NewSlice([]types.Entry{put("k", "first", 3)})
	second := NewSlice([]types.Entry{put("k", "second", 3)})

	m := NewMerging(first, second)
	m.First()
	if string(m.Value()) != "first" {
		t.Fatalf("expected earlier child to win the tie, got %q", m.Value())
	}
}

func TestDedupVisible(t *testing.T) {
	newer := NewSlice([]types.Entry{put("a", "new", 5), del("c", 6), put("d", "d", 7)})
	older := NewSlice([]types.Entry{put("a", "old", 1), put("b", "b", 2), put("c", "c", 3)})

	v := NewVisible(NewMerging(newer, older))
	v.First()
	if got := render(t, v); got != "a=new b=b d=d" {
		t.Fatalf("unexpected visible view %q", got)
	}

	v.Seek([]byte("c"))
	if got := render(t, v); got != "d=d" {
		t.Fatalf("unexpected visible view after seek %q", got)
	}
}

func TestDedupKeepsTombstones(t *testing.T) {
	newer := NewSlice([]types.Entry{del("a", 4)})
	older := NewSlice([]types.Entry{put("a", "old", 1), put("b", "b", 2)})

	d := NewDedup(NewMerging(newer, older), false)
	d.First()
	if got := render(t, d); got != "a=~ b=b" {
		t.Fatalf("unexpected dedup %q", got)
	}
}

func TestCollectIsRestartable(t *testing.T) {
	it := NewVisible(NewMerging(NewSlice([]types.Entry{put("x", "1", 1), put("y", "2", 2)})))
	for i := 0; i < 2; i++ {
		got, err := Collect(it)
		if err != nil || len(got) != 2 {
			t.Fatalf("pass %d: got %d entries, err %v", i, len(got), err)
		}
	}
}

type failingIterator struct {
	SliceIterator
	err error
}

func (f *failingIterator) Valid() bool { return false }
func (f *failingIterator) Err() error  { return f.err }

func TestMergingIteratorSurfacesChildError(t *testing.T) {
	boom := errors.New("bad block")
	m := NewMerging(NewSlice([]types.Entry{put("a", "1", 1)}), &failingIterator{err: boom})
	m.First()
	if m.Valid() {
		t.Fatal("merging iterator must stop on child error")
	}
	if !errors.Is(m.Err(), boom) {
		t.Fatalf("expected child error, got %v", m.Err())
	}
}
