package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is the global mutation counter. Every put or delete consumes exactly one.
type SeqN = uint64

// FileID numbers sstables and WAL segments from a single shared counter.
type FileID = uint64

// Kind tells a live value apart from a deletion marker.
type Kind uint8

const (
	KindPut    Kind = 1
	KindDelete Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindPut || k == KindDelete
}

// Entry is a single versioned mutation of a key.
type Entry struct {
	Key   Key
	Value Value
	Seq   SeqN
	Kind  Kind
}

// IsTombstone reports whether the entry records a deletion.
func (e Entry) IsTombstone() bool {
	return e.Kind == KindDelete
}

// Size is the number of key and value bytes carried by the entry.
func (e Entry) Size() int {
	return len(e.Key) + len(e.Value)
}
