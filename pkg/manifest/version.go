package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"sync/atomic"

	"lsmkv/pkg/types"
)

// Version is an immutable snapshot of the live tables. Level 0 is ordered
// newest first and may overlap; deeper levels are sorted by key and disjoint.
type Version struct {
	Levels     [][]*FileMeta
	LastSeq    types.SeqN
	LogNumber  uint64
	NextFileID types.FileID

	refs atomic.Int32
}

// DeletedFile names a table removed by an edit.
type DeletedFile struct {
	Level int          `json:"level"`
	ID    types.FileID `json:"id"`
}

// VersionEdit is the delta between two versions. Counters in an edit only
// ever move the version forward.
type VersionEdit struct {
	Added      []*FileMeta
	Deleted    []DeletedFile
	LastSeq    types.SeqN
	LogNumber  uint64
	NextFileID types.FileID
}

func (e *VersionEdit) AddFile(f *FileMeta) {
	e.Added = append(e.Added, f)
}

func (e *VersionEdit) DeleteFile(level int, id types.FileID) {
	e.Deleted = append(e.Deleted, DeletedFile{Level: level, ID: id})
}

// MoveFile records a trivial move of f to level.
func (e *VersionEdit) MoveFile(f *FileMeta, level int) {
	e.DeleteFile(f.Level, f.ID)
	e.AddFile(f.withLevel(level))
}

func newVersion(numLevels int) *Version {
	return &Version{Levels: make([][]*FileMeta, numLevels)}
}

func (v *Version) NumLevels() int {
	return len(v.Levels)
}

// NumFiles is the number of live tables across all levels.
func (v *Version) NumFiles() int {
	n := 0
	for _, files := range v.Levels {
		n += len(files)
	}
	return n
}

func (v *Version) Files(level int) []*FileMeta {
	if level < 0 || level >= len(v.Levels) {
		return nil
	}
	return v.Levels[level]
}

func (v *Version) LevelSize(level int) uint64 {
	return TotalSize(v.Files(level))
}

// FilesForKey returns the tables that may hold key, newest data first: every
// matching level 0 table, then at most one table per deeper level.
func (v *Version) FilesForKey(key []byte) []*FileMeta {
	var out []*FileMeta
	for _, f := range v.Levels[0] {
		if f.Contains(key) {
			out = append(out, f)
		}
	}
	for level := 1; level < len(v.Levels); level++ {
		files := v.Levels[level]
		i := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].Largest, key) >= 0
		})
		if i < len(files) && bytes.Compare(files[i].Smallest, key) <= 0 {
			out = append(out, files[i])
		}
	}
	return out
}

// Overlapping returns the tables of level intersecting [start, end].
func (v *Version) Overlapping(level int, start, end []byte) []*FileMeta {
	var out []*FileMeta
	for _, f := range v.Files(level) {
		if f.Overlaps(start, end) {
			out = append(out, f)
		}
	}
	return out
}

// OverlapsBelow reports whether any level deeper than level has a table
// intersecting [start, end].
func (v *Version) OverlapsBelow(level int, start, end []byte) bool {
	for l := level + 1; l < len(v.Levels); l++ {
		if len(v.Overlapping(l, start, end)) > 0 {
			return true
		}
	}
	return false
}

// apply builds the successor of v. v itself is not modified.
func (v *Version) apply(e *VersionEdit) (*Version, error) {
	next := newVersion(len(v.Levels))
	next.LastSeq = max(v.LastSeq, e.LastSeq)
	next.LogNumber = max(v.LogNumber, e.LogNumber)
	next.NextFileID = max(v.NextFileID, e.NextFileID)

	deleted := make(map[DeletedFile]bool, len(e.Deleted))
	for _, d := range e.Deleted {
		deleted[d] = true
	}
	for level, files := range v.Levels {
		for _, f := range files {
			if deleted[DeletedFile{Level: level, ID: f.ID}] {
				delete(deleted, DeletedFile{Level: level, ID: f.ID})
				continue
			}
			next.Levels[level] = append(next.Levels[level], f)
		}
	}
	for d := range deleted {
		return nil, fmt.Errorf("edit deletes unknown table %d at level %d", d.ID, d.Level)
	}

	for _, f := range e.Added {
		if f.Level < 0 || f.Level >= len(next.Levels) {
			return nil, fmt.Errorf("table %d added at invalid level %d", f.ID, f.Level)
		}
		next.Levels[f.Level] = append(next.Levels[f.Level], f)
	}

	next.sortLevels()
	if err := next.check(); err != nil {
		return nil, err
	}
	return next, nil
}

func (v *Version) sortLevels() {
	sort.SliceStable(v.Levels[0], func(i, j int) bool {
		a, b := v.Levels[0][i], v.Levels[0][j]
		if a.MaxSeq != b.MaxSeq {
			return a.MaxSeq > b.MaxSeq
		}
		return a.ID > b.ID
	})
	for level := 1; level < len(v.Levels); level++ {
		files := v.Levels[level]
		sort.Slice(files, func(i, j int) bool {
			return bytes.Compare(files[i].Smallest, files[j].Smallest) < 0
		})
	}
}

// check verifies that deeper levels are disjoint.
func (v *Version) check() error {
	for level := 1; level < len(v.Levels); level++ {
		files := v.Levels[level]
		for i := 1; i < len(files); i++ {
			if bytes.Compare(files[i-1].Largest, files[i].Smallest) >= 0 {
				return fmt.Errorf("level %d tables %d and %d overlap", level, files[i-1].ID, files[i].ID)
			}
		}
	}
	return nil
}
