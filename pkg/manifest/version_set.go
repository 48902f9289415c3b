package manifest

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

const (
	FileName     = "MANIFEST"
	tempFileName = "MANIFEST.tmp"
	formatV1     = 1
)

// manifestData is the persisted form of a Version.
type manifestData struct {
	FormatVersion int           `json:"format_version"`
	DBID          string        `json:"db_id"`
	LastSeq       types.SeqN    `json:"last_seq"`
	LogNumber     uint64        `json:"log_number"`
	NextFileID    types.FileID  `json:"next_file_id"`
	Levels        [][]*FileMeta `json:"levels"`
}

// VersionSet owns the current Version and the lifetime of table files. A
// table is obsolete once no referenced Version contains it.
type VersionSet struct {
	dir       string
	numLevels int
	dbID      string
	logger    *slog.Logger

	// installMu serializes Install; refMu guards current and the ref counts
	// and is never held across IO.
	installMu sync.Mutex
	refMu     sync.Mutex
	current   *Version
	fileRefs  map[types.FileID]int
	files     map[types.FileID]*FileMeta

	nextFileID atomic.Uint64
	onObsolete func(*FileMeta)
}

type Option func(*VersionSet)

// WithObsoleteHandler sets the callback run for every table that drops out
// of all live versions.
func WithObsoleteHandler(fn func(*FileMeta)) Option {
	return func(vs *VersionSet) { vs.onObsolete = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(vs *VersionSet) { vs.logger = l }
}

// Open loads the manifest in dir, or creates an empty one.
func Open(dir string, numLevels int, opts ...Option) (*VersionSet, error) {
	vs := &VersionSet{
		dir:        dir,
		numLevels:  numLevels,
		logger:     slog.Default(),
		fileRefs:   make(map[types.FileID]int),
		files:      make(map[types.FileID]*FileMeta),
		onObsolete: func(*FileMeta) {},
	}
	for _, opt := range opts {
		opt(vs)
	}

	path := filepath.Join(dir, FileName)
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := vs.create(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, dberrors.IOFailure("read", path, err)
	default:
		if err := vs.load(path, raw); err != nil {
			return nil, err
		}
	}
	// stale temp file from an interrupted install
	_ = os.Remove(filepath.Join(dir, tempFileName))

	return vs, nil
}

func (vs *VersionSet) create() error {
	vs.dbID = uuid.NewString()
	v := newVersion(vs.numLevels)
	v.NextFileID = 1
	vs.nextFileID.Store(1)
	if err := vs.persist(v); err != nil {
		return errors.Wrap(err, "create manifest")
	}
	vs.setCurrent(v)
	vs.logger.Info("created manifest", "dir", vs.dir, "db_id", vs.dbID)
	return nil
}

func (vs *VersionSet) load(path string, raw []byte) error {
	var md manifestData
	if err := json.Unmarshal(raw, &md); err != nil {
		return dberrors.Corruptf(path, 0, "manifest does not parse: %v", err)
	}
	if md.FormatVersion != formatV1 {
		return dberrors.Corruptf(path, 0, "unsupported manifest format %d", md.FormatVersion)
	}
	if len(md.Levels) > vs.numLevels {
		for _, files := range md.Levels[vs.numLevels:] {
			if len(files) > 0 {
				return errors.Wrapf(dberrors.ErrInvalidArgument,
					"manifest has %d levels, configured for %d", len(md.Levels), vs.numLevels)
			}
		}
		md.Levels = md.Levels[:vs.numLevels]
	}

	v := newVersion(vs.numLevels)
	v.LastSeq = md.LastSeq
	v.LogNumber = md.LogNumber
	v.NextFileID = md.NextFileID
	next := md.NextFileID
	for level, files := range md.Levels {
		for _, f := range files {
			f.Level = level
			v.Levels[level] = append(v.Levels[level], f)
			next = max(next, f.ID+1)
		}
	}
	v.sortLevels()
	if err := v.check(); err != nil {
		return dberrors.Corruptf(path, 0, "%v", err)
	}

	vs.dbID = md.DBID
	vs.nextFileID.Store(max(next, 1))
	vs.setCurrent(v)
	vs.logger.Info("loaded manifest", "dir", vs.dir, "db_id", vs.dbID,
		"tables", v.NumFiles(), "last_seq", v.LastSeq, "log_number", v.LogNumber)
	return nil
}

// persist writes v to MANIFEST.tmp, fsyncs it and renames it over MANIFEST.
func (vs *VersionSet) persist(v *Version) error {
	md := manifestData{
		FormatVersion: formatV1,
		DBID:          vs.dbID,
		LastSeq:       v.LastSeq,
		LogNumber:     v.LogNumber,
		NextFileID:    v.NextFileID,
		Levels:        v.Levels,
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}

	tmp := filepath.Join(vs.dir, tempFileName)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return dberrors.IOFailure("create", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return dberrors.IOFailure("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return dberrors.IOFailure("fsync", tmp, err)
	}
	if err := f.Close(); err != nil {
		return dberrors.IOFailure("close", tmp, err)
	}
	final := filepath.Join(vs.dir, FileName)
	if err := os.Rename(tmp, final); err != nil {
		return dberrors.IOFailure("rename", tmp, err)
	}
	return syncDir(vs.dir)
}

// setCurrent makes v current and takes the set's reference on it.
func (vs *VersionSet) setCurrent(v *Version) *Version {
	vs.refMu.Lock()
	old := vs.current
	vs.current = vs.ref(v)
	var obsolete []*FileMeta
	if old != nil {
		obsolete = vs.unref(old)
	}
	vs.refMu.Unlock()

	for _, f := range obsolete {
		vs.onObsolete(f)
	}
	return v
}

// ref must be called with refMu held.
func (vs *VersionSet) ref(v *Version) *Version {
	if v.refs.Add(1) == 1 {
		for _, files := range v.Levels {
			for _, f := range files {
				vs.fileRefs[f.ID]++
				vs.files[f.ID] = f
			}
		}
	}
	return v
}

// unref must be called with refMu held. It returns the tables that are no
// longer part of any live version.
func (vs *VersionSet) unref(v *Version) []*FileMeta {
	if v.refs.Add(-1) > 0 {
		return nil
	}
	var obsolete []*FileMeta
	for _, files := range v.Levels {
		for _, f := range files {
			vs.fileRefs[f.ID]--
			if vs.fileRefs[f.ID] == 0 {
				delete(vs.fileRefs, f.ID)
				delete(vs.files, f.ID)
				obsolete = append(obsolete, f)
			}
		}
	}
	return obsolete
}

// Current returns the current version without taking a reference. The
// result may only be used for metadata, never to read tables.
func (vs *VersionSet) Current() *Version {
	vs.refMu.Lock()
	defer vs.refMu.Unlock()
	return vs.current
}

// Acquire returns the current version with a reference held. Every Acquire
// must be paired with Release.
func (vs *VersionSet) Acquire() *Version {
	vs.refMu.Lock()
	defer vs.refMu.Unlock()
	return vs.ref(vs.current)
}

func (vs *VersionSet) Release(v *Version) {
	vs.refMu.Lock()
	obsolete := vs.unref(v)
	vs.refMu.Unlock()

	for _, f := range obsolete {
		vs.onObsolete(f)
	}
}

// Install applies edit to the current version, durably records the result
// and makes it current. On error the current version is unchanged.
func (vs *VersionSet) Install(edit *VersionEdit) (*Version, error) {
	vs.installMu.Lock()
	defer vs.installMu.Unlock()

	edit.NextFileID = max(edit.NextFileID, vs.nextFileID.Load())
	next, err := vs.Current().apply(edit)
	if err != nil {
		return nil, errors.Wrap(err, "apply version edit")
	}
	if err := vs.persist(next); err != nil {
		return nil, err
	}
	return vs.setCurrent(next), nil
}

// NewFileID allocates a number for a table or WAL segment.
func (vs *VersionSet) NewFileID() types.FileID {
	return vs.nextFileID.Add(1) - 1
}

// MarkFileIDUsed makes sure id is never handed out again.
func (vs *VersionSet) MarkFileIDUsed(id types.FileID) {
	for {
		cur := vs.nextFileID.Load()
		if cur > id || vs.nextFileID.CompareAndSwap(cur, id+1) {
			return
		}
	}
}

// LiveFiles returns the ids of every table referenced by a live version.
func (vs *VersionSet) LiveFiles() map[types.FileID]struct{} {
	vs.refMu.Lock()
	defer vs.refMu.Unlock()

	out := make(map[types.FileID]struct{}, len(vs.fileRefs))
	for id := range vs.fileRefs {
		out[id] = struct{}{}
	}
	return out
}

func (vs *VersionSet) DBID() string {
	return vs.dbID
}

func (vs *VersionSet) NumLevels() int {
	return vs.numLevels
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return dberrors.IOFailure("open", dir, err)
	}
	defer d.Close()
	return dberrors.IOFailure("fsync", dir, d.Sync())
}
