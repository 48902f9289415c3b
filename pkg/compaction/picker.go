package compaction

import (
	"bytes"
	"fmt"

	"lsmkv/pkg/manifest"
)

// Task is one unit of compaction work: Inputs from Level are merged with the
// overlapping Targets of OutputLevel.
type Task struct {
	Level       int
	OutputLevel int
	Inputs      []*manifest.FileMeta
	Targets     []*manifest.FileMeta
	// Salvage rewrites an input while skipping blocks that fail verification.
	Salvage bool
	Reason  string
}

// IsTrivialMove reports whether the inputs can be relinked to the output
// level without rewriting them. Inputs carrying tombstones are rewritten
// when no level below the output holds their range, so the tombstones get
// dropped.
func (t *Task) IsTrivialMove(v *manifest.Version) bool {
	if t.Salvage || len(t.Targets) > 0 || t.Level == t.OutputLevel {
		return false
	}
	if t.Level == 0 && len(t.Inputs) != 1 {
		return false
	}
	for _, f := range t.Inputs {
		if f.NumTombstones > 0 && !v.OverlapsBelow(t.OutputLevel, f.Smallest, f.Largest) {
			return false
		}
	}
	return true
}

func (t *Task) String() string {
	return fmt.Sprintf("L%d->L%d inputs=%d targets=%d reason=%s",
		t.Level, t.OutputLevel, len(t.Inputs), len(t.Targets), t.Reason)
}

// Picker chooses the next compaction by level score. Within a level it
// rotates through files in key order so every range is eventually compacted.
type Picker struct {
	opts     Options
	pointers [][]byte
}

func NewPicker(opts Options) *Picker {
	return &Picker{opts: opts, pointers: make([][]byte, opts.MaxLevels)}
}

// Scores returns the pressure of every level; a score >= 1 needs compaction.
// The last level is never scored since it has no output level.
func (p *Picker) Scores(v *manifest.Version) []float64 {
	scores := make([]float64, v.NumLevels())
	for level := 0; level < v.NumLevels()-1; level++ {
		if level == 0 {
			scores[0] = float64(len(v.Files(0))) / float64(p.opts.L0Trigger)
			continue
		}
		scores[level] = float64(v.LevelSize(level)) / float64(p.opts.MaxBytesForLevel(level))
	}
	return scores
}

// Pick returns the most urgent task, or nil when every level is in shape.
func (p *Picker) Pick(v *manifest.Version) *Task {
	best, bestScore := -1, 1.0
	for level, score := range p.Scores(v) {
		if score >= bestScore {
			best, bestScore = level, score
		}
	}
	if best < 0 {
		return nil
	}
	if best == 0 {
		return p.levelZero(v, fmt.Sprintf("l0 files=%d", len(v.Files(0))))
	}
	return p.rotating(v, best, fmt.Sprintf("l%d score=%.2f", best, bestScore))
}

func (p *Picker) levelZero(v *manifest.Version, reason string) *Task {
	inputs := v.Files(0)
	if len(inputs) == 0 {
		return nil
	}
	smallest, largest := manifest.KeyRange(inputs)
	return &Task{
		Level:       0,
		OutputLevel: 1,
		Inputs:      append([]*manifest.FileMeta(nil), inputs...),
		Targets:     v.Overlapping(1, smallest, largest),
		Reason:      reason,
	}
}

// rotating picks the first file of level after the level's compaction pointer.
func (p *Picker) rotating(v *manifest.Version, level int, reason string) *Task {
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}
	pick := files[0]
	if ptr := p.pointers[level]; ptr != nil {
		for _, f := range files {
			if bytes.Compare(f.Smallest, ptr) > 0 {
				pick = f
				break
			}
		}
	}
	p.pointers[level] = pick.Largest

	return &Task{
		Level:       level,
		OutputLevel: level + 1,
		Inputs:      []*manifest.FileMeta{pick},
		Targets:     v.Overlapping(level+1, pick.Smallest, pick.Largest),
		Reason:      reason,
	}
}

// PickLevel returns a task moving all of level into level+1, used by manual
// compaction. It returns nil for an empty level or the last level.
func (p *Picker) PickLevel(v *manifest.Version, level int) *Task {
	if level >= v.NumLevels()-1 {
		return nil
	}
	if level == 0 {
		return p.levelZero(v, "manual")
	}
	inputs := v.Files(level)
	if len(inputs) == 0 {
		return nil
	}
	smallest, largest := manifest.KeyRange(inputs)
	return &Task{
		Level:       level,
		OutputLevel: level + 1,
		Inputs:      append([]*manifest.FileMeta(nil), inputs...),
		Targets:     v.Overlapping(level+1, smallest, largest),
		Reason:      "manual",
	}
}

// Salvage returns a task rewriting table id in place, or nil when the table
// is no longer live.
func Salvage(v *manifest.Version, id uint64) *Task {
	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			if f.ID == id {
				return &Task{
					Level:       level,
					OutputLevel: level,
					Inputs:      []*manifest.FileMeta{f},
					Salvage:     true,
					Reason:      "corruption",
				}
			}
		}
	}
	return nil
}
