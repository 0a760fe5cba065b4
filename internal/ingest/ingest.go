// Package ingest adapts tracker output streams into engine frame batches.
//
// The wire format is JSON Lines, one observation per line:
//
//	{"frame":120,"ts":4.004,"id":"17","class":"car","bbox":[812.2,340.0,955.1,441.7],"conf":0.91}
//
// Lines are grouped into frame batches on the frame index; malformed lines
// are logged and skipped so one bad detector record never kills a run.
package ingest

import (
	"bufio"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/roadscope-data/roi.report/internal/engine"
	"github.com/roadscope-data/roi.report/internal/monitoring"
	"github.com/roadscope-data/roi.report/internal/trackstore"
)

// maxLineBytes bounds a single JSONL line. Tracker lines are tiny; anything
// near this size is corrupt input.
const maxLineBytes = 1 << 20

type parsedObs struct {
	frameIndex int
	obs        trackstore.Observation
}

// JSONLSource reads observation lines from r and yields them as frame
// batches. Not safe for concurrent use.
type JSONLSource struct {
	scanner *bufio.Scanner
	lineNo  int
	skipped int
	pending *parsedObs
	eof     bool
}

// NewJSONLSource wraps a JSONL stream.
func NewJSONLSource(r io.Reader) *JSONLSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &JSONLSource{scanner: sc}
}

// Next returns the next frame batch, grouping consecutive lines that share
// a frame index. Returns io.EOF once the stream is exhausted.
func (s *JSONLSource) Next() (engine.FrameBatch, error) {
	var batch engine.FrameBatch
	started := false

	if s.pending != nil {
		batch = engine.FrameBatch{
			FrameIndex:   s.pending.frameIndex,
			TimestampSec: s.pending.obs.TimestampSec,
			Observations: []trackstore.Observation{s.pending.obs},
		}
		s.pending = nil
		started = true
	}

	for !s.eof {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return engine.FrameBatch{}, fmt.Errorf("read observation stream: %w", err)
			}
			s.eof = true
			break
		}
		s.lineNo++
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		p, err := s.parseLine(line)
		if err != nil {
			s.skipped++
			monitoring.Logf("ingest: skipping line %d: %v", s.lineNo, err)
			continue
		}

		if !started {
			batch = engine.FrameBatch{
				FrameIndex:   p.frameIndex,
				TimestampSec: p.obs.TimestampSec,
			}
			started = true
		} else if p.frameIndex != batch.FrameIndex {
			s.pending = &p
			return batch, nil
		}
		batch.Observations = append(batch.Observations, p.obs)
	}

	if started {
		return batch, nil
	}
	return engine.FrameBatch{}, io.EOF
}

// TotalFrames is unknown for a stream; progress reporting treats 0 as
// "indeterminate".
func (s *JSONLSource) TotalFrames() int { return 0 }

// Skipped returns the count of malformed lines dropped so far.
func (s *JSONLSource) Skipped() int { return s.skipped }

func (s *JSONLSource) parseLine(line []byte) (parsedObs, error) {
	if !gjson.ValidBytes(line) {
		return parsedObs{}, fmt.Errorf("invalid JSON")
	}
	v := gjson.ParseBytes(line)

	frame := v.Get("frame")
	ts := v.Get("ts")
	id := v.Get("id")
	bbox := v.Get("bbox")
	if !frame.Exists() || !ts.Exists() || !id.Exists() {
		return parsedObs{}, fmt.Errorf("missing frame/ts/id")
	}
	coords := bbox.Array()
	if len(coords) != 4 {
		return parsedObs{}, fmt.Errorf("bbox must have 4 elements, got %d", len(coords))
	}

	obs := trackstore.Observation{
		TrackID: id.String(),
		Class:   v.Get("class").String(),
		BBox: trackstore.BBox{
			X1: coords[0].Float(),
			Y1: coords[1].Float(),
			X2: coords[2].Float(),
			Y2: coords[3].Float(),
		},
		Confidence:   v.Get("conf").Float(),
		FrameIndex:   int(frame.Int()),
		TimestampSec: ts.Float(),
	}
	return parsedObs{frameIndex: obs.FrameIndex, obs: obs}, nil
}

// SliceSource replays pre-built frame batches, for synthetic runs and tests.
type SliceSource struct {
	Frames []engine.FrameBatch
	pos    int
}

// Next returns the next batch or io.EOF.
func (s *SliceSource) Next() (engine.FrameBatch, error) {
	if s.pos >= len(s.Frames) {
		return engine.FrameBatch{}, io.EOF
	}
	f := s.Frames[s.pos]
	s.pos++
	return f, nil
}

// TotalFrames returns the replay length.
func (s *SliceSource) TotalFrames() int { return len(s.Frames) }
