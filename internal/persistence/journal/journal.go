// Package journal writes and reads the compressed per-tick decision log.
// Each line is one TickEntry in JSON; files are zstd streams rotated every
// SegmentTicks ticks.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/talgya/pressure-sim/internal/agents"
)

// DefaultSegmentTicks is the rotation interval.
const DefaultSegmentTicks = 10000

const suffix = ".jsonl.zst"

// TickEntry is one journal line.
type TickEntry struct {
	RunID   string          `json:"run_id"`
	Tick    uint64          `json:"tick"`
	Records []agents.Record `json:"records"`
}

// Writer appends tick entries to rotating zstd JSONL files.
type Writer struct {
	baseDir      string
	runID        string
	segmentTicks uint64

	mu      sync.Mutex
	segment uint64
	open    bool
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// NewWriter creates a journal writer under baseDir. Files are named
// decisions-<runID>-<segment>.jsonl.zst.
func NewWriter(baseDir, runID string, segmentTicks uint64) *Writer {
	if segmentTicks == 0 {
		segmentTicks = DefaultSegmentTicks
	}
	return &Writer{
		baseDir:      baseDir,
		runID:        runID,
		segmentTicks: segmentTicks,
	}
}

// Close flushes and finalizes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// WriteTick appends the records of one tick.
func (w *Writer) WriteTick(tick uint64, records []agents.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := tick / w.segmentTicks
	if !w.open || seg != w.segment {
		if err := w.rotateLocked(seg); err != nil {
			return err
		}
	}

	b, err := json.Marshal(TickEntry{RunID: w.runID, Tick: tick, Records: records})
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

func (w *Writer) rotateLocked(seg uint64) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathFor(seg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.segment = seg
	w.open = true
	return nil
}

func (w *Writer) closeLocked() error {
	var err1 error
	if w.w != nil {
		err1 = w.w.Flush()
	}
	if w.enc != nil {
		if err := w.enc.Close(); err1 == nil {
			err1 = err
		}
		w.enc = nil
	}
	if w.f != nil {
		if err := w.f.Close(); err1 == nil {
			err1 = err
		}
		w.f = nil
	}
	w.w = nil
	w.open = false
	return err1
}

func (w *Writer) pathFor(seg uint64) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("decisions-%s-%08d%s", w.runID, seg, suffix))
}

// Files lists the journal segments in dir, in write order. An empty runID
// matches every run.
func Files(dir, runID string) ([]string, error) {
	pattern := "decisions-*" + suffix
	if runID != "" {
		pattern = "decisions-" + runID + "-*" + suffix
	}
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile streams every entry of one segment to fn. Reading stops at the
// first error fn returns.
func ReadFile(path string, fn func(TickEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Read(f, fn)
}

// Read decodes a zstd JSONL stream.
func Read(r io.Reader, fn func(TickEntry) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		var e TickEntry
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
