// Package journal appends scheduler events to hourly zstd-compressed JSONL
// files.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"genomevm/internal/genome"
	"genomevm/internal/logging"
)

var (
	journalLogger = logging.GetLogger().WithPrefix("journal")
)

// HourLayout names the file an entry lands in.
const HourLayout = "2006-01-02-15"

// Writer appends JSON lines to <dir>/<prefix>-<hour>.jsonl.zst, starting a
// new file whenever the UTC hour changes.
type Writer struct {
	dir    string
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	entries int
}

// New creates a writer. Nothing is opened until the first Write.
func New(dir, prefix string) *Writer {
	return &Writer{dir: dir, prefix: prefix, now: time.Now}
}

// Write appends v as one JSON line.
func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format(HourLayout)
	if hour != w.curHour || w.w == nil {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode entry")
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.entries++
	return w.w.Flush()
}

// Observe is a genome.Observer that journals the event's record.
func (w *Writer) Observe(ev genome.Event) {
	if err := w.Write(ev.Record()); err != nil {
		journalLogger.Error("Failed to journal %s event: %v", ev.Kind, err)
	}
}

// Entries returns how many lines were written.
func (w *Writer) Entries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// PathFor returns the file for the hour containing t.
func (w *Writer) PathFor(t time.Time) string {
	return w.pathForHour(t.UTC().Format(HourLayout))
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return errors.Wrap(err, "create journal directory")
	}
	path := w.pathForHour(hour)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, "create encoder")
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	journalLogger.Debug("Journal file %s", path)
	return nil
}

func (w *Writer) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err
}

// ReadFile decodes every record in a journal file. Files written across
// several runs hold one zstd frame per run; the reader walks all of them.
func ReadFile(path string) ([]genome.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "create decoder")
	}
	defer dec.Close()

	var out []genome.Record
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec genome.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return out, errors.Wrapf(err, "decode line %d", len(out)+1)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return out, errors.Wrap(err, "read journal")
	}
	return out, nil
}
