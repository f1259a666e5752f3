// Package walog implements the write-ahead transaction log: the
// append-only, crash-recoverable record of every mutating command, and the
// replay logic that rebuilds state from it.
package walog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// RolloverSize is the log file size at which the writer moves on to a new
// file: the next transaction begins in a fresh file once the current one
// has reached it. A transaction is never split across a rollover, so a file
// can end somewhat past this size.
const RolloverSize = 64 * 1024 * 1024

// Writer appends transactions to a per-run log file under
// <basedir>/log/<logindex>, rolling to a new file at the start of the first
// transaction after the current file has reached RolloverSize.
type Writer struct {
	dir       string
	sync      bool
	nextTxID  atomic.Uint64
	mu        sync.Mutex
	file      *os.File
	w         *bufio.Writer
	logIndex  uint64
	size      int64
}

// OpenWriter opens (creating if necessary) the log file at logIndex under
// basedir/log. sync controls whether Commit fsyncs — always true for
// client transactions, false for offline dumps.
func OpenWriter(basedir string, logIndex uint64, sync bool) (*Writer, error) {
	return OpenWriterIn(filepath.Join(basedir, "log"), logIndex, sync)
}

// OpenWriterIn opens (creating if necessary) the log file at index
// directly under dir, with no "log" subdirectory implied. internal/dump
// uses this to target basedir/dump instead of basedir/log.
func OpenWriterIn(dir string, index uint64, sync bool) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("walog: mkdir %s: %w", dir, err)
	}
	w := &Writer{dir: dir, sync: sync, logIndex: index}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) path(index uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%016x", index))
}

func (w *Writer) openCurrent() error {
	// Deliberately not O_APPEND: the commit flip uses WriteAt at a fixed
	// offset, and on Linux O_APPEND forces every write (including pwrite)
	// to the end of the file regardless of the offset given. Position is
	// instead managed explicitly: seek to end once here, and again after
	// each flip.
	f, err := os.OpenFile(w.path(w.logIndex), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("walog: open %s: %w", w.path(w.logIndex), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.w = bufio.NewWriterSize(f, 4096)
	w.size = info.Size()
	return nil
}

// LogIndex returns the index of the log file currently being written.
func (w *Writer) LogIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logIndex
}

// WriteTrailer appends a raw line with no transaction framing, flushing
// and (if sync is set) fsyncing immediately. Used for the dump file's
// trailing "L<next-log-index>" marker, which Replay never interprets as a
// transaction and a dump reader consumes directly.
func (w *Writer) WriteTrailer(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.WriteString(line); err != nil {
		return err
	}
	w.size += int64(len(line))
	if err := w.w.Flush(); err != nil {
		return err
	}
	if w.sync {
		return w.file.Sync()
	}
	return nil
}

// Close flushes and closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Tx is an open transaction: a sequence of data lines bracketed by a start
// marker (written unflipped) and an end marker, committed atomically by
// flipping a single byte.
type Tx struct {
	w          *Writer
	id         uint64
	startOff   int64
	lines      []string
}

// Begin opens a new transaction, rolling to a fresh log file first if the
// current one is past RolloverSize (never splitting a transaction across
// files).
func (w *Writer) Begin() (*Tx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size >= RolloverSize {
		if err := w.rollLocked(); err != nil {
			return nil, err
		}
	}

	id := w.nextTxID.Add(1)
	return &Tx{w: w, id: id}, nil
}

func (w *Writer) rollLocked() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.logIndex++
	return w.openCurrent()
}

// Data appends one data record carrying a verbatim command payload, e.g.
// the text of a live "Axxx" or "TPxxx Tyyy" command.
func (tx *Tx) Data(command string) {
	tx.lines = append(tx.lines, command)
}

// HasData reports whether any data record has been added, so a caller can
// skip committing (and thus skip writing anything at all) a transaction
// whose command turned out to be read-only or rejected.
func (tx *Tx) HasData() bool {
	return len(tx.lines) > 0
}

// Commit writes the transaction's start marker, data lines, and end
// marker, fsyncs, then flips the start marker's placeholder byte from 'U'
// to 'O' — the atomic commit point. A crash before the flip makes the
// whole transaction invisible to replay.
func (tx *Tx) Commit(unixTime int64) error {
	w := tx.w
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.lockFile(); err != nil {
		return err
	}
	defer w.unlockFile()

	startLine := fmt.Sprintf("T%016xU%016x\n", tx.id, unixTime)
	tx.startOff = w.size

	if _, err := w.w.WriteString(startLine); err != nil {
		return err
	}
	w.size += int64(len(startLine))

	for _, line := range tx.lines {
		rec := fmt.Sprintf("D%016x %s\n", tx.id, line)
		if _, err := w.w.WriteString(rec); err != nil {
			return err
		}
		w.size += int64(len(rec))
	}

	endLine := fmt.Sprintf("E%016x\n", tx.id)
	if _, err := w.w.WriteString(endLine); err != nil {
		return err
	}
	w.size += int64(len(endLine))

	if err := w.w.Flush(); err != nil {
		return err
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}

	// Flip the commit byte: 'U' at a fixed offset within the start line
	// ("T" + 16 hex digits = byte 17).
	flipOffset := tx.startOff + 17
	if _, err := w.file.WriteAt([]byte("O"), flipOffset); err != nil {
		return fmt.Errorf("walog: commit flip: %w", err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}
	if _, err := w.file.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	return nil
}

func (w *Writer) lockFile() error {
	return unix.Flock(int(w.file.Fd()), unix.LOCK_EX)
}

func (w *Writer) unlockFile() error {
	return unix.Flock(int(w.file.Fd()), unix.LOCK_UN)
}
