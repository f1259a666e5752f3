package walog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Dispatcher is the live command handler replay feeds committed data lines
// back through, with logging suppressed.
type Dispatcher func(command string) error

// maxOpenTransactions bounds the in-flight transaction table during replay.
const maxOpenTransactions = 64

// Replay processes every log file under basedir/log in index order,
// starting from fromIndex, dispatching each committed transaction's data
// lines through dispatch. Transactions whose start marker was never
// flipped to 'O' (a crash before commit) are skipped entirely, along with
// any data lines belonging to them.
func Replay(basedir string, fromIndex uint64, dispatch Dispatcher) (lastIndex uint64, err error) {
	dir := filepath.Join(basedir, "log")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fromIndex, nil
		}
		return 0, fmt.Errorf("walog: read dir %s: %w", dir, err)
	}

	var indices []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, err := strconv.ParseUint(e.Name(), 16, 64)
		if err != nil {
			continue
		}
		if idx < fromIndex {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	lastIndex = fromIndex
	for _, idx := range indices {
		if err := replayFile(filepath.Join(dir, fmt.Sprintf("%016x", idx)), dispatch); err != nil {
			return 0, fmt.Errorf("walog: replay %016x: %w", idx, err)
		}
		lastIndex = idx
	}
	return lastIndex, nil
}

// ReplayFile replays every committed transaction in a single log-shaped
// file through dispatch, ignoring any non-transaction lines (such as
// internal/dump's trailing "L<index>" marker). Unlike Replay, it does not
// walk a directory or rely on filename ordering — callers sequence
// multiple files themselves (a dump file, then the live log directory it
// was generated from).
func ReplayFile(path string, dispatch Dispatcher) error {
	return replayFile(path, dispatch)
}

type openTx struct {
	lines []string
}

func replayFile(path string, dispatch Dispatcher) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	open := map[string]*openTx{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		switch line[0] {
		case 'T':
			if len(line) < 34 || line[17] != 'O' {
				continue // uncommitted ('U') or malformed: ignore
			}
			id := line[1:17]
			if len(open) >= maxOpenTransactions {
				return fmt.Errorf("walog: too many open transactions in %s", path)
			}
			open[id] = &openTx{}
		case 'D':
			if len(line) < 18 {
				continue
			}
			id := line[1:17]
			tx, ok := open[id]
			if !ok {
				continue // transaction never registered (or already closed)
			}
			payload := strings.TrimPrefix(line[17:], " ")
			tx.lines = append(tx.lines, payload)
		case 'E':
			if len(line) < 17 {
				continue
			}
			id := line[1:17]
			tx, ok := open[id]
			if !ok {
				continue
			}
			for _, cmd := range tx.lines {
				if err := dispatch(cmd); err != nil {
					return fmt.Errorf("walog: replay command %q: %w", cmd, err)
				}
			}
			delete(open, id)
		}
	}
	return scanner.Err()
}
