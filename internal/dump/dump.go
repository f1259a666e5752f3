// Package dump serializes the live graph back into a log-shaped file: a
// smaller, denser stand-in for the write-ahead log that a fresh start can
// replay in one pass instead of walking every log file ever written.
//
// Users, tags, tag aliases, and implication rules are written in a single
// transaction stamped with the current time; each post is written in its
// own transaction stamped with the post's own modification time, so a
// later replay reproduces each post's Modified field exactly rather than
// collapsing every post onto the dump's wall-clock time. A trailing
// "L<next-log-index>" line (outside any transaction) tells the caller
// which log file to resume live replay from — log files before that
// index are superseded by the dump.
package dump

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tagdex/tagdexd/internal/graph"
	"github.com/tagdex/tagdexd/internal/protocol"
	"github.com/tagdex/tagdexd/internal/walog"
)

// Write serializes store into basedir/dump/<dumpIndex, 16 hex digits>,
// with no fsync (dump files are a convenience snapshot, not the durable
// record — the log itself remains authoritative until the dump completes
// and the trailing L-line is written). nextLogIndex is recorded in the
// trailing line as the log file a subsequent replay should resume from.
func Write(store *graph.Store, basedir string, dumpIndex uint64, nextLogIndex uint64) (path string, err error) {
	dir := filepath.Join(basedir, "dump")
	w, err := walog.OpenWriterIn(dir, dumpIndex, false)
	if err != nil {
		return "", fmt.Errorf("dump: open writer: %w", err)
	}
	defer w.Close()

	if err := writeCatalog(w, store); err != nil {
		return "", err
	}
	if err := writePosts(w, store); err != nil {
		return "", err
	}

	trailer := fmt.Sprintf("L%016x\n", nextLogIndex)
	if err := w.WriteTrailer(trailer); err != nil {
		return "", fmt.Errorf("dump: write trailer: %w", err)
	}

	return filepath.Join(dir, fmt.Sprintf("%016x", dumpIndex)), nil
}

// writeCatalog dumps users, tags, tag aliases, and implication rules in
// a single transaction stamped with the current time.
func writeCatalog(w *walog.Writer, store *graph.Store) error {
	tx, err := w.Begin()
	if err != nil {
		return fmt.Errorf("dump: begin catalog transaction: %w", err)
	}

	for _, u := range store.AllUsers() {
		if u.Name == "" {
			continue // the anonymous user is recreated by graph.NewStore, never logged
		}
		caps := uint32(u.Capabilities)
		tx.Data(fmt.Sprintf("Au%s h%s C%d", u.Name, u.PasswordHash, caps))
	}

	for _, t := range store.AllTags() {
		tx.Data(fmt.Sprintf("AG%s N%s Y%s", t.GUID.String(), t.Name, protocol.TagTypeName(t.Type)))
	}

	for _, a := range store.AllAliases() {
		tx.Data(fmt.Sprintf("Aa%s G%s", a.Name, a.Target.String()))
	}

	for _, t := range store.AllTags() {
		for _, im := range t.Implies {
			toTok := "G" + im.To.String()
			if !im.Positive {
				toTok = "g" + im.To.String()
			}
			tx.Data(fmt.Sprintf("IG%s %s P%d", t.GUID.String(), toTok, im.Priority))
		}
	}

	if !tx.HasData() {
		return nil
	}
	if err := tx.Commit(time.Now().Unix()); err != nil {
		return fmt.Errorf("dump: commit catalog transaction: %w", err)
	}
	return nil
}

// writePosts dumps every post in its own transaction, stamped with that
// post's modification time. Only explicitly-added tags are written (never
// the implied ones): a fresh replay reconstructs implied edges by running
// the implication engine over the catalog transaction's rules, exactly as
// a live "T" command would.
func writePosts(w *walog.Writer, store *graph.Store) error {
	written := map[graph.MD5]struct{}{}
	for _, p := range store.AllPosts() {
		tx, err := w.Begin()
		if err != nil {
			return fmt.Errorf("dump: begin post transaction: %w", err)
		}

		md5Tok := fmt.Sprintf("%x", p.MD5)
		tx.Data(fmt.Sprintf(
			"AP%s Fext=%s Fcreated=%d Fmodified=%d Fwidth=%d Fheight=%d Fscore=%d Frating=%s Fsource=%s Ftitle=%s",
			md5Tok, protocol.FileExtName(p.FileType), p.Created.Unix(), p.Modified.Unix(),
			p.Width, p.Height, p.Score, protocol.RatingName(p.Rating), p.Source, p.Title,
		))

		var tagToks []string
		for g := range p.ExplicitStrong {
			tagToks = append(tagToks, "T"+g.String())
		}
		for g := range p.ExplicitWeak {
			tagToks = append(tagToks, "T~"+g.String())
		}
		if len(tagToks) > 0 {
			tx.Data("TP" + md5Tok + " " + joinTokens(tagToks))
		}

		// Relations are symmetric (both posts carry the link); emit each
		// pair once, from the transaction of whichever post is written
		// second, so both posts exist when the relation is replayed.
		for other := range p.Related {
			if _, ok := written[other]; ok {
				tx.Data(fmt.Sprintf("RR%s %x", md5Tok, other))
			}
		}

		if err := tx.Commit(p.Modified.Unix()); err != nil {
			return fmt.Errorf("dump: commit post %s transaction: %w", md5Tok, err)
		}
		written[p.MD5] = struct{}{}
	}
	return nil
}

// Latest finds the highest-indexed dump file under basedir/dump and
// returns its path and the next-log-index recorded in its trailing line.
// ok is false if no dump file exists yet (a fresh install, or one that has
// never been dumped).
func Latest(basedir string) (path string, nextLogIndex uint64, ok bool, err error) {
	dir := filepath.Join(basedir, "dump")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("dump: read dir %s: %w", dir, err)
	}

	var best uint64
	var bestName string
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, perr := strconv.ParseUint(e.Name(), 16, 64)
		if perr != nil {
			continue
		}
		if !found || idx > best {
			best, bestName, found = idx, e.Name(), true
		}
	}
	if !found {
		return "", 0, false, nil
	}

	path = filepath.Join(dir, bestName)
	nextLogIndex, err = readTrailer(path)
	if err != nil {
		return "", 0, false, err
	}
	return path, nextLogIndex, true, nil
}

// Load replays dumpPath (as produced by Write) through dispatch, restoring
// the catalog and every post's fields, explicit tags, and relations. The
// caller should follow this with walog.Replay from the log index Latest
// returned alongside dumpPath, to pick up any live traffic recorded after
// the dump was taken.
func Load(dumpPath string, dispatch walog.Dispatcher) error {
	if err := walog.ReplayFile(dumpPath, dispatch); err != nil {
		return fmt.Errorf("dump: replay %s: %w", dumpPath, err)
	}
	return nil
}

func readTrailer(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("dump: read %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if len(line) > 0 && line[0] == 'L' {
			idx, err := strconv.ParseUint(line[1:], 16, 64)
			if err != nil {
				return 0, fmt.Errorf("dump: malformed trailer in %s: %w", path, err)
			}
			return idx, nil
		}
	}
	return 0, fmt.Errorf("dump: %s has no trailing log-index marker", path)
}

func joinTokens(toks []string) string {
	out := toks[0]
	for _, t := range toks[1:] {
		out += " " + t
	}
	return out
}
