// Package arena implements the fixed-segment, mmap-backed allocator that
// lets the tag/post graph be reused across restarts without re-parsing the
// write-ahead log.
//
// A fixed-address mmap scheme (mapping every segment at the same virtual
// address on every run, so raw pointers embedded in allocated structures
// stay valid across restarts) is not something Go's GC-managed heap can
// safely support. Instead every reference into the arena is a Ref — an
// offset, not a pointer — so nothing about lookup, allocation, or the
// graph algorithms depends on the segments living at a particular address.
// mm_base is still recorded in the header (and folded into the config MD5)
// purely so a configured base address still participates in the arena
// compatibility check across restarts.
package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SegmentSize is the fixed size of each backing segment file.
const SegmentSize = 4 * 1024 * 1024

// Ref is an offset into the arena's logical address space: segment index
// times SegmentSize, plus the offset within that segment. Ref(0) is never
// issued by Alloc (the header occupies the start of segment 0), so it
// doubles as a nil value.
type Ref uint64

func (r Ref) segment() int { return int(r / SegmentSize) }
func (r Ref) offset() int  { return int(r % SegmentSize) }

// StructSize names a Go type whose in-arena encoded size is recorded in the
// header, so a stale arena built against a different record layout is
// rejected rather than misread.
type StructSize struct {
	Name string
	Size uint32
}

const maxStructSizes = 16
const nameFieldLen = 24

// ErrNeedsRebuild marks an on-disk arena that does not match the caller's
// expectations (wrong magic, struct layout, config, base address, or an
// unclean shutdown) and must be rebuilt from the log. Open does not return
// it: it starts a fresh arena instead and reports adopted=false.
var ErrNeedsRebuild = errors.New("arena: needs rebuild from log")

const (
	magic0 uint64 = 0x4d4d304d4d304402
	magic1 uint64 = 0x4d4d314d4d314845
)

// header is the fixed-layout record stored at offset 0 of segment 0.
// Field order and sizes are part of the on-disk format; see headerSize.
type header struct {
	Magic0      uint64
	Magic1      uint64
	TotalSize   uint64
	SegCount    uint32
	Clean       uint8
	_           [3]byte // padding
	MMBase      uint64
	ConfigMD5   [16]byte
	StructCount uint32
	Structs     [maxStructSizes]StructSize
	RootsRef    Ref
	LowRef      Ref
	HighRef     Ref
	TagGUIDHi   uint32
	TagGUIDLo   uint32
	LogIndex    uint64
	LogDumpIdx  uint64
}

const headerSize = 8 + 8 + 8 + 4 + 1 + 3 + 8 + 16 + 4 + maxStructSizes*(nameFieldLen+4) + 8 + 8 + 8 + 4 + 4 + 8 + 8

// Arena is an open, mapped set of fixed-size segment files plus the bump
// allocator state needed to serve new allocations.
type Arena struct {
	baseDir  string
	segDir   string
	files    []*os.File
	mappings [][]byte
	lockFile *os.File

	low  Ref // next aligned ("low") allocation offset, bumps upward
	high Ref // next byte ("high") allocation offset, bumps downward

	rootsRef Ref
	dirty    bool
}

// Open locks basedir/LOCK exclusively, then either adopts an existing clean
// arena whose header matches structSizes/configMD5/mmBase, or starts a fresh
// one. The returned bool is true when an existing arena was adopted (so the
// caller can skip log replay); false means a cold rebuild is required.
func Open(baseDir string, structSizes []StructSize, configMD5 [16]byte, mmBase uint64) (a *Arena, adopted bool, err error) {
	segDir := filepath.Join(baseDir, "mm_cache")
	if err := os.MkdirAll(segDir, 0755); err != nil {
		return nil, false, fmt.Errorf("arena: mkdir %s: %w", segDir, err)
	}

	lockFile, wasClean, err := acquireLock(baseDir)
	if err != nil {
		return nil, false, err
	}

	a = &Arena{baseDir: baseDir, segDir: segDir, lockFile: lockFile}

	if wasClean {
		if err := a.adopt(structSizes, configMD5, mmBase); err == nil {
			return a, true, nil
		} else if !errors.Is(err, ErrNeedsRebuild) {
			a.closeSegments()
			lockFile.Close()
			return nil, false, err
		}
		a.closeSegments()
		a.mappings = nil
		a.files = nil
	}

	if err := a.initFresh(structSizes, configMD5, mmBase); err != nil {
		a.closeSegments()
		lockFile.Close()
		return nil, false, err
	}
	return a, false, nil
}

func acquireLock(baseDir string) (*os.File, bool, error) {
	path := filepath.Join(baseDir, "LOCK")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, false, fmt.Errorf("arena: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("arena: another process holds %s: %w", path, err)
	}

	var buf [1]byte
	n, _ := f.ReadAt(buf[:], 0)
	wasClean := n == 1 && buf[0] == 'C'

	if _, err := f.WriteAt([]byte("U"), 0); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("arena: write lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("arena: sync lock file: %w", err)
	}
	return f, wasClean, nil
}

func (a *Arena) segmentPath(nr int) string {
	return filepath.Join(a.segDir, fmt.Sprintf("%08x", nr))
}

func (a *Arena) openSegment(nr int, create bool) ([]byte, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(a.segmentPath(nr), flags, 0600)
	if err != nil {
		return nil, err
	}
	if create {
		if err := f.Truncate(SegmentSize); err != nil {
			f.Close()
			return nil, err
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, SegmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.files = append(a.files, f)
	a.mappings = append(a.mappings, data)
	return data, nil
}

func (a *Arena) initFresh(structSizes []StructSize, configMD5 [16]byte, mmBase uint64) error {
	for _, old := range a.listSegmentFiles() {
		os.Remove(old)
	}
	if _, err := a.openSegment(0, true); err != nil {
		return fmt.Errorf("arena: create segment 0: %w", err)
	}
	a.low = Ref(align8(headerSize))
	a.high = SegmentSize

	h := header{
		Magic0:      magic0,
		Magic1:      magic1,
		TotalSize:   SegmentSize,
		SegCount:    1,
		MMBase:      mmBase,
		ConfigMD5:   configMD5,
		StructCount: uint32(len(structSizes)),
		LowRef:      a.low,
		HighRef:     a.high,
	}
	for i, s := range structSizes {
		if i >= maxStructSizes {
			return fmt.Errorf("arena: too many struct sizes (%d > %d)", len(structSizes), maxStructSizes)
		}
		h.Structs[i] = s
	}
	a.writeHeader(&h)
	a.rootsRef = 0
	a.dirty = true
	return nil
}

func (a *Arena) listSegmentFiles() []string {
	entries, _ := os.ReadDir(a.segDir)
	var out []string
	for _, e := range entries {
		out = append(out, filepath.Join(a.segDir, e.Name()))
	}
	return out
}

func (a *Arena) adopt(structSizes []StructSize, configMD5 [16]byte, mmBase uint64) error {
	data, err := a.openSegment(0, false)
	if err != nil {
		return ErrNeedsRebuild
	}
	h := readHeader(data)

	if h.Magic0 != magic0 || h.Magic1 != magic1 {
		return ErrNeedsRebuild
	}
	if h.Clean != 1 {
		return ErrNeedsRebuild
	}
	if h.MMBase != mmBase {
		return ErrNeedsRebuild
	}
	if h.ConfigMD5 != configMD5 {
		return ErrNeedsRebuild
	}
	if int(h.StructCount) != len(structSizes) {
		return ErrNeedsRebuild
	}
	for i, s := range structSizes {
		if h.Structs[i] != s {
			return ErrNeedsRebuild
		}
	}

	for nr := 1; nr < int(h.SegCount); nr++ {
		if _, err := a.openSegment(nr, false); err != nil {
			return ErrNeedsRebuild
		}
	}

	a.low = h.LowRef
	a.high = h.HighRef
	a.rootsRef = h.RootsRef

	// Mark unclean immediately: a crash before the next clean Close must
	// force a rebuild, mirroring original_source/mm.c's mm_init_old.
	h.Clean = 0
	a.writeHeader(&h)
	a.dirty = true
	return nil
}

func (a *Arena) currentHeader() header {
	return readHeader(a.mappings[0])
}

func (a *Arena) writeHeader(h *header) {
	buf := make([]byte, headerSize)
	putHeader(buf, h)
	copy(a.mappings[0][:headerSize], buf)
}

func readHeader(seg []byte) header {
	var h header
	r := seg
	h.Magic0 = binary.LittleEndian.Uint64(r[0:8])
	h.Magic1 = binary.LittleEndian.Uint64(r[8:16])
	h.TotalSize = binary.LittleEndian.Uint64(r[16:24])
	h.SegCount = binary.LittleEndian.Uint32(r[24:28])
	h.Clean = r[28]
	h.MMBase = binary.LittleEndian.Uint64(r[32:40])
	copy(h.ConfigMD5[:], r[40:56])
	h.StructCount = binary.LittleEndian.Uint32(r[56:60])
	off := 60
	for i := 0; i < maxStructSizes; i++ {
		var name [nameFieldLen]byte
		copy(name[:], r[off:off+nameFieldLen])
		h.Structs[i] = StructSize{
			Name: stringFromFixed(name[:]),
			Size: binary.LittleEndian.Uint32(r[off+nameFieldLen : off+nameFieldLen+4]),
		}
		off += nameFieldLen + 4
	}
	h.RootsRef = Ref(binary.LittleEndian.Uint64(r[off : off+8]))
	off += 8
	h.LowRef = Ref(binary.LittleEndian.Uint64(r[off : off+8]))
	off += 8
	h.HighRef = Ref(binary.LittleEndian.Uint64(r[off : off+8]))
	off += 8
	h.TagGUIDHi = binary.LittleEndian.Uint32(r[off : off+4])
	off += 4
	h.TagGUIDLo = binary.LittleEndian.Uint32(r[off : off+4])
	off += 4
	h.LogIndex = binary.LittleEndian.Uint64(r[off : off+8])
	off += 8
	h.LogDumpIdx = binary.LittleEndian.Uint64(r[off : off+8])
	return h
}

func putHeader(buf []byte, h *header) {
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic0)
	binary.LittleEndian.PutUint64(buf[8:16], h.Magic1)
	binary.LittleEndian.PutUint64(buf[16:24], h.TotalSize)
	binary.LittleEndian.PutUint32(buf[24:28], h.SegCount)
	buf[28] = h.Clean
	binary.LittleEndian.PutUint64(buf[32:40], h.MMBase)
	copy(buf[40:56], h.ConfigMD5[:])
	binary.LittleEndian.PutUint32(buf[56:60], h.StructCount)
	off := 60
	for i := 0; i < maxStructSizes; i++ {
		var name [nameFieldLen]byte
		copy(name[:], h.Structs[i].Name)
		copy(buf[off:off+nameFieldLen], name[:])
		binary.LittleEndian.PutUint32(buf[off+nameFieldLen:off+nameFieldLen+4], h.Structs[i].Size)
		off += nameFieldLen + 4
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(h.RootsRef))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(h.LowRef))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(h.HighRef))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], h.TagGUIDHi)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], h.TagGUIDLo)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], h.LogIndex)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], h.LogDumpIdx)
}

func stringFromFixed(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// AllocLow bump-allocates size bytes for a fixed-layout record, aligned to
// 8 bytes, growing the arena with a new segment if needed.
func (a *Arena) AllocLow(size int) (Ref, []byte) {
	size = align8(size)
	a.ensureRoom(size, true)
	ref := a.low
	a.low += Ref(size)
	a.dirty = true
	return ref, a.Bytes(ref, size)
}

// AllocHigh bump-allocates size bytes from the top of the current segment,
// used for variable-length byte payloads such as strings.
func (a *Arena) AllocHigh(size int) (Ref, []byte) {
	a.ensureRoom(size, false)
	a.high -= Ref(size)
	ref := a.high
	a.dirty = true
	return ref, a.Bytes(ref, size)
}

// PutString allocates and stores s as raw bytes (no length prefix — callers
// that need the length store it alongside, as graph records do).
func (a *Arena) PutString(s string) Ref {
	ref, buf := a.AllocHigh(len(s))
	copy(buf, s)
	return ref
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func (a *Arena) ensureRoom(size int, low bool) {
	for {
		curSeg := a.mappings[len(a.mappings)-1]
		_ = curSeg
		lowSeg, lowOff := a.low.segment(), a.low.offset()
		highSeg, highOff := a.high.segment(), a.high.offset()
		if highOff == 0 && highSeg == lowSeg+1 {
			// high sits exactly at the end of low's segment.
			highSeg, highOff = lowSeg, SegmentSize
		}
		if lowSeg != highSeg {
			// Already rolled over unexpectedly; treat as needing a new segment.
			a.growSegment()
			continue
		}
		if low {
			if lowOff+size <= highOff {
				return
			}
		} else {
			if highOff-size >= lowOff {
				return
			}
		}
		a.growSegment()
	}
}

func (a *Arena) growSegment() {
	nr := len(a.mappings)
	if _, err := a.openSegment(nr, true); err != nil {
		panic(fmt.Sprintf("arena: grow segment %d: %v", nr, err))
	}
	a.low = Ref(nr) * SegmentSize
	a.high = Ref(nr+1) * SegmentSize
}

// Bytes returns a slice view directly into the mapped segment memory for
// ref..ref+size. Mutations through the returned slice are visible to every
// other holder of the same Ref (and persist to disk on the next Flush).
func (a *Arena) Bytes(ref Ref, size int) []byte {
	seg, off := ref.segment(), ref.offset()
	if seg >= len(a.mappings) {
		panic(fmt.Sprintf("arena: ref %d out of range (have %d segments)", ref, len(a.mappings)))
	}
	return a.mappings[seg][off : off+size]
}

// RootsRef returns the previously-adopted roots record reference, or 0 for
// a fresh arena (the caller allocates a new roots record and calls
// SetRootsRef).
func (a *Arena) RootsRef() Ref { return a.rootsRef }

// SetRootsRef records the arena-wide roots record location.
func (a *Arena) SetRootsRef(ref Ref) {
	a.rootsRef = ref
	a.dirty = true
}

// TagGUIDCounter returns the persisted (hi, lo) tag-GUID sequence counters.
func (a *Arena) TagGUIDCounter() (uint32, uint32) {
	h := a.currentHeader()
	return h.TagGUIDHi, h.TagGUIDLo
}

// SetTagGUIDCounter persists the tag-GUID sequence counters.
func (a *Arena) SetTagGUIDCounter(hi, lo uint32) {
	h := a.currentHeader()
	h.TagGUIDHi, h.TagGUIDLo = hi, lo
	a.writeHeader(&h)
	a.dirty = true
}

// LogPosition returns the persisted (log index, log dump index) pair so
// recovery knows where to resume.
func (a *Arena) LogPosition() (logIndex, logDumpIndex uint64) {
	h := a.currentHeader()
	return h.LogIndex, h.LogDumpIdx
}

// SetLogPosition persists the log index / dump index pair.
func (a *Arena) SetLogPosition(logIndex, logDumpIndex uint64) {
	h := a.currentHeader()
	h.LogIndex, h.LogDumpIdx = logIndex, logDumpIndex
	a.writeHeader(&h)
	a.dirty = true
}

// Flush updates the header's bump pointers and segment count, leaving the
// clean flag at 0 (only MarkCleanAndClose sets it to 1), then msyncs every
// mapped segment so allocations survive a crash.
func (a *Arena) Flush() error {
	h := a.currentHeader()
	h.SegCount = uint32(len(a.mappings))
	h.TotalSize = uint64(len(a.mappings)) * SegmentSize
	h.LowRef = a.low
	h.HighRef = a.high
	h.RootsRef = a.rootsRef
	h.Clean = 0
	a.writeHeader(&h)

	for _, m := range a.mappings {
		if err := unix.Msync(m, unix.MS_SYNC); err != nil {
			return fmt.Errorf("arena: msync: %w", err)
		}
	}
	a.dirty = false
	return nil
}

// MarkCleanAndClose flushes, stamps the header (and LOCK file) clean, and
// unmaps/closes every segment. Call this only on an orderly shutdown — an
// interrupted process must leave both flags unclean so the next start
// rebuilds from the log instead of trusting a half-written arena.
func (a *Arena) MarkCleanAndClose() error {
	if err := a.Flush(); err != nil {
		return err
	}
	h := a.currentHeader()
	h.Clean = 1
	a.writeHeader(&h)
	if err := unix.Msync(a.mappings[0], unix.MS_SYNC); err != nil {
		return err
	}

	if _, err := a.lockFile.WriteAt([]byte("C"), 0); err != nil {
		return fmt.Errorf("arena: write clean lock: %w", err)
	}
	if err := a.lockFile.Sync(); err != nil {
		return err
	}

	a.closeSegments()
	return a.lockFile.Close()
}

// Close releases mappings and the lock without marking the arena clean,
// used on an abnormal/forced shutdown path where the caller wants the next
// start to rebuild from the log.
func (a *Arena) Close() error {
	a.closeSegments()
	if a.lockFile != nil {
		return a.lockFile.Close()
	}
	return nil
}

func (a *Arena) closeSegments() {
	for _, m := range a.mappings {
		unix.Munmap(m)
	}
	a.mappings = nil
	for _, f := range a.files {
		f.Close()
	}
	a.files = nil
}
