package arena

import (
	"bytes"
	"testing"
)

func testStructSizes() []StructSize {
	return []StructSize{
		{Name: "post_t", Size: 64},
		{Name: "tag_t", Size: 48},
	}
}

func TestOpenFreshIsNotAdopted(t *testing.T) {
	dir := t.TempDir()
	a, adopted, err := Open(dir, testStructSizes(), [16]byte{1, 2, 3}, 0x700000000000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	if adopted {
		t.Fatalf("fresh arena should not report adopted")
	}
}

func TestAllocLowReturnsDistinctGrowingRefs(t *testing.T) {
	dir := t.TempDir()
	a, _, err := Open(dir, testStructSizes(), [16]byte{1}, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	ref1, buf1 := a.AllocLow(16)
	copy(buf1, "hello-world-pad!")
	ref2, buf2 := a.AllocLow(16)
	copy(buf2, "second-record!!!")

	if ref2 <= ref1 {
		t.Fatalf("expected ref2 > ref1, got %d, %d", ref1, ref2)
	}
	if !bytes.Equal(a.Bytes(ref1, 16), []byte("hello-world-pad!")) {
		t.Fatalf("AllocLow record 1 not readable back via Bytes")
	}
	if !bytes.Equal(a.Bytes(ref2, 16), []byte("second-record!!!")) {
		t.Fatalf("AllocLow record 2 not readable back via Bytes")
	}
}

func TestAllocHighStoresStrings(t *testing.T) {
	dir := t.TempDir()
	a, _, err := Open(dir, testStructSizes(), [16]byte{1}, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	ref := a.PutString("blue_eyes")
	got := a.Bytes(ref, len("blue_eyes"))
	if string(got) != "blue_eyes" {
		t.Fatalf("PutString round trip = %q", got)
	}
}

func TestCleanRestartIsAdopted(t *testing.T) {
	dir := t.TempDir()
	sizes := testStructSizes()
	md5 := [16]byte{9, 9, 9}

	a, adopted, err := Open(dir, sizes, md5, 0xbeef)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	if adopted {
		t.Fatalf("first open should not be adopted")
	}
	ref, buf := a.AllocLow(8)
	copy(buf, "persist!")
	a.SetTagGUIDCounter(3, 7)
	a.SetLogPosition(42, 10)
	if err := a.MarkCleanAndClose(); err != nil {
		t.Fatalf("MarkCleanAndClose: %v", err)
	}

	b, adopted, err := Open(dir, sizes, md5, 0xbeef)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer b.Close()
	if !adopted {
		t.Fatalf("clean restart with matching config should be adopted")
	}
	if !bytes.Equal(b.Bytes(ref, 8), []byte("persist!")) {
		t.Fatalf("adopted arena lost previously written bytes")
	}
	hi, lo := b.TagGUIDCounter()
	if hi != 3 || lo != 7 {
		t.Fatalf("TagGUIDCounter = (%d, %d), want (3, 7)", hi, lo)
	}
	logIdx, dumpIdx := b.LogPosition()
	if logIdx != 42 || dumpIdx != 10 {
		t.Fatalf("LogPosition = (%d, %d), want (42, 10)", logIdx, dumpIdx)
	}
}

func TestUncleanRestartForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	sizes := testStructSizes()
	md5 := [16]byte{1}

	a, _, err := Open(dir, sizes, md5, 0)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	a.AllocLow(8)
	// Simulate a crash: Close without MarkCleanAndClose leaves the LOCK
	// byte at 'U' and the header's clean flag at 0.
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, adopted, err := Open(dir, sizes, md5, 0)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer b.Close()
	if adopted {
		t.Fatalf("arena left unclean must force a rebuild, not be adopted")
	}
}

func TestConfigMismatchForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	sizes := testStructSizes()

	a, _, err := Open(dir, sizes, [16]byte{1}, 0)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	if err := a.MarkCleanAndClose(); err != nil {
		t.Fatalf("MarkCleanAndClose: %v", err)
	}

	b, adopted, err := Open(dir, sizes, [16]byte{2}, 0)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer b.Close()
	if adopted {
		t.Fatalf("changed config md5 must force a rebuild")
	}
}

func TestStructSizeMismatchForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	md5 := [16]byte{1}

	a, _, err := Open(dir, testStructSizes(), md5, 0)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	if err := a.MarkCleanAndClose(); err != nil {
		t.Fatalf("MarkCleanAndClose: %v", err)
	}

	changed := []StructSize{{Name: "post_t", Size: 96}, {Name: "tag_t", Size: 48}}
	b, adopted, err := Open(dir, changed, md5, 0)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer b.Close()
	if adopted {
		t.Fatalf("changed struct layout must force a rebuild")
	}
}

func TestGrowSegmentAllocatesAcrossBoundary(t *testing.T) {
	dir := t.TempDir()
	a, _, err := Open(dir, testStructSizes(), [16]byte{1}, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	// Force enough AllocHigh calls to roll into a second segment.
	chunk := make([]byte, 64*1024)
	var last Ref
	for i := 0; i < (SegmentSize/len(chunk))+4; i++ {
		ref, buf := a.AllocHigh(len(chunk))
		copy(buf, chunk)
		last = ref
	}
	if last.segment() == 0 {
		t.Fatalf("expected allocation to roll into a later segment, stayed in segment 0")
	}
}

func TestSecondOpenWhileLockedFails(t *testing.T) {
	dir := t.TempDir()
	a, _, err := Open(dir, testStructSizes(), [16]byte{1}, 0)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	defer a.Close()

	if _, _, err := Open(dir, testStructSizes(), [16]byte{1}, 0); err == nil {
		t.Fatalf("expected second Open on a locked arena to fail")
	}
}
