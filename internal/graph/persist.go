package graph

import (
	"encoding/binary"
	"time"

	"github.com/tagdex/tagdexd/internal/arena"
	"github.com/tagdex/tagdexd/internal/auth"
	"github.com/tagdex/tagdexd/internal/guid"
	"github.com/tagdex/tagdexd/internal/normalize"
)

// Fixed record sizes for the arena encoding below. Every multi-byte field
// is little-endian, matching internal/arena's own header packing. A
// "ref table" is a contiguous array of 8-byte Refs, one per record,
// addressed by a (Ref, count) pair; a "set" (tag-GUID or post-MD5) is a
// contiguous array of raw 16-byte keys addressed the same way. Ref(0)
// with count 0 means "empty", matching arena.Ref's own nil convention.
const (
	rootsRecordSize       = 48
	postRecordSize        = 156
	tagRecordSize         = 41
	implicationRecordSize = 21
	aliasRecordSize       = 28
	userRecordSize        = 28
)

// Save serialises every post, tag, alias, and user in s into fresh arena
// records and points a's roots record at the resulting tables, so a
// future arena.Open that adopts this arena can reconstruct the graph with
// Load instead of replaying the write-ahead log. Call this right before a
// clean shutdown (arena.MarkCleanAndClose) — Save only snapshots the
// graph at the moment it runs; it is not kept in sync with subsequent
// mutations the way the write-ahead log is.
func Save(a *arena.Arena, s *Store) error {
	tagRefs := make([]arena.Ref, 0, len(s.tags))
	for _, t := range s.tags {
		tagRefs = append(tagRefs, writeTag(a, t))
	}
	tagTableRef, tagCount := writeRefTable(a, tagRefs)

	aliasRefs := make([]arena.Ref, 0, len(s.aliases))
	for _, al := range s.aliases {
		aliasRefs = append(aliasRefs, writeAlias(a, al))
	}
	aliasTableRef, aliasCount := writeRefTable(a, aliasRefs)

	postRefs := make([]arena.Ref, 0, len(s.posts))
	for _, p := range s.posts {
		postRefs = append(postRefs, writePost(a, p))
	}
	postTableRef, postCount := writeRefTable(a, postRefs)

	userRefs := make([]arena.Ref, 0, len(s.users))
	for _, u := range s.users {
		userRefs = append(userRefs, writeUser(a, u))
	}
	userTableRef, userCount := writeRefTable(a, userRefs)

	ref, buf := a.AllocLow(rootsRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], postCount)
	putRef(buf, 4, postTableRef)
	binary.LittleEndian.PutUint32(buf[12:16], tagCount)
	putRef(buf, 16, tagTableRef)
	binary.LittleEndian.PutUint32(buf[24:28], aliasCount)
	putRef(buf, 28, aliasTableRef)
	binary.LittleEndian.PutUint32(buf[36:40], userCount)
	putRef(buf, 40, userTableRef)

	a.SetRootsRef(ref)
	return nil
}

// Load reconstructs a Store from a's roots record — the inverse of Save.
// The caller is expected to have already confirmed adopted from
// arena.Open; an arena with no roots record (RootsRef() == 0, a freshly
// initialised arena) yields an empty store, the same as NewStore.
func Load(a *arena.Arena, serverGUID guid.GUID) (*Store, error) {
	s := NewStore(serverGUID)

	rootsRef := a.RootsRef()
	if rootsRef == 0 {
		return s, nil
	}
	buf := a.Bytes(rootsRef, rootsRecordSize)
	postCount := binary.LittleEndian.Uint32(buf[0:4])
	postTableRef := getRef(buf, 4)
	tagCount := binary.LittleEndian.Uint32(buf[12:16])
	tagTableRef := getRef(buf, 16)
	aliasCount := binary.LittleEndian.Uint32(buf[24:28])
	aliasTableRef := getRef(buf, 28)
	userCount := binary.LittleEndian.Uint32(buf[36:40])
	userTableRef := getRef(buf, 40)

	tags := make(map[guid.GUID]*Tag, tagCount)
	byFuzz := make(map[normalize.Key]*Tag, tagCount)
	for _, ref := range readRefTable(a, tagTableRef, tagCount) {
		t := readTag(a, ref)
		tags[t.GUID] = t
		byFuzz[t.FuzzKey] = t
	}

	aliases := make(map[normalize.Key]*TagAlias, aliasCount)
	for _, ref := range readRefTable(a, aliasTableRef, aliasCount) {
		al := readAlias(a, ref)
		aliases[al.FuzzKey] = al
	}

	// Tag post-lists (StrongPosts/WeakPosts) are not persisted directly —
	// they are the reverse of each post's own StrongTags/WeakTags, so they
	// are rebuilt here instead of duplicating them on disk.
	posts := make(map[MD5]*Post, postCount)
	for _, ref := range readRefTable(a, postTableRef, postCount) {
		p := readPost(a, ref)
		posts[p.MD5] = p
		for g := range p.StrongTags {
			if t, ok := tags[g]; ok {
				t.StrongPosts[p.MD5] = struct{}{}
			}
		}
		for g := range p.WeakTags {
			if t, ok := tags[g]; ok {
				t.WeakPosts[p.MD5] = struct{}{}
			}
		}
	}

	users := make(map[string]*User, userCount)
	for _, ref := range readRefTable(a, userTableRef, userCount) {
		u := readUser(a, ref)
		users[u.Name] = u
	}

	s.tags = tags
	s.byFuzz = byFuzz
	s.aliases = aliases
	s.posts = posts
	s.users = users
	return s, nil
}

func putRef(buf []byte, off int, ref arena.Ref) {
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(ref))
}

func getRef(buf []byte, off int) arena.Ref {
	return arena.Ref(binary.LittleEndian.Uint64(buf[off : off+8]))
}

func putRefCount(buf []byte, off int, ref arena.Ref, count uint32) {
	putRef(buf, off, ref)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], count)
}

func getRefCount(buf []byte, off int) (arena.Ref, uint32) {
	return getRef(buf, off), binary.LittleEndian.Uint32(buf[off+8 : off+12])
}

func writeRefTable(a *arena.Arena, refs []arena.Ref) (arena.Ref, uint32) {
	if len(refs) == 0 {
		return 0, 0
	}
	ref, buf := a.AllocLow(len(refs) * 8)
	for i, r := range refs {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], uint64(r))
	}
	return ref, uint32(len(refs))
}

func readRefTable(a *arena.Arena, ref arena.Ref, count uint32) []arena.Ref {
	if count == 0 {
		return nil
	}
	buf := a.Bytes(ref, int(count)*8)
	out := make([]arena.Ref, count)
	for i := uint32(0); i < count; i++ {
		out[i] = arena.Ref(binary.LittleEndian.Uint64(buf[i*8 : i*8+8]))
	}
	return out
}

func writeGUIDSet(a *arena.Arena, set map[guid.GUID]struct{}) (arena.Ref, uint32) {
	if len(set) == 0 {
		return 0, 0
	}
	ref, buf := a.AllocLow(len(set) * 16)
	i := 0
	for g := range set {
		copy(buf[i*16:i*16+16], g[:])
		i++
	}
	return ref, uint32(len(set))
}

func readGUIDSet(a *arena.Arena, ref arena.Ref, count uint32) map[guid.GUID]struct{} {
	out := make(map[guid.GUID]struct{}, count)
	if count == 0 {
		return out
	}
	buf := a.Bytes(ref, int(count)*16)
	for i := uint32(0); i < count; i++ {
		var g guid.GUID
		copy(g[:], buf[i*16:i*16+16])
		out[g] = struct{}{}
	}
	return out
}

func writeMD5Set(a *arena.Arena, set map[MD5]struct{}) (arena.Ref, uint32) {
	if len(set) == 0 {
		return 0, 0
	}
	ref, buf := a.AllocLow(len(set) * 16)
	i := 0
	for md5 := range set {
		copy(buf[i*16:i*16+16], md5[:])
		i++
	}
	return ref, uint32(len(set))
}

func readMD5Set(a *arena.Arena, ref arena.Ref, count uint32) map[MD5]struct{} {
	out := make(map[MD5]struct{}, count)
	if count == 0 {
		return out
	}
	buf := a.Bytes(ref, int(count)*16)
	for i := uint32(0); i < count; i++ {
		var md5 MD5
		copy(md5[:], buf[i*16:i*16+16])
		out[md5] = struct{}{}
	}
	return out
}

func writeImplications(a *arena.Arena, implies []Implication) (arena.Ref, uint32) {
	if len(implies) == 0 {
		return 0, 0
	}
	ref, buf := a.AllocLow(len(implies) * implicationRecordSize)
	for i, im := range implies {
		off := i * implicationRecordSize
		copy(buf[off:off+16], im.To[:])
		if im.Positive {
			buf[off+16] = 1
		}
		binary.LittleEndian.PutUint32(buf[off+17:off+21], uint32(im.Priority))
	}
	return ref, uint32(len(implies))
}

func readImplications(a *arena.Arena, ref arena.Ref, count uint32) []Implication {
	if count == 0 {
		return nil
	}
	buf := a.Bytes(ref, int(count)*implicationRecordSize)
	out := make([]Implication, count)
	for i := uint32(0); i < count; i++ {
		off := int(i) * implicationRecordSize
		var to guid.GUID
		copy(to[:], buf[off:off+16])
		out[i] = Implication{
			To:       to,
			Positive: buf[off+16] != 0,
			Priority: int32(binary.LittleEndian.Uint32(buf[off+17 : off+21])),
		}
	}
	return out
}

func writeTag(a *arena.Arena, t *Tag) arena.Ref {
	nameRef := a.PutString(t.Name)
	impliesRef, impliesCount := writeImplications(a, t.Implies)

	ref, buf := a.AllocLow(tagRecordSize)
	copy(buf[0:16], t.GUID[:])
	putRef(buf, 16, nameRef)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(t.Name)))
	buf[28] = byte(t.Type)
	putRef(buf, 29, impliesRef)
	binary.LittleEndian.PutUint32(buf[37:41], impliesCount)
	return ref
}

func readTag(a *arena.Arena, ref arena.Ref) *Tag {
	buf := a.Bytes(ref, tagRecordSize)
	var g guid.GUID
	copy(g[:], buf[0:16])
	nameRef := getRef(buf, 16)
	nameLen := binary.LittleEndian.Uint32(buf[24:28])
	name := string(a.Bytes(nameRef, int(nameLen)))
	typ := TagType(buf[28])
	impliesRef := getRef(buf, 29)
	impliesCount := binary.LittleEndian.Uint32(buf[37:41])

	t := newTag(g, name)
	t.Type = typ
	t.Implies = readImplications(a, impliesRef, impliesCount)
	return t
}

func writeAlias(a *arena.Arena, al *TagAlias) arena.Ref {
	nameRef := a.PutString(al.Name)
	ref, buf := a.AllocLow(aliasRecordSize)
	putRef(buf, 0, nameRef)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(al.Name)))
	copy(buf[12:28], al.Target[:])
	return ref
}

func readAlias(a *arena.Arena, ref arena.Ref) *TagAlias {
	buf := a.Bytes(ref, aliasRecordSize)
	nameRef := getRef(buf, 0)
	nameLen := binary.LittleEndian.Uint32(buf[8:12])
	name := string(a.Bytes(nameRef, int(nameLen)))
	var target guid.GUID
	copy(target[:], buf[12:28])
	return &TagAlias{Name: name, FuzzKey: normalize.FuzzKey(name), Target: target}
}

func writeUser(a *arena.Arena, u *User) arena.Ref {
	nameRef := a.PutString(u.Name)
	hashRef := a.PutString(string(u.PasswordHash))
	ref, buf := a.AllocLow(userRecordSize)
	putRef(buf, 0, nameRef)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(u.Name)))
	putRef(buf, 12, hashRef)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(u.PasswordHash)))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(u.Capabilities))
	return ref
}

func readUser(a *arena.Arena, ref arena.Ref) *User {
	buf := a.Bytes(ref, userRecordSize)
	nameRef := getRef(buf, 0)
	nameLen := binary.LittleEndian.Uint32(buf[8:12])
	name := string(a.Bytes(nameRef, int(nameLen)))
	hashRef := getRef(buf, 12)
	hashLen := binary.LittleEndian.Uint32(buf[20:24])
	var hash []byte
	if hashLen > 0 {
		hash = append([]byte(nil), a.Bytes(hashRef, int(hashLen))...)
	}
	caps := auth.Capability(binary.LittleEndian.Uint32(buf[24:28]))
	return &User{Name: name, PasswordHash: hash, Capabilities: caps}
}

func writePost(a *arena.Arena, p *Post) arena.Ref {
	sourceRef := a.PutString(p.Source)
	titleRef := a.PutString(p.Title)
	strongRef, strongCount := writeGUIDSet(a, p.StrongTags)
	weakRef, weakCount := writeGUIDSet(a, p.WeakTags)
	expStrongRef, expStrongCount := writeGUIDSet(a, p.ExplicitStrong)
	expWeakRef, expWeakCount := writeGUIDSet(a, p.ExplicitWeak)
	impStrongRef, impStrongCount := writeGUIDSet(a, p.ImpliedStrong)
	impWeakRef, impWeakCount := writeGUIDSet(a, p.ImpliedWeak)
	relatedRef, relatedCount := writeMD5Set(a, p.Related)

	ref, buf := a.AllocLow(postRecordSize)
	copy(buf[0:16], p.MD5[:])
	putRef(buf, 16, sourceRef)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(p.Source)))
	putRef(buf, 28, titleRef)
	binary.LittleEndian.PutUint32(buf[36:40], uint32(len(p.Title)))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(p.Created.Unix()))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(p.Modified.Unix()))
	binary.LittleEndian.PutUint64(buf[56:64], uint64(p.UserID))
	binary.LittleEndian.PutUint16(buf[64:66], uint16(p.Score))
	binary.LittleEndian.PutUint16(buf[66:68], p.Width)
	binary.LittleEndian.PutUint16(buf[68:70], p.Height)
	buf[70] = byte(p.FileType)
	buf[71] = byte(p.Rating)

	off := 72
	putRefCount(buf, off, strongRef, strongCount)
	off += 12
	putRefCount(buf, off, weakRef, weakCount)
	off += 12
	putRefCount(buf, off, expStrongRef, expStrongCount)
	off += 12
	putRefCount(buf, off, expWeakRef, expWeakCount)
	off += 12
	putRefCount(buf, off, impStrongRef, impStrongCount)
	off += 12
	putRefCount(buf, off, impWeakRef, impWeakCount)
	off += 12
	putRefCount(buf, off, relatedRef, relatedCount)

	return ref
}

func readPost(a *arena.Arena, ref arena.Ref) *Post {
	buf := a.Bytes(ref, postRecordSize)
	p := &Post{}
	copy(p.MD5[:], buf[0:16])

	sourceRef := getRef(buf, 16)
	sourceLen := binary.LittleEndian.Uint32(buf[24:28])
	p.Source = string(a.Bytes(sourceRef, int(sourceLen)))

	titleRef := getRef(buf, 28)
	titleLen := binary.LittleEndian.Uint32(buf[36:40])
	p.Title = string(a.Bytes(titleRef, int(titleLen)))

	p.Created = time.Unix(int64(binary.LittleEndian.Uint64(buf[40:48])), 0)
	p.Modified = time.Unix(int64(binary.LittleEndian.Uint64(buf[48:56])), 0)
	p.UserID = int64(binary.LittleEndian.Uint64(buf[56:64]))
	p.Score = int16(binary.LittleEndian.Uint16(buf[64:66]))
	p.Width = binary.LittleEndian.Uint16(buf[66:68])
	p.Height = binary.LittleEndian.Uint16(buf[68:70])
	p.FileType = FileType(buf[70])
	p.Rating = Rating(buf[71])

	off := 72
	strongRef, strongCount := getRefCount(buf, off)
	off += 12
	weakRef, weakCount := getRefCount(buf, off)
	off += 12
	expStrongRef, expStrongCount := getRefCount(buf, off)
	off += 12
	expWeakRef, expWeakCount := getRefCount(buf, off)
	off += 12
	impStrongRef, impStrongCount := getRefCount(buf, off)
	off += 12
	impWeakRef, impWeakCount := getRefCount(buf, off)
	off += 12
	relatedRef, relatedCount := getRefCount(buf, off)

	p.StrongTags = readGUIDSet(a, strongRef, strongCount)
	p.WeakTags = readGUIDSet(a, weakRef, weakCount)
	p.ExplicitStrong = readGUIDSet(a, expStrongRef, expStrongCount)
	p.ExplicitWeak = readGUIDSet(a, expWeakRef, expWeakCount)
	p.ImpliedStrong = readGUIDSet(a, impStrongRef, impStrongCount)
	p.ImpliedWeak = readGUIDSet(a, impWeakRef, impWeakCount)
	p.Related = readMD5Set(a, relatedRef, relatedCount)
	return p
}
