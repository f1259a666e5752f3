// Package graph is the in-memory tag/post data model: posts, tags, tag
// aliases, implication rules, users, and the edges between them. It is the
// single source of truth the search engine reads and the write-ahead log
// replays into.
//
// Posts and tags here use Go maps as their list/set representation rather
// than the fixed-arity chained list nodes the arena stores describe: a map
// already gives duplicate-insert-is-a-no-op and O(1) membership for free,
// so there is no hole-counter to maintain — a hole is simply a key that is
// not present.
package graph

import (
	"time"

	"github.com/tagdex/tagdexd/internal/auth"
	"github.com/tagdex/tagdexd/internal/guid"
	"github.com/tagdex/tagdexd/internal/normalize"
)

// Strength distinguishes a post's confident ("strong") tags from its
// uncertain ("weak") ones.
type Strength uint8

const (
	Strong Strength = iota
	Weak
)

// Qualifier selects which strength has() should match.
type Qualifier uint8

const (
	QualifyEither Qualifier = iota
	QualifyStrongOnly
	QualifyWeakOnly
)

// FileType enumerates the media kinds a post can carry.
type FileType uint8

const (
	FileUnknown FileType = iota
	FileJPEG
	FilePNG
	FileGIF
	FileBMP
	FileTIFF
	FilePDF
	FileSWF
	FileWebP
	FileMP4
	FileWebM
	FileAVI
)

// Rating enumerates a post's content rating, in ascending order of
// restrictiveness.
type Rating uint8

const (
	RatingUnspecified Rating = iota
	RatingSafe
	RatingQuestionable
	RatingExplicit
)

// TagType enumerates the kind of concept a tag labels.
type TagType uint8

const (
	TagUnspecified TagType = iota
	TagInImage
	TagArtist
	TagCharacter
	TagCopyright
	TagMeta
	TagAmbiguous
)

// MD5 is a post's content fingerprint and wire identity.
type MD5 [16]byte

// Post is a content-addressed media item and the tags/relations attached
// to it.
type Post struct {
	MD5      MD5
	Source   string
	Title    string
	Created  time.Time
	Modified time.Time
	UserID   int64
	Score    int16
	Width    uint16
	Height   uint16
	FileType FileType
	Rating   Rating

	// StrongTags/WeakTags are the materialised, searchable tag-list: the
	// union of explicitly-added and currently-implied tags at each
	// strength, mirrored symmetrically into the owning tag's post-list.
	StrongTags map[guid.GUID]struct{}
	WeakTags   map[guid.GUID]struct{}

	// ExplicitStrong/ExplicitWeak are the subset of StrongTags/WeakTags a
	// client actually added, as opposed to ones the implication engine
	// materialised. The distinction matters on removal: the implication
	// engine must never retract a tag the user explicitly set.
	ExplicitStrong map[guid.GUID]struct{}
	ExplicitWeak   map[guid.GUID]struct{}

	// ImpliedStrong/ImpliedWeak are the subset of StrongTags/WeakTags the
	// implication engine currently materialises; this is the bag the
	// fixed-point algorithm diffs round over round.
	ImpliedStrong map[guid.GUID]struct{}
	ImpliedWeak   map[guid.GUID]struct{}

	Related map[MD5]struct{}
}

func newPost(md5 MD5) *Post {
	return &Post{
		MD5:            md5,
		StrongTags:     map[guid.GUID]struct{}{},
		WeakTags:       map[guid.GUID]struct{}{},
		ExplicitStrong: map[guid.GUID]struct{}{},
		ExplicitWeak:   map[guid.GUID]struct{}{},
		ImpliedStrong:  map[guid.GUID]struct{}{},
		ImpliedWeak:    map[guid.GUID]struct{}{},
		Related:        map[MD5]struct{}{},
	}
}

// HasExplicit reports whether tag g is present in post's materialised tag
// bags at the given qualifier. Despite the name this includes implied
// tags — it answers "does this post currently carry this tag", which is
// what search and the wire protocol's has() need; use IsExplicit to ask
// whether a client added the tag directly.
func (p *Post) HasExplicit(g guid.GUID, q Qualifier) bool {
	_, strong := p.StrongTags[g]
	_, weak := p.WeakTags[g]
	switch q {
	case QualifyStrongOnly:
		return strong
	case QualifyWeakOnly:
		return weak
	default:
		return strong || weak
	}
}

// IsExplicit reports whether a client directly added tag g to post, at
// either strength.
func (p *Post) IsExplicit(g guid.GUID) bool {
	_, strong := p.ExplicitStrong[g]
	_, weak := p.ExplicitWeak[g]
	return strong || weak
}

// Implication is a directed edge from one tag to another: having the
// source tag implies (or, if !Positive, suppresses) the target.
type Implication struct {
	To       guid.GUID
	Positive bool
	Priority int32
}

// Tag is a labelled concept attachable to posts.
type Tag struct {
	GUID     guid.GUID
	Name     string
	FuzzKey  normalize.Key
	Type     TagType
	Implies  []Implication

	StrongPosts map[MD5]struct{}
	WeakPosts   map[MD5]struct{}
}

func newTag(g guid.GUID, name string) *Tag {
	return &Tag{
		GUID:        g,
		Name:        name,
		FuzzKey:     normalize.FuzzKey(name),
		StrongPosts: map[MD5]struct{}{},
		WeakPosts:   map[MD5]struct{}{},
	}
}

// PostCount is the number of posts carrying this tag at any strength, used
// to order the search engine's intersection scan (spec's ascending
// post-count-first rule).
func (t *Tag) PostCount() int { return len(t.StrongPosts) + len(t.WeakPosts) }

// TagAlias is a normalised name that resolves to a tag without itself
// being one.
type TagAlias struct {
	Name    string
	FuzzKey normalize.Key
	Target  guid.GUID
}

// User is an authenticated (or the anonymous) identity and its
// capabilities.
type User struct {
	Name         string
	PasswordHash []byte
	Capabilities auth.Capability
}
