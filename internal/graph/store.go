package graph

import (
	"fmt"
	"time"

	"github.com/tagdex/tagdexd/internal/auth"
	"github.com/tagdex/tagdexd/internal/guid"
	"github.com/tagdex/tagdexd/internal/normalize"
)

// Store holds the five top-level indices (posts, tags by name, tag
// aliases, tag GUIDs, users) and the server's tag-GUID sequence counter.
//
// Nothing in Store takes a lock: the server's single serialising command
// path (internal/netserve) guarantees at most one mutation runs at a time,
// matching the single-threaded cooperative model the wire protocol
// assumes. Store is an explicit value passed around rather than held in
// process-global maps.
type Store struct {
	serverGUID guid.GUID
	tagGUIDHi  uint32
	tagGUIDLo  uint32

	posts   map[MD5]*Post
	tags    map[guid.GUID]*Tag
	byFuzz  map[normalize.Key]*Tag
	aliases map[normalize.Key]*TagAlias
	users   map[string]*User

	// RecomputePost, when set, is invoked after every live explicit edge
	// edit on that post. RecomputeTagPosts is invoked for every post
	// referencing a tag after a live implication-rule edit on that tag.
	// Both are nil-safe no-ops during log replay unless the caller wires
	// them (replay may defer recomputation to the end for speed).
	RecomputePost     func(*Post)
	RecomputeTagPosts func(*Tag)
}

// NewStore creates an empty graph for the given server GUID, with an
// anonymous user pre-populated.
func NewStore(serverGUID guid.GUID) *Store {
	s := &Store{
		serverGUID: serverGUID,
		tagGUIDHi:  0,
		tagGUIDLo:  0,
		posts:      map[MD5]*Post{},
		tags:       map[guid.GUID]*Tag{},
		byFuzz:     map[normalize.Key]*Tag{},
		aliases:    map[normalize.Key]*TagAlias{},
		users:      map[string]*User{},
	}
	s.users[""] = &User{Name: "", Capabilities: auth.AnonymousCapabilities}
	return s
}

// SeedTagGUIDCounter restores the tag-GUID sequence counter after an arena
// adoption, so newly minted tag GUIDs continue where the previous run left
// off instead of colliding with existing ones.
func (s *Store) SeedTagGUIDCounter(hi, lo uint32) {
	s.tagGUIDHi, s.tagGUIDLo = hi, lo
}

// TagGUIDCounter returns the current tag-GUID sequence counter for
// persisting into the arena header.
func (s *Store) TagGUIDCounter() (uint32, uint32) { return s.tagGUIDHi, s.tagGUIDLo }

// --- posts ---

// AddPost creates a new post keyed by md5, or returns the existing one
// unchanged if md5 is already present.
func (s *Store) AddPost(md5 MD5) (p *Post, created bool) {
	if existing, ok := s.posts[md5]; ok {
		return existing, false
	}
	p = newPost(md5)
	p.Created = time.Now()
	p.Modified = p.Created
	s.posts[md5] = p
	return p, true
}

// GetPost looks up a post by its fingerprint.
func (s *Store) GetPost(md5 MD5) (*Post, bool) {
	p, ok := s.posts[md5]
	return p, ok
}

// DeletePost removes a post and every edge referencing it (tag post-lists,
// related-post symmetric links).
func (s *Store) DeletePost(md5 MD5) error {
	p, ok := s.posts[md5]
	if !ok {
		return fmt.Errorf("graph: delete post %x: not found", md5)
	}
	for g := range p.StrongTags {
		delete(s.tags[g].StrongPosts, md5)
	}
	for g := range p.WeakTags {
		delete(s.tags[g].WeakPosts, md5)
	}
	for other := range p.Related {
		delete(s.posts[other].Related, md5)
	}
	delete(s.posts, md5)
	return nil
}

// AllPosts returns every post in arbitrary order.
func (s *Store) AllPosts() []*Post {
	out := make([]*Post, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, p)
	}
	return out
}

// --- tags ---

// AddTag creates a new tag with a freshly minted GUID, or returns the
// existing tag with the same fuzz-normalised name unchanged.
func (s *Store) AddTag(name string, typ TagType) (t *Tag, created bool) {
	key := normalize.FuzzKey(name)
	if existing, ok := s.byFuzz[key]; ok {
		return existing, false
	}
	g, hi, lo := guid.NextTag(s.serverGUID, s.tagGUIDHi, s.tagGUIDLo)
	s.tagGUIDHi, s.tagGUIDLo = hi, lo

	t = newTag(g, name)
	t.Type = typ
	s.tags[g] = t
	s.byFuzz[key] = t
	return t, true
}

// AddTagWithGUID registers a tag using an explicit GUID (used by log
// replay, where the GUID was already minted by the original Add).
func (s *Store) AddTagWithGUID(g guid.GUID, name string, typ TagType) (*Tag, error) {
	if _, exists := s.tags[g]; exists {
		return nil, fmt.Errorf("graph: tag guid %s already exists", g)
	}
	t := newTag(g, name)
	t.Type = typ
	s.tags[g] = t
	s.byFuzz[t.FuzzKey] = t
	return t, nil
}

// GetTagByGUID looks up a tag directly by its 128-bit identifier.
func (s *Store) GetTagByGUID(g guid.GUID) (*Tag, bool) {
	t, ok := s.tags[g]
	return t, ok
}

// GetTagByName resolves a display name to a tag, following an alias if the
// fuzz-normalised name only matches one.
func (s *Store) GetTagByName(name string) (*Tag, bool) {
	key := normalize.FuzzKey(name)
	if t, ok := s.byFuzz[key]; ok {
		return t, true
	}
	if a, ok := s.aliases[key]; ok {
		t, ok := s.tags[a.Target]
		return t, ok
	}
	return nil, false
}

// DeleteTag removes a tag, every edge referencing it, and every alias
// pointing at it.
func (s *Store) DeleteTag(g guid.GUID) error {
	t, ok := s.tags[g]
	if !ok {
		return fmt.Errorf("graph: delete tag %s: not found", g)
	}
	for md5 := range t.StrongPosts {
		delete(s.posts[md5].StrongTags, g)
	}
	for md5 := range t.WeakPosts {
		delete(s.posts[md5].WeakTags, g)
	}
	for _, p := range s.posts {
		delete(p.ExplicitStrong, g)
		delete(p.ExplicitWeak, g)
		delete(p.ImpliedStrong, g)
		delete(p.ImpliedWeak, g)
	}
	for _, other := range s.tags {
		kept := other.Implies[:0]
		for _, im := range other.Implies {
			if im.To != g {
				kept = append(kept, im)
			}
		}
		other.Implies = kept
	}
	for key, a := range s.aliases {
		if a.Target == g {
			delete(s.aliases, key)
		}
	}
	delete(s.byFuzz, t.FuzzKey)
	delete(s.tags, g)
	return nil
}

// RenameTag changes a tag's display name (and therefore its fuzz-key
// index entry), corresponding to the protocol's "O" rename command.
func (s *Store) RenameTag(g guid.GUID, newName string) error {
	t, ok := s.tags[g]
	if !ok {
		return fmt.Errorf("graph: rename tag %s: not found", g)
	}
	newKey := normalize.FuzzKey(newName)
	if existing, ok := s.byFuzz[newKey]; ok && existing.GUID != g {
		return fmt.Errorf("graph: rename tag %s: name %q already in use", g, newName)
	}
	delete(s.byFuzz, t.FuzzKey)
	t.Name = newName
	t.FuzzKey = newKey
	s.byFuzz[newKey] = t
	return nil
}

// AllTags returns every tag in arbitrary order.
func (s *Store) AllTags() []*Tag {
	out := make([]*Tag, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t)
	}
	return out
}

// --- aliases ---

// AddAlias registers name as resolving to target. Fails if name is already
// a tag's own name or an existing alias.
func (s *Store) AddAlias(name string, target guid.GUID) error {
	if _, ok := s.tags[target]; !ok {
		return fmt.Errorf("graph: alias target %s: not found", target)
	}
	key := normalize.FuzzKey(name)
	if _, ok := s.byFuzz[key]; ok {
		return fmt.Errorf("graph: alias name %q collides with an existing tag", name)
	}
	if _, ok := s.aliases[key]; ok {
		return fmt.Errorf("graph: alias name %q already registered", name)
	}
	s.aliases[key] = &TagAlias{Name: name, FuzzKey: key, Target: target}
	return nil
}

// RemoveAlias deletes a registered alias by name.
func (s *Store) RemoveAlias(name string) error {
	key := normalize.FuzzKey(name)
	if _, ok := s.aliases[key]; !ok {
		return fmt.Errorf("graph: alias %q not found", name)
	}
	delete(s.aliases, key)
	return nil
}

// AllAliases returns every registered alias in arbitrary order.
func (s *Store) AllAliases() []*TagAlias {
	out := make([]*TagAlias, 0, len(s.aliases))
	for _, a := range s.aliases {
		out = append(out, a)
	}
	return out
}

// --- users ---

// AddUser registers a new user. Fails if the name is already taken.
func (s *Store) AddUser(name string, passwordHash []byte, caps auth.Capability) (*User, error) {
	if _, ok := s.users[name]; ok {
		return nil, fmt.Errorf("graph: user %q already exists", name)
	}
	u := &User{Name: name, PasswordHash: passwordHash, Capabilities: caps}
	s.users[name] = u
	return u, nil
}

// GetUser looks up a user by name ("" is the anonymous user).
func (s *Store) GetUser(name string) (*User, bool) {
	u, ok := s.users[name]
	return u, ok
}

// DeleteUser removes a registered user. The anonymous user cannot be
// deleted.
func (s *Store) DeleteUser(name string) error {
	if name == "" {
		return fmt.Errorf("graph: cannot delete the anonymous user")
	}
	if _, ok := s.users[name]; !ok {
		return fmt.Errorf("graph: user %q not found", name)
	}
	delete(s.users, name)
	return nil
}

// AllUsers returns every registered user (including the anonymous user)
// in arbitrary order.
func (s *Store) AllUsers() []*User {
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}
