package graph

import (
	"fmt"

	"github.com/tagdex/tagdexd/internal/guid"
)

// AddRawEdge attaches tag to post at the given strength in the
// materialised (searchable) tag-list only, moving it from the opposite
// strength if present. It does not touch the explicit/implied bookkeeping
// bags and never triggers recomputation; it is the raw edge primitive
// implication reconciliation uses to avoid unbounded re-entry.
// AddExplicitEdge and the implication package are the two callers.
func (s *Store) AddRawEdge(post *Post, tag *Tag, weak bool) (added bool) {
	_, hasStrong := post.StrongTags[tag.GUID]
	_, hasWeak := post.WeakTags[tag.GUID]

	if weak {
		if hasWeak {
			return false
		}
		if hasStrong {
			delete(post.StrongTags, tag.GUID)
			delete(tag.StrongPosts, post.MD5)
		}
		post.WeakTags[tag.GUID] = struct{}{}
		tag.WeakPosts[post.MD5] = struct{}{}
	} else {
		if hasStrong {
			return false
		}
		if hasWeak {
			delete(post.WeakTags, tag.GUID)
			delete(tag.WeakPosts, post.MD5)
		}
		post.StrongTags[tag.GUID] = struct{}{}
		tag.StrongPosts[post.MD5] = struct{}{}
	}
	return true
}

// RemoveRawEdge detaches tag from post in the materialised tag-list only,
// searching strong then weak. Fails if the edge is not present at either
// strength.
func (s *Store) RemoveRawEdge(post *Post, tag *Tag) error {
	if _, ok := post.StrongTags[tag.GUID]; ok {
		delete(post.StrongTags, tag.GUID)
		delete(tag.StrongPosts, post.MD5)
	} else if _, ok := post.WeakTags[tag.GUID]; ok {
		delete(post.WeakTags, tag.GUID)
		delete(tag.WeakPosts, post.MD5)
	} else {
		return fmt.Errorf("graph: post %x does not have tag %s", post.MD5, tag.GUID)
	}
	return nil
}

// AddExplicitEdge is the client/replay-facing add(): it records tag as
// user-added on post (so the implication engine will never retract it) and
// applies the raw edge. If the edge already exists at that strength this
// is a no-op (added=false). live controls whether RecomputePost fires
// afterward; log replay may defer recomputation to the end for speed.
func (s *Store) AddExplicitEdge(post *Post, tag *Tag, weak bool, live bool) (added bool, err error) {
	added = s.AddRawEdge(post, tag, weak)
	if weak {
		delete(post.ExplicitStrong, tag.GUID)
		post.ExplicitWeak[tag.GUID] = struct{}{}
	} else {
		delete(post.ExplicitWeak, tag.GUID)
		post.ExplicitStrong[tag.GUID] = struct{}{}
	}
	if added && live && s.RecomputePost != nil {
		s.RecomputePost(post)
	}
	return added, nil
}

// RemoveExplicitEdge is the client/replay-facing remove(): it clears the
// user-added marker and, if the tag is not currently implied either,
// removes the raw edge. Fails if the tag was never explicit on post.
func (s *Store) RemoveExplicitEdge(post *Post, tag *Tag, live bool) error {
	if !post.IsExplicit(tag.GUID) {
		return fmt.Errorf("graph: post %x does not explicitly have tag %s", post.MD5, tag.GUID)
	}
	delete(post.ExplicitStrong, tag.GUID)
	delete(post.ExplicitWeak, tag.GUID)

	_, impliedStrong := post.ImpliedStrong[tag.GUID]
	_, impliedWeak := post.ImpliedWeak[tag.GUID]
	if !impliedStrong && !impliedWeak {
		s.RemoveRawEdge(post, tag)
	}

	if live && s.RecomputePost != nil {
		s.RecomputePost(post)
	}
	return nil
}

// HasEdge reports whether post currently carries tag at the given
// qualifier (explicit or implied).
func HasEdge(post *Post, tag *Tag, q Qualifier) bool {
	return post.HasExplicit(tag.GUID, q)
}

// AddRelation links two posts symmetrically. Asserts that neither
// direction was already present, matching the original's rel_add
// precondition.
func (s *Store) AddRelation(a, b *Post) error {
	_, aHasB := a.Related[b.MD5]
	_, bHasA := b.Related[a.MD5]
	if aHasB || bHasA {
		return fmt.Errorf("graph: relation %x<->%x already exists", a.MD5, b.MD5)
	}
	a.Related[b.MD5] = struct{}{}
	b.Related[a.MD5] = struct{}{}
	return nil
}

// RemoveRelation unlinks two posts symmetrically. Asserts both directions
// were present.
func (s *Store) RemoveRelation(a, b *Post) error {
	_, aHasB := a.Related[b.MD5]
	_, bHasA := b.Related[a.MD5]
	if !aHasB || !bHasA {
		return fmt.Errorf("graph: relation %x<->%x does not exist symmetrically", a.MD5, b.MD5)
	}
	delete(a.Related, b.MD5)
	delete(b.Related, a.MD5)
	return nil
}

// AddImplication registers a rule "from implies/suppresses to" and
// recomputes implications for every post currently carrying from (strong
// and weak).
func (s *Store) AddImplication(from, to *Tag, positive bool, priority int32, live bool) error {
	for _, im := range from.Implies {
		if im.To == to.GUID {
			return fmt.Errorf("graph: implication %s -> %s already exists", from.GUID, to.GUID)
		}
	}
	from.Implies = append(from.Implies, Implication{To: to.GUID, Positive: positive, Priority: priority})
	if live && s.RecomputeTagPosts != nil {
		s.RecomputeTagPosts(from)
	}
	return nil
}

// RemoveImplication deletes a rule and recomputes implications for every
// post currently carrying from.
func (s *Store) RemoveImplication(from *Tag, to guid.GUID, live bool) error {
	idx := -1
	for i, im := range from.Implies {
		if im.To == to {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("graph: implication %s -> %s not found", from.GUID, to)
	}
	from.Implies = append(from.Implies[:idx], from.Implies[idx+1:]...)
	if live && s.RecomputeTagPosts != nil {
		s.RecomputeTagPosts(from)
	}
	return nil
}
