// Package implication computes, for a single post, the fixed point of its
// tag-implication rules and reconciles the result with the post's
// materialised implied-tag bags.
package implication

import (
	"sort"

	"github.com/tagdex/tagdexd/internal/graph"
	"github.com/tagdex/tagdexd/internal/guid"
)

type candidate struct {
	to       guid.GUID
	positive bool
	priority int32
	strong   bool // source edge was strong
}

// Recompute runs the fixed-point algorithm for post against store, adding
// and removing implied edges until a round produces no change: gather
// candidates from every tag the post currently carries (explicit or
// implied, so implications cascade), sort by descending priority (strong
// before weak at equal priority), take the first occurrence per target
// tag, diff against the current implied set, and repeat while anything
// changed.
func Recompute(store *graph.Store, post *graph.Post) {
	for {
		changed := round(store, post)
		if !changed {
			return
		}
	}
}

func round(store *graph.Store, post *graph.Post) bool {
	var candidates []candidate
	for g := range post.StrongTags {
		candidates = append(candidates, candidatesFrom(store, g, true)...)
	}
	for g := range post.WeakTags {
		candidates = append(candidates, candidatesFrom(store, g, false)...)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.strong != b.strong {
			return a.strong // strong before weak at equal priority
		}
		return false
	})

	newStrongImplied := map[guid.GUID]struct{}{}
	newWeakImplied := map[guid.GUID]struct{}{}
	seen := map[guid.GUID]struct{}{}

	for _, c := range candidates {
		if _, ok := seen[c.to]; ok {
			continue // first occurrence wins
		}
		seen[c.to] = struct{}{}
		if !c.positive {
			continue // negative edges simply suppress; nothing is added
		}
		if c.strong {
			newStrongImplied[c.to] = struct{}{}
		} else {
			newWeakImplied[c.to] = struct{}{}
		}
	}

	changed := false
	changed = diffAndApply(store, post, post.ImpliedStrong, newStrongImplied, false) || changed
	changed = diffAndApply(store, post, post.ImpliedWeak, newWeakImplied, true) || changed
	return changed
}

func candidatesFrom(store *graph.Store, sourceGUID guid.GUID, strong bool) []candidate {
	tag, ok := store.GetTagByGUID(sourceGUID)
	if !ok {
		return nil
	}
	out := make([]candidate, 0, len(tag.Implies))
	for _, im := range tag.Implies {
		out = append(out, candidate{to: im.To, positive: im.Positive, priority: im.Priority, strong: strong})
	}
	return out
}

// diffAndApply adds edges present in want but not current, and removes
// edges present in current but not want, using the raw edge primitive
// (live=false) so the reconciliation itself never re-triggers recursion —
// the caller's outer loop in Recompute drives convergence instead.
func diffAndApply(store *graph.Store, post *graph.Post, current map[guid.GUID]struct{}, want map[guid.GUID]struct{}, weak bool) bool {
	changed := false
	for g := range want {
		if _, ok := current[g]; ok {
			continue
		}
		// The post may already carry g at either strength — most commonly
		// because a client set it explicitly. AddRawEdge would silently
		// move such a tag to this round's strength, corrupting explicit
		// state without updating ExplicitStrong/ExplicitWeak to match.
		// Skip the add in that case; the existing tag (whatever strength
		// it is) stands, and it is not tracked into current since
		// implication did not materialise it.
		if post.HasExplicit(g, graph.QualifyEither) {
			continue
		}
		tag, ok := store.GetTagByGUID(g)
		if !ok {
			continue
		}
		store.AddRawEdge(post, tag, weak)
		current[g] = struct{}{}
		changed = true
	}
	for g := range current {
		if _, ok := want[g]; ok {
			continue
		}
		// Never retract a tag the client added explicitly — only the raw
		// edge that implication itself materialised.
		if !post.IsExplicit(g) {
			if tag, ok := store.GetTagByGUID(g); ok {
				store.RemoveRawEdge(post, tag)
			}
		}
		delete(current, g)
		changed = true
	}
	return changed
}

// RecomputeTagPosts recomputes every post currently carrying tag (strong
// and weak); used after an implication rule is added to or removed from
// that tag, since the rule change can affect every post in its post-lists.
func RecomputeTagPosts(store *graph.Store, tag *graph.Tag) {
	posts := make([]*graph.Post, 0, tag.PostCount())
	for md5 := range tag.StrongPosts {
		if p, ok := store.GetPost(md5); ok {
			posts = append(posts, p)
		}
	}
	for md5 := range tag.WeakPosts {
		if p, ok := store.GetPost(md5); ok {
			posts = append(posts, p)
		}
	}
	for _, p := range posts {
		Recompute(store, p)
	}
}
