// Package search implements the boolean tag-intersection search engine:
// parsing a request's included/excluded tags, orderings, and projection
// flags, then executing it against a graph.Store.
package search

import (
	"errors"
	"sort"

	"github.com/tagdex/tagdexd/internal/graph"
)

// MaxTags is the maximum number of included or excluded tags a request may
// carry; 17 overflows.
const MaxTags = 16

// MaxOrderings is the maximum number of ordering keys a request may carry.
const MaxOrderings = 4

// OrderKey selects which post field an Ordering sorts by.
type OrderKey uint8

const (
	OrderDate OrderKey = iota
	OrderScore
)

// Ordering is one (possibly reversed) sort key, applied lexicographically
// in the order given.
type Ordering struct {
	Key     OrderKey
	Reverse bool
}

// Projection is a bitmask of which post fields to emit in a search reply.
type Projection uint16

const (
	ProjectTagNames Projection = 1 << iota
	ProjectTagGUIDs
	ProjectExtension
	ProjectDate
	ProjectWidth
	ProjectHeight
	ProjectScore
)

// TagCriterion is one included or excluded tag with its weak/strong
// qualifier.
type TagCriterion struct {
	Tag       *graph.Tag
	Qualifier graph.Qualifier
}

// Request is a parsed search request.
type Request struct {
	Included    []TagCriterion
	Excluded    []TagCriterion
	Orderings   []Ordering
	Projection  Projection
	Fingerprint *graph.MD5 // point lookup; mutually exclusive with tags

	// Limit/Offset/WantCount add pagination and an optional result-count
	// line on top of the base tag-search behavior.
	Limit     int // 0 means unlimited
	Offset    int
	WantCount bool
}

var (
	// ErrTooManyTags is returned when Included or Excluded exceeds MaxTags.
	ErrTooManyTags = errors.New("search: too many tags (max 16)")
	// ErrTooManyOrderings is returned when Orderings exceeds MaxOrderings.
	ErrTooManyOrderings = errors.New("search: too many orderings (max 4)")
	// ErrFingerprintWithTags is returned when a point lookup also carries
	// tag criteria.
	ErrFingerprintWithTags = errors.New("search: fingerprint lookup cannot be combined with tag criteria")
)

// Validate checks the structural limits a request must satisfy before
// Execute runs it.
func (r *Request) Validate() error {
	if len(r.Included) > MaxTags || len(r.Excluded) > MaxTags {
		return ErrTooManyTags
	}
	if len(r.Orderings) > MaxOrderings {
		return ErrTooManyOrderings
	}
	if r.Fingerprint != nil && (len(r.Included) > 0 || len(r.Excluded) > 0) {
		return ErrFingerprintWithTags
	}
	return nil
}

// Result is the ordered, paginated, and (optionally) counted outcome of a
// search.
type Result struct {
	Posts []*graph.Post
	Total int // total matches before Limit/Offset were applied
}

// Execute runs req against store: resolve criteria to post-list sets,
// intersect included and subtract excluded, apply orderings, then
// paginate.
func Execute(store *graph.Store, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.Fingerprint != nil {
		if p, ok := store.GetPost(*req.Fingerprint); ok {
			return paginate(&Result{Posts: []*graph.Post{p}, Total: 1}, req), nil
		}
		return &Result{}, nil
	}

	if len(req.Included) == 0 {
		return &Result{}, nil
	}

	included := append([]TagCriterion(nil), req.Included...)
	sort.Slice(included, func(i, j int) bool {
		return included[i].Tag.PostCount() < included[j].Tag.PostCount()
	})

	seed := included[0]
	candidates := scanTagPosts(store, seed.Tag, seed.Qualifier)

	for _, c := range included[1:] {
		candidates = intersect(candidates, c.Tag, c.Qualifier)
	}
	for _, c := range req.Excluded {
		candidates = exclude(candidates, c.Tag, c.Qualifier)
	}

	sortPosts(candidates, req.Orderings)

	result := &Result{Posts: candidates, Total: len(candidates)}
	return paginate(result, req), nil
}

func scanTagPosts(store *graph.Store, tag *graph.Tag, q graph.Qualifier) []*graph.Post {
	seen := map[graph.MD5]struct{}{}
	add := func(m map[graph.MD5]struct{}) {
		for md5 := range m {
			seen[md5] = struct{}{}
		}
	}
	switch q {
	case graph.QualifyStrongOnly:
		add(tag.StrongPosts)
	case graph.QualifyWeakOnly:
		add(tag.WeakPosts)
	default:
		add(tag.StrongPosts)
		add(tag.WeakPosts)
	}
	out := make([]*graph.Post, 0, len(seen))
	for md5 := range seen {
		if p, ok := store.GetPost(md5); ok {
			out = append(out, p)
		}
	}
	return out
}

func intersect(candidates []*graph.Post, tag *graph.Tag, q graph.Qualifier) []*graph.Post {
	out := candidates[:0]
	for _, p := range candidates {
		if graph.HasEdge(p, tag, q) {
			out = append(out, p)
		}
	}
	return out
}

func exclude(candidates []*graph.Post, tag *graph.Tag, q graph.Qualifier) []*graph.Post {
	out := candidates[:0]
	for _, p := range candidates {
		if !graph.HasEdge(p, tag, q) {
			out = append(out, p)
		}
	}
	return out
}

func sortPosts(posts []*graph.Post, orderings []Ordering) {
	if len(orderings) == 0 {
		return
	}
	sort.SliceStable(posts, func(i, j int) bool {
		a, b := posts[i], posts[j]
		for _, o := range orderings {
			less, equal := compare(a, b, o)
			if equal {
				continue
			}
			return less
		}
		return false
	})
}

func compare(a, b *graph.Post, o Ordering) (less bool, equal bool) {
	switch o.Key {
	case OrderScore:
		if a.Score == b.Score {
			return false, true
		}
		less = a.Score < b.Score
	default: // OrderDate
		if a.Created.Equal(b.Created) {
			return false, true
		}
		less = a.Created.Before(b.Created)
	}
	if o.Reverse {
		less = !less
	}
	return less, false
}

func paginate(result *Result, req *Request) *Result {
	if req.Offset > 0 {
		if req.Offset >= len(result.Posts) {
			result.Posts = nil
		} else {
			result.Posts = result.Posts[req.Offset:]
		}
	}
	if req.Limit > 0 && len(result.Posts) > req.Limit {
		result.Posts = result.Posts[:req.Limit]
	}
	return result
}
