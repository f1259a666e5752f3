package search_test

import (
	"testing"
	"time"

	"github.com/tagdex/tagdexd/internal/graph"
	"github.com/tagdex/tagdexd/internal/guid"
	"github.com/tagdex/tagdexd/internal/search"
)

func newTestStore(t *testing.T) *graph.Store {
	t.Helper()
	g, err := guid.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return graph.NewStore(g)
}

// Posts A(x,y), B(x), C(y); searching for x and y together matches only A.
func TestIntersectionMatchesBothTags(t *testing.T) {
	s := newTestStore(t)
	x, _ := s.AddTag("x", graph.TagMeta)
	y, _ := s.AddTag("y", graph.TagMeta)

	a, _ := s.AddPost(graph.MD5{0xA})
	b, _ := s.AddPost(graph.MD5{0xB})
	c, _ := s.AddPost(graph.MD5{0xC})

	s.AddExplicitEdge(a, x, false, false)
	s.AddExplicitEdge(a, y, false, false)
	s.AddExplicitEdge(b, x, false, false)
	s.AddExplicitEdge(c, y, false, false)

	req := &search.Request{Included: []search.TagCriterion{
		{Tag: x, Qualifier: graph.QualifyEither},
		{Tag: y, Qualifier: graph.QualifyEither},
	}}
	result, err := search.Execute(s, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Posts) != 1 || result.Posts[0].MD5 != a.MD5 {
		t.Fatalf("expected only post A to match, got %v", result.Posts)
	}
}

// Scenario 4 exclusion case: SPTGx tGy -> {B}.
func TestExclusionFiltersOutMatches(t *testing.T) {
	s := newTestStore(t)
	x, _ := s.AddTag("x", graph.TagMeta)
	y, _ := s.AddTag("y", graph.TagMeta)

	a, _ := s.AddPost(graph.MD5{0xA})
	b, _ := s.AddPost(graph.MD5{0xB})

	s.AddExplicitEdge(a, x, false, false)
	s.AddExplicitEdge(a, y, false, false)
	s.AddExplicitEdge(b, x, false, false)

	req := &search.Request{
		Included: []search.TagCriterion{{Tag: x, Qualifier: graph.QualifyEither}},
		Excluded: []search.TagCriterion{{Tag: y, Qualifier: graph.QualifyEither}},
	}
	result, err := search.Execute(s, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Posts) != 1 || result.Posts[0].MD5 != b.MD5 {
		t.Fatalf("expected only post B to match, got %v", result.Posts)
	}
}

// Scenario 2: strong wins over weak — a weak-qualified search excludes a
// post whose tag was promoted to strong.
func TestWeakQualifierExcludesStrongTags(t *testing.T) {
	s := newTestStore(t)
	tag, _ := s.AddTag("x", graph.TagMeta)
	post, _ := s.AddPost(graph.MD5{1})
	s.AddExplicitEdge(post, tag, true, false)
	s.AddExplicitEdge(post, tag, false, false) // promote to strong

	req := &search.Request{Included: []search.TagCriterion{{Tag: tag, Qualifier: graph.QualifyWeakOnly}}}
	result, err := search.Execute(s, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Posts) != 0 {
		t.Fatalf("expected weak-only search to exclude a strong tag, got %v", result.Posts)
	}
}

// Scenario 6: three posts scored 5,3,9; ordered ascending by score, and
// reversed with the negated ordering.
func TestOrderingByScoreAscendingAndReversed(t *testing.T) {
	s := newTestStore(t)
	tag, _ := s.AddTag("some-tag", graph.TagMeta)

	scores := map[graph.MD5]int16{{1}: 5, {2}: 3, {3}: 9}
	for md5, score := range scores {
		p, _ := s.AddPost(md5)
		p.Score = score
		s.AddExplicitEdge(p, tag, false, false)
	}

	req := &search.Request{
		Included:  []search.TagCriterion{{Tag: tag, Qualifier: graph.QualifyEither}},
		Orderings: []search.Ordering{{Key: search.OrderScore}},
	}
	result, err := search.Execute(s, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := []int16{result.Posts[0].Score, result.Posts[1].Score, result.Posts[2].Score}
	want := []int16{3, 5, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ascending order = %v, want %v", got, want)
		}
	}

	req.Orderings[0].Reverse = true
	result, err = search.Execute(s, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got = []int16{result.Posts[0].Score, result.Posts[1].Score, result.Posts[2].Score}
	want = []int16{9, 5, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reversed order = %v, want %v", got, want)
		}
	}
}

func TestFingerprintLookup(t *testing.T) {
	s := newTestStore(t)
	post, _ := s.AddPost(graph.MD5{0xAB, 0x01})
	post.Created = time.Now()

	md5 := post.MD5
	req := &search.Request{Fingerprint: &md5}
	result, err := search.Execute(s, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Posts) != 1 || result.Posts[0] != post {
		t.Fatalf("expected fingerprint lookup to return the post")
	}
}

func TestFingerprintWithTagsIsUserError(t *testing.T) {
	s := newTestStore(t)
	tag, _ := s.AddTag("x", graph.TagMeta)
	md5 := graph.MD5{1}
	req := &search.Request{
		Fingerprint: &md5,
		Included:    []search.TagCriterion{{Tag: tag}},
	}
	if _, err := search.Execute(s, req); err != search.ErrFingerprintWithTags {
		t.Fatalf("expected ErrFingerprintWithTags, got %v", err)
	}
}

func TestTooManyTagsIsRejected(t *testing.T) {
	s := newTestStore(t)
	req := &search.Request{}
	for i := 0; i < search.MaxTags+1; i++ {
		tag, _ := s.AddTag(string(rune('a'+i)), graph.TagMeta)
		req.Included = append(req.Included, search.TagCriterion{Tag: tag})
	}
	if _, err := search.Execute(s, req); err != search.ErrTooManyTags {
		t.Fatalf("expected ErrTooManyTags, got %v", err)
	}
}

func TestPaginationLimitAndOffset(t *testing.T) {
	s := newTestStore(t)
	tag, _ := s.AddTag("x", graph.TagMeta)
	for i := 0; i < 5; i++ {
		p, _ := s.AddPost(graph.MD5{byte(i)})
		s.AddExplicitEdge(p, tag, false, false)
	}
	req := &search.Request{
		Included: []search.TagCriterion{{Tag: tag}},
		Limit:    2,
		Offset:   1,
	}
	result, err := search.Execute(s, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Posts) != 2 {
		t.Fatalf("expected 2 posts after pagination, got %d", len(result.Posts))
	}
	if result.Total != 5 {
		t.Fatalf("expected Total=5 (pre-pagination), got %d", result.Total)
	}
}
