package graph

import (
	"testing"

	"github.com/tagdex/tagdexd/internal/guid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	g, err := guid.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return NewStore(g)
}

func TestAddPostIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	md5 := MD5{1, 2, 3}
	p1, created1 := s.AddPost(md5)
	p2, created2 := s.AddPost(md5)
	if !created1 || created2 {
		t.Fatalf("expected first AddPost to create, second to be a no-op")
	}
	if p1 != p2 {
		t.Fatalf("expected same post pointer on repeated AddPost")
	}
}

func TestAddTagMintsSequentialGUIDs(t *testing.T) {
	s := newTestStore(t)
	t1, created1 := s.AddTag("cat_ears", TagInImage)
	t2, created2 := s.AddTag("dog_ears", TagInImage)
	if !created1 || !created2 {
		t.Fatalf("expected both tags to be created")
	}
	if t1.GUID == t2.GUID {
		t.Fatalf("expected distinct GUIDs for distinct tags")
	}
	if !guid.IsLocalTag(t1.GUID, s.serverGUID) || !guid.IsLocalTag(t2.GUID, s.serverGUID) {
		t.Fatalf("minted tag GUIDs should belong to this server")
	}
}

func TestAddTagFuzzCollisionReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.AddTag("Blue Eyes", TagInImage)
	t2, created := s.AddTag("blue_eyes", TagInImage)
	if created {
		t.Fatalf("fuzzy-equal tag name should not create a second tag")
	}
	if t1.GUID != t2.GUID {
		t.Fatalf("expected same tag for fuzzy-equal names")
	}
}

func TestEdgeSymmetryAndStrongWeakExclusivity(t *testing.T) {
	s := newTestStore(t)
	post, _ := s.AddPost(MD5{1})
	tag, _ := s.AddTag("cat", TagInImage)

	added, err := s.AddExplicitEdge(post, tag, true, false)
	if err != nil || !added {
		t.Fatalf("AddEdge weak: added=%v err=%v", added, err)
	}
	if _, ok := post.WeakTags[tag.GUID]; !ok {
		t.Fatalf("post should carry weak tag")
	}
	if _, ok := tag.WeakPosts[post.MD5]; !ok {
		t.Fatalf("tag should list post in weak posts (symmetry)")
	}

	// Promote to strong: must move, not duplicate.
	added, err = s.AddExplicitEdge(post, tag, false, false)
	if err != nil || !added {
		t.Fatalf("AddEdge strong: added=%v err=%v", added, err)
	}
	if _, ok := post.WeakTags[tag.GUID]; ok {
		t.Fatalf("weak tag should have been removed on promotion to strong")
	}
	if _, ok := tag.WeakPosts[post.MD5]; ok {
		t.Fatalf("tag's weak post-list should have been cleared on promotion")
	}
	if _, ok := post.StrongTags[tag.GUID]; !ok {
		t.Fatalf("post should now carry strong tag")
	}
	if _, ok := tag.StrongPosts[post.MD5]; !ok {
		t.Fatalf("tag should list post in strong posts (symmetry)")
	}
}

func TestAddEdgeDuplicateIsNoOp(t *testing.T) {
	s := newTestStore(t)
	post, _ := s.AddPost(MD5{1})
	tag, _ := s.AddTag("cat", TagInImage)
	if _, err := s.AddExplicitEdge(post, tag, false, false); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	added, err := s.AddExplicitEdge(post, tag, false, false)
	if err != nil {
		t.Fatalf("AddEdge repeat: %v", err)
	}
	if added {
		t.Fatalf("repeat AddEdge at same strength should be a no-op")
	}
}

func TestRemoveEdgeMissingIsError(t *testing.T) {
	s := newTestStore(t)
	post, _ := s.AddPost(MD5{1})
	tag, _ := s.AddTag("cat", TagInImage)
	if err := s.RemoveExplicitEdge(post, tag, false); err == nil {
		t.Fatalf("expected error removing a non-existent edge")
	}
}

func TestRelationSymmetryAndPrecondition(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.AddPost(MD5{1})
	b, _ := s.AddPost(MD5{2})

	if err := s.AddRelation(a, b); err != nil {
		t.Fatalf("AddRelation: %v", err)
	}
	if _, ok := a.Related[b.MD5]; !ok {
		t.Fatalf("a should relate to b")
	}
	if _, ok := b.Related[a.MD5]; !ok {
		t.Fatalf("b should relate to a")
	}
	if err := s.AddRelation(a, b); err == nil {
		t.Fatalf("expected error adding an already-existing relation")
	}

	if err := s.RemoveRelation(a, b); err != nil {
		t.Fatalf("RemoveRelation: %v", err)
	}
	if len(a.Related) != 0 || len(b.Related) != 0 {
		t.Fatalf("expected relation removed symmetrically")
	}
	if err := s.RemoveRelation(a, b); err == nil {
		t.Fatalf("expected error removing a non-existent relation")
	}
}

func TestDeletePostClearsTagAndRelationEdges(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.AddPost(MD5{1})
	b, _ := s.AddPost(MD5{2})
	tag, _ := s.AddTag("cat", TagInImage)
	s.AddExplicitEdge(a, tag, false, false)
	s.AddRelation(a, b)

	if err := s.DeletePost(a.MD5); err != nil {
		t.Fatalf("DeletePost: %v", err)
	}
	if _, ok := tag.StrongPosts[a.MD5]; ok {
		t.Fatalf("tag should no longer reference deleted post")
	}
	if _, ok := b.Related[a.MD5]; ok {
		t.Fatalf("related post should no longer reference deleted post")
	}
}

func TestAliasResolvesToTag(t *testing.T) {
	s := newTestStore(t)
	tag, _ := s.AddTag("cat_ears", TagInImage)
	if err := s.AddAlias("neko_mimi", tag.GUID); err != nil {
		t.Fatalf("AddAlias: %v", err)
	}
	resolved, ok := s.GetTagByName("neko_mimi")
	if !ok || resolved.GUID != tag.GUID {
		t.Fatalf("alias should resolve to the target tag")
	}
}

func TestImplicationAddAndRemove(t *testing.T) {
	s := newTestStore(t)
	x, _ := s.AddTag("x", TagMeta)
	y, _ := s.AddTag("y", TagMeta)

	if err := s.AddImplication(x, y, true, 10, false); err != nil {
		t.Fatalf("AddImplication: %v", err)
	}
	if len(x.Implies) != 1 || x.Implies[0].To != y.GUID {
		t.Fatalf("expected implication x -> y recorded")
	}
	if err := s.AddImplication(x, y, true, 10, false); err == nil {
		t.Fatalf("expected error adding a duplicate implication")
	}
	if err := s.RemoveImplication(x, y.GUID, false); err != nil {
		t.Fatalf("RemoveImplication: %v", err)
	}
	if len(x.Implies) != 0 {
		t.Fatalf("expected implication removed")
	}
}
