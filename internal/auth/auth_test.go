package auth

import "testing"

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "correct horse battery staple") {
		t.Fatalf("CheckPassword should accept the original password")
	}
	if CheckPassword(hash, "wrong password") {
		t.Fatalf("CheckPassword should reject a wrong password")
	}
}

func TestCapabilityHas(t *testing.T) {
	c := CapView | CapTag
	if !c.Has(CapView) || !c.Has(CapTag) {
		t.Fatalf("expected CapView and CapTag set")
	}
	if c.Has(CapAdmin) {
		t.Fatalf("did not expect CapAdmin set")
	}
	if !c.Has(CapView | CapTag) {
		t.Fatalf("expected combined mask to match")
	}
}

func TestAnonymousCapabilities(t *testing.T) {
	if !AnonymousCapabilities.Has(CapView) || !AnonymousCapabilities.Has(CapTag) {
		t.Fatalf("anonymous user must be able to view and tag")
	}
	if AnonymousCapabilities.Has(CapAddPost) {
		t.Fatalf("anonymous user must not be able to add posts")
	}
}

func TestAllCapabilitiesHasEveryBit(t *testing.T) {
	for _, c := range []Capability{CapView, CapTag, CapAddPost, CapAddTag, CapDeletePost, CapDeleteTag, CapAddUser, CapAdmin} {
		if !AllCapabilities.Has(c) {
			t.Fatalf("AllCapabilities missing bit %d", c)
		}
	}
}
