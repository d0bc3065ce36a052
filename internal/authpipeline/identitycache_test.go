package authpipeline

import (
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestIdentityCacheStoreAndLookup(t *testing.T) {
	c := NewIdentityCache()
	if c.HasCachedSession("alice") {
		t.Fatal("expected no cached session initially")
	}

	c.Store("alice", &oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)})
	if !c.HasCachedSession("alice") {
		t.Fatal("expected cached session after Store")
	}
	if !c.HasCachedSession("alice") {
		t.Fatal("expected HasCachedSession true")
	}
}

func TestIdentityCacheSnapshotIsolation(t *testing.T) {
	c := NewIdentityCache()
	c.Store("alice", &oauth2.Token{AccessToken: "v1"})

	tok, _ := c.CachedToken("alice")
	c.Store("alice", &oauth2.Token{AccessToken: "v2"})

	if tok.AccessToken != "v1" {
		t.Fatal("a mutation after a read must not retroactively change the returned snapshot")
	}
	tok2, _ := c.CachedToken("alice")
	if tok2.AccessToken != "v2" {
		t.Fatal("expected a fresh read to see the new value")
	}
}

func TestIdentityCacheForget(t *testing.T) {
	c := NewIdentityCache()
	c.Store("alice", &oauth2.Token{AccessToken: "tok"})
	c.Forget("alice")
	if c.HasCachedSession("alice") {
		t.Fatal("expected session to be forgotten")
	}
}
