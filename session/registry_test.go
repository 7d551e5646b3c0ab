package session

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

type fakeConn struct{ id int }

func TestRegisterLookup(t *testing.T) {
	r := NewRegistry[*fakeConn]()
	a := &fakeConn{1}

	if _, ok := r.Register("andrei", a); ok {
		t.Errorf("Expected no displaced connection on first register")
	}

	got, ok := r.Lookup("andrei")
	if !ok || got != a {
		t.Fatalf("Expected lookup to return registered connection")
	}
	owner, ok := r.OwnerOf(a)
	if !ok || owner != "andrei" {
		t.Errorf("Expected owner andrei, got %q", owner)
	}
}

func TestLastLoginWins(t *testing.T) {
	r := NewRegistry[*fakeConn]()
	first := &fakeConn{1}
	second := &fakeConn{2}

	r.Register("andrei", first)
	displaced, ok := r.Register("andrei", second)
	if !ok || displaced != first {
		t.Errorf("Expected first connection to be displaced")
	}

	got, _ := r.Lookup("andrei")
	if got != second {
		t.Errorf("Expected second connection to own the session")
	}
	if _, ok := r.OwnerOf(first); ok {
		t.Errorf("Displaced connection still has an owner")
	}
	if r.Len() != 1 {
		t.Errorf("Expected exactly one entry, got %d", r.Len())
	}
}

func TestReRegisterSameConnection(t *testing.T) {
	r := NewRegistry[*fakeConn]()
	a := &fakeConn{1}

	r.Register("andrei", a)
	if _, ok := r.Register("andrei", a); ok {
		t.Errorf("Re-registering the same connection must not report displacement")
	}

	// Switching accounts on one connection drops the old account.
	r.Register("vadim", a)
	if _, ok := r.Lookup("andrei"); ok {
		t.Errorf("Old account still registered")
	}
	if owner, _ := r.OwnerOf(a); owner != "vadim" {
		t.Errorf("Expected owner vadim, got %q", owner)
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry[*fakeConn]()
	a := &fakeConn{1}
	b := &fakeConn{2}
	r.Register("andrei", a)
	r.Register("vadim", b)

	r.Unregister("andrei")
	if _, ok := r.Lookup("andrei"); ok {
		t.Errorf("Expected andrei to be gone")
	}
	if _, ok := r.OwnerOf(a); ok {
		t.Errorf("Expected connection to lose its session")
	}

	user, ok := r.UnregisterConn(b)
	if !ok || user != "vadim" {
		t.Errorf("Expected UnregisterConn to return vadim, got %q", user)
	}
	if _, ok := r.UnregisterConn(b); ok {
		t.Errorf("Second UnregisterConn must report nothing")
	}

	r.Unregister("nobody")
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Len())
	}
}

func TestUsersAndConnsSorted(t *testing.T) {
	r := NewRegistry[*fakeConn]()
	v := &fakeConn{1}
	a := &fakeConn{2}
	r.Register("vadim", v)
	r.Register("andrei", a)

	if got := r.Users(); !reflect.DeepEqual(got, []string{"andrei", "vadim"}) {
		t.Errorf("Unexpected users: %v", got)
	}
	if got := r.Conns(); !reflect.DeepEqual(got, []*fakeConn{a, v}) {
		t.Errorf("Unexpected conns order")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry[*fakeConn]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{i}
			user := fmt.Sprintf("user%d", i%10)
			r.Register(user, c)
			r.Lookup(user)
			r.OwnerOf(c)
			if i%3 == 0 {
				r.UnregisterConn(c)
			}
		}(i)
	}
	wg.Wait()

	for _, user := range r.Users() {
		conn, ok := r.Lookup(user)
		if !ok {
			t.Fatalf("Listed user %s has no connection", user)
		}
		if owner, _ := r.OwnerOf(conn); owner != user {
			t.Errorf("Indexes disagree for %s: owner %q", user, owner)
		}
	}
}
