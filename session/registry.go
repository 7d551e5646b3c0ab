// Package session tracks which live connection each authenticated account is using.
package session

import (
	"sort"
	"sync"
)

// Registry maps account names to connections and back. At most one
// connection is registered per account and one account per connection.
type Registry[C comparable] struct {
	mu     sync.RWMutex
	byUser map[string]C
	byConn map[C]string
}

func NewRegistry[C comparable]() *Registry[C] {
	return &Registry[C]{
		byUser: make(map[string]C),
		byConn: make(map[C]string),
	}
}

// Register binds user to conn. A previous connection for the same user is
// dropped (last login wins) and returned; so is a previous user bound to conn.
func (r *Registry[C]) Register(user string, conn C) (displaced C, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.byUser[user]; exists {
		delete(r.byConn, prev)
		if prev != conn {
			displaced, ok = prev, true
		}
	}
	if prevUser, exists := r.byConn[conn]; exists {
		delete(r.byUser, prevUser)
	}

	r.byUser[user] = conn
	r.byConn[conn] = user
	return displaced, ok
}

func (r *Registry[C]) Unregister(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.byUser[user]; ok {
		delete(r.byConn, conn)
		delete(r.byUser, user)
	}
}

// UnregisterConn removes whatever account conn is registered under and returns it.
func (r *Registry[C]) UnregisterConn(conn C) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byConn[conn]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn)
	delete(r.byUser, user)
	return user, true
}

func (r *Registry[C]) Lookup(user string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byUser[user]
	return conn, ok
}

func (r *Registry[C]) OwnerOf(conn C) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byConn[conn]
	return user, ok
}

// Users returns registered account names in sorted order.
func (r *Registry[C]) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for user := range r.byUser {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// Conns returns the registered connections ordered by account name.
func (r *Registry[C]) Conns() []C {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for user := range r.byUser {
		users = append(users, user)
	}
	sort.Strings(users)

	conns := make([]C, 0, len(users))
	for _, user := range users {
		conns = append(conns, r.byUser[user])
	}
	return conns
}

func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
