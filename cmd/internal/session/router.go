package session

import "sync"

// Navigator moves the user interface between routes.
type Navigator interface {
	Location() string
	Navigate(path string)
}

// Router is an in-memory Navigator that records every navigation.
type Router struct {
	mu       sync.Mutex
	location string
	history  []string
}

func NewRouter(start string) *Router {
	return &Router{location: start}
}

func (r *Router) Location() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.location
}

func (r *Router) Navigate(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.location = path
	r.history = append(r.history, path)
}

// History returns the navigations made so far, oldest first.
func (r *Router) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.history...)
}
