// Package testutil provides a configurable HTTP server for package tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Page is one canned response.
type Page struct {
	Content     string
	ContentType string
	StatusCode  int
	Headers     map[string]string
}

// Server wraps httptest.Server with per-path behaviors.
type Server struct {
	*httptest.Server

	mu        sync.RWMutex
	pages     map[string]*Page
	delays    map[string]time.Duration
	errors    map[string]int
	failAfter map[string]int // path -> error stops after N hits
	redirects map[string]string
	hits      map[string]int
	robots    string
}

// NewServer starts a server with no routes configured; unknown paths 404.
func NewServer() *Server {
	s := &Server{
		pages:     make(map[string]*Page),
		delays:    make(map[string]time.Duration),
		errors:    make(map[string]int),
		failAfter: make(map[string]int),
		redirects: make(map[string]string),
		hits:      make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handler))
	return s
}

// AddPage registers an HTML page at path.
func (s *Server) AddPage(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = &Page{Content: content, ContentType: "text/html; charset=utf-8", StatusCode: http.StatusOK}
}

// AddRaw registers a response with an explicit content type.
func (s *Server) AddRaw(path, content, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = &Page{Content: content, ContentType: contentType, StatusCode: http.StatusOK}
}

// SetError makes path answer with the given status code.
func (s *Server) SetError(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[path] = status
}

// SetErrorFor makes path fail with status for the first n hits, then serve
// its page normally.
func (s *Server) SetErrorFor(path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[path] = status
	s.failAfter[path] = n
}

// SetRedirect makes path redirect to target.
func (s *Server) SetRedirect(path, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects[path] = target
}

// SetDelay delays responses on path.
func (s *Server) SetDelay(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[path] = d
}

// SetRobots serves body at /robots.txt.
func (s *Server) SetRobots(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.robots = body
}

// Hits returns how many requests path received.
func (s *Server) Hits(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits[path]
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	s.mu.Lock()
	s.hits[path]++
	hits := s.hits[path]
	delay := s.delays[path]
	status := s.errors[path]
	if limit, ok := s.failAfter[path]; ok && hits > limit {
		status = 0
	}
	redirect := s.redirects[path]
	page := s.pages[path]
	robots := s.robots
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if path == "/robots.txt" && robots != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(robots))
		return
	}

	if redirect != "" {
		http.Redirect(w, r, redirect, http.StatusMovedPermanently)
		return
	}

	if status > 0 {
		w.WriteHeader(status)
		return
	}

	if page == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", page.ContentType)
	for k, v := range page.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(page.StatusCode)
	w.Write([]byte(page.Content))
}
