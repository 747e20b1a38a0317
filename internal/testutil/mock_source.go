// Package testutil provides testing utilities for the collection pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// Conversation is the payload shape served by the mock source.
type Conversation struct {
	ID       string            `json:"id"`
	ParentID string            `json:"parent_id,omitempty"`
	BotName  string            `json:"bot_name,omitempty"`
	Title    string            `json:"title,omitempty"`
	Messages []json.RawMessage `json:"messages"`
}

// MockPage is one page of the mock source's collection.
type MockPage struct {
	Items      []Conversation
	NextCursor string
}

// MockSource is a configurable cursor-paginated conversation API for
// testing. Pages are keyed by cursor; the empty cursor is the first page.
type MockSource struct {
	server *httptest.Server
	mu     sync.RWMutex

	pages     map[string]MockPage
	authToken string

	// Failure injection: cursor -> queue of status codes to serve
	// before the real page.
	failures map[string][]int

	// Tracking
	RequestCount int
	LastRequest  *http.Request
}

// NewMockSource creates a mock source with no pages.
func NewMockSource() *MockSource {
	m := &MockSource{
		pages:    map[string]MockPage{},
		failures: map[string][]int{},
	}

	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server URL.
func (m *MockSource) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSource) Close() {
	m.server.Close()
}

// SetAuthToken makes the source reject requests without this bearer token.
func (m *MockSource) SetAuthToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authToken = token
}

// SetPage configures the page served for a cursor ("" = first page).
func (m *MockSource) SetPage(cursor string, page MockPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[cursor] = page
}

// SetPages installs a linear chain of pages with generated cursors.
func (m *MockSource) SetPages(pages []MockPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range pages {
		cursor := ""
		if i > 0 {
			cursor = fmt.Sprintf("page-%d", i)
		}
		p := pages[i]
		if i < len(pages)-1 {
			p.NextCursor = fmt.Sprintf("page-%d", i+1)
		}
		m.pages[cursor] = p
	}
}

// FailNext queues status codes to serve for a cursor before the real
// page. Use 429 for rate limiting, 500 for server errors.
func (m *MockSource) FailNext(cursor string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[cursor] = append(m.failures[cursor], statuses...)
}

// GetRequestCount returns the number of requests the source has served.
func (m *MockSource) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

func (m *MockSource) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastRequest = r.Clone(r.Context())

	if m.authToken != "" && r.Header.Get("Authorization") != "Bearer "+m.authToken {
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "invalid credentials"}`)
		return
	}

	cursor := r.URL.Query().Get("cursor")

	if queue := m.failures[cursor]; len(queue) > 0 {
		status := queue[0]
		m.failures[cursor] = queue[1:]
		m.mu.Unlock()
		w.Header().Set("X-RateLimit-Remaining", "3")
		w.Header().Set("X-RateLimit-Reset", "30")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error": "injected status %d"}`, status)
		return
	}

	page, ok := m.pages[cursor]
	m.mu.Unlock()

	w.Header().Set("X-RateLimit-Remaining", "100")
	w.Header().Set("X-RateLimit-Reset", "60")
	w.Header().Set("Content-Type", "application/json")

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error": "unknown cursor %s"}`, strconv.Quote(cursor))
		return
	}

	items := make([]json.RawMessage, 0, len(page.Items))
	for _, conv := range page.Items {
		raw, _ := json.Marshal(conv)
		items = append(items, raw)
	}
	resp := map[string]any{
		"items":       items,
		"next_cursor": page.NextCursor,
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// NewConversation builds a conversation with n generated messages.
func NewConversation(id string, n int) Conversation {
	msgs := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, json.RawMessage(fmt.Sprintf(
			`{"id": "%s-msg-%d", "role": %q, "content": "message %d"}`, id, i, role, i)))
	}
	return Conversation{
		ID:       id,
		BotName:  "assistant-bot",
		Title:    "Conversation " + id,
		Messages: msgs,
	}
}
