package payment

import (
	"sync"
	"time"
)

const (
	historyLimit = 5
	noticeLimit  = 20
)

// recent is a bounded, newest-first list
type recent[T any] struct {
	mu      sync.Mutex
	limit   int
	entries []T
}

func (r *recent[T]) push(entry T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := min(len(r.entries), r.limit-1)
	r.entries = append([]T{entry}, r.entries[:keep]...)
}

func (r *recent[T]) list() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.entries))
	copy(out, r.entries)
	return out
}

// HistoryEntry is one classified scan in the scan history
type HistoryEntry struct {
	Scan      ClassifiedScan `json:"scan"`
	ScannedAt time.Time      `json:"scanned_at"`
}

// History keeps the last few classified scans for the user to review
type History struct {
	recent[HistoryEntry]
}

// NewHistory creates a History holding at most five scans
func NewHistory() *History {
	return &History{recent[HistoryEntry]{limit: historyLimit}}
}

// Add records scan as the most recent entry, evicting the oldest beyond the limit
func (h *History) Add(scan ClassifiedScan, at time.Time) {
	h.push(HistoryEntry{Scan: scan, ScannedAt: at})
}

// Entries returns the scans, newest first
func (h *History) Entries() []HistoryEntry {
	return h.list()
}

// NoticeLevel is the severity of a user-visible notice
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a message the user should see
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// Notices is the feed of recent notices
type Notices struct {
	recent[Notice]
}

// NewNotices creates an empty notice feed
func NewNotices() *Notices {
	return &Notices{recent[Notice]{limit: noticeLimit}}
}

// Add publishes a notice
func (n *Notices) Add(level NoticeLevel, message string, at time.Time) {
	n.push(Notice{Level: level, Message: message, At: at})
}

// Entries returns the notices, newest first
func (n *Notices) Entries() []Notice {
	return n.list()
}
