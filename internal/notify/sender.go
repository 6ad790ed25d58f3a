package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Notification is a rendered message for one user.
type Notification struct {
	Kind    string
	UserID  string
	EventID string
	Locale  string
	Text    string
	At      time.Time
}

// Sender delivers notifications. Push and email channels plug in here.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender appends one line per notification to a file.
type LogSender struct {
	mu sync.Mutex
	f  *os.File
}

// NewLogSender opens (creating if needed) the file at path for appending.
func NewLogSender(path string) (*LogSender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open notification log: %w", err)
	}
	return &LogSender{f: f}, nil
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	line := fmt.Sprintf("[%s] %s | user_id=%s | event_id=%s | locale=%s | %q\n",
		n.At.Format(time.RFC3339), n.Kind, n.UserID, n.EventID, n.Locale, n.Text)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.f.WriteString(line)
	return err
}

// Close closes the underlying file.
func (s *LogSender) Close() error { return s.f.Close() }
