package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single log line captured from the process logger.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw,omitempty"`
}

// LogRingBuffer is a fixed-size ring of recent log lines. It implements
// io.Writer and expects zerolog JSON lines; anything else is kept raw.
type LogRingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	pos     int
	full    bool
}

// NewLogRingBuffer creates a ring buffer that holds up to maxSize entries.
func NewLogRingBuffer(maxSize int) *LogRingBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogRingBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

func (b *LogRingBuffer) Write(p []byte) (n int, err error) {
	entry := parseLogLine(p)

	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % b.maxSize
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()

	return len(p), nil
}

func parseLogLine(p []byte) LogEntry {
	var fields struct {
		Time      time.Time `json:"time"`
		Level     string    `json:"level"`
		Component string    `json:"component"`
		Message   string    `json:"message"`
	}
	line := strings.TrimRight(string(p), "\n")
	if err := json.Unmarshal(p, &fields); err != nil {
		return LogEntry{Timestamp: time.Now().UTC(), Level: "unknown", Message: line, Raw: line}
	}
	if fields.Time.IsZero() {
		fields.Time = time.Now().UTC()
	}
	return LogEntry{
		Timestamp: fields.Time,
		Level:     fields.Level,
		Component: fields.Component,
		Message:   fields.Message,
		Raw:       line,
	}
}

// Recent returns up to n entries in chronological order, optionally only those
// at or above minLevel ("" keeps everything).
func (b *LogRingBuffer) Recent(n int, minLevel string) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = b.maxSize
	}
	start := b.pos - total
	if start < 0 {
		start += b.maxSize
	}

	threshold := levelRank(minLevel)
	out := make([]LogEntry, 0, min(n, total))
	for i := 0; i < total; i++ {
		e := b.entries[(start+i)%b.maxSize]
		if levelRank(e.Level) >= threshold {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 1
	case "info":
		return 2
	case "warn":
		return 3
	case "error":
		return 4
	case "fatal", "panic":
		return 5
	default:
		return 0
	}
}
