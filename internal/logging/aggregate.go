package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// LogEntry is one parsed line of a conductor log file.
type LogEntry struct {
	Timestamp time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	RunID     string         `json:"run_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Worker    *int           `json:"worker,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogFilter selects entries. Zero-valued fields match everything and set
// fields are combined with AND.
type LogFilter struct {
	// Level keeps entries at or above this level.
	Level           string
	RunID           string
	TaskID          string
	Phase           string
	Since           time.Time
	MessageContains string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ReadEntries parses debug.log and any uncompressed rotated backups in dir,
// returning entries sorted by time. Malformed lines are skipped.
func ReadEntries(dir string) ([]LogEntry, error) {
	live := filepath.Join(dir, LogFileName)
	backups, _ := filepath.Glob(live + ".[0-9]*")

	var entries []LogEntry
	found := false
	for _, path := range append(backups, live) {
		if strings.HasSuffix(path, ".gz") {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		found = true
		parsed, err := parseEntries(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", path, err)
		}
		entries = append(entries, parsed...)
	}
	if !found {
		return nil, fmt.Errorf("no log file found in %s: %w", dir, os.ErrNotExist)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

func parseEntries(r io.Reader) ([]LogEntry, error) {
	var entries []LogEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseEntry([]byte(line))
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func parseEntry(line []byte) (LogEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	entry := LogEntry{Attrs: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "time":
			if s, ok := v.(string); ok {
				entry.Timestamp, _ = time.Parse(time.RFC3339Nano, s)
			}
		case "level":
			entry.Level, _ = v.(string)
		case "msg":
			entry.Message, _ = v.(string)
		case "run_id":
			entry.RunID, _ = v.(string)
		case "task_id":
			entry.TaskID, _ = v.(string)
		case "phase":
			entry.Phase, _ = v.(string)
		case "worker":
			if f, ok := v.(float64); ok {
				w := int(f)
				entry.Worker = &w
			}
		default:
			entry.Attrs[k] = v
		}
	}
	if len(entry.Attrs) == 0 {
		entry.Attrs = nil
	}
	return entry, nil
}

// FilterLogs returns the entries matching filter.
func FilterLogs(entries []LogEntry, filter LogFilter) []LogEntry {
	var out []LogEntry
	for _, e := range entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f LogFilter) matches(e LogEntry) bool {
	if f.Level != "" {
		want, ok1 := levelOrder[strings.ToUpper(f.Level)]
		got, ok2 := levelOrder[e.Level]
		if ok1 && ok2 && got < want {
			return false
		}
	}
	switch {
	case f.RunID != "" && e.RunID != f.RunID:
		return false
	case f.TaskID != "" && e.TaskID != f.TaskID:
		return false
	case f.Phase != "" && e.Phase != f.Phase:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case f.MessageContains != "" && !strings.Contains(e.Message, f.MessageContains):
		return false
	}
	return true
}

// WriteText renders entries one per line in a human readable form.
func WriteText(w io.Writer, entries []LogEntry) error {
	for _, e := range entries {
		var b strings.Builder
		fmt.Fprintf(&b, "%s %-5s", e.Timestamp.Format("15:04:05.000"), e.Level)
		if e.TaskID != "" {
			fmt.Fprintf(&b, " [%s]", e.TaskID)
		}
		if e.Phase != "" {
			fmt.Fprintf(&b, " (%s)", e.Phase)
		}
		fmt.Fprintf(&b, " %s", e.Message)
		keys := make([]string, 0, len(e.Attrs))
		for k := range e.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
		}
		b.WriteByte('\n')
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON renders entries as an indented JSON array.
func WriteJSON(w io.Writer, entries []LogEntry) error {
	if entries == nil {
		entries = []LogEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
