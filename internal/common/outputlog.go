package common

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// OutputEntry records one file produced from a bus log.
type OutputEntry struct {
	Command  string    `json:"command"`
	Input    string    `json:"input,omitempty"`
	Output   string    `json:"output"`
	SHA256   string    `json:"sha256,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Messages int       `json:"messages"`
	Ts       time.Time `json:"ts"`
}

// OutputLog is an append-only JSONL list of produced files.
type OutputLog struct {
	path string
	mu   sync.Mutex
}

func NewOutputLog(path string) *OutputLog {
	return &OutputLog{path: path}
}

func (l *OutputLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record hashes output and appends an entry for it.
func (l *OutputLog) Record(command, input, output string, messages int) error {
	if l == nil {
		return nil
	}
	hash, size, err := Sha256OfFile(output)
	if err != nil {
		return err
	}
	return l.Append(OutputEntry{Command: command, Input: input, Output: output, SHA256: hash, Size: size, Messages: messages})
}

// Append writes entry as one JSON line.
func (l *OutputLog) Append(entry OutputEntry) error {
	if l == nil {
		return errors.New("nil output log")
	}
	if entry.Output == "" {
		return errors.New("output entry missing output")
	}
	if entry.Ts.IsZero() {
		entry.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := EnsureParentDir(l.path); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadOutputLog loads every entry of a log written by OutputLog.
func ReadOutputLog(path string) ([]OutputEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var entries []OutputEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry OutputEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode output entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
