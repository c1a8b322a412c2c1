package verifier

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RecordLog is the append-only audit file of received messages.
type RecordLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenRecordLog opens (or creates) the record file at path for appending.
func OpenRecordLog(path string) (*RecordLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create record directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record log: %w", err)
	}
	return &RecordLog{file: f}, nil
}

// Append writes msg as one line.
func (r *RecordLog) Append(msg []byte) error {
	line := make([]byte, 0, len(msg)+1)
	line = append(line, bytes.TrimRight(msg, "\r\n")...)
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return os.ErrClosed
	}
	if _, err := r.file.Write(line); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (r *RecordLog) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
