package rpc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction tags a traced line with where it was headed.
type Direction string

const (
	DirInbound  Direction = "recv"
	DirOutbound Direction = "send"
)

// TraceSink mirrors every raw wire line for diagnostics. Sinks are
// best-effort: a returned error is logged as a warning and a panicking sink
// is recovered, so tracing can never fail a call or stop the reader.
type TraceSink interface {
	Trace(dir Direction, line []byte) error
}

// FileSink appends traced lines to a per-session file under a directory.
// Each entry is the direction tag, a timestamp, and the raw line.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewFileSink creates the trace directory if needed and opens a new
// append-only session file named with a fresh session id.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating trace dir: %w", err)
	}
	path := filepath.Join(dir, "trace-"+uuid.NewString()+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	return &FileSink{f: f, path: path}, nil
}

// Path returns the session file location.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Trace(dir Direction, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.f, "%s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), dir, line)
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
