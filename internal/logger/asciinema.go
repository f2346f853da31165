// Package logger builds the server's structured logger and records session
// transcripts in asciicast v2 format.
package logger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Asciicast event codes.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
	EventMarker = "m"
)

// CastHeader is the first line of an asciicast v2 transcript.
type CastHeader struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// CastEvent is one transcript line, encoded as [time_offset, code, data].
type CastEvent struct {
	Time float64 `json:"time"`
	Code string  `json:"code"`
	Data string  `json:"data"`
}

// MarshalJSON encodes the event as a three element array.
func (e CastEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Code, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *CastEvent) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid cast event: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.Time); err != nil {
		return fmt.Errorf("invalid cast event time: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Code); err != nil {
		return fmt.Errorf("invalid cast event code: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid cast event data: %w", err)
	}
	return nil
}

// CastPath returns where the transcript of sessionID is stored under dir.
func CastPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".cast")
}

// Recorder appends one session's terminal traffic to an asciicast v2
// transcript. It is safe for concurrent use; writes after Close are ignored.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	start  time.Time
	closed bool
}

// OpenRecorder creates the transcript file for sessionID under dir and
// writes its header.
func OpenRecorder(dir, sessionID string, cols, rows int, shell string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.Create(CastPath(dir, sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}

	r := newRecorder(file, file)
	if err := r.writeHeader(cols, rows, sessionID, shell); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewRecorder records to w. The caller keeps ownership of w.
func NewRecorder(w io.Writer, cols, rows int, title string) (*Recorder, error) {
	r := newRecorder(w, nil)
	if err := r.writeHeader(cols, rows, title, ""); err != nil {
		return nil, err
	}
	return r, nil
}

func newRecorder(w io.Writer, closer io.Closer) *Recorder {
	return &Recorder{
		w:      bufio.NewWriter(w),
		closer: closer,
		start:  time.Now(),
	}
}

func (r *Recorder) writeHeader(cols, rows int, title, shell string) error {
	header := CastHeader{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.start.Unix(),
		Title:     title,
	}
	if shell != "" {
		header.Env = map[string]string{"SHELL": shell}
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal cast header: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeLine(data); err != nil {
		return err
	}
	return r.w.Flush()
}

// Output records bytes the process produced.
func (r *Recorder) Output(data string) error {
	return r.record(EventOutput, data)
}

// Input records bytes the client sent.
func (r *Recorder) Input(data string) error {
	return r.record(EventInput, data)
}

// Resize records a window size change.
func (r *Recorder) Resize(cols, rows int) error {
	return r.record(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

// Marker records a named marker, used when the session changes shell.
func (r *Recorder) Marker(label string) error {
	return r.record(EventMarker, label)
}

func (r *Recorder) record(code, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	line, err := json.Marshal(CastEvent{
		Time: time.Since(r.start).Seconds(),
		Code: code,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cast event: %w", err)
	}

	if err := r.writeLine(line); err != nil {
		return err
	}
	// Output arrives in small chunks; flush so the transcript can be
	// served while the session is still live.
	return r.w.Flush()
}

func (r *Recorder) writeLine(line []byte) error {
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

// Close flushes the transcript and closes the file if the recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	err := r.w.Flush()
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
	}
	return err
}

// StartTime returns when recording began.
func (r *Recorder) StartTime() time.Time {
	return r.start
}

// Cast is a decoded transcript.
type Cast struct {
	Header CastHeader  `json:"header"`
	Events []CastEvent `json:"events"`
}

// ReadCast decodes an asciicast v2 transcript.
func ReadCast(r io.Reader) (*Cast, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read cast header: %w", err)
		}
		return nil, errors.New("empty transcript")
	}

	cast := &Cast{Events: []CastEvent{}}
	if err := json.Unmarshal(scanner.Bytes(), &cast.Header); err != nil {
		return nil, fmt.Errorf("invalid cast header: %w", err)
	}
	if cast.Header.Version != 2 {
		return nil, fmt.Errorf("unsupported cast version %d", cast.Header.Version)
	}

	for line := 2; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev CastEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cast.Events = append(cast.Events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return cast, nil
}
