// Package metrics persists one record per processing run into a JSON array on disk.
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"HvacDetServer/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ModeImage  = "image"
	ModeVideo  = "video"
	ModeCamera = "camera"
)

// Record is one completed run. Optional fields are omitted for modes that do not produce them.
type Record struct {
	RunID              string    `json:"run_id"`
	Timestamp          time.Time `json:"timestamp"`
	Mode               string    `json:"mode"`
	Device             string    `json:"device"`
	Filename           string    `json:"filename,omitempty"`
	Frames             int       `json:"frames"`
	AvgFPS             float64   `json:"avg_fps"`
	AvgInferenceTimeMs float64   `json:"avg_inference_time_ms"`
	Resolution         string    `json:"resolution,omitempty"`
	DurationS          float64   `json:"duration_s,omitempty"`
	OutputFile         string    `json:"output_file,omitempty"`
}

// Store appends records to a single JSON document. Appends are serialised and each
// rewrite lands through a rename, so readers never see a half-written file.
type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path is the JSON document the store appends to.
func (s *Store) Path() string {
	return s.path
}

// Append reads the whole document, appends rec and writes the whole document back.
// Entries already on disk are kept byte-for-byte even if they are not Records.
func (s *Store) Append(rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.RunID == "" {
		rec.RunID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	rec.AvgFPS = Round2(rec.AvgFPS)
	rec.AvgInferenceTimeMs = Round2(rec.AvgInferenceTimeMs)

	entries, err := s.read()
	if err != nil {
		return rec, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encode metrics record: %w", err)
	}
	entries = append(entries, raw)
	if err := s.write(entries); err != nil {
		return rec, err
	}
	logger.Log().Info("Metrics saved",
		zap.String("path", s.path),
		zap.String("mode", rec.Mode),
		zap.String("runID", rec.RunID))
	return rec, nil
}

// Load returns every entry currently on disk.
func (s *Store) Load() ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Store) read() ([]json.RawMessage, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse metrics %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *Store) write(entries []json.RawMessage) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	b, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".metrics-*.json")
	if err != nil {
		return fmt.Errorf("create temp metrics: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace metrics: %w", err)
	}
	return nil
}

// Round2 rounds to two decimals, the precision every surface reports.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}
