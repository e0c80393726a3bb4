package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCreatesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "metrics.json")
	s := NewStore(path)
	assert.Equal(t, path, s.Path())

	rec, err := s.Append(Record{Mode: ModeVideo, Device: "NCNN-CPU", Frames: 10, AvgFPS: 12.3456, AvgInferenceTimeMs: 7.891})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.RunID)
	assert.False(t, rec.Timestamp.IsZero())

	var got []map[string]any
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "video", got[0]["mode"])
	assert.Equal(t, float64(10), got[0]["frames"])
	assert.Equal(t, 12.35, got[0]["avg_fps"])
	assert.Equal(t, 7.89, got[0]["avg_inference_time_ms"])
	assert.NotContains(t, got[0], "resolution")
}

func TestAppendGrowsByOneAndKeepsForeignEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	foreign := `[{"mode":"camera","device":"CUDA","frames":3,"custom":{"a":[1,2]}}]`
	require.NoError(t, os.WriteFile(path, []byte(foreign), 0o644))

	s := NewStore(path)
	for i := 1; i <= 3; i++ {
		_, err := s.Append(Record{Mode: ModeImage, Device: "OpenVINO", Filename: "a.jpg"})
		require.NoError(t, err)
		entries, err := s.Load()
		require.NoError(t, err)
		assert.Len(t, entries, 1+i)
	}

	entries, err := s.Load()
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"camera","device":"CUDA","frames":3,"custom":{"a":[1,2]}}`, string(entries[0]))
}

func TestAppendRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewStore(path).Append(Record{Mode: ModeImage})
	assert.Error(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(b))
}

func TestAppendConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	s := NewStore(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(Record{Mode: ModeVideo, Device: "NCNN-CPU"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestAppendKeepsCallerTimestamp(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "metrics.json"))
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec, err := s.Append(Record{Mode: ModeCamera, Timestamp: ts, RunID: "run-1", DurationS: 10})
	require.NoError(t, err)
	assert.Equal(t, ts, rec.Timestamp)
	assert.Equal(t, "run-1", rec.RunID)
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 3.14, Round2(3.14159))
	assert.Equal(t, float64(0), Round2(0))
	assert.Equal(t, float64(0), Round2(-0.001))
}
