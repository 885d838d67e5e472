// Package recorder implements the session-scoped multi-stream sampler
// (C7): each session polls a set of devices at independent per-stream
// rates and appends newline-delimited JSON samples to its own file.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stonegate-labs/stonegate-core/internal/config"
	"github.com/stonegate-labs/stonegate-core/internal/model"
	stgerrors "github.com/stonegate-labs/stonegate-core/internal/errors"
)

// Source is the registry surface the recorder polls.
type Source interface {
	Get(id string) (DeviceReader, bool)
}

// DeviceReader is the read side of registry.Device, kept narrow so the
// recorder package does not need to import registry.
type DeviceReader interface {
	ReadMeasurement(ctx context.Context) model.Measurement
}

// Sink optionally mirrors every sample line to an external system, e.g.
// a Redis pub/sub channel (SPEC_FULL.md domain-stack entry for go-redis).
// nil is the no-op default.
type Sink interface {
	Publish(ctx context.Context, recordingID string, line []byte)
}

// Stream is one device/rate pair within a recording.
type Stream struct {
	DeviceID string   `json:"device_id"`
	RateHz   float64  `json:"rate_hz"`
	Metrics  []string `json:"metrics,omitempty"`

	intervalMs float64
	nextDueMs  float64
}

// StartParams is the validated input to Start.
type StartParams struct {
	Streams    []Stream
	ScriptName string
	Operator   string
}

// StartResult is returned by Start and echoed by Stop.
type StartResult struct {
	RecordingID string `json:"recording_id"`
	Path        string `json:"path"`
}

// StopResult is returned by Stop.
type StopResult struct {
	RecordingID   string `json:"recording_id"`
	Path          string `json:"path"`
	SamplesWritten int64  `json:"samples_written"`
	StartedTSMs   int64  `json:"started_ts_ms"`
	StoppedTSMs   int64  `json:"stopped_ts_ms"`
}

var fileBaseSanitizer = regexp.MustCompile(`[^A-Za-z0-9_\-.]`)

type session struct {
	id      string
	path    string
	streams []Stream

	fileMu sync.Mutex
	file   *os.File

	samplesWritten int64
	startedTSMs    int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// Recorder owns the set of live recording sessions.
type Recorder struct {
	mu       sync.Mutex
	sessions map[string]*session

	cfg    config.CoreConfig
	source Source
	sink   Sink
}

// New constructs a Recorder bound to a device source and configuration.
// sink may be nil.
func New(cfg config.CoreConfig, source Source, sink Sink) *Recorder {
	return &Recorder{sessions: make(map[string]*session), cfg: cfg, source: source, sink: sink}
}

func sanitizeFileBase(base string) string {
	if base == "" {
		base = "recording"
	}
	return fileBaseSanitizer.ReplaceAllString(base, "_")
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// Start validates params, opens the recording file, writes the header and
// spawns the sampling worker. Returns a *errors.RPCError on invalid input
// or file-open failure (spec §4.7/§7).
func (r *Recorder) Start(fileBase string, params StartParams) (StartResult, *stgerrors.RPCError) {
	if len(params.Streams) == 0 {
		return StartResult{}, stgerrors.Rejected("record_streams_required", "streams must be a non-empty array", nil)
	}
	valid := make([]Stream, 0, len(params.Streams))
	for _, s := range params.Streams {
		if strings.TrimSpace(s.DeviceID) == "" {
			return StartResult{}, stgerrors.Rejected("record_stream_missing_device_id", "each stream requires a device_id", nil)
		}
		if !(s.RateHz > 0) {
			return StartResult{}, stgerrors.Rejected("record_stream_rate_invalid", "rate_hz must be > 0", map[string]any{"device_id": s.DeviceID})
		}
		s.intervalMs = max(1, 1000/s.RateHz)
		valid = append(valid, s)
	}
	if len(valid) == 0 {
		return StartResult{}, stgerrors.Rejected("record_no_valid_streams", "no valid streams", nil)
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:32]
	dir := filepath.Join(r.cfg.RecordingsDir, time.Now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StartResult{}, stgerrors.Rejected("record_open_file_failed", err.Error(), nil)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.jsonl", sanitizeFileBase(fileBase), id))

	f, err := os.Create(path)
	if err != nil {
		return StartResult{}, stgerrors.Rejected("record_open_file_failed", err.Error(), nil)
	}

	startedTS := nowMillis()
	s := &session{id: id, path: path, streams: valid, file: f, startedTSMs: startedTS, stopCh: make(chan struct{}), running: true}
	now := float64(startedTS)
	for i := range s.streams {
		s.streams[i].nextDueMs = now
	}

	header := map[string]any{
		"type":           "stonegate_recording",
		"schema_version": 1,
		"recording_id":   id,
		"started_ts_ms":  startedTS,
		"meta": map[string]any{
			"script_name": params.ScriptName,
			"operator":    params.Operator,
			"backend": map[string]any{
				"port":        r.cfg.Port,
				"git_commit":  r.cfg.Build.GitCommit,
				"build_time":  r.cfg.Build.BuildTime,
			},
		},
		"streams": valid,
	}
	if err := s.writeLine(header); err != nil {
		f.Close()
		return StartResult{}, stgerrors.Rejected("record_open_file_failed", err.Error(), nil)
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	s.wg.Add(1)
	go r.runWorker(s)

	return StartResult{RecordingID: id, Path: path}, nil
}

// Stop removes the session, joins its worker and writes the footer line.
// Returns ok=false if id is unknown.
func (r *Recorder) Stop(id string) (StopResult, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return StopResult{}, false
	}
	s.stop()

	stoppedTS := nowMillis()
	_ = s.writeLine(map[string]any{
		"type":            "stop",
		"recording_id":    id,
		"stopped_ts_ms":   stoppedTS,
		"samples_written": s.samplesWritten,
	})
	s.file.Close()

	return StopResult{
		RecordingID:    id,
		Path:           s.path,
		SamplesWritten: s.samplesWritten,
		StartedTSMs:    s.startedTSMs,
		StoppedTSMs:    stoppedTS,
	}, true
}

// StopAll stops every still-running session; used on server shutdown
// (spec §4.7 "Destructor. Stop all still-running sessions.").
func (r *Recorder) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
}

func (s *session) stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *session) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *session) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	_, err = s.file.Write(b)
	return err
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clampMs(v float64) float64 {
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}

// runWorker is the per-session sampling loop (spec §4.7 "Worker loop").
func (r *Recorder) runWorker(s *session) {
	defer s.wg.Done()
	for s.isRunning() {
		now := float64(nowMillis())
		nextDue := now + 100
		for i := range s.streams {
			if s.streams[i].nextDueMs < nextDue {
				nextDue = s.streams[i].nextDueMs
			}
		}
		sleepMs := clampMs(nextDue - now)
		select {
		case <-s.stopCh:
			return
		case <-time.After(time.Duration(sleepMs) * time.Millisecond):
		}

		now = float64(nowMillis())
		for i := range s.streams {
			if s.streams[i].nextDueMs > now {
				continue
			}
			r.sampleOnce(s, &s.streams[i], int64(now))
			s.streams[i].nextDueMs = now + s.streams[i].intervalMs
		}
	}
}

func (r *Recorder) sampleOnce(s *session, stream *Stream, nowMs int64) {
	defer func() { recover() }() // device-level failures never abort the session (spec §4.7)

	dev, ok := r.source.Get(stream.DeviceID)
	if !ok {
		return
	}
	m := normalizeMeasurement(dev.ReadMeasurement(context.Background()), nowMs)
	measurements := filterMeasurements(m.Measurements, stream.Metrics)

	line := map[string]any{
		"type":         "sample",
		"ts_ms":        m.TS,
		"device_id":    stream.DeviceID,
		"state":        m.State,
		"measurements": measurements,
	}
	b, err := json.Marshal(line)
	if err != nil {
		return
	}
	b = append(b, '\n')
	s.fileMu.Lock()
	_, werr := s.file.Write(b)
	s.fileMu.Unlock()
	if werr == nil {
		s.samplesWritten++
		if r.sink != nil {
			r.sink.Publish(context.Background(), s.id, b)
		}
	}
}

// normalizeMeasurement fills ts/state defaults on an already-shaped
// measurement. model.Measurement is always already in schema shape for the
// reference Device implementation, so this is effectively a pass-through
// with defaulting — kept distinct from PerformAction-side adapters because
// the spec describes it as operating on an arbitrary raw JSON object that
// external (non-Go) device drivers might return.
func normalizeMeasurement(m model.Measurement, nowMs int64) model.Measurement {
	if m.Measurements == nil {
		m.Measurements = map[string]model.PropertyMeasurement{}
	}
	if m.TS == 0 {
		m.TS = nowMs
	}
	if m.State == "" {
		m.State = "unknown"
	}
	return m
}

func filterMeasurements(normalized map[string]model.PropertyMeasurement, metrics []string) map[string]model.PropertyMeasurement {
	if len(metrics) == 0 {
		return normalized
	}
	out := make(map[string]model.PropertyMeasurement, len(metrics))
	for _, k := range metrics {
		if v, ok := normalized[k]; ok {
			out[k] = v
		}
	}
	return out
}
