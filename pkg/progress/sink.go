package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/openfroyo/tgworker/pkg/telemetry"
)

// Log is the line-oriented log surface components write to.
type Log interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Recorder persists unit transitions, e.g. into task history.
type Recorder interface {
	RecordUnit(taskID string, up UnitProgress) error
}

// SinkOptions configures a Sink.
type SinkOptions struct {
	TaskID string

	// Out receives human-readable unit lines. Nil discards them.
	Out io.Writer

	// Color enables colored unit names and status lines.
	Color bool

	// Sanitize scrubs every line before it is written anywhere.
	Sanitize func(string) string

	Logger   *telemetry.Logger
	Events   *telemetry.EventPublisher
	Metrics  *telemetry.Metrics
	Recorder Recorder
}

// Sink opens unit streams against a progress map.
type Sink struct {
	progress *Map
	opts     SinkOptions
	mu       sync.Mutex

	unitColor    *color.Color
	warnColor    *color.Color
	errorColor   *color.Color
	successColor *color.Color
}

// NewSink creates a sink writing into m.
func NewSink(m *Map, opts SinkOptions) *Sink {
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop()
	}
	if opts.Sanitize == nil {
		opts.Sanitize = func(s string) string { return s }
	}

	s := &Sink{
		progress:     m,
		opts:         opts,
		unitColor:    color.New(color.FgCyan, color.Bold),
		warnColor:    color.New(color.FgYellow),
		errorColor:   color.New(color.FgRed, color.Bold),
		successColor: color.New(color.FgGreen, color.Bold),
	}
	for _, c := range []*color.Color{s.unitColor, s.warnColor, s.errorColor, s.successColor} {
		if opts.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

// Progress returns the underlying map.
func (s *Sink) Progress() *Map {
	return s.progress
}

// Open starts unit. If the unit already finished the returned stream only
// forwards lines to the structured logger and its Close does nothing.
func (s *Sink) Open(unit string) *Stream {
	st := &Stream{
		sink:   s,
		unit:   unit,
		logger: s.opts.Logger.WithUnit(unit),
	}
	if !s.progress.Open(unit) {
		st.closed = true
		st.logger.Debug("unit already finished, not reopening")
		return st
	}

	s.opts.Metrics.RecordUnit(unit, string(StatusRunning))
	_ = s.opts.Events.PublishUnit(s.opts.TaskID, unit, "running")
	s.record(unit)
	return st
}

// FailOpen writes reason into every still-running unit and closes it as
// failed. It returns the number of units it closed.
func (s *Sink) FailOpen(reason string) int {
	running := s.progress.Running()
	for _, unit := range running {
		st := &Stream{sink: s, unit: unit, logger: s.opts.Logger.WithUnit(unit)}
		st.Errorf("%s", reason)
		st.Close(StatusFailure)
	}
	return len(running)
}

// Report writes an error line under unit without touching its status. It
// is for failures that no open unit can carry: ones raised before the first
// unit opened, or by a unit a previous attempt already finished.
func (s *Sink) Report(unit, reason string) {
	line := s.opts.Sanitize(reason)
	s.opts.Logger.WithUnit(unit).Error(line)
	s.writeLine(unit, s.errorColor, line)
}

func (s *Sink) record(unit string) {
	if s.opts.Recorder == nil {
		return
	}
	up, ok := s.progress.Get(unit)
	if !ok {
		return
	}
	if err := s.opts.Recorder.RecordUnit(s.opts.TaskID, up); err != nil {
		s.opts.Logger.WithError(err).Warn("failed to record unit progress")
	}
}

func (s *Sink) writeLine(unit string, c *color.Color, line string) {
	if s.opts.Out == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := s.unitColor.Sprintf("[%s]", unit)
	if c != nil {
		line = c.Sprint(line)
	}
	fmt.Fprintf(s.opts.Out, "%s %s\n", prefix, line)
}

// Stream is the log stream of one unit.
type Stream struct {
	sink   *Sink
	unit   string
	logger *telemetry.Logger
	closed bool
	mu     sync.Mutex
}

// Closed reports whether the stream no longer writes to the task output,
// either because it was closed or because its unit had already finished
// when it was opened.
func (st *Stream) Closed() bool {
	return st.isClosed()
}

// Unit returns the stream's unit name.
func (st *Stream) Unit() string {
	return st.unit
}

func (st *Stream) emit(c *color.Color, level, format string, args ...interface{}) {
	line := st.sink.opts.Sanitize(fmt.Sprintf(format, args...))
	switch level {
	case "warn":
		st.logger.Warn(line)
	case "error":
		st.logger.Error(line)
	default:
		st.logger.Info(line)
	}
	if st.isClosed() {
		return
	}
	st.sink.writeLine(st.unit, c, line)
}

// Infof writes an informational line.
func (st *Stream) Infof(format string, args ...interface{}) {
	st.emit(nil, "info", format, args...)
}

// Warnf writes a warning line.
func (st *Stream) Warnf(format string, args ...interface{}) {
	st.emit(st.sink.warnColor, "warn", format, args...)
}

// Errorf writes an error line.
func (st *Stream) Errorf(format string, args ...interface{}) {
	st.emit(st.sink.errorColor, "error", format, args...)
}

// Line writes one raw line of process output.
func (st *Stream) Line(line string) {
	line = strings.TrimRight(line, "\r\n")
	st.emit(nil, "info", "%s", line)
}

// Close sets the unit's terminal status. Closing twice is a no-op.
func (st *Stream) Close(status Status) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	st.mu.Unlock()

	if !st.sink.progress.Close(st.unit, status) {
		return
	}

	c := st.sink.successColor
	event := "success"
	if status == StatusFailure {
		c = st.sink.errorColor
		event = "failure"
	}
	st.sink.writeLine(st.unit, c, string(status))
	st.sink.opts.Metrics.RecordUnit(st.unit, string(status))
	_ = st.sink.opts.Events.PublishUnit(st.sink.opts.TaskID, st.unit, event)
	st.sink.record(st.unit)
}

func (st *Stream) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// Discard is a Log that drops everything.
var Discard Log = discard{}

type discard struct{}

func (discard) Infof(string, ...interface{})  {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}
