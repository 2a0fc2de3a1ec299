// Package gclog writes Kratos log records as Cloud Logging structured JSON,
// one entry per line. Repository, backend and transaction keys are promoted
// to labels.
package gclog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

var errPayloadType = errors.New("gclog: payload must be map[string]any")

// Logger implements log.Logger.
type Logger struct {
	opts Options

	mu  sync.Mutex
	enc *json.Encoder
}

var _ log.Logger = (*Logger)(nil)

func NewLogger(opts ...Option) (*Logger, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	o.StaticLabels = maps.Clone(o.StaticLabels)
	enc := json.NewEncoder(o.Writer)
	enc.SetEscapeHTML(false)
	return &Logger{opts: o, enc: enc}, nil
}

// Flush syncs the writer when it supports it, as *os.File does.
func (l *Logger) Flush(context.Context) error {
	s, ok := l.opts.Writer.(interface{ Sync() error })
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return s.Sync()
}

func (l *Logger) Log(level log.Level, keyvals ...any) error {
	e := entry{
		Timestamp: l.opts.clock().UTC().Format(time.RFC3339Nano),
		Severity:  severityOf(level),
		ServiceContext: serviceContext{
			Service:     l.opts.Service,
			Version:     l.opts.Version,
			Environment: l.opts.Environment,
		},
	}
	labels := maps.Clone(l.opts.StaticLabels)
	var payload, nested map[string]any
	setPayload := func(k string, v any) {
		if payload == nil {
			payload = make(map[string]any)
		}
		payload[k] = v
	}
	setLabel := func(k, v string) {
		if k == "" || v == "" {
			return
		}
		if labels == nil {
			labels = make(map[string]string)
		}
		labels[k] = v
	}

	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var val any
		if i+1 < len(keyvals) {
			val = keyvals[i+1]
		}
		switch kindOf(key) {
		case fieldMessage:
			e.Message = labelValue(val)
		case fieldTrace:
			e.Trace = l.traceName(labelValue(val))
		case fieldSpan:
			e.SpanID = labelValue(val)
		case fieldLabel:
			setLabel(key, labelValue(val))
		case fieldLabelMap:
			switch m := val.(type) {
			case map[string]string:
				for k, v := range m {
					setLabel(k, v)
				}
			case map[string]any:
				for k, v := range m {
					setLabel(k, labelValue(v))
				}
			}
		case fieldPayloadMap:
			if val == nil {
				continue
			}
			m, ok := val.(map[string]any)
			if !ok {
				return errPayloadType
			}
			if nested == nil {
				nested = make(map[string]any, len(m))
			}
			maps.Copy(nested, m)
		case fieldError:
			if val != nil {
				setPayload(key, labelValue(val))
			}
		case fieldDuration:
			setPayload(key, durationValue(val))
		default:
			setPayload(key, payloadValue(val))
		}
	}
	if nested != nil {
		setPayload(payloadKey, nested)
	}
	e.Labels = labels
	e.JSONPayload = payload
	if l.opts.SourceLocation {
		e.SourceLocation = callerLocation()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(e)
}

func (l *Logger) traceName(traceID string) string {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" || l.opts.ProjectID == "" || strings.HasPrefix(traceID, "projects/") {
		return traceID
	}
	return fmt.Sprintf("projects/%s/traces/%s", l.opts.ProjectID, traceID)
}

// callerLocation returns the first frame outside the logging stack.
func callerLocation() *sourceLocation {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !loggingFrame(f) {
			return &sourceLocation{File: f.File, Line: f.Line, Function: f.Function}
		}
		if !more {
			return nil
		}
	}
}

func loggingFrame(f runtime.Frame) bool {
	switch {
	case strings.HasPrefix(f.Function, "github.com/go-kratos/kratos/v2/log."):
		return true
	case strings.HasPrefix(f.Function, "github.com/bionicotaku/lingo-dbs/gclog."):
		return !strings.HasSuffix(f.File, "_test.go")
	default:
		return false
	}
}

func severityOf(level log.Level) string {
	switch level {
	case log.LevelDebug:
		return "DEBUG"
	case log.LevelWarn:
		return "WARNING"
	case log.LevelError:
		return "ERROR"
	case log.LevelFatal:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// entry is the Cloud Logging structured payload.
type entry struct {
	Timestamp      string            `json:"timestamp"`
	Severity       string            `json:"severity"`
	Message        string            `json:"message,omitempty"`
	ServiceContext serviceContext    `json:"serviceContext"`
	Trace          string            `json:"logging.googleapis.com/trace,omitempty"`
	SpanID         string            `json:"logging.googleapis.com/spanId,omitempty"`
	SourceLocation *sourceLocation   `json:"logging.googleapis.com/sourceLocation,omitempty"`
	Labels         map[string]string `json:"logging.googleapis.com/labels,omitempty"`
	JSONPayload    map[string]any    `json:"jsonPayload,omitempty"`
}

type serviceContext struct {
	Service     string `json:"service"`
	Version     string `json:"version"`
	Environment string `json:"environment,omitempty"`
}

type sourceLocation struct {
	File     string `json:"file"`
	Line     int    `json:"line,string"`
	Function string `json:"function,omitempty"`
}
