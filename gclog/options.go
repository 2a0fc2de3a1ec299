package gclog

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

// Options configures a Logger.
type Options struct {
	Service        string
	Version        string
	ProjectID      string
	Environment    string
	StaticLabels   map[string]string
	Writer         io.Writer
	SourceLocation bool

	clock func() time.Time
}

// Option customises Options.
type Option func(*Options)

func WithService(name string) Option {
	return func(o *Options) { o.Service = strings.TrimSpace(name) }
}

func WithVersion(version string) Option {
	return func(o *Options) { o.Version = strings.TrimSpace(version) }
}

// WithProjectID qualifies trace ids as projects/<id>/traces/<trace>.
func WithProjectID(project string) Option {
	return func(o *Options) { o.ProjectID = strings.TrimSpace(project) }
}

func WithEnvironment(env string) Option {
	return func(o *Options) { o.Environment = strings.TrimSpace(env) }
}

// WithStaticLabels adds labels to every entry. Empty keys are ignored.
func WithStaticLabels(labels map[string]string) Option {
	return func(o *Options) {
		for k, v := range labels {
			if k == "" {
				continue
			}
			if o.StaticLabels == nil {
				o.StaticLabels = make(map[string]string, len(labels))
			}
			o.StaticLabels[k] = v
		}
	}
}

// WithWriter sends entries to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(o *Options) { o.Writer = w }
}

// EnableSourceLocation records the calling file, line and function.
func EnableSourceLocation() Option {
	return func(o *Options) { o.SourceLocation = true }
}

func withClock(clock func() time.Time) Option {
	return func(o *Options) { o.clock = clock }
}

func (o *Options) validate() error {
	if o.Service == "" {
		return errors.New("gclog: service is required")
	}
	if o.Version == "" {
		return errors.New("gclog: version is required")
	}
	if o.Writer == nil {
		o.Writer = os.Stdout
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	return nil
}
