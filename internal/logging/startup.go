package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects a daemon's identity, data directories, endpoints
// and configuration, then emits a single structured zerolog event
// summarising the startup state. One log line answers "how was this daemon
// configured" when troubleshooting a stuck pipeline.
type StartupLogger struct {
	name         string
	initDuration time.Duration

	dirs      map[string]string
	endpoints map[string]string
	features  map[string]bool
	config    map[string]string
}

// NewStartupLogger creates a StartupLogger for the given daemon name
// (e.g. "capture", "classify").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:      name,
		dirs:      make(map[string]string),
		endpoints: make(map[string]string),
		features:  make(map[string]bool),
		config:    make(map[string]string),
	}
}

// Dir registers a data directory the daemon reads or writes.
func (s *StartupLogger) Dir(label, path string) *StartupLogger {
	s.dirs[label] = path
	return s
}

// Endpoint registers a listen address or remote target. Only host and path
// are logged, never credentials.
func (s *StartupLogger) Endpoint(label, addr string) *StartupLogger {
	s.endpoints[label] = addr
	return s
}

// Feature registers a boolean feature flag.
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long daemon initialization took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// Log emits a single structured INFO log event with all collected information.
func (s *StartupLogger) Log() {
	evt := log.Info()

	host, _ := os.Hostname()
	daemonDict := zerolog.Dict().
		Str("name", s.name).
		Str("host", host).
		Int("pid", os.Getpid()).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", os.Getenv("ZAKU_LOG_LEVEL"))
	evt = evt.Dict("daemon", daemonDict)

	if len(s.dirs) > 0 {
		evt = evt.Dict("dirs", dictFromMap(s.dirs))
	}
	if len(s.endpoints) > 0 {
		evt = evt.Dict("endpoints", dictFromMap(s.endpoints))
	}
	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Daemon startup complete")
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
