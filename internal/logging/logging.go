// Package logging builds the process logger for the cfddns command.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gologme/log"
	gsyslog "github.com/hashicorp/go-syslog"
)

// Levels in order of increasing verbosity.
var Levels = [...]string{"error", "warn", "info", "debug", "trace"}

// New returns a logger writing to dest, which is "stdout", "syslog" or a file path.
// Files are appended to and mirrored to stdout.
// The returned closer releases the destination and is never nil.
func New(dest string) (*log.Logger, io.Closer, error) {
	switch dest {
	case "", "stdout":
		return log.New(&LineWriter{W: os.Stdout}, "", 0), nopCloser{}, nil

	case "syslog":
		syslogger, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, "DAEMON", "cfddns")
		if err != nil {
			return nil, nil, fmt.Errorf("error connecting to syslog: %w", err)
		}
		// syslog stamps its own time.
		return log.New(syslogger, "", 0), syslogger, nil

	default:
		logfd, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening log file: %w", err)
		}
		return log.New(&LineWriter{W: io.MultiWriter(logfd, os.Stdout)}, "", 0), logfd, nil
	}
}

// SetLogLevel enables every level up to and including loglevel.
// Unknown levels fall back to info.
func SetLogLevel(loglevel string, logger *log.Logger) {
	loglevel = strings.ToLower(loglevel)

	contains := func() bool {
		for _, l := range Levels {
			if l == loglevel {
				return true
			}
		}
		return false
	}

	requested := loglevel
	if !contains() {
		loglevel = "info"
	}

	for _, l := range Levels {
		logger.EnableLevel(l)
		if l == loglevel {
			break
		}
	}
	if requested != loglevel {
		logger.Warnf("unknown log level %q; using info", requested)
	}
}

// LineWriter prefixes every line written through it with "[YYYY-MM-DD HH:MM:SS] ".
// Partial lines are buffered until their newline arrives.
type LineWriter struct {
	W   io.Writer
	Now func() time.Time

	mu  sync.Mutex
	buf []byte
}

func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			break
		}
		line := lw.buf[:i+1]
		if _, err := fmt.Fprintf(lw.W, "%s%s", lw.stamp(), line); err != nil {
			return 0, err
		}
		lw.buf = lw.buf[i+1:]
	}
	if len(lw.buf) == 0 {
		lw.buf = nil
	}
	return len(p), nil
}

func (lw *LineWriter) stamp() string {
	now := time.Now
	if lw.Now != nil {
		now = lw.Now
	}
	return now().Format("[2006-01-02 15:04:05] ")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
