/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package hklog is the structured logger the daemon, its enforcement
// hot path, and the control plane all write through. Every line is
// emitted as an RFC5424 syslog message with the daemon's own name as
// the MSGID-less APP-NAME and the call site as the MSGID, so a line can
// always be traced back to the package that logged it regardless of
// which transport forwards it.
package hklog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

// Level is the severity of a log line. Lines below the logger's
// configured Level are dropped before formatting.
type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
	FATAL
)

func (l Level) String() string {
	switch l {
	case OFF:
		return "OFF"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	case FATAL:
		return "FATAL"
	}
	return "UNKNOWN"
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case OFF:
		return 0
	case DEBUG:
		return rfc5424.Daemon | rfc5424.Debug
	case INFO:
		return rfc5424.Daemon | rfc5424.Info
	case WARN:
		return rfc5424.Daemon | rfc5424.Warning
	case ERROR:
		return rfc5424.Daemon | rfc5424.Error
	case CRITICAL:
		return rfc5424.Daemon | rfc5424.Crit
	case FATAL:
		return rfc5424.Daemon | rfc5424.Emergency
	}
	return rfc5424.Daemon | rfc5424.Debug
}

// LevelFromString parses the case-insensitive level names accepted in
// the daemon's config file.
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "OFF":
		return OFF, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "CRITICAL":
		return CRITICAL, nil
	case "FATAL":
		return FATAL, nil
	}
	return OFF, ErrInvalidLevel
}

var (
	ErrNotOpen      = errors.New("hklog: logger is not open")
	ErrInvalidLevel = errors.New("hklog: invalid log level")
)

const defaultDepth = 3

// Logger is a leveled RFC5424 logger writing to one or more
// io.WriteClosers. The zero value is not usable; construct with New or
// NewFile.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.WriteCloser
	lvl      Level
	hot      bool
	appname  string
	hostname string
}

// New builds a Logger at level INFO writing to wtr. The process name
// and local hostname are used as RFC5424 APP-NAME/HOSTNAME.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		hot:  true,
	}
	l.appname = processName()
	if h, err := os.Hostname(); err == nil {
		l.hostname = h
	}
	return l
}

// NewFile opens (creating if necessary, appending if not) path and
// returns a Logger writing to it.
func NewFile(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

type discardCloser struct{}

func (discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (discardCloser) Close() error                { return nil }

// NewDiscard returns a Logger that drops every line, for tests and for
// components run with logging disabled.
func NewDiscard() *Logger {
	return New(discardCloser{})
}

func processName() string {
	if len(os.Args) == 0 {
		return "hackernel"
	}
	exe := filepath.Base(os.Args[0])
	if ext := filepath.Ext(exe); len(ext) > 0 && len(ext) < len(exe) {
		exe = strings.TrimSuffix(exe, ext)
	}
	return exe
}

// Close closes every writer the logger owns. Further calls return
// ErrNotOpen.
func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.hot = false
	var err error
	for _, w := range l.wtrs {
		if cerr := w.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

// AddWriter fans out subsequent lines to wtr as well.
func (l *Logger) AddWriter(wtr io.WriteCloser) error {
	if wtr == nil {
		return errors.New("hklog: nil writer")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.wtrs = append(l.wtrs, wtr)
	return nil
}

// SetLevel changes the minimum severity that reaches the writers.
func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
}

// SetLevelString is SetLevel via the config-file string form.
func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	return nil
}

// GetLevel reports the logger's current minimum severity.
func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

func (l *Logger) Debugf(f string, args ...interface{}) error { return l.outputf(defaultDepth, DEBUG, f, args...) }
func (l *Logger) Infof(f string, args ...interface{}) error  { return l.outputf(defaultDepth, INFO, f, args...) }
func (l *Logger) Warnf(f string, args ...interface{}) error  { return l.outputf(defaultDepth, WARN, f, args...) }
func (l *Logger) Errorf(f string, args ...interface{}) error { return l.outputf(defaultDepth, ERROR, f, args...) }
func (l *Logger) Criticalf(f string, args ...interface{}) error {
	return l.outputf(defaultDepth, CRITICAL, f, args...)
}

// Fatalf logs at FATAL and then terminates the process. Only the
// daemon's main goroutine should ever call it.
func (l *Logger) Fatalf(f string, args ...interface{}) {
	l.outputf(defaultDepth, FATAL, f, args...)
	os.Exit(1)
}

// Debug, Info, Warn, Error and Critical attach structured key/value
// pairs (see KV, KVErr) instead of formatting them into the message
// text, for lines a log pipeline downstream needs to filter on.
func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(defaultDepth, DEBUG, msg, sds...)
}
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(defaultDepth, INFO, msg, sds...)
}
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(defaultDepth, WARN, msg, sds...)
}
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(defaultDepth, ERROR, msg, sds...)
}
func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(defaultDepth, CRITICAL, msg, sds...)
}

func (l *Logger) outputf(depth int, lvl Level, f string, args ...interface{}) error {
	l.mtx.Lock()
	cur := l.lvl
	l.mtx.Unlock()
	if cur == OFF || lvl < cur {
		return nil
	}
	return l.outputStructured(depth+1, lvl, fmt.Sprintf(f, args...))
}

func (l *Logger) outputStructured(depth int, lvl Level, msg string, sds ...rfc5424.SDParam) error {
	l.mtx.Lock()
	cur, hot := l.lvl, l.hot
	l.mtx.Unlock()
	if cur == OFF || lvl < cur {
		return nil
	}
	if !hot {
		return ErrNotOpen
	}

	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: time.Now(),
		Hostname:  trimTo(255, l.hostname),
		AppName:   trimTo(48, l.appname),
		MessageID: trimTo(32, callLoc(depth)),
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{ID: "hackernel@1", Parameters: sds}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	ln := strings.TrimRight(string(b), "\n\t\r") + "\n"

	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	var werr error
	for _, w := range l.wtrs {
		if _, e := io.WriteString(w, ln); e != nil {
			werr = e
		}
	}
	return werr
}

func callLoc(depth int) string {
	if _, file, line, ok := runtime.Caller(depth); ok {
		dir, f := filepath.Split(file)
		return fmt.Sprintf("%s:%d", filepath.Join(filepath.Base(dir), f), line)
	}
	return ""
}

func trimTo(n int, s string) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
