package svox

import (
	"fmt"
	"log"
	"time"

	"github.com/natefinch/lumberjack"
)

type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

// Mode is the severity gate for this process' log messages.
var mode ModeFlag

type stdLogger struct {
	*lumberjack.Logger
}

var logger stdLogger

// LogConfig holds file logging settings, decodable from the daemon TOML.
type LogConfig struct {
	Logfile string
	MaxSize int `toml:"max_log_size"`
	MaxAge  int `toml:"max_log_age"`
}

// SetLogger directs log messages to a rotating log file.  With an empty
// Logfile, messages keep going to stdout via the standard log package.
func (c *LogConfig) SetLogger() {
	if c == nil || c.Logfile == "" {
		Infof("Sending log messages to stdout since no log file specified.")
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
	log.SetOutput(l)
	logger = stdLogger{l}
}

// SetLogMode sets the severity required for a log message to be printed.
// For example, SetLogMode(svox.WarningMode) will log any calls using
// Warningf, Errorf, or Criticalf.  To turn off all logging, use SilentMode.
func SetLogMode(newMode ModeFlag) {
	mode = newMode
}

func (slog stdLogger) printf(level, format string, args ...interface{}) {
	if slog.Logger != nil {
		slog.Write([]byte(level + fmt.Sprintf(format, args...)))
	} else {
		log.Printf(level+format, args...)
	}
}

// Debugf formats its arguments analogous to fmt.Printf and records the text
// as a log message at Debug level.
func Debugf(format string, args ...interface{}) {
	if mode <= DebugMode {
		logger.printf("   DEBUG ", format, args...)
	}
}

// Infof is like Debugf, but at Info level.
func Infof(format string, args ...interface{}) {
	if mode <= InfoMode {
		logger.printf("    INFO ", format, args...)
	}
}

// Warningf is like Debugf, but at Warning level.
func Warningf(format string, args ...interface{}) {
	if mode <= WarningMode {
		logger.printf(" WARNING ", format, args...)
	}
}

// Errorf is like Debugf, but at Error level.
func Errorf(format string, args ...interface{}) {
	if mode <= ErrorMode {
		logger.printf("   ERROR ", format, args...)
	}
}

// Criticalf is like Debugf, but at Critical level.
func Criticalf(format string, args ...interface{}) {
	if mode <= CriticalMode {
		logger.printf("CRITICAL ", format, args...)
	}
}

// LogShutdown closes the log file, if any.
func LogShutdown() {
	if logger.Logger != nil {
		logger.Close()
	}
}

// TimeLog appends elapsed time to logging.
// Example:
//
//	mylog := NewTimeLog()
//	...
//	mylog.Infof("stuff happened")  // Appends elapsed time from NewTimeLog() to message.
type TimeLog struct {
	start time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{time.Now()}
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	Debugf(format+": %s\n", append(args, time.Since(t.start))...)
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	Infof(format+": %s\n", append(args, time.Since(t.start))...)
}

func (t TimeLog) Errorf(format string, args ...interface{}) {
	Errorf(format+": %s\n", append(args, time.Since(t.start))...)
}
