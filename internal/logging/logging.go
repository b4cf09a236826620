// Package logging configures the process-wide structured logger. Every
// pipeline stage logs single-line JSON objects so the indexing cron and
// the serving path produce uniformly parseable output.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Log is the application wide logger configured with JSON output.
var Log = logrus.New()

type contextHook struct{}

func (contextHook) Levels() []logrus.Level { return logrus.AllLevels }

func packageFromFunc(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if i := strings.Index(fn, "."); i >= 0 {
		return fn[:i]
	}
	return fn
}

func (contextHook) Fire(e *logrus.Entry) error {
	if e.Caller == nil {
		return nil
	}
	e.Data["svc"] = packageFromFunc(e.Caller.Function)
	e.Data["file"] = fmt.Sprintf("%s:%d", filepath.Base(e.Caller.File), e.Caller.Line)
	return nil
}

func init() {
	Log.SetReportCaller(true)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat:   time.RFC3339Nano,
		DisableHTMLEscape: true,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "event",
		},
		// The hook already records svc/file; suppress the default
		// func/file fields to keep lines compact.
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", ""
		},
	})
	Log.AddHook(contextHook{})
	Log.SetOutput(os.Stdout)

	SetLevel(os.Getenv("LOG_LEVEL"))
}

// SetLevel applies a textual level, defaulting to info on empty or
// unparseable input.
func SetLevel(level string) {
	if level == "" {
		level = "info"
	}
	if lvl, err := logrus.ParseLevel(level); err == nil {
		Log.SetLevel(lvl)
	} else {
		Log.SetLevel(logrus.InfoLevel)
	}
}
