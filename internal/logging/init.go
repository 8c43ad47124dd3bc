package logging

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/datawire/dlib/dlog"
)

// InitContext sets up a logrus logger for the named process (e.g. "daemon"),
// writing to a file under logDir unless stdout is a terminal, then wraps it
// into a dlog context the rest of the daemon logs through exclusively.
func InitContext(ctx context.Context, name, logDir, level string) (context.Context, error) {
	logger := logrus.StandardLogger()
	logger.SetLevel(logrus.InfoLevel)
	logger.ReportCaller = false

	if term.IsTerminal(int(os.Stdout.Fd())) {
		logger.Formatter = NewFormatter("15:04:05.0000")
	} else {
		logger.Formatter = NewFormatter("2006-01-02 15:04:05.0000")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return ctx, fmt.Errorf("logging: create log dir %s: %w", logDir, err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, name+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return ctx, fmt.Errorf("logging: open log file: %w", err)
		}
		logger.SetOutput(f)

		log.SetOutput(logger.Writer())
		log.SetPrefix("stdlog : ")
		log.SetFlags(0)
	}

	ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	} else {
		dlog.Warnf(ctx, "logging: unrecognized level %q, keeping info", level)
	}
	return ctx, nil
}
