package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Init options for logging.
type Options struct {

	// Level of the application log: debug, info, warn or error.
	// Defaults to info. Invalid values fall back to info.
	Level string

	// Output for the application log entries, when nil, os.Stderr is
	// used.
	Output io.Writer

	// When set, the application log is written as JSON.
	JSONEnabled bool

	// Output for the access log entries, when nil, os.Stderr is used.
	AccessLogOutput io.Writer

	// When set, no access log is printed.
	AccessLogDisabled bool
}

// Init initializes the application and access logs.
func Init(o Options) {
	if o.Output != nil {
		logrus.SetOutput(o.Output)
	}

	if o.JSONEnabled {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(o.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	logrus.SetLevel(level)

	if !o.AccessLogDisabled {
		if o.AccessLogOutput == nil {
			o.AccessLogOutput = os.Stderr
		}

		initAccessLog(o.AccessLogOutput)
	}
}

func initAccessLog(output io.Writer) {
	l := logrus.New()
	l.Formatter = &logrus.JSONFormatter{TimestampFormat: dateFormat}
	l.Out = output
	l.Level = logrus.InfoLevel
	accessLog = l
}
