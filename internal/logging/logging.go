// Package logging wires logrus the way the teacher's setup package does:
// stdlib log output redirected through logrus, a full-timestamp text
// formatter, and an optional daily-rotated log file.
package logging

import (
	"log"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"
)

// SetupStdLogging redirects anything written with the stdlib "log" package
// (third-party libraries that don't know about logrus) into our logrus
// output, matching the teacher's use of stdemuxerhook.
func SetupStdLogging() {
	logrus.AddHook(stdemuxerhook.NewHook(nil))
	log.SetOutput(logrus.StandardLogger().Writer())
}

// Setup configures the default logger: a full-timestamp text formatter
// (there is no JSON output mode), and a daily-rotated file hook via
// matrix-org/dugong when a log directory is configured.
func Setup(serverName string, logDir string) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if logDir != "" {
		logrus.AddHook(dugong.NewFSHook(
			logDir+"/info.log",
			&logrus.TextFormatter{FullTimestamp: true},
			&dugong.DailyRotationSchedule{GZip: true},
		))
	}
	logrus.WithField("server_name", serverName).Info("logging configured")
}
