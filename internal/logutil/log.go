// Package logutil configures process-wide logging once, from the
// environment.
package logutil

import (
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

var once sync.Once

// Init sets the global log level and formatter. The level comes from
// FIELDNODE_LOG_LEVEL; FIELDNODE_LOG_FORMAT=json switches to structured
// output for log collectors.
func Init() {
	once.Do(func() {
		levelStr := strings.ToLower(os.Getenv("FIELDNODE_LOG_LEVEL"))
		level, err := log.ParseLevel(levelStr)
		if err != nil {
			level = log.InfoLevel
		}
		log.SetLevel(level)

		if strings.EqualFold(os.Getenv("FIELDNODE_LOG_FORMAT"), "json") {
			log.SetFormatter(&log.JSONFormatter{})
			return
		}
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	})
}
