package logutil

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"
)

var jsonMode atomic.Bool

func init() {
	if os.Getenv("POOLCLUSTER_LOG_JSON") == "1" || os.Getenv("POOLCLUSTER_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
}

func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// Component returns a logger writing to the same sink as l, tagged with the
// component name (e.g. "cluster", "pool").
func Component(l *log.Logger, name string) *log.Logger {
	if l == nil {
		l = log.Default()
	}
	return log.New(l.Writer(), l.Prefix()+"["+name+"] ", l.Flags())
}

func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

func logf(l *log.Logger, level, f string, args ...any) {
	if l == nil {
		l = log.Default()
	}
	msg := fmt.Sprintf(f, args...)
	if jsonMode.Load() {
		evt := map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": level,
			"msg":   msg,
		}
		if p := l.Prefix(); p != "" {
			evt["component"] = p
		}
		b, _ := json.Marshal(evt)
		l.Writer().Write(append(b, '\n'))
		return
	}
	switch level {
	case "info":
		l.Print("INFO " + msg)
	case "warn":
		l.Print("WARN " + msg)
	default:
		l.Print("ERROR " + msg)
	}
}
