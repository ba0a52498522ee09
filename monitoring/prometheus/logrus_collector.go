package prometheus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// LogrusCollector is a logrus hook counting emitted log entries by level and
// subsystem prefix. A climbing error count for a prefix is the cheapest
// first signal that a subsystem is unhealthy.
type LogrusCollector struct {
	entries *prometheus.CounterVec
}

var logEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chama_log_entries_total",
	Help: "Count of log entries emitted, by level and subsystem prefix.",
}, []string{"level", "prefix"})

const (
	prefixKey     = "prefix"
	defaultPrefix = "global"
)

// NewLogrusCollector returns a hook backed by the process-wide counter.
// Attach it once with logrus.AddHook at startup.
func NewLogrusCollector() *LogrusCollector {
	return &LogrusCollector{entries: logEntries}
}

// Fire runs on every log call at a subscribed level. Entries without a
// prefix field are counted under "global".
func (hook *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := defaultPrefix
	if v, ok := entry.Data[prefixKey]; ok {
		prefix, ok = v.(string)
		if !ok {
			return errors.New("prefix is not a string")
		}
	}
	hook.entries.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels subscribes the hook to info and above. Debug chatter is not worth
// a label cardinality.
func (_ *LogrusCollector) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}
