package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLogrusCollector_CountsByLevelAndPrefix(t *testing.T) {
	hook := NewLogrusCollector()

	for i := 0; i < 3; i++ {
		require.NoError(t, hook.Fire(&logrus.Entry{Level: logrus.InfoLevel, Data: logrus.Fields{"prefix": "engine"}}))
	}
	require.NoError(t, hook.Fire(&logrus.Entry{Level: logrus.ErrorLevel, Data: logrus.Fields{"prefix": "auditor"}}))
	// An entry without a prefix field lands in the global bucket.
	require.NoError(t, hook.Fire(&logrus.Entry{Level: logrus.WarnLevel, Data: logrus.Fields{}}))

	require.Equal(t, float64(3), testutil.ToFloat64(logEntries.WithLabelValues("info", "engine")))
	require.Equal(t, float64(1), testutil.ToFloat64(logEntries.WithLabelValues("error", "auditor")))
	require.GreaterOrEqual(t, testutil.ToFloat64(logEntries.WithLabelValues("warning", "global")), float64(1))
}

func TestLogrusCollector_RejectsNonStringPrefix(t *testing.T) {
	hook := NewLogrusCollector()
	require.Error(t, hook.Fire(&logrus.Entry{Level: logrus.InfoLevel, Data: logrus.Fields{"prefix": 42}}))
}

func TestLogrusCollector_SkipsDebugChatter(t *testing.T) {
	hook := NewLogrusCollector()
	require.NotContains(t, hook.Levels(), logrus.DebugLevel)
	require.Contains(t, hook.Levels(), logrus.ErrorLevel)
}
