package trace

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusHook injects trace_id and a space-joined key="value" string of
// whitelisted trace keys into every log entry made with entry.WithContext,
// matching lymph's TraceFormatter (original_source/lymph/core/trace.py).
type LogrusHook struct{}

// NewLogrusHook returns a logrus.Hook suitable for logger.AddHook.
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels implements logrus.Hook.
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	ctx := entry.Context
	if ctx == nil {
		return nil
	}
	id := ID(ctx)
	entry.Data["trace_id"] = id

	t := Get(ctx)
	parts := make([]string, 0, len(logged))
	for _, key := range logged {
		if v, ok := t[key]; ok {
			parts = append(parts, fmt.Sprintf(`%s=%q`, key, fmt.Sprint(v)))
		}
	}
	entry.Data["traceparams"] = strings.Join(parts, " ")
	return nil
}
