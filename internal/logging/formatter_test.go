package logging

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatterSortsFieldsAndPullsOutThread(t *testing.T) {
	f := NewFormatter("15:04:05.0000")
	entry := &logrus.Entry{
		Time:    time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC),
		Message: "tunnel up",
		Data: logrus.Fields{
			"THREAD": "/dispatcher",
			"iface":  "tun0",
			"attempt": 2,
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	line := string(out)

	assert.Contains(t, line, "10:00:00.0000")
	assert.Contains(t, line, "dispatcher tunnel up")
	assert.Contains(t, line, "attempt=2")
	assert.Contains(t, line, "iface=tun0")
	// Fields sort alphabetically after the message.
	assert.True(t, indexOf(line, "attempt=2") < indexOf(line, "iface=tun0"))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
