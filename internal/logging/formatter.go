// Package logging wires logrus into dlog's context-scoped logger, matching
// the timestamp format to whether output is a terminal, grounded on
// pkg/client/logging/formatter.go and initcontext.go.
package logging

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formatter renders one log line per entry: a timestamp, the message, then
// any structured fields sorted by key.
type Formatter struct {
	timestampFormat string
}

// NewFormatter returns a Formatter using timestampFormat for the leading
// timestamp column.
func NewFormatter(timestampFormat string) *Formatter {
	return &Formatter{timestampFormat: timestampFormat}
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	b.WriteString(entry.Time.Format(f.timestampFormat))
	b.WriteByte(' ')

	var keys []string
	if len(entry.Data) > 0 {
		keys = make([]string, 0, len(entry.Data))
		for k, v := range entry.Data {
			if k == "THREAD" {
				tn, _ := v.(string)
				b.WriteString(strings.TrimPrefix(tn, "/"))
				b.WriteByte(' ')
			} else {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
	}

	b.WriteString(entry.Message)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%+v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}
