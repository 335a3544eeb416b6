package device

import (
	"strconv"
	"strings"
	"time"
)

// Priority is the logcat priority code of a record.
type Priority int

const (
	PriorityUnknown Priority = iota
	PriorityDefault
	PriorityVerbose
	PriorityDebug
	PriorityInfo
	PriorityWarn
	PriorityError
	PriorityFatal
	PrioritySilent
)

var priorityChars = map[Priority]string{
	PriorityUnknown: "UNKNOWN",
	PriorityDefault: "DEFAULT",
	PriorityVerbose: "V",
	PriorityDebug:   "D",
	PriorityInfo:    "I",
	PriorityWarn:    "W",
	PriorityError:   "E",
	PriorityFatal:   "F",
	PrioritySilent:  "SILENT",
}

// Char returns the short form used in formatted lines. Codes outside the
// table fall back to "DEFAULT".
func (p Priority) Char() string {
	if s, ok := priorityChars[p]; ok {
		return s
	}
	return priorityChars[PriorityDefault]
}

// Record is one structured log entry read from a device.
type Record struct {
	Timestamp time.Time
	PID       int
	TID       int
	Priority  Priority
	Tag       string
	Message   string
}

const isoMillis = "2006-01-02T15:04:05.000Z"

// Format renders the record as a single CRLF-terminated line:
//
//	<ISO timestamp> <pid> <tid> <priority> <tag>: <message>\r\n
func (r Record) Format() []byte {
	var b strings.Builder
	b.Grow(len(isoMillis) + len(r.Tag) + len(r.Message) + 32)
	b.WriteString(r.Timestamp.UTC().Format(isoMillis))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(r.PID))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(r.TID))
	b.WriteByte(' ')
	b.WriteString(r.Priority.Char())
	b.WriteByte(' ')
	b.WriteString(r.Tag)
	b.WriteString(": ")
	b.WriteString(r.Message)
	b.WriteString("\r\n")
	return []byte(b.String())
}
