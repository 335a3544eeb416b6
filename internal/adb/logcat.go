package adb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/devicemux/backend/internal/device"
)

// v1 entries carry no header size and use this fixed layout:
// len u16, pad u16, pid i32, tid i32, sec i32, nsec i32.
const legacyHeaderSize = 20

var errTruncatedEntry = errors.New("truncated logcat entry")

// logcatReader decodes the binary output of `logcat -B`.
type logcatReader struct {
	r *bufio.Reader
	c io.Closer
}

func newLogcatReader(rc io.ReadCloser) *logcatReader {
	return &logcatReader{r: bufio.NewReaderSize(rc, 64<<10), c: rc}
}

// Next returns the next entry, or io.EOF once the device closed the stream
// between entries.
func (l *logcatReader) Next() (device.Record, error) {
	var head [4]byte
	if _, err := io.ReadFull(l.r, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return device.Record{}, errTruncatedEntry
		}
		return device.Record{}, err
	}
	payloadLen := int(binary.LittleEndian.Uint16(head[0:2]))
	hdrSize := int(binary.LittleEndian.Uint16(head[2:4]))
	if hdrSize == 0 {
		hdrSize = legacyHeaderSize
	}
	if hdrSize < legacyHeaderSize {
		return device.Record{}, fmt.Errorf("logcat header size %d too small", hdrSize)
	}

	hdr := make([]byte, hdrSize-4+payloadLen)
	if _, err := io.ReadFull(l.r, hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return device.Record{}, errTruncatedEntry
		}
		return device.Record{}, err
	}

	pid := int32(binary.LittleEndian.Uint32(hdr[0:4]))
	tid := int32(binary.LittleEndian.Uint32(hdr[4:8]))
	sec := int64(binary.LittleEndian.Uint32(hdr[8:12]))
	nsec := int64(binary.LittleEndian.Uint32(hdr[12:16]))

	rec := device.Record{
		Timestamp: time.Unix(sec, nsec).UTC(),
		PID:       int(pid),
		TID:       int(tid),
	}
	parsePayload(hdr[hdrSize-4:], &rec)
	return rec, nil
}

func (l *logcatReader) Close() error { return l.c.Close() }

// parsePayload splits "prio tag\0 message\0".
func parsePayload(p []byte, rec *device.Record) {
	if len(p) == 0 {
		return
	}
	rec.Priority = device.Priority(p[0])
	p = p[1:]

	tag, msg, found := bytes.Cut(p, []byte{0})
	rec.Tag = string(tag)
	if !found {
		return
	}
	msg = bytes.TrimRight(msg, "\x00")
	rec.Message = string(bytes.TrimRight(msg, "\n"))
}
