// Package adb talks to a local adb server over its host protocol.
package adb

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ServerError is a FAIL reply of the adb server.
type ServerError struct {
	Request string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("adb %s: %s", e.Request, e.Message)
}

var errBadStatus = errors.New("unexpected adb status")

// writeRequest frames req with its length as four hex digits.
func writeRequest(w io.Writer, req string) error {
	if len(req) > 0xffff {
		return fmt.Errorf("adb request too long: %d bytes", len(req))
	}
	_, err := fmt.Fprintf(w, "%04x%s", len(req), req)
	return err
}

// readStatus consumes an OKAY or FAIL reply.
func readStatus(r io.Reader, req string) error {
	var status [4]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return fmt.Errorf("read adb status: %w", err)
	}
	switch string(status[:]) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := readHexString(r)
		if err != nil {
			return fmt.Errorf("read adb failure: %w", err)
		}
		return &ServerError{Request: req, Message: msg}
	default:
		return fmt.Errorf("%w %q for %s", errBadStatus, status[:], req)
	}
}

// readHexString reads a payload prefixed with its length as four hex digits.
func readHexString(r io.Reader) (string, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(size[:]), 16, 16)
	if err != nil {
		return "", fmt.Errorf("bad adb length %q: %w", size[:], err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
