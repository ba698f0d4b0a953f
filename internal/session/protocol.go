package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	readChunkSize  = 1024
	maxRequestSize = 64 << 10
)

var requestTerminator = []byte("\n\n")

// ReadRequest reads newline-terminated file names from r until an empty line
// ends the request. If the peer closes the connection or a read fails first,
// the lines received so far are returned, together with the read error for
// anything other than io.EOF.
func ReadRequest(r io.Reader) ([]string, error) {
	var (
		data    []byte
		readErr error
	)

	buf := make([]byte, readChunkSize)
	for !bytes.Contains(data, requestTerminator) {
		n, err := r.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = fmt.Errorf("session: read request: %w", err)
			}
			break
		}
		if len(data) >= maxRequestSize {
			readErr = fmt.Errorf("session: request exceeds %d bytes", maxRequestSize)
			break
		}
	}

	if len(data) == 0 {
		return nil, readErr
	}
	if end := bytes.Index(data, requestTerminator); end != -1 {
		data = data[:end+1]
	}

	text := strings.TrimSuffix(string(data), "\n")
	return strings.Split(text, "\n"), readErr
}
