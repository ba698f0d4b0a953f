package session

import (
	"bufio"
	"io"
	"strings"
)

// Control file line tags.
const (
	tagAuthenticated = 'i'
	tagSender        = 's'
	tagSourceHost    = 'f'
	tagRecipient     = 'r'
)

const maxControlLine = 1 << 20

// ScanControlFile applies the lines of one control file to s. Sender and
// source host are overwritten by later files, recipients accumulate across
// all control files of the session.
func ScanControlFile(r io.Reader, s *Session) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxControlLine)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		value := line[1:]
		switch line[0] {
		case tagAuthenticated:
			s.Authenticated = true
		case tagSender:
			s.Sender = value
		case tagSourceHost:
			s.SourceHost = value
		case tagRecipient:
			s.Recipients = append(s.Recipients, value)
		}
	}

	return scanner.Err()
}
