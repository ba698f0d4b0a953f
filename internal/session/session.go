// Package session decodes the request Courier hands to a filter: the message
// file, the control files of every recipient batch, and the facts greylisting
// needs from them.
package session

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

var ErrEmptyRequest = errors.New("session: request did not name a message file")

// SPFVerdict is the SPF result Courier recorded for the envelope sender.
type SPFVerdict int

const (
	SPFNone SPFVerdict = iota
	SPFPass
	SPFFail
	SPFSoftFail
	SPFNeutral
	SPFTempError
	SPFPermError
)

var spfTokens = map[string]SPFVerdict{
	"pass":      SPFPass,
	"fail":      SPFFail,
	"softfail":  SPFSoftFail,
	"neutral":   SPFNeutral,
	"none":      SPFNone,
	"temperror": SPFTempError,
	"permerror": SPFPermError,
}

func (v SPFVerdict) String() string {
	for token, verdict := range spfTokens {
		if verdict == v {
			return token
		}
	}
	return "unknown"
}

// ParseSPFVerdict matches token case-sensitively against the known results.
func ParseSPFVerdict(token string) (SPFVerdict, bool) {
	v, ok := spfTokens[token]
	return v, ok
}

// Session holds everything known about one message once parsing completes.
type Session struct {
	MessageFile  string
	ControlFiles []string

	Sender        string
	SourceHost    string
	Recipients    []string
	Authenticated bool
	SPF           SPFVerdict
}

// FileOpener opens the files named in a request.
type FileOpener interface {
	Open(name string) (io.ReadCloser, error)
}

// OSFileOpener reads from the local filesystem.
type OSFileOpener struct{}

func (OSFileOpener) Open(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

// Parse builds a Session from the request lines. The first line names the
// message file, every following non-blank line names a control file. Files
// that cannot be opened contribute nothing.
func Parse(lines []string, opener FileOpener) (*Session, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyRequest
	}
	if opener == nil {
		opener = OSFileOpener{}
	}

	s := &Session{MessageFile: lines[0]}

	if f, err := opener.Open(s.MessageFile); err != nil {
		log.Warn("Cannot open message file", "path", s.MessageFile, "error", err)
	} else {
		facts := ScanHeaders(f)
		f.Close()

		if facts.Authenticated {
			s.Authenticated = true
		}
		s.SPF = facts.SPF
	}

	for _, name := range lines[1:] {
		if strings.TrimSpace(name) == "" {
			continue
		}
		s.ControlFiles = append(s.ControlFiles, name)

		f, err := opener.Open(name)
		if err != nil {
			log.Warn("Cannot open control file", "path", name, "error", err)
			continue
		}
		if err := ScanControlFile(f, s); err != nil {
			log.Warn("Error reading control file", "path", name, "error", err)
		}
		f.Close()
	}

	return s, nil
}
