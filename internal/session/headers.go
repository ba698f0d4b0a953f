package session

import (
	"bufio"
	"io"
	"strings"
)

const (
	receivedHeader    = "Received:"
	receivedSPFHeader = "Received-SPF:"
	authMarker        = "(AUTH: "
	mailFromSPFMarker = "SPF=MAILFROM;"
)

// HeaderFacts is what the header scan of a message file yields.
type HeaderFacts struct {
	Authenticated bool
	SPF           SPFVerdict
}

// ScanHeaders reads the header section of a message. Header names are
// matched case-sensitively since Courier writes them itself.
func ScanHeaders(r io.Reader) HeaderFacts {
	facts := HeaderFacts{SPF: SPFNone}
	br := bufio.NewReader(r)
	firstReceived := true

	for {
		header, err := readHeaderLine(br)
		if header == "" {
			// end of headers, or nothing left to read
			return facts
		}

		// unfold continuation lines
		for {
			next, peekErr := br.Peek(1)
			if peekErr != nil || (next[0] != ' ' && next[0] != '\t') {
				break
			}
			continuation, _ := readHeaderLine(br)
			header += continuation
		}

		if firstReceived && strings.HasPrefix(header, receivedHeader) {
			if strings.Contains(header, authMarker) {
				facts.Authenticated = true
			}
			firstReceived = false
		}

		if strings.HasPrefix(header, receivedSPFHeader) && strings.Contains(header, mailFromSPFMarker) {
			fields := strings.Fields(header[len(receivedSPFHeader):])
			if len(fields) > 0 {
				if verdict, ok := ParseSPFVerdict(fields[0]); ok {
					facts.SPF = verdict
				}
			}
		}

		if err != nil {
			return facts
		}
	}
}

func readHeaderLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, err
}
