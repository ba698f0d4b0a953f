// Package whitelist loads the list of client networks that bypass greylisting.
package whitelist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/c-robinson/iplib"
	"github.com/charmbracelet/log"

	"github.com/mawis/couriergrey/internal/address"
)

// Matcher is the read-only capability the greylisting decision depends on.
type Matcher interface {
	IsWhitelisted(addressText string) (bool, error)
}

// Entry is one whitelisted network.
type Entry struct {
	Network      address.Addr
	PrefixLength int
}

func (e Entry) String() string {
	return fmt.Sprintf("%s/%d", e.Network, e.PrefixLength)
}

func (e Entry) block() iplib.Net6 {
	return iplib.NewNet6(e.Network.IP(), e.PrefixLength, 0)
}

// FirstAddress is the lowest address the entry covers.
func (e Entry) FirstAddress() address.Addr {
	return blockAddr(e.block().FirstAddress())
}

// LastAddress is the highest address the entry covers.
func (e Entry) LastAddress() address.Addr {
	return blockAddr(e.block().LastAddress())
}

// HasHostBits reports whether the entry was written with bits set beyond its
// prefix, like 10.1.2.3/16.
func (e Entry) HasHostBits() bool {
	return e.FirstAddress() != e.Network
}

func blockAddr(ip net.IP) address.Addr {
	a, _ := address.FromIP(ip)
	return a
}

// Whitelist is immutable after construction and safe for concurrent use.
type Whitelist struct {
	entries []Entry
}

// Load reads the whitelist file at path. A missing file yields an empty
// whitelist.
func Load(path string) (*Whitelist, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("Whitelist file not found, continuing without whitelist", "path", path)
			return &Whitelist{}, nil
		}
		return nil, fmt.Errorf("whitelist: open %s: %w", path, err)
	}
	defer f.Close()

	wl, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("whitelist: read %s: %w", path, err)
	}

	log.Info("Whitelist loaded", "path", path, "entries", len(wl.entries))
	return wl, nil
}

// Parse reads whitelist lines from r. Lines that cannot be parsed are logged
// and skipped.
func Parse(r io.Reader) (*Whitelist, error) {
	wl := &Whitelist{}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++

		entry, ok, err := parseLine(scanner.Text())
		if err != nil {
			log.Warn("Skipping whitelist line that could not be parsed as address", "line", lineNo, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if entry.HasHostBits() {
			log.Warn("Whitelist entry has host bits set", "line", lineNo, "entry", entry, "network", entry.FirstAddress())
		}
		wl.entries = append(wl.entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return wl, nil
}

// parseLine returns ok=false for blank and comment-only lines.
func parseLine(line string) (Entry, bool, error) {
	if hash := strings.IndexByte(line, '#'); hash != -1 {
		line = line[:hash]
	}
	line = strings.Trim(line, " \t")
	if line == "" {
		return Entry{}, false, nil
	}

	prefix := address.MaxPrefixLength
	explicitPrefix := false
	if slash := strings.IndexByte(line, '/'); slash != -1 {
		n, err := leadingInt(line[slash+1:])
		if err != nil {
			return Entry{}, false, fmt.Errorf("%q: %w", line, err)
		}
		prefix = n
		explicitPrefix = true
		line = line[:slash]
	}

	// Classful shorthand: "10" is 10.0.0.0/8, "10.1" is 10.1.0.0/16 and so on.
	if !explicitPrefix && !strings.Contains(line, ":") {
		dots := strings.Count(line, ".")
		if dots < 3 {
			prefix -= 8 * (3 - dots)
			line += strings.Repeat(".0", 3-dots)
		}
	}

	network, err := address.Parse(line)
	if err != nil {
		return Entry{}, false, err
	}

	if network.IsIPv4Mapped() && prefix <= 32 {
		prefix += address.IPv4MappedOffset
	}
	prefix = max(0, min(prefix, address.MaxPrefixLength))

	return Entry{Network: network, PrefixLength: prefix}, true, nil
}

// leadingInt parses an optionally signed decimal prefix of s, ignoring any
// trailing characters.
func leadingInt(s string) (int, error) {
	s = strings.TrimLeft(s, " \t")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, fmt.Errorf("%w: missing prefix length", address.ErrInvalidArgument)
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", address.ErrInvalidArgument, err)
	}
	return n, nil
}

// IsWhitelisted reports whether addressText falls into any whitelisted
// network. It returns address.ErrInvalidAddress if addressText is not an
// address.
func (wl *Whitelist) IsWhitelisted(addressText string) (bool, error) {
	parsed, err := address.Parse(addressText)
	if err != nil {
		return false, err
	}

	for _, e := range wl.entries {
		same, err := address.SameNetwork(parsed, e.Network, e.PrefixLength)
		if err != nil {
			return false, err
		}
		if same {
			return true, nil
		}
	}
	return false, nil
}

// Entries returns a copy of the parsed entries in file order.
func (wl *Whitelist) Entries() []Entry {
	return append([]Entry(nil), wl.entries...)
}

func (wl *Whitelist) Len() int {
	return len(wl.entries)
}

// Dump writes the parsed whitelist in address/prefix form, each entry followed
// by the address range it covers.
func (wl *Whitelist) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "Dumping parsed whitelist:")
	for _, e := range wl.entries {
		fmt.Fprintf(bw, "%s\t%s - %s\n", e, e.FirstAddress(), e.LastAddress())
	}
	fmt.Fprintln(bw, "***** END *****")
	return bw.Flush()
}
