package lbconfig

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"socks5-pool/internal/backend"
)

const (
	DefaultStartMarker = "# BEGIN PROXY POOL"
	DefaultEndMarker   = "# END PROXY POOL"
)

var (
	// ErrMarkersNotFound means a marker line is missing or the end marker
	// precedes the start marker.
	ErrMarkersNotFound = errors.New("managed region markers not found")
	// ErrMarkersDuplicated means a marker line appears more than once.
	ErrMarkersDuplicated = errors.New("managed region markers duplicated")
)

// Markers delimit the managed region of the persisted configuration.
type Markers struct {
	Start string
	End   string
}

// DefaultMarkers returns the stock marker pair.
func DefaultMarkers() Markers {
	return Markers{Start: DefaultStartMarker, End: DefaultEndMarker}
}

// region locates the managed span inside a configuration text. All offsets
// are byte offsets into the original text.
type region struct {
	// bodyStart is the first byte after the start marker line.
	bodyStart int
	// bodyEnd is the first byte of the end marker line.
	bodyEnd int
	// indent is the leading whitespace of the start marker line.
	indent string
	// newline is the line terminator used by the start marker line.
	newline string
}

func locate(text []byte, m Markers) (region, error) {
	var (
		startCount, endCount int
		r                    region
		startLine, endLine   = -1, -1
		offset               int
	)

	lines := bytes.SplitAfter(text, []byte("\n"))
	for i, raw := range lines {
		content := strings.TrimSpace(string(raw))
		switch content {
		case m.Start:
			startCount++
			if startLine < 0 {
				startLine = i
				r.bodyStart = offset + len(raw)
				r.indent = leadingWhitespace(string(raw))
				r.newline = lineTerminator(raw)
			}
		case m.End:
			endCount++
			if endLine < 0 {
				endLine = i
				r.bodyEnd = offset
			}
		}
		offset += len(raw)
	}

	if startCount > 1 || endCount > 1 {
		return region{}, fmt.Errorf("%w: start=%d end=%d", ErrMarkersDuplicated, startCount, endCount)
	}
	if startCount == 0 || endCount == 0 {
		return region{}, fmt.Errorf("%w: start=%d end=%d", ErrMarkersNotFound, startCount, endCount)
	}
	if endLine < startLine {
		return region{}, fmt.Errorf("%w: end marker on line %d precedes start marker on line %d", ErrMarkersNotFound, endLine+1, startLine+1)
	}
	// A start marker on the last line without a newline cannot be followed
	// by an end marker, so bodyStart <= bodyEnd holds here.
	return r, nil
}

func leadingWhitespace(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	return line[:len(line)-len(trimmed)]
}

func lineTerminator(line []byte) string {
	if bytes.HasSuffix(line, []byte("\r\n")) {
		return "\r\n"
	}
	return "\n"
}

// FormatInterval renders a check interval the way the server lines carry it:
// whole seconds as "10s", anything else in milliseconds.
func FormatInterval(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
	return strconv.FormatInt(int64(d/time.Millisecond), 10) + "ms"
}

// ParseInterval accepts the forms FormatInterval produces plus bare
// milliseconds.
func ParseInterval(raw string) (time.Duration, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	return d, nil
}

// RenderServerLine renders one member as a server line without indentation
// or terminator.
func RenderServerLine(m backend.Member) string {
	return fmt.Sprintf("server %s %s check inter %s rise %d fall %d",
		m.Name, m.Endpoint.String(), FormatInterval(m.CheckInterval), m.Rise, m.Fall)
}

// ParseServerLine is the inverse of RenderServerLine.
func ParseServerLine(line string) (backend.Member, error) {
	fields := strings.Fields(line)
	if len(fields) != 10 || fields[0] != "server" || fields[3] != "check" ||
		fields[4] != "inter" || fields[6] != "rise" || fields[8] != "fall" {
		return backend.Member{}, fmt.Errorf("malformed server line %q", line)
	}

	endpoint, err := backend.ParseEndpoint(fields[2])
	if err != nil {
		return backend.Member{}, fmt.Errorf("server %s: %w", fields[1], err)
	}
	interval, err := ParseInterval(fields[5])
	if err != nil {
		return backend.Member{}, fmt.Errorf("server %s: %w", fields[1], err)
	}
	if interval <= 0 {
		return backend.Member{}, fmt.Errorf("server %s: interval must be positive", fields[1])
	}
	rise, err := strconv.ParseUint(fields[7], 10, 32)
	if err != nil || rise == 0 {
		return backend.Member{}, fmt.Errorf("server %s: invalid rise %q", fields[1], fields[7])
	}
	fall, err := strconv.ParseUint(fields[9], 10, 32)
	if err != nil || fall == 0 {
		return backend.Member{}, fmt.Errorf("server %s: invalid fall %q", fields[1], fields[9])
	}

	return backend.Member{
		Name:          fields[1],
		Endpoint:      endpoint,
		CheckInterval: interval,
		Rise:          uint(rise),
		Fall:          uint(fall),
	}, nil
}

// ParseRegion reads the members listed in the managed region. Blank lines
// and comment lines inside the region are ignored.
func ParseRegion(text []byte, m Markers) ([]backend.Member, error) {
	r, err := locate(text, m)
	if err != nil {
		return nil, err
	}

	var members []backend.Member
	for _, line := range strings.Split(string(text[r.bodyStart:r.bodyEnd]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		member, err := ParseServerLine(line)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}
