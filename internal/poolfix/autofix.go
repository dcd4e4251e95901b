package poolfix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"socks5-pool/internal/backend"
	"socks5-pool/internal/lbconfig"
)

const (
	DefaultConfigPath     = "pool.cfg"
	DefaultBackendName    = "socks_proxies"
	DefaultSkeletonListen = "0.0.0.0:1080"
	defaultIndent         = "    "
)

// Options control how a configuration file is prepared for pool management.
type Options struct {
	Markers         lbconfig.Markers
	Backend         string
	SkeletonListen  string
	BackupRetention int
	// Check fills in health parameters missing from adopted server lines.
	Check backend.CheckSettings
}

type Result struct {
	Path       string
	Created    bool
	Changed    bool
	Adopted    int
	BackupPath string
	Messages   []string
}

// Run makes configPath ready for the refresh cycle: a missing file gets the
// skeleton, a file without markers gets a managed region at the end of the
// backend section with that section's server lines moved inside it. A file
// whose managed region already parses is left alone, so Run is idempotent.
func Run(configPath string, opts Options, logger zerolog.Logger) (Result, error) {
	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	if opts.Markers == (lbconfig.Markers{}) {
		opts.Markers = lbconfig.DefaultMarkers()
	}
	if strings.TrimSpace(opts.Backend) == "" {
		opts.Backend = DefaultBackendName
	}
	if opts.SkeletonListen == "" {
		opts.SkeletonListen = DefaultSkeletonListen
	}
	if opts.Check.Interval <= 0 {
		opts.Check = backend.DefaultCheckSettings()
	}

	result := Result{Path: configPath}
	store := lbconfig.NewFileStore(configPath, opts.BackupRetention)

	content, exists, err := store.Load()
	if err != nil {
		return result, err
	}

	if !exists {
		if err := store.Write(lbconfig.Skeleton(opts.Markers, opts.SkeletonListen)); err != nil {
			return result, err
		}
		result.Created = true
		result.Changed = true
		result.note(logger, "created %s from skeleton", configPath)
		return result, nil
	}

	members, err := lbconfig.ParseRegion(content, opts.Markers)
	switch {
	case err == nil:
		result.note(logger, "%s already managed (%d members), nothing to do", configPath, len(members))
		return result, nil
	case errors.Is(err, lbconfig.ErrMarkersNotFound):
	default:
		return result, fmt.Errorf("%s needs manual repair: %w", configPath, err)
	}

	fixed, adopted, err := insertRegion(content, opts)
	if err != nil {
		return result, err
	}
	if _, err := lbconfig.ParseRegion(fixed, opts.Markers); err != nil {
		return result, fmt.Errorf("adopted configuration does not parse: %w", err)
	}

	backupPath, err := store.Backup(content)
	if err != nil {
		return result, err
	}
	if err := store.Write(fixed); err != nil {
		return result, err
	}

	result.Changed = true
	result.Adopted = adopted
	result.BackupPath = backupPath
	result.note(logger, "inserted pool markers into backend %s, adopted %d server lines", opts.Backend, adopted)
	return result, nil
}

func (r *Result) note(logger zerolog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Info().Str("path", r.Path).Msg(msg)
	r.Messages = append(r.Messages, msg)
}

// insertRegion returns content with an empty-or-adopted managed region placed
// after the last non-blank line of the named backend section.
func insertRegion(content []byte, opts Options) ([]byte, int, error) {
	newline := "\n"
	if strings.Contains(string(content), "\r\n") {
		newline = "\r\n"
	}
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")

	header := -1
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "backend" && fields[1] == opts.Backend && !startsIndented(line) {
			header = i
			break
		}
	}
	if header < 0 {
		return nil, 0, fmt.Errorf("backend section %q not found", opts.Backend)
	}

	end := len(lines)
	for i := header + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "" && !startsIndented(lines[i]) {
			end = i
			break
		}
	}

	indent := ""
	var kept, servers []string
	for _, line := range lines[header+1 : end] {
		trimmed := strings.TrimSpace(line)
		if indent == "" && trimmed != "" {
			indent = line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		}
		if strings.HasPrefix(trimmed, "server ") {
			m, err := adoptServerLine(trimmed, opts.Check)
			if err != nil {
				return nil, 0, err
			}
			servers = append(servers, lbconfig.RenderServerLine(m))
			continue
		}
		kept = append(kept, line)
	}
	if indent == "" {
		indent = defaultIndent
	}

	// Trailing blank lines stay after the region.
	last := len(kept)
	for last > 0 && strings.TrimSpace(kept[last-1]) == "" {
		last--
	}

	section := make([]string, 0, len(kept)+len(servers)+2)
	section = append(section, kept[:last]...)
	section = append(section, indent+opts.Markers.Start)
	for _, s := range servers {
		section = append(section, indent+s)
	}
	section = append(section, indent+opts.Markers.End)
	section = append(section, kept[last:]...)

	out := make([]string, 0, len(lines)+2)
	out = append(out, lines[:header+1]...)
	out = append(out, section...)
	out = append(out, lines[end:]...)
	return []byte(strings.Join(out, newline)), len(servers), nil
}

func startsIndented(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}

// adoptServerLine accepts any "server <name> <host:port> ..." line and keeps
// the inter/rise/fall options it recognises.
func adoptServerLine(line string, check backend.CheckSettings) (backend.Member, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return backend.Member{}, fmt.Errorf("cannot adopt %q: missing address", line)
	}
	endpoint, err := backend.ParseEndpoint(fields[2])
	if err != nil {
		return backend.Member{}, fmt.Errorf("cannot adopt %q: %w", line, err)
	}

	m := backend.Member{
		Name:          fields[1],
		Endpoint:      endpoint,
		CheckInterval: check.Interval,
		Rise:          check.Rise,
		Fall:          check.Fall,
	}
	for i := 3; i+1 < len(fields); i++ {
		switch fields[i] {
		case "inter":
			if d, err := lbconfig.ParseInterval(fields[i+1]); err == nil && d > 0 {
				m.CheckInterval = d
			}
		case "rise":
			if n, err := strconv.ParseUint(fields[i+1], 10, 32); err == nil && n > 0 {
				m.Rise = uint(n)
			}
		case "fall":
			if n, err := strconv.ParseUint(fields[i+1], 10, 32); err == nil && n > 0 {
				m.Fall = uint(n)
			}
		}
	}
	return m, nil
}
