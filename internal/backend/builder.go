package backend

import (
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNoValidEndpoints is returned when no fetched line parses as host:port.
var ErrNoValidEndpoints = errors.New("no valid endpoints in proxy list")

// Builder turns raw proxy list lines into ordered pool members.
type Builder struct {
	Settings CheckSettings
	Logger   zerolog.Logger
}

// NewBuilder creates a Builder. Zero-valued settings fall back to the defaults.
func NewBuilder(settings CheckSettings, logger zerolog.Logger) *Builder {
	defaults := DefaultCheckSettings()
	if settings.Interval <= 0 {
		settings.Interval = defaults.Interval
	}
	if settings.Rise == 0 {
		settings.Rise = defaults.Rise
	}
	if settings.Fall == 0 {
		settings.Fall = defaults.Fall
	}
	return &Builder{Settings: settings, Logger: logger}
}

// Build reverses the fetched order so that the last (freshest) entry becomes
// proxy1, drops lines that are not host:port, and drops repeated endpoints
// after their first occurrence in the reversed order.
func (b *Builder) Build(lines []string) ([]Member, error) {
	members := make([]Member, 0, len(lines))
	seen := make(map[string]bool, len(lines))
	rejected := 0

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "#") {
			continue
		}

		endpoint, err := ParseEndpoint(line)
		if err != nil {
			rejected++
			b.Logger.Warn().Int("line", i+1).Err(err).Msg("dropping invalid proxy list entry")
			continue
		}

		key := endpoint.String()
		if seen[key] {
			b.Logger.Warn().Int("line", i+1).Str("endpoint", key).Msg("dropping duplicate proxy list entry")
			continue
		}
		seen[key] = true

		members = append(members, Member{
			Name:          MemberName(len(members) + 1),
			Endpoint:      endpoint,
			CheckInterval: b.Settings.Interval,
			Rise:          b.Settings.Rise,
			Fall:          b.Settings.Fall,
		})
	}

	if len(members) == 0 {
		return nil, ErrNoValidEndpoints
	}

	b.Logger.Debug().Int("members", len(members)).Int("rejected", rejected).Msg("built backend pool")
	return members, nil
}

// Endpoints returns the member endpoints in member order.
func Endpoints(members []Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Endpoint.String()
	}
	return out
}
