package lbconfig

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"socks5-pool/internal/backend"
)

const sampleConfig = `global
    maxconn 2048

backend socks_proxies
    balance roundrobin
    # BEGIN PROXY POOL
    server stale 9.9.9.9:1080 check inter 10s rise 2 fall 3
    # END PROXY POOL

listen stats
    bind 127.0.0.1:8404
`

func mustBuild(t *testing.T, lines ...string) []backend.Member {
	t.Helper()
	b := backend.NewBuilder(backend.CheckSettings{}, zerolog.Nop())
	members, err := b.Build(lines)
	if err != nil {
		t.Fatalf("build members: %v", err)
	}
	return members
}

func TestMaterializeEndToEndScenario(t *testing.T) {
	mz := NewMaterializer(DefaultMarkers())
	members := mustBuild(t, strings.Split("1.2.3.4:1080\n5.6.7.8:1080", "\n")...)

	out, err := mz.Materialize([]byte(sampleConfig), members)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	want := strings.Replace(sampleConfig,
		"    server stale 9.9.9.9:1080 check inter 10s rise 2 fall 3\n",
		"    server proxy1 5.6.7.8:1080 check inter 10s rise 2 fall 3\n"+
			"    server proxy2 1.2.3.4:1080 check inter 10s rise 2 fall 3\n", 1)
	if string(out) != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", out, want)
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	mz := NewMaterializer(DefaultMarkers())
	members := mustBuild(t, "1.2.3.4:1080", "5.6.7.8:1080", "[::1]:9050")

	first, err := mz.Materialize([]byte(sampleConfig), members)
	if err != nil {
		t.Fatalf("first Materialize failed: %v", err)
	}
	second, err := mz.Materialize(first, members)
	if err != nil {
		t.Fatalf("second Materialize failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("materialize is not idempotent:\n%s\n---\n%s", first, second)
	}

	again, err := mz.Materialize([]byte(sampleConfig), members)
	if err != nil {
		t.Fatalf("third Materialize failed: %v", err)
	}
	if !bytes.Equal(first, again) {
		t.Fatalf("same input produced different output")
	}
}

func TestMaterializePreservesOutsideBytes(t *testing.T) {
	mz := NewMaterializer(DefaultMarkers())
	input := "a\r\n  # BEGIN PROXY POOL\r\n  junk\r\n  # END PROXY POOL\r\ntail without newline"

	out, err := mz.Materialize([]byte(input), mustBuild(t, "1.2.3.4:1080"))
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	want := "a\r\n  # BEGIN PROXY POOL\r\n  server proxy1 1.2.3.4:1080 check inter 10s rise 2 fall 3\r\n  # END PROXY POOL\r\ntail without newline"
	if string(out) != want {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestMaterializeMarkerErrors(t *testing.T) {
	mz := NewMaterializer(DefaultMarkers())
	members := mustBuild(t, "1.2.3.4:1080")

	cases := []struct {
		name  string
		input string
		want  error
	}{
		{"missing start", "x\n# END PROXY POOL\n", ErrMarkersNotFound},
		{"missing end", "# BEGIN PROXY POOL\nx\n", ErrMarkersNotFound},
		{"missing both", "global\n", ErrMarkersNotFound},
		{"out of order", "# END PROXY POOL\n# BEGIN PROXY POOL\n", ErrMarkersNotFound},
		{"duplicate start", "# BEGIN PROXY POOL\n# BEGIN PROXY POOL\n# END PROXY POOL\n", ErrMarkersDuplicated},
		{"duplicate end", "# BEGIN PROXY POOL\n# END PROXY POOL\n# END PROXY POOL\n", ErrMarkersDuplicated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := mz.Materialize([]byte(tc.input), members)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if out != nil {
				t.Fatalf("expected no output on error, got %q", out)
			}
		})
	}
}

func TestSkeletonHasEmptyManagedRegion(t *testing.T) {
	text := Skeleton(DefaultMarkers(), "127.0.0.1:10800")

	members, err := ParseRegion(text, DefaultMarkers())
	if err != nil {
		t.Fatalf("ParseRegion failed: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty region, got %d members", len(members))
	}
	if !bytes.Contains(text, []byte("bind 127.0.0.1:10800")) {
		t.Fatalf("skeleton missing listen address:\n%s", text)
	}
}

func TestParseRegionRoundTrip(t *testing.T) {
	mz := NewMaterializer(DefaultMarkers())
	members := mustBuild(t, "1.2.3.4:1080", "5.6.7.8:1080")
	members[0].CheckInterval = 1500 * time.Millisecond

	out, err := mz.Materialize(Skeleton(DefaultMarkers(), ":1"), members)
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	parsed, err := mz.Members(out)
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(parsed) != len(members) {
		t.Fatalf("expected %d members, got %d", len(members), len(parsed))
	}
	for i := range members {
		if parsed[i] != members[i] {
			t.Fatalf("member %d mismatch: %+v vs %+v", i, parsed[i], members[i])
		}
	}
}

func TestParseServerLineRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		"server proxy1 1.2.3.4:1080",
		"server proxy1 1.2.3.4 check inter 10s rise 2 fall 3",
		"server proxy1 1.2.3.4:1080 check inter soon rise 2 fall 3",
		"server proxy1 1.2.3.4:1080 check inter 10s rise 0 fall 3",
		"backend proxy1 1.2.3.4:1080 check inter 10s rise 2 fall 3",
	} {
		if _, err := ParseServerLine(line); err == nil {
			t.Fatalf("expected error for %q", line)
		}
	}
}
