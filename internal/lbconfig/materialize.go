package lbconfig

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"

	"socks5-pool/internal/backend"
)

//go:embed templates/skeleton.cfg
var skeletonTemplate string

var skeleton = template.Must(template.New("skeleton").Parse(skeletonTemplate))

// Skeleton returns the configuration text used when no live configuration
// exists yet. Its managed region is empty.
func Skeleton(m Markers, listen string) []byte {
	var buf bytes.Buffer
	data := struct {
		Start  string
		End    string
		Listen string
	}{m.Start, m.End, listen}
	if err := skeleton.Execute(&buf, data); err != nil {
		// The template is embedded and its data is plain strings.
		panic(fmt.Sprintf("render skeleton: %v", err))
	}
	return buf.Bytes()
}

// Materializer rewrites the managed region of a configuration text.
type Materializer struct {
	Markers Markers
}

// NewMaterializer returns a Materializer for the given marker pair.
func NewMaterializer(m Markers) *Materializer {
	return &Materializer{Markers: m}
}

// Materialize replaces everything strictly between the marker lines with one
// server line per member. Bytes outside the region are copied unchanged, so
// running it again on its own output with the same members is a no-op.
func (mz *Materializer) Materialize(current []byte, members []backend.Member) ([]byte, error) {
	r, err := locate(current, mz.Markers)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(current) + len(members)*96)
	buf.Write(current[:r.bodyStart])
	for _, m := range members {
		buf.WriteString(r.indent)
		buf.WriteString(RenderServerLine(m))
		buf.WriteString(r.newline)
	}
	buf.Write(current[r.bodyEnd:])
	return buf.Bytes(), nil
}

// Members reads the managed region of text back into members.
func (mz *Materializer) Members(text []byte) ([]backend.Member, error) {
	return ParseRegion(text, mz.Markers)
}
