package text

import (
	"html"
	"strings"
)

// SegmentKind tags one display segment. Only these five structural kinds
// exist; anything the parser does not recognize stays literal text.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentBold
	SegmentItalic
	SegmentCode
	SegmentQuotedBold
	SegmentLineBreak
)

// Segment is one parsed unit of display output. The Text field is always the
// literal input characters; escaping happens at render time, never here, so
// no renderer can be tricked into emitting input-controlled markup.
type Segment struct {
	Kind SegmentKind
	Text string
}

// ParseDisplay converts the constrained emphasis notation into segments:
// **bold**, *italic*, `inline code`, "quoted" (rendered bold, quotes kept)
// and line breaks. Unterminated markers are left as literal text.
func ParseDisplay(input string) []Segment {
	var segs []Segment
	for i, line := range strings.Split(input, "\n") {
		if i > 0 {
			segs = append(segs, Segment{Kind: SegmentLineBreak})
		}
		segs = append(segs, parseLine(line)...)
	}
	return segs
}

func parseLine(line string) []Segment {
	var segs []Segment
	var plain strings.Builder

	flush := func() {
		if plain.Len() > 0 {
			segs = append(segs, Segment{Kind: SegmentText, Text: plain.String()})
			plain.Reset()
		}
	}

	i := 0
	for i < len(line) {
		if strings.HasPrefix(line[i:], "**") {
			if end := strings.Index(line[i+2:], "**"); end > 0 {
				flush()
				segs = append(segs, Segment{Kind: SegmentBold, Text: line[i+2 : i+2+end]})
				i += end + 4
				continue
			}
		} else if line[i] == '`' {
			if end := strings.IndexByte(line[i+1:], '`'); end > 0 {
				flush()
				segs = append(segs, Segment{Kind: SegmentCode, Text: line[i+1 : i+1+end]})
				i += end + 2
				continue
			}
		} else if line[i] == '*' {
			if end := strings.IndexByte(line[i+1:], '*'); end > 0 {
				flush()
				segs = append(segs, Segment{Kind: SegmentItalic, Text: line[i+1 : i+1+end]})
				i += end + 2
				continue
			}
		} else if line[i] == '"' {
			if end := strings.IndexByte(line[i+1:], '"'); end > 0 {
				flush()
				// Quotes stay part of the text so the rendered output reads
				// the same as the raw reply.
				segs = append(segs, Segment{Kind: SegmentQuotedBold, Text: line[i : i+end+2]})
				i += end + 2
				continue
			}
		}
		plain.WriteByte(line[i])
		i++
	}
	flush()
	return segs
}

// RenderHTML renders segments as markup. Every literal character is escaped
// before the five tags this renderer defines are applied, so input containing
// markup-significant sequences renders as visible text, never as structure.
func RenderHTML(segs []Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		switch seg.Kind {
		case SegmentBold, SegmentQuotedBold:
			b.WriteString("<strong>")
			b.WriteString(html.EscapeString(seg.Text))
			b.WriteString("</strong>")
		case SegmentItalic:
			b.WriteString("<em>")
			b.WriteString(html.EscapeString(seg.Text))
			b.WriteString("</em>")
		case SegmentCode:
			b.WriteString("<code>")
			b.WriteString(html.EscapeString(seg.Text))
			b.WriteString("</code>")
		case SegmentLineBreak:
			b.WriteString("<br>")
		default:
			b.WriteString(html.EscapeString(seg.Text))
		}
	}
	return b.String()
}
