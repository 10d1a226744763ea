// Package report turns the free-form analysis text into typed blocks and
// renders them for a terminal.
package report

import (
	"regexp"
	"strings"
)

type Kind int

const (
	Blank Kind = iota
	Heading
	Bullet
	Numbered
	Paragraph
)

func (k Kind) String() string {
	switch k {
	case Heading:
		return "heading"
	case Bullet:
		return "bullet"
	case Numbered:
		return "numbered"
	case Paragraph:
		return "paragraph"
	default:
		return "blank"
	}
}

// Block is one line of the analysis.
type Block struct {
	Kind   Kind
	Text   string
	Number string
}

var numberedLine = regexp.MustCompile(`^(\d+)\.\s*(.+)$`)

// Parse classifies each line of text. Lines fully wrapped in ** become
// headings, "-" lines bullets and "N." lines numbered items.
func Parse(text string) []Block {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	blocks := make([]Block, 0, len(lines))
	for _, line := range lines {
		blocks = append(blocks, parseLine(strings.TrimSpace(line)))
	}
	return blocks
}

func parseLine(line string) Block {
	switch {
	case line == "":
		return Block{Kind: Blank}
	case strings.HasPrefix(line, "**") && strings.HasSuffix(line, "**"):
		return Block{Kind: Heading, Text: strings.ReplaceAll(line, "**", "")}
	case strings.HasPrefix(line, "-"):
		return Block{Kind: Bullet, Text: strings.TrimSpace(line[1:])}
	}
	if m := numberedLine.FindStringSubmatch(line); m != nil {
		return Block{Kind: Numbered, Number: m[1], Text: m[2]}
	}
	return Block{Kind: Paragraph, Text: line}
}

// Section is a heading and the blocks filed under it. Heading is "" for
// content before the first heading.
type Section struct {
	Heading string
	Blocks  []Block
}

// Sections groups blocks under the heading that precedes them, in order.
// Blank lines are dropped.
func Sections(blocks []Block) []Section {
	var out []Section
	for _, b := range blocks {
		switch b.Kind {
		case Heading:
			out = append(out, Section{Heading: b.Text})
		case Blank:
		default:
			if len(out) == 0 {
				out = append(out, Section{})
			}
			out[len(out)-1].Blocks = append(out[len(out)-1].Blocks, b)
		}
	}
	return out
}
