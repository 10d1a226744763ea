package report

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorCyan  = lipgloss.Color("#00FFFF")
	ColorGreen = lipgloss.Color("#00FF00")
	ColorGray  = lipgloss.Color("#666666")
	ColorRed   = lipgloss.Color("#FF0000")
	ColorWhite = lipgloss.Color("#FFFFFF")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorCyan)

	HeadingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite).
			MarginTop(1)

	BulletStyle = lipgloss.NewStyle().
			PaddingLeft(2)

	NumberStyle = lipgloss.NewStyle().
			Foreground(ColorGreen).
			Bold(true)

	TranscriptStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(ColorGray)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true)
)

// Render formats an analysis for a terminal. A positive width wraps long
// lines.
func Render(transcription, analysis string, width int) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Pronunciation Analysis"))
	b.WriteString("\n\n")
	if transcription != "" {
		b.WriteString(wrap(TranscriptStyle, width).Render("\u201c" + transcription + "\u201d"))
		b.WriteString("\n")
	}
	for _, section := range Sections(Parse(analysis)) {
		if section.Heading != "" {
			b.WriteString(HeadingStyle.Render(section.Heading))
			b.WriteString("\n")
		}
		for _, block := range section.Blocks {
			switch block.Kind {
			case Bullet:
				b.WriteString(wrap(BulletStyle, width).Render("\u2022 " + block.Text))
			case Numbered:
				b.WriteString(wrap(BulletStyle, width).Render(NumberStyle.Render(block.Number+".") + " " + block.Text))
			default:
				b.WriteString(wrap(lipgloss.NewStyle(), width).Render(block.Text))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// RenderError formats a user-facing failure message.
func RenderError(message string) string {
	return ErrorStyle.Render("\u2717 " + message)
}

func wrap(style lipgloss.Style, width int) lipgloss.Style {
	if width > 0 {
		return style.Width(width)
	}
	return style
}
