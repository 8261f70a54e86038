package dashboard

import "github.com/charmbracelet/lipgloss"

// Dark control-room palette
var (
	Primary   = lipgloss.Color("#FF6B35")
	Secondary = lipgloss.Color("#1E88E5")
	Success   = lipgloss.Color("#4CAF50")
	Warning   = lipgloss.Color("#FFB74D")
	Error     = lipgloss.Color("#F44336")

	Text       = lipgloss.Color("#E0E0E0")
	TextBright = lipgloss.Color("#FFFFFF")
	Muted      = lipgloss.Color("#90A4AE")

	PanelBg    = lipgloss.Color("#161B26")
	HeaderBg   = lipgloss.Color("#1C2128")
	BorderDark = lipgloss.Color("#30363D")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(TextBright).
			Background(HeaderBg).
			Bold(true).
			Align(lipgloss.Center).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderDark).
			Foreground(Text).
			Padding(0, 1)

	PanelTitleStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	ColumnStyle = lipgloss.NewStyle().
			Foreground(Muted).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	InfoStyle = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	MutedStyle = lipgloss.NewStyle().
			Foreground(Muted)

	ValueStyle = lipgloss.NewStyle().
			Foreground(TextBright).
			Bold(true)
)

// stateStyle colours a controller state name.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return SuccessStyle
	case "configured", "restarting":
		return WarningStyle
	case "stopped":
		return ErrorStyle
	default:
		return MutedStyle
	}
}
