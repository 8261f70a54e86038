package dashboard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// pad fits s into width cells. Plain text is truncated with an ellipsis;
// styled text is never cut.
func pad(s string, width int) string {
	w := lipgloss.Width(s)
	if w < width {
		return s + strings.Repeat(" ", width-w)
	}
	runes := []rune(s)
	if w == len(runes) && width > 2 {
		return string(runes[:width-2]) + "… "
	}
	return s + " "
}

// queueBar shows the queue depth against its target.
func queueBar(depth, target, width int) string {
	if target <= 0 {
		return MutedStyle.Render(strings.Repeat("░", width)) + fmt.Sprintf(" %d", depth)
	}

	filled := depth * width / target
	if filled > width {
		filled = width
	}
	style := SuccessStyle
	if depth > target {
		style = WarningStyle
	}

	return style.Render(strings.Repeat("█", filled)) +
		MutedStyle.Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %d/%d", depth, target)
}

// sparkline draws data scaled between its own min and max.
func sparkline(data []float64, width int) string {
	if len(data) == 0 {
		return MutedStyle.Render(strings.Repeat("▁", width))
	}

	minVal, maxVal := data[0], data[0]
	for _, v := range data {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}

	sparkChars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

	var b strings.Builder
	for i := 0; i < width; i++ {
		idx := i * len(data) / width
		if maxVal == minVal {
			b.WriteRune('▄')
			continue
		}
		level := int((data[idx] - minVal) / (maxVal - minVal) * 7)
		if level > 7 {
			level = 7
		}
		b.WriteRune(sparkChars[level])
	}
	return b.String() + fmt.Sprintf(" %.0f", data[len(data)-1])
}

// formatNumber formats large numbers with appropriate units
func formatNumber(num uint64) string {
	switch {
	case num >= 1000000000:
		return fmt.Sprintf("%.1fB", float64(num)/1000000000)
	case num >= 1000000:
		return fmt.Sprintf("%.1fM", float64(num)/1000000)
	case num >= 1000:
		return fmt.Sprintf("%.1fK", float64(num)/1000)
	}
	return fmt.Sprintf("%d", num)
}

// dropRate renders dropped/total as a colour-coded percentage.
func dropRate(dropped, total uint64) string {
	if total == 0 || dropped == 0 {
		return SuccessStyle.Render("0%")
	}

	rate := float64(dropped) / float64(total) * 100
	switch {
	case rate < 1:
		return ValueStyle.Render(fmt.Sprintf("%.2f%%", rate))
	case rate < 5:
		return WarningStyle.Render(fmt.Sprintf("%.1f%%", rate))
	default:
		return ErrorStyle.Render(fmt.Sprintf("%.1f%%", rate))
	}
}
