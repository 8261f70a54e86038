// Package dashboard renders a live terminal view of the decoders published
// in a registry.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/hwdec/internal/registry"
)

const historyLen = 30

// Source lists the decoders to show. registry.Registry satisfies it, so the
// dashboard can watch this process or, through Redis, a whole fleet.
type Source interface {
	List(ctx context.Context) ([]*registry.Decoder, error)
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	source   Source
	interval time.Duration

	decoders []*registry.Decoder
	err      error

	// delivered-pictures rate per decoder
	lastDelivered map[string]uint64
	lastSample    time.Time
	rates         map[string][]float64

	startTime time.Time
	width     int
	height    int
	quitting  bool
}

type tickMsg time.Time

type decodersMsg struct {
	decoders []*registry.Decoder
	err      error
	at       time.Time
}

// NewModel creates a dashboard polling source every interval.
func NewModel(source Source, interval time.Duration) *Model {
	if interval <= 0 {
		interval = time.Second
	}
	return &Model{
		source:        source,
		interval:      interval,
		lastDelivered: make(map[string]uint64),
		rates:         make(map[string][]float64),
		startTime:     time.Now(),
	}
}

// Run shows the dashboard until the user quits or ctx is done.
func Run(ctx context.Context, source Source, interval time.Duration, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	_, err := tea.NewProgram(NewModel(source, interval), opts...).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(tickEvery(m.interval), fetch(m.source))
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.source)
		}

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		return m, tea.Batch(tickEvery(m.interval), fetch(m.source))

	case decodersMsg:
		m.apply(msg)
		return m, nil
	}

	return m, nil
}

// apply stores a poll result and extends the per-decoder rate history.
func (m *Model) apply(msg decodersMsg) {
	m.err = msg.err
	if msg.err != nil {
		return
	}

	elapsed := msg.at.Sub(m.lastSample).Seconds()
	live := make(map[string]bool, len(msg.decoders))
	for _, d := range msg.decoders {
		live[d.ID] = true
		prev, seen := m.lastDelivered[d.ID]
		if seen && elapsed > 0 && d.Stats.Delivered >= prev {
			rate := float64(d.Stats.Delivered-prev) / elapsed
			h := append(m.rates[d.ID], rate)
			if len(h) > historyLen {
				h = h[len(h)-historyLen:]
			}
			m.rates[d.ID] = h
		}
		m.lastDelivered[d.ID] = d.Stats.Delivered
	}
	for id := range m.lastDelivered {
		if !live[id] {
			delete(m.lastDelivered, id)
			delete(m.rates, id)
		}
	}

	m.decoders = msg.decoders
	m.lastSample = msg.at
}

// View implements tea.Model
func (m *Model) View() string {
	if m.quitting {
		return "Shutting down dashboard...\n"
	}

	width := m.width
	if width == 0 {
		width = 120
	}

	sections := []string{
		HeaderStyle.Width(width - 2).Render("HWDEC DECODERS"),
		m.renderSummary(width - 2),
		m.renderTable(width - 2),
	}
	if m.err != nil {
		sections = append(sections, ErrorStyle.Render("poll failed: "+m.err.Error()))
	}
	sections = append(sections, MutedStyle.Render("q quit · r refresh"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderSummary(width int) string {
	var delivered, dropped, restarts, fallbacks uint64
	failing := 0
	for _, d := range m.decoders {
		delivered += d.Stats.Delivered
		dropped += d.Stats.Dropped
		restarts += d.Stats.Restarts
		fallbacks += d.Stats.Fallbacks
		if d.Stats.LastError != "" {
			failing++
		}
	}

	health := SuccessStyle.Render("● healthy")
	if failing > 0 {
		health = ErrorStyle.Render(fmt.Sprintf("● %d failing", failing))
	}

	line := strings.Join([]string{
		PanelTitleStyle.Render("Decoders ") + ValueStyle.Render(fmt.Sprintf("%d", len(m.decoders))),
		health,
		PanelTitleStyle.Render("Delivered ") + ValueStyle.Render(formatNumber(delivered)),
		PanelTitleStyle.Render("Dropped ") + dropRate(dropped, delivered+dropped),
		PanelTitleStyle.Render("Restarts ") + ValueStyle.Render(formatNumber(restarts)),
		PanelTitleStyle.Render("Fallbacks ") + ValueStyle.Render(formatNumber(fallbacks)),
		MutedStyle.Render("up " + time.Since(m.startTime).Truncate(time.Second).String()),
	}, "   ")

	return PanelStyle.Width(width).Render(line)
}

var columns = []struct {
	title string
	width int
}{
	{"ID", 14}, {"CODEC", 6}, {"SIZE", 10}, {"BACKEND", 13}, {"STATE", 12},
	{"QUEUE", 16}, {"DELIVERED", 10}, {"DROP", 7}, {"RST", 4}, {"FPS", historyLen + 1},
}

func (m *Model) renderTable(width int) string {
	var b strings.Builder
	for _, c := range columns {
		b.WriteString(ColumnStyle.Render(pad(c.title, c.width)))
	}

	if len(m.decoders) == 0 {
		b.WriteString("\n")
		b.WriteString(MutedStyle.Render("no decoders registered"))
		return PanelStyle.Width(width).Render(b.String())
	}

	decoders := make([]*registry.Decoder, len(m.decoders))
	copy(decoders, m.decoders)
	sort.Slice(decoders, func(i, j int) bool { return decoders[i].ID < decoders[j].ID })

	for _, d := range decoders {
		s := d.Stats
		b.WriteString("\n")
		b.WriteString(pad(d.ID, columns[0].width))
		b.WriteString(pad(d.Codec, columns[1].width))
		b.WriteString(pad(fmt.Sprintf("%dx%d", d.Width, d.Height), columns[2].width))
		b.WriteString(InfoStyle.Render(pad(s.Backend, columns[3].width)))
		b.WriteString(stateStyle(s.State).Render(pad(s.State, columns[4].width)))
		b.WriteString(pad(queueBar(s.QueueDepth, s.QueueDepthTarget, 8), columns[5].width))
		b.WriteString(pad(formatNumber(s.Delivered), columns[6].width))
		b.WriteString(pad(dropRate(s.Dropped, s.Delivered+s.Dropped), columns[7].width))
		b.WriteString(pad(fmt.Sprintf("%d", s.Restarts), columns[8].width))
		b.WriteString(sparkline(m.rates[d.ID], historyLen))
		if s.LastError != "" {
			b.WriteString("\n  ")
			b.WriteString(ErrorStyle.Render("└ " + s.LastError))
		}
	}

	return PanelStyle.Width(width).Render(b.String())
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetch(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		decoders, err := source.List(ctx)
		return decodersMsg{decoders: decoders, err: err, at: time.Now()}
	}
}
