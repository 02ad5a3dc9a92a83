// Package tui is a terminal list editor: pick an item with the keyboard or drag it with the mouse,
// and every drop becomes one reorder on the underlying list.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/astromechza/nego/pkg/gesture"
	"github.com/astromechza/nego/pkg/model"
	"github.com/astromechza/nego/pkg/ordering"
)

// List is what the model edits. reorder.Controller implements it.
type List interface {
	Items() []ordering.Item[int64, model.Entry]
	OnReorder(from, to int)
}

// ErrorMsg carries a failed write into the update loop.
type ErrorMsg struct{ Err error }

// RefreshMsg asks the view to re-read the list, e.g. after a recovery or a watch event.
type RefreshMsg struct{ Note string }

// headerRows is the number of lines above the first item.
const headerRows = 2

type Styles struct {
	Title    lipgloss.Style
	Item     lipgloss.Style
	Cursor   lipgloss.Style
	Held     lipgloss.Style
	Inactive lipgloss.Style
	Help     lipgloss.Style
	Error    lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		Item:     lipgloss.NewStyle().PaddingLeft(2),
		Cursor:   lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("39")).Bold(true),
		Held:     lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("214")),
		Inactive: lipgloss.NewStyle().PaddingLeft(2).Faint(true),
		Help:     lipgloss.NewStyle().Faint(true),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

type Model struct {
	title    string
	list     List
	keyboard *gesture.Keyboard
	tracker  *gesture.Tracker
	styles   Styles

	status  string
	failure string
	width   int
}

func New(title string, list List, threshold float64) Model {
	m := Model{title: title, list: list, styles: DefaultStyles()}
	length := func() int { return len(list.Items()) }
	m.keyboard = gesture.NewKeyboard(list, length)
	m.tracker = gesture.NewTracker(threshold, list, length)
	return m
}

func (m Model) Init() tea.Cmd { return nil }

// Keyboard and Tracker expose the adapters so callers can inspect gesture state.
func (m Model) Keyboard() *gesture.Keyboard { return m.keyboard }

func (m Model) Tracker() *gesture.Tracker { return m.tracker }

func (m Model) Status() string { return m.status }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case ErrorMsg:
		m.failure = msg.Err.Error()
	case RefreshMsg:
		m.keyboard.Focus(m.keyboard.Cursor())
		if msg.Note != "" {
			m.status = msg.Note
		}
	case tea.KeyMsg:
		return m.key(msg)
	case tea.MouseMsg:
		m.mouse(msg)
	}
	return m, nil
}

func (m Model) key(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		m.keyboard.Up()
	case "down", "j":
		m.keyboard.Down()
	case "K", "shift+up":
		m.outcome(m.keyboard.MoveUp())
	case "J", "shift+down":
		m.outcome(m.keyboard.MoveDown())
	case " ", "enter":
		if m.keyboard.State() == gesture.Dragging {
			m.outcome(m.keyboard.Drop())
		} else {
			m.keyboard.Pick()
			m.status = "moving, drop with space"
		}
	case "esc":
		m.outcome(m.keyboard.Cancel())
	}
	return m, nil
}

func (m *Model) mouse(msg tea.MouseMsg) {
	at := gesture.Point{X: float64(msg.X), Y: float64(msg.Y)}
	switch msg.Action {
	case tea.MouseActionPress:
		if msg.Button != tea.MouseButtonLeft {
			return
		}
		if i := m.rowAt(msg.Y); i >= 0 {
			m.tracker.Down(i, at)
		}
	case tea.MouseActionMotion:
		if m.tracker.Move(at) {
			m.status = "dragging"
		}
		m.tracker.Hover(m.rowAt(msg.Y))
	case tea.MouseActionRelease:
		origin := m.tracker.Origin()
		out := m.tracker.Up()
		if out == gesture.Click && origin >= 0 {
			m.keyboard.Focus(origin)
		}
		m.outcome(out)
	}
}

func (m *Model) rowAt(y int) int {
	i := y - headerRows
	if i < 0 || i >= len(m.list.Items()) {
		return -1
	}
	return i
}

func (m *Model) outcome(o gesture.Outcome) {
	switch o {
	case gesture.Reordered:
		m.status = "saving"
		m.failure = ""
	case gesture.NoOp:
		m.status = "unchanged"
	case gesture.Cancelled:
		m.status = "cancelled"
	case gesture.Click:
		m.status = ""
	}
}

// preview is the order shown while something is held: the list as it would be after the drop.
func (m Model) preview(items []ordering.Item[int64, model.Entry]) ([]ordering.Item[int64, model.Entry], int) {
	if origin := m.keyboard.Origin(); origin >= 0 && origin < len(items) {
		to := m.keyboard.Cursor()
		return ordering.Reorder(items, origin, to), to
	}
	if m.tracker.State() == gesture.Dragging && m.tracker.Origin() < len(items) {
		if over := m.tracker.Over(); over >= 0 && over < len(items) {
			return ordering.Reorder(items, m.tracker.Origin(), over), over
		}
		return items, m.tracker.Origin()
	}
	return items, -1
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(m.styles.Title.Render(m.title))
	sb.WriteString("\n\n")

	items, held := m.preview(m.list.Items())
	if len(items) == 0 {
		sb.WriteString(m.styles.Inactive.Render("(empty)"))
		sb.WriteString("\n")
	}
	for i, it := range items {
		line := fmt.Sprintf("%2d. %s", it.Position+1, it.Payload.Name)
		if it.Payload.Price != nil {
			line += fmt.Sprintf("  $%.2f", *it.Payload.Price)
		}
		switch {
		case i == held:
			sb.WriteString(m.styles.Held.Render(line))
		case i == m.keyboard.Cursor() && m.tracker.State() == gesture.Idle:
			sb.WriteString(m.styles.Cursor.Render("> " + line))
		case !it.Payload.Active:
			sb.WriteString(m.styles.Inactive.Render(line))
		default:
			sb.WriteString(m.styles.Item.Render(line))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	if m.failure != "" {
		sb.WriteString(m.styles.Error.Render(m.failure))
		sb.WriteString("\n")
	}
	help := "↑/↓ select • space pick/drop • J/K move • esc cancel • drag with mouse • q quit"
	if m.status != "" {
		help = m.status + " • " + help
	}
	sb.WriteString(m.styles.Help.Render(help))
	return sb.String()
}
