// Package tui is the terminal front end for workflow runs. It drives a
// workflow.Sequencer and re-renders on every event the sequencer emits.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/c360studio/garage/notify"
	"github.com/c360studio/garage/workflow"
)

const (
	eventBuffer      = 64
	maxNotifications = 4
	defaultWidth     = 100
	defaultHeight    = 30
)

type eventMsg workflow.Event

// notificationsMsg carries every notification queued since the last one.
type notificationsMsg []notify.Notification

// opDoneMsg reports that a blocking sequencer operation returned.
type opDoneMsg struct {
	op  string
	err error
}

// Model is the bubbletea model for one workflow session.
type Model struct {
	ctx        context.Context
	seq        *workflow.Sequencer
	assignment map[workflow.RoleID]string

	events chan workflow.Event

	notesMu   sync.Mutex
	notes     []notify.Notification
	noteReady chan struct{}

	input   textinput.Model
	spinner spinner.Model
	output  viewport.Model

	snap          workflow.Run
	selected      int
	busy          bool
	notifications []notify.Notification
	err           error
	width         int
	height        int
}

// New creates a Model for seq. The current assignment of seq is remembered
// and re-applied after every reset. Use Sink to route notifications into
// the model.
func New(ctx context.Context, seq *workflow.Sequencer) *Model {
	ti := textinput.New()
	ti.Placeholder = "Describe what you want built, researched, solved or brainstormed"
	ti.CharLimit = 4000
	ti.Width = defaultWidth - 4
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = labelProcessing

	m := &Model{
		ctx:        ctx,
		seq:        seq,
		assignment: seq.Assignment(),
		events:     make(chan workflow.Event, eventBuffer),
		noteReady:  make(chan struct{}, 1),
		input:      ti,
		spinner:    sp,
		output:     viewport.New(defaultWidth-4, defaultHeight/2),
		snap:       seq.Snapshot(),
		width:      defaultWidth,
		height:     defaultHeight,
	}
	seq.Subscribe(func(ev workflow.Event) {
		select {
		case m.events <- ev:
		default:
			// The model re-reads the snapshot after every operation.
		}
	})
	return m
}

// Sink returns a notification sink that feeds the model. It never blocks
// and never drops: notifications queue until the model takes them.
func (m *Model) Sink() notify.Sink {
	return notify.Func(func(n notify.Notification) {
		m.notesMu.Lock()
		m.notes = append(m.notes, n)
		m.notesMu.Unlock()
		select {
		case m.noteReady <- struct{}{}:
		default:
		}
	})
}

func (m *Model) takeNotifications() []notify.Notification {
	m.notesMu.Lock()
	defer m.notesMu.Unlock()
	out := m.notes
	m.notes = nil
	return out
}

func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.events:
			return eventMsg(ev)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *Model) waitForNotification() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.noteReady:
			return notificationsMsg(m.takeNotifications())
		case <-m.ctx.Done():
			return nil
		}
	}
}

// Init starts the spinner and the event listeners.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.waitForEvent(), m.waitForNotification())
}

// Update handles input, sequencer events and operation results.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(msg.Width-4, 10)
		m.output.Width = max(msg.Width-4, 10)
		m.output.Height = max(msg.Height-len(m.snap.Stages)-10, 3)
		m.refreshOutput()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		m.snap = msg.Snapshot
		if msg.Type == workflow.EventStageProcessing || msg.Type == workflow.EventStageAwaiting ||
			msg.Type == workflow.EventStageCompleted {
			m.selected = msg.Stage
		}
		m.refreshOutput()
		return m, m.waitForEvent()

	case notificationsMsg:
		m.notifications = append(m.notifications, msg...)
		if len(m.notifications) > maxNotifications {
			m.notifications = m.notifications[len(m.notifications)-maxNotifications:]
		}
		return m, m.waitForNotification()

	case opDoneMsg:
		m.busy = false
		m.err = msg.err
		m.snap = m.seq.Snapshot()
		m.refreshOutput()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit
	case "ctrl+r":
		return m, m.reset()
	case "tab", "down":
		if n := len(m.snap.Stages); n > 0 {
			m.selected = (m.selected + 1) % n
			m.refreshOutput()
		}
		return m, nil
	case "shift+tab", "up":
		if n := len(m.snap.Stages); n > 0 {
			m.selected = (m.selected - 1 + n) % n
			m.refreshOutput()
		}
		return m, nil
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.output, cmd = m.output.Update(msg)
		return m, cmd
	case "enter":
		return m, m.submit()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit interprets the input line for the current phase of the run: the
// initial request, a refinement, or (empty while awaiting) approval.
func (m *Model) submit() tea.Cmd {
	if m.busy {
		return nil
	}
	text := strings.TrimSpace(m.input.Value())

	switch {
	case !m.snap.Started:
		if text == "" {
			return nil
		}
		m.input.SetValue("")
		return m.run("start", func(ctx context.Context) error { return m.seq.Start(ctx, text) })
	case m.snap.AwaitingUserDecision() && text == "":
		return m.run("advance", m.seq.Advance)
	case m.snap.AwaitingUserDecision():
		m.input.SetValue("")
		return m.run("refine", func(ctx context.Context) error { return m.seq.SubmitRefinement(ctx, text) })
	}
	return nil
}

// run executes a blocking sequencer operation off the UI goroutine.
func (m *Model) run(op string, fn func(context.Context) error) tea.Cmd {
	m.busy = true
	m.err = nil
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn(m.ctx)}
	}
}

func (m *Model) reset() tea.Cmd {
	m.seq.Reset()
	for role, provider := range m.assignment {
		if err := m.seq.Assign(role, provider); err != nil {
			m.err = err
		}
	}
	m.busy = false
	m.selected = 0
	m.input.SetValue("")
	m.snap = m.seq.Snapshot()
	m.refreshOutput()
	return nil
}

func (m *Model) refreshOutput() {
	if m.selected >= len(m.snap.Stages) {
		m.selected = 0
	}
	if len(m.snap.Stages) == 0 {
		m.output.SetContent("")
		return
	}
	st := m.snap.Stages[m.selected]
	content := st.Output
	switch {
	case st.Status == workflow.StatusProcessing:
		content = detailTextStyle.Render("Waiting for " + st.Provider + "...")
	case content == "" && st.Error != "":
		content = labelError.Render(st.Error)
	case content == "":
		content = detailTextStyle.Render("No output yet.")
	}
	m.output.SetContent(lipgloss.NewStyle().Width(m.output.Width).Render(content))
	m.output.GotoTop()
}

// View renders the run.
func (m *Model) View() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(fmt.Sprintf("Garage · %s", m.snap.TemplateTitle)))
	sb.WriteString("\n\n")

	for i, st := range m.snap.Stages {
		marker := "  "
		name := st.RoleName
		if i == m.selected {
			marker = "> "
			name = selectedStyle.Render(name)
		}
		provider := st.Provider
		if provider == "" {
			provider = m.assignment[st.Role]
		}
		if provider == "" {
			provider = "unassigned"
		}
		status := statusLabel(st.Status)
		if st.Status == workflow.StatusProcessing {
			status = m.spinner.View() + " " + status
		}
		fmt.Fprintf(&sb, "%s%s  %s  %s  %s\n", marker, st.Role, name, detailTextStyle.Render(provider), status)
	}

	sb.WriteString("\n")
	sb.WriteString(outputBoxStyle.Render(m.output.View()))
	sb.WriteString("\n")

	for _, n := range m.notifications {
		sb.WriteString(notificationLine(n))
		sb.WriteString("\n")
	}
	if m.err != nil {
		sb.WriteString(labelError.Render("Error: " + m.err.Error()))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(m.input.View())
	sb.WriteString("\n")
	sb.WriteString(detailTextStyle.Render(m.help()))
	return sb.String()
}

func (m *Model) help() string {
	switch {
	case m.busy:
		return "working... · tab: select stage · ctrl+r: reset · esc: quit"
	case !m.snap.Started:
		return "enter: start · tab: select stage · esc: quit"
	case m.snap.AwaitingUserDecision():
		return "enter (empty): approve and continue · type + enter: add requirements · ctrl+r: reset · esc: quit"
	default:
		return "tab: select stage · pgup/pgdown: scroll · ctrl+r: reset · esc: quit"
	}
}
