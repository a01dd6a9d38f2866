package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dagrun/internal/events"
)

// maxOutputLines caps the output kept per task.
const maxOutputLines = 2000

// Task status values shown in the list.
const (
	statusPending   = "pending"
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// TaskState is what the pane knows about one task.
type TaskState struct {
	Name      string
	Status    string
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel is the task list plus the selected task's output.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	taskOrder   []string // display order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a task pane listing names as pending.
func NewTaskPaneModel(names []string) TaskPaneModel {
	m := TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
	for _, name := range names {
		m.ensure(name)
	}
	m.updateViewportContent()
	return m
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

func (m *TaskPaneModel) ensure(name string) *TaskState {
	if task, ok := m.tasks[name]; ok {
		return task
	}
	task := &TaskState{Name: name, Status: statusPending}
	m.tasks[name] = task
	m.taskOrder = append(m.taskOrder, name)
	return task
}

func (m *TaskPaneModel) appendOutput(task *TaskState, line string) {
	task.Output = append(task.Output, line)
	if over := len(task.Output) - maxOutputLines; over > 0 {
		task.Output = task.Output[over:]
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			// Other keys scroll the viewport
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		task := m.ensure(msg.Name)
		task.Status = statusRunning
		task.StartTime = msg.Timestamp
		if m.Selected() == msg.Name {
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		task := m.ensure(msg.Name)
		m.appendOutput(task, msg.Line)
		if m.Selected() == msg.Name {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskCompletedEvent:
		task := m.ensure(msg.Name)
		task.Status = statusCompleted
		task.Duration = msg.Duration
		m.appendOutput(task, fmt.Sprintf("\n[Completed in %v]", msg.Duration.Round(time.Millisecond)))
		if m.Selected() == msg.Name {
			m.updateViewportContent()
		}

	case events.TaskFailedEvent:
		task := m.ensure(msg.Name)
		task.Status = statusFailed
		task.Duration = msg.Duration
		m.appendOutput(task, fmt.Sprintf("\n[Failed: %v]", msg.Err))
		if m.Selected() == msg.Name {
			m.updateViewportContent()
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, name := range m.taskOrder {
		label := name
		if len(label) > width-6 {
			label = label[:width-9] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(m.tasks[name].Status), label)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case statusRunning:
		return StyleStatusRunning.Render("●")
	case statusCompleted:
		return StyleStatusComplete.Render("✓")
	case statusFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Selected returns the name of the selected task, or "".
func (m TaskPaneModel) Selected() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Task returns the state of name.
func (m TaskPaneModel) Task(name string) (TaskState, bool) {
	task, ok := m.tasks[name]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.Selected()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	m.viewport.SetContent(strings.Join(task.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-25-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
