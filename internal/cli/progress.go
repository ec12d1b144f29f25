package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/batchgen/internal/client"
	"golang.org/x/term"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// status renders a (possibly padded) status label in its color.
func (t Theme) status(s string) string {
	switch strings.TrimSpace(s) {
	case "COMPLETED":
		return t.completedStyle().Render(s)
	case "FAILED":
		return t.errorStyle().Render(s)
	case "RUNNING":
		return t.statusStyle().Render(s)
	default:
		return t.hintStyle().Render(s)
	}
}

// errRunFailed is returned when a watched run ends FAILED.
var errRunFailed = errors.New("image generation failed")

// eventMsg carries the next batch event.
type eventMsg client.Event

// watchDoneMsg reports the end of the event stream.
type watchDoneMsg struct{ err error }

// watcher follows a batch run. Events from the snapshot (no run id) end the
// watch only when they are terminal and the awaited run has finished too.
type watcher struct {
	client  *client.Client
	batchID string
	runID   string
}

// finished reports whether ev ends the watch, and the final status.
func (w watcher) finished(ctx context.Context, ev client.Event) (bool, string) {
	if !ev.Terminal() {
		return false, ""
	}
	if ev.RunID != "" {
		return w.runID == "" || ev.RunID == w.runID, ev.Status
	}
	if w.runID == "" {
		return true, ev.Status
	}
	// A terminal snapshot may predate the awaited run.
	run, err := w.client.GetRun(ctx, w.runID)
	if err != nil || (run.Status != "COMPLETED" && run.Status != "FAILED") {
		return false, ""
	}
	return true, run.Status
}

// stream runs the websocket watch in the background and delivers events on
// the returned channel. The channel is closed when the watch ends.
func (w watcher) stream(ctx context.Context) (<-chan client.Event, <-chan error) {
	events := make(chan client.Event)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		errc <- w.client.WatchBatch(ctx, w.batchID, func(ev client.Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return events, errc
}

// progressModel is the bubbletea model for run progress.
type progressModel struct {
	ctx      context.Context
	watcher  watcher
	events   <-chan client.Event
	errc     <-chan error
	event    *client.Event
	progress progress.Model
	theme    Theme
	started  time.Time
	status   string
	done     bool
	quitting bool
	err      error
}

// newProgressModel creates a new progress model.
func newProgressModel(ctx context.Context, w watcher, events <-chan client.Event, errc <-chan error) progressModel {
	// Create progress bar with color blend
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		ctx:      ctx,
		watcher:  w,
		events:   events,
		errc:     errc,
		progress: prog,
		theme:    defaultTheme,
		started:  time.Now(),
	}
}

// Init returns the initial command (wait for the first event).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.nextEvent(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case eventMsg:
		ev := client.Event(msg)
		m.event = &ev

		if done, status := m.watcher.finished(m.ctx, ev); done {
			m.done = true
			m.status = status
			if status == "FAILED" {
				m.err = errRunFailed
			}
			return m, tea.Quit
		}
		return m, m.nextEvent()

	case watchDoneMsg:
		m.done = true
		if msg.err != nil {
			m.err = fmt.Errorf("watch batch: %w", msg.err)
		} else {
			m.err = errors.New("event stream closed before the run finished")
		}
		return m, tea.Quit

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	if m.event == nil {
		return "Connecting...\n"
	}

	var pct float64
	if m.event.Total > 0 {
		pct = float64(m.event.Completed) / float64(m.event.Total)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.event.Status))
	progressBar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d images", m.event.Completed, m.event.Total)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, progressBar, counts, hint)
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nBatch %s continues in background.\nUse 'batchgen get %s' to check status.\n",
			m.watcher.batchID, m.watcher.batchID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}

	summary := ""
	if m.event != nil {
		summary = fmt.Sprintf(" %d/%d images in %s", m.event.Completed, m.event.Total,
			time.Since(m.started).Round(time.Second))
	}
	return m.theme.completedStyle().Render("✓ Completed") + summary + "\n"
}

// nextEvent waits for the next event without blocking Update().
func (m progressModel) nextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return watchDoneMsg{err: <-m.errc}
		}
		return eventMsg(ev)
	}
}

// WatchProgress follows a batch until the awaited run (or, with an empty
// runID, the batch's current run) ends. On a terminal it shows an
// interactive progress bar; otherwise it prints one line per event.
// Returns nil on success or Ctrl+C (background), an error on run failure.
func WatchProgress(ctx context.Context, c *client.Client, batchID, runID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := watcher{client: c, batchID: batchID, runID: runID}
	events, errc := w.stream(ctx)

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return watchPlain(ctx, w, events, errc)
	}

	p := tea.NewProgram(newProgressModel(ctx, w, events, errc))
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		// If user quit with Ctrl+C, the run continues on the server - not an error
		if m.quitting {
			return nil
		}
		return m.err
	}
	return nil
}

// watchPlain prints progress lines for non-interactive output.
func watchPlain(ctx context.Context, w watcher, events <-chan client.Event, errc <-chan error) error {
	for ev := range events {
		fmt.Fprintf(os.Stderr, "[%s] %d/%d images\n", ev.Status, ev.Completed, ev.Total)
		if done, status := w.finished(ctx, ev); done {
			if status == "FAILED" {
				return errRunFailed
			}
			return nil
		}
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("watch batch: %w", err)
	}
	return errors.New("event stream closed before the run finished")
}
