package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	apiclient "github.com/eyes-pick/kapsules/pkg/api/client"
)

var pipelineStages = []string{"ai_analysis", "code_gen", "build", "deploy"}

const maxOutputLines = 8

var spinnerFrames = []string{"|", "/", "-", "\\"}

type streamMsg apiclient.StreamMessage

type streamEndMsg struct{ err error }

type tickMsg time.Time

// watchModel renders stage progress for one build inline, without the alt
// screen, so the final state stays in the terminal scrollback.
type watchModel struct {
	projectID string
	buildID   string

	stages  map[string]string
	started map[string]time.Time
	elapsed map[string]time.Duration
	lines   []string

	spin    int
	done    bool
	failure string
	err     error
}

func newWatchModel(projectID, buildID string) watchModel {
	return watchModel{
		projectID: projectID,
		buildID:   buildID,
		stages:    make(map[string]string, len(pipelineStages)),
		started:   make(map[string]time.Time),
		elapsed:   make(map[string]time.Duration),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case streamMsg:
		m.apply(apiclient.StreamMessage(msg))
		if m.done {
			return m, tea.Quit
		}
		return m, nil
	case streamEndMsg:
		m.err = msg.err
		return m, tea.Quit
	case tickMsg:
		m.spin++
		if m.done {
			return m, nil
		}
		return m, tickCmd()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}
	return m, nil
}

// apply folds one stream frame into the model. Frames from other builds of
// the same project are ignored.
func (m *watchModel) apply(msg apiclient.StreamMessage) {
	if m.buildID != "" && msg.BuildID != "" && msg.BuildID != m.buildID {
		return
	}
	switch msg.Type {
	case "output":
		line := strings.TrimRight(msg.Line, "\r\n")
		if line == "" {
			return
		}
		m.lines = append(m.lines, line)
		if len(m.lines) > maxOutputLines {
			m.lines = m.lines[len(m.lines)-maxOutputLines:]
		}
	case "stage":
		if m.buildID == "" {
			m.buildID = msg.BuildID
		}
		m.stages[msg.Stage] = msg.Status
		at := msg.CreatedAt
		if at.IsZero() {
			at = time.Now()
		}
		switch msg.Status {
		case "started":
			m.started[msg.Stage] = at
		case "completed", "failed":
			if start, ok := m.started[msg.Stage]; ok {
				m.elapsed[msg.Stage] = at.Sub(start)
			}
		}
		if msg.Status == "failed" {
			m.done = true
			m.failure = msg.Message
			if m.failure == "" {
				m.failure = msg.Stage + " failed"
			}
		}
		if msg.Stage == "deploy" && msg.Status == "completed" {
			m.done = true
		}
	}
}

func (m watchModel) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kapsule %s", m.projectID)
	if m.buildID != "" {
		fmt.Fprintf(&b, " (build %s)", shortID(m.buildID))
	}
	b.WriteString("\n\n")
	for _, stage := range pipelineStages {
		fmt.Fprintf(&b, "  %s %-12s", m.stageIcon(stage), stage)
		if d, ok := m.elapsed[stage]; ok {
			fmt.Fprintf(&b, " %s", d.Round(100*time.Millisecond))
		}
		b.WriteString("\n")
	}
	if len(m.lines) > 0 {
		b.WriteString("\n")
		for _, line := range m.lines {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}
	switch {
	case m.failure != "":
		fmt.Fprintf(&b, "\nbuild failed: %s\n", m.failure)
	case m.done:
		b.WriteString("\nbuild finished\n")
	default:
		b.WriteString("\npress q to stop watching\n")
	}
	return b.String()
}

func (m watchModel) stageIcon(stage string) string {
	switch m.stages[stage] {
	case "started":
		return spinnerFrames[m.spin%len(spinnerFrames)]
	case "completed":
		return "+"
	case "failed":
		return "x"
	default:
		return "."
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func watchProject(client *apiclient.Client, token, projectID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statusCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	status, err := client.Status(statusCtx, token, projectID)
	cancel()
	if err != nil {
		return err
	}
	if status.Terminal() {
		return printOutcome(status)
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		model := newWatchModel(projectID, status.BuildID)
		p := tea.NewProgram(model, tea.WithContext(streamCtx))
		go func() {
			err := client.StreamEvents(streamCtx, token, projectID, func(msg apiclient.StreamMessage) bool {
				p.Send(streamMsg(msg))
				return true
			})
			p.Send(streamEndMsg{err: err})
		}()
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
	} else {
		model := newWatchModel(projectID, status.BuildID)
		err := client.StreamEvents(streamCtx, token, projectID, func(msg apiclient.StreamMessage) bool {
			if msg.History {
				model.apply(msg)
				return !model.done
			}
			if line := describeFrame(msg); line != "" {
				fmt.Println(line)
			}
			model.apply(msg)
			return !model.done
		})
		if err != nil {
			return err
		}
	}
	cancelStream()

	finalCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	final, err := client.Status(finalCtx, token, projectID)
	if err != nil {
		return err
	}
	if !final.Terminal() {
		fmt.Printf("still %s at %s\n", final.BuildStatus, final.Stage)
		return nil
	}
	return printOutcome(final)
}

func describeFrame(msg apiclient.StreamMessage) string {
	switch msg.Type {
	case "output":
		return "    " + strings.TrimRight(msg.Line, "\r\n")
	case "stage":
		line := fmt.Sprintf("[%s] %s", msg.Stage, msg.Status)
		if msg.Message != "" {
			line += ": " + msg.Message
		}
		return line
	}
	return ""
}

func printOutcome(status apiclient.Status) error {
	switch status.BuildStatus {
	case "built":
		fmt.Printf("built: %s\n", status.PreviewURL)
		return nil
	case "failed":
		return fmt.Errorf("build failed: %s", status.Diagnostics)
	default:
		fmt.Printf("project %s is %s\n", status.ProjectID, status.BuildStatus)
		return nil
	}
}
