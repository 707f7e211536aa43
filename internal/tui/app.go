// Package tui provides the interactive approval review console.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/gatekeep/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(errorColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

type mode int

const (
	modeList mode = iota
	modeDetail
	modeReject
)

// refreshEvery is how often the list re-polls the daemon.
const refreshEvery = 5 * time.Second

var filters = []models.Stage{
	models.StagePendingApproval,
	models.StageApproved,
	models.StagePlanDraft,
	models.StageNeedsAction,
	"",
}

// App is the main TUI application model.
type App struct {
	client       *Client
	records      []models.Record
	selectedIdx  int
	filterIdx    int
	reason       textinput.Model
	viewport     viewport.Model
	width        int
	height       int
	mode         mode
	returnTo     mode
	rejectID     string
	current      *models.Record
	events       []models.AuditEvent
	message      string
	loading      bool
	daemonOnline bool
}

// New creates a review console talking to the daemon at apiAddr.
func New(apiAddr, actor string) *App {
	ti := textinput.New()
	ti.Placeholder = "Rejection reason"
	ti.CharLimit = 512
	ti.Width = 80

	return &App{
		client:   NewClient(apiAddr, actor),
		reason:   ti,
		viewport: viewport.New(80, 20),
		mode:     modeList,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.fetchRecords(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.mode == modeReject {
			return a.updateReject(msg)
		}
		return a.updateKeys(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.reason.Width = msg.Width - 6
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-8)

	case recordsLoadedMsg:
		a.loading = false
		a.records = msg.records
		if a.selectedIdx >= len(a.records) {
			a.selectedIdx = max(0, len(a.records)-1)
		}

	case detailLoadedMsg:
		a.current = msg.record
		a.events = msg.events
		a.viewport.SetContent(renderDetail(msg.record, msg.events))

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		cmds := []tea.Cmd{a.checkDaemon(), a.tickCmd()}
		if a.mode == modeList {
			cmds = append(cmds, a.fetchRecords())
		}
		return a, tea.Batch(cmds...)

	case commandResultMsg:
		a.message = msg.message
		cmds := []tea.Cmd{a.fetchRecords()}
		if a.mode == modeDetail && a.current != nil {
			cmds = append(cmds, a.fetchDetail(a.current.ID))
		}
		return a, tea.Batch(cmds...)

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}
	return a, nil
}

func (a *App) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return a, tea.Quit

	case "esc":
		if a.mode == modeDetail {
			a.mode = modeList
			a.current = nil
			a.events = nil
			return a, a.fetchRecords()
		}

	case "up", "k":
		if a.mode == modeList && a.selectedIdx > 0 {
			a.selectedIdx--
			return a, nil
		}

	case "down", "j":
		if a.mode == modeList && a.selectedIdx < len(a.records)-1 {
			a.selectedIdx++
			return a, nil
		}

	case "tab":
		if a.mode == modeList {
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			a.selectedIdx = 0
			return a, a.fetchRecords()
		}

	case "enter":
		if a.mode == modeList && len(a.records) > 0 {
			a.mode = modeDetail
			a.viewport.GotoTop()
			return a, a.fetchDetail(a.records[a.selectedIdx].ID)
		}

	case "r":
		if a.mode == modeDetail && a.current != nil {
			return a, a.fetchDetail(a.current.ID)
		}
		return a, tea.Batch(a.fetchRecords(), a.checkDaemon())

	case "a":
		rec, ok := a.pendingTarget()
		if !ok {
			return a, nil
		}
		return a, a.approve(rec.ID)

	case "x":
		rec, ok := a.pendingTarget()
		if !ok {
			return a, nil
		}
		a.returnTo = a.mode
		a.mode = modeReject
		a.rejectID = rec.ID
		a.reason.SetValue("")
		a.message = ""
		return a, a.reason.Focus()
	}

	if a.mode == modeDetail {
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) updateReject(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return a, tea.Quit
	case tea.KeyEsc:
		a.reason.Blur()
		a.mode = a.returnTo
		a.message = "Rejection cancelled"
		return a, nil
	case tea.KeyEnter:
		reason := strings.TrimSpace(a.reason.Value())
		if reason == "" {
			a.message = "Error: a rejection reason is required"
			return a, nil
		}
		a.reason.Blur()
		a.mode = a.returnTo
		return a, a.reject(a.rejectID, reason)
	}

	var cmd tea.Cmd
	a.reason, cmd = a.reason.Update(msg)
	return a, cmd
}

// pendingTarget is the record an approve or reject key applies to.
func (a *App) pendingTarget() (*models.Record, bool) {
	var rec *models.Record
	switch {
	case a.mode == modeDetail && a.current != nil:
		rec = a.current
	case a.mode == modeList && len(a.records) > 0:
		rec = &a.records[a.selectedIdx]
	default:
		a.message = "No record selected"
		return nil, false
	}
	if rec.Stage != models.StagePendingApproval {
		a.message = fmt.Sprintf("Error: %s is %s, not pending approval", shortID(rec.ID), rec.Stage)
		return nil, false
	}
	return rec, true
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("GATEKEEP review")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(a.client.Actor())

	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := max(5, a.height-8)

	switch a.mode {
	case modeList:
		label := fmt.Sprintf(" Stage: [%s]", filterLabel(filters[a.filterIdx]))
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(label) + "\n")
		b.WriteString(a.renderList(contentHeight - 1))
	case modeDetail, modeReject:
		if a.current != nil || a.mode == modeDetail {
			b.WriteString(a.viewport.View())
		} else {
			b.WriteString(a.renderList(contentHeight))
		}
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	if a.mode == modeReject {
		b.WriteString("\n")
		b.WriteString(inputBoxStyle.Render(a.reason.View()))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Records: %d | ↑↓:nav | Enter:open | a:approve | x:reject | Tab:stage | r:refresh | q:quit", len(a.records))
	case modeDetail:
		status = " a:approve | x:reject | r:refresh | ↑↓:scroll | Esc:back"
	case modeReject:
		status = " Enter:reject | Esc:cancel"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderList(height int) string {
	if a.loading && len(a.records) == 0 {
		return "\n  Loading records...\n"
	}
	if len(a.records) == 0 {
		return "\n  Nothing waiting here.\n"
	}

	lines := make([]string, 0, len(a.records))
	for i, rec := range a.records {
		title := rec.Summary
		if title == "" {
			title = rec.ActionType
		}
		row := fmt.Sprintf("%s  %-8s  %-16s  %s", formatPriority(rec.Priority), shortID(rec.ID), rec.ActionType, truncate(title, 60))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+row))
		} else {
			lines = append(lines, itemStyle.Render("  "+row))
		}
	}

	if len(lines) > height {
		start := max(0, a.selectedIdx-height/2)
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

func formatPriority(p models.Priority) string {
	switch p {
	case models.PriorityHigh:
		return lipgloss.NewStyle().Foreground(errorColor).Render("▲ HIGH")
	case models.PriorityMedium:
		return lipgloss.NewStyle().Foreground(warningColor).Render("■ MED ")
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("▽ LOW ")
	}
}

func formatStage(s models.Stage) string {
	switch s {
	case models.StagePendingApproval:
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ PENDING")
	case models.StageApproved:
		return lipgloss.NewStyle().Foreground(secondaryColor).Render("◐ APPROVED")
	case models.StageDone:
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE")
	case models.StageRejected:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ REJECTED")
	default:
		return string(s)
	}
}

func filterLabel(s models.Stage) string {
	if s == "" {
		return "ALL"
	}
	return strings.ToUpper(string(s))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (a *App) fetchRecords() tea.Cmd {
	a.loading = true
	stage := filters[a.filterIdx]
	return func() tea.Msg {
		recs, err := a.client.ListRecords(stage)
		if err != nil {
			return errMsg{err}
		}
		return recordsLoadedMsg{recs}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		rec, err := a.client.GetRecord(id)
		if err != nil {
			return errMsg{err}
		}
		events, _ := a.client.RecordAudit(id, 20)
		return detailLoadedMsg{rec, events}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) approve(id string) tea.Cmd {
	return func() tea.Msg {
		if _, err := a.client.Approve(id); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{fmt.Sprintf("✓ Approved %s", shortID(id))}
	}
}

func (a *App) reject(id, reason string) tea.Cmd {
	return func() tea.Msg {
		if _, err := a.client.Reject(id, reason); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{fmt.Sprintf("✓ Rejected %s", shortID(id))}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type recordsLoadedMsg struct {
	records []models.Record
}

type detailLoadedMsg struct {
	record *models.Record
	events []models.AuditEvent
}

type daemonStatusMsg struct {
	online bool
}

type tickMsg time.Time
