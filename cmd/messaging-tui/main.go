package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Pragmatic TUI for observing and administering a running messaging core
// process over its admin API.

type viewMode int

const (
	modeQueues viewMode = iota
	modePeek
	modeBench
)

type statsResp struct {
	Published         uint64         `json:"published"`
	Delivered         uint64         `json:"delivered"`
	Failed            uint64         `json:"failed"`
	PendingRequests   int            `json:"pending_requests"`
	QueueDepth        map[string]int `json:"queue_depth"`
	WorkerUtilization float64        `json:"worker_utilization"`
	BreakerState      string         `json:"breaker_state"`
	InFlight          int            `json:"in_flight"`
}

type peekResp struct {
	Queue string `json:"queue"`
	Items []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Type     string `json:"type"`
		Retries  int    `json:"retries"`
		TraceID  string `json:"trace_id"`
	} `json:"items"`
	Count int `json:"count"`
}

type benchResp struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

type client struct {
	base  string
	token string
	hc    *http.Client
}

func (c *client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	return json.Unmarshal(body, out)
}

func (c *client) post(path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	return json.Unmarshal(body, out)
}

type statsMsg struct {
	s   statsResp
	err error
}

type peekMsg struct {
	p   peekResp
	err error
}

type benchMsg struct {
	b   benchResp
	err error
}

type tick struct{}

type model struct {
	c *client

	width  int
	height int

	mode    viewMode
	help    help.Model
	spinner spinner.Model
	loading bool
	errText string

	tbl         table.Model
	peekTargets []string

	lastStats statsResp
	lastPeek  peekResp
	lastBench benchResp

	benchCount    textinput.Model
	benchRate     textinput.Model
	benchPriority textinput.Model
	benchTimeout  textinput.Model

	refreshEvery time.Duration
}

func initialModel(c *client, refreshEvery time.Duration) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	columns := []table.Column{{Title: "Queue", Width: 40}, {Title: "Depth", Width: 10}}
	t := table.New(table.WithColumns(columns), table.WithFocused(true))
	t.KeyMap.LineUp.SetKeys("k", "up")
	t.KeyMap.LineDown.SetKeys("j", "down")
	t.SetStyles(table.Styles{
		Header:   lipgloss.NewStyle().Bold(true),
		Selected: lipgloss.NewStyle().Bold(true),
	})

	bi := textinput.New()
	bi.Placeholder = "count"
	bi.SetValue("1000")
	br := textinput.New()
	br.Placeholder = "rate"
	br.SetValue("500")
	bp := textinput.New()
	bp.Placeholder = "priority"
	bp.SetValue("high")
	bt := textinput.New()
	bt.Placeholder = "timeout (s)"
	bt.SetValue("60")

	return model{
		c:             c,
		mode:          modeQueues,
		help:          help.New(),
		spinner:       sp,
		tbl:           t,
		benchCount:    bi,
		benchRate:     br,
		benchPriority: bp,
		benchTimeout:  bt,
		refreshEvery:  refreshEvery,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tea.Every(m.refreshEvery, func(time.Time) tea.Msg { return tick{} }), spinner.Tick)
}

func (m model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		var s statsResp
		err := m.c.get("/api/v1/stats", &s)
		return statsMsg{s: s, err: err}
	}
}

func (m model) doPeekCmd(target string, n int) tea.Cmd {
	return func() tea.Msg {
		var p peekResp
		err := m.c.get(fmt.Sprintf("/api/v1/queues/%s/peek?count=%d", target, n), &p)
		return peekMsg{p: p, err: err}
	}
}

func (m model) doBenchCmd(priority string, count, rate int, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		var b benchResp
		req := map[string]any{
			"count":            count,
			"priority":         priority,
			"rate":             rate,
			"timeout_seconds":  int(timeout / time.Second),
			"payload_size_bytes": 64,
		}
		err := m.c.post("/api/v1/bench", req, &b)
		return benchMsg{b: b, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "p":
			if m.mode == modeQueues && len(m.peekTargets) > 0 {
				i := m.tbl.Cursor()
				if i >= 0 && i < len(m.peekTargets) {
					m.loading = true
					m.errText = ""
					m.mode = modePeek
					cmds = append(cmds, m.doPeekCmd(m.peekTargets[i], 10), spinner.Tick)
				}
			}
		case "b":
			m.mode = modeBench
			m.benchCount.Focus()
		case "enter":
			if m.mode == modeBench {
				count := atoiDefault(m.benchCount.Value(), 1000)
				rate := atoiDefault(m.benchRate.Value(), 500)
				prio := strings.TrimSpace(m.benchPriority.Value())
				if prio == "" {
					prio = "high"
				}
				to := time.Duration(atoiDefault(m.benchTimeout.Value(), 60)) * time.Second
				m.loading = true
				m.errText = ""
				cmds = append(cmds, m.doBenchCmd(prio, count, rate, to), spinner.Tick)
			}
		case "esc":
			if m.mode != modeQueues {
				m.mode = modeQueues
			}
		}

		if m.mode == modeBench {
			switch msg.String() {
			case "tab", "shift+tab":
				cycleBenchFocus(&m)
			}
			var c tea.Cmd
			m.benchCount, c = m.benchCount.Update(msg)
			cmds = append(cmds, c)
			m.benchRate, c = m.benchRate.Update(msg)
			cmds = append(cmds, c)
			m.benchPriority, c = m.benchPriority.Update(msg)
			cmds = append(cmds, c)
			m.benchTimeout, c = m.benchTimeout.Update(msg)
			cmds = append(cmds, c)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.width > 0 {
			m.tbl.SetWidth(m.width)
		}
		if m.height > 6 {
			m.tbl.SetHeight(m.height - 6)
		}
	case tick:
		cmds = append(cmds, m.refreshCmd(), tea.Every(m.refreshEvery, func(time.Time) tea.Msg { return tick{} }))
	case statsMsg:
		m.loading = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.lastStats = msg.s
			m.errText = ""
			names := make([]string, 0, len(msg.s.QueueDepth))
			for name := range msg.s.QueueDepth {
				names = append(names, name)
			}
			sort.Strings(names)
			rows := make([]table.Row, 0, len(names))
			m.peekTargets = m.peekTargets[:0]
			for _, name := range names {
				rows = append(rows, table.Row{name, fmt.Sprintf("%d", msg.s.QueueDepth[name])})
				m.peekTargets = append(m.peekTargets, name)
			}
			m.tbl.SetRows(rows)
			if m.tbl.Cursor() >= len(rows) && len(rows) > 0 {
				m.tbl.SetCursor(len(rows) - 1)
			}
		}
	case peekMsg:
		m.loading = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.lastPeek = msg.p
		}
	case benchMsg:
		m.loading = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.lastBench = msg.b
		}
	}

	if m.loading {
		var c tea.Cmd
		m.spinner, c = m.spinner.Update(msg)
		cmds = append(cmds, c)
	}
	if m.mode == modeQueues {
		var c tea.Cmd
		m.tbl, c = m.tbl.Update(msg)
		cmds = append(cmds, c)
	}

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("Messaging Core TUI — " + m.c.base)
	sub := fmt.Sprintf("Mode: %s  |  Breaker: %s  |  InFlight: %d  |  Util: %.0f%%",
		modeName(m.mode), m.lastStats.BreakerState, m.lastStats.InFlight, m.lastStats.WorkerUtilization*100)
	if m.errText != "" {
		sub += "  |  Error: " + m.errText
	}
	if m.loading {
		sub += "  " + m.spinner.View()
	}

	body := ""
	switch m.mode {
	case modeQueues:
		body = m.tbl.View()
		body += "\n" + helpBar()
	case modePeek:
		body = renderPeek(m.lastPeek)
		body += "\n" + helpBar()
	case modeBench:
		body = renderBenchForm(m)
		if (m.lastBench.Count > 0 && !m.loading) || m.errText != "" {
			body += "\n" + renderBenchResult(m.lastBench)
		}
		body += "\n" + helpBar()
	}

	return header + "\n" + sub + "\n\n" + body
}

func renderPeek(p peekResp) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Peek: %s\n", p.Queue)
	if len(p.Items) == 0 {
		fmt.Fprintf(b, "(no items)\n")
		return b.String()
	}
	for i, it := range p.Items {
		fmt.Fprintf(b, "[%d] id=%s name=%s type=%s retries=%d trace=%s\n", i, it.ID, it.Name, it.Type, it.Retries, it.TraceID)
	}
	return b.String()
}

func renderBenchForm(m model) string {
	return strings.Join([]string{
		"Bench (enter to run, esc to back):",
		fmt.Sprintf("  Count:    %s", m.benchCount.View()),
		fmt.Sprintf("  Rate/s:   %s", m.benchRate.View()),
		fmt.Sprintf("  Priority: %s", m.benchPriority.View()),
		fmt.Sprintf("  Timeout:  %s seconds", m.benchTimeout.View()),
	}, "\n")
}

func renderBenchResult(b benchResp) string {
	if b.Count == 0 {
		return ""
	}
	return fmt.Sprintf("Bench: count=%d  duration=%s  thr=%.1f/s  p50=%s  p95=%s",
		b.Count, b.Duration.Truncate(time.Millisecond), b.Throughput, b.P50.Truncate(time.Millisecond), b.P95.Truncate(time.Millisecond))
}

func helpBar() string {
	return strings.Join([]string{
		"q:quit",
		"r:refresh",
		"j/k:down/up",
		"p:peek",
		"b:bench",
	}, "  ")
}

func modeName(m viewMode) string {
	switch m {
	case modeQueues:
		return "Queues"
	case modePeek:
		return "Peek"
	case modeBench:
		return "Bench"
	default:
		return "?"
	}
}

func cycleBenchFocus(m *model) {
	if m.benchCount.Focused() {
		m.benchCount.Blur()
		m.benchRate.Focus()
		return
	}
	if m.benchRate.Focused() {
		m.benchRate.Blur()
		m.benchPriority.Focus()
		return
	}
	if m.benchPriority.Focused() {
		m.benchPriority.Blur()
		m.benchTimeout.Focus()
		return
	}
	m.benchTimeout.Blur()
	m.benchCount.Focus()
}

func atoiDefault(s string, def int) int {
	var v int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &v)
	if err != nil {
		return def
	}
	return v
}

func main() {
	var addr, token string
	var refresh time.Duration
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&addr, "addr", "http://localhost:8090", "Admin API base URL")
	fs.StringVar(&token, "token", "", "Bearer token for the admin API")
	fs.DurationVar(&refresh, "refresh", 2*time.Second, "Refresh interval for stats")
	_ = fs.Parse(os.Args[1:])

	c := &client{base: strings.TrimRight(addr, "/"), token: token, hc: &http.Client{Timeout: 5 * time.Second}}

	m := initialModel(c, refresh)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tui error: %v\n", err)
		os.Exit(1)
	}
}
