// Package explorer is the interactive blob browser. A Machine decides
// what is shown; Model renders it with bubbletea and runs the lookups.
package explorer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/events"
	"github.com/InsulaLabs/onvm/internal/format"
	"github.com/InsulaLabs/onvm/internal/notify"
	"github.com/InsulaLabs/onvm/internal/share"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	Title    = "🌐 ONVM Blob Gateway"
	Subtitle = "Decentralized Content Delivery Network"

	toastTTL   = 3 * time.Second
	noteBuffer = 32
)

type Config struct {
	Logger  *slog.Logger
	Context context.Context

	Resolver     blob.Resolver
	PublicOrigin string

	// Bus carries the session's notifications. A private bus is made
	// when nil.
	Bus         events.PubSub
	Clipboard   Clipboard
	DownloadDir string
	InitialID   string
}

type screen int

const (
	screenExplorer screen = iota
	screenShare
)

type infoMsg struct {
	seq  uint64
	info blob.Info
	err  error
}

type previewMsg struct {
	seq     uint64
	preview Preview
	err     error
}

type downloadMsg struct {
	path string
	err  error
}

type noteMsg notify.Notification

type toastExpiredMsg struct{ id string }

type Model struct {
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	resolver blob.Resolver
	origin   string
	clip     Clipboard
	dlDir    string
	initial  string

	notifier *notify.Notifier
	notes    <-chan notify.Notification
	unsub    events.Unsubscriber

	machine  *Machine
	input    textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	help     help.Model
	keys     keyMap

	screen screen
	links  share.Links
	toasts []notify.Notification
	width  int
}

func New(cfg Config) (*Model, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("explorer: resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parent := cfg.Context
	if parent == nil {
		parent = context.Background()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewPubSub(events.Config{Topics: events.DefaultTopics})
	}
	dlDir := cfg.DownloadDir
	if dlDir == "" {
		dlDir = "downloads"
	}
	clip := cfg.Clipboard
	if clip == nil {
		clip = SystemClipboard{}
	}

	notifier, err := notify.New(bus, "explorer", logger)
	if err != nil {
		return nil, err
	}
	notes, unsub, err := notify.Subscribe(bus, noteBuffer)
	if err != nil {
		return nil, err
	}

	ti := textinput.New()
	ti.Placeholder = "Enter a Blob ID"
	ti.Prompt = "┃ "
	ti.CharLimit = blob.MaxIDLength
	ti.Width = blob.IDLength + 8
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	ctx, cancel := context.WithCancel(parent)
	return &Model{
		logger:   logger.WithGroup("explorer"),
		ctx:      ctx,
		cancel:   cancel,
		resolver: cfg.Resolver,
		origin:   cfg.PublicOrigin,
		clip:     clip,
		dlDir:    dlDir,
		initial:  cfg.InitialID,
		notifier: notifier,
		notes:    notes,
		unsub:    unsub,
		machine:  NewMachine(),
		input:    ti,
		spinner:  sp,
		viewport: viewport.New(80, 10),
		help:     help.New(),
		keys:     defaultKeyMap(),
	}, nil
}

// Close stops the notification feed and cancels outstanding requests.
func (m *Model) Close() {
	m.cancel()
	m.unsub()
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.waitForNote()}
	if m.initial != "" {
		m.input.SetValue(m.initial)
		cmds = append(cmds, m.submit())
	}
	return tea.Batch(cmds...)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.viewport.Width = max(20, msg.Width-4)
		m.viewport.Height = max(3, msg.Height-24)
		return m, nil

	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case infoMsg:
		if msg.err != nil {
			if m.machine.Failed(msg.seq, msg.err) {
				m.logger.Debug("Lookup failed", "id", m.machine.ID(), "error", msg.err)
				m.notifier.Error(m.ctx, notify.MsgInfoFailed, msg.err)
			}
			return m, nil
		}
		if m.machine.Resolved(msg.seq, msg.info) {
			m.notifier.Success(m.ctx, notify.MsgInfoLoaded)
		}
		return m, nil

	case previewMsg:
		if msg.err != nil {
			if m.machine.PreviewFailed(msg.seq, msg.err) {
				m.notifier.Error(m.ctx, notify.MsgBlobFailed, msg.err)
			}
			return m, nil
		}
		if m.machine.PreviewLoaded(msg.seq, msg.preview) {
			m.viewport.SetContent(msg.preview.Describe())
			m.viewport.GotoTop()
			m.notifier.Success(m.ctx, notify.MsgBlobLoaded)
		}
		return m, nil

	case downloadMsg:
		if msg.err != nil {
			m.notifier.Error(m.ctx, notify.MsgDownloadFailed, msg.err)
			return m, nil
		}
		m.logger.Info("Blob downloaded", "path", msg.path)
		m.notifier.Success(m.ctx, notify.MsgDownloadComplete)
		return m, nil

	case noteMsg:
		note := notify.Notification(msg)
		m.toasts = append(m.toasts, note)
		return m, tea.Batch(m.waitForNote(), expireToast(note.ID))

	case toastExpiredMsg:
		for i, note := range m.toasts {
			if note.ID == msg.id {
				m.toasts = append(m.toasts[:i], m.toasts[i+1:]...)
				break
			}
		}
		return m, nil

	case spinner.TickMsg:
		if !m.busy() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) busy() bool {
	if m.machine.State() == Loading {
		return true
	}
	_, loaded := m.machine.Preview()
	return m.machine.State() == Previewing && !loaded
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if msg.Type == tea.KeyCtrlC {
		m.Close()
		return tea.Quit
	}

	if m.input.Focused() {
		switch {
		case key.Matches(msg, m.keys.Submit):
			return m.submit()
		case key.Matches(msg, m.keys.Back):
			m.input.Blur()
			return nil
		}
		if msg.Alt && m.screen == screenExplorer {
			if cmd, ok := m.action(msg); ok {
				return cmd
			}
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.Close()
		return tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return nil
	}

	if m.screen == screenShare {
		switch {
		case key.Matches(msg, m.keys.Direct):
			m.copy(m.links.Direct, notify.MsgDirectCopied)
		case key.Matches(msg, m.keys.Embed):
			m.copy(m.links.Embed, notify.MsgEmbedCopied)
		case key.Matches(msg, m.keys.Back):
			m.screen = screenExplorer
		}
		return nil
	}

	switch {
	case key.Matches(msg, m.keys.Submit):
		return m.submit()
	case key.Matches(msg, m.keys.Focus):
		m.input.Focus()
		return textinput.Blink
	}
	if cmd, ok := m.action(msg); ok {
		return cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return cmd
}

// action runs the blob action bound to msg, if any.
func (m *Model) action(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.View):
		return m.view(), true
	case key.Matches(msg, m.keys.Download):
		return m.download(), true
	case key.Matches(msg, m.keys.Share):
		m.openShare()
		return nil, true
	case key.Matches(msg, m.keys.CDNLink):
		if links, ok := m.currentLinks(); ok {
			m.copy(links.Direct, notify.MsgCDNLinkCopied)
		}
		return nil, true
	}
	return nil, false
}

func (m *Model) submit() tea.Cmd {
	lookup, err := m.machine.Submit(m.input.Value())
	if err != nil {
		m.notifier.Error(m.ctx, notify.MsgEmptyID, nil)
		return nil
	}
	m.screen = screenExplorer
	m.viewport.SetContent("")
	return tea.Batch(m.spinner.Tick, m.fetchInfo(lookup))
}

func (m *Model) fetchInfo(lookup Lookup) tea.Cmd {
	return func() tea.Msg {
		info, err := m.resolver.GetInfo(m.ctx, lookup.ID)
		return infoMsg{seq: lookup.Seq, info: info, err: err}
	}
}

func (m *Model) view() tea.Cmd {
	lookup, err := m.machine.View()
	if err != nil {
		m.notifier.Error(m.ctx, notify.MsgNoBlob, nil)
		return nil
	}
	info, _ := m.machine.Info()
	return tea.Batch(m.spinner.Tick, m.fetchPreview(lookup, m.directLink(info)))
}

func (m *Model) fetchPreview(lookup Lookup, direct string) tea.Cmd {
	return func() tea.Msg {
		preview, err := LoadPreview(m.ctx, m.resolver, lookup.ID, direct)
		return previewMsg{seq: lookup.Seq, preview: preview, err: err}
	}
}

func (m *Model) download() tea.Cmd {
	info, ok := m.machine.Info()
	if !ok {
		m.notifier.Error(m.ctx, notify.MsgNoBlob, nil)
		return nil
	}
	m.notifier.Info(m.ctx, notify.MsgDownloadStarted)
	dir := m.dlDir
	return func() tea.Msg {
		path, err := Download(m.ctx, m.resolver, info.ID, dir)
		return downloadMsg{path: path, err: err}
	}
}

func (m *Model) openShare() {
	links, ok := m.currentLinks()
	if !ok {
		return
	}
	m.links = links
	m.screen = screenShare
	// Share keys are plain letters.
	m.input.Blur()
}

// directLink is the CDN link for info, or "" when the origin is unusable.
// Unlike currentLinks it never notifies.
func (m *Model) directLink(info blob.Info) string {
	links, err := share.DeriveFor(m.origin, info.ID, info.ContentType())
	if err != nil {
		return ""
	}
	return links.Direct
}

// currentLinks derives links for the loaded blob, notifying when there
// is none or the origin is unusable.
func (m *Model) currentLinks() (share.Links, bool) {
	info, ok := m.machine.Info()
	if !ok {
		m.notifier.Error(m.ctx, notify.MsgNoBlob, nil)
		return share.Links{}, false
	}
	links, err := share.DeriveFor(m.origin, info.ID, info.ContentType())
	if err != nil {
		m.logger.Warn("Could not derive share links", "origin", m.origin, "error", err)
		m.notifier.Error(m.ctx, "Could not build share links", err)
		return share.Links{}, false
	}
	return links, true
}

func (m *Model) copy(text, success string) {
	if err := m.clip.Copy(text); err != nil {
		m.notifier.Error(m.ctx, notify.MsgCopyFailed, err)
		return
	}
	m.notifier.Success(m.ctx, success)
}

func (m *Model) waitForNote() tea.Cmd {
	return func() tea.Msg {
		select {
		case note := <-m.notes:
			return noteMsg(note)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func expireToast(id string) tea.Cmd {
	return tea.Tick(toastTTL, func(time.Time) tea.Msg {
		return toastExpiredMsg{id: id}
	})
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(Title))
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render(Subtitle))
	b.WriteString("\n\n")

	if m.screen == screenShare {
		b.WriteString(m.shareView())
		b.WriteString("\n")
		b.WriteString(m.help.View(shareKeys{m.keys}))
	} else {
		b.WriteString(m.explorerView())
		b.WriteString("\n")
		b.WriteString(m.help.View(explorerKeys{m.keys}))
	}

	for _, note := range m.toasts {
		style, ok := toastStyles[string(note.Level)]
		if !ok {
			style = toastStyles["info"]
		}
		b.WriteString("\n")
		b.WriteString(style.Render(note.Message))
	}
	return b.String()
}

func (m *Model) explorerView() string {
	var b strings.Builder
	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	if m.machine.State() == Loading {
		b.WriteString(m.spinner.View() + " Fetching blob info...\n")
		return b.String()
	}

	info, ok := m.machine.Info()
	if !ok {
		return b.String()
	}
	b.WriteString(panelStyle.Render(infoPanel(info, m.directLink(info))))
	b.WriteString("\n")

	if m.machine.State() == Previewing {
		if _, loaded := m.machine.Preview(); loaded {
			b.WriteString(panelStyle.Render(m.viewport.View()))
		} else {
			b.WriteString(m.spinner.View() + " Loading preview...")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func infoPanel(info blob.Info, direct string) string {
	rows := [][2]string{
		{"ID", format.TruncateID(info.ID)},
		{"Size", format.FormatSize(info.Size)},
		{"Chunks", strconv.Itoa(info.ChunkCount)},
		{"Subchunks", strconv.Itoa(info.SubchunkCount)},
		{"MIME Type", format.MimeType(info)},
		{"Detected Type", format.DetectedMimeType(info)},
		{"Available Locally", format.Availability(info)},
	}
	if direct != "" {
		rows = append(rows, [2]string{"CDN Link", direct})
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(row[0]), valueStyle.Render(row[1])))
	}
	return strings.Join(lines, "\n")
}

func (m *Model) shareView() string {
	rows := []string{
		labelStyle.Render("Blob") + valueStyle.Render(format.TruncateID(m.links.ID)),
	}
	if info, ok := m.machine.Info(); ok {
		rows = append(rows,
			labelStyle.Render("Type")+valueStyle.Render(info.ContentType()),
			labelStyle.Render("Size")+valueStyle.Render(format.FormatSize(info.Size)),
		)
	}
	rows = append(rows,
		labelStyle.Render("Direct link")+linkStyle.Render(m.links.Direct),
		labelStyle.Render("Share page")+linkStyle.Render(m.links.Share),
		labelStyle.Render("Embed code"),
		valueStyle.Render(m.links.Embed),
	)
	return panelStyle.Render(strings.Join(rows, "\n")) + "\n"
}
