package ui

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/cloudplay-cli/internal/analyzer"
	"github.com/glebovdev/cloudplay-cli/internal/config"
	"github.com/glebovdev/cloudplay-cli/internal/player"
	"github.com/glebovdev/cloudplay-cli/internal/queue"
	"github.com/glebovdev/cloudplay-cli/internal/service"
	"github.com/glebovdev/cloudplay-cli/internal/track"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"
)

const (
	VolumeStep         = 5
	HeaderHeight       = 3
	FooterHeightWide   = 3 // Wide: 1 row with padding (top + text + bottom)
	FooterHeightNarrow = 6 // Narrow: 2 rows × 3 lines each
	PlayerPanelHeight  = 12
	FooterBreakpoint   = 130 // Width threshold for responsive footer
	RefreshInterval    = 100 * time.Millisecond
	MeterWidth         = 24
)

// PauseIcon uses platform-specific character (Windows renders ⏸ as emoji)
var PauseIcon = func() string {
	if runtime.GOOS == "windows" {
		return "❚❚"
	}
	return "⏸"
}()

type UI struct {
	app             *tview.Application
	svc             *service.PlaybackService
	player          *player.Player
	queue           *queue.Queue
	config          *config.Config
	trackList       *tview.Table
	helpPanel       *tview.Box
	contentLayout   *tview.Flex
	titleView       *tview.TextView
	artistView      *tview.TextView
	detailsView     *tview.TextView
	progressView    *tview.TextView
	metersView      *tview.TextView
	volumeView      *tview.TextView
	mainLayout      *tview.Flex
	pages           *tview.Pages
	startIndex      int
	currentVolume   int
	isMuted         bool
	lastFooterWidth int // Track width to detect layout changes
	mu              sync.Mutex
	animationFrame  int
	playingSpinner  *PlayingSpinner
	statusRenderer  *StatusRenderer
	colors          struct {
		background                tcell.Color
		foreground                tcell.Color
		borders                   tcell.Color
		highlight                 tcell.Color
		headerBackground          tcell.Color
		trackListHeaderBackground tcell.Color
		trackListHeaderForeground tcell.Color
		helpBackground            tcell.Color
		helpForeground            tcell.Color
		helpHotkey                tcell.Color
		genreTagBackground        tcell.Color
		modalBackground           tcell.Color
		bassMeter                 tcell.Color
		midMeter                  tcell.Color
		highMeter                 tcell.Color
	}
}

// NewUI builds the interface. startIndex is the queue entry played on start,
// or -1 to wait for the user.
func NewUI(p *player.Player, svc *service.PlaybackService, cfg *config.Config, startIndex int) *UI {
	ui := &UI{
		app:           tview.NewApplication(),
		player:        p,
		svc:           svc,
		queue:         svc.Queue(),
		config:        cfg,
		startIndex:    startIndex,
		currentVolume: cfg.Volume,
	}

	ui.colors.background = config.GetColor(cfg.Theme.Background)
	ui.colors.foreground = config.GetColor(cfg.Theme.Foreground)
	ui.colors.borders = config.GetColor(cfg.Theme.Borders)
	ui.colors.highlight = config.GetColor(cfg.Theme.Highlight)
	ui.colors.headerBackground = config.GetColor(cfg.Theme.HeaderBackground)
	ui.colors.trackListHeaderBackground = config.GetColor(cfg.Theme.TrackListHeaderBackground)
	ui.colors.trackListHeaderForeground = config.GetColor(cfg.Theme.TrackListHeaderForeground)
	ui.colors.helpBackground = config.GetColor(cfg.Theme.HelpBackground)
	ui.colors.helpForeground = config.GetColor(cfg.Theme.HelpForeground)
	ui.colors.helpHotkey = config.GetColor(cfg.Theme.HelpHotkey)
	ui.colors.genreTagBackground = config.GetColor(cfg.Theme.GenreTagBackground)
	ui.colors.modalBackground = config.GetColor(cfg.Theme.ModalBackground)
	ui.colors.bassMeter = config.GetColor(cfg.Theme.BassMeter)
	ui.colors.midMeter = config.GetColor(cfg.Theme.MidMeter)
	ui.colors.highMeter = config.GetColor(cfg.Theme.HighMeter)

	p.SetVolume(cfg.Volume)
	log.Debug().Msgf("Loaded volume from config: %d%%", cfg.Volume)

	ui.statusRenderer = NewStatusRenderer(p)
	ui.statusRenderer.SetPrimaryColor(ui.colors.highlight.String())

	return ui
}

func (ui *UI) SaveConfig() {
	ui.mu.Lock()
	if !ui.isMuted {
		ui.config.Volume = ui.currentVolume
	}
	ui.mu.Unlock()

	if err := ui.config.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to save config")
	}
}

func (ui *UI) stop() {
	ui.svc.StopTicker()
	ui.svc.Stop()
	ui.app.Stop()
}

// Shutdown stops the UI gracefully from external callers (e.g., signal handlers).
func (ui *UI) Shutdown() {
	ui.app.QueueUpdateDraw(func() {
		ui.stop()
	})
}

func (ui *UI) Run() error {
	ui.setupUI()
	ui.app.SetRoot(ui.pages, true).EnableMouse(true)
	ui.app.SetFocus(ui.trackList)
	ui.configureScreen()

	ui.svc.OnTrackChange(ui.onTrackChanged)
	ui.svc.StartTicker(RefreshInterval, ui.onTick)

	if ui.startIndex >= 0 && ui.startIndex < ui.queue.Len() {
		ui.trackList.Select(ui.startIndex+1, 0)
		ui.runAsync(func() error { return ui.svc.PlayIndex(ui.startIndex) })
	}

	return ui.app.Run()
}

func (ui *UI) configureScreen() {
	bgStyle := tcell.StyleDefault.Background(ui.colors.background)
	ui.app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		screen.SetStyle(bgStyle)
		screen.Clear()
		return false
	})

	var titleSet sync.Once
	ui.app.SetAfterDrawFunc(func(screen tcell.Screen) {
		titleSet.Do(func() { screen.SetTitle(config.AppName) })
	})
}

func (ui *UI) setupUI() {
	header := ui.createHeader()

	playerPanel := ui.createNowPlayingPanel()

	ui.createTrackTable()

	ui.helpPanel = ui.createFooter()

	ui.contentLayout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, HeaderHeight, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(playerPanel, PlayerPanelHeight, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.trackList, 0, 1, true).
		AddItem(ui.helpPanel, FooterHeightWide, 0, false)
	ui.contentLayout.SetBackgroundColor(ui.colors.background)

	wrapper := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(nil, 3, 0, false).
		AddItem(ui.contentLayout, 0, 1, true).
		AddItem(nil, 3, 0, false)
	wrapper.SetBackgroundColor(ui.colors.background)

	ui.mainLayout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 1, 0, false).
		AddItem(wrapper, 0, 1, true).
		AddItem(nil, 1, 0, false)
	ui.mainLayout.SetBackgroundColor(ui.colors.background)

	ui.pages = tview.NewPages().
		AddPage("main", ui.mainLayout, true, true)
	ui.pages.SetBackgroundColor(ui.colors.background)

	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if ui.pages.HasPage("modal") || ui.pages.HasPage("error-modal") {
			return event
		}
		return ui.globalInputHandler(event)
	})
}

func (ui *UI) createHeader() tview.Primitive {
	titleView := tview.NewTextView()
	titleView.SetText(" " + config.AppName)
	titleView.SetTextAlign(tview.AlignLeft)
	titleView.SetTextColor(ui.colors.foreground)
	titleView.SetBackgroundColor(ui.colors.headerBackground)

	versionView := tview.NewTextView()
	versionView.SetText("v" + config.AppVersion + " ")
	versionView.SetTextAlign(tview.AlignRight)
	versionView.SetTextColor(ui.colors.foreground)
	versionView.SetBackgroundColor(ui.colors.headerBackground)

	textFlex := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(tview.NewBox().SetBackgroundColor(ui.colors.headerBackground), 1, 0, false).
		AddItem(titleView, 0, 1, false).
		AddItem(versionView, 10, 0, false).
		AddItem(tview.NewBox().SetBackgroundColor(ui.colors.headerBackground), 1, 0, false)
	textFlex.SetBackgroundColor(ui.colors.headerBackground)

	headerFlex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tview.NewBox().SetBackgroundColor(ui.colors.headerBackground), 1, 0, false).
		AddItem(textFlex, 1, 0, false).
		AddItem(tview.NewBox().SetBackgroundColor(ui.colors.headerBackground), 1, 0, false)
	headerFlex.SetBackgroundColor(ui.colors.headerBackground)

	return headerFlex
}

func (ui *UI) newLabel(text string) *tview.TextView {
	label := tview.NewTextView()
	label.SetText(text)
	label.SetTextColor(ui.colors.foreground)
	label.SetBackgroundColor(ui.colors.background)
	label.SetWrap(false)
	return label
}

func (ui *UI) newValue(bold bool) *tview.TextView {
	view := tview.NewTextView()
	view.SetDynamicColors(true)
	view.SetTextColor(ui.colors.highlight)
	view.SetBackgroundColor(ui.colors.background)
	view.SetWrap(false)
	if bold {
		view.SetTextStyle(tcell.StyleDefault.Background(ui.colors.background).Attributes(tcell.AttrBold))
	}
	return view
}

func (ui *UI) createNowPlayingPanel() *tview.Flex {
	ui.titleView = ui.newValue(true)
	ui.artistView = ui.newValue(false)
	ui.detailsView = ui.newValue(false)
	ui.progressView = ui.newValue(false)
	ui.metersView = ui.newValue(false)

	info := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(ui.newLabel(" Track:"), 1, 0, false).
		AddItem(ui.titleView, 1, 0, false).
		AddItem(ui.newLabel(" Artist:"), 1, 0, false).
		AddItem(ui.artistView, 1, 0, false).
		AddItem(ui.detailsView, 1, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.progressView, 1, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(ui.metersView, 3, 0, false).
		AddItem(nil, 0, 1, false)
	info.SetBackgroundColor(ui.colors.background)

	content := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(nil, 4, 0, false).
		AddItem(info, 0, 1, false).
		AddItem(ui.createVolumeView(), 8, 0, false).
		AddItem(nil, 4, 0, false)
	content.SetBackgroundColor(ui.colors.background)

	ui.showTrack(nil)
	return content
}

// genreMarkup renders "a|b" genres as background-colored tags.
func genreMarkup(genre, fg, bg string) string {
	if strings.TrimSpace(genre) == "" {
		return ""
	}
	var tags []string
	for _, g := range strings.Split(genre, "|") {
		if g = strings.TrimSpace(g); g != "" {
			tags = append(tags, fmt.Sprintf("[%s:%s] %s [-:-]", fg, bg, g))
		}
	}
	return strings.Join(tags, " ")
}

func (ui *UI) showTrack(t *track.Track) {
	highlight := ui.colors.highlight.String()

	if t == nil {
		ui.titleView.SetText(" [::d]Nothing playing[::-]")
		ui.artistView.SetText("")
		ui.detailsView.SetText("")
		ui.progressView.SetText("")
		ui.metersView.SetText(ui.renderMeters(analyzer.Bands{}))
		return
	}

	ui.titleView.SetText(fmt.Sprintf(" [%s]%s[-]", highlight, tview.Escape(t.Title)))
	ui.artistView.SetText(fmt.Sprintf(" [%s]%s[-]", highlight, tview.Escape(t.Artist())))

	details := genreMarkup(t.Genre, ui.colors.foreground.String(), ui.colors.genreTagBackground.String())
	if t.IsHistoryTrack() {
		details = strings.TrimSpace(details + " [::d]from history[::-]")
	}
	ui.detailsView.SetText(" " + details)
}

// renderProgress draws "elapsed ━━━──── total" in width cells.
func renderProgress(pos, dur time.Duration, width int) string {
	elapsed := formatDuration(int64(pos.Seconds()))
	total := formatDuration(int64(dur.Seconds()))

	barWidth := width - len(elapsed) - len(total) - 2
	if barWidth < 1 {
		return elapsed + " / " + total
	}

	filled := 0
	if dur > 0 {
		filled = int(float64(barWidth) * float64(pos) / float64(dur))
	}
	filled = min(max(filled, 0), barWidth)

	return elapsed + " " + strings.Repeat("━", filled) + strings.Repeat("─", barWidth-filled) + " " + total
}

// renderMeter draws one band level in [0, 1] as a horizontal bar.
func renderMeter(label string, level float64, width int, color string) string {
	filled := int(level*float64(width) + 0.5)
	filled = min(max(filled, 0), width)
	return fmt.Sprintf("%-4s [%s]%s[-]%s", label, color, strings.Repeat("█", filled), strings.Repeat("░", width-filled))
}

func (ui *UI) renderMeters(b analyzer.Bands) string {
	return strings.Join([]string{
		" " + renderMeter("BASS", b.Bass, MeterWidth, ui.colors.bassMeter.String()),
		" " + renderMeter("MID", b.Mid, MeterWidth, ui.colors.midMeter.String()),
		" " + renderMeter("HIGH", b.High, MeterWidth, ui.colors.highMeter.String()),
	}, "\n")
}

type PlayingSpinner struct {
	Frames []string
	FPS    time.Duration
}

func NewPlayingSpinner() *PlayingSpinner {
	return &PlayingSpinner{
		Frames: []string{"⣾ ", "⣽ ", "⣻ ", "⢿ ", "⡿ ", "⣟ ", "⣯ ", "⣷ "},
		FPS:    time.Second / 10,
	}
}

func (ui *UI) getPlayingIndicator() string {
	if ui.playingSpinner == nil {
		ui.playingSpinner = NewPlayingSpinner()
	}

	ui.mu.Lock()
	frame := ui.animationFrame
	ui.mu.Unlock()

	if ui.player.IsPaused() {
		return ""
	}
	return ui.playingSpinner.Frames[frame%len(ui.playingSpinner.Frames)]
}

// onTick runs on the playback ticker after the service consumed results.
func (ui *UI) onTick() {
	ui.mu.Lock()
	ui.animationFrame++
	ui.mu.Unlock()

	ui.statusRenderer.AdvanceAnimation()
	bands := ui.player.Analyze()
	pos, dur := ui.player.Position(), ui.player.Duration()
	playing := ui.player.CurrentTrack() != nil

	ui.app.QueueUpdateDraw(func() {
		if playing {
			_, _, width, _ := ui.progressView.GetInnerRect()
			ui.progressView.SetText(" " + renderProgress(pos, dur, width-2))
		}
		ui.metersView.SetText(ui.renderMeters(bands))
		ui.updatePlayingIndicator()
	})
}

func (ui *UI) onTrackChanged(t *track.Track) {
	index := ui.queue.Index()
	tags := ui.player.Tags()

	ui.app.QueueUpdateDraw(func() {
		ui.refreshTrackTable()
		ui.showTrack(t)
		if t == nil {
			return
		}
		if tags != nil && tags.Album != "" {
			ui.detailsView.SetText(ui.detailsView.GetText(false) + " [::d]" + tview.Escape(tags.Album) + "[::-]")
		}
		ui.trackList.Select(index+1, 0)
	})
}

// runAsync keeps blocking player work off the event loop.
func (ui *UI) runAsync(action func() error) {
	go func() {
		err := action()
		if err == nil {
			return
		}
		if errors.Is(err, service.ErrStopped) {
			return
		}
		if errors.Is(err, service.ErrEndOfQueue) {
			log.Debug().Msg("Reached the end of the queue")
			return
		}
		log.Error().Err(err).Msg("Playback action failed")
		ui.app.QueueUpdateDraw(func() {
			ui.statusRenderer.SetLastError(friendlyErrorMessage(err.Error()))
			ui.showError(err)
		})
	}()
}

func (ui *UI) playSelected() {
	index := ui.selectedIndex()
	if index < 0 {
		return
	}
	ui.runAsync(func() error { return ui.svc.PlayIndex(index) })
}

func (ui *UI) globalInputHandler(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			ui.stop()
			return nil
		case ' ':
			if ui.player.CurrentTrack() != nil {
				ui.runAsync(func() error {
					ui.svc.TogglePause()
					return nil
				})
			} else {
				ui.playSelected()
			}
			return nil
		case 'n', 'N', '>':
			ui.runAsync(ui.svc.Next)
			return nil
		case 'p', 'P', '<':
			ui.runAsync(ui.svc.Previous)
			return nil
		case '+', '=':
			ui.adjustVolume(VolumeStep)
			return nil
		case '-', '_':
			ui.adjustVolume(-VolumeStep)
			return nil
		case 'm', 'M':
			ui.toggleMute()
			return nil
		case '?':
			ui.showHelpModal()
			return nil
		case 'a', 'A':
			ui.showAboutModal()
			return nil
		}
	case tcell.KeyEnter:
		ui.playSelected()
		return nil
	case tcell.KeyEscape:
		ui.stop()
		return nil
	case tcell.KeyRight:
		ui.runAsync(func() error { return ui.seek(service.SeekStep) })
		return nil
	case tcell.KeyLeft:
		ui.runAsync(func() error { return ui.seek(-service.SeekStep) })
		return nil
	}
	return event
}

func (ui *UI) seek(delta time.Duration) error {
	if err := ui.svc.Seek(delta); err != nil && !errors.Is(err, player.ErrNotPlaying) {
		return err
	}
	return nil
}
