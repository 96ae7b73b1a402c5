package ui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/cloudplay-cli/internal/player"
	"github.com/rivo/tview"
)

// StatusSource is the player state shown in the footer.
type StatusSource interface {
	State() player.PlayerState
	StreamInfo() player.StreamInfo
	BufferHealth() int
}

type StatusRenderer struct {
	source        StatusSource
	isMuted       bool
	animFrame     int
	maxAnimFrame  int
	tickCount     int
	ticksPerFrame int

	bufferHealth         int
	bufferTickCount      int
	bufferTicksPerUpdate int

	lastError    string
	primaryColor string
}

func NewStatusRenderer(source StatusSource) *StatusRenderer {
	return &StatusRenderer{
		source:               source,
		maxAnimFrame:         4,
		ticksPerFrame:        3,  // ~300ms per frame at a 100ms tick
		bufferTicksPerUpdate: 10, // buffer meter refreshes about once per second
	}
}

func (s *StatusRenderer) SetMuted(muted bool) {
	s.isMuted = muted
}

func (s *StatusRenderer) SetPrimaryColor(color string) {
	s.primaryColor = color
}

// SetLastError sets the message shown in the error state.
func (s *StatusRenderer) SetLastError(msg string) {
	s.lastError = msg
}

func (s *StatusRenderer) AdvanceAnimation() {
	s.tickCount++
	if s.tickCount >= s.ticksPerFrame {
		s.tickCount = 0
		s.animFrame = (s.animFrame + 1) % s.maxAnimFrame
	}

	s.bufferTickCount++
	if s.bufferTickCount >= s.bufferTicksPerUpdate {
		s.bufferTickCount = 0
		if s.source != nil {
			s.bufferHealth = s.source.BufferHealth()
		}
	}
}

func (s *StatusRenderer) Render() string {
	if s.source == nil {
		return s.renderIdle()
	}

	switch s.source.State() {
	case player.StateBuffering:
		return s.renderBuffering()
	case player.StatePlaying:
		return s.renderPlaying()
	case player.StatePaused:
		return s.renderPaused()
	case player.StateStalled:
		return s.renderStalled()
	case player.StateEnded:
		return s.renderEnded()
	case player.StateError:
		return s.renderError()
	default:
		return s.renderIdle()
	}
}

func (s *StatusRenderer) renderIdle() string {
	if s.isMuted {
		return "○ IDLE │ [red]MUTED[-] │ Select a track"
	}
	return "○ IDLE │ Select a track"
}

func (s *StatusRenderer) renderBuffering() string {
	circles := []string{"◐", "◓", "◑", "◒"}
	return fmt.Sprintf("%s BUFFERING", circles[s.animFrame])
}

func (s *StatusRenderer) renderPlaying() string {
	dots := []string{"●", "◉", "○", "◉"}
	dot := dots[s.animFrame]

	if s.primaryColor != "" {
		dot = fmt.Sprintf("[%s]%s[-]", s.primaryColor, dot)
	}

	parts := []string{dot + " PLAYING"}

	if s.isMuted {
		parts = append(parts, "[red]MUTED[-]")
	}
	if info := s.formatStreamInfo(); info != "" {
		parts = append(parts, info)
	}

	parts = append(parts, s.formatBufferHealth(s.bufferHealth))

	return joinParts(parts)
}

func (s *StatusRenderer) renderPaused() string {
	parts := []string{PauseIcon + " PAUSED"}

	if s.isMuted {
		parts = append(parts, "[red]MUTED[-]")
	}
	if info := s.formatStreamInfo(); info != "" {
		parts = append(parts, info)
	}

	return joinParts(parts)
}

func (s *StatusRenderer) renderStalled() string {
	return "⚠ STALLED │ skipping"
}

func (s *StatusRenderer) renderEnded() string {
	return "■ ENDED"
}

func (s *StatusRenderer) renderError() string {
	errMsg := s.lastError
	if errMsg == "" {
		errMsg = "ERROR"
	}
	return fmt.Sprintf("✗ %s", errMsg)
}

func (s *StatusRenderer) formatStreamInfo() string {
	return streamInfoText(s.source.StreamInfo())
}

// streamInfoText renders a short format line like "MP3 ST 128k 44.1kHz".
func streamInfoText(info player.StreamInfo) string {
	if info.Format == "" {
		return ""
	}
	sampleRateKHz := float64(info.SampleRate) / 1000.0
	return fmt.Sprintf("%s %s %dk %.1fkHz",
		info.Format,
		channelsShort(info.Channels),
		info.Bitrate,
		sampleRateKHz)
}

func (s *StatusRenderer) formatBufferHealth(percent int) string {
	signalBars := []string{"▁", "▂", "▃", "▅", "▇"}
	const numBars = 5

	filled := (percent * numBars) / 100
	if filled > numBars {
		filled = numBars
	}

	var bar strings.Builder
	for i := 0; i < numBars; i++ {
		if i < filled {
			bar.WriteString(signalBars[i])
		} else {
			bar.WriteString("▁")
		}
	}

	return bar.String()
}

func channelsShort(channels int) string {
	switch channels {
	case 1:
		return "MONO"
	case 2:
		return "ST"
	default:
		return ""
	}
}

func joinParts(parts []string) string {
	return strings.Join(parts, " │ ")
}

func (ui *UI) getPlaybackHint(keyColor string) string {
	switch ui.player.State() {
	case player.StatePaused:
		return fmt.Sprintf("[%s]Enter[-] play  [%s]Space[-] resume", keyColor, keyColor)
	case player.StatePlaying, player.StateBuffering:
		return fmt.Sprintf("[%s]Space[-] pause  [%s]←/→[-] seek  [%s]n/p[-] track", keyColor, keyColor, keyColor)
	default:
		return fmt.Sprintf("[%s]Enter[-] play", keyColor)
	}
}

func (ui *UI) getHelpText() string {
	keyColor := ui.colors.helpHotkey.String()
	playbackHint := ui.getPlaybackHint(keyColor)

	muteText := "mute"
	if ui.isMuted {
		muteText = "unmute"
	}

	return fmt.Sprintf(" %s  [%s]+/-[-] vol  [%s]m[-] %s  [%s]?[-] help  [%s]q[-] quit ",
		playbackHint, keyColor, keyColor, muteText, keyColor, keyColor)
}

func (ui *UI) handleFooterResize(width int) {
	isWide := width >= FooterBreakpoint
	wasWide := ui.lastFooterWidth >= FooterBreakpoint

	if ui.lastFooterWidth > 0 && isWide != wasWide && ui.contentLayout != nil {
		newHeight := FooterHeightWide
		if !isWide {
			newHeight = FooterHeightNarrow
		}
		ui.contentLayout.ResizeItem(ui.helpPanel, newHeight, 0)
	}
	ui.lastFooterWidth = width
}

func (ui *UI) fillRows(screen tcell.Screen, x, y, width, height int, bg tcell.Color) {
	style := tcell.StyleDefault.Background(bg)
	for row := y; row < y+height; row++ {
		for col := x; col < x+width; col++ {
			screen.SetContent(col, row, ' ', nil, style)
		}
	}
}

func (ui *UI) drawWideFooter(screen tcell.Screen, x, y, width, height int, helpText, statusText string) {
	helpWidth := width / 2
	statusWidth := width - helpWidth

	ui.fillRows(screen, x, y, helpWidth, height, ui.colors.helpBackground)
	ui.fillRows(screen, x+helpWidth, y, statusWidth, height, ui.colors.background)

	centerY := y + height/2
	tview.Print(screen, helpText, x, centerY, helpWidth, tview.AlignCenter, ui.colors.helpForeground)
	tview.Print(screen, statusText, x+helpWidth, centerY, statusWidth-2, tview.AlignRight, ui.colors.foreground)
}

func (ui *UI) drawNarrowFooter(screen tcell.Screen, x, y, width, height int, helpText, statusText string) {
	helpHeight := max(height/2, 1)
	statusHeight := height - helpHeight
	helpBoxEnd := y + helpHeight

	ui.fillRows(screen, x, y, width, helpHeight, ui.colors.helpBackground)
	ui.fillRows(screen, x, helpBoxEnd, width, statusHeight, ui.colors.background)

	tview.Print(screen, helpText, x, y+helpHeight/2, width, tview.AlignCenter, ui.colors.helpForeground)

	if statusHeight > 0 {
		tview.Print(screen, statusText, x, helpBoxEnd+statusHeight/2, width-2, tview.AlignRight, ui.colors.foreground)
	}
}

func (ui *UI) createFooter() *tview.Box {
	box := tview.NewBox().SetBackgroundColor(ui.colors.background)

	box.SetDrawFunc(func(screen tcell.Screen, x, y, width, height int) (int, int, int, int) {
		ui.handleFooterResize(width)

		helpText := ui.getHelpText()
		statusText := " " + ui.statusRenderer.Render() + " "

		if width >= FooterBreakpoint {
			ui.drawWideFooter(screen, x, y, width, min(height, FooterHeightWide), helpText, statusText)
		} else {
			ui.drawNarrowFooter(screen, x, y, width, height, helpText, statusText)
		}

		return x, y, width, height
	})

	return box
}
