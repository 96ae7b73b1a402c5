package ui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/cloudplay-cli/internal/config"
	"github.com/glebovdev/cloudplay-cli/internal/history"
	"github.com/glebovdev/cloudplay-cli/internal/player"
	"github.com/rivo/tview"
)

func friendlyErrorMessage(errStr string) string {
	if strings.Contains(errStr, "no such host") {
		return "Unable to connect to server.\nPlease check your internet connection."
	}
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused by server.\nThe service may be temporarily unavailable."
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "Connection timed out.\nPlease check your internet connection."
	}
	if strings.Contains(errStr, "network is unreachable") || strings.Contains(errStr, "network read error") {
		return "Network is unreachable.\nPlease check your internet connection."
	}
	if strings.Contains(errStr, "status 401") {
		return "Access denied (401).\nCheck the API token in your config."
	}
	if strings.Contains(errStr, "status 403") {
		return "Track is not available for your account (403)."
	}
	if strings.Contains(errStr, "status 404") {
		return "Track not found (404)."
	}
	if strings.Contains(errStr, "retries exhausted") {
		return "The stream could not be reached after several attempts."
	}
	if strings.Contains(errStr, "track is not playable") {
		return "This track cannot be played."
	}

	if idx := strings.Index(errStr, ": dial"); idx > 0 {
		return errStr[:idx]
	}
	if len(errStr) > 100 {
		return errStr[:100] + "..."
	}
	return errStr
}

func (ui *UI) showError(err error) {
	ui.showPlaybackErrorModal(friendlyErrorMessage(err.Error()))
}

func (ui *UI) showPlaybackErrorModal(message string) {
	doDismiss := func() {
		ui.pages.RemovePage("error-modal")
		ui.app.SetFocus(ui.trackList)
	}

	doRetry := func() {
		doDismiss()
		if index := ui.queue.Index(); index >= 0 {
			ui.runAsync(func() error { return ui.svc.PlayIndex(index) })
		}
	}

	messageView := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetText(fmt.Sprintf("\n[::b]Playback Error[::-]\n\n%s", message))
	messageView.SetTextColor(ui.colors.foreground)
	messageView.SetBackgroundColor(ui.colors.modalBackground)

	hintView := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetText("[::d]Press [::b]R[::d] to retry  •  Press [::b]Esc[::d] to dismiss[::-]")
	hintView.SetTextColor(tcell.ColorDarkGray)
	hintView.SetBackgroundColor(ui.colors.modalBackground)

	content := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(messageView, 0, 1, false).
		AddItem(hintView, 1, 0, false).
		AddItem(nil, 1, 0, false)
	content.SetBackgroundColor(ui.colors.modalBackground)

	frame := tview.NewFrame(content).
		SetBorders(0, 0, 1, 1, 1, 1)
	frame.SetBorder(true).
		SetBorderColor(ui.colors.highlight).
		SetBackgroundColor(ui.colors.modalBackground).
		SetTitle(" Error ").
		SetTitleColor(ui.colors.highlight).
		SetTitleAlign(tview.AlignCenter)

	modalWidth := 50
	modalHeight := 10

	lines := strings.Count(message, "\n") + 1
	if lines > 2 {
		modalHeight += lines - 2
	}
	if modalHeight > 15 {
		modalHeight = 15
	}

	modal := centered(frame, modalWidth, modalHeight)
	modal.SetBackgroundColor(ui.colors.background)

	modal.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyEnter:
			doDismiss()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'r' || event.Rune() == 'R' {
				doRetry()
				return nil
			}
		}
		return event
	})

	ui.pages.AddPage("error-modal", modal, true, true)
	ui.app.SetFocus(modal)
}

func (ui *UI) showHelpModal() {
	configPath, _ := config.GetConfigPath()
	ui.showInfoModal("Help", helpText(ui.colors.helpHotkey.String(), configPath))
}

type shortcut struct {
	keys        []string
	description string
}

var shortcutGroups = []struct {
	title string
	items []shortcut
}{
	{"PLAYBACK", []shortcut{
		{[]string{"Enter"}, "Play selected track"},
		{[]string{"Space"}, "Pause / Resume"},
		{[]string{"n"}, "Next track"},
		{[]string{"p"}, "Previous track"},
		{[]string{"←", "→"}, "Seek -10s / +10s"},
	}},
	{"VOLUME", []shortcut{
		{[]string{"+", "-"}, "Volume up / down"},
		{[]string{"m"}, "Mute / Unmute"},
	}},
	{"QUEUE", []shortcut{
		{[]string{"↑", "↓"}, "Navigate list"},
	}},
	{"APPLICATION", []shortcut{
		{[]string{"?"}, "Show this help"},
		{[]string{"a"}, "About " + config.AppName},
		{[]string{"q", "Esc"}, "Quit"},
	}},
}

func helpText(keyColor, configPath string) string {
	var b strings.Builder
	b.WriteString("[::b]KEYBOARD SHORTCUTS[::-]\n")

	for _, group := range shortcutGroups {
		fmt.Fprintf(&b, "\n[%s]%s[-]\n", keyColor, group.title)
		for _, sc := range group.items {
			keys := make([]string, len(sc.keys))
			width := 0
			for i, k := range sc.keys {
				keys[i] = fmt.Sprintf("[%s]%s[-]", keyColor, k)
				width += len([]rune(k))
			}
			width += 3 * (len(sc.keys) - 1)
			pad := strings.Repeat(" ", max(11-width, 1))
			fmt.Fprintf(&b, "  %s%s%s\n", strings.Join(keys, " / "), pad, sc.description)
		}
	}

	fmt.Fprintf(&b, "\n[%s]CONFIG[-]: %s", keyColor, configPath)
	return b.String()
}

// aboutInfo is what the about screen reports about the running player.
type aboutInfo struct {
	stream      player.StreamInfo
	sessionID   string
	buffer      int
	position    int
	queueLen    int
	configPath  string
	historyPath string
	queuePath   string
}

func aboutText(info aboutInfo, linkColor, dimColor string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]%s[::-] %s\n", config.AppName, config.AppVersion)
	fmt.Fprintf(&b, "[%s]%s, by %s[-]\n", dimColor, config.AppTagline, config.AppAuthor)
	fmt.Fprintf(&b, "[%s:::%s]%s[-:::-]\n", linkColor, config.AppProjectURL, config.AppProjectShort)

	b.WriteString("\n[::b]NOW[::-]\n")
	if stream := streamInfoText(info.stream); stream != "" {
		fmt.Fprintf(&b, "  Stream:  %s\n", stream)
		if info.sessionID != "" {
			fmt.Fprintf(&b, "  Session: %s\n", truncate(info.sessionID, 8))
		}
		fmt.Fprintf(&b, "  Buffer:  %d%%\n", info.buffer)
	} else {
		fmt.Fprintf(&b, "  [%s]Not playing[-]\n", dimColor)
	}
	if info.position >= 0 && info.queueLen > 0 {
		fmt.Fprintf(&b, "  Queue:   %d / %d\n", info.position+1, info.queueLen)
	} else {
		fmt.Fprintf(&b, "  Queue:   %d tracks\n", info.queueLen)
	}

	b.WriteString("\n[::b]FILES[::-]\n")
	for _, f := range []struct{ label, path string }{
		{"Config", info.configPath},
		{"History", info.historyPath},
		{"Queue", info.queuePath},
	} {
		if f.path == "" {
			continue
		}
		fmt.Fprintf(&b, "  %-8s [%s]%s[-]\n", f.label+":", dimColor, tview.Escape(f.path))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (ui *UI) showAboutModal() {
	info := aboutInfo{
		stream:    ui.player.StreamInfo(),
		sessionID: ui.player.SessionID(),
		buffer:    ui.player.BufferHealth(),
		position:  ui.queue.Index(),
		queueLen:  ui.queue.Len(),
		queuePath: ui.config.LastQueue,
	}
	info.configPath, _ = config.GetConfigPath()
	if dir, err := history.GetCacheDir(); err == nil {
		info.historyPath = filepath.Join(dir, history.FileName)
	}

	ui.showInfoModal("About", aboutText(info, "skyblue", "gray"))
}

// showInfoModal shows a bordered text box that any key dismisses.
func (ui *UI) showInfoModal(title, message string) {
	doDismiss := func() {
		ui.pages.RemovePage("modal")
		ui.app.SetFocus(ui.trackList)
	}

	messageView := tview.NewTextView().
		SetDynamicColors(true).
		SetWordWrap(true).
		SetText("\n" + message)
	messageView.SetTextColor(ui.colors.foreground)
	messageView.SetBackgroundColor(ui.colors.modalBackground)

	hintView := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetText("[::d]Press any key to close[::-]")
	hintView.SetTextColor(tcell.ColorDarkGray)
	hintView.SetBackgroundColor(ui.colors.modalBackground)

	content := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(messageView, 0, 1, false).
		AddItem(hintView, 1, 0, false)
	content.SetBackgroundColor(ui.colors.modalBackground)

	frame := tview.NewFrame(content).SetBorders(1, 1, 0, 0, 2, 2)
	frame.SetBorder(true).
		SetBorderColor(ui.colors.borders).
		SetBackgroundColor(ui.colors.modalBackground).
		SetTitle(" " + title + " ").
		SetTitleColor(ui.colors.highlight)

	width := 45
	for _, line := range strings.Split(message, "\n") {
		if n := tview.TaggedStringWidth(line) + 8; n > width {
			width = n
		}
	}
	width = min(width, 72)
	height := min(strings.Count(message, "\n")+7, 38)

	modal := centered(frame, width, height)
	modal.SetBackgroundColor(ui.colors.background)
	modal.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		doDismiss()
		return nil
	})

	ui.pages.AddPage("modal", modal, true, true)
	ui.app.SetFocus(modal)
}

func centered(p tview.Primitive, width, height int) *tview.Flex {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 0, true).
			AddItem(nil, 0, 1, false),
			width, 0, true).
		AddItem(nil, 0, 1, false)
}
