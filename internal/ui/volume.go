package ui

import (
	"fmt"
	"strings"

	"github.com/glebovdev/cloudplay-cli/internal/config"
	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"
)

const volumeBarHeight = 8

// renderVolumeBar draws the vertical volume meter as tview color markup.
func renderVolumeBar(volume int, muted bool, barColor, dimColor string) string {
	filled := (volume * volumeBarHeight) / 100
	empty := volumeBarHeight - filled

	percent := fmt.Sprintf("%3d%%", volume)
	if muted {
		percent = "[::s]" + percent + "[::-]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]   max[-]\n", dimColor)
	for i := 0; i < empty; i++ {
		fmt.Fprintf(&b, "[%s]    ░░[-]\n", dimColor)
	}
	for i := 0; i < filled; i++ {
		label := "    "
		if i == 0 {
			label = percent
		}
		fmt.Fprintf(&b, "[%s]%s██[-]\n", barColor, label)
	}
	fmt.Fprintf(&b, "[%s]   min[-]", dimColor)
	if filled == 0 {
		fmt.Fprintf(&b, "\n[%s]%s[-]", barColor, percent)
	}
	return b.String()
}

func (ui *UI) createVolumeView() *tview.TextView {
	view := tview.NewTextView().SetDynamicColors(true)
	view.SetBackgroundColor(ui.colors.background)
	ui.volumeView = view
	ui.updateVolumeDisplay()
	return view
}

func (ui *UI) updateVolumeDisplay() {
	if ui.volumeView == nil {
		return
	}

	ui.mu.Lock()
	volume := ui.currentVolume
	muted := ui.isMuted
	if muted {
		volume = ui.config.Volume
	}
	ui.mu.Unlock()

	barColor := ui.colors.highlight.String()
	if muted {
		barColor = ui.config.Theme.MutedVolume
	}
	ui.volumeView.SetText(renderVolumeBar(volume, muted, barColor, ui.colors.foreground.String()))
}

func (ui *UI) adjustVolume(delta int) {
	ui.mu.Lock()

	if ui.isMuted {
		ui.currentVolume = ui.config.Volume
		ui.isMuted = false
		ui.statusRenderer.SetMuted(false)
		ui.mu.Unlock()

		ui.player.SetVolume(ui.currentVolume)
		ui.updateVolumeDisplay()
		log.Debug().Msgf("Auto-unmuted, restored volume to %d%%", ui.currentVolume)
		return
	}

	ui.currentVolume = config.ClampVolume(ui.currentVolume + delta)
	volume := ui.currentVolume
	ui.mu.Unlock()

	ui.player.SetVolume(volume)
	ui.updateVolumeDisplay()
	ui.SaveConfig()
	log.Debug().Msgf("Volume adjusted to %d%%", volume)
}

func (ui *UI) toggleMute() {
	ui.mu.Lock()
	if ui.isMuted {
		ui.currentVolume = ui.config.Volume
		ui.isMuted = false
		log.Debug().Msgf("Unmuted, restored volume to %d%%", ui.currentVolume)
	} else {
		ui.config.Volume = ui.currentVolume
		if ui.currentVolume == 0 {
			ui.config.Volume = config.DefaultVolume
		}
		ui.currentVolume = 0
		ui.isMuted = true
		log.Debug().Msgf("Muted, saved volume %d%%", ui.config.Volume)
	}
	ui.statusRenderer.SetMuted(ui.isMuted)
	volume := ui.currentVolume
	ui.mu.Unlock()

	ui.player.SetVolume(volume)
	ui.updateVolumeDisplay()
	ui.SaveConfig()
}
