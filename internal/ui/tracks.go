package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/cloudplay-cli/internal/track"
	"github.com/rivo/tview"
)

const maxTitleWidth = 40

// formatDuration renders d as m:ss, or h:mm:ss past an hour.
func formatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, (seconds/60)%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 3 {
		return string(r[:width])
	}
	return string(r[:width-3]) + "..."
}

func (ui *UI) headerCell(text string) *tview.TableCell {
	return tview.NewTableCell(text).
		SetTextColor(ui.colors.trackListHeaderForeground).
		SetBackgroundColor(ui.colors.trackListHeaderBackground).
		SetSelectable(false)
}

func (ui *UI) createTrackTable() *tview.Table {
	table := tview.NewTable().
		SetBorders(false).
		SetSeparator(' ').
		SetSelectable(true, false).
		SetFixed(1, 0)

	table.SetBorder(true).
		SetTitle(fmt.Sprintf("Queue (%d)", ui.queue.Len())).
		SetBorderColor(ui.colors.borders).
		SetTitleColor(ui.colors.foreground).
		SetBackgroundColor(ui.colors.background).
		SetBorderPadding(1, 0, 1, 1)

	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(ui.colors.background).
		Background(ui.colors.highlight))

	table.SetCell(0, 0, ui.headerCell(" ").SetMaxWidth(2))
	table.SetCell(0, 1, ui.headerCell("Title").SetExpansion(2))
	table.SetCell(0, 2, ui.headerCell("Artist").SetExpansion(1))
	table.SetCell(0, 3, ui.headerCell("Length").SetAlign(tview.AlignRight))

	ui.trackList = table
	ui.refreshTrackTable()
	return table
}

func (ui *UI) setTrackRow(row int, index int, t *track.Track) {
	fg := ui.colors.foreground
	if !t.IsPlayable() {
		fg = tcell.ColorDarkGray
	}

	ui.trackList.SetCell(row, 0, tview.NewTableCell(ui.rowIcon(index, t)).
		SetTextColor(fg).
		SetMaxWidth(2))

	ui.trackList.SetCell(row, 1, tview.NewTableCell(truncate(t.Title, maxTitleWidth)).
		SetTextColor(fg).
		SetExpansion(2))

	ui.trackList.SetCell(row, 2, tview.NewTableCell(t.Artist()).
		SetTextColor(fg).
		SetMaxWidth(30).
		SetExpansion(1))

	ui.trackList.SetCell(row, 3, tview.NewTableCell(formatDuration(int64(t.Length().Seconds()))).
		SetTextColor(fg).
		SetAlign(tview.AlignRight))
}

func (ui *UI) rowIcon(index int, t *track.Track) string {
	switch {
	case index == ui.queue.Index() && ui.player.CurrentTrack() != nil:
		if ui.player.IsPaused() {
			return PauseIcon
		}
		return "➤"
	case !t.IsPlayable():
		return "✗"
	default:
		return " "
	}
}

func (ui *UI) refreshTrackTable() {
	if ui.trackList == nil {
		return
	}

	tracks := ui.queue.Tracks()
	for i := range tracks {
		ui.setTrackRow(i+1, i, &tracks[i])
	}
	ui.trackList.SetTitle(fmt.Sprintf("Queue (%d)", len(tracks)))
}

// updatePlayingIndicator refreshes the icon column and animates the playing
// row.
func (ui *UI) updatePlayingIndicator() {
	if ui.trackList == nil {
		return
	}

	playing := ui.queue.Index()
	tracks := ui.queue.Tracks()
	for i := range tracks {
		if cell := ui.trackList.GetCell(i+1, 0); cell != nil {
			cell.SetText(ui.rowIcon(i, &tracks[i]))
		}
	}

	if playing < 0 || playing >= len(tracks) || ui.player.CurrentTrack() == nil {
		return
	}

	nameCell := ui.trackList.GetCell(playing+1, 1)
	if nameCell == nil {
		return
	}

	indicator := ui.getPlayingIndicator()
	name := truncate(tracks[playing].Title, maxTitleWidth-len([]rune(indicator))-1)
	nameCell.SetText(name + " " + indicator)
}

func (ui *UI) selectedIndex() int {
	row, _ := ui.trackList.GetSelection()
	if row <= 0 || row > ui.queue.Len() {
		return -1
	}
	return row - 1
}
