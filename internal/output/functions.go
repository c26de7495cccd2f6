package output

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/corvid-labs/magpie/internal/utils"
)

// ProgressBar renders a fixed-width bar for current out of total bytes.
// An unknown total renders as an indeterminate byte counter instead.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		return debugStyle.Render(fmt.Sprintf("%s %s downloaded %s ",
			StyleSymbols["bullet"], utils.FormatBytes(uint64(max(current, 0))), StyleSymbols["bullet"]))
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, StyleSymbols["bullet"]))
}

// FormatETA estimates time remaining from the current transfer speed.
func FormatETA(remaining int64, speed float64) string {
	if remaining <= 0 || speed <= 0 {
		return "--"
	}
	eta := time.Duration(float64(remaining)/speed) * time.Second
	if eta > 24*time.Hour {
		return ">1d"
	}
	return eta.Round(time.Second).String()
}

func getTerminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}
