package output

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corvid-labs/magpie/internal/task"
	"github.com/corvid-labs/magpie/internal/utils"
)

type row struct {
	taskID     string
	outputPath string
	status     task.Status
	downloaded int64
	total      int64
	speed      float64
	err        error
	startTime  time.Time
	endTime    time.Time
	index      int
}

// Display renders a live multi-line terminal view of all tasks, driven by
// scheduler events. One row per task, repainted on a fixed tick.
type Display struct {
	mu       sync.Mutex
	rows     map[string]*row
	count    int
	numLines int
	tick     time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewDisplay() *Display {
	return &Display{
		rows: make(map[string]*row),
		tick: 300 * time.Millisecond,
		done: make(chan struct{}),
	}
}

// Run consumes events until the channel closes, then paints a final frame
// and the summary. Call Wait to block until that happens.
func (d *Display) Run(events <-chan task.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(d.done)
		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					d.paint()
					d.summary()
					return
				}
				d.apply(ev)
			case <-ticker.C:
				d.paint()
			}
		}
	}()
}

func (d *Display) Wait() {
	d.wg.Wait()
}

func (d *Display) apply(ev task.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rows[ev.TaskID]
	if !ok {
		d.count++
		r = &row{
			taskID:     ev.TaskID,
			outputPath: ev.OutputPath,
			startTime:  ev.At,
			index:      d.count,
		}
		d.rows[ev.TaskID] = r
	}
	r.status = ev.Status
	r.downloaded = ev.Downloaded
	r.total = ev.Total
	r.speed = ev.Speed
	if ev.Err != nil {
		r.err = ev.Err
	}
	if ev.Status.Terminal() {
		r.endTime = ev.At
	}
}

func statusIndicator(st task.Status) string {
	switch st {
	case task.StatusCompleted:
		return successStyle.Render(StyleSymbols["pass"])
	case task.StatusFailed:
		return errorStyle.Render(StyleSymbols["fail"])
	case task.StatusCancelled:
		return warningStyle.Render(StyleSymbols["warning"])
	case task.StatusQueued:
		return pendingStyle.Render(StyleSymbols["pending"])
	case task.StatusPaused:
		return warningStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (d *Display) sorted() []*row {
	all := make([]*row, 0, len(d.rows))
	for _, r := range d.rows {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].index < all[j].index })
	return all
}

func (d *Display) renderRow(r *row) string {
	indicator := statusIndicator(r.status)
	switch r.status {
	case task.StatusDownloading:
		bar := ProgressBar(r.downloaded, r.total, 30)
		speed := utils.FormatBytes(uint64(r.speed)) + "/s"
		eta := FormatETA(r.total-r.downloaded, r.speed)
		return fmt.Sprintf("  %s %s%s %s %s %s %s", indicator, bar,
			debugStyle.Render(speed), StyleSymbols["bullet"],
			debugStyle.Render("ETA "+eta), StyleSymbols["bullet"],
			pendingStyle.Render(r.outputPath))
	case task.StatusCompleted:
		elapsed := r.endTime.Sub(r.startTime).Round(time.Second)
		return fmt.Sprintf("  %s %s %s", indicator,
			debugStyle.Render(elapsed.String()),
			successStyle.Render(fmt.Sprintf("Completed %s (%s)", r.outputPath, utils.FormatBytes(uint64(r.downloaded)))))
	case task.StatusFailed:
		return fmt.Sprintf("  %s %s", indicator,
			errorStyle.Render(fmt.Sprintf("Failed %s: %v", r.outputPath, r.err)))
	case task.StatusCancelled:
		return fmt.Sprintf("  %s %s", indicator,
			warningStyle.Render(fmt.Sprintf("Cancelled %s (%s kept)", r.outputPath, utils.FormatBytes(uint64(r.downloaded)))))
	case task.StatusPaused:
		return fmt.Sprintf("  %s %s", indicator,
			warningStyle.Render(fmt.Sprintf("Paused %s (%s)", r.outputPath, utils.FormatBytes(uint64(r.downloaded)))))
	default:
		return fmt.Sprintf("  %s %s", indicator, pendingStyle.Render("Waiting "+r.outputPath))
	}
}

func (d *Display) paint() {
	d.mu.Lock()
	defer d.mu.Unlock()

	availableLines := getTerminalHeight() - 3
	if d.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", d.numLines)
	}

	rows := d.sorted()
	if len(rows) > availableLines {
		rows = rows[len(rows)-availableLines:]
	}
	for _, r := range rows {
		fmt.Println(d.renderRow(r))
	}
	d.numLines = len(rows)
}

func (d *Display) summary() {
	d.mu.Lock()
	defer d.mu.Unlock()

	var completed, failed, cancelled int
	var failures []*row
	for _, r := range d.rows {
		switch r.status {
		case task.StatusCompleted:
			completed++
		case task.StatusFailed:
			failed++
			failures = append(failures, r)
		case task.StatusCancelled:
			cancelled++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat(" ", 2) + successStyle.Render(fmt.Sprintf("Completed %d of %d", completed, len(d.rows))))
	if cancelled > 0 {
		fmt.Println(strings.Repeat(" ", 2) + warningStyle.Render(fmt.Sprintf("Cancelled %d of %d", cancelled, len(d.rows))))
	}
	if failed > 0 {
		fmt.Println(strings.Repeat(" ", 2) + errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, len(d.rows))))
		sort.Slice(failures, func(i, j int) bool { return failures[i].index < failures[j].index })
		for i, r := range failures {
			fmt.Printf("%s%s %s\n",
				strings.Repeat(" ", 4),
				errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				errorStyle.Render(fmt.Sprintf("%s: %v", r.outputPath, r.err)))
		}
	}
	fmt.Println()
}
