package transfer

import (
	"fmt"
	"io"
	"time"
)

// progressBar creates a visual progress bar
func progressBar(progress float64) string {
	const width = 40
	pos := int(float64(width) * progress / 100)
	bar := make([]rune, width)
	for i := range bar {
		switch {
		case i < pos:
			bar[i] = '='
		case i == pos:
			bar[i] = '>'
		default:
			bar[i] = ' '
		}
	}
	return string(bar)
}

// ProgressPrinter redraws a single progress line for the current download.
type ProgressPrinter struct {
	w              io.Writer
	name           string
	startTime      time.Time
	lastUpdate     time.Time
	lastBytes      int64
	updateInterval time.Duration
}

func NewProgressPrinter(w io.Writer) *ProgressPrinter {
	return &ProgressPrinter{w: w, updateInterval: 100 * time.Millisecond}
}

// Update matches ProgressFunc. A new name restarts the clock.
func (p *ProgressPrinter) Update(name string, received, total int64) {
	now := time.Now()
	if name != p.name {
		p.name = name
		p.startTime = now
		p.lastUpdate = now
		p.lastBytes = 0
	}
	if received < total && now.Sub(p.lastUpdate) < p.updateInterval {
		return
	}

	progress := 100.0
	if total > 0 {
		progress = float64(received) / float64(total) * 100
	}
	speed := 0.0
	if dt := now.Sub(p.lastUpdate).Seconds(); dt > 0 {
		speed = float64(received-p.lastBytes) / dt
	}

	fmt.Fprintf(p.w, "\r%s [%s] %5.1f%% %8.2f KB/s",
		p.name, progressBar(progress), progress, speed/1024)
	if received >= total {
		fmt.Fprintln(p.w)
	}
	p.lastUpdate = now
	p.lastBytes = received
}

// TimingReport contains timing information for one download.
type TimingReport struct {
	TransferTime     time.Duration
	BytesTransferred int64
	Blocks           int
	Retransmits      int64
	TransferSpeed    float64 // KB/s
}

func NewTimingReport(bytes int64, elapsed time.Duration, blocks int, retransmits int64) TimingReport {
	speed := 0.0
	if elapsed > 0 {
		speed = float64(bytes) / elapsed.Seconds() / 1024
	}
	return TimingReport{
		TransferTime:     elapsed,
		BytesTransferred: bytes,
		Blocks:           blocks,
		Retransmits:      retransmits,
		TransferSpeed:    speed,
	}
}

func (tr TimingReport) String() string {
	return fmt.Sprintf(
		"Transfer: %v (%.2f KB/s), Bytes: %d, Blocks: %d, Retransmits: %d",
		tr.TransferTime.Round(time.Millisecond),
		tr.TransferSpeed,
		tr.BytesTransferred,
		tr.Blocks,
		tr.Retransmits,
	)
}
