package ffmpeg

import (
	"regexp"
	"strconv"
	"sync"
	"time"
)

// StartedPercent is the progress reported once a job has started but before
// the encoder has printed a position. It separates "running" from "queued".
const StartedPercent = 0.01

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+)\.(\d+)`)
	positionRe = regexp.MustCompile(`time=\s*(\d+):(\d+):(\d+)\.(\d+)`)
)

// ProgressParser turns FFmpeg's diagnostic output into a completion percentage.
// One parser serves exactly one job. It is safe for concurrent use.
type ProgressParser struct {
	mu         sync.RWMutex
	total      time.Duration
	position   time.Duration
	percent    float64
	onProgress func(float64)
}

// NewProgressParser creates a parser. onProgress, if non-nil, is called with
// the new percentage whenever it increases.
func NewProgressParser(onProgress func(float64)) *ProgressParser {
	return &ProgressParser{onProgress: onProgress}
}

// Start marks the job as running.
func (p *ProgressParser) Start() {
	p.advance(StartedPercent)
}

// Finish reports completion after a successful exit.
func (p *ProgressParser) Finish() {
	p.advance(100)
}

// OnLine consumes one line of encoder output. Lines that carry neither a
// duration nor a position marker are ignored.
func (p *ProgressParser) OnLine(line string) {
	if m := durationRe.FindStringSubmatch(line); m != nil {
		p.mu.Lock()
		// Every input prints a header. The source is input 0, so the first
		// non-zero duration is the one to measure against.
		if p.total == 0 {
			p.total = parseTimestamp(m[1:])
		}
		p.mu.Unlock()
		return
	}

	m := positionRe.FindStringSubmatch(line)
	if m == nil {
		return
	}

	p.mu.Lock()
	if p.total <= 0 {
		p.mu.Unlock()
		return
	}
	elapsed := min(parseTimestamp(m[1:]), p.total)
	p.position = max(p.position, elapsed)
	pct := 100 * elapsed.Seconds() / p.total.Seconds()
	p.mu.Unlock()

	p.advance(pct)
}

func (p *ProgressParser) advance(pct float64) {
	pct = min(max(pct, 0), 100)

	p.mu.Lock()
	if pct <= p.percent {
		p.mu.Unlock()
		return
	}
	p.percent = pct
	cb := p.onProgress
	p.mu.Unlock()

	if cb != nil {
		cb(pct)
	}
}

// Percent returns the current progress in [0, 100]. It never decreases.
func (p *ProgressParser) Percent() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.percent
}

// Duration returns the total input duration, or 0 if not yet seen.
func (p *ProgressParser) Duration() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}

// Position returns the furthest encoded position seen.
func (p *ProgressParser) Position() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.position
}

// parseTimestamp converts HH, MM, SS and fractional digits to a duration.
// FFmpeg prints hundredths, but any number of fractional digits is accepted.
func parseTimestamp(parts []string) time.Duration {
	hours, _ := strconv.Atoi(parts[0])
	mins, _ := strconv.Atoi(parts[1])
	secs, _ := strconv.Atoi(parts[2])
	frac, _ := strconv.ParseFloat("0."+parts[3], 64)

	return time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs)*time.Second +
		time.Duration(frac*float64(time.Second))
}
