package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxStderrLines is how many trailing output lines a Command keeps for diagnostics.
const maxStderrLines = 100

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary    string
	Args      []string
	Input     string
	Output    string
	LogLevel  string
	Overwrite bool

	mu      sync.RWMutex
	cmd     *exec.Cmd
	started time.Time
	exited  bool
	monitor *ProcessMonitor

	stderrMu    sync.RWMutex
	stderrLines []string
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary      string
	globalArgs  []string
	inputArgs   []string
	input       string
	extraInputs []string
	filterArgs  []string
	outputArgs  []string
	output      string
	logLevel    string
	overwrite   bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops FFmpeg from reading interactive commands from stdin.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Stats enables periodic progress lines (frame=, time=, speed=) on stderr.
func (b *CommandBuilder) Stats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-stats")
	return b
}

// InitHWDevice initializes a hardware device for acceleration.
// Example: InitHWDevice("vaapi", "/dev/dri/renderD128")
func (b *CommandBuilder) InitHWDevice(hwType, device string) *CommandBuilder {
	if !isHWAccelEnabled(hwType) {
		return b
	}
	if device != "" {
		b.globalArgs = append(b.globalArgs, "-init_hw_device", fmt.Sprintf("%s=hw:%s", hwType, device))
	} else {
		b.globalArgs = append(b.globalArgs, "-init_hw_device", hwType+"=hw")
	}
	b.globalArgs = append(b.globalArgs, "-filter_hw_device", "hw")
	return b
}

// HWAccel sets the hardware decode method.
func (b *CommandBuilder) HWAccel(accel string) *CommandBuilder {
	if isHWAccelEnabled(accel) {
		b.inputArgs = append(b.inputArgs, "-hwaccel", accel)
	}
	return b
}

// HWAccelDevice sets the hardware acceleration device.
func (b *CommandBuilder) HWAccelDevice(device string) *CommandBuilder {
	if device != "" {
		b.inputArgs = append(b.inputArgs, "-hwaccel_device", device)
	}
	return b
}

// HWUploadFilter adds the filter that uploads software frames to the GPU
// for encoders that only accept hardware surfaces.
func (b *CommandBuilder) HWUploadFilter(hwType string) *CommandBuilder {
	switch hwType {
	case "vaapi":
		b.filterArgs = append(b.filterArgs, "format=nv12,hwupload")
	case "qsv":
		b.filterArgs = append(b.filterArgs, "format=nv12,hwupload=extra_hw_frames=64")
	}
	return b
}

// Input sets the primary input.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arguments placed before the primary input.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// AddInput adds a secondary input such as an external subtitle file.
// Secondary inputs are numbered from 1 in the order they are added.
func (b *CommandBuilder) AddInput(input string) *CommandBuilder {
	b.extraInputs = append(b.extraInputs, input)
	return b
}

// Map selects a stream for the output, e.g. "0:v:0" or "1:s".
func (b *CommandBuilder) Map(specifier string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-map", specifier)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// SubtitleCodec sets the subtitle codec.
func (b *CommandBuilder) SubtitleCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:s", codec)
	return b
}

// VideoBitrate sets the average video bitrate in kbps.
func (b *CommandBuilder) VideoBitrate(kbps int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:v", kbpsArg(kbps))
	return b
}

// MaxRate caps the instantaneous video bitrate in kbps.
func (b *CommandBuilder) MaxRate(kbps int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-maxrate", kbpsArg(kbps))
	return b
}

// BufSize sets the rate control buffer size in kbps.
func (b *CommandBuilder) BufSize(kbps int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-bufsize", kbpsArg(kbps))
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.outputArgs = append(b.outputArgs, "-preset", preset)
	}
	return b
}

// Threads sets the encoder thread count. Zero leaves the choice to FFmpeg.
func (b *CommandBuilder) Threads(n int) *CommandBuilder {
	if n > 0 {
		b.outputArgs = append(b.outputArgs, "-threads", strconv.Itoa(n))
	}
	return b
}

// VideoFilter adds a video filter.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// Format forces the output container format.
func (b *CommandBuilder) Format(format string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-f", format)
	return b
}

// FastStart moves the MP4 index to the front of the file so playback can
// begin before the whole file is read.
func (b *CommandBuilder) FastStart() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-movflags", "+faststart")
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	for _, in := range b.extraInputs {
		args = append(args, "-i", in)
	}

	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary:      b.binary,
		Args:        args,
		Input:       b.input,
		Output:      b.output,
		LogLevel:    b.logLevel,
		Overwrite:   b.overwrite,
		stderrLines: make([]string, 0, maxStderrLines),
	}
}

func kbpsArg(kbps int) string {
	return strconv.Itoa(kbps) + "k"
}

func isHWAccelEnabled(accel string) bool {
	return accel != "" && accel != "none" && accel != "auto"
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Run starts the process and blocks until it exits. Stdout and stderr are
// both drained for the whole lifetime of the process; every line from either
// stream is passed to onLine, one call at a time. Carriage returns count as
// line breaks so FFmpeg's in-place progress updates arrive as separate lines.
//
// Cancelling ctx kills the process.
func (c *Command) Run(ctx context.Context, onLine func(line string)) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return errors.New("command already started")
	}
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	c.cmd = cmd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		c.exited = true
		c.mu.Unlock()
		return fmt.Errorf("starting command: %w", err)
	}
	c.started = time.Now()
	c.monitor = NewProcessMonitor(cmd.Process.Pid)
	c.monitor.Start()
	c.mu.Unlock()

	var (
		lineMu sync.Mutex
		wg     sync.WaitGroup
	)
	emit := func(line string, keep bool) {
		if keep {
			c.recordStderr(line)
		}
		if onLine == nil {
			return
		}
		lineMu.Lock()
		defer lineMu.Unlock()
		onLine(line)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		drainLines(stdout, func(line string) { emit(line, false) })
	}()
	go func() {
		defer wg.Done()
		drainLines(stderr, func(line string) { emit(line, true) })
	}()

	// Pipes must be fully read before Wait closes them.
	wg.Wait()
	waitErr := cmd.Wait()

	c.mu.Lock()
	c.exited = true
	monitor := c.monitor
	c.mu.Unlock()
	monitor.Stop()

	return waitErr
}

// drainLines reads r until EOF, splitting on \n or \r.
func drainLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			fn(line)
		}
	}
	// A scanner error (overlong line) stops scanning; keep draining so the
	// process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// scanLinesOrCR is bufio.ScanLines that also treats a lone \r as a terminator.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		adv := i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			adv++
		}
		return adv, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (c *Command) recordStderr(line string) {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	if len(c.stderrLines) >= maxStderrLines {
		c.stderrLines = c.stderrLines[1:]
	}
	c.stderrLines = append(c.stderrLines, line)
}

// StderrLines returns the most recent stderr lines.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// Kill terminates the FFmpeg process. It is a no-op when nothing is running.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd, exited := c.cmd, c.exited
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil || exited {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// IsRunning returns true between a successful start and process exit.
func (c *Command) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cmd != nil && c.cmd.Process != nil && !c.exited
}

// Pid returns the process ID, or 0 if the process never started.
func (c *Command) Pid() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// ProcessStats returns the latest resource sample, or nil before start.
func (c *Command) ProcessStats() *ProcessStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.monitor == nil {
		return nil
	}
	stats := c.monitor.Stats()
	return &stats
}
