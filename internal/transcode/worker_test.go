package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/shrinkarr/internal/ffmpeg"
	"github.com/jmylchreest/shrinkarr/internal/models"
)

// successScript behaves like an encoder that reports progress and writes its
// output to the last argument. It fails if the output already exists.
const successScript = `for last; do :; done
[ -e "$last" ] && exit 9
echo "  Duration: 00:00:10.00, start: 0.000000, bitrate: 5000 kb/s" >&2
printf 'frame=   10 fps=0.0 q=28.0 size=       0kB time=00:00:05.00 bitrate=   0.0kbits/s speed=10x\r' >&2
printf 'data' > "$last"
printf 'frame=   20 fps=0.0 q=28.0 size=       1kB time=00:00:10.00 bitrate=   0.0kbits/s speed=10x\r' >&2
`

const failScript = `for last; do :; done
printf 'partial' > "$last"
echo "Conversion failed!" >&2
exit 3
`

const hangScript = `for last; do :; done
echo "  Duration: 00:00:10.00" >&2
echo "time=00:00:01.00" >&2
printf 'partial' > "$last"
exec sleep 30
`

type workerFixture struct {
	worker  *Worker
	queue   *Queue
	catalog *mockCatalog
	links   *LinkRegistry
}

func newWorkerFixture(t *testing.T, script string, policies PolicyProvider, items ...*models.MediaItem) *workerFixture {
	t.Helper()
	catalog := newMockCatalog(items...)
	queue := NewQueue(catalog)
	links := NewLinkRegistry()
	if policies == nil {
		policies = StaticPolicy(testPolicy())
	}
	w := NewWorker(WorkerConfig{
		Queue:        queue,
		Evaluator:    NewEvaluator(policies, catalog, queue, nil),
		Catalog:      catalog,
		Settings:     &fakeSettings{binary: writeScript(t, script)},
		Links:        links,
		PollInterval: 20 * time.Millisecond,
	})
	t.Cleanup(w.Stop)
	return &workerFixture{worker: w, queue: queue, catalog: catalog, links: links}
}

func TestWorker_ProcessItemSuccess(t *testing.T) {
	dir := t.TempDir()
	item := newSourceItem(t, dir, "Movie.mkv", 1920, 1080, 5000)
	f := newWorkerFixture(t, successScript, nil, item)
	f.queue.Add(item)

	require.NoError(t, f.worker.processItem(context.Background(), item.ID))

	final := filepath.Join(dir, "Movie - [zzz][1080p][3000kbps].mp4")
	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.NoFileExists(t, final+".transcoding")

	assert.False(t, f.queue.Contains(item.ID))
	assert.Equal(t, 1, f.catalog.rescanCount())

	src, ok := f.links.Take(final)
	require.True(t, ok)
	assert.Equal(t, item.ID, src)

	_, running := f.worker.Current()
	assert.False(t, running)
}

func TestWorker_RemovesStaleTemp(t *testing.T) {
	dir := t.TempDir()
	item := newSourceItem(t, dir, "Movie.mkv", 1920, 1080, 5000)
	f := newWorkerFixture(t, successScript, nil, item)
	f.queue.Add(item)

	final := filepath.Join(dir, "Movie - [zzz][1080p][3000kbps].mp4")
	touch(t, final+".transcoding")

	require.NoError(t, f.worker.processItem(context.Background(), item.ID))
	assert.FileExists(t, final)
	assert.NoFileExists(t, final+".transcoding")
}

func TestWorker_EncoderFailure(t *testing.T) {
	dir := t.TempDir()
	item := newSourceItem(t, dir, "Movie.mkv", 1920, 1080, 5000)
	f := newWorkerFixture(t, failScript, nil, item)
	f.queue.Add(item)

	err := f.worker.processItem(context.Background(), item.ID)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Stderr, "Conversion failed!")

	final := filepath.Join(dir, "Movie - [zzz][1080p][3000kbps].mp4")
	assert.NoFileExists(t, final)
	assert.NoFileExists(t, final+".transcoding")
	assert.False(t, f.queue.Contains(item.ID), "failed jobs are not retained")
	assert.Equal(t, 0, f.catalog.rescanCount())
	assert.Zero(t, f.links.Len())
}

func TestWorker_SourceMissing(t *testing.T) {
	dir := t.TempDir()
	item := newSourceItem(t, dir, "Movie.mkv", 1920, 1080, 5000)
	require.NoError(t, os.Remove(item.Path))
	f := newWorkerFixture(t, successScript, nil, item)
	f.queue.Add(item)

	err := f.worker.processItem(context.Background(), item.ID)
	assert.ErrorIs(t, err, ErrSourceMissing)
	assert.False(t, f.queue.Contains(item.ID))
}

func TestWorker_DropsItemNoLongerNeeded(t *testing.T) {
	dir := t.TempDir()
	item := newSourceItem(t, dir, "Movie.mkv", 1920, 1080, 5000)
	f := newWorkerFixture(t, failScript, nil, item)
	f.queue.Add(item)

	touch(t, filepath.Join(dir, "Movie - [zzz][720p][2000kbps].mp4"))

	require.NoError(t, f.worker.processItem(context.Background(), item.ID))
	assert.False(t, f.queue.Contains(item.ID))
	assert.NoFileExists(t, filepath.Join(dir, "Movie - [zzz][1080p][3000kbps].mp4.transcoding"))
}

func TestWorker_PolicyUnavailable(t *testing.T) {
	dir := t.TempDir()
	item := newSourceItem(t, dir, "Movie.mkv", 1920, 1080, 5000)
	f := newWorkerFixture(t, successScript, NewConfigPolicyProvider(nil), item)
	f.queue.Add(item)

	require.NoError(t, f.worker.processItem(context.Background(), item.ID))
	assert.False(t, f.queue.Contains(item.ID))
	assert.NoFileExists(t, filepath.Join(dir, "Movie - [zzz][1080p][3000kbps].mp4"))
}

func TestWorker_CancelRunningItem(t *testing.T) {
	dir := t.TempDir()
	item := newSourceItem(t, dir, "Movie.mkv", 1920, 1080, 5000)
	f := newWorkerFixture(t, hangScript, nil, item)
	f.queue.Add(item)
	temp := filepath.Join(dir, "Movie - [zzz][1080p][3000kbps].mp4.transcoding")

	done := make(chan error, 1)
	go func() { done <- f.worker.processItem(context.Background(), item.ID) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(temp)
		entry, ok := f.queue.Get(item.ID)
		return err == nil && ok && entry.Progress == 10 && f.worker.runner.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, f.worker.CancelItem(item.ID))

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is not a failure")
	case <-time.After(5 * time.Second):
		t.Fatal("job was not cancelled")
	}
	assert.False(t, f.worker.runner.IsRunning())
	assert.False(t, f.queue.Contains(item.ID))
	assert.NoFileExists(t, temp)
	_, running := f.worker.Current()
	assert.False(t, running)
}

func TestWorker_CancelUnknownItem(t *testing.T) {
	f := newWorkerFixture(t, successScript, nil)
	assert.False(t, f.worker.CancelItem(models.NewULID()))
}

func TestWorker_WaitsForMetadata(t *testing.T) {
	dir := t.TempDir()
	probed := newSourceItem(t, dir, "Movie.mkv", 1920, 1080, 5000)
	unprobed := probed.Clone()
	unprobed.Width, unprobed.Height, unprobed.VideoBitrateKbps = 0, 0, 0

	f := newWorkerFixture(t, successScript, nil, unprobed)
	f.queue.Add(unprobed)

	f.worker.runCycle(context.Background())
	assert.True(t, f.queue.Contains(probed.ID), "unprobed items stay queued")

	f.catalog.put(probed)
	f.worker.runCycle(context.Background())
	assert.False(t, f.queue.Contains(probed.ID))
	assert.FileExists(t, filepath.Join(dir, "Movie - [zzz][1080p][3000kbps].mp4"))
}

func TestWorker_SingleEncoderAtATime(t *testing.T) {
	script := `for last; do :; done
echo "  Duration: 00:00:10.00" >&2
echo "time=00:00:05.00" >&2
sleep 0.2
printf 'data' > "$last"
`
	dir := t.TempDir()
	var items []*models.MediaItem
	for _, name := range []string{"A.mkv", "B.mkv", "C.mkv", "D.mkv"} {
		items = append(items, newSourceItem(t, dir, name, 3840, 2160, 20000))
	}
	f := newWorkerFixture(t, script, nil, items...)

	var maxRunning atomic.Int32
	stopSampling := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stopSampling:
				return
			default:
			}
			var n int32
			for _, e := range f.queue.Snapshot() {
				if e.Progress > 0 && e.Progress < 100 {
					n++
				}
			}
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	require.NoError(t, f.worker.Start(context.Background()))
	for _, item := range items {
		go f.queue.Add(item)
	}
	f.worker.Wake()

	require.Eventually(t, func() bool {
		for _, item := range items {
			if _, err := os.Stat(filepath.Join(dir, BaseName(item.Path)+" - [zzz][1080p][3000kbps].mp4")); err != nil {
				return false
			}
		}
		return f.queue.Len() == 0
	}, 10*time.Second, 20*time.Millisecond)

	close(stopSampling)
	<-sampled
	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Equal(t, len(items), f.catalog.rescanCount())
}

func TestWorker_StopKillsEncoder(t *testing.T) {
	dir := t.TempDir()
	item := newSourceItem(t, dir, "Movie.mkv", 1920, 1080, 5000)
	f := newWorkerFixture(t, hangScript, nil, item)
	f.queue.Add(item)

	require.NoError(t, f.worker.Start(context.Background()))
	assert.Error(t, f.worker.Start(context.Background()))
	require.Eventually(t, f.worker.runner.IsRunning, 5*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		f.worker.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, f.worker.runner.IsRunning())
	assert.NoFileExists(t, filepath.Join(dir, "Movie - [zzz][1080p][3000kbps].mp4.transcoding"))
}

func TestWorker_BuildCommand(t *testing.T) {
	item := &models.MediaItem{
		Path:      "/media/Movie.mkv",
		Subtitles: []string{"/media/Movie.en.srt"},
	}
	opts := &Options{
		Width:       1920,
		Height:      1080,
		BitrateKbps: 3000,
		Codec:       CodecH264,
		Container:   "mp4",
		TempPath:    "/media/Movie - [zzz][1080p][3000kbps].mp4.transcoding",
	}

	w := NewWorker(WorkerConfig{
		Queue:    NewQueue(newMockCatalog()),
		Settings: &fakeSettings{binary: "ffmpeg", threads: 4, preset: "fast"},
	})
	args := strings.Join(w.buildCommand(item, opts).Args, " ")

	assert.Contains(t, args, "-loglevel info")
	assert.Contains(t, args, "-stats")
	assert.Contains(t, args, "-i /media/Movie.mkv -i /media/Movie.en.srt")
	assert.Contains(t, args, "-vf scale=w='min(iw,1920)':h='min(ih,1080)'")
	assert.Contains(t, args, "-map 0:v:0 -map 0:a? -map 1:s")
	assert.Contains(t, args, "-c:v libx264 -b:v 3000k -maxrate 3600k -bufsize 6000k -preset fast -threads 4 -c:a aac -c:s mov_text")
	assert.Contains(t, args, "-f mp4 -movflags +faststart")
	assert.True(t, strings.HasSuffix(args, opts.TempPath))
	assert.NotContains(t, args, "-hwaccel")

	w.settings = &fakeSettings{binary: "ffmpeg", accel: ffmpeg.HWAccelVAAPI, device: "/dev/dri/renderD128", preset: "fast"}
	opts.Container = "mkv"
	item.Subtitles = nil
	args = strings.Join(w.buildCommand(item, opts).Args, " ")

	assert.Contains(t, args, "-init_hw_device vaapi=hw:/dev/dri/renderD128 -filter_hw_device hw")
	assert.Contains(t, args, "-hwaccel vaapi")
	assert.Contains(t, args, "force_divisible_by=2,format=nv12,hwupload")
	assert.Contains(t, args, "-c:v h264_vaapi")
	assert.NotContains(t, args, "-preset")
	assert.NotContains(t, args, "-c:s")
	assert.Contains(t, args, "-f matroska")
	assert.NotContains(t, args, "faststart")
}
