package multicast

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadlineMargin(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		fec      bool
		highLoss bool
		want     time.Duration
	}{
		{"quarter second", 250 * time.Millisecond, false, true, 50 * time.Millisecond},
		{"300ms", 300 * time.Millisecond, true, true, 190 * time.Millisecond},
		{"half second high loss", 500 * time.Millisecond, false, true, 150 * time.Millisecond},
		{"half second low loss", 500 * time.Millisecond, false, false, 250 * time.Millisecond},
		{"1s no fec high loss", time.Second, false, true, 300 * time.Millisecond},
		{"1s fec high loss", time.Second, true, true, 350 * time.Millisecond},
		{"1s low loss", time.Second, true, false, 400 * time.Millisecond},
		{"2s falls in 4s bucket", 2 * time.Second, false, true, 600 * time.Millisecond},
		{"4s no fec", 4 * time.Second, false, true, 600 * time.Millisecond},
		{"4s fec", 4 * time.Second, true, true, 1000 * time.Millisecond},
		{"beyond table", 8 * time.Second, false, true, DefaultMargin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeadlineMargin(tt.interval, tt.fec, tt.highLoss))
		})
	}
}

func TestIntervalDuration(t *testing.T) {
	assert.Equal(t, 4*time.Second, IntervalDuration(4, 0))
	assert.Equal(t, 4*time.Second, IntervalDuration(4, 1))
	assert.Equal(t, time.Second, IntervalDuration(4, 4))
	assert.Equal(t, 500*time.Millisecond, IntervalDuration(2, 4))
}

func TestDeadline(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(3400*time.Millisecond), Deadline(now, 4*time.Second, 600*time.Millisecond))
	assert.Equal(t, now.Add(200*time.Millisecond), Deadline(now, 250*time.Millisecond, 50*time.Millisecond))
}

func TestClampRate(t *testing.T) {
	assert.Equal(t, 100000, ClampRate(250000, 100000))
	assert.Equal(t, 5000, ClampRate(5000, 100000))
	assert.Equal(t, 0, ClampRate(-3, 100000))
}

func TestCursor_Next(t *testing.T) {
	c := Cursor{Segment: 1, Chunk: 1}
	assert.Equal(t, Cursor{Segment: 2, Chunk: 1}, c.Next(0))

	c = c.Next(3)
	assert.Equal(t, Cursor{Segment: 1, Chunk: 2}, c)
	c = c.Next(3).Next(3)
	assert.Equal(t, Cursor{Segment: 2, Chunk: 1}, c)
}

func TestAlternateVideo(t *testing.T) {
	assert.Equal(t, "alpha", AlternateVideo("alpha_2"))
	assert.Equal(t, "alpha", AlternateVideo("alpha_2_b"))
	assert.Equal(t, "", AlternateVideo("alpha"))
}

func TestUntilNextInterval(t *testing.T) {
	ref := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3700*time.Millisecond, untilNextInterval(ref.Add(4300*time.Millisecond), ref, 4*time.Second))
	assert.Equal(t, 4*time.Second, untilNextInterval(ref.Add(-time.Second), ref, 4*time.Second))
	assert.Equal(t, 4*time.Second, untilNextInterval(ref.Add(8*time.Second), ref, 4*time.Second))
}

func TestStagger(t *testing.T) {
	assert.Equal(t, time.Duration(0), stagger(0, 4))
	assert.Equal(t, time.Duration(0), stagger(3, 4))
	assert.Equal(t, time.Millisecond, stagger(4, 4))
	assert.Equal(t, 2*time.Millisecond, stagger(9, 4))
	assert.Equal(t, time.Duration(0), stagger(5, 0))
}

func TestLoadVideos(t *testing.T) {
	p := filepath.Join(t.TempDir(), "videos.yaml")
	doc := `videos:
  - name: alpha
    rep_id: "5"
    extension: .mp4
    sleep_time: 18
  - name: alpha_2
    sleep_time: 20.5
`
	require.NoError(t, os.WriteFile(p, []byte(doc), 0o644))

	videos, err := LoadVideos(p)
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, Video{Name: "alpha", RepID: "5", Extension: ".mp4", SleepTime: 18}, videos[0])
	assert.Equal(t, Video{Name: "alpha_2", RepID: "5", Extension: ".mp4", SleepTime: 20.5}, videos[1])
	assert.Equal(t, 20500*time.Millisecond, videos[1].StartOffset())
}

func TestLoadVideos_invalid(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("videos: []\n"), 0o644))
	_, err := LoadVideos(empty)
	assert.Error(t, err)

	unnamed := filepath.Join(dir, "unnamed.yaml")
	require.NoError(t, os.WriteFile(unnamed, []byte("videos:\n  - rep_id: \"1\"\n"), 0o644))
	_, err = LoadVideos(unnamed)
	assert.Error(t, err)

	_, err = LoadVideos(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildVideos(t *testing.T) {
	videos := BuildVideos([]string{"a", "b"}, []string{"5", "5"}, []string{".mp4", ".mp4"}, []float64{18, 22})
	require.Len(t, videos, 2)
	assert.Equal(t, Video{Name: "b", RepID: "5", Extension: ".mp4", SleepTime: 22}, videos[1])
}
