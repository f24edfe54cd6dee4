package origin

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"hybridcast/internal/platform/config"
)

// AvailabilityLayout formats availabilityStartTime with millisecond precision.
const AvailabilityLayout = "2006-01-02T15:04:05.000Z"

var availabilityRe = regexp.MustCompile(`availabilityStartTime=.*min`)

// LiveOptions selects which videos go live and when.
type LiveOptions struct {
	// LiveStart holds comma-separated offsets in seconds, one per video.
	LiveStart string
	// Extra is added to every offset.
	Extra float64
	// Videos is a comma-separated allow-list; empty or "all" means every
	// directory under the content root.
	Videos string
}

// liveVideo is one video directory with its offset and variant suffix.
type liveVideo struct {
	name      string
	offset    float64
	extension string
}

// ActivateLiveManifests rewrites availabilityStartTime in every live manifest
// to now plus the video's offset, so all consumers share one playback epoch.
// It returns the rewritten files.
func ActivateLiveManifests(root string, opts LiveOptions, now time.Time, log *slog.Logger) ([]string, error) {
	videos, err := liveVideos(root, opts)
	if err != nil {
		return nil, err
	}

	extensions := make([]string, len(videos))
	for i, v := range videos {
		extensions[i] = v.extension
	}
	avs := func(i int) string {
		at := now.UTC().Add(time.Duration((videos[i].offset + opts.Extra) * float64(time.Second)))
		return at.Format(AvailabilityLayout)
	}

	var modified []string
	for i, v := range videos {
		dir := filepath.Join(root, v.name)
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if p == dir && os.IsNotExist(err) {
					return fs.SkipDir
				}
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".mpd") {
				return nil
			}
			stamp, ok := manifestStamp(d.Name(), i, v, extensions, avs)
			if !ok {
				return nil
			}
			if err := rewriteAvailability(p, stamp); err != nil {
				return err
			}
			log.Info("live manifest activated", slog.String("file", p), slog.String("availability_start", stamp))
			modified = append(modified, p)
			return nil
		})
		if err != nil {
			return modified, fmt.Errorf("activate %s: %w", v.name, err)
		}
	}
	return modified, nil
}

// manifestStamp decides whether file is a live manifest of video i and with
// which start time. "live_<variant>.mpd" takes the offset of the video whose
// variant it names, falling back to video i.
func manifestStamp(file string, i int, v liveVideo, extensions []string, avs func(int) string) (string, bool) {
	if file == "live.mpd" {
		return avs(i), true
	}
	if len(v.extension) > 1 && file == "live_"+v.extension+".mpd" {
		return avs(i), true
	}
	parts := strings.Split(strings.TrimSuffix(file, filepath.Ext(file)), "_")
	if len(parts) < 2 || parts[0] != "live" {
		return "", false
	}
	ext := strings.Join(parts[1:], "_")
	if ext == "" {
		return "", false
	}
	idx := slices.Index(extensions, ext)
	if idx < 0 {
		idx = i
	}
	return avs(idx), true
}

// liveVideos expands the options into the list of video directories. Every
// variant "<base>_<x>" also activates "<base>" with the same offset.
func liveVideos(root string, opts LiveOptions) ([]liveVideo, error) {
	var names []string
	var offsets []float64
	if opts.Videos == "" || opts.Videos == "all" {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("list content: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		first, err := config.ParseFloats(opts.LiveStart, 1)
		if err != nil {
			return nil, err
		}
		if len(first) == 0 {
			first = []float64{0}
		}
		for range names {
			offsets = append(offsets, first[0])
		}
	} else {
		names = config.SplitList(opts.Videos, 0)
		var err error
		offsets, err = config.ParseFloats(opts.LiveStart, len(names))
		if err != nil {
			return nil, err
		}
		for len(offsets) < len(names) {
			offsets = append(offsets, 0)
		}
	}

	videos := make([]liveVideo, len(names))
	for i, name := range names {
		videos[i] = liveVideo{name: name, offset: offsets[i], extension: variantOf(name)}
	}
	for i := 0; i < len(videos); i++ {
		base, _, found := strings.Cut(videos[i].name, "_")
		if !found {
			continue
		}
		if !slices.ContainsFunc(videos, func(v liveVideo) bool { return v.name == base }) {
			videos = append(videos, liveVideo{name: base, offset: videos[i].offset})
		}
	}
	return videos, nil
}

func variantOf(video string) string {
	_, ext, _ := strings.Cut(video, "_")
	return ext
}

func rewriteAvailability(p, stamp string) error {
	b, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	out := availabilityRe.ReplaceAllLiteral(b, []byte(`availabilityStartTime="`+stamp+`" min`))
	return os.WriteFile(p, out, 0o644)
}
