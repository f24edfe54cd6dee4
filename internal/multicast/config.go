package multicast

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Video is one stream the scheduler sends.
type Video struct {
	Name      string  `yaml:"name"`
	RepID     string  `yaml:"rep_id"`
	Extension string  `yaml:"extension"`
	SleepTime float64 `yaml:"sleep_time"` // seconds before the first send
}

// StartOffset is SleepTime as a duration.
func (v Video) StartOffset() time.Duration {
	return time.Duration(v.SleepTime * float64(time.Second))
}

type videoFile struct {
	Videos []Video `yaml:"videos"`
}

// LoadVideos reads a YAML document of the form
//
//	videos:
//	  - name: alpha
//	    rep_id: "5"
//	    extension: .mp4
//	    sleep_time: 18
//
// Entries without a rep id or extension inherit them from the first entry.
func LoadVideos(path string) ([]Video, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read video config: %w", err)
	}
	var doc videoFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse video config %s: %w", path, err)
	}
	if len(doc.Videos) == 0 {
		return nil, errors.New("video config lists no videos")
	}
	first := doc.Videos[0]
	for i := range doc.Videos {
		v := &doc.Videos[i]
		if v.Name == "" {
			return nil, fmt.Errorf("video config entry %d has no name", i)
		}
		if v.RepID == "" {
			v.RepID = first.RepID
		}
		if v.Extension == "" {
			v.Extension = first.Extension
		}
	}
	return doc.Videos, nil
}

// BuildVideos zips per-video parameter lists. The lists are expected to be
// padded to len(names) already.
func BuildVideos(names, repIDs, extensions []string, sleeps []float64) []Video {
	out := make([]Video, 0, len(names))
	for i, name := range names {
		v := Video{Name: name}
		if i < len(repIDs) {
			v.RepID = repIDs[i]
		}
		if i < len(extensions) {
			v.Extension = extensions[i]
		}
		if i < len(sleeps) {
			v.SleepTime = sleeps[i]
		}
		out = append(out, v)
	}
	return out
}
