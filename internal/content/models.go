// Package content names the files that make up a live stream: segments,
// low-latency chunks, initialization segments and split partial artifacts.
package content

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Partial artifact suffixes. A full segment "x.mp4" is derivable by an external
// muxer from "x.mp4.IPB.h264" or from the pair "x.mp4.IP.h264" + "x.mp4.B.h264".
const (
	SuffixCombined     = ".IPB.h264"
	SuffixBase         = ".IP.h264"
	SuffixAugmentation = ".B.h264"
)

const (
	// ChunkFileExt is the extension of the individual low-latency chunk files.
	ChunkFileExt = ".f4s"
	// ChunkSegmentExt is the extension a client requests a chunked segment by.
	ChunkSegmentExt = ".m4s"
	// ManifestName is the live manifest that always bypasses the proxy cache.
	ManifestName = "live.mpd"
)

// Item identifies one piece of content. Chunk is zero for whole segments.
type Item struct {
	Video           string
	SegmentDuration int // seconds, as it appears in the directory layout
	RepID           string
	Segment         int
	Chunk           int
	Ext             string
}

// SegmentPath returns "<video>/<dur>/<rep>/segment_<NNNN>_<rep><ext>".
func (it Item) SegmentPath() string {
	return path.Join(it.Video, strconv.Itoa(it.SegmentDuration), it.RepID,
		fmt.Sprintf("segment_%04d_%s%s", it.Segment, it.RepID, it.Ext))
}

// ChunkPath returns the path of a chunk. Chunk files (".f4s") live in a
// per-segment directory and carry their chunk index; other chunked formats
// are a single file per segment.
func (it Item) ChunkPath() string {
	dir := path.Join(it.Video, strconv.Itoa(it.SegmentDuration), it.RepID)
	if strings.Contains(it.Ext, "f4s") {
		dir = path.Join(dir, fmt.Sprintf("%05d", it.Segment))
		return path.Join(dir, fmt.Sprintf("chunk_%05d_%s_%d%s", it.Segment, it.RepID, it.Chunk, it.Ext))
	}
	return path.Join(dir, fmt.Sprintf("chunk_%05d_%s%s", it.Segment, it.RepID, it.Ext))
}

// IsManifest reports whether p names the live manifest.
func IsManifest(p string) bool {
	return strings.Contains(p, ManifestName)
}

// IsFullSegment reports whether p names a full-format media segment that may be
// reconstructed from partial artifacts. Initialization segments never are.
func IsFullSegment(p string) bool {
	return strings.HasSuffix(p, ".mp4") && !strings.Contains(p, "init_")
}

// SegmentDuration extracts the duration directory from
// ".../<dur>/<rep>/<file>". Paths in another shape yield 0.
func SegmentDuration(p string) time.Duration {
	parts := strings.Split(p, "/")
	if len(parts) < 3 {
		return 0
	}
	n, err := strconv.Atoi(parts[len(parts)-3])
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
