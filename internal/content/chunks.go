package content

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
)

var (
	// chunkRequestRe matches a client request for a chunk-streamed segment.
	chunkRequestRe = regexp.MustCompile(`chunk_(\d+)_(\d+)\.m4s$`)
	// chunkFileRe matches one chunk file inside a segment's chunk directory.
	chunkFileRe = regexp.MustCompile(`^chunk_(\d+)_(\d+)_(\d+)\.f4s$`)
)

// ChunkRequest is a parsed request for a segment delivered chunk by chunk.
type ChunkRequest struct {
	Dir     string // "<video>/<dur>/<rep>", no leading slash
	Segment string // zero-padded as in the request
	RepID   string
}

// ParseChunkRequest matches p against "chunk_<segment>_<rep>.m4s".
func ParseChunkRequest(p string) (ChunkRequest, bool) {
	m := chunkRequestRe.FindStringSubmatch(p)
	if m == nil {
		return ChunkRequest{}, false
	}
	dir := path.Dir(p)
	if len(dir) > 0 && dir[0] == '/' {
		dir = dir[1:]
	}
	return ChunkRequest{Dir: dir, Segment: m[1], RepID: m[2]}, true
}

// ChunkDir is the directory holding this segment's chunk files.
func (c ChunkRequest) ChunkDir() string { return path.Join(c.Dir, c.Segment) }

// SegmentPath is the whole-segment resource the request names.
func (c ChunkRequest) SegmentPath() string {
	return path.Join(c.Dir, fmt.Sprintf("chunk_%s_%s%s", c.Segment, c.RepID, ChunkSegmentExt))
}

// ChunkName returns the file name of chunk n of this segment.
func (c ChunkRequest) ChunkName(n int) string {
	return fmt.Sprintf("chunk_%s_%s_%d%s", c.Segment, c.RepID, n, ChunkFileExt)
}

// Chunk is one chunk file found in a chunk directory.
type Chunk struct {
	Index int
	Name  string
}

// ParseChunks extracts chunk indices from directory entries, ignoring any
// name that is not a chunk file, and returns them sorted by index.
func ParseChunks(names []string) []Chunk {
	out := make([]Chunk, 0, len(names))
	for _, name := range names {
		m := chunkFileRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		out = append(out, Chunk{Index: idx, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ContiguousPrefix keeps chunks 1..k with no gap. Anything after the first
// missing index is hidden until the gap is filled, so a client never receives
// chunks out of order. chunks must be sorted by Index.
func ContiguousPrefix(chunks []Chunk) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Index != len(out)+1 {
			break
		}
		out = append(out, c)
	}
	return out
}
