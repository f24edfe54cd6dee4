package content

import (
	"mime"
	"path"
)

const defaultMIMEType = "application/octet-stream"

// MIMEType returns the Content-Type served for p. Manifests are labelled
// "document" because the players in the testbed expect it.
func MIMEType(p string) string {
	switch ext := path.Ext(p); ext {
	case ".mpd":
		return "document"
	case ChunkSegmentExt, ChunkFileExt, ".mp4":
		return "video/mp4"
	case ".h264":
		return "video/h264"
	case "":
		return defaultMIMEType
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return defaultMIMEType
	}
}
