package origin

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Resolver maps request paths onto files under the content root.
//
// Variants of a video share its files: a first directory "<base>_<variant>"
// that does not exist falls back to "<base>". A manifest requested through
// such a variant prefers "<name>_<variant>.mpd" in the base directory when
// that file exists.
type Resolver struct {
	root string
}

// NewResolver returns a resolver for the content root dir.
func NewResolver(dir string) *Resolver {
	return &Resolver{root: dir}
}

// Root returns the content root.
func (r *Resolver) Root() string { return r.root }

// Resolve returns the content-relative name for request path p.
func (r *Resolver) Resolve(p string) string {
	name := strings.TrimPrefix(p, "/")
	parts := strings.Split(name, "/")
	if len(parts) < 2 {
		return name
	}

	dirParts := strings.Split(parts[0], "_")
	if len(dirParts) < 2 || r.isDir(parts[0]) {
		return name
	}
	parts[0] = dirParts[0]
	name = strings.Join(parts, "/")

	if strings.HasSuffix(name, ".mpd") {
		dot := strings.Split(name, ".")
		alt := strings.Join(dot[:len(dot)-1], ".") + "_" + strings.Join(dirParts[1:], "_") + "." + dot[len(dot)-1]
		if r.isFile(alt) {
			name = alt
		}
	}
	return name
}

// Path returns the filesystem path of a content-relative name. Names are
// cleaned so they cannot leave the root.
func (r *Resolver) Path(name string) string {
	clean := path.Clean("/" + name)
	return filepath.Join(r.root, filepath.FromSlash(clean))
}

// RepairPath resolves the file named in a repair manifest. Receivers name
// files relative to the server's working directory, so a leading content
// directory is accepted and stripped before aliasing.
func (r *Resolver) RepairPath(file string) (string, bool) {
	name := strings.TrimPrefix(filepath.ToSlash(file), "/")
	name = strings.TrimPrefix(name, filepath.ToSlash(filepath.Base(r.root))+"/")
	name = r.Resolve(name)
	return r.Path(name), r.isFile(name)
}

func (r *Resolver) isDir(name string) bool {
	st, err := os.Stat(r.Path(name))
	return err == nil && st.IsDir()
}

func (r *Resolver) isFile(name string) bool {
	st, err := os.Stat(r.Path(name))
	return err == nil && !st.IsDir()
}
