package run

import (
	"fmt"

	"github.com/gholt/lsmtree/internal/vfs"
)

// Paths names the four files that make up a run, per spec.md §6.
type Paths struct {
	KeyOps string
	Blobs  string
	Filter string
	Index  string
}

// PathsFor computes the four file names for runId under dir.
func PathsFor(dir string, runID uint64) Paths {
	base := fmt.Sprintf("%020d", runID)
	return Paths{
		KeyOps: vfs.Join(dir, base+".keyops"),
		Blobs:  vfs.Join(dir, base+".blobs"),
		Filter: vfs.Join(dir, base+".filter"),
		Index:  vfs.Join(dir, base+".index"),
	}
}

// Exist reports whether all four files exist.
func (p Paths) Exist(fs vfs.FS) bool {
	return fs.DoesFileExist(p.KeyOps) && fs.DoesFileExist(p.Blobs) &&
		fs.DoesFileExist(p.Filter) && fs.DoesFileExist(p.Index)
}

// RemoveAll unlinks all four files, ignoring not-exist errors, matching
// removeReference's "unlink all four files" behavior in spec.md §4.D.
func (p Paths) RemoveAll(fs vfs.FS) error {
	for _, name := range []string{p.KeyOps, p.Blobs, p.Filter, p.Index} {
		if err := fs.Remove(name); err != nil {
			return err
		}
	}
	return nil
}
