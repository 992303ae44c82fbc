package rowstore

import (
	"os"
	"path/filepath"

	"github.com/quietloop/rowstore/pkg/fs"
)

// Fixed file names within a store directory. The engine owns the directory
// and these four names exclusively; nothing else may live there.
const (
	lockFileName  = "LOCK"
	indexFileName = "IDX0"
	logFileName   = "LOG0"
	infoFileName  = "INFO0"
)

// File permissions and open flags shared by log.go, index.go, and info.go.
const (
	logFilePerm   = 0o644
	indexFilePerm = 0o644
	infoFilePerm  = 0o644

	// readAppendFlags opens a file for both positional reads and writes,
	// creating it if absent. It carries no O_APPEND: writers seek to the
	// end explicitly before appending. Used for the handle each component
	// keeps open for its whole lifetime.
	readAppendFlags = os.O_RDWR | os.O_CREATE

	// writeOnlyFlags opens a second, write-only handle for the duration
	// of a single transaction; the caller seeks it to the log's tail.
	writeOnlyFlags = os.O_WRONLY
)

// readFullAt reads exactly len(buf) bytes from f starting at off, looping
// over short reads the way [io.ReadFull] does for a stream. Unlike Seek+Read,
// ReadAt never moves a cursor shared with other readers or the writer.
func readFullAt(f fs.File, buf []byte, off int64) (int, error) {
	total := 0

	for total < len(buf) {
		n, err := f.ReadAt(buf[total:], off+int64(total))
		total += n

		if total == len(buf) {
			return total, nil
		}

		if err != nil {
			return total, err
		}

		if n == 0 {
			break
		}
	}

	return total, nil
}

func joinPath(dir, name string) string {
	return filepath.Join(dir, name)
}
