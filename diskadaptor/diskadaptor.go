// Package diskadaptor implements the disk adaptor black box named in the
// engine spec: it maps a byte offset in the logical target (single file or
// concatenated multi-file torrent) onto the underlying file(s) on disk.
package diskadaptor

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileEntry describes one file within the target's concatenated byte
// stream.
type FileEntry struct {
	Path   string // relative path under the output directory
	Length int64
	Offset int64 // absolute offset of this file's first byte in the target
}

// Adaptor maps target-relative offsets to open files, and pre-creates every
// file at its final size so writes never need to grow them.
type Adaptor struct {
	outputDir string
	files     []FileEntry
	totalLen  int64

	mu      sync.Mutex
	fileMap map[string]*os.File
}

// New pre-creates every file in files (truncated to its final length) under
// outputDir and returns an Adaptor ready for WriteAt/ReadAt.
func New(outputDir string, totalLength int64, files []FileEntry) (*Adaptor, error) {
	if _, err := os.Stat(outputDir); err != nil {
		return nil, errors.Wrap(err, "diskadaptor: output directory does not exist")
	}

	a := &Adaptor{
		outputDir: outputDir,
		files:     files,
		totalLen:  totalLength,
		fileMap:   make(map[string]*os.File),
	}

	for _, f := range files {
		fullPath := filepath.Join(outputDir, f.Path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "diskadaptor: create directory %s", dir)
		}

		file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "diskadaptor: create file %s", fullPath)
		}

		if err := file.Truncate(f.Length); err != nil {
			file.Close()
			a.Close()
			return nil, errors.Wrapf(err, "diskadaptor: truncate file %s", fullPath)
		}

		a.fileMap[f.Path] = file
	}

	return a, nil
}

// WriteAt writes data at the given target-relative offset, splitting the
// write across file boundaries as needed.
func (a *Adaptor) WriteAt(offset int64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pos := int64(0)
	for pos < int64(len(data)) {
		f, fileOffset, err := a.fileAt(offset + pos)
		if err != nil {
			return err
		}

		remaining := int64(len(data)) - pos
		available := f.Length - fileOffset
		toWrite := remaining
		if toWrite > available {
			toWrite = available
		}

		file := a.fileMap[f.Path]
		if _, err := file.Seek(fileOffset, io.SeekStart); err != nil {
			return errors.Wrapf(err, "diskadaptor: seek in %s", f.Path)
		}
		n, err := file.Write(data[pos : pos+toWrite])
		if err != nil {
			return errors.Wrapf(err, "diskadaptor: write to %s", f.Path)
		}
		if int64(n) != toWrite {
			return errors.Errorf("diskadaptor: partial write to %s: wrote %d, expected %d", f.Path, n, toWrite)
		}

		pos += toWrite
	}

	return nil
}

// ReadAt reads length bytes starting at the given target-relative offset.
func (a *Adaptor) ReadAt(offset int64, length int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data := make([]byte, length)
	pos := int64(0)
	for pos < int64(length) {
		f, fileOffset, err := a.fileAt(offset + pos)
		if err != nil {
			return nil, err
		}

		remaining := int64(length) - pos
		available := f.Length - fileOffset
		toRead := remaining
		if toRead > available {
			toRead = available
		}

		file := a.fileMap[f.Path]
		if _, err := file.Seek(fileOffset, io.SeekStart); err != nil {
			return nil, errors.Wrapf(err, "diskadaptor: seek in %s", f.Path)
		}
		n, err := io.ReadFull(file, data[pos:pos+toRead])
		if err != nil {
			return nil, errors.Wrapf(err, "diskadaptor: read from %s", f.Path)
		}
		if int64(n) != toRead {
			return nil, errors.Errorf("diskadaptor: partial read from %s: read %d, expected %d", f.Path, n, toRead)
		}

		pos += toRead
	}

	return data, nil
}

// Close closes every open file.
func (a *Adaptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, f := range a.fileMap {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Adaptor) fileAt(offset int64) (FileEntry, int64, error) {
	for _, f := range a.files {
		if offset >= f.Offset && offset < f.Offset+f.Length {
			return f, offset - f.Offset, nil
		}
	}
	return FileEntry{}, 0, errors.Errorf("diskadaptor: offset %d out of range (total %d)", offset, a.totalLen)
}
