package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	storagedriver "github.com/dockyard/registry/registry/storage/driver"
)

const fileReaderBufferSize = 4 << 20

// fileReader provides a read seeker over a file in the storage driver. The
// size is fixed when the reader is created; blobs never change once written.
type fileReader struct {
	driver storagedriver.StorageDriver
	ctx    context.Context

	path string
	size int64

	rc     io.ReadCloser
	brd    *bufio.Reader
	offset int64
	err    error
}

func newFileReader(ctx context.Context, driver storagedriver.StorageDriver, path string, size int64) *fileReader {
	return &fileReader{
		ctx:    ctx,
		driver: driver,
		path:   path,
		size:   size,
	}
}

func (fr *fileReader) Read(p []byte) (n int, err error) {
	if fr.err != nil {
		return 0, fr.err
	}
	if fr.offset >= fr.size {
		return 0, io.EOF
	}

	rd, err := fr.reader()
	if err != nil {
		return 0, err
	}

	n, err = rd.Read(p)
	fr.offset += int64(n)

	if err == nil && fr.offset >= fr.size {
		err = io.EOF
	}
	return n, err
}

func (fr *fileReader) Seek(offset int64, whence int) (int64, error) {
	if fr.err != nil {
		return 0, fr.err
	}

	newOffset := fr.offset
	switch whence {
	case io.SeekCurrent:
		newOffset += offset
	case io.SeekEnd:
		newOffset = fr.size + offset
	case io.SeekStart:
		newOffset = offset
	default:
		return fr.offset, fmt.Errorf("invalid whence %d", whence)
	}

	if newOffset < 0 {
		return fr.offset, fmt.Errorf("cannot seek to negative position")
	}
	if fr.offset != newOffset {
		fr.reset()
	}
	fr.offset = newOffset
	return fr.offset, nil
}

func (fr *fileReader) Close() error {
	return fr.closeWithErr(fmt.Errorf("fileReader: closed"))
}

// reader prepares the current reader at the current offset.
func (fr *fileReader) reader() (io.Reader, error) {
	if fr.rc != nil {
		return fr.brd, nil
	}

	rc, err := fr.driver.Reader(fr.ctx, fr.path, fr.offset)
	if err != nil {
		var notFound storagedriver.PathNotFoundError
		if errors.As(err, &notFound) {
			return nil, ErrBlobUnknown
		}
		return nil, err
	}
	fr.rc = rc

	if fr.brd == nil {
		fr.brd = bufio.NewReaderSize(fr.rc, fileReaderBufferSize)
	} else {
		fr.brd.Reset(fr.rc)
	}
	return fr.brd, nil
}

func (fr *fileReader) reset() {
	if fr.rc != nil {
		fr.rc.Close()
		fr.rc = nil
	}
}

func (fr *fileReader) closeWithErr(err error) error {
	if fr.err != nil {
		return fr.err
	}
	fr.err = err
	if fr.rc != nil {
		fr.rc.Close()
	}
	fr.rc = nil
	fr.brd = nil
	return fr.err
}
