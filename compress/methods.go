// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package compress

import (
	"compress/lzw"
	"compress/zlib"
	"io"
	"sync"
)

var (
	// ZLIB implements stream compression using the zlib format and flushes after
	// every write.
	ZLIB = Method{
		Name:    "zlib",
		Wrapper: newZlib,
	}

	// LZW implements stream compression using the Lempel-Ziv-Welch (DCLZ)
	// compressed data format.
	LZW = Method{
		Name:    "lzw",
		Wrapper: newLZW,
	}
)

// Method is a stream compression method.
// Custom methods may be defined, but generally speaking the only supported
// methods will be those with names defined in the "Stream Compression Methods
// Registry" maintained by the XSF Editor:
// https://xmpp.org/registrar/compress.html
type Method struct {
	Name string

	// Wrapper returns a connection that compresses everything written to rw and
	// decompresses everything read from it.
	// If the returned value is an io.Closer, closing it releases the compressor
	// but does not close rw.
	Wrapper func(rw io.ReadWriter) (io.ReadWriter, error)
}

type multiCloser []io.Closer

// Close attempts to call every close method in the multiCloser.
// It always attempts all of them (unless one of them panics), but it only
// returns the last error if multiple of them error.
func (mc multiCloser) Close() (err error) {
	var e error
	for _, c := range mc {
		if e = c.Close(); e != nil {
			err = e
		}
	}
	return err
}

// zlibConn is an io.ReadWriteCloser that uses an underlying zlib reader and
// writer, but defers creation of the reader until the first read.
// The zlib reader tries to read header data from the connection as soon as it
// is created (and blocks until it can do so), but a client needs to send a new
// stream header before the server sends anything.
type zlibConn struct {
	wm, rm sync.Mutex

	raw        io.ReadWriter
	zlibWriter *zlib.Writer
	zlibReader io.ReadCloser
}

func newZlib(rw io.ReadWriter) (io.ReadWriter, error) {
	return &zlibConn{raw: rw, zlibWriter: zlib.NewWriter(rw)}, nil
}

func (r *zlibConn) readSetup() (err error) {
	if r.zlibReader == nil {
		r.zlibReader, err = zlib.NewReader(r.raw)
	}
	return err
}

func (r *zlibConn) Write(p []byte) (n int, err error) {
	r.wm.Lock()
	defer r.wm.Unlock()
	if n, err = r.zlibWriter.Write(p); err != nil {
		return n, err
	}
	return n, r.zlibWriter.Flush()
}

func (r *zlibConn) Read(p []byte) (n int, err error) {
	r.rm.Lock()
	defer r.rm.Unlock()
	if err = r.readSetup(); err != nil {
		return 0, err
	}
	return r.zlibReader.Read(p)
}

func (r *zlibConn) Close() error {
	mc := multiCloser{}

	r.rm.Lock()
	defer r.rm.Unlock()
	if r.zlibReader != nil {
		mc = append(mc, r.zlibReader)
	}

	r.wm.Lock()
	defer r.wm.Unlock()
	mc = append(mc, r.zlibWriter)

	return mc.Close()
}

func newLZW(rw io.ReadWriter) (io.ReadWriter, error) {
	rc := lzw.NewReader(rw, lzw.LSB, 8)
	wc := lzw.NewWriter(rw, lzw.LSB, 8)
	return struct {
		io.Reader
		io.Writer
		io.Closer
	}{
		Reader: rc,
		Writer: wc,
		Closer: multiCloser{rc, wc},
	}, nil
}
