// Copyright (C) The Varstats Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package varstats

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/pgzip"
)

// naField marks a null value in text output, matching plink's report
// convention.
const naField = "NA"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// reportWriter serializes row batches from concurrent workers into one
// tab-separated output stream, gzip-compressed when the filename ends
// in .gz. Batches from different workers may interleave; rows within a
// batch keep their order.
type reportWriter struct {
	mtx  sync.Mutex
	out  io.WriteCloser
	bufw *bufio.Writer
	gzw  *pgzip.Writer
}

func openReport(filename string, stdout io.Writer) (*reportWriter, error) {
	rw := &reportWriter{}
	if filename == "-" {
		rw.out = nopCloser{stdout}
	} else {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return nil, err
		}
		rw.out = f
	}
	rw.bufw = bufio.NewWriterSize(rw.out, 1<<20)
	if strings.HasSuffix(filename, ".gz") {
		rw.gzw = pgzip.NewWriter(rw.bufw)
	}
	return rw, nil
}

// Header writes the column header row.
func (rw *reportWriter) Header(columns ...string) error {
	return rw.WriteBatch([]byte(strings.Join(columns, "\t") + "\n"))
}

func (rw *reportWriter) WriteBatch(batch []byte) error {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	var err error
	if rw.gzw != nil {
		_, err = rw.gzw.Write(batch)
	} else {
		_, err = rw.bufw.Write(batch)
	}
	return err
}

func (rw *reportWriter) Close() error {
	if rw.gzw != nil {
		if err := rw.gzw.Close(); err != nil {
			return err
		}
	}
	if err := rw.bufw.Flush(); err != nil {
		return err
	}
	return rw.out.Close()
}

// rowBuffer accumulates one worker's batch of tab-separated rows before
// they are handed to the reportWriter in one locked write.
type rowBuffer struct {
	buf []byte
}

func (rb *rowBuffer) Reset()        { rb.buf = rb.buf[:0] }
func (rb *rowBuffer) Bytes() []byte { return rb.buf }

func (rb *rowBuffer) Str(s string) *rowBuffer {
	rb.buf = append(rb.buf, s...)
	rb.buf = append(rb.buf, '\t')
	return rb
}

// OptStr writes s, or NA when s is absent ("" or ".").
func (rb *rowBuffer) OptStr(s string) *rowBuffer {
	if s == "" || s == "." {
		return rb.Str(naField)
	}
	return rb.Str(s)
}

func (rb *rowBuffer) Int(v int) *rowBuffer {
	rb.buf = strconv.AppendInt(rb.buf, int64(v), 10)
	rb.buf = append(rb.buf, '\t')
	return rb
}

func (rb *rowBuffer) Float(v float64) *rowBuffer {
	rb.buf = strconv.AppendFloat(rb.buf, v, 'g', -1, 64)
	rb.buf = append(rb.buf, '\t')
	return rb
}

// NA writes a null field.
func (rb *rowBuffer) NA() *rowBuffer {
	return rb.Str(naField)
}

// End terminates the current row, replacing the trailing tab.
func (rb *rowBuffer) End() {
	if n := len(rb.buf); n > 0 && rb.buf[n-1] == '\t' {
		rb.buf[n-1] = '\n'
	} else {
		rb.buf = append(rb.buf, '\n')
	}
}
