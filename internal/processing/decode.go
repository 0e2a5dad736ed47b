package processing

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

// Built-in decoder step ids.
const (
	StepZstd = "zstd"
	StepGzip = "gzip"
	StepLZ4  = "lz4"
)

// decodeStep pipes written bytes through a streaming decoder running on its
// own goroutine. Close waits for the goroutine.
type decodeStep struct {
	name string
	pw   *io.PipeWriter
	done chan error
	st   *status.Status
}

func newDecodeStep(name string, next io.Writer, open func(io.Reader) (io.Reader, func(), error)) *decodeStep {
	pr, pw := io.Pipe()
	s := &decodeStep{name: name, pw: pw, done: make(chan error, 1)}
	go func() {
		err := func() error {
			r, release, err := open(pr)
			if err != nil {
				return fmt.Errorf("opening %s stream: %w", name, err)
			}
			defer release()
			if _, err := io.Copy(next, r); err != nil {
				return fmt.Errorf("decoding %s stream: %w", name, err)
			}
			// Drain trailing bytes so the writer side never blocks.
			_, _ = io.Copy(io.Discard, pr)
			return nil
		}()
		pr.CloseWithError(err)
		s.done <- err
	}()
	return s
}

func (s *decodeStep) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

func (s *decodeStep) Close() error {
	if s.st != nil {
		return s.st.Err
	}
	_ = s.pw.Close()
	err := <-s.done
	if err != nil {
		s.st = status.Errorf(err, "%s step failed", s.name)
		return err
	}
	s.st = status.Success()
	return nil
}

func (s *decodeStep) Status() *status.Status { return s.st }

func newZstdStep(_ artifact.StepRef, _ *artifact.Descriptor, next io.Writer) (Step, error) {
	return newDecodeStep(StepZstd, next, func(r io.Reader) (io.Reader, func(), error) {
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}), nil
}

func newGzipStep(_ artifact.StepRef, _ *artifact.Descriptor, next io.Writer) (Step, error) {
	return newDecodeStep(StepGzip, next, func(r io.Reader) (io.Reader, func(), error) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { _ = zr.Close() }, nil
	}), nil
}

func newLZ4Step(_ artifact.StepRef, _ *artifact.Descriptor, next io.Writer) (Step, error) {
	return newDecodeStep(StepLZ4, next, func(r io.Reader) (io.Reader, func(), error) {
		return lz4.NewReader(r), func() {}, nil
	}), nil
}
