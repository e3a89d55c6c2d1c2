// Package pagefile stores evicted pages in a flat file of page-sized slots.
//
// The file has no header and no checksums. Which slot holds which page is
// known only to the page directories in memory, so the file is recreated
// on every boot.
package pagefile

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/sim/timing"
)

// ErrIO reports a failed transfer between memory and the backing store.
var ErrIO = errors.New("pagefile: i/o error")

// A Device is the backing store of the page file. Read and Write return a
// future that completes with the number of bytes transferred, which may be
// fewer than requested.
type Device interface {
	Read(off int64, dst []byte) *coro.Future
	Write(off int64, src []byte) *coro.Future
}

type transferFunc func() (int, error)

// deviceBase delivers completions through the engine after a fixed latency
// and caps the size of each transfer.
type deviceBase struct {
	sched       *coro.Scheduler
	latency     timing.VTimeInSec
	maxTransfer int
}

func (d *deviceBase) clamp(n int) int {
	if d.maxTransfer > 0 && n > d.maxTransfer {
		return d.maxTransfer
	}

	return n
}

func (d *deviceBase) submit(do transferFunc) *coro.Future {
	f := d.sched.NewFuture()
	engine := d.sched.Engine()

	engine.Schedule(timing.NewCallbackEvent(engine.Now()+d.latency,
		func(timing.VTimeInSec) {
			n, err := do()
			f.Complete(n, err)
		}))

	return f
}

// A FileDevice keeps the page file in a host file.
type FileDevice struct {
	deviceBase

	file *os.File
}

// OpenFileDevice creates or truncates the file at path and sizes it to
// size bytes.
func OpenFileDevice(
	path string,
	size int64,
	sched *coro.Scheduler,
	latency timing.VTimeInSec,
	maxTransfer int,
) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening page file: %w", err)
	}

	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sizing page file: %w", err)
	}

	return &FileDevice{
		deviceBase: deviceBase{
			sched:       sched,
			latency:     latency,
			maxTransfer: maxTransfer,
		},
		file: f,
	}, nil
}

// Read transfers bytes at off into dst.
func (d *FileDevice) Read(off int64, dst []byte) *coro.Future {
	return d.submit(func() (int, error) {
		n, err := d.file.ReadAt(dst[:d.clamp(len(dst))], off)
		if errors.Is(err, io.EOF) && n > 0 {
			err = nil
		}

		return n, err
	})
}

// Write transfers src to the file at off.
func (d *FileDevice) Write(off int64, src []byte) *coro.Future {
	return d.submit(func() (int, error) {
		return d.file.WriteAt(src[:d.clamp(len(src))], off)
	})
}

// Close closes the host file.
func (d *FileDevice) Close() error {
	return d.file.Close()
}

// A MemDevice keeps the page file in memory. It can inject failures.
type MemDevice struct {
	deviceBase

	data          []byte
	failReads     int
	failWrites    int
	stalledWrites bool
}

// NewMemDevice creates an in-memory device of size bytes.
func NewMemDevice(
	size int,
	sched *coro.Scheduler,
	latency timing.VTimeInSec,
	maxTransfer int,
) *MemDevice {
	return &MemDevice{
		deviceBase: deviceBase{
			sched:       sched,
			latency:     latency,
			maxTransfer: maxTransfer,
		},
		data: make([]byte, size),
	}
}

// FailNextReads makes the next n reads fail.
func (d *MemDevice) FailNextReads(n int) {
	d.failReads = n
}

// FailNextWrites makes the next n writes fail.
func (d *MemDevice) FailNextWrites(n int) {
	d.failWrites = n
}

// StallWrites makes every later write never complete.
func (d *MemDevice) StallWrites() {
	d.stalledWrites = true
}

// Read transfers bytes at off into dst.
func (d *MemDevice) Read(off int64, dst []byte) *coro.Future {
	return d.submit(func() (int, error) {
		if d.failReads > 0 {
			d.failReads--
			return 0, errors.New("injected read failure")
		}

		d.mustBeInRange(off)

		return copy(dst[:d.clamp(len(dst))], d.data[off:]), nil
	})
}

// Write transfers src to off.
func (d *MemDevice) Write(off int64, src []byte) *coro.Future {
	if d.stalledWrites {
		return d.sched.NewFuture()
	}

	return d.submit(func() (int, error) {
		if d.failWrites > 0 {
			d.failWrites--
			return 0, errors.New("injected write failure")
		}

		d.mustBeInRange(off)

		return copy(d.data[off:], src[:d.clamp(len(src))]), nil
	})
}

func (d *MemDevice) mustBeInRange(off int64) {
	if off < 0 || off >= int64(len(d.data)) {
		log.Panicf("offset %d outside of a %d-byte device", off, len(d.data))
	}
}
