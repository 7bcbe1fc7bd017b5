/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package diskwriter

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	gwlog "github.com/gravwell/capture/ingest/log"
)

// WriteMethod selects one of the four I/O strategies, chosen once at
// construction per the configuration key pcap_write_method.
type WriteMethod int

const (
	MethodNormal WriteMethod = iota
	MethodDirect
	MethodThread
	MethodThreadDirect
)

// ParseWriteMethod maps the configuration string to a WriteMethod,
// returning an error for anything else -- an unknown write method is a
// fatal configuration error at startup.
func ParseWriteMethod(s string) (WriteMethod, error) {
	switch s {
	case "normal":
		return MethodNormal, nil
	case "direct":
		return MethodDirect, nil
	case "thread":
		return MethodThread, nil
	case "thread-direct":
		return MethodThreadDirect, nil
	}
	return 0, fmt.Errorf("unknown pcap_write_method %q", s)
}

func (m WriteMethod) threaded() bool {
	return m == MethodThread || m == MethodThreadDirect
}

func (m WriteMethod) direct() bool {
	return m == MethodDirect || m == MethodThreadDirect
}

// FileCreator is the pipeline's file-creation collaborator: it assigns
// a new file id and a durable filename whenever the Disk Writer Core
// needs to roll to a new file. Persisting that mapping (e.g. to a
// metadata database) is the caller's responsibility.
type FileCreator interface {
	CreateFile() (fileID uint64, filename string, err error)
}

// Config bounds a Writer per the configuration keys table.
type Config struct {
	Method              WriteMethod
	WriteSize            int // pcap_write_size
	MaxFileSizeBytes     int64
	MaxFileTimeMinutes   int
	MaxFreeOutputBuffers int
	SnapLen              uint32
	LinkType             uint32
}

// Verify enforces the fatal-at-startup configuration constraints:
// direct I/O requires a page-size-multiple write size.
func (c Config) Verify() error {
	if c.Method.direct() {
		if c.WriteSize <= 0 || c.WriteSize%unix.Getpagesize() != 0 {
			return fmt.Errorf("pcap_write_size %d is not a multiple of the page size %d", c.WriteSize, unix.Getpagesize())
		}
	}
	if c.WriteSize <= 0 {
		return fmt.Errorf("pcap_write_size must be positive")
	}
	return nil
}

// Writer is the Disk Writer Core: formats packets into a PCAP stream
// and drives them to disk through a double-buffered pipeline with one
// of four write-method strategies.
type Writer struct {
	cfg     Config
	creator FileCreator
	pool    *bufferPool
	log     *gwlog.Logger

	mu      sync.Mutex
	current *Output
	fileID  uint64
	filePos int64 // bytes accounted for in the current file, flushed or buffered

	queue []*Output
	cond  *sync.Cond

	fileStartTime time.Time
	rotateOnTime  int32 // set by the 30s ticker, consumed by the next Write

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewWriter builds a Writer. Start must be called before Write.
func NewWriter(cfg Config, creator FileCreator, lg *gwlog.Logger) (*Writer, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	w := &Writer{
		cfg:     cfg,
		creator: creator,
		pool:    newBufferPool(cfg.WriteSize, cfg.MaxFreeOutputBuffers, cfg.Method.direct()),
		log:     lg,
		stop:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// Start launches the rotation ticker and, for threaded write methods,
// the dedicated writer goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.timeRotationLoop()
	if w.cfg.Method.threaded() {
		w.wg.Add(1)
		go w.writerThread()
	}
}

// Stop issues a final flush with close=true and waits for the queue to
// drain before returning, matching the shutdown sequence in §4.3.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.current != nil {
		w.flushLocked(true)
	}
	w.mu.Unlock()

	if w.cfg.Method.threaded() {
		for w.QueueLength() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
	} else {
		for w.QueueLength() > 0 {
			w.driveOneSync()
		}
	}
	close(w.stop)
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
	w.wg.Wait()
}

// QueueLength reports the current backlog, for the pipeline's
// backpressure query.
func (w *Writer) QueueLength() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Writer) warnBacklog(n int) {
	if n > 100 && n%50 == 0 && w.log != nil {
		w.log.Warnf("disk writer output queue depth %d", n)
	}
}

// Write appends one packet record to the active buffer, rotating files
// by size or time as needed, and returns the (file_id, file_offset)
// locating the packet's 16-byte header on disk.
func (w *Writer) Write(rec PacketRecord) (fileID uint64, fileOffset int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		if err = w.openFileLocked(); err != nil {
			return
		}
	} else if atomic.CompareAndSwapInt32(&w.rotateOnTime, 1, 0) {
		w.flushLocked(true)
		if err = w.openFileLocked(); err != nil {
			return
		}
	}

	hdr := packetHeader(rec)
	total := len(hdr) + len(rec.Data)
	if w.cfg.MaxFileSizeBytes > 0 && w.filePos > GlobalHeaderLen &&
		w.filePos+int64(total) > w.cfg.MaxFileSizeBytes {
		w.flushLocked(true)
		if err = w.openFileLocked(); err != nil {
			return
		}
	}

	fileOffset = w.filePos
	fileID = w.fileID

	w.current.Write(hdr)
	w.current.Write(rec.Data)
	w.filePos += int64(total)

	if w.current.Len() > w.current.max {
		w.flushLocked(false)
	}
	return
}

func (w *Writer) openFileLocked() error {
	fileID, filename, err := w.creator.CreateFile()
	if err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_TRUNC | os.O_WRONLY
	if w.cfg.Method.direct() {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(filename, flags, 0660)
	if err != nil {
		// file-system errors on open are fatal: the durability
		// invariant on returned (file_id, file_offset) cannot be met.
		return fmt.Errorf("fatal: open output file %s: %w", filename, err)
	}
	w.fileID = fileID
	w.fileStartTime = time.Now()
	atomic.StoreInt32(&w.rotateOnTime, 0)

	buf, err := w.pool.alloc(filename)
	if err != nil {
		f.Close()
		return err
	}
	buf.fd = f
	hdr := GlobalHeader(w.cfg.SnapLen, w.cfg.LinkType)
	buf.Write(hdr)
	w.current = buf
	w.filePos = int64(len(hdr))
	return nil
}

// flushLocked must be called with w.mu held. It enqueues the active
// buffer (marking it close when rotating or stopping) and, unless
// closing, allocates a successor buffer pre-seeded with the overflow
// bytes written past capacity.
func (w *Writer) flushLocked(closeFile bool) {
	old := w.current
	old.close = closeFile
	if closeFile {
		w.current = nil
	} else {
		next, err := w.pool.alloc(old.name)
		if err != nil {
			if w.log != nil {
				w.log.Errorf("disk writer buffer allocation failed: %v", err)
			}
			next = old // degrade rather than lose the stream; extremely unlikely path
		} else {
			next.fd = old.fd
			next.Write(old.Overflow())
		}
		w.current = next
	}
	w.queue = append(w.queue, old)
	w.warnBacklog(len(w.queue))
	if w.cfg.Method.threaded() {
		w.cond.Signal()
	} else {
		// non-thread methods are driven by an fd-readiness watch in the
		// source; here the capture goroutine itself drains the queued
		// buffers inline, in FIFO order, which is equivalent for a
		// single writer feeding a single event loop.
		for len(w.queue) > 0 {
			o := w.queue[0]
			w.queue = w.queue[1:]
			w.writeOutput(o)
		}
	}
}

func (w *Writer) driveOneAsync() {
	w.driveOneSync()
}

// driveOneSync pops the head of the queue (if any) and writes it to
// disk. Safe to call from any goroutine.
func (w *Writer) driveOneSync() {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	o := w.queue[0]
	w.queue = w.queue[1:]
	w.mu.Unlock()

	w.writeOutput(o)
}

func (w *Writer) writerThread() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			select {
			case <-w.stop:
				w.mu.Unlock()
				return
			default:
			}
			w.cond.Wait()
		}
		o := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.writeOutput(o)
	}
}

// writeOutput performs the actual write()+optional-truncate+close
// sequence for one Output buffer, then recycles it to the pool. The
// buffer carries its own fd from allocation, so a buffer queued before
// a rotation always lands in the file it was filled for, never a
// successor file the capture thread has since opened.
func (w *Writer) writeOutput(o *Output) {
	fd := o.fd
	writeLen := o.max
	if o.close {
		if w.cfg.Method.direct() {
			writeLen = pageAlignedLen(o.pos)
		} else {
			writeLen = o.pos
		}
	}
	if writeLen > len(o.buf) {
		writeLen = len(o.buf)
	}

	var base int64
	if o.close && fd != nil && w.cfg.Method.direct() {
		base, _ = fd.Seek(0, io.SeekCurrent)
	}
	if fd != nil && writeLen > 0 {
		if _, err := fd.Write(o.buf[:writeLen]); err != nil && w.log != nil {
			w.log.Errorf("fatal: disk writer write failed: %v", err)
		}
	}

	if o.close && fd != nil {
		if w.cfg.Method.direct() {
			_ = fd.Truncate(base + int64(o.pos))
		}
		fd.Close()
	}

	o.fd = nil
	w.pool.release(o)
}

// timeRotationLoop ticks every 30s and flags a rotation for the next
// packet once max_file_time_minutes has elapsed, matching the
// wall-clock rotation check in §4.3.
func (w *Writer) timeRotationLoop() {
	defer w.wg.Done()
	if w.cfg.MaxFileTimeMinutes <= 0 {
		return
	}
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.mu.Lock()
			started := w.fileStartTime
			w.mu.Unlock()
			if started.IsZero() {
				continue
			}
			if time.Since(started) >= time.Duration(w.cfg.MaxFileTimeMinutes)*time.Minute {
				atomic.StoreInt32(&w.rotateOnTime, 1)
			}
		}
	}
}
