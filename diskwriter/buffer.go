/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package diskwriter implements the Disk Writer Core: a double
// buffered, optionally direct-I/O PCAP writer with four selectable
// write-method strategies and rotation by size and time.
package diskwriter

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// overflowTail is the small extra capacity every Output buffer carries
// so a write that spills past max still has somewhere to land before
// a flush copies the overflow to a successor buffer.
const overflowTail = 8192

// Output is the fixed-capacity buffer packets are appended to, backed
// by an anonymous mmap allocation so direct I/O's page-alignment
// requirement is satisfied without a bounce buffer. fd is bound to the
// buffer at allocation time and travels with it through the queue, so
// a buffer always writes to the file it was filled for even if the
// capture thread has since rotated onto a new file.
type Output struct {
	name  string
	fd    *os.File
	buf   []byte
	max   int // capacity configured by pcap_write_size
	pos   int // next write offset
	close bool
}

// bufferPool is the free-list of reusable Output allocations, bounded
// by max_free_output_buffers; the capture thread and (in threaded
// write methods) the writer thread both touch it, so it owns its own
// mutex independent of the output queue's.
type bufferPool struct {
	mu       sync.Mutex
	free     []*Output
	maxFree  int
	capacity int
	pageMult bool
}

func newBufferPool(capacity, maxFree int, pageAligned bool) *bufferPool {
	return &bufferPool{capacity: capacity, maxFree: maxFree, pageMult: pageAligned}
}

func (p *bufferPool) alloc(name string) (*Output, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		buf.name = name
		buf.fd = nil
		buf.pos = 0
		buf.close = false
		return buf, nil
	}
	p.mu.Unlock()

	raw, err := unix.Mmap(-1, 0, p.capacity+overflowTail, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap output buffer: %w", err)
	}
	return &Output{name: name, buf: raw, max: p.capacity}, nil
}

// release returns buf to the free-list, or munmaps it when the
// free-list is already at capacity.
func (p *bufferPool) release(buf *Output) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.maxFree {
		p.free = append(p.free, buf)
		return
	}
	_ = unix.Munmap(buf.buf)
}

// Write appends b at pos, growing past max into the overflow tail.
func (o *Output) Write(b []byte) {
	o.pos += copy(o.buf[o.pos:], b)
}

// Len reports how many bytes have been written so far, including any
// overflow past max.
func (o *Output) Len() int { return o.pos }

// Overflow returns the bytes written past max, to be copied to the
// head of a successor buffer on flush.
func (o *Output) Overflow() []byte {
	if o.pos <= o.max {
		return nil
	}
	return o.buf[o.max:o.pos]
}

// pageAlignedLen rounds n up to the next multiple of the OS page size,
// used when O_DIRECT requires the final write length to be page
// aligned before the file is truncated to its exact payload length.
func pageAlignedLen(n int) int {
	pg := unix.Getpagesize()
	if rem := n % pg; rem != 0 {
		n += pg - rem
	}
	return n
}
