// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package journal writes trace batches to rotating on-disk files.
//
// A journal file starts with an 8 byte magic followed by a sequence of
// pages. Each page is a 2 byte body size, a 2 byte page type and the 16
// byte boot ID of the file, followed by the body itself. Batch page bodies
// are brotli compressed; boot and stats page bodies are YAML.
package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var Magic = [8]byte{'n', 'k', 'r', 'n', 'j', 'r', 'n', 'l'}

// PageType describes what a page body holds.
type PageType uint16

const (
	PageInvalid PageType = iota
	PageBoot             // YAML boot tags, first page of every file
	PageBatch            // brotli compressed trace records
	PageStats            // YAML counter snapshot
)

const (
	journalMaxFileSize    = 64 << 20 // advance to a new file when the current journal >= ~64MB
	journalPageHeaderSize = 2 + 2 + 16
)

// DefaultDir returns the journal directory used when none is configured.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "nanokern", "journals")
}

type Journal struct {
	dir  string
	boot []byte
	pool sync.Pool

	mu    sync.Mutex
	curID uuid.UUID
	f     *os.File
	w     *bufio.Writer
	n     int
}

// New creates a journal writer that rotates files under dir. The boot tags
// are written as the first page of every file.
func New(dir string, boot map[string]string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	if boot == nil {
		boot = make(map[string]string)
	}
	b, err := yaml.Marshal(boot)
	if err != nil {
		return nil, fmt.Errorf("marshal boot tags: %w", err)
	}

	return &Journal{
		dir:  dir,
		boot: b,
		pool: sync.Pool{New: func() any { return brotli.NewWriter(nil) }},
	}, nil
}

func (j *Journal) flushResetLocked() error {
	if j.w == nil {
		return nil
	}

	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := j.f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	slog.Debug("closed journal file", "journalID", j.curID, "path", j.f.Name(), "size", j.n)

	j.f = nil
	j.w = nil
	j.n = 0
	return nil
}

// Flush writes buffered pages out and closes the current file. The next
// page starts a new file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushResetLocked()
}

// advanceLocked flushes the current journal file (if any) and advances the
// writer to a new file with a fresh boot page.
func (j *Journal) advanceLocked() error {
	if j.w != nil {
		if err := j.flushResetLocked(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}

	j.curID = uuid.New()
	now := time.Now().UTC()
	f, err := os.CreateTemp(j.dir, fmt.Sprintf("%s_%s_*.nkjrnl", now.Format("20060102150405"), j.curID))
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	j.f = f
	j.w = bufio.NewWriterSize(f, 1<<20)
	if _, err := j.w.Write(Magic[:]); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	j.n += len(Magic)

	if err := j.writePageLocked(PageBoot, j.curID, j.boot); err != nil {
		return fmt.Errorf("write boot page: %w", err)
	}
	slog.Debug("opened journal file", "journalID", j.curID, "path", f.Name())
	return nil
}

func (j *Journal) writePageLocked(t PageType, id uuid.UUID, body []byte) error {
	if _, err := j.w.Write(binary.BigEndian.AppendUint16(nil, uint16(len(body)))); err != nil {
		return fmt.Errorf("write size: %w", err)
	}
	if _, err := j.w.Write(binary.BigEndian.AppendUint16(nil, uint16(t))); err != nil {
		return fmt.Errorf("write type: %w", err)
	}
	if _, err := j.w.Write(id[:]); err != nil {
		return fmt.Errorf("write ID: %w", err)
	}
	if _, err := j.w.Write(body); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	j.n += journalPageHeaderSize + len(body)
	return nil
}

// WritePage appends one page, starting a new file if none is open or the
// current one is full.
func (j *Journal) WritePage(t PageType, body []byte) error {
	if len(body) >= 1<<16 {
		return fmt.Errorf("write: body size does not fit in uint16: %d", len(body))
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil || j.n+journalPageHeaderSize+len(body) > journalMaxFileSize {
		if err := j.advanceLocked(); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	}
	return j.writePageLocked(t, j.curID, body)
}

// WriteBatch compresses a batch of trace records into a single page.
func (j *Journal) WriteBatch(raw []byte) error {
	var buf bytes.Buffer
	bw := j.pool.Get().(*brotli.Writer)
	defer j.pool.Put(bw)

	bw.Reset(&buf)
	if _, err := bw.Write(raw); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("close compressor: %w", err)
	}
	return j.WritePage(PageBatch, buf.Bytes())
}
