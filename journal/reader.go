// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Page is one decoded journal page.
type Page struct {
	Type PageType
	ID   uuid.UUID
	Body []byte
}

// Reader decodes the pages of a single journal file.
type Reader struct {
	f *os.File
	r *bufio.Reader
}

// Open verifies the magic of the file at path and returns a page reader.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	r := bufio.NewReaderSize(f, 1<<20)
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != Magic {
		f.Close()
		return nil, fmt.Errorf("bad magic %q", magic[:])
	}
	return &Reader{f: f, r: r}, nil
}

// Next returns the next page. It returns io.EOF after the last one.
func (r *Reader) Next() (*Page, error) {
	var hdr [journalPageHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read page header: %w", err)
	}

	p := &Page{Type: PageType(binary.BigEndian.Uint16(hdr[2:4]))}
	copy(p.ID[:], hdr[4:20])
	p.Body = make([]byte, binary.BigEndian.Uint16(hdr[0:2]))
	if _, err := io.ReadFull(r.r, p.Body); err != nil {
		return nil, fmt.Errorf("read page body: %w", err)
	}
	return p, nil
}

func (r *Reader) Close() error {
	return r.f.Close()
}

// Decompress expands the body of a PageBatch page.
func Decompress(body []byte) ([]byte, error) {
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return raw, nil
}

// DecodeBoot parses the body of a PageBoot or PageStats page.
func DecodeBoot(body []byte) (map[string]string, error) {
	tags := make(map[string]string)
	if err := yaml.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	return tags, nil
}
