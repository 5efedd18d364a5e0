// Copyright (c) Nanokern Authors.
// SPDX-License-Identifier: BSD-3-Clause

package mem

import (
	"errors"
	"testing"

	"nanokern.dev/kern/kerr"
)

func TestArenaAllocFree(t *testing.T) {
	a := NewArena(4 * PageSize)

	r1, err := a.Alloc(PageSize, PageSize)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if r1.Off%PageSize != 0 {
		t.Errorf("offset %d not page aligned", r1.Off)
	}

	r2, err := a.Alloc(PageSize, PageSize)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if r2.Off == r1.Off {
		t.Fatalf("regions overlap at %d", r1.Off)
	}

	used, total := a.Usage()
	if used != 2*PageSize {
		t.Errorf("used: got %d, want %d", used, 2*PageSize)
	}
	if total != 4*PageSize {
		t.Errorf("total: got %d, want %d", total, 4*PageSize)
	}

	if err := a.Free(r1); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := a.Free(r2); err != nil {
		t.Fatalf("free: %v", err)
	}
	if used, _ := a.Usage(); used != 0 {
		t.Errorf("used after frees: got %d, want 0", used)
	}
}

func TestArenaExhaustion(t *testing.T) {
	a := NewArena(2 * PageSize)

	r, err := a.Alloc(2*PageSize, PageSize)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if _, err := a.Alloc(1, 0); !errors.Is(err, kerr.ErrNoMem) {
		t.Fatalf("alloc on full arena: got %v, want ErrNoMem", err)
	}

	if err := a.Free(r); err != nil {
		t.Fatalf("free: %v", err)
	}
	if _, err := a.Alloc(2*PageSize, PageSize); err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
}

// Freeing out of order must coalesce neighbors back into one segment large
// enough for the original span.
func TestArenaCoalesce(t *testing.T) {
	a := NewArena(4 * PageSize)

	var regions []Region
	for i := 0; i < 4; i++ {
		r, err := a.Alloc(PageSize, PageSize)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		regions = append(regions, r)
	}

	for _, i := range []int{2, 0, 3, 1} {
		if err := a.Free(regions[i]); err != nil {
			t.Fatalf("free %d: %v", i, err)
		}
	}

	if _, err := a.Alloc(4*PageSize, PageSize); err != nil {
		t.Fatalf("alloc of whole arena after frees: %v", err)
	}
}

func TestArenaDoubleFree(t *testing.T) {
	a := NewArena(PageSize)

	r, err := a.Alloc(64, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := a.Free(r); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := a.Free(r); !errors.Is(err, kerr.ErrNotFound) {
		t.Fatalf("double free: got %v, want ErrNotFound", err)
	}
	if err := a.Free(Region{Off: 12345, Size: 64}); !errors.Is(err, kerr.ErrNotFound) {
		t.Fatalf("bogus free: got %v, want ErrNotFound", err)
	}
}

func TestArenaBadArgs(t *testing.T) {
	a := NewArena(PageSize)

	if _, err := a.Alloc(0, 0); !errors.Is(err, kerr.ErrInvalid) {
		t.Errorf("zero size: got %v, want ErrInvalid", err)
	}
	if _, err := a.Alloc(-1, 0); !errors.Is(err, kerr.ErrInvalid) {
		t.Errorf("negative size: got %v, want ErrInvalid", err)
	}
	if _, err := a.Alloc(64, 3); !errors.Is(err, kerr.ErrInvalid) {
		t.Errorf("non power of two align: got %v, want ErrInvalid", err)
	}

	var nilArena *Arena
	if _, err := nilArena.Alloc(64, 0); !errors.Is(err, kerr.ErrNil) {
		t.Errorf("nil arena alloc: got %v, want ErrNil", err)
	}
	if err := nilArena.Free(Region{}); !errors.Is(err, kerr.ErrNil) {
		t.Errorf("nil arena free: got %v, want ErrNil", err)
	}
}
