// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"bytes"
	"testing"
)

func TestMaskInvolution(t *testing.T) {
	original := make([]byte, 256)
	for i := range original {
		original[i] = byte(i)
	}

	masked := Mask(append([]byte(nil), original...))
	if bytes.Equal(masked, original) {
		t.Fatal("Masking changed nothing")
	}

	unmasked := Mask(append([]byte(nil), masked...))
	if !bytes.Equal(unmasked, original) {
		t.Fatalf("Mask is not involutive: %x != %x", unmasked, original)
	}
}

func TestMaskKnownBytes(t *testing.T) {
	if got := Mask([]byte{0x00, 0xFF, 0x0F}); !bytes.Equal(got, []byte{0xFF, 0x00, 0xF0}) {
		t.Fatalf("Unexpected mask result: %x", got)
	}
}

func TestChecksum(t *testing.T) {
	if got := Checksum(nil); got != 0 {
		t.Fatalf("Checksum of nothing should be 0, got %d", got)
	}

	if got := Checksum([]byte{1, 2, 3}); got != 6 {
		t.Fatalf("Expected 6, got %d", got)
	}

	// A full V1 block of 0xFF must not overflow.
	block := bytes.Repeat([]byte{0xFF}, 1024)
	if got := Checksum(block); got != 1024*255 {
		t.Fatalf("Expected %d, got %d", 1024*255, got)
	}
}
