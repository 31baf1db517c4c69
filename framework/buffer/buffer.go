/*
Kestrel SMTP Server - High-throughput extensible SMTP server platform.
Copyright © 2023-2026 The Kestrel developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package buffer abstracts storage of large blobs, such as message bodies,
// behind a multiple-reader interface.
package buffer

import (
	"bytes"
	"io"
)

// Buffer is an immutable blob. Any number of readers can be open at once,
// each observing the same contents.
//
// The creator is responsible for calling Remove once the Buffer is no
// longer needed. Readers opened before Remove stay usable.
type Buffer interface {
	// Open creates a new reader over the blob.
	Open() (io.ReadCloser, error)

	// Len reports the blob size in bytes.
	Len() int

	// Remove releases the underlying storage. New readers cannot be
	// created afterwards.
	Remove() error
}

// MemoryBuffer is a Buffer backed by a byte slice.
type MemoryBuffer struct {
	Slice []byte
}

func (b MemoryBuffer) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Slice)), nil
}

func (b MemoryBuffer) Len() int { return len(b.Slice) }

func (b MemoryBuffer) Remove() error { return nil }
