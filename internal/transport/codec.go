// Package transport provides a TCP implementation of zlock.Router.
package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// errProtocol reports a wire-framing violation: a frame count or frame
// length that can't possibly be valid. Grounded on pascaldekloe-redis's
// errProtocol sentinel (resp.go), adapted from RESP's line-oriented framing
// to zlock's length-prefixed one.
var errProtocol = errors.New("transport: protocol violation")

// maxFrameSize bounds a single frame's length prefix, rejecting an obviously
// corrupt or hostile stream before it drives an enormous allocation.
const maxFrameSize = 1 << 20 // 1 MiB

// maxFrameCount bounds the number of frames in one message, for the same
// reason.
const maxFrameCount = 64

// readMessage decodes one message: a big-endian uint32 frame count followed
// by that many (length-prefixed) frames. A frame count of zero is a
// well-formed empty message, used by writeMessage for nothing in practice,
// but tolerated on read; the router's read loop drops it without forwarding
// it (SPEC_FULL.md §6.1's "silently drop").
func readMessage(r *bufio.Reader) ([][]byte, error) {
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if count > maxFrameCount {
		return nil, fmt.Errorf("%w: frame count %d exceeds %d", errProtocol, count, maxFrameCount)
	}

	parts := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		size, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		if size > maxFrameSize {
			return nil, fmt.Errorf("%w: frame size %d exceeds %d", errProtocol, size, maxFrameSize)
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		parts = append(parts, buf)
	}
	return parts, nil
}

// writeMessage encodes parts in the same frame-count-then-length-prefixed
// shape readMessage decodes.
func writeMessage(w *bufio.Writer, parts ...[]byte) error {
	if err := writeUint32(w, uint32(len(parts))); err != nil {
		return err
	}
	for _, p := range parts {
		if err := writeUint32(w, uint32(len(p))); err != nil {
			return err
		}
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readUint32(r *bufio.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeUint32(w *bufio.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
