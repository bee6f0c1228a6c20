// Package guiserver is the gateway between GUI clients and the device
// broker: framed binary hashes over TCP (or websocket), login and
// session policy, topology serving, property fan-out and pipeline
// forwarding.
package guiserver

import (
	"encoding/binary"
	"io"

	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
)

// maxFrameSize bounds one framed message.
const maxFrameSize = 64 << 20

// ReadFrame reads one length-prefixed hash from the stream.
func ReadFrame(r io.Reader) (*hash.Hash, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(head[:])
	if size > maxFrameSize {
		return nil, errors.NewProtocolMisuse("frame exceeds size limit")
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return hash.Decode(body)
}

// EncodeFrame renders one hash in wire form, length prefix included.
func EncodeFrame(h *hash.Hash) ([]byte, error) {
	body, err := hash.Encode(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// WriteFrame writes one length-prefixed hash to the stream.
func WriteFrame(w io.Writer, h *hash.Hash) (int, error) {
	out, err := EncodeFrame(h)
	if err != nil {
		return 0, err
	}
	return w.Write(out)
}

// messageType extracts the mandatory type discriminator.
func messageType(h *hash.Hash) (string, error) {
	t, err := h.GetString("type")
	if err != nil || t == "" {
		return "", errors.NewProtocolMisuse("message without type")
	}
	return t, nil
}

// notification builds the standard notification frame.
func notification(message string) *hash.Hash {
	return hash.New("type", "notification", "message", message)
}

// banner builds a banner notification with optional colors.
func banner(message, foreground, background string) *hash.Hash {
	h := hash.New("type", "notification", "contentType", "banner", "message", message)
	if foreground != "" {
		_ = h.Set("foreground", foreground)
	}
	if background != "" {
		_ = h.Set("background", background)
	}
	return h
}
