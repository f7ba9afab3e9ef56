// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package wire

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals and opens session frames: the packed message is optionally
// zlib-compressed, then AEAD-encrypted with a counter nonce. Each direction
// has its own key and counter, so frames cannot be replayed or reflected.
//
// Seal and Open are not safe for concurrent use on the same direction; the
// session serializes both.
type Cipher struct {
	send cipher.AEAD
	recv cipher.AEAD

	sendCount uint64
	recvCount uint64
	compress  bool
}

func newCipher(sendKey, recvKey []byte, compress bool) (*Cipher, error) {
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Cipher{send: send, recv: recv, compress: compress}, nil
}

// Compressed reports whether the negotiated suite compresses payloads.
func (c *Cipher) Compressed() bool { return c.compress }

// Seal produces the ciphertext frame for one packed message.
func (c *Cipher) Seal(plain []byte) ([]byte, error) {
	if c.compress {
		var err error
		plain, err = deflate(plain)
		if err != nil {
			return nil, err
		}
	}
	nonce := counterNonce(c.sendCount)
	c.sendCount++
	return c.send.Seal(nil, nonce, plain, nil), nil
}

// Open decrypts and decompresses one ciphertext frame.
func (c *Cipher) Open(frame []byte) ([]byte, error) {
	nonce := counterNonce(c.recvCount)
	plain, err := c.recv.Open(nil, nonce, frame, nil)
	if err != nil {
		return nil, Error.New("frame rejected: %v", err)
	}
	c.recvCount++
	if c.compress {
		return inflate(plain)
	}
	return plain, nil
}

func counterNonce(count uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], count)
	return nonce
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := w.Close(); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = r.Close() }()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}
