// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package wire

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ProtoVersion is the handshake protocol revision.
const ProtoVersion = 1

// Negotiable suite names.
const (
	CipherChaCha20 = "chacha20poly1305"
	CompressZlib   = "zlib"
	CompressNone   = "none"
)

// Hello is the first post-upgrade frame, sent by the client in plaintext: its
// ephemeral public key and the suites it offers.
type Hello struct {
	Proto    uint8    `msgpack:"proto"`
	Key      []byte   `msgpack:"key"`
	Ciphers  []string `msgpack:"ciphers"`
	Compress []string `msgpack:"compress"`
}

// Welcome is the server's plaintext reply: its ephemeral public key and the
// chosen suite. Every later frame is encrypted.
type Welcome struct {
	Key      []byte `msgpack:"key"`
	Cipher   string `msgpack:"cipher"`
	Compress string `msgpack:"compress"`
}

// EncodeHello packs a hello frame.
func EncodeHello(hello *Hello) ([]byte, error) {
	data, err := msgpack.Marshal(hello)
	return data, Error.Wrap(err)
}

// DecodeHello unpacks a hello frame.
func DecodeHello(data []byte) (*Hello, error) {
	var hello Hello
	if err := msgpack.Unmarshal(data, &hello); err != nil {
		return nil, Error.Wrap(err)
	}
	return &hello, nil
}

// EncodeWelcome packs a welcome frame.
func EncodeWelcome(welcome *Welcome) ([]byte, error) {
	data, err := msgpack.Marshal(welcome)
	return data, Error.Wrap(err)
}

// DecodeWelcome unpacks a welcome frame.
func DecodeWelcome(data []byte) (*Welcome, error) {
	var welcome Welcome
	if err := msgpack.Unmarshal(data, &welcome); err != nil {
		return nil, Error.Wrap(err)
	}
	return &welcome, nil
}

// NewHello generates a client hello with a fresh ephemeral key pair and
// returns the private key for Finish.
func NewHello(offerCompress bool) (*Hello, []byte, error) {
	pub, priv, err := generateKey()
	if err != nil {
		return nil, nil, err
	}
	hello := &Hello{
		Proto:    ProtoVersion,
		Key:      pub,
		Ciphers:  []string{CipherChaCha20},
		Compress: []string{CompressNone},
	}
	if offerCompress {
		hello.Compress = []string{CompressZlib, CompressNone}
	}
	return hello, priv, nil
}

// Accept validates a client hello, picks the suite and derives the server
// side session cipher. Compression is chosen when the client offers zlib.
func Accept(hello *Hello) (*Welcome, *Cipher, error) {
	if hello.Proto != ProtoVersion {
		return nil, nil, Error.New("unsupported protocol revision %d", hello.Proto)
	}
	if len(hello.Key) != curve25519.PointSize {
		return nil, nil, Error.New("ephemeral key is %d bytes, want %d", len(hello.Key), curve25519.PointSize)
	}
	if !slices.Contains(hello.Ciphers, CipherChaCha20) {
		return nil, nil, Error.New("no shared cipher suite")
	}
	compress := CompressNone
	if slices.Contains(hello.Compress, CompressZlib) {
		compress = CompressZlib
	}

	pub, priv, err := generateKey()
	if err != nil {
		return nil, nil, err
	}
	sendKey, recvKey, err := deriveKeys(priv, hello.Key, hello.Key, pub, false)
	if err != nil {
		return nil, nil, err
	}
	cipher, err := newCipher(sendKey, recvKey, compress == CompressZlib)
	if err != nil {
		return nil, nil, err
	}
	welcome := &Welcome{Key: pub, Cipher: CipherChaCha20, Compress: compress}
	return welcome, cipher, nil
}

// Finish derives the client side session cipher from the server's welcome.
func Finish(hello *Hello, priv []byte, welcome *Welcome) (*Cipher, error) {
	if welcome.Cipher != CipherChaCha20 {
		return nil, Error.New("server chose unknown cipher %q", welcome.Cipher)
	}
	if len(welcome.Key) != curve25519.PointSize {
		return nil, Error.New("ephemeral key is %d bytes, want %d", len(welcome.Key), curve25519.PointSize)
	}
	sendKey, recvKey, err := deriveKeys(priv, welcome.Key, hello.Key, welcome.Key, true)
	if err != nil {
		return nil, err
	}
	return newCipher(sendKey, recvKey, welcome.Compress == CompressZlib)
}

func generateKey() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, Error.Wrap(err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return pub, priv, nil
}

// deriveKeys computes the directional session keys from the X25519 shared
// secret. Both sides expand with the client and server public keys as salt,
// so the two directions never share a key stream.
func deriveKeys(priv, peerPub, clientPub, serverPub []byte, isClient bool) (sendKey, recvKey []byte, err error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	salt := append(append([]byte{}, clientPub...), serverPub...)

	c2s, err := expand(shared, salt, "hetu/1 c2s")
	if err != nil {
		return nil, nil, err
	}
	s2c, err := expand(shared, salt, "hetu/1 s2c")
	if err != nil {
		return nil, nil, err
	}
	if isClient {
		return c2s, s2c, nil
	}
	return s2c, c2s, nil
}

func expand(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, Error.Wrap(err)
	}
	return key, nil
}
