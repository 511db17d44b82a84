package tcpbus

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/alpha-protocol/apn-node/src/crypto"
	"github.com/alpha-protocol/apn-node/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

const (
	// maxFrameSize caps the size of a single frame to protect against
	// malformed length prefixes.
	maxFrameSize = 1 << 20

	gcmNonceSize = 12
)

var jsonHandle = &codec.JsonHandle{}

// hello is the cleartext handshake message exchanged when a session is
// established. Each side proves nothing here beyond its public key; message
// authenticity is carried by the signed envelopes inside the session.
type hello struct {
	PubKey string `json:"pub_key"`
}

// frame is the unit carried inside an encrypted session.
type frame struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

// session is a single encrypted connection to a remote peer. It wraps the
// underlying conn with an AES-GCM cipher keyed from an ECDH agreement between
// the two nodes' identity keys.
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	aead   cipher.AEAD

	// remotePub is the peer's identity key, learned during the handshake.
	remotePub *ecdsa.PublicKey
}

// newSession runs the handshake on conn. Both sides send their hello first
// and then read the peer's, so the exchange is symmetric and works for
// inbound and outbound connections alike.
func newSession(conn net.Conn, key *ecdsa.PrivateKey) (*session, error) {
	reader := bufio.NewReader(conn)

	// Send and read concurrently: both ends open with their hello.
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeRawFrame(conn, encodeHello(key))
	}()

	raw, err := readRawFrame(reader)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %v", err)
	}

	if err := <-writeErr; err != nil {
		return nil, fmt.Errorf("sending hello: %v", err)
	}

	remotePub, err := decodeHello(raw)
	if err != nil {
		return nil, err
	}

	aead, err := sessionCipher(key, remotePub)
	if err != nil {
		return nil, err
	}

	return &session{
		conn:      conn,
		reader:    reader,
		aead:      aead,
		remotePub: remotePub,
	}, nil
}

func encodeHello(key *ecdsa.PrivateKey) []byte {
	h := hello{PubKey: keys.PublicKeyHex(&key.PublicKey)}
	var buf []byte
	codec.NewEncoderBytes(&buf, jsonHandle).MustEncode(h)
	return buf
}

func decodeHello(raw []byte) (*ecdsa.PublicKey, error) {
	var h hello
	if err := codec.NewDecoderBytes(raw, jsonHandle).Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding hello: %v", err)
	}
	pubBytes, err := keys.DecodePublicKeyHex(h.PubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hello key: %v", err)
	}
	pub := keys.ToPublicKey(pubBytes)
	if pub == nil {
		return nil, errors.New("hello key is not a curve point")
	}
	return pub, nil
}

// sessionCipher derives the shared AES-256-GCM cipher for a pair of identity
// keys. The key is the SHA256 of the x-coordinate of the ECDH shared point,
// so both ends derive the same cipher independently.
func sessionCipher(key *ecdsa.PrivateKey, remotePub *ecdsa.PublicKey) (cipher.AEAD, error) {
	x, _ := keys.Curve().ScalarMult(remotePub.X, remotePub.Y, key.D.Bytes())
	if x == nil {
		return nil, errors.New("ecdh produced point at infinity")
	}

	secret := crypto.SHA256(x.Bytes())

	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCMWithNonceSize(block, gcmNonceSize)
}

// send seals and writes a frame on the session.
func (s *session) send(f frame) error {
	var plain []byte
	if err := codec.NewEncoderBytes(&plain, jsonHandle).Encode(f); err != nil {
		return err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	sealed := s.aead.Seal(nonce, nonce, plain, nil)

	return writeRawFrame(s.conn, sealed)
}

// receive reads and opens the next frame on the session.
func (s *session) receive() (frame, error) {
	raw, err := readRawFrame(s.reader)
	if err != nil {
		return frame{}, err
	}

	if len(raw) < gcmNonceSize {
		return frame{}, errors.New("frame shorter than nonce")
	}

	plain, err := s.aead.Open(nil, raw[:gcmNonceSize], raw[gcmNonceSize:], nil)
	if err != nil {
		return frame{}, fmt.Errorf("opening frame: %v", err)
	}

	var f frame
	if err := codec.NewDecoderBytes(plain, jsonHandle).Decode(&f); err != nil {
		return frame{}, fmt.Errorf("decoding frame: %v", err)
	}

	return f, nil
}

func (s *session) close() error {
	return s.conn.Close()
}

// writeRawFrame writes a length-prefixed blob.
func writeRawFrame(w io.Writer, data []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readRawFrame reads a length-prefixed blob.
func readRawFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}
