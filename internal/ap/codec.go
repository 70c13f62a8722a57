// Package ap implements the Access Point session: the TLS-wrapped framed
// control protocol used to authenticate and exchange in-band requests
// (audio keys, Mercury, country code, product config) with the service.
package ap

import (
	"encoding/binary"
	"io"

	"github.com/waveecore/waveecore/internal/shannon"
)

// Packet is one decoded AP frame.
type Packet struct {
	Cmd     byte
	Payload []byte
}

// Codec frames and unframes packets over an underlying stream, using a
// Shannon cipher for both directions' encryption and MAC. Send and receive
// nonces are independent 32-bit counters that only ever increment, starting
// at 0 right after the handshake.
type Codec struct {
	rw      io.ReadWriter
	sendC   *shannon.Cipher
	recvC   *shannon.Cipher
	sendSeq uint32
	recvSeq uint32
}

// NewCodec builds a Codec from a send and receive key (each used to key an
// independent Shannon cipher instance), operating over rw.
func NewCodec(rw io.ReadWriter, sendKey, recvKey []byte) (*Codec, error) {
	sendC, err := shannon.New(sendKey)
	if err != nil {
		return nil, newErr(KindProtocolError, err)
	}
	recvC, err := shannon.New(recvKey)
	if err != nil {
		return nil, newErr(KindProtocolError, err)
	}
	return &Codec{rw: rw, sendC: sendC, recvC: recvC}, nil
}

// Encode writes cmd/payload as one framed packet: [cmd:1][len:2 BE][payload][mac:4].
func (c *Codec) Encode(cmd byte, payload []byte) error {
	if len(payload) > 0xFFFF {
		return newErr(KindMalformedFrame, nil)
	}
	c.sendC.NonceU32(c.sendSeq)
	c.sendSeq++

	frame := make([]byte, 3+len(payload))
	frame[0] = cmd
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)

	c.sendC.Encrypt(frame)

	var mac [4]byte
	if err := c.sendC.Finish(mac[:]); err != nil {
		return newErr(KindProtocolError, err)
	}

	if _, err := c.rw.Write(frame); err != nil {
		return newErr(KindNetworkError, err)
	}
	if _, err := c.rw.Write(mac[:]); err != nil {
		return newErr(KindNetworkError, err)
	}
	return nil
}

// Decode reads and decodes one full packet: a 3-byte header, the payload,
// and its 4-byte MAC. Partial reads never desynchronize nonces — the
// receive nonce is only advanced once the header has actually been read.
func (c *Codec) Decode() (Packet, error) {
	var header [3]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return Packet{}, classifyReadErr(err)
	}

	c.recvC.NonceU32(c.recvSeq)
	c.recvSeq++
	c.recvC.Decrypt(header[:])

	cmd := header[0]
	length := binary.BigEndian.Uint16(header[1:3])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			return Packet{}, classifyReadErr(err)
		}
	}
	c.recvC.Decrypt(payload)

	var mac [4]byte
	if _, err := io.ReadFull(c.rw, mac[:]); err != nil {
		return Packet{}, classifyReadErr(err)
	}
	if err := c.recvC.CheckMAC(mac[:]); err != nil {
		return Packet{}, newErr(KindMacFailure, err)
	}

	return Packet{Cmd: cmd, Payload: payload}, nil
}

func classifyReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return newErr(KindUnexpectedEOF, err)
	}
	return newErr(KindNetworkError, err)
}
