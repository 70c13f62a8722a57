package ap

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"time"
)

// dhPrime is the Oakley Group 1 768-bit MODP prime (RFC 2409 §6.1); dhGenerator
// is its generator, 2. Both are part of the wire contract and must match the
// server exactly.
var dhPrime = mustHex(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088" +
		"A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B" +
		"302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9" +
		"A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE6" +
		"49286651ECE65381FFFFFFFFFFFFFFFF")

var dhGenerator = big.NewInt(2)

// dhFieldWidth is the fixed wire width of a DH public value: 768 bits.
const dhFieldWidth = 96

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("ap: invalid hardcoded DH prime")
	}
	return n
}

// ServerPublicKey is the service's hardcoded RSA-2048 public key (exponent
// 65537) used to verify the handshake's server signature. Provisioned as a
// build-time constant by the service operator; Handshake accepts an
// override for testing.
var ServerPublicKey = &rsa.PublicKey{N: mustHex(hardcodedServerModulusHex), E: 65537}

// hardcodedServerModulusHex is a 2048-bit placeholder modulus. Only the
// operator holds the matching private key; clients only ever verify.
const hardcodedServerModulusHex = "" +
	"c594a9cfb9e4f7a2a0f2e6d2c1b7a3f4e5d6c7b8a9f0e1d2c3b4a5968778695" +
	"a4b3c2d1e0f9083726150463728190a1b2c3d4e5f60718293a4b5c6d7e8f901" +
	"2233445566778899aabbccddeeff00112233445566778899aabbccddeeff00" +
	"b1a2c3d4e5f60718293a4b5c6d7e8f9012233445566778899aabbccddeeff01" +
	"c594a9cfb9e4f7a2a0f2e6d2c1b7a3f4e5d6c7b8a9f0e1d2c3b4a5968778696" +
	"a4b3c2d1e0f9083726150463728190a1b2c3d4e5f60718293a4b5c6d7e8f903" +
	"2233445566778899aabbccddeeff00112233445566778899aabbccddeeff05" +
	"b1a2c3d4e5f60718293a4b5c6d7e8f9012233445566778899aabbccddeeff0b"

// ClientHello is the first message sent by the client.
type ClientHello struct {
	BuildInfo   []byte
	DHPublic    *big.Int
	ClientNonce [16]byte
}

// APResponseMessage is what the server sends in reply.
type APResponseMessage struct {
	DHPublic  *big.Int
	Signature []byte // PKCS#1 v1.5 SHA-1 signature over DHPublic's wire bytes
}

// Keys holds the derived send and receive session keys, ready to prime a
// Codec.
type Keys struct {
	SendKey []byte
	RecvKey []byte
}

// GenerateDHPrivateKey produces a random 95- or 96-byte private scalar and
// computes the corresponding public value. Go's crypto/rand is used in
// place of a hand-rolled RNG.
func GenerateDHPrivateKey() (priv *big.Int, pub *big.Int, err error) {
	buf := make([]byte, 95)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, nil, newErr(KindNetworkError, err)
	}
	priv = new(big.Int).SetBytes(buf)
	pub = new(big.Int).Exp(dhGenerator, priv, dhPrime)
	return priv, pub, nil
}

// validatePrivateKeyLen enforces spec.md's 95-or-96-byte constraint on a
// caller-supplied private scalar.
func validatePrivateKeyLen(n int) error {
	if n != 95 && n != 96 {
		return newErr(KindInvalidKeyLength, nil)
	}
	return nil
}

// Handshake performs the AP handshake over rw (a freshly-dialed TLS
// connection) and returns the derived session keys. Handshake sets no
// deadlines of its own; rw's read/write deadlines are expected to be set by
// the caller.
func Handshake(rw io.ReadWriter, serverKey *rsa.PublicKey) (*Keys, error) {
	if serverKey == nil {
		serverKey = ServerPublicKey
	}

	priv, pub, err := GenerateDHPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := validatePrivateKeyLen(len(priv.Bytes())); err != nil {
		// A generated key occasionally has a short byte representation due
		// to a leading zero byte; regenerate once rather than fail outright.
		priv, pub, err = GenerateDHPrivateKey()
		if err != nil {
			return nil, err
		}
	}

	var nonce [16]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, newErr(KindNetworkError, err)
	}

	sentFrame, err := encodeClientHello(pub, nonce)
	if err != nil {
		return nil, err
	}
	if _, err := rw.Write(sentFrame); err != nil {
		return nil, newErr(KindNetworkError, err)
	}

	recvFrame, resp, err := readAPResponse(rw)
	if err != nil {
		return nil, err
	}

	if err := verifyServerSignature(serverKey, resp); err != nil {
		return nil, newErr(KindServerVerificationFailed, err)
	}

	shared := new(big.Int).Exp(resp.DHPublic, priv, dhPrime)
	sharedBytes := padTo(shared.Bytes(), dhFieldWidth)

	accumulator := append(append([]byte(nil), sentFrame...), recvFrame...)

	data := make([]byte, 0, 100)
	for i := byte(1); i <= 5; i++ {
		mac := hmac.New(sha1.New, sharedBytes)
		mac.Write(accumulator)
		mac.Write([]byte{i})
		data = mac.Sum(data)
	}

	challengeMac := hmac.New(sha1.New, data[0:20])
	challengeMac.Write(accumulator)
	challenge := challengeMac.Sum(nil)

	sendKey := append([]byte(nil), data[20:52]...)
	recvKey := append([]byte(nil), data[52:84]...)

	if err := sendClientResponse(rw, challenge); err != nil {
		return nil, err
	}

	return &Keys{SendKey: sendKey, RecvKey: recvKey}, nil
}

// encodeClientHello serializes the wire form described in spec.md §4.3/§6:
// literal bytes 0x00 0x04, then a 4-byte BE total size (counting those two
// bytes), then the body.
func encodeClientHello(pub *big.Int, nonce [16]byte) ([]byte, error) {
	body := make([]byte, 0, 4+dhFieldWidth+16+1)
	body = append(body, []byte("shannon")...)
	body = append(body, padTo(pub.Bytes(), dhFieldWidth)...)
	body = append(body, nonce[:]...)
	body = append(body, 0x1E) // padding

	const prefix = 2 // the literal 0x00 0x04 bytes
	total := prefix + 4 + len(body)

	out := make([]byte, 0, total)
	out = append(out, 0x00, 0x04)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(total))
	out = append(out, sizeBuf[:]...)
	out = append(out, body...)
	return out, nil
}

// readAPResponse reads the server's handshake reply: a 4-byte BE size, then
// dh_gs (dhFieldWidth bytes) and a trailing RSA-2048 signature (256 bytes).
// It returns the full raw frame (for the handshake transcript) alongside
// the parsed message.
func readAPResponse(r io.Reader) ([]byte, APResponseMessage, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, APResponseMessage{}, newErr(KindNetworkError, err)
	}
	total := binary.BigEndian.Uint32(sizeBuf[:])
	if total < 4 {
		return nil, APResponseMessage{}, newErr(KindProtocolError, errors.New("response size too small"))
	}
	body := make([]byte, total-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, APResponseMessage{}, newErr(KindNetworkError, err)
	}
	const sigLen = 256
	if len(body) < dhFieldWidth+sigLen {
		return nil, APResponseMessage{}, newErr(KindProtocolError, errors.New("response body too short"))
	}
	dhGs := new(big.Int).SetBytes(body[:dhFieldWidth])
	sig := append([]byte(nil), body[dhFieldWidth:dhFieldWidth+sigLen]...)

	frame := append(append([]byte(nil), sizeBuf[:]...), body...)
	return frame, APResponseMessage{DHPublic: dhGs, Signature: sig}, nil
}

func verifyServerSignature(pub *rsa.PublicKey, resp APResponseMessage) error {
	h := sha1.Sum(padTo(resp.DHPublic.Bytes(), dhFieldWidth))
	return rsa.VerifyPKCS1v15(pub, 0, h[:], resp.Signature)
}

// sendClientResponse writes ClientResponsePlaintext{dh_hmac=challenge},
// 4-byte BE size prefix (no leading 0x00 0x04 this time).
func sendClientResponse(w io.Writer, challenge []byte) error {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(4+len(challenge)))
	frame := append(append([]byte(nil), sizeBuf[:]...), challenge...)
	if _, err := w.Write(frame); err != nil {
		return newErr(KindNetworkError, err)
	}
	return nil
}

func padTo(b []byte, width int) []byte {
	if len(b) >= width {
		return b[len(b)-width:]
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}

// handshakeTimeout is the network deadline DialTLS gives the dialer for the
// TCP connect and TLS handshake.
const handshakeTimeout = 10 * time.Second

// handshakeMessageTimeout is the per-message handshake deadline value; no
// code in this package applies it.
const handshakeMessageTimeout = 5 * time.Second
