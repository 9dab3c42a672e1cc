package ir

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when a header signature does not verify.
var ErrBadSignature = errors.New("header signature does not verify")

// AgentKeyFromPublic encodes an ed25519 public key as an AgentKey.
func AgentKeyFromPublic(pub ed25519.PublicKey) AgentKey {
	return AgentKey(hex.EncodeToString(pub))
}

// PublicKey decodes the agent key.
func (k AgentKey) PublicKey() (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(string(k))
	if err != nil {
		return nil, fmt.Errorf("decode agent key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("agent key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// SignHeader signs the canonical header bytes with priv.
func SignHeader(priv ed25519.PrivateKey, h Header) (SignedHeader, error) {
	b, err := CanonicalHeaderBytes(h)
	if err != nil {
		return SignedHeader{}, fmt.Errorf("sign header: %w", err)
	}
	sig := ed25519.Sign(priv, b)
	return SignedHeader{Header: h, Signature: hex.EncodeToString(sig)}, nil
}

// VerifyHeader checks the signature against the header's author key.
func VerifyHeader(sh SignedHeader) error {
	pub, err := sh.Header.Author.PublicKey()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(sh.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	b, err := CanonicalHeaderBytes(sh.Header)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, b, sig) {
		return ErrBadSignature
	}
	return nil
}

// NewElement hashes the header and assembles an element.
func NewElement(sh SignedHeader, entry *Entry) (Element, error) {
	hh, err := HeaderHash(sh.Header)
	if err != nil {
		return Element{}, err
	}
	return Element{Signed: sh, HeaderHash: hh, Entry: entry}, nil
}
