// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package security provides optional pre-shared-key encryption of `data`
// frame payloads (spec §3 Frame, SPEC_FULL §3 domain stack). Unlike the
// teacher's stream-oriented ClientAEAD, which wraps an io.ReadWriteCloser
// and frames arbitrary byte runs with its own length header, a Bifrost
// `data` frame already carries one discrete payload per frame -- the
// line-framed codec (§4.A) is the only framing layer in play -- so sealing
// here operates on whole byte slices rather than a stream.
package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// PayloadCipher seals and opens individual data-frame payloads under a key
// derived from a shared secret and the tunnel the payload belongs to, so a
// leaked key for one tunnel cannot be replayed against another.
type PayloadCipher struct {
	secret []byte
}

// NewPayloadCipher builds a cipher keyed by the given pre-shared secret.
// The secret itself is never used directly as an AEAD key; deriveAEAD
// mixes in the tunnelID first, mirroring the teacher's ClientPSK derivation.
func NewPayloadCipher(secret []byte) *PayloadCipher {
	return &PayloadCipher{secret: secret}
}

// deriveAEAD mirrors the teacher's key derivation: sha256(secret||tunnelID).
func (c *PayloadCipher) deriveAEAD(tunnelID string) (cipher.AEAD, error) {
	h := sha256.New()
	h.Write(c.secret)
	h.Write([]byte(tunnelID))
	key := h.Sum(nil)
	return chacha20poly1305.NewX(key)
}

// Seal encrypts plaintext for the given tunnel, returning nonce||ciphertext.
// Both the server and the agent seal data with the same derived key, so
// each call draws a fresh random nonce rather than a shared counter;
// XChaCha20-Poly1305's 24-byte nonce space makes that safe.
func (c *PayloadCipher) Seal(tunnelID string, plaintext []byte) ([]byte, error) {
	aead, err := c.deriveAEAD(tunnelID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open reverses Seal. It returns an error if the sealed blob is too short
// to contain a nonce, or if authentication fails.
func (c *PayloadCipher) Open(tunnelID string, sealed []byte) ([]byte, error) {
	aead, err := c.deriveAEAD(tunnelID)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("security: sealed payload shorter than nonce (%d bytes)", len(sealed))
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}
