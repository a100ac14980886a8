// Package bbqcrypto is BBQ's payload-encryption-at-rest external
// collaborator (see spec §1, §4.1: messages "may optionally be encrypted at
// rest"). Mode ECB reproduces the on-disk format of the system this queue is
// compatible with: AES-256 in ECB mode has no IV and repeats ciphertext
// blocks for repeated plaintext blocks, so it is kept only for that
// compatibility reason (see DESIGN.md). Mode GCM is the non-legacy option
// for anyone not bound by that format.
//
// No third-party library in the available stack implements ECB: every
// maintained Go crypto library deliberately omits it, since it leaks block
// structure. crypto/aes's raw block cipher plus a hand-rolled per-block loop
// is the only way to produce it, so this package is built on the standard
// library rather than an ecosystem dependency (see DESIGN.md).
package bbqcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/knfs-library/bbq/lib/bbq"
)

// Mode selects the cipher mode used for payload encryption.
type Mode string

const (
	// ModeECB is AES-256 in ECB mode, no IV, PKCS#7 padding. Legacy,
	// required only for on-disk format compatibility.
	ModeECB Mode = "ecb"
	// ModeGCM is AES-256-GCM: authenticated, random nonce per message.
	// Preferred for anything not bound to the legacy on-disk format.
	ModeGCM Mode = "gcm"
)

const keySize = 32 // AES-256

// deriveKey folds an arbitrary-length secret into a 32-byte AES-256 key by
// zero-padding short secrets and truncating long ones, matching the legacy
// key-derivation scheme this format requires.
func deriveKey(secret string) []byte {
	key := make([]byte, keySize)
	copy(key, secret)
	return key
}

// Encrypt encrypts plaintext under secret using mode and returns the
// hex-encoded ciphertext.
func Encrypt(secret, plaintext string, mode Mode) (string, error) {
	key := deriveKey(secret)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: new cipher: %v", bbq.ErrCrypto, err)
	}

	switch mode {
	case ModeECB, "":
		return hex.EncodeToString(encryptECB(block, pkcs7Pad([]byte(plaintext), block.BlockSize()))), nil
	case ModeGCM:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", fmt.Errorf("%w: new gcm: %v", bbq.ErrCrypto, err)
		}
		nonce := make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return "", fmt.Errorf("%w: read nonce: %v", bbq.ErrCrypto, err)
		}
		sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
		return hex.EncodeToString(sealed), nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", bbq.ErrCrypto, mode)
	}
}

// Decrypt reverses Encrypt.
func Decrypt(secret, ciphertextHex string, mode Mode) (string, error) {
	raw, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode hex: %v", bbq.ErrCrypto, err)
	}

	key := deriveKey(secret)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: new cipher: %v", bbq.ErrCrypto, err)
	}

	switch mode {
	case ModeECB, "":
		if len(raw) == 0 || len(raw)%block.BlockSize() != 0 {
			return "", fmt.Errorf("%w: ciphertext is not a multiple of the block size", bbq.ErrCrypto)
		}
		padded := decryptECB(block, raw)
		plain, err := pkcs7Unpad(padded, block.BlockSize())
		if err != nil {
			return "", fmt.Errorf("%w: %v", bbq.ErrCrypto, err)
		}
		return string(plain), nil
	case ModeGCM:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", fmt.Errorf("%w: new gcm: %v", bbq.ErrCrypto, err)
		}
		if len(raw) < gcm.NonceSize() {
			return "", fmt.Errorf("%w: ciphertext shorter than nonce", bbq.ErrCrypto)
		}
		nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
		plain, err := gcm.Open(nil, nonce, sealed, nil)
		if err != nil {
			return "", fmt.Errorf("%w: open: %v", bbq.ErrCrypto, err)
		}
		return string(plain), nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", bbq.ErrCrypto, mode)
	}
}

func encryptECB(block cipher.Block, data []byte) []byte {
	out := make([]byte, len(data))
	bs := block.BlockSize()
	for i := 0; i < len(data); i += bs {
		block.Encrypt(out[i:i+bs], data[i:i+bs])
	}
	return out
}

func decryptECB(block cipher.Block, data []byte) []byte {
	out := make([]byte, len(data))
	bs := block.BlockSize()
	for i := 0; i < len(data); i += bs {
		block.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	return out
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7 unpad: empty input")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("pkcs7 unpad: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("pkcs7 unpad: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
