package convert

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
)

// Sealed file layout: magic, 16-byte scrypt salt, 24-byte XChaCha20 nonce,
// ciphertext with Poly1305 tag.
var sealedMagic = []byte("KAPI1")

const (
	saltSize = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	// Files are sealed in one shot, so cap the plaintext rather than
	// building a chunked AEAD format.
	maxSealSize = 256 << 20
)

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, coordinator.NewConversionError(coordinator.FailureInternal,
			"key derivation failed").WithCause(err)
	}
	return key, nil
}

func passphraseParam(params coordinator.Params) (string, error) {
	passphrase := params.Get("passphrase", "")
	if len(passphrase) < 8 {
		return "", coordinator.BadInputError("passphrase must be at least 8 characters")
	}
	return passphrase, nil
}

// Encrypt seals a file with a passphrase-derived key.
type Encrypt struct{}

func (Encrypt) Name() string                        { return "security/encrypt" }
func (Encrypt) Summary() string                     { return "encrypt a file with a passphrase" }
func (Encrypt) OutputExt(coordinator.Params) string { return ".enc" }

func (Encrypt) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	passphrase, err := passphraseParam(params)
	if err != nil {
		return err
	}
	if input.Size > maxSealSize {
		return coordinator.BadInputError("file exceeds the %d MiB encryption limit", maxSealSize>>20)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	plaintext, err := os.ReadFile(input.Path)
	if err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return coordinator.NewConversionError(coordinator.FailureInternal,
			"randomness unavailable").WithCause(err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return coordinator.NewConversionError(coordinator.FailureInternal,
			"cipher initialisation failed").WithCause(err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return coordinator.NewConversionError(coordinator.FailureInternal,
			"randomness unavailable").WithCause(err)
	}

	sealed := make([]byte, 0, len(sealedMagic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	sealed = append(sealed, sealedMagic...)
	sealed = append(sealed, salt...)
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, plaintext, nil)

	return os.WriteFile(output.Path, sealed, 0o600)
}

// Decrypt opens a file sealed by Encrypt.
type Decrypt struct{}

func (Decrypt) Name() string    { return "security/decrypt" }
func (Decrypt) Summary() string { return "decrypt a previously encrypted file" }

func (Decrypt) OutputExt(params coordinator.Params) string {
	ext := params.Get("ext", "")
	if ext == "" {
		return ".bin"
	}
	if ext[0] != '.' {
		ext = "." + ext
	}
	return ext
}

func (Decrypt) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	passphrase, err := passphraseParam(params)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sealed, err := os.ReadFile(input.Path)
	if err != nil {
		return err
	}
	header := len(sealedMagic) + saltSize + chacha20poly1305.NonceSizeX
	if len(sealed) < header || !bytes.Equal(sealed[:len(sealedMagic)], sealedMagic) {
		return coordinator.BadInputError("file is not in the expected encrypted format")
	}
	salt := sealed[len(sealedMagic) : len(sealedMagic)+saltSize]
	nonce := sealed[len(sealedMagic)+saltSize : header]
	ciphertext := sealed[header:]

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return coordinator.NewConversionError(coordinator.FailureInternal,
			"cipher initialisation failed").WithCause(err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return coordinator.BadInputError("wrong passphrase or corrupted file").WithCause(err)
	}
	return os.WriteFile(output.Path, plaintext, 0o600)
}
