package taskdeck

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived master key length in bytes.
	scryptKeyLen = 32

	// vaultSalt pins the scrypt derivation so a passphrase always yields
	// the same master key. Versioned so the sealed format can rotate.
	vaultSalt = "taskdeck/credential-vault/v1"

	// encKeyLen is the AES-256 key length in bytes.
	encKeyLen = 32

	// macKeyLen is the HMAC-SHA-512 key length in bytes.
	macKeyLen = 64

	// tagLen is the HMAC-SHA-512 tag length in bytes.
	tagLen = sha512.Size

	// nonceLen is the AES-CTR IV length in bytes.
	nonceLen = aes.BlockSize

	// minSealedLen is the smallest valid decoded payload: a tag and a
	// nonce around an empty ciphertext.
	minSealedLen = tagLen + nonceLen
)

// HKDF info labels separating the encryption key from the MAC key. Both
// subkeys come from the same scrypt master key; the labels keep them from
// ever being interchangeable.
var (
	vaultInfoEnc = []byte("taskdeck-credential-enc")
	vaultInfoMac = []byte("taskdeck-credential-mac")
)

// Vault seals and unseals short secret strings (tokens) for at-rest
// storage using keys derived from a passphrase.
//
// Sealed format, before base64:
//
//	[64-byte HMAC-SHA-512 tag][16-byte nonce][AES-256-CTR ciphertext]
//
// The tag covers nonce and ciphertext (encrypt-then-MAC) and is checked
// in constant time before any decryption. A wrong passphrase and a
// tampered payload both surface as ErrIntegrityFailure; callers cannot
// tell them apart.
type Vault struct {
	encKey []byte
	macKey []byte
}

// NewVault derives the vault keys from passphrase. The passphrase is
// NFKC-normalized first so visually identical input from different
// platforms produces the same keys. Derivation is scrypt (N=32768, r=8,
// p=1) to a 32-byte master key, then HKDF-SHA256 with a per-purpose info
// label for each subkey.
func NewVault(passphrase string) (*Vault, error) {
	master, err := scrypt.Key([]byte(norm.NFKC.String(passphrase)), []byte(vaultSalt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}
	defer zeroKey(master)

	encKey, err := deriveSubkey(master, vaultInfoEnc, encKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}

	macKey, err := deriveSubkey(master, vaultInfoMac, macKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving MAC key: %w", err)
	}

	return &Vault{encKey: encKey, macKey: macKey}, nil
}

// deriveSubkey derives keyLen bytes from the master key using HKDF-SHA256
// with the given info label.
func deriveSubkey(master, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}

// zeroKey overwrites key material in place once it is no longer needed.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Encrypt seals plaintext and returns the base64 transport string. A
// fresh random nonce is drawn per call, so sealing the same plaintext
// twice never yields the same output.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	block, err := aes.NewCipher(v.encKey)
	if err != nil {
		return "", fmt.Errorf("creating AES cipher: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, nonce).XORKeyStream(ciphertext, []byte(plaintext))

	mac := hmac.New(sha512.New, v.macKey)
	mac.Write(nonce)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	sealed := make([]byte, 0, len(tag)+len(nonce)+len(ciphertext))
	sealed = append(sealed, tag...)
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It returns ErrInvalidEncoding when the input
// is not valid base64 or is too short to hold a tag and nonce, and
// ErrIntegrityFailure when the tag does not verify or the cipher cannot
// be constructed.
func (v *Vault) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	if len(sealed) < minSealedLen {
		return "", fmt.Errorf("%w: sealed payload too short: %d bytes", ErrInvalidEncoding, len(sealed))
	}

	tag := sealed[:tagLen]
	nonce := sealed[tagLen : tagLen+nonceLen]
	ciphertext := sealed[tagLen+nonceLen:]

	mac := hmac.New(sha512.New, v.macKey)
	mac.Write(nonce)
	mac.Write(ciphertext)

	if !hmac.Equal(tag, mac.Sum(nil)) {
		return "", ErrIntegrityFailure
	}

	block, err := aes.NewCipher(v.encKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, nonce).XORKeyStream(plaintext, ciphertext)

	return string(plaintext), nil
}

// EncryptString seals plaintext with keys derived from passphrase. Prefer
// a long-lived Vault when sealing more than one value: derivation is
// deliberately slow.
func EncryptString(plaintext, passphrase string) (string, error) {
	v, err := NewVault(passphrase)
	if err != nil {
		return "", err
	}

	return v.Encrypt(plaintext)
}

// DecryptString reverses EncryptString.
func DecryptString(encoded, passphrase string) (string, error) {
	v, err := NewVault(passphrase)
	if err != nil {
		return "", err
	}

	return v.Decrypt(encoded)
}
