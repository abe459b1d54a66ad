// Package cryptopipe implements the compress-then-encrypt envelope that
// wraps every btrfs send stream before it leaves the host: gzip followed
// by AES-256-GCM, replacing the original system's
// `gzip -c | gpg --symmetric --cipher-algo AES256` shell pipeline with an
// in-process io.Pipe chain. The key is derived from an operator-controlled
// passphrase file via PBKDF2, never stored in cleartext.
package cryptopipe

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Magic identifies an envelope produced by this package, replacing the
// "GPG" file-type check the original system ran via `file -`.
var Magic = [4]byte{'B', 'V', 'G', '1'}

const (
	saltSize       = 16
	nonceSize      = 12
	pbkdf2Iters    = 200_000
	keySize        = 32 // AES-256
	chunkPlainSize = 1 << 20
)

// DeriveKey reads the passphrase from keyPath and combines it with salt
// via PBKDF2-HMAC-SHA256.
func DeriveKey(keyPath string, salt []byte) ([]byte, error) {
	passphrase, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("cryptopipe: reading key file: %w", err)
	}
	passphrase = []byte(strings.TrimRight(string(passphrase), "\r\n"))
	return pbkdf2.Key(passphrase, salt, pbkdf2Iters, keySize, sha256.New), nil
}

// EncryptStream reads plaintext btrfs-send bytes from src, gzips them,
// encrypts the result with AES-256-GCM in fixed-size chunks, and writes
// the envelope to dst. The envelope layout is:
//
//	magic(4) | salt(16) | chunk*
//	chunk := len(uint32 BE) | nonce(12) | ciphertext+tag
//
// Chunking keeps memory bounded for arbitrarily large snapshots and keeps
// each GCM seal under its safe single-key message limit.
func EncryptStream(dst io.Writer, src io.Reader, keyPath string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("cryptopipe: salt: %w", err)
	}
	key, err := DeriveKey(keyPath, salt)
	if err != nil {
		return err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	if _, err := dst.Write(Magic[:]); err != nil {
		return err
	}
	if _, err := dst.Write(salt); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	gzipErrCh := make(chan error, 1)
	go func() {
		gz := gzip.NewWriter(pw)
		_, err := io.Copy(gz, src)
		if err == nil {
			err = gz.Close()
		}
		pw.CloseWithError(err)
		gzipErrCh <- err
	}()

	buf := make([]byte, chunkPlainSize)
	for {
		n, rerr := io.ReadFull(pr, buf)
		if n > 0 {
			if werr := writeChunk(dst, gcm, buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("cryptopipe: reading compressed stream: %w", rerr)
		}
	}

	if err := <-gzipErrCh; err != nil {
		return fmt.Errorf("cryptopipe: gzip: %w", err)
	}
	return nil
}

func writeChunk(dst io.Writer, gcm cipher.AEAD, plain []byte) error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ciphertext := gcm.Seal(nonce, nonce, plain, nil)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := dst.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := dst.Write(ciphertext)
	return err
}

// DecryptStream is the inverse of EncryptStream: it validates the magic
// header, derives the key from the embedded salt, decrypts each chunk,
// and gunzips the result onto dst.
func DecryptStream(dst io.Writer, src io.Reader, keyPath string) error {
	var magic [4]byte
	if _, err := io.ReadFull(src, magic[:]); err != nil {
		return fmt.Errorf("cryptopipe: reading magic: %w", err)
	}
	if magic != Magic {
		return fmt.Errorf("cryptopipe: not a recognized envelope (got %q)", magic)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(src, salt); err != nil {
		return fmt.Errorf("cryptopipe: reading salt: %w", err)
	}
	key, err := DeriveKey(keyPath, salt)
	if err != nil {
		return err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		var err error
		for {
			var lenBuf [4]byte
			if _, err = io.ReadFull(src, lenBuf[:]); err != nil {
				if err == io.EOF {
					err = nil
				}
				break
			}
			n := binary.BigEndian.Uint32(lenBuf[:])
			ciphertext := make([]byte, n)
			if _, err = io.ReadFull(src, ciphertext); err != nil {
				break
			}
			if len(ciphertext) < nonceSize {
				err = fmt.Errorf("cryptopipe: chunk too short")
				break
			}
			nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
			var plain []byte
			plain, err = gcm.Open(nil, nonce, body, nil)
			if err != nil {
				err = fmt.Errorf("cryptopipe: decrypt chunk: %w", err)
				break
			}
			if _, werr := pw.Write(plain); werr != nil {
				err = werr
				break
			}
		}
		pw.CloseWithError(err)
	}()

	gz, err := gzip.NewReader(pr)
	if err != nil {
		return fmt.Errorf("cryptopipe: gzip header: %w", err)
	}
	defer gz.Close()

	_, err = io.Copy(dst, gz)
	return err
}

// PeekMagic inspects the first bytes of an already-fetched header (e.g.
// from sshexec.ReadHead) and reports whether they match the envelope
// magic, the replacement for the original system's `file -` GPG check.
func PeekMagic(head []byte) bool {
	return len(head) >= len(Magic) && bytes.Equal(head[:len(Magic)], Magic[:])
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptopipe: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
