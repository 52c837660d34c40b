package adb

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/EFForg/adb-client/wire"
)

const (
	rsaKeyBits = 2048

	// Sizes of the android public key blob fields, in 32-bit words.
	pubkeyModulusWords = rsaKeyBits / 32
)

// DeviceKey is the persisted RSA identity used to answer AUTH challenges
// and to authenticate TLS sessions after pairing.
type DeviceKey struct {
	key *rsa.PrivateKey
	// Comment appended to the base64 public key blob, adb uses user@host.
	Comment string
}

// DefaultKeyPath returns ~/.android/adbkey, the path the adb tooling uses.
func DefaultKeyPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	return filepath.Join(home, ".android", "adbkey"), nil
}

// LoadOrCreateKey reads the RSA private key at path, generating and
// persisting a fresh one (plus its ".pub" blob) if the file doesn't exist.
func LoadOrCreateKey(path string) (*DeviceKey, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateKey(path)
	} else if err != nil {
		return nil, errors.Wrapf(err, "error reading key %s", path)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.Errorf("no PEM block in %s", path)
	}
	k := &DeviceKey{Comment: DefaultBannerName}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Errorf("%s is not an RSA key", path)
		}
		k.key = rsaKey
		return k, nil
	}
	// Older adb versions wrote PKCS#1.
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing key %s", path)
	}
	k.key = rsaKey
	return k, nil
}

func generateKey(path string) (*DeviceKey, error) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "error generating key")
	}
	k := &DeviceKey{key: rsaKey, Comment: DefaultBannerName}

	der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrap(err, "error creating key directory")
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, errors.Wrap(err, "error writing private key")
	}
	blob, err := k.PublicKeyBlob()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path+".pub", blob, 0o644); err != nil {
		return nil, errors.Wrap(err, "error writing public key")
	}
	return k, nil
}

// Sign answers a 20-byte AUTH token challenge. The token is treated as a
// SHA-1 digest and signed PKCS#1 v1.5, as adbd expects.
func (k *DeviceKey) Sign(token []byte) ([]byte, error) {
	if len(token) != wire.TokenSize {
		return nil, errors.Errorf("auth token must be %d bytes, got %d", wire.TokenSize, len(token))
	}
	sig, err := rsa.SignPKCS1v15(nil, k.key, crypto.SHA1, token)
	return sig, errors.Wrap(err, "error signing auth token")
}

/*
PublicKeyBlob encodes the public half in the format adbd stores in its
authorized key list: base64 of a fixed C struct, then a space and a comment.

The struct layout (all little-endian) comes from libcrypto_utils:
	uint32 modulus_size_words (always 64 for 2048-bit keys)
	uint32 n0inv              (-1 / n[0] mod 2^32, Montgomery parameter)
	uint8  modulus[256]
	uint8  rr[256]            (R^2 mod n, R = 2^2048)
	uint32 exponent
*/
func (k *DeviceKey) PublicKeyBlob() ([]byte, error) {
	n := k.key.PublicKey.N
	if n.BitLen() != rsaKeyBits {
		return nil, errors.Errorf("expected a %d-bit modulus, got %d", rsaKeyBits, n.BitLen())
	}

	r32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(n, r32)
	n0inv := new(big.Int).ModInverse(n0, r32)
	if n0inv == nil {
		return nil, errors.New("modulus not invertible mod 2^32")
	}
	n0inv.Sub(r32, n0inv) // -1/n[0] mod 2^32

	r := new(big.Int).Lsh(big.NewInt(1), rsaKeyBits)
	rr := new(big.Int).Mod(new(big.Int).Mul(r, r), n)

	buf := make([]byte, 4+4+rsaKeyBits/8+rsaKeyBits/8+4)
	binary.LittleEndian.PutUint32(buf[0:4], pubkeyModulusWords)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n0inv.Uint64()))
	putLittleEndianWords(buf[8:8+rsaKeyBits/8], n)
	putLittleEndianWords(buf[8+rsaKeyBits/8:8+rsaKeyBits/4], rr)
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], uint32(k.key.PublicKey.E))

	out := make([]byte, 0, base64.StdEncoding.EncodedLen(len(buf))+len(k.Comment)+1)
	out = append(out, base64.StdEncoding.EncodeToString(buf)...)
	out = append(out, ' ')
	out = append(out, k.Comment...)
	return out, nil
}

// putLittleEndianWords writes v into dst as little-endian bytes, zero padded.
func putLittleEndianWords(dst []byte, v *big.Int) {
	be := v.Bytes() // big-endian, no leading zeros
	for i, b := range be {
		dst[len(be)-1-i] = b
	}
}

// Certificate builds a self-signed TLS certificate over the device key, used
// for wireless pairing and STLS sessions. The certificate is what the device
// pins after a successful pairing, so it must be derived from the same key
// that answers AUTH challenges.
func (k *DeviceKey) Certificate() (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: k.Comment},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &k.key.PublicKey, k.key)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "error creating pairing certificate")
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: k.key}, nil
}
