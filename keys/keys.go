// Package keys provides the signing backend capability behind template
// generation: fresh key pairs plus the raw subjectPublicKey encoding that
// becomes the template's public-key needle. New signature schemes are added
// by implementing Scheme, never by modifying the builders.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"github.com/hwsec-tools/tbsgen/x509rot"
)

// Pair is a freshly generated signing key pair. PublicKeyBytes is the raw
// subjectPublicKey content (the BIT STRING body of the SubjectPublicKeyInfo),
// which is exactly the byte sequence that appears inside an encoded
// certificate or CSR.
type Pair struct {
	Signer         crypto.Signer
	PublicKeyBytes []byte
	Algorithm      x509rot.SignatureAlgorithm
}

// Scheme is a signature scheme capable of producing key pairs for template
// generation. Key material is drawn from the process random source; no
// reproducibility is wanted, only a stable encoded length.
type Scheme interface {
	Name() string
	Generate() (*Pair, error)
}

// MLDSA87 returns the ML-DSA-87 scheme (FIPS 204, security category 5).
func MLDSA87() Scheme { return mldsa87Scheme{} }

// ECDSAP384 returns the ECDSA P-384 / SHA-384 scheme.
func ECDSAP384() Scheme { return ecdsaP384Scheme{} }

// ByName maps a configuration string to a scheme.
func ByName(name string) (Scheme, error) {
	switch name {
	case "mldsa87":
		return MLDSA87(), nil
	case "ecdsa-p384":
		return ECDSAP384(), nil
	}
	return nil, fmt.Errorf("keys: unknown signature scheme %q", name)
}

type mldsa87Scheme struct{}

func (mldsa87Scheme) Name() string { return "mldsa87" }

func (mldsa87Scheme) Generate() (*Pair, error) {
	pub, priv, err := mldsa87.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generating ML-DSA-87 key pair: %w", err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("keys: encoding ML-DSA-87 public key: %w", err)
	}
	return &Pair{
		Signer:         priv,
		PublicKeyBytes: pubBytes,
		Algorithm:      x509rot.PureMLDSA87,
	}, nil
}

type ecdsaP384Scheme struct{}

func (ecdsaP384Scheme) Name() string { return "ecdsa-p384" }

func (ecdsaP384Scheme) Generate() (*Pair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generating P-384 key pair: %w", err)
	}
	// Uncompressed point, the subjectPublicKey content for EC keys.
	pubBytes := elliptic.Marshal(priv.Curve, priv.X, priv.Y)
	return &Pair{
		Signer:         priv,
		PublicKeyBytes: pubBytes,
		Algorithm:      x509rot.ECDSAWithSHA384,
	}, nil
}
