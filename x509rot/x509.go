// Package x509rot encodes the reduced X.509 certificate and PKCS#10 CSR
// profiles used by hardware root-of-trust template generation. It supports
// the two signature schemes the device firmware supports, ECDSA P-384 and
// ML-DSA-87, and nothing tied to the web PKI.
package x509rot

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	// Registers SHA-384 for crypto.SHA384.New.
	_ "crypto/sha512"

	"github.com/cloudflare/circl/pki"
	circlsign "github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// These structures reflect the ASN.1 structure of X.509 certificates and
// PKCS#10 certification requests.

type certificate struct {
	Raw                asn1.RawContent
	TBSCertificate     tbsCertificate
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

type tbsCertificate struct {
	Raw                asn1.RawContent
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Issuer             asn1.RawValue
	Validity           validity
	Subject            asn1.RawValue
	PublicKey          publicKeyInfo
	Extensions         []pkix.Extension `asn1:"omitempty,optional,explicit,tag:3"`
}

type certificationRequest struct {
	Raw                asn1.RawContent
	TBSCSR             tbsCertificateRequest
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

type tbsCertificateRequest struct {
	Raw        asn1.RawContent
	Version    int
	Subject    asn1.RawValue
	PublicKey  publicKeyInfo
	Attributes []csrAttribute `asn1:"tag:0"`
}

type csrAttribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type validity struct {
	NotBefore, NotAfter time.Time
}

type publicKeyInfo struct {
	Raw       asn1.RawContent
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type basicConstraints struct {
	IsCA       bool `asn1:"optional"`
	MaxPathLen int  `asn1:"optional,default:-1"`
}

// SignatureAlgorithm identifies a supported signing scheme.
type SignatureAlgorithm int

const (
	UnknownSignatureAlgorithm SignatureAlgorithm = iota
	ECDSAWithSHA384
	PureMLDSA87
)

func (algo SignatureAlgorithm) String() string {
	for _, details := range signatureAlgorithmDetails {
		if details.algo == algo {
			return details.name
		}
	}
	return fmt.Sprintf("unknown(%d)", int(algo))
}

var (
	oidSignatureECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}

	// ML-DSA uses the same OID for its public key and signature algorithm.
	oidSignatureMLDSA87 = mldsa87.Scheme().(pki.CertificateScheme).Oid()

	oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidNamedCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}

	oidExtensionKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtensionBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}

	// PKCS#9 extensionRequest, carries extensions inside a CSR.
	oidExtensionRequest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 14}
)

var emptyRawValue = asn1.RawValue{}

var signatureAlgorithmDetails = []struct {
	algo   SignatureAlgorithm
	name   string
	oid    asn1.ObjectIdentifier
	params asn1.RawValue
	hash   crypto.Hash
}{
	{ECDSAWithSHA384, "ECDSA-SHA384", oidSignatureECDSAWithSHA384, emptyRawValue, crypto.SHA384},
	{PureMLDSA87, "ML-DSA-87", oidSignatureMLDSA87, emptyRawValue, crypto.Hash(0) /* no pre-hashing */},
}

func algorithmIdentifier(algo SignatureAlgorithm) (pkix.AlgorithmIdentifier, error) {
	for _, details := range signatureAlgorithmDetails {
		if details.algo == algo {
			return pkix.AlgorithmIdentifier{
				Algorithm:  details.oid,
				Parameters: details.params,
			}, nil
		}
	}
	return pkix.AlgorithmIdentifier{}, &EncodingError{Reason: "unknown SignatureAlgorithm"}
}

func (algo SignatureAlgorithm) hashFunc() crypto.Hash {
	for _, details := range signatureAlgorithmDetails {
		if details.algo == algo {
			return details.hash
		}
	}
	return crypto.Hash(0)
}

// signingParamsForKey returns the signature algorithm and its Algorithm
// Identifier to use for signing, based on the key type. If sigAlgo is not
// zero then it must match the key type.
func signingParamsForKey(key crypto.Signer, sigAlgo SignatureAlgorithm) (SignatureAlgorithm, pkix.AlgorithmIdentifier, error) {
	var defaultAlgo SignatureAlgorithm

	switch pub := key.Public().(type) {
	case *ecdsa.PublicKey:
		if pub.Curve != elliptic.P384() {
			return 0, pkix.AlgorithmIdentifier{}, &EncodingError{Reason: "only the P-384 curve is supported"}
		}
		defaultAlgo = ECDSAWithSHA384
	case *mldsa87.PublicKey:
		defaultAlgo = PureMLDSA87
	default:
		return 0, pkix.AlgorithmIdentifier{}, &EncodingError{
			Reason: fmt.Sprintf("unsupported signing key type %T", pub),
		}
	}

	if sigAlgo == 0 {
		sigAlgo = defaultAlgo
	}
	if sigAlgo != defaultAlgo {
		return 0, pkix.AlgorithmIdentifier{}, &EncodingError{
			Reason: fmt.Sprintf("signature algorithm %v does not match key type", sigAlgo),
		}
	}

	ai, err := algorithmIdentifier(sigAlgo)
	if err != nil {
		return 0, pkix.AlgorithmIdentifier{}, err
	}
	return sigAlgo, ai, nil
}

func marshalPublicKey(pub crypto.PublicKey) (publicKeyBytes []byte, publicKeyAlgorithm pkix.AlgorithmIdentifier, err error) {
	switch pub := pub.(type) {
	case *ecdsa.PublicKey:
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			return nil, pkix.AlgorithmIdentifier{}, &EncodingError{Reason: "invalid elliptic curve public key"}
		}
		if pub.Curve != elliptic.P384() {
			return nil, pkix.AlgorithmIdentifier{}, &EncodingError{Reason: "only the P-384 curve is supported"}
		}
		publicKeyBytes = elliptic.Marshal(pub.Curve, pub.X, pub.Y)
		publicKeyAlgorithm.Algorithm = oidPublicKeyECDSA
		paramBytes, err := asn1.Marshal(oidNamedCurveP384)
		if err != nil {
			return nil, pkix.AlgorithmIdentifier{}, err
		}
		publicKeyAlgorithm.Parameters.FullBytes = paramBytes
	case circlsign.PublicKey:
		publicKeyBytes, err = pub.MarshalBinary()
		if err != nil {
			return nil, pkix.AlgorithmIdentifier{}, err
		}
		publicKeyAlgorithm.Algorithm = pub.Scheme().(pki.CertificateScheme).Oid()
	default:
		return nil, pkix.AlgorithmIdentifier{}, &EncodingError{
			Reason: fmt.Sprintf("unsupported public key type %T", pub),
		}
	}
	return publicKeyBytes, publicKeyAlgorithm, nil
}

// checkSignature verifies that signature is a valid signature over signed
// from the given public key.
func checkSignature(algo SignatureAlgorithm, signed, signature []byte, publicKey crypto.PublicKey) error {
	if hashFunc := algo.hashFunc(); hashFunc != 0 {
		h := hashFunc.New()
		h.Write(signed)
		signed = h.Sum(nil)
	}

	switch pub := publicKey.(type) {
	case *ecdsa.PublicKey:
		if algo != ECDSAWithSHA384 {
			return fmt.Errorf("x509rot: signature algorithm %v does not match ECDSA public key", algo)
		}
		if !ecdsa.VerifyASN1(pub, signed, signature) {
			return errors.New("x509rot: ECDSA verification failure")
		}
		return nil
	case circlsign.PublicKey:
		if algo != PureMLDSA87 {
			return fmt.Errorf("x509rot: signature algorithm %v does not match ML-DSA public key", algo)
		}
		if !pub.Scheme().Verify(pub, signed, signature, nil) {
			return errors.New("x509rot: ML-DSA verification failure")
		}
		return nil
	}
	return fmt.Errorf("x509rot: unsupported public key type %T", publicKey)
}

func signTBS(tbs []byte, key crypto.Signer, sigAlg SignatureAlgorithm, rand io.Reader) ([]byte, error) {
	signed := tbs
	hashFunc := sigAlg.hashFunc()
	if hashFunc != 0 {
		h := hashFunc.New()
		h.Write(signed)
		signed = h.Sum(nil)
	}
	signature, err := key.Sign(rand, signed, hashFunc)
	if err != nil {
		return nil, err
	}

	// Check the signature to ensure the crypto.Signer behaved correctly.
	if err := checkSignature(sigAlg, tbs, signature, key.Public()); err != nil {
		return nil, fmt.Errorf("x509rot: signature returned by signer is invalid: %w", err)
	}
	return signature, nil
}
