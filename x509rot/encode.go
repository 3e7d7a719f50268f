package x509rot

import (
	"bytes"
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"time"
)

// Certificate is the template for a root-of-trust certificate. Subject and
// issuer are encoded as printable RDN sequences; extensions beyond key usage
// and basic constraints are supplied raw via ExtraExtensions.
type Certificate struct {
	SerialNumber       *big.Int
	Subject            pkix.Name
	Issuer             pkix.Name
	NotBefore          time.Time
	NotAfter           time.Time
	KeyUsage           KeyUsage
	BasicConstraints   *BasicConstraints
	ExtraExtensions    []pkix.Extension
	SignatureAlgorithm SignatureAlgorithm
}

// CertificateRequest is the template for a PKCS#10 CSR. Extensions travel in
// the PKCS#9 extensionRequest attribute.
type CertificateRequest struct {
	Subject            pkix.Name
	KeyUsage           KeyUsage
	BasicConstraints   *BasicConstraints
	ExtraExtensions    []pkix.Extension
	SignatureAlgorithm SignatureAlgorithm
}

func checkExtensionConflicts(exts []pkix.Extension) error {
	for i, e := range exts {
		for _, f := range exts[:i] {
			if e.Id.Equal(f.Id) {
				return &EncodingError{Reason: fmt.Sprintf("duplicate extension %v", e.Id)}
			}
		}
	}
	return nil
}

func validateBasicConstraints(bc *BasicConstraints) error {
	if bc == nil {
		return nil
	}
	if bc.MaxPathLen < -1 {
		return &EncodingError{Reason: "invalid MaxPathLen, must be greater or equal to -1"}
	}
	if !bc.IsCA && bc.MaxPathLen != -1 {
		return &EncodingError{Reason: "only CAs are allowed to specify MaxPathLen"}
	}
	return nil
}

func (t *Certificate) validate() error {
	if t.SerialNumber == nil {
		return &EncodingError{Reason: "no SerialNumber given"}
	}
	if t.SerialNumber.Sign() != 1 {
		return &EncodingError{Reason: "serial number must be positive"}
	}
	if t.Subject.CommonName == "" {
		return &EncodingError{Reason: "empty subject common name"}
	}
	if t.Issuer.CommonName == "" {
		return &EncodingError{Reason: "empty issuer common name"}
	}
	if t.NotAfter.Before(t.NotBefore) {
		return &EncodingError{Reason: "NotAfter precedes NotBefore"}
	}
	if err := validateBasicConstraints(t.BasicConstraints); err != nil {
		return err
	}
	return checkExtensionConflicts(t.ExtraExtensions)
}

// tbsBytes produces the DER encoding of the tbsCertificate for this template
// together with the populated struct. The encoding is a deterministic
// function of the template and the public key bytes.
func (t *Certificate) tbsBytes(pubAlg pkix.AlgorithmIdentifier, pubBytes []byte, sigAI pkix.AlgorithmIdentifier) (tbsCertificate, []byte, error) {
	asn1Issuer, err := asn1.Marshal(t.Issuer.ToRDNSequence())
	if err != nil {
		return tbsCertificate{}, nil, &EncodingError{Reason: fmt.Sprintf("marshaling issuer name: %v", err)}
	}
	asn1Subject, err := asn1.Marshal(t.Subject.ToRDNSequence())
	if err != nil {
		return tbsCertificate{}, nil, &EncodingError{Reason: fmt.Sprintf("marshaling subject name: %v", err)}
	}
	extensions, err := buildExtensions(t.KeyUsage, t.BasicConstraints, t.ExtraExtensions)
	if err != nil {
		return tbsCertificate{}, nil, &EncodingError{Reason: fmt.Sprintf("marshaling extensions: %v", err)}
	}

	c := tbsCertificate{
		Version:            2,
		SerialNumber:       t.SerialNumber,
		SignatureAlgorithm: sigAI,
		Issuer:             asn1.RawValue{FullBytes: asn1Issuer},
		Validity:           validity{t.NotBefore.UTC(), t.NotAfter.UTC()},
		Subject:            asn1.RawValue{FullBytes: asn1Subject},
		PublicKey: publicKeyInfo{
			Algorithm: pubAlg,
			PublicKey: asn1.BitString{Bytes: pubBytes, BitLength: len(pubBytes) * 8},
		},
		Extensions: extensions,
	}
	der, err := asn1.Marshal(c)
	if err != nil {
		return tbsCertificate{}, nil, &EncodingError{Reason: fmt.Sprintf("marshaling tbsCertificate: %v", err)}
	}
	c.Raw = der
	return c, der, nil
}

// CreateCertificate encodes and signs a certificate from the template. pub
// is the subject public key, priv the signing key. The returned slice is the
// certificate in DER encoding.
func CreateCertificate(rand io.Reader, template *Certificate, pub crypto.PublicKey, priv crypto.Signer) ([]byte, error) {
	if err := template.validate(); err != nil {
		return nil, err
	}
	sigAlg, sigAI, err := signingParamsForKey(priv, template.SignatureAlgorithm)
	if err != nil {
		return nil, err
	}
	pubBytes, pubAlg, err := marshalPublicKey(pub)
	if err != nil {
		return nil, err
	}

	c, tbs, err := template.tbsBytes(pubAlg, pubBytes, sigAI)
	if err != nil {
		return nil, err
	}
	signature, err := signTBS(tbs, priv, sigAlg, rand)
	if err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("signing tbsCertificate: %v", err)}
	}

	der, err := asn1.Marshal(certificate{
		TBSCertificate:     c,
		SignatureAlgorithm: sigAI,
		SignatureValue:     asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
	})
	if err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("marshaling certificate: %v", err)}
	}
	return der, nil
}

func (t *CertificateRequest) validate() error {
	if t.Subject.CommonName == "" {
		return &EncodingError{Reason: "empty subject common name"}
	}
	if err := validateBasicConstraints(t.BasicConstraints); err != nil {
		return err
	}
	return checkExtensionConflicts(t.ExtraExtensions)
}

func (t *CertificateRequest) tbsBytes(pubAlg pkix.AlgorithmIdentifier, pubBytes []byte) (tbsCertificateRequest, []byte, error) {
	asn1Subject, err := asn1.Marshal(t.Subject.ToRDNSequence())
	if err != nil {
		return tbsCertificateRequest{}, nil, &EncodingError{Reason: fmt.Sprintf("marshaling subject name: %v", err)}
	}
	extensions, err := buildExtensions(t.KeyUsage, t.BasicConstraints, t.ExtraExtensions)
	if err != nil {
		return tbsCertificateRequest{}, nil, &EncodingError{Reason: fmt.Sprintf("marshaling extensions: %v", err)}
	}

	var attributes []csrAttribute
	if len(extensions) > 0 {
		extDER, err := asn1.Marshal(extensions)
		if err != nil {
			return tbsCertificateRequest{}, nil, &EncodingError{Reason: fmt.Sprintf("marshaling extensionRequest: %v", err)}
		}
		attributes = []csrAttribute{{
			Type:   oidExtensionRequest,
			Values: []asn1.RawValue{{FullBytes: extDER}},
		}}
	}

	c := tbsCertificateRequest{
		Version: 0,
		Subject: asn1.RawValue{FullBytes: asn1Subject},
		PublicKey: publicKeyInfo{
			Algorithm: pubAlg,
			PublicKey: asn1.BitString{Bytes: pubBytes, BitLength: len(pubBytes) * 8},
		},
		Attributes: attributes,
	}
	der, err := asn1.Marshal(c)
	if err != nil {
		return tbsCertificateRequest{}, nil, &EncodingError{Reason: fmt.Sprintf("marshaling certificationRequestInfo: %v", err)}
	}
	c.Raw = der
	return c, der, nil
}

// CreateCertificateRequest encodes and signs a PKCS#10 CSR from the
// template, keyed by priv. The returned slice is the CSR in DER encoding.
func CreateCertificateRequest(rand io.Reader, template *CertificateRequest, priv crypto.Signer) ([]byte, error) {
	if err := template.validate(); err != nil {
		return nil, err
	}
	sigAlg, sigAI, err := signingParamsForKey(priv, template.SignatureAlgorithm)
	if err != nil {
		return nil, err
	}
	pubBytes, pubAlg, err := marshalPublicKey(priv.Public())
	if err != nil {
		return nil, err
	}

	c, tbs, err := template.tbsBytes(pubAlg, pubBytes)
	if err != nil {
		return nil, err
	}
	signature, err := signTBS(tbs, priv, sigAlg, rand)
	if err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("signing certificationRequestInfo: %v", err)}
	}

	der, err := asn1.Marshal(certificationRequest{
		TBSCSR:             c,
		SignatureAlgorithm: sigAI,
		SignatureValue:     asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
	})
	if err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("marshaling certificationRequest: %v", err)}
	}
	return der, nil
}

// CheckCertificate is the round-trip self-check run over freshly encoded
// output: it decodes der, verifies the embedded signature with pub, and
// confirms the to-be-signed content is exactly what the template encodes to.
// Any failure reports a codec defect, not bad caller input.
func CheckCertificate(der []byte, template *Certificate, pub crypto.PublicKey) error {
	var parsed certificate
	rest, err := asn1.Unmarshal(der, &parsed)
	if err != nil {
		return &DecodingError{Reason: fmt.Sprintf("unmarshaling certificate: %v", err)}
	}
	if len(rest) > 0 {
		return &DecodingError{Reason: "trailing data after certificate"}
	}

	sigAI, err := algorithmIdentifier(template.SignatureAlgorithm)
	if err != nil {
		return &DecodingError{Reason: "template has no resolvable signature algorithm"}
	}
	pubBytes, pubAlg, err := marshalPublicKey(pub)
	if err != nil {
		return &DecodingError{Reason: fmt.Sprintf("re-encoding public key: %v", err)}
	}
	_, expected, err := template.tbsBytes(pubAlg, pubBytes, sigAI)
	if err != nil {
		return &DecodingError{Reason: fmt.Sprintf("re-encoding tbsCertificate: %v", err)}
	}

	if !bytes.Equal(parsed.TBSCertificate.Raw, expected) {
		return &DecodingError{Reason: "parsed TBS differs from re-encoded template"}
	}
	if !parsed.SignatureAlgorithm.Algorithm.Equal(sigAI.Algorithm) {
		return &DecodingError{Reason: "outer signature algorithm differs from requested"}
	}
	return checkParsedSignature(template.SignatureAlgorithm, parsed.TBSCertificate.Raw, parsed.SignatureValue, pub)
}

// CheckCertificateRequest is the CSR counterpart of CheckCertificate.
func CheckCertificateRequest(der []byte, template *CertificateRequest, pub crypto.PublicKey) error {
	var parsed certificationRequest
	rest, err := asn1.Unmarshal(der, &parsed)
	if err != nil {
		return &DecodingError{Reason: fmt.Sprintf("unmarshaling certificationRequest: %v", err)}
	}
	if len(rest) > 0 {
		return &DecodingError{Reason: "trailing data after certificationRequest"}
	}

	sigAI, err := algorithmIdentifier(template.SignatureAlgorithm)
	if err != nil {
		return &DecodingError{Reason: "template has no resolvable signature algorithm"}
	}
	pubBytes, pubAlg, err := marshalPublicKey(pub)
	if err != nil {
		return &DecodingError{Reason: fmt.Sprintf("re-encoding public key: %v", err)}
	}
	_, expected, err := template.tbsBytes(pubAlg, pubBytes)
	if err != nil {
		return &DecodingError{Reason: fmt.Sprintf("re-encoding certificationRequestInfo: %v", err)}
	}

	if !bytes.Equal(parsed.TBSCSR.Raw, expected) {
		return &DecodingError{Reason: "parsed certificationRequestInfo differs from re-encoded template"}
	}
	if !parsed.SignatureAlgorithm.Algorithm.Equal(sigAI.Algorithm) {
		return &DecodingError{Reason: "outer signature algorithm differs from requested"}
	}
	return checkParsedSignature(template.SignatureAlgorithm, parsed.TBSCSR.Raw, parsed.SignatureValue, pub)
}

func checkParsedSignature(algo SignatureAlgorithm, signed []byte, sig asn1.BitString, pub crypto.PublicKey) error {
	if sig.BitLength != len(sig.Bytes)*8 {
		return &DecodingError{Reason: "signature BIT STRING is not octet aligned"}
	}
	if err := checkSignature(algo, signed, sig.Bytes, pub); err != nil {
		return &DecodingError{Reason: fmt.Sprintf("verifying signature: %v", err)}
	}
	return nil
}
