package x509rot

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"github.com/stretchr/testify/require"
)

var testValidity = struct {
	notBefore, notAfter time.Time
}{
	notBefore: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	notAfter:  time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
}

func testCertTemplate(t *testing.T, algo SignatureAlgorithm) *Certificate {
	t.Helper()
	ueid, err := UEIDExtension(bytes.Repeat([]byte{0x55}, 17))
	require.NoError(t, err)
	return &Certificate{
		SerialNumber:       big.NewInt(0x42),
		Subject:            pkix.Name{CommonName: "Test Subject", SerialNumber: "0123"},
		Issuer:             pkix.Name{CommonName: "Test Issuer"},
		NotBefore:          testValidity.notBefore,
		NotAfter:           testValidity.notAfter,
		KeyUsage:           KeyUsageCertSign,
		BasicConstraints:   &BasicConstraints{IsCA: true, MaxPathLen: 5},
		ExtraExtensions:    []pkix.Extension{ueid},
		SignatureAlgorithm: algo,
	}
}

// Freshly encoded ECDSA output must be accepted by the standard library
// parser, which acts as an independent decoding oracle.
func TestCreateCertificateStdlibOracle(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	template := testCertTemplate(t, ECDSAWithSHA384)
	der, err := CreateCertificate(rand.Reader, template, priv.Public(), priv)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	require.Equal(t, "Test Subject", cert.Subject.CommonName)
	require.Equal(t, "0123", cert.Subject.SerialNumber)
	require.Equal(t, "Test Issuer", cert.Issuer.CommonName)
	require.Zero(t, cert.SerialNumber.Cmp(big.NewInt(0x42)))
	require.Equal(t, x509.KeyUsageCertSign, cert.KeyUsage)
	require.True(t, cert.IsCA)
	require.Equal(t, 5, cert.MaxPathLen)
	require.True(t, cert.NotBefore.Equal(testValidity.notBefore))
	require.True(t, cert.NotAfter.Equal(testValidity.notAfter))

	var foundUeid bool
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidTcgDiceUeid) {
			foundUeid = true
			require.True(t, ext.Critical)
		}
	}
	require.True(t, foundUeid, "tcg-dice-Ueid extension missing")

	err = cert.CheckSignature(x509.ECDSAWithSHA384, cert.RawTBSCertificate, cert.Signature)
	require.NoError(t, err)

	require.NoError(t, CheckCertificate(der, template, priv.Public()))
}

func TestCreateCertificateRequestStdlibOracle(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	ueid, err := UEIDExtension(bytes.Repeat([]byte{0xFF, 0x01}, 8))
	require.NoError(t, err)
	template := &CertificateRequest{
		Subject:            pkix.Name{CommonName: "Test Subject", SerialNumber: "0123"},
		KeyUsage:           KeyUsageCertSign,
		BasicConstraints:   &BasicConstraints{IsCA: true, MaxPathLen: 5},
		ExtraExtensions:    []pkix.Extension{ueid},
		SignatureAlgorithm: ECDSAWithSHA384,
	}

	der, err := CreateCertificateRequest(rand.Reader, template, priv)
	require.NoError(t, err)

	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	require.Equal(t, "Test Subject", csr.Subject.CommonName)

	var foundUeid, foundKU, foundBC bool
	for _, ext := range csr.Extensions {
		switch {
		case ext.Id.Equal(oidTcgDiceUeid):
			foundUeid = true
		case ext.Id.Equal(oidExtensionKeyUsage):
			foundKU = true
		case ext.Id.Equal(oidExtensionBasicConstraints):
			foundBC = true
		}
	}
	require.True(t, foundKU, "keyUsage missing from extensionRequest")
	require.True(t, foundBC, "basicConstraints missing from extensionRequest")
	require.True(t, foundUeid, "tcg-dice-Ueid missing from extensionRequest")

	require.NoError(t, CheckCertificateRequest(der, template, priv.Public()))
}

func TestCreateCertificateMLDSA87(t *testing.T) {
	pub, priv, err := mldsa87.GenerateKey(rand.Reader)
	require.NoError(t, err)

	template := testCertTemplate(t, PureMLDSA87)
	der, err := CreateCertificate(rand.Reader, template, pub, priv)
	require.NoError(t, err)

	require.NoError(t, CheckCertificate(der, template, pub))

	// The raw public key bytes appear verbatim inside the encoding.
	pubBytes, err := pub.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, mldsa87.PublicKeySize, len(pubBytes))
	require.True(t, bytes.Contains(der, pubBytes))
}

func TestCheckCertificateDetectsCorruption(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	template := testCertTemplate(t, ECDSAWithSHA384)
	der, err := CreateCertificate(rand.Reader, template, priv.Public(), priv)
	require.NoError(t, err)

	// Flip one byte somewhere inside the TBS region.
	corrupted := bytes.Clone(der)
	corrupted[len(corrupted)/3] ^= 0x01

	var decErr *DecodingError
	err = CheckCertificate(corrupted, template, priv.Public())
	require.ErrorAs(t, err, &decErr)

	err = CheckCertificate(append(bytes.Clone(der), 0x00), template, priv.Public())
	require.ErrorAs(t, err, &decErr)
}

func TestCertificateTemplateValidation(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	cases := map[string]func(*Certificate){
		"missing serial":       func(c *Certificate) { c.SerialNumber = nil },
		"negative serial":      func(c *Certificate) { c.SerialNumber = big.NewInt(-1) },
		"empty subject":        func(c *Certificate) { c.Subject = pkix.Name{} },
		"empty issuer":         func(c *Certificate) { c.Issuer = pkix.Name{} },
		"inverted validity":    func(c *Certificate) { c.NotAfter = c.NotBefore.Add(-time.Hour) },
		"pathlen without CA":   func(c *Certificate) { c.BasicConstraints = &BasicConstraints{IsCA: false, MaxPathLen: 3} },
		"duplicate extensions": func(c *Certificate) { c.ExtraExtensions = append(c.ExtraExtensions, c.ExtraExtensions[0]) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			template := testCertTemplate(t, ECDSAWithSHA384)
			mutate(template)
			var encErr *EncodingError
			_, err := CreateCertificate(rand.Reader, template, priv.Public(), priv)
			require.ErrorAs(t, err, &encErr)
		})
	}
}

func TestSigningParamsRejectsKeyMismatch(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	template := testCertTemplate(t, PureMLDSA87)
	_, err = CreateCertificate(rand.Reader, template, priv.Public(), priv)
	require.Error(t, err)
}

func TestDeterministicEncoding(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	pubBytes := elliptic.Marshal(priv.Curve, priv.X, priv.Y)
	pubAlg := pkix.AlgorithmIdentifier{Algorithm: oidPublicKeyECDSA}

	template := testCertTemplate(t, ECDSAWithSHA384)
	sigAI, err := algorithmIdentifier(ECDSAWithSHA384)
	require.NoError(t, err)

	_, first, err := template.tbsBytes(pubAlg, pubBytes, sigAI)
	require.NoError(t, err)
	_, second, err := template.tbsBytes(pubAlg, pubBytes, sigAI)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestUEIDExtensionEncoding(t *testing.T) {
	ueid := bytes.Repeat([]byte{0xAB}, 17)
	ext, err := UEIDExtension(ueid)
	require.NoError(t, err)
	require.True(t, ext.Critical)

	var decoded tcgUeid
	rest, err := asn1.Unmarshal(ext.Value, &decoded)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, ueid, decoded.Ueid)

	_, err = UEIDExtension(nil)
	require.Error(t, err)
}

func TestMultiTcbInfoExtensionEncoding(t *testing.T) {
	digestA := bytes.Repeat([]byte{0x11}, 48)
	digestB := bytes.Repeat([]byte{0x22}, 48)
	infos := []TcbInfo{
		{Fwids: []Fwid{{HashAlg: OIDSHA384, Digest: digestA}}},
		{SVN: 7, HasSVN: true, Fwids: []Fwid{{HashAlg: OIDSHA384, Digest: digestB}}},
	}

	ext, err := MultiTcbInfoExtension(infos)
	require.NoError(t, err)
	require.True(t, ext.Critical)
	require.True(t, ext.Id.Equal(oidTcgDiceMultiTcbInfo))

	// One outer SEQUENCE holding exactly two DiceTcbInfo elements.
	var elems []asn1.RawValue
	rest, err := asn1.Unmarshal(ext.Value, &elems)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Len(t, elems, 2)

	require.True(t, bytes.Contains(ext.Value, digestA))
	require.True(t, bytes.Contains(ext.Value, digestB))

	_, err = MultiTcbInfoExtension(nil)
	require.Error(t, err)
	_, err = MultiTcbInfoExtension([]TcbInfo{{Fwids: nil}})
	require.Error(t, err)
	_, err = MultiTcbInfoExtension([]TcbInfo{{Fwids: []Fwid{{HashAlg: OIDSHA384}}}})
	require.Error(t, err)
}

func TestBuildExtensionsOrderingAndConflicts(t *testing.T) {
	ueid, err := UEIDExtension([]byte{0x01})
	require.NoError(t, err)

	exts, err := buildExtensions(KeyUsageCertSign|KeyUsageCRLSign, &BasicConstraints{IsCA: true, MaxPathLen: -1}, []pkix.Extension{ueid})
	require.NoError(t, err)
	require.Len(t, exts, 3)
	require.True(t, exts[0].Id.Equal(oidExtensionKeyUsage))
	require.True(t, exts[1].Id.Equal(oidExtensionBasicConstraints))
	require.True(t, exts[2].Id.Equal(oidTcgDiceUeid))

	// An extra extension claiming a built-in OID wins over the built encoding.
	override := pkix.Extension{Id: oidExtensionKeyUsage, Value: []byte{0x01}}
	exts, err = buildExtensions(KeyUsageCertSign, nil, []pkix.Extension{override})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	require.Equal(t, override.Value, exts[0].Value)
}
