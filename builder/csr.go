package builder

import (
	"crypto/rand"

	"github.com/hwsec-tools/tbsgen/keys"
	"github.com/hwsec-tools/tbsgen/tbs"
	"github.com/hwsec-tools/tbsgen/x509rot"
)

// CSRBuilder assembles a TBS template for a PKCS#10 certification request,
// typically the device identity CSR a part emits during provisioning.
type CSRBuilder struct {
	state
}

// NewCSRBuilder returns an empty CSR template builder over the given
// signature scheme.
func NewCSRBuilder(scheme keys.Scheme) *CSRBuilder {
	return &CSRBuilder{state{scheme: scheme}}
}

// WithBasicConstraints declares the basic constraints extension. A pathLen
// of -1 omits the path length constraint.
func (b *CSRBuilder) WithBasicConstraints(isCA bool, pathLen int) *CSRBuilder {
	b.setBasicConstraints(isCA, pathLen)
	return b
}

// WithKeyUsage declares the key usage extension.
func (b *CSRBuilder) WithKeyUsage(ku x509rot.KeyUsage) *CSRBuilder {
	b.setKeyUsage(ku)
	return b
}

// WithUEID declares the TCG unique device identifier extension and registers
// its bytes as a dynamic template field.
func (b *CSRBuilder) WithUEID(ueid []byte) *CSRBuilder {
	b.setUEID(ueid)
	return b
}

// Build generates a key pair, encodes and signs the CSR, runs the decode
// self-check, and resolves every declared field against the
// certificationRequestInfo bytes. It consumes the builder; a template is
// returned fully formed or not at all.
func (b *CSRBuilder) Build(subjectCN string) (*tbs.Template, error) {
	if err := b.begin(); err != nil {
		return nil, err
	}

	pair, subject, _, err := b.generate(subjectCN)
	if err != nil {
		return nil, err
	}

	template := &x509rot.CertificateRequest{
		Subject:            subject,
		KeyUsage:           b.keyUsage,
		BasicConstraints:   b.bc,
		SignatureAlgorithm: pair.Algorithm,
	}
	if b.ueid != nil {
		ext, err := x509rot.UEIDExtension(b.ueid)
		if err != nil {
			return nil, err
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}

	der, err := x509rot.CreateCertificateRequest(rand.Reader, template, pair.Signer)
	if err != nil {
		return nil, err
	}
	if err := x509rot.CheckCertificateRequest(der, template, pair.Signer.Public()); err != nil {
		return nil, err
	}
	return b.resolveTemplate(der)
}
