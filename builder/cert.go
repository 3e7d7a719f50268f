package builder

import (
	"crypto/rand"
	"crypto/x509/pkix"
	"fmt"

	"github.com/hwsec-tools/tbsgen/keys"
	"github.com/hwsec-tools/tbsgen/tbs"
	"github.com/hwsec-tools/tbsgen/x509rot"
)

// TCB-info param name prefixes; one param is registered per firmware
// measurement digest.
const (
	deviceFwidPrefix  = "DEVICE_FWID_"
	fmcFwidPrefix     = "FMC_FWID_"
	runtimeFwidPrefix = "RT_FWID_"
)

// CertBuilder assembles a TBS template for an attestation certificate in a
// measured-boot chain. Beyond the CSR surface it carries the DICE TCB-info
// declarations for the device, FMC and runtime layers.
type CertBuilder struct {
	state
	tcbInfos   []x509rot.TcbInfo
	hasDevice  bool
	hasFMC     bool
	hasRuntime bool
}

// NewCertBuilder returns an empty certificate template builder over the
// given signature scheme.
func NewCertBuilder(scheme keys.Scheme) *CertBuilder {
	return &CertBuilder{state: state{scheme: scheme}}
}

// WithBasicConstraints declares the basic constraints extension. A pathLen
// of -1 omits the path length constraint.
func (b *CertBuilder) WithBasicConstraints(isCA bool, pathLen int) *CertBuilder {
	b.setBasicConstraints(isCA, pathLen)
	return b
}

// WithKeyUsage declares the key usage extension.
func (b *CertBuilder) WithKeyUsage(ku x509rot.KeyUsage) *CertBuilder {
	b.setKeyUsage(ku)
	return b
}

// WithUEID declares the TCG unique device identifier extension and registers
// its bytes as a dynamic template field.
func (b *CertBuilder) WithUEID(ueid []byte) *CertBuilder {
	b.setUEID(ueid)
	return b
}

// WithDeviceTCBInfo declares the device-layer TCB info, registering one
// dynamic field per firmware measurement digest.
func (b *CertBuilder) WithDeviceTCBInfo(fwids []x509rot.Fwid) *CertBuilder {
	if !b.configurable() {
		return b
	}
	if b.hasDevice {
		b.fail("device TCB info declared twice")
		return b
	}
	b.hasDevice = true
	b.addTcbInfo(deviceFwidPrefix, x509rot.TcbInfo{Fwids: fwids})
	return b
}

// WithFMCTCBInfo declares the first-mutable-code TCB info, registering one
// dynamic field per firmware measurement digest.
func (b *CertBuilder) WithFMCTCBInfo(fwids []x509rot.Fwid) *CertBuilder {
	if !b.configurable() {
		return b
	}
	if b.hasFMC {
		b.fail("FMC TCB info declared twice")
		return b
	}
	b.hasFMC = true
	b.addTcbInfo(fmcFwidPrefix, x509rot.TcbInfo{Fwids: fwids})
	return b
}

// WithRuntimeTCBInfo declares the runtime-layer TCB info with its security
// version number, registering one dynamic field per firmware measurement
// digest.
func (b *CertBuilder) WithRuntimeTCBInfo(svn int, fwids []x509rot.Fwid) *CertBuilder {
	if !b.configurable() {
		return b
	}
	if b.hasRuntime {
		b.fail("runtime TCB info declared twice")
		return b
	}
	b.hasRuntime = true
	b.addTcbInfo(runtimeFwidPrefix, x509rot.TcbInfo{SVN: svn, HasSVN: true, Fwids: fwids})
	return b
}

func (b *CertBuilder) addTcbInfo(prefix string, info x509rot.TcbInfo) {
	if len(info.Fwids) == 0 {
		b.fail(prefix + "TCB info with no firmware measurements")
		return
	}
	for i, f := range info.Fwids {
		if len(f.Digest) == 0 {
			b.fail(fmt.Sprintf("%s%d has an empty digest", prefix, i))
			return
		}
		if allZero(f.Digest) {
			b.fail(fmt.Sprintf("%s%d digest is all zero, indistinguishable from the sanitization sentinel", prefix, i))
			return
		}
	}
	info.Fwids = cloneFwids(info.Fwids)
	b.tcbInfos = append(b.tcbInfos, info)
	for i, f := range info.Fwids {
		b.pending = append(b.pending, pendingParam{
			name:   fmt.Sprintf("%s%d", prefix, i),
			needle: f.Digest,
		})
	}
}

// Build generates a key pair, encodes and signs the certificate, runs the
// decode self-check, and resolves every declared field against the
// tbsCertificate bytes. It consumes the builder; a template is returned
// fully formed or not at all.
//
// All declared TCB-info roles are merged into a single MultiTcbInfo
// extension in declaration order; a certificate carries at most one.
func (b *CertBuilder) Build(subjectCN, issuerCN string) (*tbs.Template, error) {
	if err := b.begin(); err != nil {
		return nil, err
	}

	pair, subject, serial, err := b.generate(subjectCN)
	if err != nil {
		return nil, err
	}

	template := &x509rot.Certificate{
		SerialNumber:       serial,
		Subject:            subject,
		Issuer:             pkix.Name{CommonName: issuerCN},
		NotBefore:          notBefore,
		NotAfter:           notAfter,
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
	if len(b.tcbInfos) > 0 {
		ext, err := x509rot.MultiTcbInfoExtension(b.tcbInfos)
		if err != nil {
			return nil, err
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}

	der, err := x509rot.CreateCertificate(rand.Reader, template, pair.Signer.Public(), pair.Signer)
	if err != nil {
		return nil, err
	}
	if err := x509rot.CheckCertificate(der, template, pair.Signer.Public()); err != nil {
		return nil, err
	}
	return b.resolveTemplate(der)
}
