// Package builder turns field declarations into finished TBS templates: it
// drives key generation, DER encoding through x509rot, the decode self-check,
// and offset resolution over the to-be-signed bytes. Builders are one-shot;
// Build consumes them.
package builder

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/hwsec-tools/tbsgen/keys"
	"github.com/hwsec-tools/tbsgen/tbs"
	"github.com/hwsec-tools/tbsgen/x509rot"
)

// Param names for the dynamic fields every template carries. Declared
// UEID/FWID fields come first in the param list, then the public key, then
// the subject serial number.
const (
	UEIDParam      = "UEID"
	PublicKeyParam = "PUBLIC_KEY"
	SubjectSNParam = "SUBJECT_SN"
)

// Validity bounds are fixed: only the structural byte layout of a template
// is a stable contract, and a moving NotBefore would churn every generated
// artifact without changing anything the runtime patches.
var (
	notBefore = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	notAfter  = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// ConfigurationError results when a field is declared twice for the same
// semantic role, a declared value is unusable, or a builder is touched after
// Build consumed it.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "builder: " + e.Reason
}

// pendingParam is an unresolved template param paired with the literal bytes
// expected to appear at that field's position once the object is encoded.
type pendingParam struct {
	name   string
	needle []byte
}

// state carries the configuration shared by the CSR and certificate
// builders. Configuration errors are deferred: the first one sticks and
// Build reports it.
type state struct {
	scheme   keys.Scheme
	keyUsage x509rot.KeyUsage
	hasKU    bool
	bc       *x509rot.BasicConstraints
	ueid     []byte
	pending  []pendingParam
	err      error
	consumed bool
}

func (s *state) fail(reason string) {
	if s.err == nil {
		s.err = &ConfigurationError{Reason: reason}
	}
}

// configurable reports whether another declaration may be accepted, arming
// the deferred error otherwise.
func (s *state) configurable() bool {
	if s.err != nil {
		return false
	}
	if s.consumed {
		s.fail("builder already consumed by Build")
		return false
	}
	return true
}

func (s *state) begin() error {
	if s.err != nil {
		return s.err
	}
	if s.consumed {
		return &ConfigurationError{Reason: "builder already consumed by Build"}
	}
	s.consumed = true
	return nil
}

func (s *state) setBasicConstraints(isCA bool, pathLen int) {
	if !s.configurable() {
		return
	}
	if s.bc != nil {
		s.fail("basic constraints declared twice")
		return
	}
	s.bc = &x509rot.BasicConstraints{IsCA: isCA, MaxPathLen: pathLen}
}

func (s *state) setKeyUsage(ku x509rot.KeyUsage) {
	if !s.configurable() {
		return
	}
	if s.hasKU {
		s.fail("key usage declared twice")
		return
	}
	if ku == 0 {
		s.fail("empty key usage")
		return
	}
	s.keyUsage = ku
	s.hasKU = true
}

func (s *state) setUEID(ueid []byte) {
	if !s.configurable() {
		return
	}
	if s.ueid != nil {
		s.fail("unique device identifier declared twice")
		return
	}
	if len(ueid) == 0 {
		s.fail("empty unique device identifier")
		return
	}
	if allZero(ueid) {
		s.fail("unique device identifier is all zero, indistinguishable from the sanitization sentinel")
		return
	}
	s.ueid = bytes.Clone(ueid)
	s.pending = append(s.pending, pendingParam{name: UEIDParam, needle: bytes.Clone(ueid)})
}

// generate produces the key pair and registers the PUBLIC_KEY and SUBJECT_SN
// declarations, returning the derived subject name and certificate serial.
func (s *state) generate(subjectCN string) (*keys.Pair, pkix.Name, *big.Int, error) {
	pair, err := s.scheme.Generate()
	if err != nil {
		return nil, pkix.Name{}, nil, fmt.Errorf("builder: %w", err)
	}

	keyHash := sha256.Sum256(pair.PublicKeyBytes)
	serialHex := strings.ToUpper(hex.EncodeToString(keyHash[:]))

	s.pending = append(s.pending,
		pendingParam{name: PublicKeyParam, needle: bytes.Clone(pair.PublicKeyBytes)},
		pendingParam{name: SubjectSNParam, needle: []byte(serialHex)},
	)

	subject := pkix.Name{CommonName: subjectCN, SerialNumber: serialHex}
	return pair, subject, serialFromKeyHash(keyHash), nil
}

// resolveTemplate extracts the TBS region from the signed DER and resolves
// every pending param against it in declaration order, sanitizing as it
// goes.
func (s *state) resolveTemplate(der []byte) (*tbs.Template, error) {
	buf, err := tbs.GetTbs(der)
	if err != nil {
		return nil, err
	}
	params := make([]tbs.Param, 0, len(s.pending))
	for _, p := range s.pending {
		resolved, err := tbs.Resolve(p.name, p.needle, buf)
		if err != nil {
			return nil, err
		}
		params = append(params, resolved)
	}
	return tbs.NewTemplate(buf, params)
}

// serialFromKeyHash derives the certificate serial from the public-key hash.
// The top byte is pinned into [0x40, 0x7f] so the DER INTEGER is always
// exactly 20 octets and positive; a length-varying serial would shift every
// offset behind it between regenerations.
func serialFromKeyHash(h [sha256.Size]byte) *big.Int {
	s := make([]byte, 20)
	copy(s, h[:])
	s[0] = s[0]&0x7f | 0x40
	return new(big.Int).SetBytes(s)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func cloneFwids(fwids []x509rot.Fwid) []x509rot.Fwid {
	out := make([]x509rot.Fwid, len(fwids))
	for i, f := range fwids {
		out[i] = x509rot.Fwid{
			HashAlg: append(asn1.ObjectIdentifier(nil), f.HashAlg...),
			Digest:  bytes.Clone(f.Digest),
		}
	}
	return out
}
