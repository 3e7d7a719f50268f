package x509rot

import (
	"crypto/x509/pkix"
	"encoding/asn1"
)

// KeyUsage represents the set of actions that are valid for a given key.
// It's a bitmap of the KeyUsage* constants.
type KeyUsage int

const (
	KeyUsageDigitalSignature KeyUsage = 1 << iota
	KeyUsageContentCommitment
	KeyUsageKeyEncipherment
	KeyUsageDataEncipherment
	KeyUsageKeyAgreement
	KeyUsageCertSign
	KeyUsageCRLSign
	KeyUsageEncipherOnly
	KeyUsageDecipherOnly
)

// BasicConstraints carries the subject's CA bit and path length constraint.
// A MaxPathLen of -1 omits the pathLenConstraint field.
type BasicConstraints struct {
	IsCA       bool
	MaxPathLen int
}

func reverseBitsInAByte(in byte) byte {
	b1 := in>>4 | in<<4
	b2 := b1>>2&0x33 | b1<<2&0xcc
	b3 := b2>>1&0x55 | b2<<1&0xaa
	return b3
}

// asn1BitLength returns the bit-length of bitString by considering the
// most-significant bit in a byte to be the "first" bit. This convention
// matches ASN.1, but differs from almost everything else.
func asn1BitLength(bitString []byte) int {
	bitLen := len(bitString) * 8
	for i := range bitString {
		b := bitString[len(bitString)-i-1]
		for bit := uint(0); bit < 8; bit++ {
			if (b>>bit)&1 == 1 {
				return bitLen
			}
			bitLen--
		}
	}
	return 0
}

func marshalKeyUsage(ku KeyUsage) (pkix.Extension, error) {
	ext := pkix.Extension{Id: oidExtensionKeyUsage, Critical: true}

	var a [2]byte
	a[0] = reverseBitsInAByte(byte(ku))
	a[1] = reverseBitsInAByte(byte(ku >> 8))

	l := 1
	if a[1] != 0 {
		l = 2
	}

	bitString := a[:l]
	var err error
	ext.Value, err = asn1.Marshal(asn1.BitString{Bytes: bitString, BitLength: asn1BitLength(bitString)})
	return ext, err
}

func marshalBasicConstraints(bc *BasicConstraints) (pkix.Extension, error) {
	ext := pkix.Extension{Id: oidExtensionBasicConstraints, Critical: true}
	var err error
	ext.Value, err = asn1.Marshal(basicConstraints{bc.IsCA, bc.MaxPathLen})
	return ext, err
}

// oidInExtensions reports whether an extension with the given oid exists in
// extensions.
func oidInExtensions(oid asn1.ObjectIdentifier, extensions []pkix.Extension) bool {
	for _, e := range extensions {
		if e.Id.Equal(oid) {
			return true
		}
	}
	return false
}

// buildExtensions assembles the extension list for a certificate or CSR:
// key usage, basic constraints, then the caller's extra extensions. Extra
// extensions override the built ones on OID collision, matching how the
// caller-supplied value wins in certificate minting.
func buildExtensions(ku KeyUsage, bc *BasicConstraints, extra []pkix.Extension) ([]pkix.Extension, error) {
	var ret []pkix.Extension

	if ku != 0 && !oidInExtensions(oidExtensionKeyUsage, extra) {
		ext, err := marshalKeyUsage(ku)
		if err != nil {
			return nil, err
		}
		ret = append(ret, ext)
	}

	if bc != nil && !oidInExtensions(oidExtensionBasicConstraints, extra) {
		ext, err := marshalBasicConstraints(bc)
		if err != nil {
			return nil, err
		}
		ret = append(ret, ext)
	}

	return append(ret, extra...), nil
}
