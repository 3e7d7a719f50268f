package x509rot

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// TCG DICE attestation extension OIDs (TCG "DICE Attestation Architecture").
var (
	oidTcgDiceUeid         = asn1.ObjectIdentifier{2, 23, 133, 5, 4, 4}
	oidTcgDiceMultiTcbInfo = asn1.ObjectIdentifier{2, 23, 133, 5, 4, 5}
)

// FWID hash algorithm identifiers.
var (
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
)

// Fwid is a single firmware measurement: the digest of a firmware component
// under the named hash algorithm.
type Fwid struct {
	HashAlg asn1.ObjectIdentifier
	Digest  []byte
}

// TcbInfo is one DiceTcbInfo element: a firmware measurement list with an
// optional security version number.
type TcbInfo struct {
	SVN    int
	HasSVN bool
	Fwids  []Fwid
}

type tcgUeid struct {
	Ueid []byte
}

// DiceTcbInfo uses implicit context tags; svn is [3], fwids [6].
type diceTcbInfoFwids struct {
	Fwids []Fwid `asn1:"tag:6"`
}

type diceTcbInfoSvnFwids struct {
	SVN   int    `asn1:"tag:3"`
	Fwids []Fwid `asn1:"tag:6"`
}

// UEIDExtension encodes the tcg-dice-Ueid extension around a raw unique
// device identifier. The extension is critical, matching the DICE profile
// for device identity certificates.
func UEIDExtension(ueid []byte) (pkix.Extension, error) {
	if len(ueid) == 0 {
		return pkix.Extension{}, &EncodingError{Reason: "empty UEID"}
	}
	value, err := asn1.Marshal(tcgUeid{Ueid: ueid})
	if err != nil {
		return pkix.Extension{}, &EncodingError{Reason: fmt.Sprintf("marshaling UEID: %v", err)}
	}
	return pkix.Extension{Id: oidTcgDiceUeid, Critical: true, Value: value}, nil
}

// MultiTcbInfoExtension encodes a tcg-dice-MultiTcbInfo extension carrying
// the given DiceTcbInfo elements in order. DICE permits at most one
// MultiTcbInfo per certificate, so callers merge all of their TCB roles into
// a single call.
func MultiTcbInfoExtension(infos []TcbInfo) (pkix.Extension, error) {
	if len(infos) == 0 {
		return pkix.Extension{}, &EncodingError{Reason: "empty MultiTcbInfo"}
	}
	elems := make([]asn1.RawValue, 0, len(infos))
	for _, info := range infos {
		der, err := marshalTcbInfo(info)
		if err != nil {
			return pkix.Extension{}, err
		}
		elems = append(elems, asn1.RawValue{FullBytes: der})
	}
	value, err := asn1.Marshal(elems)
	if err != nil {
		return pkix.Extension{}, &EncodingError{Reason: fmt.Sprintf("marshaling MultiTcbInfo: %v", err)}
	}
	return pkix.Extension{Id: oidTcgDiceMultiTcbInfo, Critical: true, Value: value}, nil
}

func marshalTcbInfo(info TcbInfo) ([]byte, error) {
	if len(info.Fwids) == 0 {
		return nil, &EncodingError{Reason: "TcbInfo with no firmware measurements"}
	}
	for i, f := range info.Fwids {
		if len(f.HashAlg) == 0 || len(f.Digest) == 0 {
			return nil, &EncodingError{Reason: fmt.Sprintf("FWID %d missing hash algorithm or digest", i)}
		}
	}

	var der []byte
	var err error
	if info.HasSVN {
		der, err = asn1.Marshal(diceTcbInfoSvnFwids{SVN: info.SVN, Fwids: info.Fwids})
	} else {
		der, err = asn1.Marshal(diceTcbInfoFwids{Fwids: info.Fwids})
	}
	if err != nil {
		return nil, &EncodingError{Reason: fmt.Sprintf("marshaling DiceTcbInfo: %v", err)}
	}
	return der, nil
}
