// Package tbs holds the parameterized to-be-signed template model and the
// offset resolver that maps dynamic field values onto byte ranges inside
// encoded certificates and CSRs.
package tbs

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Param names one dynamic byte range inside a template. Offset is relative
// to the start of the TBS buffer and Len is the exact number of bytes the
// runtime must patch in.
type Param struct {
	Name   string
	Offset int
	Len    int
}

// Template is a TBS byte buffer with every dynamic range zeroed, plus the
// params in the order they were declared. It has no mutation path after
// construction; accessors return copies.
type Template struct {
	buf    []byte
	params []Param
}

// NewTemplate validates params against buf and returns a template holding
// copies of both. Each param must name a positive-length range inside buf,
// and no two ranges may overlap.
func NewTemplate(buf []byte, params []Param) (*Template, error) {
	for i, p := range params {
		if p.Len <= 0 {
			return nil, fmt.Errorf("tbs: param %q has non-positive length %d", p.Name, p.Len)
		}
		if p.Offset < 0 || p.Offset+p.Len > len(buf) {
			return nil, fmt.Errorf("tbs: param %q range [%d, %d) exceeds template length %d",
				p.Name, p.Offset, p.Offset+p.Len, len(buf))
		}
		for _, q := range params[:i] {
			if p.Offset < q.Offset+q.Len && q.Offset < p.Offset+p.Len {
				return nil, fmt.Errorf("tbs: params %q and %q overlap", q.Name, p.Name)
			}
		}
	}
	return &Template{
		buf:    bytes.Clone(buf),
		params: append([]Param(nil), params...),
	}, nil
}

// Bytes returns a copy of the sanitized TBS buffer.
func (t *Template) Bytes() []byte {
	return bytes.Clone(t.buf)
}

// Len returns the template length in bytes.
func (t *Template) Len() int {
	return len(t.buf)
}

// Params returns the params in declaration order.
func (t *Template) Params() []Param {
	return append([]Param(nil), t.params...)
}

// Param looks up a param by name.
func (t *Template) Param(name string) (Param, bool) {
	for _, p := range t.params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// GetTbs strips the signed envelope from a DER encoded certificate or CSR
// and returns a copy of the to-be-signed region: the full encoding of the
// first inner SEQUENCE, tag and length included, exactly the bytes the
// signature covers. The remainder of the envelope must be a signature
// AlgorithmIdentifier followed by a signature BIT STRING.
func GetTbs(der []byte) ([]byte, error) {
	input := cryptobyte.String(der)
	var outer cryptobyte.String
	if !input.ReadASN1(&outer, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, &EnvelopeStructureError{Reason: "input is not a single DER SEQUENCE"}
	}
	var tbsElem cryptobyte.String
	if !outer.ReadASN1Element(&tbsElem, cryptobyte_asn1.SEQUENCE) {
		return nil, &EnvelopeStructureError{Reason: "missing to-be-signed SEQUENCE"}
	}
	var sigAlg cryptobyte.String
	if !outer.ReadASN1(&sigAlg, cryptobyte_asn1.SEQUENCE) {
		return nil, &EnvelopeStructureError{Reason: "missing signature AlgorithmIdentifier"}
	}
	var sig asn1.BitString
	if !outer.ReadASN1BitString(&sig) {
		return nil, &EnvelopeStructureError{Reason: "missing signature BIT STRING"}
	}
	if !outer.Empty() {
		return nil, &EnvelopeStructureError{Reason: "trailing data after signature"}
	}
	return bytes.Clone(tbsElem), nil
}

// Locate returns the offset of the first occurrence of needle in haystack,
// scanning in ascending byte order. A needle that occurs more than once
// resolves to the lowest offset; callers that cannot tolerate ambiguity use
// Resolve instead.
func Locate(needle, haystack []byte) (int, error) {
	if len(needle) == 0 {
		return 0, &NeedleNotFoundError{}
	}
	off := bytes.Index(haystack, needle)
	if off < 0 {
		return 0, &NeedleNotFoundError{}
	}
	return off, nil
}

// Sanitize zeroes buf[off:off+n] in place so the range cannot be mistaken
// for a later needle.
func Sanitize(buf []byte, off, n int) {
	clear(buf[off : off+n])
}

// Resolve locates needle in buf, asserts the match is unique across the
// whole buffer, zeroes the matched range in place and returns the finalized
// param. A needle that occurs more than once in the not-yet-sanitized buffer
// fails with AmbiguousNeedleError: a duplicate match would silently bake a
// wrong patch offset into the template.
func Resolve(name string, needle, buf []byte) (Param, error) {
	off, err := Locate(needle, buf)
	if err != nil {
		var nf *NeedleNotFoundError
		if errors.As(err, &nf) {
			nf.Name = name
		}
		return Param{}, err
	}
	if next := off + 1; next < len(buf) {
		if again := bytes.Index(buf[next:], needle); again >= 0 {
			return Param{}, &AmbiguousNeedleError{Name: name, First: off, Second: next + again}
		}
	}
	Sanitize(buf, off, len(needle))
	return Param{Name: name, Offset: off, Len: len(needle)}, nil
}
