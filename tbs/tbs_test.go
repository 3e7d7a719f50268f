package tbs

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/require"
)

// makeEnvelope wraps tbsContent in a signed-envelope shape: an outer
// SEQUENCE holding the TBS SEQUENCE, an AlgorithmIdentifier and a signature
// BIT STRING. It returns the envelope and the full TBS element bytes.
func makeEnvelope(t *testing.T, tbsContent []byte) (der, tbsElem []byte) {
	t.Helper()

	inner, err := asn1.Marshal(struct {
		Payload []byte
	}{tbsContent})
	require.NoError(t, err)

	sig := []byte{0xAA, 0xBB, 0xCC}
	der, err = asn1.Marshal(struct {
		TBS asn1.RawValue
		Alg pkix.AlgorithmIdentifier
		Sig asn1.BitString
	}{
		TBS: asn1.RawValue{FullBytes: inner},
		Alg: pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}},
		Sig: asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
	})
	require.NoError(t, err)
	return der, inner
}

func TestGetTbs(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	der, want := makeEnvelope(t, payload)

	got, err := GetTbs(der)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, byte(0x30), got[0], "TBS element must keep its SEQUENCE header")
}

func TestGetTbsMalformed(t *testing.T) {
	der, tbsElem := makeEnvelope(t, []byte{0x01, 0x02})

	cases := map[string][]byte{
		"empty input":      {},
		"not a sequence":   {0x02, 0x01, 0x05},
		"truncated":        der[:len(der)-4],
		"trailing data":    append(bytes.Clone(der), 0x00),
		"tbs alone":        tbsElem,
		"missing sig bits": mustMarshalSeq(t, asn1.RawValue{FullBytes: mustMarshalSeq(t)}),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := GetTbs(input)
			var envErr *EnvelopeStructureError
			require.ErrorAs(t, err, &envErr)
		})
	}
}

// mustMarshalSeq marshals the values into a DER SEQUENCE.
func mustMarshalSeq(t *testing.T, vals ...asn1.RawValue) []byte {
	t.Helper()
	der, err := asn1.Marshal(vals)
	require.NoError(t, err)
	return der
}

func TestLocateFirstMatchWins(t *testing.T) {
	haystack := []byte("xxNEEDLEyyNEEDLEzz")
	off, err := Locate([]byte("NEEDLE"), haystack)
	require.NoError(t, err)
	require.Equal(t, 2, off)
}

func TestLocateNotFound(t *testing.T) {
	var notFound *NeedleNotFoundError

	_, err := Locate([]byte("NEEDLE"), []byte("haystack"))
	require.ErrorAs(t, err, &notFound)

	_, err = Locate(nil, []byte("haystack"))
	require.ErrorAs(t, err, &notFound)
}

func TestSanitize(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6}
	Sanitize(buf, 1, 3)
	require.Equal(t, []byte{1, 0, 0, 0, 5, 6}, buf)
}

func TestResolve(t *testing.T) {
	buf := []byte("aaaPAYLOADbbb")

	p, err := Resolve("FIELD", []byte("PAYLOAD"), buf)
	require.NoError(t, err)
	require.Equal(t, Param{Name: "FIELD", Offset: 3, Len: 7}, p)
	require.Equal(t, []byte("aaa\x00\x00\x00\x00\x00\x00\x00bbb"), buf)

	// The range was sanitized, so the same needle cannot resolve twice.
	var notFound *NeedleNotFoundError
	_, err = Resolve("FIELD", []byte("PAYLOAD"), buf)
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "FIELD", notFound.Name)
}

func TestResolveAmbiguous(t *testing.T) {
	buf := []byte("xxNEEDLEyyNEEDLEzz")

	var ambiguous *AmbiguousNeedleError
	_, err := Resolve("FIELD", []byte("NEEDLE"), buf)
	require.ErrorAs(t, err, &ambiguous)
	require.Equal(t, "FIELD", ambiguous.Name)
	require.Equal(t, 2, ambiguous.First)
	require.Equal(t, 10, ambiguous.Second)

	// Nothing was sanitized on failure.
	require.Equal(t, []byte("xxNEEDLEyyNEEDLEzz"), buf)
}

func TestResolveRoundTrip(t *testing.T) {
	// Resolving params and patching their needles back must reproduce the
	// original TBS byte for byte.
	needleA := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	needleB := []byte("serial-0042")
	content := append(append(append([]byte("prefix"), needleA...), []byte("middle")...), needleB...)

	_, tbsElem := makeEnvelope(t, content)
	original := bytes.Clone(tbsElem)

	buf := bytes.Clone(tbsElem)
	pa, err := Resolve("A", needleA, buf)
	require.NoError(t, err)
	pb, err := Resolve("B", needleB, buf)
	require.NoError(t, err)

	tpl, err := NewTemplate(buf, []Param{pa, pb})
	require.NoError(t, err)

	patched := tpl.Bytes()
	copy(patched[pa.Offset:pa.Offset+pa.Len], needleA)
	copy(patched[pb.Offset:pb.Offset+pb.Len], needleB)
	require.Equal(t, original, patched)
}

func TestNewTemplateValidation(t *testing.T) {
	buf := make([]byte, 16)

	_, err := NewTemplate(buf, []Param{{Name: "X", Offset: 10, Len: 7}})
	require.Error(t, err)

	_, err = NewTemplate(buf, []Param{{Name: "X", Offset: 0, Len: 0}})
	require.Error(t, err)

	_, err = NewTemplate(buf, []Param{
		{Name: "X", Offset: 0, Len: 8},
		{Name: "Y", Offset: 7, Len: 4},
	})
	require.ErrorContains(t, err, "overlap")

	tpl, err := NewTemplate(buf, []Param{
		{Name: "X", Offset: 0, Len: 8},
		{Name: "Y", Offset: 8, Len: 8},
	})
	require.NoError(t, err)
	require.Equal(t, 16, tpl.Len())
}

func TestTemplateImmutable(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	tpl, err := NewTemplate(buf, []Param{{Name: "X", Offset: 0, Len: 2}})
	require.NoError(t, err)

	buf[0] = 0xFF
	require.Equal(t, byte(1), tpl.Bytes()[0], "template must copy its input")

	out := tpl.Bytes()
	out[1] = 0xFF
	require.Equal(t, byte(2), tpl.Bytes()[1], "accessor must return a copy")

	params := tpl.Params()
	params[0].Name = "tampered"
	p, ok := tpl.Param("X")
	require.True(t, ok)
	require.Equal(t, "X", p.Name)
}
