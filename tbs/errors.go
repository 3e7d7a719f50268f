package tbs

import "fmt"

// EnvelopeStructureError results when the signed-envelope boundary of a DER
// certificate or CSR cannot be located and stripped.
type EnvelopeStructureError struct {
	Reason string
}

func (e *EnvelopeStructureError) Error() string {
	return "tbs: malformed signed envelope: " + e.Reason
}

// NeedleNotFoundError results when a declared dynamic field's literal bytes
// are absent from the encoded output. Name may be empty when the lookup was
// not tied to a named param.
type NeedleNotFoundError struct {
	Name string
}

func (e *NeedleNotFoundError) Error() string {
	if e.Name == "" {
		return "tbs: needle not found in buffer"
	}
	return fmt.Sprintf("tbs: needle for param %q not found in buffer", e.Name)
}

// AmbiguousNeedleError results when a dynamic field's bytes occur at more
// than one position in the working buffer, making the patch offset
// undecidable.
type AmbiguousNeedleError struct {
	Name   string
	First  int
	Second int
}

func (e *AmbiguousNeedleError) Error() string {
	return fmt.Sprintf("tbs: needle for param %q matches at both offset %d and %d",
		e.Name, e.First, e.Second)
}
