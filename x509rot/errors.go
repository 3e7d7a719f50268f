package x509rot

// EncodingError results when the codec rejects a subject or issuer name, an
// extension set, or a signing input.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return "x509rot: " + e.Reason
}

// DecodingError results when the round-trip self-check over freshly encoded
// output fails. It always indicates an internal codec defect, never a caller
// error, and is not retryable.
type DecodingError struct {
	Reason string
}

func (e *DecodingError) Error() string {
	return "x509rot: decode self-check: " + e.Reason
}
