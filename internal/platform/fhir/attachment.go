package fhir

import (
	"encoding/base64"
	"fmt"
)

// attachmentEncodings are tried in order when decoding base64Binary data.
// FHIR mandates the standard alphabet, but exports in the wild also carry
// URL-safe and unpadded payloads.
var attachmentEncodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.URLEncoding,
	base64.RawStdEncoding,
	base64.RawURLEncoding,
}

// DecodeAttachmentData decodes an Attachment.data or Binary.data payload and
// returns the encoding that accepted it, so the caller can re-encode with the
// same alphabet and padding.
func DecodeAttachmentData(data string) ([]byte, *base64.Encoding, error) {
	var firstErr error
	for _, enc := range attachmentEncodings {
		raw, err := enc.DecodeString(data)
		if err == nil {
			return raw, enc, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, nil, fmt.Errorf("invalid base64 in attachment data: %w", firstErr)
}
