package payment

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// Signer produces and checks the hex HMAC-MD5 signatures the gateway
// requires. The signed text is the compact JSON serialisation of the payload
// without the hash member, with HTML escaping off so UTF-8 text passes
// through verbatim.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// SignBytes computes the signature over a ready-made canonical payload.
func (s *Signer) SignBytes(payload []byte) string {
	mac := hmac.New(md5.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign serialises v compactly and returns both the canonical bytes and their
// signature.
func (s *Signer) Sign(v interface{}) ([]byte, string, error) {
	payload, err := compactJSON(v)
	if err != nil {
		return nil, "", err
	}
	return payload, s.SignBytes(payload), nil
}

// ExtractHash pulls the top-level hash member out of a JSON body, returning
// the body without it, the hash value and whether a hash was present at all.
// The body is compacted first so whitespace does not affect the signature.
// Nested hash members (e.g. inside data) are left untouched.
func ExtractHash(body []byte) (payload []byte, hash string, found bool, err error) {
	compacted := new(bytes.Buffer)
	if err := json.Compact(compacted, body); err != nil {
		return nil, "", false, errors.Wrap(err, "failed to compact payload JSON")
	}
	body = compacted.Bytes()

	start, end, hash, found := findTopLevelHash(body)
	if !found {
		return body, "", false, nil
	}

	payload = append([]byte{}, body[:start]...)
	payload = append(payload, body[end:]...)

	return payload, hash, true, nil
}

// findTopLevelHash scans compact JSON for the hash member at object depth 1
// and returns its span including one adjacent comma, so removing the span
// leaves valid JSON. Only a key position can be followed by a colon, which
// distinguishes the member key from string values.
func findTopLevelHash(body []byte) (start, end int, hash string, found bool) {
	if len(body) == 0 || body[0] != '{' {
		return 0, 0, "", false
	}

	depth := 0
	for i := 0; i < len(body); {
		switch body[i] {
		case '{', '[':
			depth++
			i++
		case '}', ']':
			depth--
			i++
		case '"':
			strEnd := skipJSONString(body, i)
			if depth == 1 && strEnd < len(body) && body[strEnd] == ':' &&
				bytes.Equal(body[i+1:strEnd-1], []byte("hash")) {

				valStart := strEnd + 1
				if valStart < len(body) && body[valStart] == '"' {
					valEnd := skipJSONString(body, valStart)

					start, end = i, valEnd
					if start > 0 && body[start-1] == ',' {
						start--
					} else if end < len(body) && body[end] == ',' {
						end++
					}

					return start, end, string(body[valStart+1 : valEnd-1]), true
				}
			}
			i = strEnd
		default:
			i++
		}
	}

	return 0, 0, "", false
}

// skipJSONString returns the index just past the closing quote of the string
// starting at body[start].
func skipJSONString(body []byte, start int) int {
	for i := start + 1; i < len(body); i++ {
		switch body[i] {
		case '\\':
			i++
		case '"':
			return i + 1
		}
	}
	return len(body)
}

// VerifyBody checks the signature of an inbound payload. The comparison is
// timing-safe. A payload without a hash member reports found=false and
// ok=false, leaving the policy decision to the caller.
func (s *Signer) VerifyBody(body []byte) (ok, found bool, err error) {
	payload, hash, found, err := ExtractHash(body)
	if err != nil {
		return false, false, err
	}
	if !found {
		return false, false, nil
	}

	expected := s.SignBytes(payload)
	return hmac.Equal([]byte(hash), []byte(expected)), true, nil
}

// compactJSON marshals without HTML escaping and without insignificant
// whitespace, matching the gateway's canonical form.
func compactJSON(v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "failed to encode payload as JSON")
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
