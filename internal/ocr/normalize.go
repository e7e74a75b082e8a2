package ocr

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var (
	dataURLPattern = regexp.MustCompile(`^data:([^;,]+);base64,(.+)$`)
	base64Pattern  = regexp.MustCompile(`^[A-Za-z0-9+/]+=*$`)
)

// NormalizeContent coerces the many shapes document content arrives in
// (raw bytes, node-style buffer literals, byte arrays, data URLs, bare
// base64, plain text) into a byte buffer.
func NormalizeContent(v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return normalizeBytes(val)
	case string:
		return normalizeString(val)
	case map[string]interface{}:
		// {"type":"Buffer","data":[...]} literal
		if t, ok := val["type"].(string); ok && t == "Buffer" {
			if data, ok := val["data"].([]interface{}); ok {
				return numbersToBytes(data)
			}
		}
		return nil
	case []interface{}:
		return numbersToBytes(val)
	default:
		return nil
	}
}

// normalizeBytes decodes byte buffers that actually hold encoded text: a
// stored data URL or bare base64 payload. Binary content fails the pattern
// checks on the first byte and passes through untouched.
func normalizeBytes(b []byte) []byte {
	s := string(b)
	if dataURLPattern.MatchString(s) || (len(s) >= 64 && len(s)%4 == 0 && base64Pattern.MatchString(s)) {
		return normalizeString(s)
	}
	return b
}

func normalizeString(s string) []byte {
	if m := dataURLPattern.FindStringSubmatch(s); m != nil {
		if decoded, err := base64.StdEncoding.DecodeString(m[2]); err == nil {
			return decoded
		}
		return []byte(s)
	}

	// Bare base64: long enough, padded length, charset-clean.
	if len(s) >= 64 && len(s)%4 == 0 && base64Pattern.MatchString(s) {
		if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
			return decoded
		}
	}

	return []byte(s)
}

func numbersToBytes(nums []interface{}) []byte {
	out := make([]byte, 0, len(nums))
	for _, n := range nums {
		switch b := n.(type) {
		case float64:
			out = append(out, byte(int(b)))
		case int:
			out = append(out, byte(b))
		default:
			return nil
		}
	}
	return out
}

// looksLikeXML detects structured invoice content without relying on the
// declared MIME type.
func looksLikeXML(fileType, fileName string, content []byte) bool {
	if strings.Contains(strings.ToLower(fileType), "xml") {
		return true
	}
	if strings.HasSuffix(strings.ToLower(fileName), ".xml") {
		return true
	}
	head := strings.TrimSpace(string(content))
	if strings.HasPrefix(head, "<?xml") {
		return true
	}
	// opening tag somewhere with a matching closing tag
	return strings.HasPrefix(head, "<") && strings.Contains(head, "</")
}
