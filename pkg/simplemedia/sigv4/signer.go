// Package sigv4 implements the AWS Signature Version 4 computations needed
// to sign S3 requests. Everything here is a pure function of its inputs.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const (
	Algorithm  = "AWS4-HMAC-SHA256"
	TimeFormat = "20060102T150405Z"
	DateFormat = "20060102"

	// EmptyPayloadHash is the hex SHA-256 of zero bytes.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	UnsignedPayload  = "UNSIGNED-PAYLOAD"
)

// HashHex returns the lowercase hex SHA-256 of data.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// EncodePath percent-encodes each segment of path per RFC 3986, keeping '/'.
func EncodePath(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = uriEncode(s)
	}
	out := strings.Join(segments, "/")
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// uriEncode escapes everything except the RFC 3986 unreserved set.
func uriEncode(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

// CanonicalQuery sorts parameters by encoded name then value.
func CanonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(query))
	for k, vs := range query {
		ek := uriEncode(k)
		for _, v := range vs {
			pairs = append(pairs, ek+"="+uriEncode(v))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

func canonicalHeaderNames(headers map[string]string) []string {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, strings.ToLower(k))
	}
	sort.Strings(names)
	return names
}

// SignedHeaders returns the sorted, lowercased, semicolon-joined header names.
func SignedHeaders(headers map[string]string) string {
	return strings.Join(canonicalHeaderNames(headers), ";")
}

func canonicalHeaders(headers map[string]string) string {
	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = strings.Join(strings.Fields(v), " ")
	}
	var b strings.Builder
	for _, name := range canonicalHeaderNames(headers) {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(lower[name])
		b.WriteByte('\n')
	}
	return b.String()
}

// CanonicalRequest builds the canonical request string. uri must already be
// percent-encoded (see EncodePath).
func CanonicalRequest(method, uri string, query url.Values, headers map[string]string, payloadHash string) string {
	if uri == "" {
		uri = "/"
	}
	return strings.Join([]string{
		method,
		uri,
		CanonicalQuery(query),
		canonicalHeaders(headers),
		SignedHeaders(headers),
		payloadHash,
	}, "\n")
}

// Scope returns the credential scope date/region/service/aws4_request.
func Scope(date, region, service string) string {
	return date + "/" + region + "/" + service + "/aws4_request"
}

// StringToSign assembles the string signed by Signature.
func StringToSign(timestamp, scope, canonicalRequestHash string) string {
	return Algorithm + "\n" + timestamp + "\n" + scope + "\n" + canonicalRequestHash
}

// SigningKey derives the per-day, per-region, per-service key.
func SigningKey(secret, date, region, service string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), date)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, service)
	return hmacSHA256(k, "aws4_request")
}

// Signature returns the hex signature of stringToSign.
func Signature(secretKey, date, region, service, stringToSign string) string {
	return hex.EncodeToString(hmacSHA256(SigningKey(secretKey, date, region, service), stringToSign))
}

// Authorization formats the Authorization header value.
func Authorization(accessKey, scope, signedHeaders, signature string) string {
	return Algorithm + " Credential=" + accessKey + "/" + scope +
		", SignedHeaders=" + signedHeaders + ", Signature=" + signature
}
