package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// signTypeHMAC is the explicit signature-type marker the venue requires in
// the X-BAPI-SIGN-TYPE header: 2 = HMAC-SHA256.
const signTypeHMAC = "2"

// signer implements the venue's canonical request signing:
//
//	sign = hex(HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload))
//
// The critical contract is byte identity: the payload that is signed must be
// the exact byte sequence transmitted on the wire. BuildQuery therefore
// produces the query string once, and the caller uses that same string in
// both the signature and the URL; POST bodies are serialized once and sent
// verbatim.
type signer struct {
	apiKey     string
	apiSecret  string
	recvWindow string
}

func newSigner(apiKey, apiSecret, recvWindow string) *signer {
	return &signer{apiKey: apiKey, apiSecret: apiSecret, recvWindow: recvWindow}
}

// Sign computes the signature over the already-built payload (query string
// for GET, JSON body for POST).
func (s *signer) Sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(timestamp + s.apiKey + s.recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers returns the signed-request header set, including the explicit
// HMAC-SHA256 signature-type marker.
func (s *signer) Headers(timestamp, signature string) map[string]string {
	return map[string]string{
		"X-BAPI-API-KEY":     s.apiKey,
		"X-BAPI-TIMESTAMP":   timestamp,
		"X-BAPI-RECV-WINDOW": s.recvWindow,
		"X-BAPI-SIGN":        signature,
		"X-BAPI-SIGN-TYPE":   signTypeHMAC,
	}
}

// BuildQuery renders params as a query string with sorted keys and URL
// encoding. Built exactly once per request; the same string goes into the
// signature and onto the wire.
func BuildQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}
