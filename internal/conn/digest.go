package conn

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// digestTransport answers RFC 2617 digest challenges. Dahua and Steren CGI
// endpoints reject basic auth, so the first request is replayed with an
// Authorization header built from the 401 challenge.
type digestTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func newDigestTransport(username, password string, next http.RoundTripper) *digestTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &digestTransport{username: username, password: password, next: next}
}

func (t *digestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Bodyless requests only; CGI commands are all GET.
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(strings.ToLower(challenge), "digest ") {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	params := parseChallenge(challenge)
	auth, err := buildAuthorization(t.username, t.password, req.Method, req.URL.RequestURI(), params)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	retry.Header.Set("Authorization", auth)
	return t.next.RoundTrip(retry)
}

// parseChallenge splits `Digest realm="x", nonce="y", qop="auth"` into a map.
func parseChallenge(header string) map[string]string {
	out := map[string]string{}
	body := strings.TrimSpace(header[len("Digest "):])
	for _, part := range splitChallengeParams(body) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		out[key] = val
	}
	return out
}

// splitChallengeParams splits on commas outside quoted strings.
func splitChallengeParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func buildAuthorization(username, password, method, uri string, params map[string]string) (string, error) {
	realm := params["realm"]
	nonce := params["nonce"]
	if nonce == "" {
		return "", fmt.Errorf("digest challenge missing nonce")
	}
	qop := params["qop"]
	if qop != "" && !strings.Contains(qop, "auth") {
		return "", fmt.Errorf("unsupported digest qop %q", qop)
	}

	ha1 := md5hex(fmt.Sprintf("%s:%s:%s", username, realm, password))
	ha2 := md5hex(fmt.Sprintf("%s:%s", method, uri))

	var response, cnonce string
	nc := "00000001"
	if strings.Contains(qop, "auth") {
		cnonce = randomCnonce()
		response = md5hex(fmt.Sprintf("%s:%s:%s:%s:auth:%s", ha1, nonce, nc, cnonce, ha2))
	} else {
		response = md5hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, realm, nonce, uri, response)
	if opaque := params["opaque"]; opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	if strings.Contains(qop, "auth") {
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce="%s"`, nc, cnonce)
	}
	return b.String(), nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// for test
var randomCnonce = func() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
