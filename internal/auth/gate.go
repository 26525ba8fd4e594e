// Package auth parses and checks the Basic credentials clients present to
// the local listeners.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

const (
	HeaderProxyAuthorization = "Proxy-Authorization"
	HeaderAuthorization      = "Authorization"
)

type Credential struct {
	Identifier string
	Secret     string
}

// ExtractProxy reads Proxy-Authorization, used by the shared listener and by
// CONNECT requests.
func ExtractProxy(h http.Header) (Credential, bool) {
	return parseBasic(h.Get(HeaderProxyAuthorization))
}

// ExtractDirect reads Authorization and falls back to Proxy-Authorization,
// which is what most clients send to a forward proxy.
func ExtractDirect(h http.Header) (Credential, bool) {
	if c, ok := parseBasic(h.Get(HeaderAuthorization)); ok {
		return c, true
	}
	return ExtractProxy(h)
}

func parseBasic(header string) (Credential, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 6 || !strings.EqualFold(header[:6], "basic ") {
		return Credential{}, false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[6:]))
	if err != nil {
		return Credential{}, false
	}
	id, secret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return Credential{}, false
	}
	return Credential{Identifier: id, Secret: secret}, true
}

// Validate compares secrets in constant time.
func Validate(c Credential, expectedSecret string) bool {
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(expectedSecret)) == 1
}

// Gate is a single shared identifier/secret pair. A zero Gate admits
// everyone.
type Gate struct {
	Identifier string
	Secret     string
}

func (g Gate) Enabled() bool {
	return g.Identifier != "" || g.Secret != ""
}

func (g Gate) Allow(c Credential, ok bool) bool {
	if !g.Enabled() {
		return true
	}
	if !ok {
		return false
	}
	idOK := subtle.ConstantTimeCompare([]byte(c.Identifier), []byte(g.Identifier)) == 1
	return Validate(c, g.Secret) && idOK
}

// Admit looks for an accepted credential in Authorization, then in
// Proxy-Authorization, and returns the header it came from. A client may
// carry the gateway credential in one and a destination credential in the
// other.
func (g Gate) Admit(h http.Header) (string, bool) {
	if !g.Enabled() {
		return "", true
	}
	for _, name := range []string{HeaderAuthorization, HeaderProxyAuthorization} {
		if c, ok := parseBasic(h.Get(name)); ok && g.Allow(c, true) {
			return name, true
		}
	}
	return "", false
}

// Encode builds a Basic header value, for upstream requests and tests.
func Encode(identifier, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(identifier+":"+secret))
}
