package transport

import "net/http"

// AuthTransport is a RoundTripper that injects a credential header into
// every request. Credential storage, refresh, and logout-on-401 flows are
// the caller's concern; 401 responses surface to the caller as HTTP_ERROR
// classifications carrying the status.
type AuthTransport struct {
	// Base is the underlying RoundTripper. http.DefaultTransport when nil.
	Base http.RoundTripper

	// Header names the credential header. "Authorization" when empty.
	Header string

	// Credential returns the current header value, e.g. "Bearer <token>".
	// An empty return sends the request without the header.
	Credential func() string
}

// StaticToken returns an AuthTransport sending a fixed bearer token.
func StaticToken(token string) *AuthTransport {
	return &AuthTransport{
		Credential: func() string { return "Bearer " + token },
	}
}

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	header := t.Header
	if header == "" {
		header = "Authorization"
	}

	cred := ""
	if t.Credential != nil {
		cred = t.Credential()
	}
	if cred == "" {
		return base.RoundTrip(req)
	}

	// Per RoundTripper contract the request must not be mutated in place.
	clone := req.Clone(req.Context())
	clone.Header.Set(header, cred)
	return base.RoundTrip(clone)
}
