// This file contains the identity resolver which turns the credential presented on a
// connection attempt into the subject the connection acts as, or rejects the attempt.
package hub

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Trust records how an identity was established. Only TrustVerified identities came from
// an external authority; hinted and anonymous identities are fine for routing but must
// not be used for authorization decisions by collaborators.
type Trust string

const (
	TrustVerified  Trust = "verified"
	TrustHinted    Trust = "hinted"
	TrustAnonymous Trust = "anonymous"
)

const maxHintLength = 256

// Credential is the bundle a client presents on connect. Any field may be empty.
type Credential struct {
	Bearer  string
	Token   string
	UIDHint string
}

// Identity is the canonical subject bound to a connection for its whole lifetime.
type Identity struct {
	Subject string `json:"subject"`
	Trust   Trust  `json:"trust"`
}

func (i Identity) Verified() bool {
	return i.Trust == TrustVerified
}

// TokenVerifier is the external authority that vouches for bearer and raw tokens.
type TokenVerifier interface {
	// Verify returns the subject the token was issued to, or an error if the token
	// is unknown, expired or revoked.
	Verify(ctx context.Context, token string) (string, error)
}

// ExpiringVerifier is a TokenVerifier that also reports how long a token remains valid.
// The resolver never caches a token past that point. A non-positive ttl means the token
// does not expire.
type ExpiringVerifier interface {
	TokenVerifier
	VerifyWithTTL(ctx context.Context, token string) (string, time.Duration, error)
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, token string) (string, error)

func (f TokenVerifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// CredentialFromRequest collects the credential from an HTTP handshake request:
// an Authorization bearer header, a token query parameter and a uid query parameter.
func CredentialFromRequest(r *http.Request) Credential {
	cred := Credential{
		Token:   r.URL.Query().Get("token"),
		UIDHint: r.URL.Query().Get("uid"),
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, value, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "bearer") {
			cred.Bearer = strings.TrimSpace(value)
		}
	}
	return cred
}

// Resolver applies the identity policy: a token always wins and must verify; a uid hint is
// accepted only when hints are allowed; no credential is accepted only when anonymous
// access is allowed.
type Resolver struct {
	verifier       TokenVerifier
	allowAnonymous bool
	allowHint      bool
	cache          *expirable.LRU[string, cachedToken]
}

type cachedToken struct {
	subject string
	expires time.Time
}

// NewResolver builds a resolver. Verified tokens are cached only when both cacheSize and
// cacheTTL are positive; a revoked token keeps working until its entry expires or Forget
// is called.
func NewResolver(verifier TokenVerifier, allowAnonymous, allowHint bool, cacheSize int, cacheTTL time.Duration) *Resolver {
	r := &Resolver{
		verifier:       verifier,
		allowAnonymous: allowAnonymous,
		allowHint:      allowHint,
	}
	if cacheSize > 0 && cacheTTL > 0 {
		r.cache = expirable.NewLRU[string, cachedToken](cacheSize, nil, cacheTTL)
	}
	return r
}

// Resolve runs once per transport-level connection attempt.
func (r *Resolver) Resolve(ctx context.Context, cred Credential) (Identity, error) {
	token := cred.Bearer
	if token == "" {
		token = cred.Token
	}
	if token != "" {
		return r.verify(ctx, token)
	}

	hint := strings.TrimSpace(cred.UIDHint)
	if hint != "" && r.allowHint {
		if len(hint) > maxHintLength || strings.ContainsAny(hint, " \t\r\n") {
			return Identity{}, unauthenticated("malformed uid hint")
		}
		return Identity{Subject: hint, Trust: TrustHinted}, nil
	}

	if r.allowAnonymous {
		return Identity{Subject: "anon:" + uuid.NewString(), Trust: TrustAnonymous}, nil
	}
	if hint != "" {
		return Identity{}, unauthenticated("uid hints are not accepted by this hub")
	}
	return Identity{}, unauthenticated("credential required")
}

func (r *Resolver) verify(ctx context.Context, token string) (Identity, error) {
	if r.cache != nil {
		if entry, ok := r.cache.Get(token); ok && (entry.expires.IsZero() || time.Now().Before(entry.expires)) {
			return Identity{Subject: entry.subject, Trust: TrustVerified}, nil
		}
	}
	if r.verifier == nil {
		return Identity{}, unauthenticated("token verification is not configured")
	}

	var (
		subject string
		ttl     time.Duration
		err     error
	)
	if ev, ok := r.verifier.(ExpiringVerifier); ok {
		subject, ttl, err = ev.VerifyWithTTL(ctx, token)
	} else {
		subject, err = r.verifier.Verify(ctx, token)
	}
	if err != nil {
		r.Forget(token)

		return Identity{}, unauthenticated("token rejected").withCause(err)
	}
	if subject == "" {
		return Identity{}, unauthenticated("token resolved to an empty subject")
	}
	if r.cache != nil {
		entry := cachedToken{subject: subject}
		if ttl > 0 {
			entry.expires = time.Now().Add(ttl)
		}
		r.cache.Add(token, entry)
	}
	return Identity{Subject: subject, Trust: TrustVerified}, nil
}

// Forget drops any cached verification of token so the next handshake asks the verifier.
func (r *Resolver) Forget(token string) {
	if r.cache != nil {
		r.cache.Remove(token)
	}
}
