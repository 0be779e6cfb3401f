// Package hubsync is the authenticated channel between the hub and its
// spokes: header credentials, pairing, signed installs, provisioning
// push/pull and command forwarding.
package hubsync

import (
	"context"
	"net/http"
	"strings"

	"tmon/internal/credentials"
	"tmon/internal/logs"
	"tmon/internal/middleware"
	"tmon/internal/models"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	HeaderHub   = "X-TMON-HUB"
	HeaderAdmin = "X-TMON-ADMIN"
	HeaderRead  = "X-TMON-READ"
)

// Credential is a bit set of accepted credential kinds.
type Credential uint8

const (
	CredHub Credential = 1 << iota
	CredAdmin
	CredRead
	CredSession
)

func (c Credential) String() string {
	switch c {
	case CredHub:
		return "hub"
	case CredAdmin:
		return "admin"
	case CredRead:
		return "read"
	case CredSession:
		return "session"
	default:
		return "none"
	}
}

// Verifier checks presented secrets against what the local role stores.
type Verifier interface {
	HubKeyValid(ctx context.Context, key string) bool
	AdminKeyValid(ctx context.Context, key string) bool
	ReadTokenValid(ctx context.Context, token string) bool
}

type Auth struct {
	v        Verifier
	sessions []string
	log      logrus.FieldLogger
}

func NewAuth(v Verifier, sessionTokens []string) *Auth {
	var toks []string
	for _, t := range sessionTokens {
		if t = strings.TrimSpace(t); t != "" {
			toks = append(toks, t)
		}
	}
	return &Auth{v: v, sessions: toks, log: logs.Component("auth")}
}

// Authenticate tries hub key, admin key, read token and session in that
// order, limited to the kinds in allowed, and stops at the first match.
func (a *Auth) Authenticate(r *http.Request, allowed Credential) (Credential, bool) {
	ctx := r.Context()
	if allowed&CredHub != 0 {
		if k := r.Header.Get(HeaderHub); k != "" && a.v.HubKeyValid(ctx, k) {
			return CredHub, true
		}
	}
	if allowed&CredAdmin != 0 {
		if k := r.Header.Get(HeaderAdmin); k != "" && a.v.AdminKeyValid(ctx, k) {
			return CredAdmin, true
		}
	}
	if allowed&CredRead != 0 {
		if k := r.Header.Get(HeaderRead); k != "" && a.v.ReadTokenValid(ctx, k) {
			return CredRead, true
		}
	}
	if allowed&CredSession != 0 {
		if tok := bearer(r); tok != "" && a.sessionValid(tok) {
			return CredSession, true
		}
	}
	return 0, false
}

func (a *Auth) sessionValid(tok string) bool {
	ok := false
	for _, s := range a.sessions {
		if credentials.Equal(s, tok) {
			ok = true
		}
	}
	return ok
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type ctxKey int

const credKey ctxKey = iota

// Require rejects requests carrying none of the allowed credentials with
// the same generic 403 whatever was wrong.
func (a *Auth) Require(allowed Credential) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := a.Authenticate(r, allowed)
			if !ok {
				a.log.WithFields(logrus.Fields{
					"event":      "auth_failure",
					"path":       r.URL.Path,
					"remote":     r.RemoteAddr,
					"request_id": middleware.GetRequestID(r.Context()),
				}).Warn("request rejected")
				Forbidden(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), credKey, c)))
		})
	}
}

// Forbidden writes the one 403 body every auth failure shares.
func Forbidden(w http.ResponseWriter) {
	models.WriteProblem(w, http.StatusForbidden, "Forbidden", "", nil)
}

// Actor names the credential that authenticated r, for attribution.
func Actor(r *http.Request) string {
	c, _ := r.Context().Value(credKey).(Credential)
	return c.String()
}

// HubVerifier checks credentials presented to the hub. AdminKey is the
// configured auth.admin_key; when empty no admin key is accepted.
type HubVerifier struct {
	Creds    *credentials.Store
	AdminKey string
}

func (v HubVerifier) HubKeyValid(ctx context.Context, key string) bool {
	k, err := v.Creds.Get(ctx, credentials.KeyHub)
	return err == nil && credentials.Equal(k, key)
}

func (v HubVerifier) AdminKeyValid(_ context.Context, key string) bool {
	return credentials.Equal(v.AdminKey, key)
}

func (v HubVerifier) ReadTokenValid(ctx context.Context, token string) bool {
	return v.Creds.ReadTokenValid(ctx, token)
}

// SpokeVerifier trusts only what this spoke received when it paired. The
// admin key is the spoke's uc_key unless AdminKey overrides it.
type SpokeVerifier struct {
	Creds    *credentials.Store
	AdminKey string
}

func (v SpokeVerifier) HubKeyValid(ctx context.Context, key string) bool {
	c, err := v.Creds.Spoke(ctx)
	return err == nil && credentials.Equal(c.HubKey, key)
}

func (v SpokeVerifier) AdminKeyValid(ctx context.Context, key string) bool {
	if v.AdminKey != "" {
		return credentials.Equal(v.AdminKey, key)
	}
	c, err := v.Creds.Spoke(ctx)
	return err == nil && credentials.Equal(c.UCKey, key)
}

func (v SpokeVerifier) ReadTokenValid(ctx context.Context, token string) bool {
	c, err := v.Creds.Spoke(ctx)
	return err == nil && credentials.Equal(c.ReadToken, token)
}
