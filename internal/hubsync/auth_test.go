package hubsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

type staticVerifier struct{ hub, admin, read string }

func (v staticVerifier) HubKeyValid(_ context.Context, k string) bool    { return k == v.hub }
func (v staticVerifier) AdminKeyValid(_ context.Context, k string) bool  { return k == v.admin }
func (v staticVerifier) ReadTokenValid(_ context.Context, k string) bool { return k == v.read }

func TestAuthenticateOrderAndScope(t *testing.T) {
	a := NewAuth(staticVerifier{hub: "H", admin: "A", read: "R"}, []string{" S ", ""})
	all := CredHub | CredAdmin | CredRead | CredSession

	req := func(h map[string]string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		for k, v := range h {
			r.Header.Set(k, v)
		}
		return r
	}

	c, ok := a.Authenticate(req(map[string]string{HeaderHub: "H", HeaderRead: "R"}), all)
	assert.True(t, ok)
	assert.Equal(t, CredHub, c, "hub key wins when several are present")

	c, ok = a.Authenticate(req(map[string]string{HeaderHub: "wrong", HeaderAdmin: "A"}), all)
	assert.True(t, ok)
	assert.Equal(t, CredAdmin, c, "falls through to the next credential")

	c, ok = a.Authenticate(req(map[string]string{"Authorization": "Bearer S"}), all)
	assert.True(t, ok)
	assert.Equal(t, CredSession, c)

	_, ok = a.Authenticate(req(map[string]string{HeaderRead: "R"}), CredHub|CredSession)
	assert.False(t, ok, "a read token never opens a write endpoint")

	_, ok = a.Authenticate(req(map[string]string{"Authorization": "Bearer "}), all)
	assert.False(t, ok)
}

func TestRequireGenericForbidden(t *testing.T) {
	a := NewAuth(staticVerifier{hub: "H"}, nil)
	r := mux.NewRouter()
	r.Use(a.Require(CredHub))
	r.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(Actor(r)))
	})

	bodies := map[string]string{}
	for name, h := range map[string][2]string{
		"missing":     {"", ""},
		"wrong hub":   {HeaderHub, "nope"},
		"wrong read":  {HeaderRead, "nope"},
		"bad session": {"Authorization", "Bearer nope"},
	} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if h[0] != "" {
			req.Header.Set(h[0], h[1])
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, name)
		bodies[rec.Body.String()] = name
	}
	assert.Len(t, bodies, 1, "every failure renders the same body")

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderHub, "H")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hub", rec.Body.String())
}
