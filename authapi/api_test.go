package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/assert/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ideas6k/ideas/ideas"
)

var _ ideas.AuthGateway = (*IdentityApi)(nil)

func mintJwt(t *testing.T, sub string, name string, email string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"name":  name,
		"email": email,
	})
	byJwt, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return byJwt
}

func startAuthServer(t *testing.T, byJwt string) *httptest.Server {
	router := chi.NewRouter()
	router.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var args LoginArgs
		json.NewDecoder(r.Body).Decode(&args)
		if args.Password != "correct" {
			json.NewEncoder(w).Encode(&LoginResult{
				Error: &LoginResultError{
					Message: "bad credentials",
				},
			})
			return
		}
		json.NewEncoder(w).Encode(&LoginResult{
			ByJwt: byJwt,
		})
	})
	router.Post("/auth/sign-out", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	router.Post("/auth/display-name", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		w.Write([]byte("{}"))
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestLoginParsesClaims(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	byJwt := mintJwt(t, "u1", "User One", "u1@example.com")
	server := startAuthServer(t, byJwt)

	api := NewIdentityApiWithContext(ctx, server.URL)
	defer api.Close()

	var stateLock sync.Mutex
	var changes []*ideas.Identity
	api.AddIdentityChangeCallback(func(identity *ideas.Identity) {
		stateLock.Lock()
		defer stateLock.Unlock()
		changes = append(changes, identity)
	})

	// registration invokes the callback with the current identity
	stateLock.Lock()
	assert.Equal(t, 1, len(changes))
	assert.Equal(t, changes[0], nil)
	stateLock.Unlock()

	result, err := api.LoginSync(ctx, &LoginArgs{
		UserAuth: "u1@example.com",
		Password: "correct",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, byJwt, api.ByJwt())

	identity := api.Identity()
	assert.NotEqual(t, identity, nil)
	assert.Equal(t, "u1", identity.Id)
	assert.Equal(t, "User One", identity.DisplayName)
	assert.Equal(t, "u1@example.com", identity.Email)
	assert.Equal(t, ideas.AuthStateAuthenticated, identity.State)
	assert.Equal(t, "User One", identity.AuthorName())

	stateLock.Lock()
	assert.Equal(t, 2, len(changes))
	assert.Equal(t, "u1", changes[1].Id)
	stateLock.Unlock()
}

func TestLoginBadCredentials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startAuthServer(t, mintJwt(t, "u1", "", ""))

	api := NewIdentityApiWithContext(ctx, server.URL)
	defer api.Close()

	result, err := api.LoginSync(ctx, &LoginArgs{
		UserAuth: "u1@example.com",
		Password: "wrong",
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, result.Error, nil)
	assert.Equal(t, "bad credentials", result.Error.Message)
	assert.Equal(t, api.Identity(), nil)
}

func TestSignOutClearsIdentity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	byJwt := mintJwt(t, "u1", "User One", "u1@example.com")
	server := startAuthServer(t, byJwt)

	api := NewIdentityApiWithContext(ctx, server.URL)
	defer api.Close()
	err := api.SetByJwt(byJwt)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, api.Identity(), nil)

	var stateLock sync.Mutex
	var changes []*ideas.Identity
	api.AddIdentityChangeCallback(func(identity *ideas.Identity) {
		stateLock.Lock()
		defer stateLock.Unlock()
		changes = append(changes, identity)
	})

	err = api.SignOut(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, api.Identity(), nil)
	assert.Equal(t, "", api.ByJwt())

	stateLock.Lock()
	assert.Equal(t, 2, len(changes))
	assert.Equal(t, changes[1], nil)
	stateLock.Unlock()
}

func TestSignOutClearsEvenWhenUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := NewIdentityApiWithContext(ctx, "http://127.0.0.1:1")
	defer api.Close()
	err := api.SetByJwt(mintJwt(t, "u1", "", ""))
	assert.Equal(t, err, nil)

	err = api.SignOut(ctx)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, api.Identity(), nil)
}

func TestUpdateDisplayName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	byJwt := mintJwt(t, "u1", "User One", "u1@example.com")
	server := startAuthServer(t, byJwt)

	api := NewIdentityApiWithContext(ctx, server.URL)
	defer api.Close()

	// unauthenticated is rejected locally
	err := api.UpdateDisplayName(ctx, "New Name")
	assert.Equal(t, true, errors.Is(err, ideas.ErrUnauthenticated))

	err = api.SetByJwt(byJwt)
	assert.Equal(t, err, nil)

	err = api.UpdateDisplayName(ctx, "New Name")
	assert.Equal(t, err, nil)
	assert.Equal(t, "New Name", api.Identity().DisplayName)
}

func TestSetByJwtRejectsBadToken(t *testing.T) {
	api := NewIdentityApi("http://127.0.0.1:1")
	defer api.Close()

	err := api.SetByJwt("not a jwt")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, api.Identity(), nil)
}
