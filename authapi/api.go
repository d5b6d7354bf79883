package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ideas6k/ideas/ideas"
)

// identity gateway backed by an auth endpoint. the endpoint issues a jwt
// on login; the claims (`sub`, `name`, `email`) are parsed locally
// without verification since the endpoint remains the verifier for every
// authenticated call.

const defaultHttpTimeout = 30 * time.Second

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		select {
		case c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}:
		case <-ctx.Done():
		}
	})
	return apiCallback, c
}

type IdentityApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	stateLock sync.Mutex
	byJwt     string
	identity  *ideas.Identity

	identityChangeCallbacks *ideas.CallbackList[ideas.IdentityChangeFunction]
}

func NewIdentityApi(apiUrl string) *IdentityApi {
	return NewIdentityApiWithContext(context.Background(), apiUrl)
}

func NewIdentityApiWithContext(ctx context.Context, apiUrl string) *IdentityApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &IdentityApi{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		apiUrl:                  apiUrl,
		identityChangeCallbacks: ideas.NewCallbackList[ideas.IdentityChangeFunction](),
	}
}

func (self *IdentityApi) Close() {
	self.cancel()
}

// attach an existing jwt, e.g. from a config file or previous login
func (self *IdentityApi) SetByJwt(byJwt string) error {
	identity, err := identityFromJwt(byJwt)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.byJwt = byJwt
	self.identity = identity
	self.stateLock.Unlock()

	self.identityChanged()
	return nil
}

func (self *IdentityApi) ByJwt() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.byJwt
}

func (self *IdentityApi) Identity() *ideas.Identity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return copyIdentity(self.identity)
}

func (self *IdentityApi) AddIdentityChangeCallback(identityChangeCallback ideas.IdentityChangeFunction) func() {
	callbackId := self.identityChangeCallbacks.Add(identityChangeCallback)
	identityChangeCallback(self.Identity())
	return func() {
		self.identityChangeCallbacks.Remove(callbackId)
	}
}

type LoginCallback apiCallback[*LoginResult]

type LoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type LoginResult struct {
	ByJwt string            `json:"by_jwt,omitempty"`
	Error *LoginResultError `json:"error,omitempty"`
}

type LoginResultError struct {
	Message string `json:"message"`
}

func (self *IdentityApi) Login(loginArgs *LoginArgs, callback LoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		loginArgs,
		self.ByJwt(),
		&LoginResult{},
		NewApiCallback[*LoginResult](func(result *LoginResult, err error) {
			if err == nil && result.Error == nil && result.ByJwt != "" {
				err = self.SetByJwt(result.ByJwt)
			}
			callback.Result(result, err)
		}),
	)
}

func (self *IdentityApi) LoginSync(ctx context.Context, loginArgs *LoginArgs) (*LoginResult, error) {
	callback, c := NewBlockingApiCallback[*LoginResult](ctx)
	self.Login(loginArgs, callback)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-c:
		return r.Result, r.Error
	}
}

type signOutResult struct{}

func (self *IdentityApi) SignOut(ctx context.Context) error {
	byJwt := self.ByJwt()

	var err error
	if byJwt != "" {
		callback, c := NewBlockingApiCallback[*signOutResult](ctx)
		go post(
			ctx,
			fmt.Sprintf("%s/auth/sign-out", self.apiUrl),
			nil,
			byJwt,
			&signOutResult{},
			callback,
		)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case r := <-c:
			err = r.Error
		}
	}

	// the local session ends even when the endpoint is unreachable
	self.stateLock.Lock()
	self.byJwt = ""
	self.identity = nil
	self.stateLock.Unlock()

	self.identityChanged()
	return err
}

type displayNameArgs struct {
	DisplayName string `json:"display_name"`
}

type displayNameResult struct{}

func (self *IdentityApi) UpdateDisplayName(ctx context.Context, displayName string) error {
	self.stateLock.Lock()
	byJwt := self.byJwt
	authenticated := self.identity != nil
	self.stateLock.Unlock()
	if !authenticated {
		return ideas.ErrUnauthenticated
	}

	callback, c := NewBlockingApiCallback[*displayNameResult](ctx)
	go post(
		ctx,
		fmt.Sprintf("%s/auth/display-name", self.apiUrl),
		&displayNameArgs{
			DisplayName: displayName,
		},
		byJwt,
		&displayNameResult{},
		callback,
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-c:
		if r.Error != nil {
			return r.Error
		}
	}

	self.stateLock.Lock()
	if self.identity != nil {
		self.identity.DisplayName = displayName
	}
	self.stateLock.Unlock()

	self.identityChanged()
	return nil
}

func (self *IdentityApi) identityChanged() {
	identity := self.Identity()
	for _, identityChangeCallback := range self.identityChangeCallbacks.Get() {
		ideas.HandleError(func() {
			identityChangeCallback(copyIdentity(identity))
		})
	}
}

func identityFromJwt(byJwt string) (*ideas.Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(byJwt, claims); err != nil {
		return nil, err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("jwt missing sub")
	}
	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	return &ideas.Identity{
		Id:          sub,
		DisplayName: name,
		Email:       email,
		State:       ideas.AuthStateAuthenticated,
	}, nil
}

func copyIdentity(identity *ideas.Identity) *ideas.Identity {
	if identity == nil {
		return nil
	}
	identityCopy := *identity
	return &identityCopy
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
