package ideas

import (
	"context"
	"sync"
)

type AuthState string

const (
	AuthStateUnknown       AuthState = "unknown"
	AuthStateAnonymous     AuthState = "anonymous"
	AuthStateAuthenticated AuthState = "authenticated"
)

// an authenticated principal, distinct from any particular device or session.
// owned by the identity gateway; read-only to the sync engine except for
// display name updates, which are write-through.
type Identity struct {
	Id          string
	DisplayName string
	Email       string
	State       AuthState
}

// display name, falling back to email, for authored content
func (self *Identity) AuthorName() string {
	if self.DisplayName != "" {
		return self.DisplayName
	}
	if self.Email != "" {
		return self.Email
	}
	return "Anonymous"
}

// nil means signed out
type IdentityChangeFunction = func(identity *Identity)

type AuthGateway interface {
	// the current identity. nil when signed out or not yet known.
	Identity() *Identity
	// the callback is invoked with the current identity on registration
	// and on every transition after that
	AddIdentityChangeCallback(identityChangeCallback IdentityChangeFunction) func()
	SignOut(ctx context.Context) error
	UpdateDisplayName(ctx context.Context, displayName string) error
}

// in-process auth gateway for tests and local use
type MemoryAuth struct {
	stateLock sync.Mutex
	identity  *Identity

	identityChangeCallbacks *CallbackList[IdentityChangeFunction]
}

func NewMemoryAuth() *MemoryAuth {
	return &MemoryAuth{
		identityChangeCallbacks: NewCallbackList[IdentityChangeFunction](),
	}
}

func (self *MemoryAuth) Identity() *Identity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return copyIdentity(self.identity)
}

func (self *MemoryAuth) AddIdentityChangeCallback(identityChangeCallback IdentityChangeFunction) func() {
	callbackId := self.identityChangeCallbacks.Add(identityChangeCallback)
	identityChangeCallback(self.Identity())
	return func() {
		self.identityChangeCallbacks.Remove(callbackId)
	}
}

func (self *MemoryAuth) SetIdentity(identity *Identity) {
	self.stateLock.Lock()
	self.identity = copyIdentity(identity)
	self.stateLock.Unlock()

	self.identityChanged()
}

func (self *MemoryAuth) SignOut(ctx context.Context) error {
	self.SetIdentity(nil)
	return nil
}

func (self *MemoryAuth) UpdateDisplayName(ctx context.Context, displayName string) error {
	self.stateLock.Lock()
	if self.identity == nil {
		self.stateLock.Unlock()
		return ErrUnauthenticated
	}
	self.identity.DisplayName = displayName
	self.stateLock.Unlock()

	self.identityChanged()
	return nil
}

func (self *MemoryAuth) identityChanged() {
	identity := self.Identity()
	for _, identityChangeCallback := range self.identityChangeCallbacks.Get() {
		func() {
			HandleError(func() {
				identityChangeCallback(copyIdentity(identity))
			})
		}()
	}
}

func copyIdentity(identity *Identity) *Identity {
	if identity == nil {
		return nil
	}
	identityCopy := *identity
	return &identityCopy
}
