package ideas

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type StateChangeFunction = func()

// a user-visible failure surfaced by the session.
// remote call failures never propagate as uncaught failures.
type Notice struct {
	Message string
	Err     error
}

type NoticeFunction = func(notice *Notice)

type SessionSettings struct {
	// optional warm start for the global feed
	SnapshotCache SnapshotCache
	// timeout for fire-and-forget writes issued from listener callbacks,
	// e.g. lazy profile creation and cache write-through
	WriteTimeout time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		WriteTimeout: 15 * time.Second,
	}
}

// process-scoped session state with explicit lifecycle.
// owns all live listeners. local collections are mutated only under
// `stateLock`, by listener callbacks and mutation completion handlers.
// consumer callbacks are always dispatched outside the lock.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	store DocumentStore
	auth  AuthGateway

	settings *SessionSettings

	stateLock sync.Mutex

	identity *Identity
	// incremented on every identity transition. listener callbacks and
	// mutation completions opened under an older epoch no-op instead of
	// mutating released state.
	bindEpoch int

	// ordered by creation time descending
	prompts []*Prompt
	// ordered by creation time descending, sorted client-side
	myPrompts []*Prompt
	favorites map[Id]bool
	loading   bool
	screen    Screen

	started       bool
	closed        bool
	unsubAuth     func()
	unsubFeed     func()
	unsubIdentity []func()

	log LogFunction

	stateChangeCallbacks *CallbackList[StateChangeFunction]
	noticeCallbacks      *CallbackList[NoticeFunction]
}

func NewSessionWithDefaults(ctx context.Context, store DocumentStore, auth AuthGateway) *Session {
	return NewSession(ctx, store, auth, DefaultSessionSettings())
}

func NewSession(ctx context.Context, store DocumentStore, auth AuthGateway, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:                  cancelCtx,
		cancel:               cancel,
		store:                store,
		auth:                 auth,
		settings:             settings,
		favorites:            map[Id]bool{},
		loading:              true,
		screen:               ScreenHome,
		stateChangeCallbacks: NewCallbackList[StateChangeFunction](),
		noticeCallbacks:      NewCallbackList[NoticeFunction](),
		log:                  LogFn(LogLevelInfo, "[session]"),
	}
}

// subscribes to identity changes and starts the global feed.
// the global feed runs independent of identity state.
func (self *Session) Start() {
	self.stateLock.Lock()
	if self.started || self.closed {
		self.stateLock.Unlock()
		return
	}
	self.started = true
	self.stateLock.Unlock()

	if self.settings.SnapshotCache != nil {
		go HandleError(func() {
			if glog.V(2) {
				Trace("[session]prime", self.primeFromCache)
			} else {
				self.primeFromCache()
			}
		})
	}

	unsubFeed := self.store.SubscribeQuery(
		self.ctx,
		Query{
			Collection: CollectionPrompts,
			OrderBy:    OrderByDesc(fieldCreatedAt),
		},
		self.feedSnapshot,
		self.feedError,
	)
	// a close can race the subscribe. release immediately instead of leaking.
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		unsubFeed()
		return
	}
	self.unsubFeed = unsubFeed
	self.stateLock.Unlock()

	unsubAuth := self.auth.AddIdentityChangeCallback(self.bindIdentity)
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		unsubAuth()
		return
	}
	self.unsubAuth = unsubAuth
	self.stateLock.Unlock()
}

func (self *Session) Close() {
	self.cancel()

	self.stateLock.Lock()
	self.closed = true
	unsubs := self.unsubIdentity
	self.unsubIdentity = nil
	self.bindEpoch += 1
	unsubAuth := self.unsubAuth
	unsubFeed := self.unsubFeed
	self.unsubAuth = nil
	self.unsubFeed = nil
	self.stateLock.Unlock()

	if unsubAuth != nil {
		unsubAuth()
	}
	if unsubFeed != nil {
		unsubFeed()
	}
	for _, unsub := range unsubs {
		unsub()
	}
}

func (self *Session) primeFromCache() {
	primeCtx, primeCancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
	defer primeCancel()

	prompts, err := self.settings.SnapshotCache.LoadFeed(primeCtx)
	if err != nil || len(prompts) == 0 {
		return
	}

	self.stateLock.Lock()
	// a live snapshot always wins over the cache
	if !self.loading || 0 < len(self.prompts) {
		self.stateLock.Unlock()
		return
	}
	self.prompts = prompts
	self.stateLock.Unlock()

	glog.V(1).Infof("[feed]primed %d prompts from cache\n", len(prompts))
	self.notifyStateChange()
}

// each snapshot replaces the prompts collection wholesale.
// snapshot payloads are already complete, so a full replace is simpler
// than incremental patching.
func (self *Session) feedSnapshot(docs []*Document) {
	prompts := promptsFromDocuments(docs, SubLogFn(LogLevelInfo, self.log, "feed"))

	self.stateLock.Lock()
	self.prompts = prompts
	self.loading = false
	self.stateLock.Unlock()

	glog.V(2).Infof("[feed]snapshot %d prompts\n", len(prompts))
	self.notifyStateChange()

	if self.settings.SnapshotCache != nil {
		go HandleError(func() {
			storeCtx, storeCancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
			defer storeCancel()
			if err := self.settings.SnapshotCache.StoreFeed(storeCtx, prompts); err != nil {
				glog.V(1).Infof("[feed]cache store error = %s\n", err)
			}
		})
	}
}

// terminal for the feed listener. the collection keeps its last known
// value and the loading flag is cleared so the consumer does not hang.
func (self *Session) feedError(err error) {
	self.stateLock.Lock()
	self.loading = false
	self.stateLock.Unlock()

	glog.Infof("[feed]error = %s\n", err)
	self.notifyStateChange()
	self.notifyNotice(&Notice{
		Message: "Could not load prompts. Please check your connection.",
		Err:     err,
	})
}

// called on every identity transition. releases all listeners opened by
// the previous bind before opening new ones. no listener outlives the
// identity state it was opened for.
func (self *Session) bindIdentity(identity *Identity) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.bindEpoch += 1
	epoch := self.bindEpoch
	unsubs := self.unsubIdentity
	self.unsubIdentity = nil
	self.identity = copyIdentity(identity)
	if identity == nil {
		self.favorites = map[Id]bool{}
		self.myPrompts = nil
	}
	self.stateLock.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	if identity == nil {
		glog.V(1).Infof("[session]identity unset\n")
		self.notifyStateChange()
		return
	}
	glog.V(1).Infof("[session]identity %s\n", identity.Id)

	unsubProfile := self.store.SubscribeDocument(
		self.ctx,
		UserPath(identity.Id),
		func(doc *Document) {
			self.profileSnapshot(epoch, identity, doc)
		},
		func(err error) {
			self.profileError(epoch, err)
		},
	)
	// the backing query is unordered. results are re-sorted client-side.
	unsubMyPrompts := self.store.SubscribeQuery(
		self.ctx,
		Query{
			Collection: CollectionPrompts,
			Where:      []Filter{Where(fieldAuthorId, identity.Id)},
		},
		func(docs []*Document) {
			self.myPromptsSnapshot(epoch, docs)
		},
		func(err error) {
			self.myPromptsError(epoch, err)
		},
	)

	self.stateLock.Lock()
	if self.bindEpoch != epoch {
		// the identity changed again while the listeners were being opened
		self.stateLock.Unlock()
		unsubProfile()
		unsubMyPrompts()
		return
	}
	self.unsubIdentity = []func(){unsubProfile, unsubMyPrompts}
	self.stateLock.Unlock()

	self.notifyStateChange()
}

// applies a state mutation only if the identity bind that opened the
// listener is still current
func (self *Session) applyWithEpoch(epoch int, apply func()) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.bindEpoch != epoch {
		return false
	}
	apply()
	return true
}

func (self *Session) profileSnapshot(epoch int, identity *Identity, doc *Document) {
	if doc == nil {
		// lazily create the profile with an empty favorites set.
		// creation under races from multiple sessions is not at-most-once;
		// the last writer's empty create wins, which is idempotent in effect.
		applied := self.applyWithEpoch(epoch, func() {
			self.favorites = map[Id]bool{}
		})
		if !applied {
			return
		}
		go HandleError(func() {
			createCtx, createCancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
			defer createCancel()
			err := self.store.Set(createCtx, UserPath(identity.Id), map[string]any{
				fieldEmail:     identity.Email,
				fieldFavorites: []string{},
			})
			if err != nil {
				glog.Infof("[profile]create error %s = %s\n", identity.Id, err)
			}
		})
		self.notifyStateChange()
		return
	}

	favorites := favoritesFromDocument(doc)
	applied := self.applyWithEpoch(epoch, func() {
		self.favorites = favorites
	})
	if !applied {
		return
	}
	glog.V(2).Infof("[profile]snapshot %d favorites\n", len(favorites))
	self.notifyStateChange()
}

func (self *Session) profileError(epoch int, err error) {
	applied := self.applyWithEpoch(epoch, func() {})
	if !applied {
		return
	}
	glog.Infof("[profile]error = %s\n", err)
	self.notifyNotice(&Notice{
		Message: "Could not load your favorites. Please check your connection.",
		Err:     err,
	})
}

func (self *Session) myPromptsSnapshot(epoch int, docs []*Document) {
	myPrompts := promptsFromDocuments(docs, SubLogFn(LogLevelInfo, self.log, "mine"))
	slices.SortFunc(myPrompts, func(a *Prompt, b *Prompt) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	applied := self.applyWithEpoch(epoch, func() {
		self.myPrompts = myPrompts
	})
	if !applied {
		return
	}
	glog.V(2).Infof("[mine]snapshot %d prompts\n", len(myPrompts))
	self.notifyStateChange()
}

func (self *Session) myPromptsError(epoch int, err error) {
	applied := self.applyWithEpoch(epoch, func() {})
	if !applied {
		return
	}
	glog.Infof("[mine]error = %s\n", err)
	self.notifyNotice(&Notice{
		Message: "Could not fetch your submitted prompts. Please check your connection.",
		Err:     err,
	})
}

func (self *Session) notifyStateChange() {
	for _, stateChangeCallback := range self.stateChangeCallbacks.Get() {
		HandleError(func() {
			stateChangeCallback()
		})
	}
}

func (self *Session) notifyNotice(notice *Notice) {
	for _, noticeCallback := range self.noticeCallbacks.Get() {
		HandleError(func() {
			noticeCallback(notice)
		})
	}
}

func (self *Session) AddStateChangeCallback(stateChangeCallback StateChangeFunction) func() {
	glog.V(2).Infof("[session]add state callback %s\n", CallbackName(stateChangeCallback))
	callbackId := self.stateChangeCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddNoticeCallback(noticeCallback NoticeFunction) func() {
	glog.V(2).Infof("[session]add notice callback %s\n", CallbackName(noticeCallback))
	callbackId := self.noticeCallbacks.Add(noticeCallback)
	return func() {
		self.noticeCallbacks.Remove(callbackId)
	}
}

// read surface for the rendering boundary

func (self *Session) Prompts() []*Prompt {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.prompts)
}

func (self *Session) MyPrompts() []*Prompt {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.myPrompts)
}

// the favorited subset of the feed, in feed order
func (self *Session) FavoritePrompts() []*Prompt {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	favoritePrompts := []*Prompt{}
	for _, prompt := range self.prompts {
		if self.favorites[prompt.Id] {
			favoritePrompts = append(favoritePrompts, prompt)
		}
	}
	return favoritePrompts
}

func (self *Session) Favorites() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.favorites)
}

func (self *Session) IsFavorite(promptId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.favorites[promptId]
}

func (self *Session) Loading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loading
}

func (self *Session) Identity() *Identity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return copyIdentity(self.identity)
}

func (self *Session) promptById(promptId Id) *Prompt {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, prompt := range self.prompts {
		if prompt.Id == promptId {
			return prompt
		}
	}
	return nil
}

func (self *Session) myPromptById(promptId Id) *Prompt {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, prompt := range self.myPrompts {
		if prompt.Id == promptId {
			return prompt
		}
	}
	return nil
}
