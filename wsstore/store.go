package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/ideas6k/ideas/ideas"
)

// document store gateway over a single websocket to a sync endpoint.
// all requests and subscription snapshots are multiplexed on one
// connection by request id. the connection is not reconnected: when it
// fails, every pending request completes with the connection error and
// every live subscription receives a terminal error callback. the owner
// decides whether to connect a new store.

type StoreSettings struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	RequestTimeout time.Duration
	SendBufferSize int
	// per subscription snapshot queue
	SnapshotBufferSize int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		ConnectTimeout:     10 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingTimeout:        15 * time.Second,
		RequestTimeout:     15 * time.Second,
		SendBufferSize:     32,
		SnapshotBufferSize: 8,
	}
}

type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *StoreSettings

	ws   *websocket.Conn
	send chan []byte

	stateLock     sync.Mutex
	nextRequestId int64
	pending       map[int64]chan *serverFrame
	subscriptions map[int64]*storeSubscription
	closed        bool
	closeErr      error
}

func Connect(ctx context.Context, url string, settings *StoreSettings) (*Store, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	dialCtx, dialCancel := context.WithTimeout(cancelCtx, settings.ConnectTimeout)
	defer dialCancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	store := &Store{
		ctx:           cancelCtx,
		cancel:        cancel,
		url:           url,
		settings:      settings,
		ws:            ws,
		send:          make(chan []byte, settings.SendBufferSize),
		pending:       map[int64]chan *serverFrame{},
		subscriptions: map[int64]*storeSubscription{},
	}
	go store.writeLoop()
	go store.readLoop()
	return store, nil
}

func ConnectWithDefaults(ctx context.Context, url string) (*Store, error) {
	return Connect(ctx, url, DefaultStoreSettings())
}

func (self *Store) writeLoop() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.Infof("[ws]-> error = %s\n", err)
				self.fail(err)
				return
			}
			glog.V(2).Infof("[ws]->\n")
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				self.fail(err)
				return
			}
		}
	}
}

func (self *Store) readLoop() {
	defer self.cancel()

	self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[ws]<- error = %s\n", err)
			self.fail(err)
			return
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[ws]<- other = %d\n", messageType)
			continue
		}

		var frame serverFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			glog.Infof("[ws]<- bad frame = %s\n", err)
			continue
		}
		self.dispatch(&frame)
	}
}

func (self *Store) dispatch(frame *serverFrame) {
	self.stateLock.Lock()
	pending, isPending := self.pending[frame.Id]
	if isPending {
		delete(self.pending, frame.Id)
	}
	sub := self.subscriptions[frame.Id]
	self.stateLock.Unlock()

	if isPending {
		pending <- frame
		return
	}
	if sub == nil {
		glog.V(2).Infof("[ws]<- drop %d\n", frame.Id)
		return
	}
	if frame.Type == frameTypeError {
		self.removeSubscription(frame.Id)
		sub.fail(errors.New(frame.Error))
		return
	}
	select {
	case <-sub.ctx.Done():
	case sub.queue <- frame:
	case <-time.After(self.settings.ReadTimeout):
		glog.Infof("[ws]<- drop slow %d\n", frame.Id)
	}
}

// completes all pending requests and errors all subscriptions.
// after fail the store only returns errors.
func (self *Store) fail(err error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.closeErr = err
	pending := self.pending
	self.pending = map[int64]chan *serverFrame{}
	subscriptions := self.subscriptions
	self.subscriptions = map[int64]*storeSubscription{}
	self.stateLock.Unlock()

	for _, c := range pending {
		close(c)
	}
	for _, sub := range subscriptions {
		sub.fail(err)
	}
	self.cancel()
}

func (self *Store) Close() {
	self.fail(errors.New("store closed"))
}

func (self *Store) closeError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closeErr != nil {
		return self.closeErr
	}
	return errors.New("store closed")
}

func (self *Store) sendMessage(ctx context.Context, message []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return self.closeError()
	case self.send <- message:
		return nil
	}
}

func (self *Store) request(ctx context.Context, frame *clientFrame) (*serverFrame, error) {
	if glog.V(2) {
		return ideas.TraceWithReturnError(
			fmt.Sprintf("[ws]%s", frame.Op),
			func() (*serverFrame, error) {
				return self.doRequest(ctx, frame)
			},
		)
	}
	return self.doRequest(ctx, frame)
}

func (self *Store) doRequest(ctx context.Context, frame *clientFrame) (*serverFrame, error) {
	c := make(chan *serverFrame, 1)

	self.stateLock.Lock()
	if self.closed {
		err := self.closeErr
		self.stateLock.Unlock()
		return nil, err
	}
	self.nextRequestId += 1
	frame.Id = self.nextRequestId
	self.pending[frame.Id] = c
	self.stateLock.Unlock()

	removePending := func() {
		self.stateLock.Lock()
		delete(self.pending, frame.Id)
		self.stateLock.Unlock()
	}

	message, err := json.Marshal(frame)
	if err != nil {
		removePending()
		return nil, err
	}
	if err := self.sendMessage(ctx, message); err != nil {
		removePending()
		return nil, err
	}

	select {
	case <-ctx.Done():
		removePending()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, self.closeError()
	case <-time.After(self.settings.RequestTimeout):
		removePending()
		return nil, fmt.Errorf("%s timeout", frame.Op)
	case response, ok := <-c:
		if !ok {
			return nil, self.closeError()
		}
		if response.Type == frameTypeError {
			return nil, errors.New(response.Error)
		}
		return response, nil
	}
}

func (self *Store) SubscribeQuery(ctx context.Context, query ideas.Query, callback ideas.QuerySnapshotFunction, errorCallback ideas.ErrorFunction) func() {
	return self.subscribe(ctx, &clientFrame{
		Op:    opSubscribeQuery,
		Query: queryToWire(query),
	}, callback, nil, errorCallback)
}

func (self *Store) SubscribeDocument(ctx context.Context, path string, callback ideas.DocumentSnapshotFunction, errorCallback ideas.ErrorFunction) func() {
	return self.subscribe(ctx, &clientFrame{
		Op:   opSubscribeDocument,
		Path: path,
	}, nil, callback, errorCallback)
}

func (self *Store) subscribe(
	ctx context.Context,
	frame *clientFrame,
	queryCallback ideas.QuerySnapshotFunction,
	docCallback ideas.DocumentSnapshotFunction,
	errorCallback ideas.ErrorFunction,
) func() {
	subCtx, subCancel := context.WithCancel(self.ctx)
	sub := &storeSubscription{
		ctx:           subCtx,
		cancel:        subCancel,
		queue:         make(chan *serverFrame, self.settings.SnapshotBufferSize),
		queryCallback: queryCallback,
		docCallback:   docCallback,
		errorCallback: errorCallback,
	}

	self.stateLock.Lock()
	if self.closed {
		err := self.closeErr
		self.stateLock.Unlock()
		subCancel()
		go ideas.HandleError(func() {
			errorCallback(err)
		})
		return func() {}
	}
	self.nextRequestId += 1
	frame.Id = self.nextRequestId
	self.subscriptions[frame.Id] = sub
	self.stateLock.Unlock()

	go sub.run()

	go func() {
		message, err := json.Marshal(frame)
		if err == nil {
			err = self.sendMessage(ctx, message)
		}
		if err != nil {
			self.removeSubscription(frame.Id)
			sub.fail(err)
		}
	}()

	unsubbed := false
	var unsubLock sync.Mutex
	return func() {
		unsubLock.Lock()
		defer unsubLock.Unlock()
		if unsubbed {
			return
		}
		unsubbed = true

		self.removeSubscription(frame.Id)
		sub.cancel()
		// best effort, no response frame
		if message, err := json.Marshal(&clientFrame{
			Op:     opUnsubscribe,
			Target: frame.Id,
		}); err == nil {
			self.sendMessage(self.ctx, message)
		}
	}
}

func (self *Store) removeSubscription(requestId int64) {
	self.stateLock.Lock()
	delete(self.subscriptions, requestId)
	self.stateLock.Unlock()
}

func (self *Store) GetOnce(ctx context.Context, path string) (*ideas.Document, error) {
	response, err := self.request(ctx, &clientFrame{
		Op:   opGet,
		Path: path,
	})
	if err != nil {
		return nil, err
	}
	// nil doc means the document is absent
	return documentFromWire(response.Doc), nil
}

func (self *Store) GetAll(ctx context.Context, query ideas.Query) ([]*ideas.Document, error) {
	response, err := self.request(ctx, &clientFrame{
		Op:    opGetAll,
		Query: queryToWire(query),
	})
	if err != nil {
		return nil, err
	}
	return documentsFromWire(response.Docs), nil
}

func (self *Store) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	response, err := self.request(ctx, &clientFrame{
		Op:         opCreate,
		Collection: collection,
		Fields:     encodeFields(fields),
	})
	if err != nil {
		return "", err
	}
	return documentIdOfPath(response.Path), nil
}

func (self *Store) Set(ctx context.Context, path string, fields map[string]any) error {
	_, err := self.request(ctx, &clientFrame{
		Op:     opSet,
		Path:   path,
		Fields: encodeFields(fields),
	})
	return err
}

func (self *Store) Update(ctx context.Context, path string, updates []ideas.FieldUpdate) error {
	_, err := self.request(ctx, &clientFrame{
		Op:      opUpdate,
		Path:    path,
		Updates: updatesToWire(updates),
	})
	return err
}

type storeSubscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *serverFrame

	queryCallback ideas.QuerySnapshotFunction
	docCallback   ideas.DocumentSnapshotFunction
	errorCallback ideas.ErrorFunction

	failOnce sync.Once
}

// snapshots dispatch in order from this one goroutine
func (self *storeSubscription) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case frame := <-self.queue:
			if self.queryCallback != nil {
				docs := documentsFromWire(frame.Docs)
				ideas.HandleError(func() {
					self.queryCallback(docs)
				})
			} else {
				doc := documentFromWire(frame.Doc)
				ideas.HandleError(func() {
					self.docCallback(doc)
				})
			}
		}
	}
}

func (self *storeSubscription) fail(err error) {
	self.failOnce.Do(func() {
		ideas.HandleError(func() {
			self.errorCallback(err)
		})
	})
	self.cancel()
}
