package ideas

import (
	"context"
	"sync"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

func awaitCondition(t *testing.T, message string, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(testTimeout)
	for {
		if condition() {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatalf("timeout: %s", message)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testIdentity(id string) *Identity {
	return &Identity{
		Id:          id,
		DisplayName: "user " + id,
		Email:       id + "@example.com",
		State:       AuthStateAuthenticated,
	}
}

// delegates to a MemoryStore but lets a test fail specific updates
type faultStore struct {
	*MemoryStore

	mutex     sync.Mutex
	updateErr func(path string) error
}

func newFaultStore() *faultStore {
	return &faultStore{
		MemoryStore: NewMemoryStore(),
	}
}

func (self *faultStore) setUpdateErr(updateErr func(path string) error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.updateErr = updateErr
}

func (self *faultStore) Update(ctx context.Context, path string, updates []FieldUpdate) error {
	self.mutex.Lock()
	updateErr := self.updateErr
	self.mutex.Unlock()

	if updateErr != nil {
		if err := updateErr(path); err != nil {
			return err
		}
	}
	return self.MemoryStore.Update(ctx, path, updates)
}

// records subscriptions without delivering anything, so tests can push
// synthetic snapshots and assert on listener lifecycle
type recordedSub struct {
	path  string
	query Query

	docCallback   DocumentSnapshotFunction
	queryCallback QuerySnapshotFunction
	errorCallback ErrorFunction

	mutex        sync.Mutex
	unsubscribed bool
}

func (self *recordedSub) unsub() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.unsubscribed = true
}

func (self *recordedSub) isUnsubscribed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.unsubscribed
}

type recordingStore struct {
	*MemoryStore

	mutex sync.Mutex
	subs  []*recordedSub
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		MemoryStore: NewMemoryStore(),
	}
}

func (self *recordingStore) SubscribeQuery(ctx context.Context, query Query, callback QuerySnapshotFunction, errorCallback ErrorFunction) func() {
	sub := &recordedSub{
		query:         query,
		queryCallback: callback,
		errorCallback: errorCallback,
	}
	self.mutex.Lock()
	self.subs = append(self.subs, sub)
	self.mutex.Unlock()
	return sub.unsub
}

func (self *recordingStore) SubscribeDocument(ctx context.Context, path string, callback DocumentSnapshotFunction, errorCallback ErrorFunction) func() {
	sub := &recordedSub{
		path:          path,
		docCallback:   callback,
		errorCallback: errorCallback,
	}
	self.mutex.Lock()
	self.subs = append(self.subs, sub)
	self.mutex.Unlock()
	return sub.unsub
}

func (self *recordingStore) docSub(path string) *recordedSub {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, sub := range self.subs {
		if sub.path == path {
			return sub
		}
	}
	return nil
}

func (self *recordingStore) querySubs(collection string) []*recordedSub {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	subs := []*recordedSub{}
	for _, sub := range self.subs {
		if sub.query.Collection == collection {
			subs = append(subs, sub)
		}
	}
	return subs
}
