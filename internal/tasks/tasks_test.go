package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/bridge/internal/bridgeerr"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
)

type fakeObjectStore struct {
	byID map[string]*model.Object
	puts int
}

func newFakeObjectStore() *fakeObjectStore { return &fakeObjectStore{byID: map[string]*model.Object{}} }

func (s *fakeObjectStore) GetObject(ctx context.Context, id string) (*model.Object, bool) {
	v, ok := s.byID[id]
	return v, ok
}

func (s *fakeObjectStore) PutObject(ctx context.Context, obj *model.Object) error {
	s.puts++
	s.byID[obj.ID] = obj
	return nil
}

type fakeUserStore struct {
	byProtoKey map[string]*model.User
}

func (s *fakeUserStore) GetUser(ctx context.Context, proto, key string) (*model.User, bool) {
	v, ok := s.byProtoKey[proto+"|"+key]
	return v, ok
}

type fakeSendProto struct {
	label    string
	outcome  protocol.SendOutcome
	sendErr  error
	sendCall int
}

func (p *fakeSendProto) Label() string                    { return p.label }
func (p *fakeSendProto) Abbrev() string                   { return p.label }
func (p *fakeSendProto) HasFollowAccepts() bool            { return false }
func (p *fakeSendProto) HasCopies() bool                   { return false }
func (p *fakeSendProto) RequiresAvatar() bool              { return false }
func (p *fakeSendProto) RequiresName() bool                { return false }
func (p *fakeSendProto) RequiresOldAccount() bool          { return false }
func (p *fakeSendProto) DefaultEnabledProtocols() []string { return nil }
func (p *fakeSendProto) OwnsID(id string) protocol.Tri     { return protocol.Unknown }
func (p *fakeSendProto) OwnsHandle(handle string, allowInternal bool) protocol.Tri {
	return protocol.Unknown
}
func (p *fakeSendProto) HandleToID(ctx context.Context, handle string) (string, bool) {
	return "", false
}
func (p *fakeSendProto) KeyFor(id string) (string, bool) { return id, true }
func (p *fakeSendProto) Fetch(ctx context.Context, obj *model.Object) (bool, error) {
	return false, nil
}
func (p *fakeSendProto) Send(ctx context.Context, obj *model.Object, uri string, fromUser *model.User, origObj *model.Object) (protocol.SendOutcome, error) {
	p.sendCall++
	return p.outcome, p.sendErr
}
func (p *fakeSendProto) Convert(ctx context.Context, obj *model.Object, fromUser *model.User) (any, error) {
	return nil, nil
}
func (p *fakeSendProto) TargetFor(ctx context.Context, obj *model.Object, shared bool) (string, bool) {
	return "", false
}
func (p *fakeSendProto) BridgedWebURLFor(user *model.User) (string, bool)  { return "", false }
func (p *fakeSendProto) IsBlocklisted(url string, allowInternal bool) bool { return false }

func newRunnerForTest(inline bool) (*Runner, *fakeObjectStore, *fakeUserStore, *protocol.Registry) {
	objects := newFakeObjectStore()
	users := &fakeUserStore{byProtoKey: map[string]*model.User{}}
	reg := protocol.NewRegistry("bridge.example")
	r := NewRunner(reg, objects, users, inline, 2)
	return r, objects, users, reg
}

func TestEnqueueReceiveInlineCallsHandler(t *testing.T) {
	r, _, _, _ := newRunnerForTest(true)
	var gotID, gotAuthed string
	r.SetReceiveHandler(func(ctx context.Context, objectID, authedAs string) (int, error) {
		gotID, gotAuthed = objectID, authedAs
		return 200, nil
	})

	err := r.EnqueueReceive(context.Background(), "obj1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "obj1", gotID)
	assert.Equal(t, "alice", gotAuthed)
}

func TestEnqueueReceiveSyncReturnsStatus(t *testing.T) {
	r, _, _, _ := newRunnerForTest(true)
	r.SetReceiveHandler(func(ctx context.Context, objectID, authedAs string) (int, error) {
		return 204, nil
	})

	status, err := r.EnqueueReceiveSync(context.Background(), "obj1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 204, status)
}

func TestEnqueueReceiveNoHandlerErrors(t *testing.T) {
	r, _, _, _ := newRunnerForTest(true)
	err := r.EnqueueReceive(context.Background(), "obj1", "alice")
	assert.Error(t, err)
}

func TestEnqueueReceiveQueuedModeReturns202(t *testing.T) {
	r, _, _, _ := newRunnerForTest(false)
	defer r.Stop()
	r.SetReceiveHandler(func(ctx context.Context, objectID, authedAs string) (int, error) {
		return 200, nil
	})

	status, err := r.EnqueueReceiveSync(context.Background(), "obj1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 202, status)
}

func TestRunSendDeliversAndUpdatesTarget(t *testing.T) {
	r, objects, _, reg := newRunnerForTest(true)
	p := &fakeSendProto{label: "activitypub", outcome: protocol.Sent}
	reg.Register(p)

	target := model.Target{Protocol: "activitypub", URI: "https://x/inbox"}
	objects.byID["obj1"] = &model.Object{ID: "obj1", Undelivered: []model.Target{target}}

	err := r.EnqueueSend(context.Background(), SendTask{ObjectID: "obj1", URL: target.URI, Protocol: target.Protocol})
	require.NoError(t, err)

	obj := objects.byID["obj1"]
	assert.Empty(t, obj.Undelivered)
	assert.Contains(t, obj.Delivered, target)
	assert.Equal(t, model.StatusComplete, obj.Status)
	assert.Equal(t, 1, p.sendCall)
}

func TestRunSendFailureMarksFailed(t *testing.T) {
	r, objects, _, reg := newRunnerForTest(true)
	p := &fakeSendProto{label: "activitypub", sendErr: assert.AnError}
	reg.Register(p)

	target := model.Target{Protocol: "activitypub", URI: "https://x/inbox"}
	objects.byID["obj1"] = &model.Object{ID: "obj1", Undelivered: []model.Target{target}}

	err := r.EnqueueSend(context.Background(), SendTask{ObjectID: "obj1", URL: target.URI, Protocol: target.Protocol})
	assert.Error(t, err)

	obj := objects.byID["obj1"]
	assert.Empty(t, obj.Undelivered)
	assert.Contains(t, obj.Failed, target)
}

func TestRunSendIdempotentAlreadyFinalized(t *testing.T) {
	r, objects, _, reg := newRunnerForTest(true)
	p := &fakeSendProto{label: "activitypub", outcome: protocol.Sent}
	reg.Register(p)

	target := model.Target{Protocol: "activitypub", URI: "https://x/inbox"}
	objects.byID["obj1"] = &model.Object{ID: "obj1", Delivered: []model.Target{target}}

	err := r.EnqueueSend(context.Background(), SendTask{ObjectID: "obj1", URL: target.URI, Protocol: target.Protocol})
	assert.Equal(t, bridgeerr.IdempotentNoop, bridgeerr.KindOf(err))
	assert.Equal(t, 0, p.sendCall)
}

func TestRunSendUnknownProtocol(t *testing.T) {
	r, objects, _, _ := newRunnerForTest(true)
	target := model.Target{Protocol: "ghost", URI: "https://x/inbox"}
	objects.byID["obj1"] = &model.Object{ID: "obj1", Undelivered: []model.Target{target}}

	err := r.EnqueueSend(context.Background(), SendTask{ObjectID: "obj1", URL: target.URI, Protocol: "ghost"})
	assert.Equal(t, bridgeerr.Validation, bridgeerr.KindOf(err))
}

func TestRunSendObjectNotFound(t *testing.T) {
	r, _, _, _ := newRunnerForTest(true)
	err := r.EnqueueSend(context.Background(), SendTask{ObjectID: "missing", URL: "https://x/inbox", Protocol: "activitypub"})
	assert.Equal(t, bridgeerr.Validation, bridgeerr.KindOf(err))
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	r, objects, _, reg := newRunnerForTest(true)
	p := &fakeSendProto{label: "activitypub", sendErr: assert.AnError}
	reg.Register(p)

	target := model.Target{Protocol: "activitypub", URI: "https://x/inbox"}
	for i := 0; i < cbThreshold; i++ {
		objects.byID["obj1"] = &model.Object{ID: "obj1", Undelivered: []model.Target{target}}
		_ = r.EnqueueSend(context.Background(), SendTask{ObjectID: "obj1", URL: target.URI, Protocol: target.Protocol, ForceRetry: true})
	}

	assert.True(t, r.getCircuit(target).isOpen())

	objects.byID["obj1"] = &model.Object{ID: "obj1", Undelivered: []model.Target{target}}
	err := r.EnqueueSend(context.Background(), SendTask{ObjectID: "obj1", URL: target.URI, Protocol: target.Protocol})
	assert.Equal(t, bridgeerr.IdempotentNoop, bridgeerr.KindOf(err))
	assert.Equal(t, cbThreshold, p.sendCall)
}

func TestResetCircuitClearsOpenState(t *testing.T) {
	r, _, _, _ := newRunnerForTest(true)
	target := model.Target{Protocol: "activitypub", URI: "https://x/inbox"}
	c := r.getCircuit(target)
	c.open = true
	c.openedAt = time.Now()

	r.ResetCircuit(target)
	assert.False(t, c.isOpen())
}

func TestCircuitBreakerHalfOpenAfterCooldown(t *testing.T) {
	r, _, _, _ := newRunnerForTest(true)
	target := model.Target{Protocol: "activitypub", URI: "https://x/inbox"}
	c := r.getCircuit(target)
	c.open = true
	c.openedAt = time.Now().Add(-cbCooldown - time.Second)

	assert.False(t, c.isOpen())
}
