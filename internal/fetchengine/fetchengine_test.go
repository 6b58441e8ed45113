package fetchengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
)

type fakeStore struct {
	objects map[string]*model.Object
	puts    int
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string]*model.Object{}} }

func (s *fakeStore) GetObject(ctx context.Context, id string) (*model.Object, bool) {
	o, ok := s.objects[id]
	return o, ok
}

func (s *fakeStore) PutObject(ctx context.Context, obj *model.Object) error {
	s.puts++
	s.objects[obj.ID] = obj
	return nil
}

type fakeFetchProto struct {
	label      string
	fetchOK    bool
	fetchErr   error
	populate   map[string]any
}

func (p *fakeFetchProto) Label() string                    { return p.label }
func (p *fakeFetchProto) Abbrev() string                   { return p.label }
func (p *fakeFetchProto) HasFollowAccepts() bool            { return false }
func (p *fakeFetchProto) HasCopies() bool                   { return false }
func (p *fakeFetchProto) RequiresAvatar() bool              { return false }
func (p *fakeFetchProto) RequiresName() bool                { return false }
func (p *fakeFetchProto) RequiresOldAccount() bool          { return false }
func (p *fakeFetchProto) DefaultEnabledProtocols() []string { return nil }
func (p *fakeFetchProto) OwnsID(id string) protocol.Tri     { return protocol.Yes }
func (p *fakeFetchProto) OwnsHandle(handle string, allowInternal bool) protocol.Tri {
	return protocol.No
}
func (p *fakeFetchProto) HandleToID(ctx context.Context, handle string) (string, bool) {
	return "", false
}
func (p *fakeFetchProto) KeyFor(id string) (string, bool) { return id, true }
func (p *fakeFetchProto) Fetch(ctx context.Context, obj *model.Object) (bool, error) {
	if p.fetchErr != nil {
		return false, p.fetchErr
	}
	if p.fetchOK && p.populate != nil {
		obj.OurAS1 = p.populate
	}
	return p.fetchOK, nil
}
func (p *fakeFetchProto) Send(ctx context.Context, obj *model.Object, uri string, fromUser *model.User, origObj *model.Object) (protocol.SendOutcome, error) {
	return protocol.Sent, nil
}
func (p *fakeFetchProto) Convert(ctx context.Context, obj *model.Object, fromUser *model.User) (any, error) {
	return nil, nil
}
func (p *fakeFetchProto) TargetFor(ctx context.Context, obj *model.Object, shared bool) (string, bool) {
	return "", false
}
func (p *fakeFetchProto) BridgedWebURLFor(user *model.User) (string, bool)  { return "", false }
func (p *fakeFetchProto) IsBlocklisted(url string, allowInternal bool) bool { return false }

func TestLoadRemoteNeverReturnsCachedOnly(t *testing.T) {
	store := newFakeStore()
	store.objects["id1"] = &model.Object{ID: "id1", Updated: time.Now()}
	reg := protocol.NewRegistry("bridge.example")
	e := New(reg, store, time.Hour, 0, "bridge.example")

	obj, err := e.Load(context.Background(), "id1", RemoteNever, true)
	require.NoError(t, err)
	assert.Equal(t, "id1", obj.ID)
	assert.Equal(t, 0, store.puts)
}

func TestLoadFetchesWhenNotFoundLocally(t *testing.T) {
	store := newFakeStore()
	p := &fakeFetchProto{label: "web", fetchOK: true, populate: map[string]any{"objectType": "note"}}
	reg := protocol.NewRegistry("bridge.example")
	reg.Register(p)
	e := New(reg, store, time.Hour, 0, "bridge.example")

	obj, err := e.Load(context.Background(), "https://x/note1", RemoteAuto, true)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "web", obj.SourceProtocol)
	assert.True(t, *obj.New)
	assert.Equal(t, 1, store.puts)
}

func TestLoadSkipsFetchWhenFresh(t *testing.T) {
	store := newFakeStore()
	store.objects["id1"] = &model.Object{ID: "id1", Updated: time.Now(), OurAS1: map[string]any{"objectType": "note"}}
	p := &fakeFetchProto{label: "web", fetchOK: true}
	reg := protocol.NewRegistry("bridge.example")
	reg.Register(p)
	e := New(reg, store, time.Hour, 0, "bridge.example")

	obj, err := e.Load(context.Background(), "id1", RemoteAuto, true)
	require.NoError(t, err)
	assert.Equal(t, 0, store.puts)
	assert.NotNil(t, obj)
}

func TestLoadRefetchesWhenStale(t *testing.T) {
	store := newFakeStore()
	store.objects["id1"] = &model.Object{ID: "id1", Updated: time.Now().Add(-2 * time.Hour), SourceProtocol: "web", OurAS1: map[string]any{"objectType": "note"}}
	p := &fakeFetchProto{label: "web", fetchOK: true, populate: map[string]any{"objectType": "note", "content": "updated"}}
	reg := protocol.NewRegistry("bridge.example")
	reg.Register(p)
	e := New(reg, store, time.Hour, 0, "bridge.example")

	obj, err := e.Load(context.Background(), "id1", RemoteAuto, true)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.True(t, *obj.Changed)
	assert.False(t, *obj.New)
	assert.Equal(t, 1, store.puts)
}

func TestLoadEnforcesSizeCap(t *testing.T) {
	store := newFakeStore()
	p := &fakeFetchProto{label: "web", fetchOK: true, populate: map[string]any{"objectType": "note", "content": "this is a fairly long payload used to exceed a tiny cap"}}
	reg := protocol.NewRegistry("bridge.example")
	reg.Register(p)
	e := New(reg, store, time.Hour, 10, "bridge.example")

	_, err := e.Load(context.Background(), "https://x/note1", RemoteAuto, true)
	assert.Error(t, err)
}

func TestLoadFetchErrorPropagates(t *testing.T) {
	store := newFakeStore()
	p := &fakeFetchProto{label: "web", fetchErr: assert.AnError}
	reg := protocol.NewRegistry("bridge.example")
	reg.Register(p)
	e := New(reg, store, time.Hour, 0, "bridge.example")

	_, err := e.Load(context.Background(), "https://x/note1", RemoteAuto, true)
	assert.Error(t, err)
}

func TestResolveAndNormalizeNoopWhenProtocolUnknown(t *testing.T) {
	store := newFakeStore()
	reg := protocol.NewRegistry("bridge.example")
	e := New(reg, store, time.Hour, 0, "bridge.example")

	obj := &model.Object{ID: "id1", SourceProtocol: "missing", OurAS1: map[string]any{"objectType": "note"}}
	before := obj.OurAS1
	e.ResolveAndNormalize(context.Background(), obj)
	assert.Equal(t, before, obj.OurAS1)
}
