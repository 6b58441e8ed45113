package receive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/bridge/internal/config"
	"github.com/klppl/bridge/internal/deliver"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
	"github.com/klppl/bridge/internal/tasks"
)

// fakeStore backs every persistence interface the pipeline, planner, and
// task runner need: objects, users (by protocol+key and by bare key), and
// follower edges.
type fakeStore struct {
	objects     map[string]*model.Object
	usersByPK   map[string]*model.User
	usersByKey  map[string]*model.User
	followers   map[string]*model.Follower
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:    map[string]*model.Object{},
		usersByPK:  map[string]*model.User{},
		usersByKey: map[string]*model.User{},
		followers:  map[string]*model.Follower{},
	}
}

func (s *fakeStore) GetObject(ctx context.Context, id string) (*model.Object, bool) {
	o, ok := s.objects[id]
	return o, ok
}

func (s *fakeStore) PutObject(ctx context.Context, obj *model.Object) error {
	s.objects[obj.ID] = obj
	return nil
}

func (s *fakeStore) GetOrCreateObject(ctx context.Context, id, authedAs string, create func() *model.Object) (*model.Object, bool, error) {
	if existing, ok := s.objects[id]; ok {
		return existing, false, nil
	}
	obj := create()
	obj.ID = id
	s.objects[id] = obj
	return obj, true, nil
}

func (s *fakeStore) GetUser(ctx context.Context, proto, key string) (*model.User, bool) {
	v, ok := s.usersByPK[proto+"|"+key]
	return v, ok
}

func (s *fakeStore) GetUserByKey(ctx context.Context, key string) (*model.User, bool) {
	v, ok := s.usersByKey[key]
	return v, ok
}

func (s *fakeStore) PutUser(ctx context.Context, u *model.User) error {
	s.usersByPK[u.Protocol+"|"+u.ID] = u
	s.usersByKey[u.Key()] = u
	return nil
}

func (s *fakeStore) PutFollower(ctx context.Context, f *model.Follower) error {
	s.followers[f.From+"|"+f.To] = f
	return nil
}

func (s *fakeStore) FollowersOf(ctx context.Context, toKey string, activeOnly bool) ([]model.Follower, error) {
	var out []model.Follower
	for _, f := range s.followers {
		if f.To != toKey {
			continue
		}
		if activeOnly && f.Status != model.FollowerActive {
			continue
		}
		out = append(out, *f)
	}
	return out, nil
}

func (s *fakeStore) FollowingOf(ctx context.Context, fromKey string, activeOnly bool) ([]model.Follower, error) {
	var out []model.Follower
	for _, f := range s.followers {
		if f.From != fromKey {
			continue
		}
		if activeOnly && f.Status != model.FollowerActive {
			continue
		}
		out = append(out, *f)
	}
	return out, nil
}

// fakeProto is a configurable Protocol used to drive the pipeline without
// any real network protocol behind it.
type fakeProto struct {
	label, abbrev    string
	ownsAll          bool
	hasFollowAccepts bool
	hasCopies        bool
	targetURI        string
	sendCalls        int
	sendOutcome      protocol.SendOutcome
	sendErr          error
}

func (p *fakeProto) Label() string         { return p.label }
func (p *fakeProto) Abbrev() string        { return p.abbrev }
func (p *fakeProto) HasFollowAccepts() bool { return p.hasFollowAccepts }
func (p *fakeProto) HasCopies() bool        { return p.hasCopies }
func (p *fakeProto) RequiresAvatar() bool              { return false }
func (p *fakeProto) RequiresName() bool                { return false }
func (p *fakeProto) RequiresOldAccount() bool          { return false }
func (p *fakeProto) DefaultEnabledProtocols() []string { return nil }
func (p *fakeProto) OwnsID(id string) protocol.Tri {
	if p.ownsAll {
		return protocol.Yes
	}
	return protocol.No
}
func (p *fakeProto) OwnsHandle(handle string, allowInternal bool) protocol.Tri {
	return protocol.Unknown
}
func (p *fakeProto) HandleToID(ctx context.Context, handle string) (string, bool) { return "", false }
func (p *fakeProto) KeyFor(id string) (string, bool)                             { return id, true }
func (p *fakeProto) Fetch(ctx context.Context, obj *model.Object) (bool, error)   { return false, nil }
func (p *fakeProto) Send(ctx context.Context, obj *model.Object, uri string, fromUser *model.User, origObj *model.Object) (protocol.SendOutcome, error) {
	p.sendCalls++
	return p.sendOutcome, p.sendErr
}
func (p *fakeProto) Convert(ctx context.Context, obj *model.Object, fromUser *model.User) (any, error) {
	return nil, nil
}
func (p *fakeProto) TargetFor(ctx context.Context, obj *model.Object, shared bool) (string, bool) {
	if p.targetURI == "" {
		return "", false
	}
	return p.targetURI, true
}
func (p *fakeProto) BridgedWebURLFor(user *model.User) (string, bool)  { return "", false }
func (p *fakeProto) IsBlocklisted(url string, allowInternal bool) bool { return false }

// newTestPipeline wires a Pipeline against a shared fakeStore and registry,
// with Fetch left nil since none of these scenarios exercise remote
// hydration (covered separately in fetchengine_test.go).
func newTestPipeline(reg *protocol.Registry, store *fakeStore) *Pipeline {
	cfg := &config.Config{}
	planner := deliver.New(reg, store, store, store, cfg)
	runner := tasks.NewRunner(reg, store, store, true, 1)
	p := New(reg, store, store, store, nil, planner, runner, cfg)
	runner.SetReceiveHandler(func(ctx context.Context, objectID, authedAs string) (int, error) {
		obj, ok := store.GetObject(ctx, objectID)
		if !ok {
			return 404, nil
		}
		return p.Receive(ctx, obj, authedAs, false)
	})
	return p
}

func TestReceiveNewPostPersistedAndFannedOut(t *testing.T) {
	store := newFakeStore()
	reg := protocol.NewRegistry("bridge.example")
	web := &fakeProto{label: "web", abbrev: "web", ownsAll: true, targetURI: "https://bob.example/inbox", sendOutcome: protocol.Sent}
	reg.Register(web)
	pipeline := newTestPipeline(reg, store)

	store.followers["https://bob.example/bob|https://alice.example/alice"] = &model.Follower{
		From: "https://bob.example/bob", To: "https://alice.example/alice", Status: model.FollowerActive,
	}
	store.usersByKey["https://bob.example/bob"] = &model.User{ID: "https://bob.example/bob", Protocol: "web"}

	obj := &model.Object{
		ID: "https://alice.example/posts/1",
		OurAS1: map[string]any{
			"objectType": "note",
			"id":         "https://alice.example/posts/1",
			"author":     "https://alice.example/alice",
			"content":    "hello world",
		},
	}

	status, err := pipeline.Receive(context.Background(), obj, "https://alice.example/alice", false)
	require.NoError(t, err)
	assert.Equal(t, 202, status)

	stored, ok := store.GetObject(context.Background(), "https://alice.example/posts/1")
	require.True(t, ok)
	assert.Equal(t, "post", stored.Type())
	assert.Contains(t, stored.Delivered, model.Target{Protocol: "web", URI: "https://bob.example/inbox"})
	assert.Equal(t, model.StatusComplete, stored.Status)
	assert.Equal(t, 1, web.sendCalls)
	assert.Contains(t, stored.Notify, "https://bob.example/bob")
}

func TestReceiveDuplicateActivityIsIdempotent(t *testing.T) {
	store := newFakeStore()
	reg := protocol.NewRegistry("bridge.example")
	web := &fakeProto{label: "web", abbrev: "web", ownsAll: true}
	reg.Register(web)
	pipeline := newTestPipeline(reg, store)

	activity := func() *model.Object {
		return &model.Object{
			ID: "https://alice.example/posts/2#create",
			OurAS1: map[string]any{
				"objectType": "activity",
				"verb":       "post",
				"id":         "https://alice.example/posts/2#create",
				"actor":      "https://alice.example/alice",
				"object": map[string]any{
					"objectType": "note",
					"id":         "https://alice.example/posts/2",
					"author":     "https://alice.example/alice",
				},
			},
		}
	}

	status1, err1 := pipeline.Receive(context.Background(), activity(), "https://alice.example/alice", false)
	require.NoError(t, err1)
	assert.Equal(t, 202, status1)

	status2, err2 := pipeline.Receive(context.Background(), activity(), "https://alice.example/alice", false)
	assert.Equal(t, 204, status2)
	assert.Error(t, err2)
}

func TestReceiveFollowCreatesEdgeAndAccept(t *testing.T) {
	store := newFakeStore()
	reg := protocol.NewRegistry("bridge.example")
	proto := &fakeProto{label: "activitypub", abbrev: "ap", ownsAll: true, hasFollowAccepts: false}
	reg.Register(proto)
	pipeline := newTestPipeline(reg, store)

	obj := &model.Object{
		ID: "https://alice.example/follow/1",
		OurAS1: map[string]any{
			"objectType": "activity",
			"verb":       "follow",
			"id":         "https://alice.example/follow/1",
			"actor":      "https://alice.example/alice",
			"object":     "https://bob.example/bob",
		},
	}

	status, err := pipeline.Receive(context.Background(), obj, "https://alice.example/alice", false)
	require.NoError(t, err)
	assert.Equal(t, 202, status)

	f, ok := store.followers["https://alice.example/alice|https://bob.example/bob"]
	require.True(t, ok)
	assert.Equal(t, model.FollowerActive, f.Status)

	_, acceptOK := store.GetObject(context.Background(), obj.ID+"#accept")
	assert.True(t, acceptOK, "an accept object should be synthesized for a followee protocol without explicit accepts")
}

func TestReceiveDeleteMarksDeletedAndDeactivatesFollowers(t *testing.T) {
	store := newFakeStore()
	reg := protocol.NewRegistry("bridge.example")
	web := &fakeProto{label: "web", abbrev: "web", ownsAll: true}
	reg.Register(web)
	pipeline := newTestPipeline(reg, store)

	store.followers["https://bob.example/bob|https://alice.example/alice"] = &model.Follower{
		From: "https://bob.example/bob", To: "https://alice.example/alice", Status: model.FollowerActive,
	}

	obj := &model.Object{
		ID: "https://alice.example/delete-self",
		OurAS1: map[string]any{
			"objectType": "activity",
			"verb":       "delete",
			"id":         "https://alice.example/delete-self",
			"actor":      "https://alice.example/alice",
			"object":     "https://alice.example/alice",
		},
	}

	_, err := pipeline.Receive(context.Background(), obj, "https://alice.example/alice", false)
	require.NoError(t, err)

	deletedActor, ok := store.GetObject(context.Background(), "https://alice.example/alice")
	require.True(t, ok)
	assert.True(t, deletedActor.Deleted)

	edge := store.followers["https://bob.example/bob|https://alice.example/alice"]
	require.NotNil(t, edge)
	assert.Equal(t, model.FollowerInactive, edge.Status)
}

func newBlockTestRegistry() (*protocol.Registry, *fakeProto, *fakeProto) {
	reg := protocol.NewRegistry("bridge.example")
	web := &fakeProto{label: "web", abbrev: "web", ownsAll: true}
	bot := &fakeProto{label: "atproto", abbrev: "bsky", hasCopies: true}
	reg.Register(web)
	reg.Register(bot)
	return reg, web, bot
}

func TestReceiveBlockDisablesProtocolAndDeletesCopy(t *testing.T) {
	store := newFakeStore()
	reg, _, _ := newBlockTestRegistry()
	pipeline := newTestPipeline(reg, store)

	store.PutUser(context.Background(), &model.User{
		ID: "https://alice.example/alice", Protocol: "web",
		EnabledProtocols: []string{"atproto"},
		Copies:           []model.Target{{Protocol: "atproto", URI: "did:plc:alice"}},
	})

	obj := &model.Object{
		ID: "https://alice.example/block/1",
		OurAS1: map[string]any{
			"objectType": "activity",
			"verb":       "block",
			"id":         "https://alice.example/block/1",
			"actor":      "https://alice.example/alice",
			"object":     "https://bsky.bridge.example/users/bot",
		},
	}

	status, err := pipeline.Receive(context.Background(), obj, "https://alice.example/alice", false)
	require.NoError(t, err)
	assert.Equal(t, 200, status)

	u, ok := store.GetUser(context.Background(), "web", "https://alice.example/alice")
	require.True(t, ok)
	assert.NotContains(t, u.EnabledProtocols, "atproto")

	_, copyDeleteOK := store.GetObject(context.Background(), "https://alice.example/alice#delete-copy-atproto")
	assert.True(t, copyDeleteOK, "a delete-copy object should be synthesized when blocking a HasCopies protocol")
}

func TestReceiveDMYesOptsIn(t *testing.T) {
	store := newFakeStore()
	reg, _, _ := newBlockTestRegistry()
	pipeline := newTestPipeline(reg, store)

	obj := &model.Object{
		ID: "https://alice.example/dm/1",
		OurAS1: map[string]any{
			"objectType": "activity",
			"verb":       "post",
			"id":         "https://alice.example/dm/1",
			"actor":      "https://alice.example/alice",
			"object": map[string]any{
				"objectType": "note",
				"id":         "https://alice.example/dm/1/note",
				"content":    "yes",
				"to":         "https://bsky.bridge.example/users/bot",
			},
		},
	}

	status, err := pipeline.Receive(context.Background(), obj, "https://alice.example/alice", false)
	require.NoError(t, err)
	assert.Equal(t, 200, status)

	u, ok := store.GetUser(context.Background(), "web", "https://alice.example/alice")
	require.True(t, ok)
	assert.Contains(t, u.EnabledProtocols, "atproto")

	var botFollow *model.Object
	for id, o := range store.objects {
		if o.Type() == "follow" && id != obj.ID {
			botFollow = o
		}
	}
	require.NotNil(t, botFollow, "a reciprocal follow from the bot back to the user should be synthesized")
	act := botFollow.OurAS1
	assert.Equal(t, "https://bsky.bridge.example/users/bot", act["actor"])
	assert.Equal(t, "https://alice.example/alice", act["object"])
}

func TestReceiveDMNoOptsOut(t *testing.T) {
	store := newFakeStore()
	reg, _, _ := newBlockTestRegistry()
	pipeline := newTestPipeline(reg, store)

	store.PutUser(context.Background(), &model.User{
		ID: "https://alice.example/alice", Protocol: "web",
		EnabledProtocols: []string{"atproto"},
		Copies:           []model.Target{{Protocol: "atproto", URI: "did:plc:alice"}},
	})

	obj := &model.Object{
		ID: "https://alice.example/dm/2",
		OurAS1: map[string]any{
			"objectType": "activity",
			"verb":       "post",
			"id":         "https://alice.example/dm/2",
			"actor":      "https://alice.example/alice",
			"object": map[string]any{
				"objectType": "note",
				"id":         "https://alice.example/dm/2/note",
				"content":    "no",
				"to":         "https://bsky.bridge.example/users/bot",
			},
		},
	}

	status, err := pipeline.Receive(context.Background(), obj, "https://alice.example/alice", false)
	require.NoError(t, err)
	assert.Equal(t, 200, status)

	u, ok := store.GetUser(context.Background(), "web", "https://alice.example/alice")
	require.True(t, ok)
	assert.NotContains(t, u.EnabledProtocols, "atproto")

	_, copyDeleteOK := store.GetObject(context.Background(), "https://alice.example/alice#delete-copy-atproto")
	assert.True(t, copyDeleteOK)
}
