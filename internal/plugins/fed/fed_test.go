package fed

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/klppl/bridge/internal/config"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
)

func TestOwnsID(t *testing.T) {
	p := New(&config.Config{}, nil, "")
	assert.Equal(t, protocol.Unknown, p.OwnsID("https://instance.example/users/alice"))
	assert.Equal(t, protocol.No, p.OwnsID("not a url"))
	assert.Equal(t, protocol.No, p.OwnsID("at://did:plc:abc/app.bsky.feed.post/1"))
}

func TestOwnsHandle(t *testing.T) {
	p := New(&config.Config{}, nil, "")
	assert.Equal(t, protocol.Yes, p.OwnsHandle("@alice@instance.example", false))
	assert.Equal(t, protocol.Yes, p.OwnsHandle("alice@instance.example", false))
	assert.Equal(t, protocol.No, p.OwnsHandle("instance.example", false))
	assert.Equal(t, protocol.No, p.OwnsHandle("noAt", false))
}

func TestKeyFor(t *testing.T) {
	p := New(&config.Config{}, nil, "")
	k, ok := p.KeyFor("https://instance.example/users/alice/")
	assert.True(t, ok)
	assert.Equal(t, "https://instance.example/users/alice", k)

	_, ok = p.KeyFor("")
	assert.False(t, ok)
}

func TestIsBlocklisted(t *testing.T) {
	cfg := &config.Config{SuperDomain: "bridge.example", DomainBlocklist: []string{"spam.example"}}
	p := New(cfg, nil, "")
	assert.True(t, p.IsBlocklisted("https://spam.example/x", false))
	assert.True(t, p.IsBlocklisted("https://ap.bridge.example/actor", false))
	assert.False(t, p.IsBlocklisted("https://ap.bridge.example/actor", true))
	assert.False(t, p.IsBlocklisted("https://good.example/x", false))
	assert.True(t, p.IsBlocklisted("://bad url", false))
}

func TestAS2ToAS1RoundTripsActivityVerb(t *testing.T) {
	as2 := map[string]interface{}{
		"type":   "Follow",
		"id":     "https://instance.example/follow/1",
		"actor":  "https://instance.example/users/alice",
		"object": "https://w-user.example/",
	}
	as1 := as2ToAS1(as2)
	assert.Equal(t, "follow", as1["verb"])
	assert.Equal(t, "activity", as1["objectType"])
	assert.NotContains(t, as1, "type")

	back := as1ToAS2(as1)
	assert.Equal(t, "Follow", back["type"])
	assert.NotContains(t, back, "verb")
	assert.NotContains(t, back, "objectType")
}

func TestAS2ToAS1ConvertsObjectKind(t *testing.T) {
	as2 := map[string]interface{}{"type": "Note", "content": "hi"}
	as1 := as2ToAS1(as2)
	assert.Equal(t, "note", as1["objectType"])
	assert.NotContains(t, as1, "verb")
}

func TestConvertAppendsBridgedNoticeForNonDirectUser(t *testing.T) {
	cfg := &config.Config{PrimaryDomain: "bridge.example"}
	p := New(cfg, nil, "")
	obj := &model.Object{OurAS1: map[string]any{
		"verb":  "post",
		"actor": map[string]any{"summary": ""},
	}}
	fromUser := &model.User{Protocol: "nostr", Direct: false}

	out, err := p.Convert(nil, obj, fromUser)
	assert.NoError(t, err)
	payload, ok := out.(map[string]interface{})
	assert.True(t, ok)
	actor, ok := payload["actor"].(map[string]interface{})
	assert.True(t, ok)
	assert.Contains(t, actor["summary"], "bridged from nostr")
}

func TestConvertOmitsNoticeForDirectUser(t *testing.T) {
	p := New(&config.Config{}, nil, "")
	obj := &model.Object{OurAS1: map[string]any{
		"verb":  "post",
		"actor": map[string]any{"summary": ""},
	}}
	fromUser := &model.User{Protocol: "nostr", Direct: true}

	out, err := p.Convert(nil, obj, fromUser)
	assert.NoError(t, err)
	payload := out.(map[string]interface{})
	actor := payload["actor"].(map[string]interface{})
	assert.Equal(t, "", actor["summary"])
}
