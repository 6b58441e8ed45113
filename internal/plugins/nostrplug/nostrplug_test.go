package nostrplug

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/bridge/internal/config"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
)

const hexPubkey = "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"

func TestOwnsID(t *testing.T) {
	p := New(&config.Config{}, nil, nil, nil, nil)
	assert.Equal(t, protocol.Yes, p.OwnsID(hexPubkey))
	assert.Equal(t, protocol.Yes, p.OwnsID("nostr:npub1xxxxxxx"))
	assert.Equal(t, protocol.Yes, p.OwnsID("nevent1xxxxxxx"))
	assert.Equal(t, protocol.No, p.OwnsID("https://example.com/alice"))
}

func TestOwnsHandle(t *testing.T) {
	p := New(&config.Config{}, nil, nil, nil, nil)
	assert.Equal(t, protocol.Unknown, p.OwnsHandle("alice@example.com", false))
	assert.Equal(t, protocol.No, p.OwnsHandle("not-a-nip05", false))
}

func TestKeyForHexPassesThrough(t *testing.T) {
	p := New(&config.Config{}, nil, nil, nil, nil)
	k, ok := p.KeyFor(hexPubkey)
	assert.True(t, ok)
	assert.Equal(t, hexPubkey, k)

	_, ok = p.KeyFor("garbage")
	assert.False(t, ok)
}

func TestTargetForReturnsFirstRelay(t *testing.T) {
	p := New(&config.Config{}, nil, nil, nil, []string{"wss://relay1", "wss://relay2"})
	uri, ok := p.TargetFor(nil, &model.Object{}, false)
	assert.True(t, ok)
	assert.Equal(t, "wss://relay1", uri)

	pNoRelays := New(&config.Config{}, nil, nil, nil, nil)
	_, ok = pNoRelays.TargetFor(nil, &model.Object{}, false)
	assert.False(t, ok)
}

func TestIsBlocklistedAlwaysFalse(t *testing.T) {
	p := New(&config.Config{DomainBlocklist: []string{"spam.example"}}, nil, nil, nil, nil)
	assert.False(t, p.IsBlocklisted("https://spam.example/x", false))
}

func TestBridgedWebURLFor(t *testing.T) {
	p := New(&config.Config{}, nil, nil, nil, nil)
	url, ok := p.BridgedWebURLFor(&model.User{ID: hexPubkey})
	require.True(t, ok)
	assert.Contains(t, url, "https://njump.me/npub1")

	_, ok = p.BridgedWebURLFor(nil)
	assert.False(t, ok)

	_, ok = p.BridgedWebURLFor(&model.User{ID: "not-hex"})
	assert.False(t, ok)
}

func TestEventToAS1(t *testing.T) {
	event := &nostr.Event{ID: "abc123", Content: "hello", PubKey: hexPubkey}
	out := eventToAS1(event)
	assert.Equal(t, "abc123", out["id"])
	assert.Equal(t, "note", out["objectType"])
	assert.Equal(t, "hello", out["content"])
	assert.Equal(t, hexPubkey, out["author"])
}

func TestBuildEventPost(t *testing.T) {
	act := map[string]any{
		"verb": "post",
		"object": map[string]any{
			"id":      "https://example.com/post/1",
			"content": "hi there",
		},
	}
	event, ok := buildEvent(act, &config.Config{})
	require.True(t, ok)
	assert.Equal(t, 1, event.Kind)
}

func TestBuildEventDeleteRequiresTarget(t *testing.T) {
	_, ok := buildEvent(map[string]any{"verb": "delete"}, &config.Config{})
	assert.False(t, ok)

	event, ok := buildEvent(map[string]any{"verb": "delete", "object": "abc123"}, &config.Config{})
	require.True(t, ok)
	assert.Equal(t, 5, event.Kind)
}

func TestBuildEventLikeAndShare(t *testing.T) {
	event, ok := buildEvent(map[string]any{"verb": "like", "object": "abc123"}, &config.Config{})
	require.True(t, ok)
	assert.Equal(t, 7, event.Kind)

	event, ok = buildEvent(map[string]any{"verb": "share", "object": "abc123"}, &config.Config{})
	require.True(t, ok)
	assert.Equal(t, 6, event.Kind)
}

func TestBuildEventUnknownVerb(t *testing.T) {
	_, ok := buildEvent(map[string]any{"verb": "follow", "object": "abc123"}, &config.Config{})
	assert.False(t, ok)
}
