package atproto

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/klppl/bridge/internal/bsky"
	"github.com/klppl/bridge/internal/config"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
)

func TestOwnsID(t *testing.T) {
	p := New(&config.Config{}, nil)
	assert.Equal(t, protocol.Yes, p.OwnsID("did:plc:abc123"))
	assert.Equal(t, protocol.Yes, p.OwnsID("did:web:example.com"))
	assert.Equal(t, protocol.Yes, p.OwnsID("at://did:plc:abc/app.bsky.feed.post/1"))
	assert.Equal(t, protocol.Yes, p.OwnsID("https://bsky.app/profile/alice.bsky.social"))
	assert.Equal(t, protocol.No, p.OwnsID("https://example.com/alice"))
}

func TestOwnsHandle(t *testing.T) {
	p := New(&config.Config{}, nil)
	assert.Equal(t, protocol.Unknown, p.OwnsHandle("alice.bsky.social", false))
	assert.Equal(t, protocol.No, p.OwnsHandle("alice@example.com", false))
	assert.Equal(t, protocol.No, p.OwnsHandle("noDot", false))
}

func TestKeyFor(t *testing.T) {
	p := New(&config.Config{}, nil)
	k, ok := p.KeyFor("did:plc:abc123")
	assert.True(t, ok)
	assert.Equal(t, "did:plc:abc123", k)

	_, ok = p.KeyFor("")
	assert.False(t, ok)
}

func TestIsBlocklisted(t *testing.T) {
	cfg := &config.Config{DomainBlocklist: []string{"spam.example"}}
	p := New(cfg, nil)
	assert.True(t, p.IsBlocklisted("https://spam.example/x", false))
	assert.False(t, p.IsBlocklisted("https://good.example/x", false))
	assert.False(t, p.IsBlocklisted("not a url\x7f", false))
}

func TestTargetForUsesServiceAccountDID(t *testing.T) {
	client := bsky.NewClient("service.bsky.social", "app-password")
	p := New(&config.Config{}, client)
	_, ok := p.TargetFor(nil, &model.Object{}, false)
	assert.False(t, ok, "service account has no DID configured in this test")

	pNoClient := New(&config.Config{}, nil)
	_, ok = pNoClient.TargetFor(nil, &model.Object{}, false)
	assert.False(t, ok)
}

func TestBridgedWebURLFor(t *testing.T) {
	p := New(&config.Config{}, nil)
	url, ok := p.BridgedWebURLFor(&model.User{Handle: "alice.bsky.social"})
	assert.True(t, ok)
	assert.Equal(t, "https://bsky.app/profile/alice.bsky.social", url)

	url, ok = p.BridgedWebURLFor(&model.User{ID: "did:plc:abc"})
	assert.True(t, ok)
	assert.Equal(t, "https://bsky.app/profile/did:plc:abc", url)

	_, ok = p.BridgedWebURLFor(nil)
	assert.False(t, ok)
}

func TestProfileToAS1(t *testing.T) {
	pr := &bsky.Profile{DID: "did:plc:abc", Handle: "alice.bsky.social", DisplayName: "Alice", Description: "bio", Avatar: "https://img"}
	out := profileToAS1(pr)
	assert.Equal(t, "did:plc:abc", out["id"])
	assert.Equal(t, "person", out["objectType"])
	assert.Equal(t, "Alice", out["displayName"])
	assert.Equal(t, "bio", out["summary"])
	assert.Equal(t, "https://bsky.app/profile/alice.bsky.social", out["url"])
}

func TestPostToAS1ExtractsTextFromRecord(t *testing.T) {
	post := bsky.TimelinePost{
		URI:    "at://did:plc:abc/app.bsky.feed.post/1",
		Author: bsky.NotifAuthor{DID: "did:plc:abc"},
		Record: map[string]any{"text": "hello world"},
	}
	out := postToAS1(post)
	assert.Equal(t, "note", out["objectType"])
	assert.Equal(t, "hello world", out["content"])
	assert.Equal(t, "did:plc:abc", out["author"])
}

func TestPostRecordUsesObjectContentForPostVerb(t *testing.T) {
	act := map[string]any{
		"verb": "post",
		"object": map[string]any{
			"content": "the actual text",
		},
	}
	rec := postRecord(act)
	assert.Equal(t, "the actual text", rec.Text)
	assert.Equal(t, "app.bsky.feed.post", rec.Type)
}

func TestPostRecordFallsBackToSummary(t *testing.T) {
	act := map[string]any{
		"verb": "post",
		"object": map[string]any{
			"summary": "a summary",
		},
	}
	rec := postRecord(act)
	assert.Equal(t, "a summary", rec.Text)
}
