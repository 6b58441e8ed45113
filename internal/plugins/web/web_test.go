package web

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/klppl/bridge/internal/config"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
)

func TestOwnsID(t *testing.T) {
	p := New(&config.Config{})
	assert.Equal(t, protocol.Unknown, p.OwnsID("https://example.com/alice"))
	assert.Equal(t, protocol.No, p.OwnsID("at://did:plc:abc/app.bsky.feed.post/1"))
	assert.Equal(t, protocol.No, p.OwnsID("not a url"))
}

func TestOwnsHandle(t *testing.T) {
	p := New(&config.Config{})
	assert.Equal(t, protocol.Unknown, p.OwnsHandle("example.com", false))
	assert.Equal(t, protocol.Unknown, p.OwnsHandle("@example.com", false))
	assert.Equal(t, protocol.No, p.OwnsHandle("alice@example.com", false))
	assert.Equal(t, protocol.No, p.OwnsHandle("noDot", false))
}

func TestHandleToID(t *testing.T) {
	p := New(&config.Config{})
	id, ok := p.HandleToID(nil, "example.com")
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/", id)

	_, ok = p.HandleToID(nil, "")
	assert.False(t, ok)
}

func TestKeyFor(t *testing.T) {
	p := New(&config.Config{})
	k, ok := p.KeyFor("HTTPS://Example.COM/y/")
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/y", k)
}

func TestIsBlocklisted(t *testing.T) {
	cfg := &config.Config{SuperDomain: "bridge.example", DomainBlocklist: []string{"spam.example"}}
	p := New(cfg)
	assert.True(t, p.IsBlocklisted("https://spam.example/x", false))
	assert.True(t, p.IsBlocklisted("https://web.bridge.example/alice", false))
	assert.False(t, p.IsBlocklisted("https://web.bridge.example/alice", true))
	assert.False(t, p.IsBlocklisted("https://good.example/x", false))
	assert.True(t, p.IsBlocklisted("://bad url", false))
}

func TestBridgedWebURLFor(t *testing.T) {
	p := New(&config.Config{})
	_, ok := p.BridgedWebURLFor(nil)
	assert.False(t, ok)

	url, ok := p.BridgedWebURLFor(&model.User{ID: "https://example.com/"})
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/", url)
}

func TestParsePageExtractsTitleAndDescription(t *testing.T) {
	body := `<html><head><title>Hello</title><meta name="description" content="a page"></head><body></body></html>`
	page := parsePage(body, "https://example.com/post")
	assert.Equal(t, "https://example.com/post", page["id"])
	assert.Equal(t, "article", page["objectType"])
	assert.Equal(t, "Hello", page["displayName"])
	assert.Equal(t, "a page", page["summary"])
}

func TestParsePagePrefersOgTitleWhenTitleMissing(t *testing.T) {
	body := `<html><head><meta property="og:title" content="OG Title"><meta property="og:description" content="og desc"></head></html>`
	page := parsePage(body, "https://example.com/post")
	assert.Equal(t, "OG Title", page["displayName"])
	assert.Equal(t, "og desc", page["summary"])
}

func TestFindLinkRel(t *testing.T) {
	body := `<html><head><link rel="webmention" href="/wm"><link rel="alternate" href="/feed"></head></html>`
	assert.Equal(t, "/wm", findLinkRel(body, "webmention"))
	assert.Equal(t, "/feed", findLinkRel(body, "alternate"))
	assert.Equal(t, "", findLinkRel(body, "missing"))
}

func TestAbsoluteURL(t *testing.T) {
	assert.Equal(t, "https://example.com/wm", absoluteURL("https://example.com/post", "/wm"))
	assert.Equal(t, "https://other.example/wm", absoluteURL("https://example.com/post", "https://other.example/wm"))
}

func TestConvertAppendsBridgedNoticeForNonDirectUser(t *testing.T) {
	cfg := &config.Config{PrimaryDomain: "bridge.example"}
	p := New(cfg)
	obj := &model.Object{OurAS1: map[string]any{"content": "hi", "summary": "s"}}
	fromUser := &model.User{Protocol: "activitypub", Direct: false}

	out, err := p.Convert(nil, obj, fromUser)
	assert.NoError(t, err)
	html, ok := out.(string)
	assert.True(t, ok)
	assert.Contains(t, html, "hi")
	assert.Contains(t, html, "bridged from activitypub")
}

func TestConvertOmitsNoticeForDirectUser(t *testing.T) {
	p := New(&config.Config{})
	obj := &model.Object{OurAS1: map[string]any{"content": "hi"}}
	fromUser := &model.User{Protocol: "activitypub", Direct: true}

	out, err := p.Convert(nil, obj, fromUser)
	assert.NoError(t, err)
	html, ok := out.(string)
	assert.True(t, ok)
	assert.NotContains(t, html, "bridged from")
}
