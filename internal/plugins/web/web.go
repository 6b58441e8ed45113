// Package web implements the website-centric protocol plugin (W in the
// bridge's terminology): a bridged identity is simply a person's own web
// page, posts are their page's content, and delivery happens over
// webmention rather than a signed inbox push. The fetch side follows
// internal/ap/client.go's shared http.Client-with-timeout idiom, generalized
// from AP's JSON-LD GET to a plain HTML GET; the webmention endpoint
// discovery cache is a mutex-guarded internal/lru.Cache instance.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/klppl/bridge/internal/as1"
	"github.com/klppl/bridge/internal/bridgeerr"
	"github.com/klppl/bridge/internal/config"
	"github.com/klppl/bridge/internal/lru"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
)

const (
	label  = "web"
	abbrev = "web"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Plugin implements protocol.Protocol for the website-centric protocol.
type Plugin struct {
	Config *config.Config

	// endpoints caches resolved webmention endpoints by page URL, guarded by
	// its own mutex — the webmention endpoint discovery cache.
	endpoints *lru.Cache[string, string]
}

// New constructs the web plugin.
func New(cfg *config.Config) *Plugin {
	capacity := 2000
	if cfg != nil && cfg.WebmentionLRUCapacity > 0 {
		capacity = cfg.WebmentionLRUCapacity
	}
	return &Plugin{Config: cfg, endpoints: lru.New[string, string](capacity)}
}

func (p *Plugin) Label() string  { return label }
func (p *Plugin) Abbrev() string { return abbrev }

func (p *Plugin) HasFollowAccepts() bool            { return false }
func (p *Plugin) HasCopies() bool                   { return false }
func (p *Plugin) RequiresAvatar() bool              { return false }
func (p *Plugin) RequiresName() bool                { return false }
func (p *Plugin) RequiresOldAccount() bool          { return false }
func (p *Plugin) DefaultEnabledProtocols() []string { return nil }

// OwnsID answers Unknown for any http(s) URL: a plain web page and an
// actor-inbox actor both live at an https URL, so the shape alone can't
// distinguish them — resolution falls to the fetch-trial phase of ForID,
// same as original_source/protocol.py's Web.owns_id.
func (p *Plugin) OwnsID(id string) protocol.Tri {
	u, err := url.Parse(id)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return protocol.No
	}
	return protocol.Unknown
}

// OwnsHandle matches a bare domain or "domain/path" with no "@" — web's
// handle is the user's own domain, unlike F's "user@domain" shape.
func (p *Plugin) OwnsHandle(handle string, allowInternal bool) protocol.Tri {
	h := strings.TrimPrefix(handle, "@")
	if strings.Contains(h, "@") {
		return protocol.No
	}
	if !strings.Contains(h, ".") {
		return protocol.No
	}
	return protocol.Unknown
}

// HandleToID treats the handle itself as the domain and returns its homepage.
func (p *Plugin) HandleToID(ctx context.Context, handle string) (string, bool) {
	h := strings.TrimPrefix(handle, "@")
	if h == "" {
		return "", false
	}
	return "https://" + h + "/", true
}

// KeyFor canonicalizes a web URL: lowercase scheme/host, strip a trailing
// slash so "https://x.com/y/" and "https://x.com/y" key the same user/page.
func (p *Plugin) KeyFor(id string) (string, bool) {
	u, err := url.Parse(id)
	if err != nil {
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return strings.TrimRight(u.String(), "/"), true
}

// Fetch GETs the page and extracts a minimal AS1 record from its <title> (or
// og:title) and description (or og:description) meta tag; no author link is
// read. This is a deliberately small subset of
// full microformats2 h-entry/h-card parsing (no mf2 parser library appears
// anywhere in the example pack; see DESIGN.md).
func (p *Plugin) Fetch(ctx context.Context, obj *model.Object) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, obj.ID, nil)
	if err != nil {
		return false, bridgeerr.Internal("build web fetch request", err)
	}
	req.Header.Set("Accept", "text/html")
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, bridgeerr.Transient(fmt.Sprintf("fetch %s", obj.ID), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		obj.Deleted = true
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return false, bridgeerr.Transient(fmt.Sprintf("fetch %s: status %d", obj.ID, resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return false, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return false, bridgeerr.Transient(fmt.Sprintf("read %s", obj.ID), err)
	}
	page := parsePage(string(body), obj.ID)
	if webmention := findLinkRel(string(body), "webmention"); webmention != "" {
		p.endpoints.Put(obj.ID, absoluteURL(obj.ID, webmention))
	}
	obj.OurAS1 = page
	obj.SourceProtocol = label
	return true, nil
}

// Send delivers a webmention: a simple form POST of source+target to the
// target page's discovered webmention endpoint. uri here is the target
// page's own URL; the webmention endpoint itself is resolved via TargetFor
// before this is called by the caller, but Send re-resolves defensively
// since targets can change between planning and delivery.
func (p *Plugin) Send(ctx context.Context, obj *model.Object, uri string, fromUser *model.User, origObj *model.Object) (protocol.SendOutcome, error) {
	if p.IsBlocklisted(uri, false) {
		return protocol.Refused, nil
	}
	endpoint, ok := p.webmentionEndpoint(ctx, uri)
	if !ok {
		return protocol.Refused, nil
	}
	source := as1.GetID(obj.OurAS1["id"])
	if source == "" {
		source = obj.ID
	}
	form := url.Values{"source": {source}, "target": {uri}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return protocol.Refused, bridgeerr.Internal("build webmention request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := httpClient.Do(req)
	if err != nil {
		return protocol.Refused, bridgeerr.Transient(fmt.Sprintf("webmention to %s", endpoint), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return protocol.Sent, nil
	}
	if resp.StatusCode >= 500 {
		return protocol.Refused, bridgeerr.Transient(fmt.Sprintf("webmention to %s: status %d", endpoint, resp.StatusCode), nil)
	}
	return protocol.Refused, nil
}

// Convert renders obj as a minimal h-entry HTML fragment.
func (p *Plugin) Convert(ctx context.Context, obj *model.Object, fromUser *model.User) (any, error) {
	content, _ := obj.OurAS1["content"].(string)
	summary, _ := obj.OurAS1["summary"].(string)
	if fromUser != nil && !fromUser.Direct {
		content += fmt.Sprintf("\n\n<p>bridged from %s by %s</p>", fromUser.Protocol, p.Config.PrimaryDomain)
	}
	return fmt.Sprintf(`<div class="h-entry"><div class="p-summary">%s</div><div class="e-content">%s</div></div>`, summary, content), nil
}

// TargetFor resolves the webmention endpoint for obj's owning page.
func (p *Plugin) TargetFor(ctx context.Context, obj *model.Object, shared bool) (string, bool) {
	ownerID := as1.Activity(obj.OurAS1).GetOwner()
	if ownerID == "" {
		ownerID = obj.ID
	}
	return p.webmentionEndpoint(ctx, ownerID)
}

// BridgedWebURLFor returns the user's own homepage — web is the one protocol
// where the canonical id already is the user-facing URL.
func (p *Plugin) BridgedWebURLFor(user *model.User) (string, bool) {
	if user == nil || user.ID == "" {
		return "", false
	}
	return user.ID, true
}

// IsBlocklisted reports whether url's host is configured as blocked, or
// (unless allowInternal) is the bridge's own superdomain.
func (p *Plugin) IsBlocklisted(rawURL string, allowInternal bool) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if p.Config != nil && p.Config.IsBlocklisted(host) {
		return true
	}
	if !allowInternal && p.Config != nil && strings.HasSuffix(host, "."+p.Config.SuperDomain) {
		return true
	}
	return false
}

// webmentionEndpoint returns the cached webmention endpoint for pageURL,
// fetching and discovering it on a cache miss.
func (p *Plugin) webmentionEndpoint(ctx context.Context, pageURL string) (string, bool) {
	if ep, ok := p.endpoints.Get(pageURL); ok {
		if ep == "" {
			return "", false
		}
		return ep, true
	}
	obj := &model.Object{ID: pageURL}
	if _, err := p.Fetch(ctx, obj); err != nil {
		p.endpoints.Put(pageURL, "")
		return "", false
	}
	ep, ok := p.endpoints.Get(pageURL)
	if !ok || ep == "" {
		p.endpoints.Put(pageURL, "")
		return "", false
	}
	return ep, true
}

// parsePage extracts a minimal AS1 article/person record from an HTML page.
func parsePage(body, pageURL string) map[string]any {
	doc, err := html.Parse(strings.NewReader(body))
	title, desc := "", ""
	if err == nil {
		walkMeta(doc, &title, &desc)
	}
	return map[string]any{
		"id":          pageURL,
		"objectType":  "article",
		"url":         pageURL,
		"displayName": title,
		"summary":     desc,
	}
}

func walkMeta(n *html.Node, title, desc *string) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "title":
			if n.FirstChild != nil {
				*title = n.FirstChild.Data
			}
		case "meta":
			var name, property, content string
			for _, a := range n.Attr {
				switch a.Key {
				case "name":
					name = a.Val
				case "property":
					property = a.Val
				case "content":
					content = a.Val
				}
			}
			if name == "description" || property == "og:description" {
				*desc = content
			}
			if property == "og:title" && *title == "" {
				*title = content
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkMeta(c, title, desc)
	}
}

// findLinkRel returns the href of the first <link rel="rel"> found in body.
func findLinkRel(body, rel string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}
	var found string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "link" {
			var href string
			var rels string
			for _, a := range n.Attr {
				switch a.Key {
				case "href":
					href = a.Val
				case "rel":
					rels = a.Val
				}
			}
			for _, r := range strings.Fields(rels) {
				if r == rel {
					found = href
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found
}

// absoluteURL resolves ref against base if ref is relative.
func absoluteURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
