// Package nostrplug implements a pluggable-other protocol plugin for Nostr
// (the "plus pluggable others"): relay-broadcast events addressed
// by hex pubkey/event id, bridged identities backed by per-origin derived
// keys. Built directly on klistr's internal/nostr (Publisher, Signer) and
// internal/bridge (NormalizedPost/BuildKind1Event), generalized from
// klistr's fixed AP<->Nostr mirror to the generic protocol.Protocol
// contract operating on as1.Activity/model.Object.
package nostrplug

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/klppl/bridge/internal/as1"
	"github.com/klppl/bridge/internal/bridge"
	"github.com/klppl/bridge/internal/bridgeerr"
	"github.com/klppl/bridge/internal/config"
	"github.com/klppl/bridge/internal/model"
	teachernostr "github.com/klppl/bridge/internal/nostr"
	"github.com/klppl/bridge/internal/protocol"
)

const (
	label  = "nostr"
	abbrev = "nostr"
)

var (
	hexID      = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	nip05Re    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	httpClient = &http.Client{Timeout: 10 * time.Second}
)

// Signer mints per-origin derived keys and signs events, mirroring how the
// bridge gives each bridged (non-nostr-native) actor a deterministic
// pseudonymous nostr identity instead of one shared bridge key.
type Signer interface {
	Sign(event *nostr.Event, originID string) error
	PublicKey(originID string) (string, error)
}

// RelayQuerier performs a one-shot point lookup against a relay, used by
// Fetch since relay pools expose a long-lived subscription, not a
// request/response primitive.
type RelayQuerier func(ctx context.Context, filter nostr.Filter) (*nostr.Event, bool)

// Plugin implements protocol.Protocol for Nostr.
type Plugin struct {
	Config    *config.Config
	Publisher *teachernostr.Publisher
	Signer    Signer
	Query     RelayQuerier // may be nil; Fetch then always misses
	Relays    []string     // write relays, used as the "shared endpoint" target
}

// New constructs the nostr plugin.
func New(cfg *config.Config, publisher *teachernostr.Publisher, signer Signer, query RelayQuerier, relays []string) *Plugin {
	return &Plugin{Config: cfg, Publisher: publisher, Signer: signer, Query: query, Relays: relays}
}

func (p *Plugin) Label() string  { return label }
func (p *Plugin) Abbrev() string { return abbrev }

func (p *Plugin) HasFollowAccepts() bool { return false }

// HasCopies is true: every bridged (non-nostr-native) actor needs a
// proactively derived keypair and published kind-0 metadata event before it
// can be addressed, the same "copy" shape as atproto's repo record.
func (p *Plugin) HasCopies() bool                   { return true }
func (p *Plugin) RequiresAvatar() bool              { return false }
func (p *Plugin) RequiresName() bool                { return false }
func (p *Plugin) RequiresOldAccount() bool          { return false }
func (p *Plugin) DefaultEnabledProtocols() []string { return nil }

// OwnsID recognizes 64-char hex event/pubkey ids, "nostr:" URIs, and
// npub/note/nevent bech32 strings.
func (p *Plugin) OwnsID(id string) protocol.Tri {
	if hexID.MatchString(id) {
		return protocol.Yes
	}
	bare := strings.TrimPrefix(id, "nostr:")
	if strings.HasPrefix(bare, "npub1") || strings.HasPrefix(bare, "note1") || strings.HasPrefix(bare, "nevent1") || strings.HasPrefix(bare, "nprofile1") {
		return protocol.Yes
	}
	return protocol.No
}

// OwnsHandle matches a NIP-05 "user@domain" identifier — ambiguous in shape
// with F's WebFinger handles, so only ever Unknown or No.
func (p *Plugin) OwnsHandle(handle string, allowInternal bool) protocol.Tri {
	h := strings.TrimPrefix(handle, "@")
	if !nip05Re.MatchString(h) {
		return protocol.No
	}
	return protocol.Unknown
}

// HandleToID resolves a NIP-05 identifier via its .well-known/nostr.json.
func (p *Plugin) HandleToID(ctx context.Context, handle string) (string, bool) {
	h := strings.TrimPrefix(handle, "@")
	parts := strings.SplitN(h, "@", 2)
	if len(parts) != 2 {
		return "", false
	}
	name, domain := parts[0], parts[1]
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s", domain, url.QueryEscape(name)), nil)
	if err != nil {
		return "", false
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}
	var out struct {
		Names map[string]string `json:"names"`
	}
	if json.Unmarshal(body, &out) != nil {
		return "", false
	}
	pk, ok := out.Names[name]
	if !ok || pk == "" {
		return "", false
	}
	return pk, true
}

// KeyFor decodes bech32 forms to their hex id and lowercases hex ids.
func (p *Plugin) KeyFor(id string) (string, bool) {
	bare := strings.TrimPrefix(id, "nostr:")
	if hexID.MatchString(bare) {
		return strings.ToLower(bare), true
	}
	if prefix, val, err := nip19.Decode(bare); err == nil {
		switch prefix {
		case "npub", "note":
			if s, ok := val.(string); ok {
				return s, true
			}
		case "nevent":
			if ev, ok := val.(nostr.EventPointer); ok {
				return ev.ID, true
			}
		case "nprofile":
			if pp, ok := val.(nostr.ProfilePointer); ok {
				return pp.PublicKey, true
			}
		}
	}
	return "", false
}

// Fetch performs a one-shot relay query for id, if a querier is configured.
func (p *Plugin) Fetch(ctx context.Context, obj *model.Object) (bool, error) {
	if p.Query == nil {
		return false, nil
	}
	key, ok := p.KeyFor(obj.ID)
	if !ok {
		key = obj.ID
	}
	filter := nostr.Filter{IDs: []string{key}, Limit: 1}
	event, found := p.Query(ctx, filter)
	if !found {
		return false, nil
	}
	obj.OurAS1 = eventToAS1(event)
	obj.SourceProtocol = label
	return true, nil
}

// Send builds the appropriate event kind for obj's verb, signs it with the
// sending user's derived key, and publishes it to every configured relay.
func (p *Plugin) Send(ctx context.Context, obj *model.Object, uri string, fromUser *model.User, origObj *model.Object) (protocol.SendOutcome, error) {
	if p.Publisher == nil || p.Signer == nil {
		return protocol.Refused, bridgeerr.Internal("nostr plugin not fully configured", nil)
	}
	act := as1.Activity(obj.OurAS1)
	originID := act.GetOwner()
	if originID == "" {
		originID = obj.ID
	}

	event, ok := buildEvent(act, p.Config)
	if !ok {
		return protocol.Refused, nil
	}
	if err := p.Signer.Sign(event, originID); err != nil {
		return protocol.Refused, bridgeerr.Internal("sign nostr event", err)
	}
	if err := p.Publisher.Publish(ctx, event); err != nil {
		return protocol.Refused, bridgeerr.Transient("publish nostr event", err)
	}
	return protocol.Sent, nil
}

// Convert builds the unsigned nostr.Event for obj.
func (p *Plugin) Convert(ctx context.Context, obj *model.Object, fromUser *model.User) (any, error) {
	event, ok := buildEvent(as1.Activity(obj.OurAS1), p.Config)
	if !ok {
		return nil, bridgeerr.Validationf(422, "cannot convert %s to a nostr event", obj.ID)
	}
	return event, nil
}

// TargetFor returns the bridge's configured relay as the broadcast
// endpoint: nostr has no per-recipient inbox, only relays actors subscribe
// to, so "target" collapses to "which relay to publish on".
func (p *Plugin) TargetFor(ctx context.Context, obj *model.Object, shared bool) (string, bool) {
	if len(p.Relays) == 0 {
		return "", false
	}
	return p.Relays[0], true
}

// BridgedWebURLFor returns a public nostr web-viewer profile URL.
func (p *Plugin) BridgedWebURLFor(user *model.User) (string, bool) {
	if user == nil || user.ID == "" {
		return "", false
	}
	npub, err := nip19.EncodePublicKey(user.ID)
	if err != nil {
		return "", false
	}
	return "https://njump.me/" + npub, true
}

// IsBlocklisted always reports false for nostr targets: the protocol
// addresses pubkeys/event ids, not domains, so the domain blocklist does not
// apply here (relay URLs are operator-configured, not activity-addressed).
func (p *Plugin) IsBlocklisted(uri string, allowInternal bool) bool { return false }

func eventToAS1(event *nostr.Event) map[string]any {
	return map[string]any{
		"id":         event.ID,
		"objectType": "note",
		"content":    event.Content,
		"author":     event.PubKey,
	}
}

// buildEvent dispatches an AS1 activity to the nostr event kind that
// expresses it: kind 1 (post/update via BuildKind1Event), kind 5 (delete),
// kind 7 (like), kind 6 (repost/share), kind 3 is left to follow-list
// management outside the per-activity Send path.
func buildEvent(act as1.Activity, cfg *config.Config) (*nostr.Event, bool) {
	switch act.Type() {
	case "post", "update":
		inner := act.GetObject()
		if inner == nil {
			inner = act
		}
		content, _ := inner["content"].(string)
		post := bridge.NormalizedPost{
			Content:   content,
			CreatedAt: nostr.Now(),
			ProxyID:   as1.GetID(inner["id"]),
		}
		if replyTo := inner["inReplyTo"]; replyTo != nil {
			post.ReplyToEventID = as1.GetID(replyTo)
		}
		return bridge.BuildKind1Event(post), true
	case "delete":
		target := as1.GetID(act["object"])
		if target == "" {
			return nil, false
		}
		return &nostr.Event{Kind: 5, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"e", target}}}, true
	case "like":
		target := as1.GetID(act["object"])
		if target == "" {
			return nil, false
		}
		return &nostr.Event{Kind: 7, Content: "+", CreatedAt: nostr.Now(), Tags: nostr.Tags{{"e", target}}}, true
	case "share":
		target := as1.GetID(act["object"])
		if target == "" {
			return nil, false
		}
		return &nostr.Event{Kind: 6, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"e", target}}}, true
	}
	return nil, false
}
