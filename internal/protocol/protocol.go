// Package protocol defines the protocol abstraction every concrete plugin
// (W, F, A, or any other bridged system) implements, and the registry that
// resolves which plugin owns a given id or handle: a registry of plugin
// values rather than a class hierarchy, the same way cmd/bridge registers
// concrete plugin values with Registry.Register instead of a class
// registry.
package protocol

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/klppl/bridge/internal/bridgeerr"
	"github.com/klppl/bridge/internal/model"
)

// Tri is a three-valued answer: Yes, No, or Unknown — cheap ownership checks
// (owns_id, owns_handle) must be able to say "I can't tell without I/O"
// rather than force a boolean guess.
type Tri int

const (
	Unknown Tri = iota
	Yes
	No
)

// SendOutcome is the result of a single delivery attempt.
type SendOutcome int

const (
	Sent SendOutcome = iota
	Refused
)

// ErrUnroutable is returned when every candidate plugin answered Unknown to
// owns_id/owns_handle and none of them could resolve it, rather than
// silently dropping a legitimate id from a new or misconfigured protocol.
var ErrUnroutable = errors.New("protocol: no plugin could resolve this id")

// Protocol is the uniform contract every bridged protocol plugin implements.
// All id/object parameters use the canonical as1.Activity wire shape via
// model.Object.
type Protocol interface {
	// Label is the unique lowercase identifier for this protocol, e.g. "web",
	// "activitypub", "atproto", "nostr".
	Label() string
	// Abbrev is the short form used in bridge subdomains, e.g. "ap", "bsky".
	Abbrev() string

	HasFollowAccepts() bool
	HasCopies() bool
	RequiresAvatar() bool
	RequiresName() bool
	RequiresOldAccount() bool
	DefaultEnabledProtocols() []string

	// OwnsID is a cheap, no-I/O syntactic check.
	OwnsID(id string) Tri
	// OwnsHandle is a cheap, no-I/O syntactic check.
	OwnsHandle(handle string, allowInternal bool) Tri

	// HandleToID may perform network I/O.
	HandleToID(ctx context.Context, handle string) (string, bool)
	// KeyFor canonicalizes id into this protocol's storage key, with no I/O.
	// use_instead redirection is not applied here; the store persists the
	// use_instead column but does not redirect lookups through it.
	KeyFor(id string) (string, bool)

	// Fetch populates obj from the network; true iff it populated obj.
	Fetch(ctx context.Context, obj *model.Object) (bool, error)
	// Send delivers obj to a single endpoint.
	Send(ctx context.Context, obj *model.Object, uri string, fromUser *model.User, origObj *model.Object) (SendOutcome, error)
	// Convert renders obj into this protocol's wire payload.
	Convert(ctx context.Context, obj *model.Object, fromUser *model.User) (any, error)
	// TargetFor returns the delivery endpoint for obj or its actor.
	TargetFor(ctx context.Context, obj *model.Object, shared bool) (string, bool)
	// BridgedWebURLFor returns the user-facing profile URL in this protocol.
	BridgedWebURLFor(user *model.User) (string, bool)

	// IsBlocklisted reports whether url should never be contacted.
	IsBlocklisted(url string, allowInternal bool) bool
}

// Registry holds every registered plugin and resolves which one owns a
// given id or handle, via the ordered resolution procedure in ForID/ForHandle.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	byLabel     map[string]Protocol
	superDomain string
	botActorIDs map[string]bool // ids of the bridge's own bot actors, excluded from subdomain step 1
}

// NewRegistry creates an empty Registry for the given bridge super-domain
// (the configured SUPER_DOMAIN), under which every plugin's "<abbrev>.<super>"
// subdomain lives.
func NewRegistry(superDomain string) *Registry {
	return &Registry{
		byLabel:     make(map[string]Protocol),
		superDomain: superDomain,
		botActorIDs: make(map[string]bool),
	}
}

// Register adds a plugin to the registry, keyed by its Label.
func (r *Registry) Register(p Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLabel[p.Label()] = p
}

// RegisterBotActorID marks id as one of the bridge's own bot actors, exempt
// from the bridge-subdomain fast path in ForID step 1.
func (r *Registry) RegisterBotActorID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.botActorIDs[id] = true
}

// ByLabel looks up a registered plugin by its label.
func (r *Registry) ByLabel(label string) (Protocol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byLabel[label]
	return p, ok
}

// sorted returns every registered plugin sorted deterministically by Label,
// matching the source's `sorted(set(...), key=lambda p: p.LABEL)`.
func (r *Registry) sorted() []Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Protocol, 0, len(r.byLabel))
	for _, p := range r.byLabel {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label() < out[j].Label() })
	return out
}

// ForSuperdomain returns the plugin whose "<abbrev>.<super>" subdomain owns
// id, if id is a web URL under that subdomain. Exported independently of
// ForID because the receive pipeline's block/follow/DM-command handling
// calls it directly to detect bot-actor addressing, the same way this
// subdomain check is shared between id resolution and those handlers.
func (r *Registry) ForSuperdomain(id string) (Protocol, bool) {
	u, err := url.Parse(id)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, false
	}
	host := u.Hostname()
	suffix := "." + r.superDomain
	if !strings.HasSuffix(host, suffix) {
		return nil, false
	}
	abbrev := strings.TrimSuffix(host, suffix)
	for _, p := range r.sorted() {
		if p.Abbrev() == abbrev {
			return p, true
		}
	}
	return nil, false
}

// LocalObjectSource looks up the source_protocol of a locally-known Object,
// used in ForID step 3. Implemented by the store package; kept as a small
// interface here to avoid a protocol→store import cycle.
type LocalObjectSource interface {
	ObjectSourceProtocol(ctx context.Context, id string) (string, bool)
}

// ForID implements the ordered resolution procedure:
//  1. bridge-subdomain fast path (except bot actors and home pages)
//  2. ask every plugin owns_id; single Yes wins; multiple Yes take the first
//     in sort order; Unknown answers become candidates
//  3. consult local storage for a previously-recorded source_protocol
//  4. if remote, try fetch on each candidate in order
func (r *Registry) ForID(ctx context.Context, id string, remote bool, local LocalObjectSource) (Protocol, error) {
	if id == "" {
		return nil, ErrUnroutable
	}

	if u, err := url.Parse(id); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		isHomepage := strings.Trim(u.Path, "/") == ""
		r.mu.RLock()
		isBotActor := r.botActorIDs[id]
		r.mu.RUnlock()
		if p, ok := r.ForSuperdomain(id); ok && !isHomepage && !isBotActor {
			return p, nil
		}
	}

	var candidates []Protocol
	for _, p := range r.sorted() {
		switch p.OwnsID(id) {
		case Yes:
			return p, nil
		case Unknown:
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	if local != nil {
		if label, ok := local.ObjectSourceProtocol(ctx, id); ok {
			if p, ok := r.ByLabel(label); ok {
				return p, nil
			}
		}
	}

	if !remote {
		return nil, ErrUnroutable
	}

	for _, p := range candidates {
		obj := &model.Object{ID: id}
		ok, err := p.Fetch(ctx, obj)
		if err != nil {
			var gw *gatewayError
			if errors.As(err, &gw) || bridgeerr.KindOf(err) == bridgeerr.Gateway {
				// A gateway network error aborts further attempts entirely.
				return nil, err
			}
			// Synthetic/validation error: skip to the next candidate.
			continue
		}
		if ok {
			return p, nil
		}
	}
	return nil, ErrUnroutable
}

// gatewayError marks an error from a plugin Fetch as a definitive remote
// failure (a "Gateway" error) that should abort the remaining discovery
// candidates rather than trying the next one. Plugins construct these via
// NewGatewayError.
type gatewayError struct{ err error }

func (g *gatewayError) Error() string { return g.err.Error() }
func (g *gatewayError) Unwrap() error { return g.err }

// NewGatewayError wraps err so Registry.ForID treats it as a Gateway failure.
func NewGatewayError(err error) error { return &gatewayError{err: err} }

// HandleLookup looks up a User by handle within a specific protocol, used in
// ForHandle's phase 2.5 (user-table lookup). Implemented by the store
// package.
type HandleLookup interface {
	UserByHandle(ctx context.Context, protocolLabel, handle string) (*model.User, bool)
}

// ForHandle implements the handle resolution procedure,
// which follows the same three-phase pattern as ForID with phase 2.5 being
// a user-table lookup by handle.
func (r *Registry) ForHandle(ctx context.Context, handle string, lookup HandleLookup) (Protocol, string, error) {
	if handle == "" {
		return nil, "", ErrUnroutable
	}

	var candidates []Protocol
	for _, p := range r.sorted() {
		switch p.OwnsHandle(handle, false) {
		case Yes:
			return p, "", nil
		case Unknown:
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 1 {
		return candidates[0], "", nil
	}

	if lookup != nil {
		for _, p := range candidates {
			if u, ok := lookup.UserByHandle(ctx, p.Label(), handle); ok {
				if u.Status == "blocked" {
					return nil, "", ErrUnroutable
				}
				return p, u.Key(), nil
			}
		}
	}

	for _, p := range candidates {
		if id, ok := p.HandleToID(ctx, handle); ok {
			return p, id, nil
		}
	}

	return nil, "", ErrUnroutable
}
