// Package deliver implements the delivery planner (`targets`): given an
// Object and its sending user, compute the map of delivery Targets to the
// original object each carries (if any). The bounded-concurrency network
// phase that consumes this planner's output lives in internal/tasks.
package deliver

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/klppl/bridge/internal/as1"
	"github.com/klppl/bridge/internal/config"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
)

// followerFanoutVerbs are the verbs that fan out to
// followers: post, update, delete, share.
var followerFanoutVerbs = map[string]bool{
	"post": true, "update": true, "delete": true, "share": true,
}

// FollowerSource looks up a user's active followers.
type FollowerSource interface {
	FollowersOf(ctx context.Context, toKey string, activeOnly bool) ([]model.Follower, error)
}

// UserSource looks up a User by protocol+key, or by key alone when the
// owning protocol isn't already known (e.g. from a Follower edge, which
// stores only the bare user key).
type UserSource interface {
	GetUser(ctx context.Context, protocol, key string) (*model.User, bool)
	GetUserByKey(ctx context.Context, key string) (*model.User, bool)
}

// ObjectSource looks up and persists Objects; Put backs the feed-assignment
// step, which records follower feed membership directly on the original or
// inner Object rather than on the activity being delivered.
type ObjectSource interface {
	GetObject(ctx context.Context, id string) (*model.Object, bool)
	PutObject(ctx context.Context, obj *model.Object) error
}

// Planner computes delivery targets for an outgoing Object.
type Planner struct {
	Registry  *protocol.Registry
	Followers FollowerSource
	Users     UserSource
	Objects   ObjectSource
	Config    *config.Config
}

// New constructs a Planner.
func New(registry *protocol.Registry, followers FollowerSource, users UserSource, objects ObjectSource, cfg *config.Config) *Planner {
	return &Planner{Registry: registry, Followers: followers, Users: users, Objects: objects, Config: cfg}
}

// Targets implements the delivery-target computation: direct targets from
// recipient fields, reply-protocol collection, self-reply follower fanout,
// and limited-domain gating. The returned map's value is the resolved
// original object to attach for shares/quote-carrying follower fanout, or
// nil otherwise.
func (p *Planner) Targets(ctx context.Context, obj *model.Object, fromUser *model.User) (map[model.Target]*model.Object, error) {
	act := as1.Activity(obj.OurAS1)
	inner := act.GetObject()
	verb := act.Type()

	// Step 1: gather direct target uris.
	direct := map[string]bool{}
	for _, id := range act.IDs("inReplyTo") {
		direct[id] = true
	}
	for _, field := range []string{"to", "cc"} {
		for _, id := range act.IDs(field) {
			if id != as1.PublicAudience {
				direct[id] = true
			}
		}
	}
	if verb == "like" || verb == "share" {
		for _, id := range as1.IDsOf(act["object"]) {
			direct[id] = true
		}
	}
	directList := make([]string, 0, len(direct))
	for id := range direct {
		directList = append(directList, id)
	}
	sort.Strings(directList)

	// Step 2: reply protocols.
	replyProtocols := map[string]bool{}
	inReplyTo := act.IDs("inReplyTo")
	for _, parentID := range inReplyTo {
		if pp, err := p.Registry.ForID(ctx, parentID, false, objectSourceAdapter{p.Objects}); err == nil && pp != nil {
			replyProtocols[pp.Label()] = true
			if parentObj, ok := p.Objects.GetObject(ctx, parentID); ok {
				for _, ownerKey := range parentObj.Users {
					if owner, ok := p.Users.GetUser(ctx, parentObj.SourceProtocol, ownerKey); ok {
						for _, c := range owner.Copies {
							replyProtocols[c.Protocol] = true
						}
					}
				}
			}
		}
	}

	// Step 3: self-reply detection.
	selfReply := false
	if len(inReplyTo) > 0 && fromUser != nil {
		for _, parentID := range inReplyTo {
			if parentObj, ok := p.Objects.GetObject(ctx, parentID); ok {
				if containsOwner(parentObj.Users, fromUser.Key()) {
					selfReply = true
				}
			}
		}
	}

	targets := map[model.Target]*model.Object{}
	notify := map[string]bool{}

	var senderProto string
	if fromUser != nil {
		senderProto = fromUser.Protocol
	}

	// Step 4: resolve direct targets.
	for _, uri := range directList {
		tp, err := p.Registry.ForID(ctx, uri, true, objectSourceAdapter{p.Objects})
		if err != nil || tp == nil {
			continue
		}
		if tp.IsBlocklisted(uri, false) {
			continue
		}
		if tp.Label() == senderProto {
			continue
		}
		endpoint, ok := tp.TargetFor(ctx, obj, false)
		if !ok {
			continue
		}
		t := model.Target{Protocol: tp.Label(), URI: endpoint}
		targets[t] = nil
		if ownerUser, ok := p.Users.GetUser(ctx, tp.Label(), uri); ok {
			notify[ownerUser.Key()] = true
		}
	}

	// Feed assignment: the object each fanned-out follower's feed should
	// list — the original object for shares (so it can be quoted), or the
	// fetched inner object for posts/updates that aren't actor updates.
	var feedObj *model.Object
	switch {
	case verb == "share":
		if origID := as1.GetID(inner); origID != "" {
			feedObj, _ = p.Objects.GetObject(ctx, origID)
		}
	case (verb == "post" || verb == "update") && !as1.ActorKinds[inner.Type()]:
		if innerID := as1.GetID(inner); innerID != "" {
			feedObj, _ = p.Objects.GetObject(ctx, innerID)
		}
	}
	feedChanged := false

	// Step 5: follower fan-out.
	if followerFanoutVerbs[verb] && fromUser != nil {
		doFanout := len(inReplyTo) == 0 || (selfReply && len(replyProtocols) > 0)
		if doFanout {
			limited := p.Config != nil && p.senderIsLimited(fromUser)
			followers, err := p.Followers.FollowersOf(ctx, fromUser.Key(), true)
			if err == nil {
				seenURLs := map[string]bool{}
				for _, f := range followers {
					followerUser, ok := p.Users.GetUserByKey(ctx, f.From)
					if !ok {
						continue
					}
					fp, ok2 := p.Registry.ByLabel(followerUser.Protocol)
					if !ok2 {
						continue
					}
					endpoint, ok3 := fp.TargetFor(ctx, obj, true)
					if !ok3 || seenURLs[endpoint] {
						continue
					}
					seenURLs[endpoint] = true
					t := model.Target{Protocol: fp.Label(), URI: endpoint}
					var attach *model.Object
					if verb == "share" {
						attach = feedObj
					}
					targets[t] = attach
					notify[followerUser.Key()] = true
					if feedObj != nil && !containsOwner(feedObj.Feed, followerUser.Key()) {
						feedObj.Feed = append(feedObj.Feed, followerUser.Key())
						feedChanged = true
					}
				}
			}

			if !limited {
				for _, copyTarget := range fromUser.Copies {
					cp, ok := p.Registry.ByLabel(copyTarget.Protocol)
					if !ok || !cp.HasCopies() {
						continue
					}
					t := model.Target{Protocol: cp.Label(), URI: copyTarget.URI}
					if _, exists := targets[t]; !exists {
						targets[t] = nil
					}
				}
			}
		}
	}

	if feedChanged {
		if err := p.Objects.PutObject(ctx, feedObj); err != nil {
			return nil, err
		}
	}

	// Step 6: drop same-source-domain targets.
	sourceDomains := domainsOf(act)
	for t := range targets {
		if host := hostOf(t.URI); host != "" && sourceDomains[host] {
			delete(targets, t)
		}
	}

	obj.Notify = mergeUnique(obj.Notify, keysOf(notify))
	return targets, nil
}

func (p *Planner) senderIsLimited(u *model.User) bool {
	if u == nil || p.Config == nil {
		return false
	}
	if host := hostOf(u.ID); host != "" && p.Config.IsLimited(host) {
		followers, err := p.Followers.FollowersOf(context.Background(), u.Key(), true)
		return err == nil && len(followers) == 0
	}
	return false
}

func domainsOf(act as1.Activity) map[string]bool {
	out := map[string]bool{}
	if id := as1.GetID(act); id != "" {
		if h := hostOf(id); h != "" {
			out[h] = true
		}
	}
	return out
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsOwner(users []string, key string) bool {
	return containsStr(users, key)
}

func mergeUnique(existing []string, add []string) []string {
	seen := map[string]bool{}
	for _, e := range existing {
		seen[e] = true
	}
	out := append([]string(nil), existing...)
	for _, a := range add {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type objectSourceAdapter struct{ s ObjectSource }

func (a objectSourceAdapter) ObjectSourceProtocol(ctx context.Context, id string) (string, bool) {
	if obj, ok := a.s.GetObject(ctx, id); ok {
		return obj.SourceProtocol, true
	}
	return "", false
}
