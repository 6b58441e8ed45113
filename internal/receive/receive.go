// Package receive implements the central receive pipeline:
// validate, authorize, dedupe, persist, dispatch per activity verb, and fan
// out to delivery targets. Grounded step-by-step on
// original_source/protocol.py's Protocol.receive, translated into the Go
// idiom of a single Pipeline.Receive method with one private method per
// step, the way klistr/internal/ap/handler.go has one method per
// ActivityPub activity type off a single APHandler.
package receive

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/klppl/bridge/internal/as1"
	"github.com/klppl/bridge/internal/bridgeerr"
	"github.com/klppl/bridge/internal/config"
	"github.com/klppl/bridge/internal/deliver"
	"github.com/klppl/bridge/internal/fetchengine"
	"github.com/klppl/bridge/internal/lru"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
	"github.com/klppl/bridge/internal/tasks"
)

// supportedTypes are the verbs the pipeline knows how to dispatch; any other
// verb is rejected before the per-verb dispatch step.
var supportedTypes = map[string]bool{
	"post": true, "update": true, "delete": true,
	"follow": true, "stop-following": true, "accept": true,
	"like": true, "share": true, "block": true,
}

// ObjectStore is the persistence surface the pipeline needs for Objects.
type ObjectStore interface {
	GetObject(ctx context.Context, id string) (*model.Object, bool)
	PutObject(ctx context.Context, obj *model.Object) error
	GetOrCreateObject(ctx context.Context, id, authedAs string, create func() *model.Object) (*model.Object, bool, error)
}

// UserStore is the persistence surface the pipeline needs for Users.
type UserStore interface {
	GetUser(ctx context.Context, protocol, key string) (*model.User, bool)
	GetUserByKey(ctx context.Context, key string) (*model.User, bool)
	PutUser(ctx context.Context, u *model.User) error
}

// FollowerStore is the persistence surface the pipeline needs for Follower
// edges.
type FollowerStore interface {
	PutFollower(ctx context.Context, f *model.Follower) error
	FollowersOf(ctx context.Context, toKey string, activeOnly bool) ([]model.Follower, error)
	FollowingOf(ctx context.Context, fromKey string, activeOnly bool) ([]model.Follower, error)
}

// Pipeline wires every collaborator the receive steps need: the protocol
// registry, the three persistence surfaces, the fetch engine, the delivery
// planner, the task runner to enqueue sends, and the dedup cache.
type Pipeline struct {
	Registry  *protocol.Registry
	Objects   ObjectStore
	Users     UserStore
	Followers FollowerStore
	Fetch     *fetchengine.Engine
	Planner   *deliver.Planner
	Tasks     *tasks.Runner
	Config    *config.Config
	SeenIDs   *lru.Cache[string, bool]
}

// New constructs a Pipeline.
func New(registry *protocol.Registry, objects ObjectStore, users UserStore, followers FollowerStore,
	fetch *fetchengine.Engine, planner *deliver.Planner, runner *tasks.Runner, cfg *config.Config) *Pipeline {
	capacity := 10_000
	if cfg != nil && cfg.SeenIDsLRUCapacity > 0 {
		capacity = cfg.SeenIDsLRUCapacity
	}
	return &Pipeline{
		Registry:  registry,
		Objects:   objects,
		Users:     users,
		Followers: followers,
		Fetch:     fetch,
		Planner:   planner,
		Tasks:     runner,
		Config:    cfg,
		SeenIDs:   lru.New[string, bool](capacity),
	}
}

// receiveCtx carries the mutable working state threaded through the private
// step methods, since the source's single function with local variables
// doesn't translate cleanly into a long parameter list per method.
type receiveCtx struct {
	id         string
	authedAs   string
	actor      string
	from       protocol.Protocol
	fromUser   *model.User
	obj        *model.Object
	isNew      bool
	internal   bool
	forceRetry bool
}

// Receive runs the full thirteen-step pipeline against an
// Object that may carry only an id or a full AS1 payload, and the id of the
// authenticated sender. internal permits activity ids on the bridge's own
// domains (used by synthetic accept/delete/DM-reply activities the pipeline
// itself enqueues).
func (p *Pipeline) Receive(ctx context.Context, obj *model.Object, authedAs string, internal bool) (int, error) {
	rc := &receiveCtx{obj: obj, authedAs: authedAs, internal: internal}

	if err := p.stepIdentity(rc); err != nil {
		return bridgeerr.StatusOf(err), err
	}
	slog.Info("receive", "id", rc.id, "authed_as", authedAs)

	if err := p.stepBlocklist(ctx, rc); err != nil {
		return bridgeerr.StatusOf(err), err
	}
	if status, done, err := p.stepDedup(rc); done {
		return status, err
	}
	if err := p.stepAuthorize(ctx, rc); err != nil {
		return bridgeerr.StatusOf(err), err
	}
	p.stepNormalize(ctx, rc)

	if err := p.stepLoadPrincipal(ctx, rc); err != nil {
		return bridgeerr.StatusOf(err), err
	}
	if err := p.stepPersist(ctx, rc); err != nil {
		return bridgeerr.StatusOf(err), err
	}
	if status, done, err := p.stepWrapBareObject(ctx, rc); done {
		return status, err
	}
	if err := p.stepTypeGate(rc); err != nil {
		return bridgeerr.StatusOf(err), err
	}
	p.stepLinkOwners(rc)

	if status, done, err := p.stepDispatch(ctx, rc); done {
		return status, err
	}
	p.stepHydrate(ctx, rc)

	return p.stepFanOut(ctx, rc)
}

// step 1: require either obj.id or obj.as1.id, filling whichever is blank.
func (p *Pipeline) stepIdentity(rc *receiveCtx) error {
	if rc.obj == nil || rc.obj.OurAS1 == nil {
		return bridgeerr.Validationf(400, "no object data provided")
	}
	rc.id = rc.obj.ID
	if rc.id == "" {
		rc.id = as1.GetID(rc.obj.OurAS1["id"])
		if rc.id == "" {
			if idStr, ok := rc.obj.OurAS1["id"].(string); ok {
				rc.id = idStr
			}
		}
		rc.obj.ID = rc.id
	}
	if rc.id == "" {
		return bridgeerr.Validationf(400, "no id provided")
	}
	return nil
}

// step 2: reject blocklisted domains, unless internal.
func (p *Pipeline) stepBlocklist(ctx context.Context, rc *receiveCtx) error {
	from, err := p.Registry.ForID(ctx, rc.id, false, objAdapter{p.Objects})
	if err == nil && from != nil && from.IsBlocklisted(rc.id, rc.internal) {
		return bridgeerr.Validationf(400, "activity %s is blocklisted", rc.id)
	}
	return nil
}

// step 3: dedup via the seen-ids LRU, for activities only; bare objects
// always proceed since the pipeline must detect content changes.
func (p *Pipeline) stepDedup(rc *receiveCtx) (status int, done bool, err error) {
	if rc.obj.OurAS1["objectType"] != "activity" {
		return 0, false, nil
	}
	if rc.forceRetry {
		return 0, false, nil
	}
	alreadySeen := p.SeenIDs.PutIfAbsent(rc.id, true)
	unchanged := rc.obj.Changed != nil && !*rc.obj.Changed
	if alreadySeen || unchanged {
		return 204, true, bridgeerr.Noop(fmt.Sprintf("already handled activity %s", rc.id))
	}
	return 0, false, nil
}

// step 4: extract the actor, verify the claimed source protocol owns it,
// and require it match authed_as.
func (p *Pipeline) stepAuthorize(ctx context.Context, rc *receiveCtx) error {
	actor := as1.Activity(rc.obj.OurAS1).GetOwner()
	if actor == "" {
		return bridgeerr.Validationf(400, "activity missing actor or author")
	}

	from, err := p.Registry.ForID(ctx, rc.id, true, objAdapter{p.Objects})
	if err != nil || from == nil {
		return bridgeerr.Validationf(400, "couldn't determine source protocol for %s", rc.id)
	}
	rc.from = from

	if from.OwnsID(actor) == protocol.No {
		return bridgeerr.Noop(fmt.Sprintf("%s doesn't own actor %s, probably a bridged activity", from.Label(), actor))
	}

	if rc.authedAs == "" {
		return bridgeerr.Validationf(401, "authed_as is required")
	}
	normalizedActor, _ := from.KeyFor(actor)
	if normalizedActor == "" {
		normalizedActor = actor
	}
	normalizedAuthed, _ := from.KeyFor(rc.authedAs)
	if normalizedAuthed == "" {
		normalizedAuthed = rc.authedAs
	}
	if normalizedActor != normalizedAuthed {
		return bridgeerr.Validationf(403, "actor %s isn't authed user %s", normalizedActor, normalizedAuthed)
	}
	rc.actor = normalizedActor
	return nil
}

// step 5: normalize every id-bearing field to its source protocol's
// canonical form, inverting copy wrapping, then resolve via the copy map.
func (p *Pipeline) stepNormalize(ctx context.Context, rc *receiveCtx) {
	if p.Fetch == nil || rc.from == nil {
		return
	}
	rc.obj.SourceProtocol = rc.from.Label()
	p.Fetch.ResolveAndNormalize(ctx, rc.obj)
}

// step 6: get_or_create the actor user; 204 if opted out or blocked.
func (p *Pipeline) stepLoadPrincipal(ctx context.Context, rc *receiveCtx) error {
	inner := as1.Activity(rc.obj.OurAS1).GetObject()
	if rc.from.Label() != "" && as1.Activity(rc.obj.OurAS1).Type() == "follow" {
		if _, ok := p.Registry.ForSuperdomain(as1.GetID(inner["id"])); ok {
			// Follow of one of the bridge's own bot users: refresh the profile
			// so we re-check opt-out before letting the follow through.
			if p.Fetch != nil {
				_, _ = p.Fetch.Load(ctx, rc.actor, fetchengine.RemoteAlways, true)
			}
		}
	}

	u, ok := p.Users.GetUser(ctx, rc.from.Label(), rc.actor)
	if !ok {
		u = &model.User{ID: rc.actor, Protocol: rc.from.Label()}
		if err := p.Users.PutUser(ctx, u); err != nil {
			return bridgeerr.Internal("create actor user", err)
		}
	}
	if u.Status == "blocked" || u.ManualOptOut {
		return bridgeerr.Noop(fmt.Sprintf("actor %s is opted out or blocked", rc.actor))
	}
	rc.fromUser = u
	return nil
}

// step 7: get_or_create the Object under authed_as ownership, carrying over
// transient new/changed from the inbound payload.
func (p *Pipeline) stepPersist(ctx context.Context, rc *receiveCtx) error {
	orig := rc.obj
	stored, created, err := p.Objects.GetOrCreateObject(ctx, rc.id, rc.actor, func() *model.Object {
		return orig
	})
	if err != nil {
		return bridgeerr.Validationf(403, "%v", err)
	}
	if orig.New != nil {
		stored.New = orig.New
	}
	if orig.Changed != nil {
		stored.Changed = orig.Changed
	}
	if stored.OurAS1 == nil {
		stored.OurAS1 = orig.OurAS1
	}
	rc.obj = stored
	rc.isNew = created
	return nil
}

// step 8: if the payload is a bare note/article/comment or actor, wrap it
// in a synthetic update or post activity, or short-circuit 204 unchanged.
func (p *Pipeline) stepWrapBareObject(ctx context.Context, rc *receiveCtx) (status int, done bool, err error) {
	act := as1.Activity(rc.obj.OurAS1)
	if act.Type() != "" && act["verb"] != nil {
		return 0, false, nil // already an activity
	}
	isActor := as1.ActorKinds[act.Type()]
	changed := rc.obj.Changed != nil && *rc.obj.Changed

	if changed || isActor {
		rc.obj.OurAS1 = map[string]any{
			"objectType": "activity",
			"verb":       "update",
			"id":         rc.id + "#update-" + time.Now().UTC().Format("20060102150405"),
			"actor":      rc.actor,
			"object":     act,
		}
		return 0, false, nil
	}

	priorComplete, err := p.hasPriorCompleteCreate(ctx, rc.id)
	if err != nil {
		return 0, false, bridgeerr.Internal("check prior create", err)
	}
	if priorComplete {
		return 204, true, bridgeerr.Noop(fmt.Sprintf("object %s unchanged", rc.id))
	}

	rc.obj.OurAS1 = map[string]any{
		"objectType": "activity",
		"verb":       "post",
		"id":         rc.id + "#bridgy-fed-create",
		"actor":      rc.actor,
		"object":     act,
	}
	return 0, false, nil
}

func (p *Pipeline) hasPriorCompleteCreate(ctx context.Context, innerID string) (bool, error) {
	createID := innerID + "#bridgy-fed-create"
	existing, ok := p.Objects.GetObject(ctx, createID)
	if !ok {
		return false, nil
	}
	return existing.Status == model.StatusComplete, nil
}

// step 9: 501 for verbs the pipeline doesn't support.
func (p *Pipeline) stepTypeGate(rc *receiveCtx) error {
	verb := as1.Activity(rc.obj.OurAS1).Type()
	if !supportedTypes[verb] {
		return bridgeerr.Validationf(501, "sorry, %s activities are not supported yet", verb)
	}
	return nil
}

// step 10: link the actor and (for post/update/delete) the inner object's
// owner into obj.users.
func (p *Pipeline) stepLinkOwners(rc *receiveCtx) {
	rc.obj.Users = appendUnique(rc.obj.Users, rc.fromUser.Key())

	act := as1.Activity(rc.obj.OurAS1)
	verb := act.Type()
	if verb == "post" || verb == "update" || verb == "delete" {
		inner := act.GetObject()
		if owner := inner.GetOwner(); owner != "" && rc.from != nil {
			if key, ok := rc.from.KeyFor(owner); ok {
				rc.obj.Users = appendUnique(rc.obj.Users, key)
			}
		}
	}
	rc.obj.SourceProtocol = rc.from.Label()
}

var mentionRe = regexp.MustCompile(`<[^>]*>`)

// step 11: per-verb dispatch. Returns done=true when the verb resolves
// without falling through to fan-out (accept no-op, block, DM command).
func (p *Pipeline) stepDispatch(ctx context.Context, rc *receiveCtx) (status int, done bool, err error) {
	act := as1.Activity(rc.obj.OurAS1)
	verb := act.Type()
	inner := act.GetObject()
	innerID := as1.GetID(inner)
	actorID := as1.GetID(act["actor"])

	switch verb {
	case "accept":
		toP, rerr := p.Registry.ForID(ctx, innerID, false, objAdapter{p.Objects})
		if rerr != nil || toP == nil || !toP.HasFollowAccepts() {
			return 200, true, nil
		}

	case "stop-following":
		if actorID == "" || innerID == "" {
			return 0, false, bridgeerr.Validationf(400, "undo of follow requires actor and object id")
		}
		fromKey, _ := rc.from.KeyFor(actorID)
		toP, rerr := p.Registry.ForID(ctx, innerID, true, objAdapter{p.Objects})
		if rerr == nil && toP != nil {
			toKey, _ := toP.KeyFor(innerID)
			if err := p.deactivateFollower(ctx, fromKey, toKey); err != nil {
				slog.Warn("deactivate follower", "from", fromKey, "to", toKey, "err", err)
			}
		}
		// fall through to fan-out so the followee learns.

	case "update", "like", "share":
		if innerID == "" {
			return 0, false, bridgeerr.Validationf(400, "couldn't find id of object to %s", verb)
		}
		// fall through to fan-out.

	case "delete":
		if innerID == "" {
			return 0, false, bridgeerr.Validationf(400, "couldn't find id of object to delete")
		}
		if err := p.markDeleted(ctx, innerID); err != nil {
			return 0, false, bridgeerr.Internal("mark object deleted", err)
		}
		if deletedKey, ok := rc.from.KeyFor(innerID); ok {
			if err := p.deactivateAllFollowerEdges(ctx, deletedKey); err != nil {
				slog.Warn("deactivate followers of deleted actor", "key", deletedKey, "err", err)
			}
		}
		// fall through to fan-out.

	case "block":
		botProto, ok := p.Registry.ForSuperdomain(innerID)
		if !ok {
			slog.Info("ignoring block, target isn't a bridge protocol bot actor", "target", innerID)
			return 200, true, nil
		}
		rc.fromUser.EnabledProtocols = removeStr(rc.fromUser.EnabledProtocols, botProto.Label())
		if err := p.Users.PutUser(ctx, rc.fromUser); err != nil {
			return 0, false, bridgeerr.Internal("disable protocol", err)
		}
		if botProto.HasCopies() {
			if err := p.maybeDeleteCopy(ctx, rc.fromUser, botProto); err != nil {
				slog.Warn("delete copy on block", "user", rc.fromUser.Key(), "err", err)
			}
		}
		return 200, true, nil

	case "post":
		if handled, status, err := p.tryDMCommand(ctx, rc, inner); handled {
			return status, true, err
		}
		// fall through.

	case "follow":
		if botProto, ok := p.Registry.ForSuperdomain(innerID); ok {
			rc.fromUser.EnabledProtocols = appendUnique(rc.fromUser.EnabledProtocols, botProto.Label())
			if err := p.Users.PutUser(ctx, rc.fromUser); err != nil {
				slog.Warn("enable protocol on bot follow", "user", rc.fromUser.Key(), "err", err)
			}
			p.botFollow(ctx, rc.fromUser, botProto, innerID)
		}
		if err := p.handleFollow(ctx, rc); err != nil {
			return 0, false, bridgeerr.Internal("handle follow", err)
		}
		// fall through to fan-out.
	}

	return 0, false, nil
}

// tryDMCommand implements the "yes"/"ok"/"no" bot-actor protocol opt-in/out
// text command, per protocol.py's inline DM handling in receive.
func (p *Pipeline) tryDMCommand(ctx context.Context, rc *receiveCtx, inner as1.Activity) (handled bool, status int, err error) {
	toCC := append(append([]string{}, inner.IDs("to")...), inner.IDs("cc")...)
	if len(toCC) != 1 || toCC[0] == as1.PublicAudience {
		return false, 0, nil
	}
	botProto, ok := p.Registry.ForSuperdomain(toCC[0])
	if !ok {
		return false, 0, nil
	}
	content, _ := inner["content"].(string)
	content = strings.ToLower(strings.TrimSpace(mentionRe.ReplaceAllString(html.UnescapeString(content), "")))
	switch content {
	case "yes", "ok":
		rc.fromUser.EnabledProtocols = appendUnique(rc.fromUser.EnabledProtocols, botProto.Label())
		if err := p.Users.PutUser(ctx, rc.fromUser); err != nil {
			return true, 0, bridgeerr.Internal("enable protocol via dm", err)
		}
		p.botFollow(ctx, rc.fromUser, botProto, toCC[0])
		return true, 200, nil
	case "no":
		rc.fromUser.EnabledProtocols = removeStr(rc.fromUser.EnabledProtocols, botProto.Label())
		if err := p.Users.PutUser(ctx, rc.fromUser); err != nil {
			return true, 0, bridgeerr.Internal("disable protocol via dm", err)
		}
		if botProto.HasCopies() {
			if err := p.maybeDeleteCopy(ctx, rc.fromUser, botProto); err != nil {
				slog.Warn("delete copy on dm opt-out", "user", rc.fromUser.Key(), "err", err)
			}
		}
		return true, 200, nil
	}
	return false, 0, nil
}

// step 12: fetch the inner object if it's still bare-id and the source
// owns it, so feeds can render it, and the actor if we only have its id.
func (p *Pipeline) stepHydrate(ctx context.Context, rc *receiveCtx) {
	if p.Fetch == nil {
		return
	}
	act := as1.Activity(rc.obj.OurAS1)

	if actorRaw, ok := act["actor"]; ok && as1.IsBareID(actorRaw) {
		if actorObj, err := p.Fetch.Load(ctx, as1.GetID(actorRaw), fetchengine.RemoteAuto, true); err == nil && actorObj != nil && actorObj.OurAS1 != nil {
			rc.obj.OurAS1["actor"] = actorObj.OurAS1
		}
	}

	if act.Type() == "share" {
		inner := act.GetObject()
		innerID := as1.GetID(inner)
		if as1.IsBareID(inner) && rc.from != nil && rc.from.OwnsID(innerID) != protocol.No {
			if innerObj, err := p.Fetch.Load(ctx, innerID, fetchengine.RemoteAuto, true); err == nil && innerObj != nil && innerObj.OurAS1 != nil {
				merged := map[string]any{}
				for k, v := range inner {
					merged[k] = v
				}
				for k, v := range innerObj.OurAS1 {
					merged[k] = v
				}
				rc.obj.OurAS1["object"] = merged
			}
		}
	}
}

// step 13: compute delivery targets and enqueue a send task per target.
func (p *Pipeline) stepFanOut(ctx context.Context, rc *receiveCtx) (int, error) {
	if err := p.Objects.PutObject(ctx, rc.obj); err != nil {
		return 0, bridgeerr.Internal("persist object before fan-out", err)
	}

	targets, err := p.Planner.Targets(ctx, rc.obj, rc.fromUser)
	if err != nil {
		return 0, bridgeerr.Internal("compute delivery targets", err)
	}

	rc.obj.Undelivered = nil
	for t := range targets {
		rc.obj.Undelivered = append(rc.obj.Undelivered, t)
	}
	rc.obj.Status = rc.obj.ComputeStatus()
	if err := p.Objects.PutObject(ctx, rc.obj); err != nil {
		return 0, bridgeerr.Internal("persist undelivered targets", err)
	}

	for t, orig := range targets {
		task := tasks.SendTask{
			ObjectID: rc.obj.ID,
			URL:      t.URI,
			Protocol: t.Protocol,
			UserKey:  rc.fromUser.Key(),
		}
		if orig != nil {
			task.OrigObjID = orig.ID
		}
		if err := p.Tasks.EnqueueSend(ctx, task); err != nil {
			slog.Error("enqueue send", "target", t, "err", err)
		}
	}

	return 202, nil
}

// handleFollow implements the follow handler: load the
// follower profile, upsert an active Follower edge per followee, notify the
// followee, and synthesize+enqueue an accept for followees whose protocol
// doesn't support explicit accepts.
func (p *Pipeline) handleFollow(ctx context.Context, rc *receiveCtx) error {
	act := as1.Activity(rc.obj.OurAS1)
	followees := as1.IDsOf(act["object"])
	if len(followees) == 0 {
		return bridgeerr.Validationf(400, "follow requires at least one object")
	}

	for _, followeeID := range followees {
		toP, err := p.Registry.ForID(ctx, followeeID, true, objAdapter{p.Objects})
		if err != nil || toP == nil {
			continue
		}
		toKey, _ := toP.KeyFor(followeeID)
		if toKey == "" {
			toKey = followeeID
		}

		if _, ok := p.Objects.GetObject(ctx, followeeID); !ok && p.Fetch != nil {
			_, _ = p.Fetch.Load(ctx, followeeID, fetchengine.RemoteAuto, true)
		}

		f := &model.Follower{
			From:        rc.fromUser.Key(),
			To:          toKey,
			Status:      model.FollowerActive,
			FollowObjID: rc.obj.ID,
		}
		if err := p.Followers.PutFollower(ctx, f); err != nil {
			return err
		}
		rc.obj.Notify = appendUnique(rc.obj.Notify, toKey)

		if toP.HasFollowAccepts() {
			continue
		}
		accept := &model.Object{
			ID: rc.obj.ID + "#accept",
			OurAS1: map[string]any{
				"objectType": "activity",
				"verb":       "accept",
				"id":         rc.obj.ID + "#accept",
				"actor":      toKey,
				"object":     rc.obj.OurAS1,
			},
			SourceProtocol: toP.Label(),
		}
		if err := p.Objects.PutObject(ctx, accept); err != nil {
			return err
		}
		if err := p.Tasks.EnqueueSend(ctx, tasks.SendTask{
			ObjectID: accept.ID,
			URL:      followeeID,
			Protocol: rc.from.Label(),
		}); err != nil {
			slog.Warn("enqueue accept", "followee", followeeID, "err", err)
		}
	}
	return nil
}

// botFollow schedules a reciprocal follow from the bridge's bot actor
// (botActorID, the bridge-subdomain address the user just followed or
// DM'd) back to u, run best-effort (logged, not propagated) since it's a
// courtesy action and must never block the primary activity from
// completing.
func (p *Pipeline) botFollow(ctx context.Context, u *model.User, botProto protocol.Protocol, botActorID string) {
	followID := fmt.Sprintf("%s#bot-follow-%s", botActorID, u.Key())
	target := model.Target{Protocol: u.Protocol, URI: u.ID}
	follow := &model.Object{
		ID: followID,
		OurAS1: map[string]any{
			"objectType": "activity",
			"verb":       "follow",
			"id":         followID,
			"actor":      botActorID,
			"object":     u.Key(),
		},
		SourceProtocol: botProto.Label(),
		Undelivered:    []model.Target{target},
		Status:         model.StatusNew,
	}
	if err := p.Objects.PutObject(ctx, follow); err != nil {
		slog.Warn("persist bot follow", "user", u.Key(), "protocol", botProto.Label(), "err", err)
		return
	}
	if err := p.Tasks.EnqueueSend(ctx, tasks.SendTask{
		ObjectID: follow.ID,
		URL:      u.ID,
		Protocol: u.Protocol,
		UserKey:  u.Key(),
	}); err != nil {
		slog.Warn("enqueue bot follow", "user", u.Key(), "protocol", botProto.Label(), "err", err)
	}
}

// maybeDeleteCopy implements the copy-deletion: emit a synthetic
// delete whose actor is u and object is u's copy id in proto, addressed to
// the copy's endpoint.
func (p *Pipeline) maybeDeleteCopy(ctx context.Context, u *model.User, proto protocol.Protocol) error {
	copyURI, ok := u.HasCopyIn(proto.Label())
	if !ok {
		return nil
	}
	deleteID := fmt.Sprintf("%s#delete-copy-%s", u.Key(), proto.Label())
	del := &model.Object{
		ID: deleteID,
		OurAS1: map[string]any{
			"objectType": "activity",
			"verb":       "delete",
			"id":         deleteID,
			"actor":      u.Key(),
			"object":     copyURI,
		},
		SourceProtocol: u.Protocol,
	}
	if err := p.Objects.PutObject(ctx, del); err != nil {
		return err
	}
	return p.Tasks.EnqueueSend(ctx, tasks.SendTask{
		ObjectID: del.ID,
		URL:      copyURI,
		Protocol: proto.Label(),
		UserKey:  u.Key(),
	})
}

func (p *Pipeline) markDeleted(ctx context.Context, id string) error {
	obj, ok := p.Objects.GetObject(ctx, id)
	if !ok {
		obj = &model.Object{ID: id}
	}
	obj.Deleted = true
	return p.Objects.PutObject(ctx, obj)
}

func (p *Pipeline) deactivateFollower(ctx context.Context, fromKey, toKey string) error {
	f := &model.Follower{From: fromKey, To: toKey, Status: model.FollowerInactive}
	return p.Followers.PutFollower(ctx, f)
}

// deactivateAllFollowerEdges deactivates every active Follower edge in
// either direction for a deleted actor (delete).
func (p *Pipeline) deactivateAllFollowerEdges(ctx context.Context, key string) error {
	asFollowers, err := p.Followers.FollowersOf(ctx, key, true)
	if err != nil {
		return err
	}
	for _, f := range asFollowers {
		if err := p.Followers.PutFollower(ctx, &model.Follower{From: f.From, To: f.To, Status: model.FollowerInactive, FollowObjID: f.FollowObjID}); err != nil {
			return err
		}
	}
	asFollowing, err := p.Followers.FollowingOf(ctx, key, true)
	if err != nil {
		return err
	}
	for _, f := range asFollowing {
		if err := p.Followers.PutFollower(ctx, &model.Follower{From: f.From, To: f.To, Status: model.FollowerInactive, FollowObjID: f.FollowObjID}); err != nil {
			return err
		}
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeStr(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

type objAdapter struct{ s ObjectStore }

func (a objAdapter) ObjectSourceProtocol(ctx context.Context, id string) (string, bool) {
	if obj, ok := a.s.GetObject(ctx, id); ok {
		return obj.SourceProtocol, true
	}
	return "", false
}
