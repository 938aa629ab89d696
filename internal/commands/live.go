package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"livebot/internal/monitor"
	"livebot/internal/registry"
	logx "livebot/pkg/logx"
)

const divider = "━━━━━━━━━━━━━━"

func (m *Manager) liveCommands() []Command {
	return []Command{
		{Name: "add", Usage: "add <room> [name]", Description: "monitor a room (owner)", Access: AccessOwnerOnly, Timeout: 45 * time.Second, Handle: m.cmdAdd},
		{Name: "del", Usage: "del <room>", Description: "stop monitoring a room (owner)", Access: AccessOwnerOnly, Handle: m.cmdDel},
		{Name: "rename", Usage: "rename <room> <name>", Description: "change a room's display name (owner)", Access: AccessOwnerOnly, Handle: m.cmdRename},
		{Name: "ls", Usage: "ls", Description: "list monitored rooms", Handle: m.cmdList},
		{Name: "sub", Usage: "sub <room>", Description: "subscribe this chat to a room", Handle: m.cmdSub},
		{Name: "unsub", Usage: "unsub <room>", Description: "unsubscribe this chat from a room", Handle: m.cmdUnsub},
		{Name: "mysub", Usage: "mysub", Description: "list this chat's subscriptions", Handle: m.cmdMySub},
		{Name: "status", Usage: "status", Description: "monitor status", Handle: m.cmdStatus},
		{Name: "restart", Usage: "restart [room]", Description: "restart one or all watchers (owner)", Access: AccessOwnerOnly, Timeout: 2 * time.Minute, Handle: m.cmdRestart},
		{Name: "atall", Usage: "atall <room> [on|off]", Description: "alert everyone on live start in this chat (owner)", Access: AccessOwnerOnly, Handle: m.cmdAtAll},
		{Name: "gift", Usage: "gift <room> [on|off]", Description: "gift notifications in this chat (owner)", Access: AccessOwnerOnly, Handle: m.cmdGift},
		{Name: "giftfilter", Usage: "giftfilter <room> [on|off|<min value>]", Description: "minimum gift value in this chat (owner)", Access: AccessOwnerOnly, Handle: m.cmdGiftFilter},
		{Name: "gifts", Usage: "gifts [room]", Description: "refresh the gift catalog (owner)", Access: AccessOwnerOnly, Timeout: time.Minute, Handle: m.cmdGifts},
		{Name: "help", Usage: "help", Description: "show this help", Handle: m.cmdHelp},
	}
}

var errUsage = errors.New("usage")

// roomArg parses args[i] as a positive room id and replies with usage on
// failure.
func (m *Manager) roomArg(ctx context.Context, req *Request, i int) (int64, error) {
	if i >= len(req.Args) {
		req.Reply(ctx, "Usage: /"+Group+" "+m.cmds[req.Command].Usage)
		return 0, errUsage
	}
	id, err := strconv.ParseInt(strings.TrimSpace(req.Args[i]), 10, 64)
	if err != nil || id <= 0 {
		req.Reply(ctx, fmt.Sprintf("⚠️ Invalid room id %q", req.Args[i]))
		return 0, errUsage
	}
	return id, nil
}

// toggle reads an optional on/off argument; anything else is a usage error.
func toggle(args []string, i int, current bool) (bool, bool) {
	if i >= len(args) {
		return !current, true
	}
	switch strings.ToLower(args[i]) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return current, false
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func (m *Manager) roomLabel(id int64) string {
	if room, ok := m.deps.Registry.Room(id); ok && room.Name != "" {
		return fmt.Sprintf("%s (%d)", room.Name, id)
	}
	return strconv.FormatInt(id, 10)
}

func (m *Manager) notMonitored(ctx context.Context, req *Request, id int64) error {
	req.Reply(ctx, fmt.Sprintf("⚠️ Room %d is not monitored\nUse /%s ls to see available rooms", id, Group))
	return registry.ErrRoomNotFound
}

func describeFilter(c registry.SubscriptionConfig) string {
	if c.GiftMinValue == nil {
		return "all gifts"
	}
	return fmt.Sprintf("value ≥ %d", *c.GiftMinValue)
}

func describeConfig(c registry.SubscriptionConfig) string {
	gift := onOff(c.GiftNotify)
	if c.GiftNotify {
		gift += ", " + describeFilter(c)
	}
	return fmt.Sprintf("@all: %s | gifts: %s", onOff(c.AtAll), gift)
}

// ---- owner: rooms ----

func (m *Manager) cmdAdd(ctx context.Context, req *Request) error {
	id, err := m.roomArg(ctx, req, 0)
	if err != nil {
		return err
	}
	if m.deps.Registry.HasRoom(id) {
		req.Reply(ctx, fmt.Sprintf("⚠️ Room %d is already monitored", id))
		return nil
	}

	name := strings.TrimSpace(strings.Join(req.Args[1:], " "))
	if m.deps.Lookup != nil {
		looked, lerr := m.deps.Lookup(ctx, id)
		if lerr != nil {
			m.audit(ctx, req, "add", strconv.FormatInt(id, 10), lerr)
			req.Reply(ctx, fmt.Sprintf("⚠️ Could not fetch info for room %d\nCheck the room id or try again later", id))
			return lerr
		}
		if name == "" {
			name = looked
		}
	}
	if name == "" {
		name = fmt.Sprintf("Room %d", id)
	}

	room := registry.Room{
		Name:      name,
		AddedBy:   req.Update.FromID,
		AddedTime: m.deps.Now().Format(registry.AddedTimeLayout),
	}
	if err := m.deps.Registry.AddRoom(ctx, id, room); err != nil {
		m.audit(ctx, req, "add", strconv.FormatInt(id, 10), err)
		if errors.Is(err, registry.ErrRoomExists) {
			req.Reply(ctx, fmt.Sprintf("⚠️ Room %d is already monitored", id))
			return nil
		}
		req.Reply(ctx, "❌ Failed to save the room")
		return err
	}

	if err := m.deps.Watchers.Start(ctx, id); err != nil {
		// Roll back so the registry never lists a room nobody watches.
		if rerr := m.deps.Registry.RemoveRoom(context.WithoutCancel(ctx), id); rerr != nil {
			req.Logger.Error("rollback of added room failed", logx.Int64("room", id), logx.Err(rerr))
		}
		m.audit(ctx, req, "add", strconv.FormatInt(id, 10), err)
		req.Reply(ctx, fmt.Sprintf("❌ Failed to start monitoring room %d\nCheck the room id and try again", id))
		return err
	}

	m.audit(ctx, req, "add", strconv.FormatInt(id, 10), nil)
	req.Reply(ctx, fmt.Sprintf("✅ Now monitoring\nRoom: %d\nName: %s\nUse /%s sub %d to get notifications here", id, name, Group, id))
	return nil
}

func (m *Manager) cmdDel(ctx context.Context, req *Request) error {
	id, err := m.roomArg(ctx, req, 0)
	if err != nil {
		return err
	}
	room, ok := m.deps.Registry.Room(id)
	if !ok {
		return m.notMonitored(ctx, req, id)
	}
	if err := m.deps.Watchers.Stop(ctx, id); err != nil {
		req.Logger.Warn("watcher stop failed", logx.Int64("room", id), logx.Err(err))
	}
	if err := m.deps.Registry.RemoveRoom(ctx, id); err != nil {
		m.audit(ctx, req, "del", strconv.FormatInt(id, 10), err)
		req.Reply(ctx, "❌ Failed to remove the room")
		return err
	}
	if m.deps.Gifts != nil {
		m.deps.Gifts.DropRoom(id)
	}
	m.audit(ctx, req, "del", strconv.FormatInt(id, 10), nil)
	req.Reply(ctx, fmt.Sprintf("✅ Stopped monitoring %s (%d)", room.Name, id))
	return nil
}

func (m *Manager) cmdRename(ctx context.Context, req *Request) error {
	id, err := m.roomArg(ctx, req, 0)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(strings.Join(req.Args[1:], " "))
	if name == "" {
		req.Reply(ctx, "Usage: /"+Group+" "+m.cmds[req.Command].Usage)
		return errUsage
	}
	err = m.deps.Registry.UpdateRoom(ctx, id, func(r *registry.Room) { r.Name = name })
	if errors.Is(err, registry.ErrRoomNotFound) {
		return m.notMonitored(ctx, req, id)
	}
	m.audit(ctx, req, "rename", strconv.FormatInt(id, 10), err)
	if err != nil {
		req.Reply(ctx, "❌ Failed to rename the room")
		return err
	}
	req.Reply(ctx, fmt.Sprintf("✅ Room %d is now called %s", id, name))
	return nil
}

func (m *Manager) cmdRestart(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		id, err := m.roomArg(ctx, req, 0)
		if err != nil {
			return err
		}
		if !m.deps.Registry.HasRoom(id) {
			return m.notMonitored(ctx, req, id)
		}
		err = m.restartOne(ctx, id)
		m.audit(ctx, req, "restart", strconv.FormatInt(id, 10), err)
		if err != nil {
			req.Reply(ctx, fmt.Sprintf("❌ Restart of room %d failed; the previous watcher keeps running", id))
			return err
		}
		req.Reply(ctx, fmt.Sprintf("✅ Room %d restarted", id))
		return nil
	}

	rooms := m.deps.Registry.RoomIDs()
	ok := 0
	var errs []error
	for _, id := range rooms {
		if err := m.restartOne(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("room %d: %w", id, err))
			continue
		}
		ok++
	}
	err := errors.Join(errs...)
	m.audit(ctx, req, "restart", "all", err)
	req.Reply(ctx, fmt.Sprintf("✅ Restarted %d/%d watchers", ok, len(rooms)))
	return err
}

// restartOne restarts a running watcher or starts a stopped one.
func (m *Manager) restartOne(ctx context.Context, id int64) error {
	if m.deps.Watchers.Running(id) {
		return m.deps.Watchers.Restart(ctx, id)
	}
	return m.deps.Watchers.Start(ctx, id)
}

func (m *Manager) cmdGifts(ctx context.Context, req *Request) error {
	if m.deps.Gifts == nil {
		req.Reply(ctx, "⚠️ Gift catalog is not available")
		return nil
	}
	var (
		n      int
		err    error
		target = "global"
	)
	if len(req.Args) > 0 {
		id, aerr := m.roomArg(ctx, req, 0)
		if aerr != nil {
			return aerr
		}
		target = strconv.FormatInt(id, 10)
		n, err = m.deps.Gifts.RefreshRoom(ctx, id)
	} else {
		n, err = m.deps.Gifts.Refresh(ctx)
	}
	m.audit(ctx, req, "gifts", target, err)
	if err != nil {
		req.Reply(ctx, fmt.Sprintf("❌ Gift refresh (%s) failed: %v\nThe previous catalog is kept", target, err))
		return err
	}
	req.Reply(ctx, fmt.Sprintf("✅ Gift catalog (%s) refreshed: %d gifts", target, n))
	return nil
}

// ---- owner: per-chat settings ----

// updateSetting edits the calling chat's config for the room in args[0].
func (m *Manager) updateSetting(ctx context.Context, req *Request, action string, edit func(c *registry.SubscriptionConfig) bool) (registry.SubscriptionConfig, error) {
	id, err := m.roomArg(ctx, req, 0)
	if err != nil {
		return registry.SubscriptionConfig{}, err
	}
	if !m.deps.Registry.HasRoom(id) {
		return registry.SubscriptionConfig{}, m.notMonitored(ctx, req, id)
	}
	cur, ok := m.deps.Registry.Config(id, req.Update.Chat)
	if !ok {
		req.Reply(ctx, fmt.Sprintf("⚠️ This chat is not subscribed to room %d\nUse /%s sub %d first", id, Group, id))
		return registry.SubscriptionConfig{}, registry.ErrNotSubscribed
	}
	if !edit(&cur) {
		req.Reply(ctx, "Usage: /"+Group+" "+m.cmds[req.Command].Usage)
		return registry.SubscriptionConfig{}, errUsage
	}
	next := cur
	out, err := m.deps.Registry.UpdateConfig(ctx, id, req.Update.Chat, func(c *registry.SubscriptionConfig) { *c = next })
	m.audit(ctx, req, action, strconv.FormatInt(id, 10), err)
	if err != nil {
		req.Reply(ctx, "❌ Failed to save the setting")
		return out, err
	}
	return out, nil
}

func (m *Manager) cmdAtAll(ctx context.Context, req *Request) error {
	c, err := m.updateSetting(ctx, req, "atall", func(c *registry.SubscriptionConfig) bool {
		v, ok := toggle(req.Args, 1, c.AtAll)
		c.AtAll = v
		return ok
	})
	if err != nil {
		return err
	}
	id, _ := strconv.ParseInt(req.Args[0], 10, 64)
	req.Reply(ctx, fmt.Sprintf("✅ %s\n📢 @all in this chat: %s", m.roomLabel(id), onOff(c.AtAll)))
	return nil
}

func (m *Manager) cmdGift(ctx context.Context, req *Request) error {
	c, err := m.updateSetting(ctx, req, "gift", func(c *registry.SubscriptionConfig) bool {
		v, ok := toggle(req.Args, 1, c.GiftNotify)
		c.GiftNotify = v
		return ok
	})
	if err != nil {
		return err
	}
	id, _ := strconv.ParseInt(req.Args[0], 10, 64)
	req.Reply(ctx, fmt.Sprintf("✅ %s\n🎁 Gift notifications in this chat: %s\n📊 Filter: %s", m.roomLabel(id), onOff(c.GiftNotify), describeFilter(c)))
	return nil
}

func (m *Manager) cmdGiftFilter(ctx context.Context, req *Request) error {
	c, err := m.updateSetting(ctx, req, "giftfilter", func(c *registry.SubscriptionConfig) bool {
		if len(req.Args) < 2 {
			if c.GiftMinValue == nil {
				c.GiftMinValue = registry.Int64(m.deps.HighValue)
			} else {
				c.GiftMinValue = nil
			}
			return true
		}
		switch arg := strings.ToLower(req.Args[1]); arg {
		case "on":
			c.GiftMinValue = registry.Int64(m.deps.HighValue)
		case "off":
			c.GiftMinValue = nil
		default:
			v, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || v < 0 {
				return false
			}
			c.GiftMinValue = registry.Int64(v)
		}
		return true
	})
	if err != nil {
		return err
	}
	id, _ := strconv.ParseInt(req.Args[0], 10, 64)
	req.Reply(ctx, fmt.Sprintf("✅ %s\n🎁 Gift filter in this chat: %s", m.roomLabel(id), describeFilter(c)))
	return nil
}

// ---- everyone ----

func (m *Manager) cmdList(ctx context.Context, req *Request) error {
	rooms := m.deps.Registry.Rooms()
	if len(rooms) == 0 {
		req.Reply(ctx, fmt.Sprintf("📋 No rooms are monitored\nOwners can add one with /%s add <room>", Group))
		return nil
	}
	var b strings.Builder
	b.WriteString("📋 Monitored rooms\n" + divider)
	for i, r := range rooms {
		status := "🔴 stopped"
		if m.deps.Watchers.Running(r.ID) {
			status = "🟢 running"
		}
		fmt.Fprintf(&b, "\n%d. %s\n   Room: %d\n   Subscribers: %d\n   Status: %s", i+1, r.Room.Name, r.ID, r.Subscribers, status)
		if c, ok := m.deps.Registry.Config(r.ID, req.Update.Chat); ok {
			fmt.Fprintf(&b, "\n   This chat: %s", describeConfig(c))
		}
	}
	req.Reply(ctx, b.String())
	return nil
}

func (m *Manager) cmdSub(ctx context.Context, req *Request) error {
	id, err := m.roomArg(ctx, req, 0)
	if err != nil {
		return err
	}
	room, ok := m.deps.Registry.Room(id)
	if !ok {
		req.Reply(ctx, fmt.Sprintf("⚠️ Room %d is not monitored\nAsk an owner to add it, or use /%s ls", id, Group))
		return nil
	}
	c, err := m.deps.Registry.Subscribe(ctx, id, req.Update.Chat)
	switch {
	case errors.Is(err, registry.ErrAlreadySubscribed):
		req.Reply(ctx, fmt.Sprintf("⚠️ This chat is already subscribed to room %d", id))
		return nil
	case err != nil:
		req.Reply(ctx, "❌ Failed to save the subscription")
		return err
	}
	tip := ""
	if !m.deps.Watchers.Running(id) {
		tip = "\n⚠️ The watcher for this room is not running; ask an owner to check"
	}
	req.Reply(ctx, fmt.Sprintf("✅ Subscribed\nRoom: %s (%d)\nSettings: %s%s", room.Name, id, describeConfig(c), tip))
	return nil
}

func (m *Manager) cmdUnsub(ctx context.Context, req *Request) error {
	id, err := m.roomArg(ctx, req, 0)
	if err != nil {
		return err
	}
	label := m.roomLabel(id)
	err = m.deps.Registry.Unsubscribe(ctx, id, req.Update.Chat)
	switch {
	case errors.Is(err, registry.ErrNotSubscribed), errors.Is(err, registry.ErrRoomNotFound):
		req.Reply(ctx, fmt.Sprintf("⚠️ This chat is not subscribed to room %d", id))
		return nil
	case err != nil:
		req.Reply(ctx, "❌ Failed to save the change")
		return err
	}
	req.Reply(ctx, "✅ Unsubscribed from "+label)
	return nil
}

func (m *Manager) cmdMySub(ctx context.Context, req *Request) error {
	ids := m.deps.Registry.SubscriptionsOf(req.Update.Chat)
	if len(ids) == 0 {
		req.Reply(ctx, fmt.Sprintf("📋 This chat has no subscriptions\nUse /%s ls to see rooms and /%s sub <room> to subscribe", Group, Group))
		return nil
	}
	var b strings.Builder
	b.WriteString("📋 Subscriptions of this chat\n" + divider)
	for _, id := range ids {
		c, _ := m.deps.Registry.Config(id, req.Update.Chat)
		fmt.Fprintf(&b, "\n• %s\n   %s", m.roomLabel(id), describeConfig(c))
	}
	req.Reply(ctx, b.String())
	return nil
}

func (m *Manager) cmdStatus(ctx context.Context, req *Request) error {
	rooms := m.deps.Registry.RoomIDs()
	snap := m.deps.Watchers.Snapshot()
	live := 0
	for _, w := range snap {
		if w.State.Status == monitor.StatusLive {
			live++
		}
	}

	var b strings.Builder
	b.WriteString("📊 Monitor status\n" + divider)
	fmt.Fprintf(&b, "\n📺 Rooms: %d\n🟢 Running: %d\n🔴 Live now: %d\n👥 Subscriptions: %d",
		len(rooms), len(snap), live, m.deps.Registry.TotalSubscriptions())
	if m.deps.Dispatch != nil {
		s := m.deps.Dispatch.Stats()
		fmt.Fprintf(&b, "\n%s\n📨 Sent: %d | Retried: %d | Dropped: %d | Queued: %d", divider, s.Sent, s.Retried, s.Dropped, s.Queued)
	}
	if m.deps.Gifts != nil {
		g := m.deps.Gifts.Stats()
		fmt.Fprintf(&b, "\n🎁 Gift catalog: %d global, %d room scopes", g.Global, len(g.Rooms))
		if g.LastError != "" {
			fmt.Fprintf(&b, "\n⚠️ Last refresh error: %s", g.LastError)
		}
	}
	req.Reply(ctx, b.String())
	return nil
}

func (m *Manager) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("📖 Douyu live notifications\n" + divider)
	for _, c := range m.Commands() {
		if c.Access == AccessOwnerOnly && !req.Owner {
			continue
		}
		fmt.Fprintf(&b, "\n/%s %s\n   %s", Group, c.Usage, c.Description)
	}
	req.Reply(ctx, b.String())
	return nil
}
