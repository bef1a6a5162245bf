package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pingall/internal/control"
	"pingall/internal/model"
	kit "pingall/internal/transport"
)

func (b *Bot) commands() []Command {
	return []Command{
		{Name: "start", Description: "show what this bot does", Handle: b.cmdHelp},
		{Name: "help", Description: "list commands", Handle: b.cmdHelp},
		{Name: "key", Description: "get a control panel key for this chat", Access: AccessChatAdmin, Handle: b.cmdKey},
		{Name: "setchannel", Description: "send notifications to this chat or topic", Access: AccessChatAdmin, Handle: b.cmdSetChannel},
		{Name: "try", Usage: "/try", Description: "send a test notification", Access: AccessChatAdmin, Handle: b.cmdTry},
		{Name: "add", Usage: "/add <@handle|channel id>", Description: "watch a channel", Access: AccessChatAdmin, Handle: b.cmdAdd},
		{Name: "remove", Usage: "/remove <channel id>", Description: "stop watching a channel", Access: AccessChatAdmin, Handle: b.cmdRemove},
		{Name: "list", Description: "show this chat's settings", Handle: b.cmdList},
		{Name: "format", Usage: "/format <template>", Description: "set the message template (&e &who &url &str)", Access: AccessChatAdmin, Handle: b.cmdFormat},
	}
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	var sb strings.Builder
	sb.WriteString("I post a message here when a watched channel uploads.\n\n")
	for _, c := range b.list {
		u := c.Usage
		if u == "" {
			u = "/" + c.Name
		}
		fmt.Fprintf(&sb, "%s - %s\n", u, c.Description)
	}
	b.send(ctx, req.Chat, strings.TrimRight(sb.String(), "\n"))
	return nil
}

// fail answers with the user-facing text for err and hands err to the
// request log.
func (b *Bot) fail(ctx context.Context, req *Request, err error) error {
	b.send(ctx, req.Chat, control.UserMessage(err))
	return err
}

func (b *Bot) cmdKey(ctx context.Context, req *Request) error {
	key, err := b.deps.Control.IssueKey(ctx, req.Tenant, req.Actor, req.Msg.ChatTitle)
	if err != nil {
		return b.fail(ctx, req, err)
	}
	text := "panel key for this chat: " + key
	if u := b.config().PublicURL; u != "" {
		text += "\nlog in at " + u
	}
	if !req.Msg.IsPrivate {
		dm := kit.ChatTarget{ChatID: req.FromID}
		if _, err := b.deps.Adapter.SendText(ctx, dm, text, &kit.SendOptions{DisablePreview: true}); err == nil {
			b.send(ctx, req.Chat, "key sent in a private message")
			return nil
		}
		req.Logger.Debug("private key delivery failed, answering in chat")
	}
	b.send(ctx, req.Chat, text)
	return nil
}

func (b *Bot) cmdSetChannel(ctx context.Context, req *Request) error {
	sink := model.SinkRef{ChatID: req.Msg.ChatID, ThreadID: req.Msg.ThreadID}
	if err := b.deps.Control.SetSink(ctx, req.Tenant, req.Actor, sink, req.Msg.ChatTitle); err != nil {
		return b.fail(ctx, req, err)
	}
	b.send(ctx, req.Chat, "notifications will be posted here")
	return nil
}

func (b *Bot) cmdTry(ctx context.Context, req *Request) error {
	c, err := b.deps.Control.Try(ctx, req.Tenant, req.Actor)
	if err != nil {
		return b.fail(ctx, req, err)
	}
	b.send(ctx, req.Chat, "test sent: "+c.Title)
	return nil
}

func (b *Bot) cmdAdd(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		b.send(ctx, req.Chat, "usage: /add <@handle|channel id>")
		return nil
	}
	res, err := b.deps.Control.AddChannel(ctx, req.Tenant, req.Actor, req.Args[0])
	if err != nil {
		return b.fail(ctx, req, err)
	}
	text := "now watching " + res.Channel.Name
	if !res.Added {
		text = res.Channel.Name + " is already watched"
	}
	if res.Preview != nil {
		text += "\nlatest: " + res.Preview.Title + "\n" + res.Preview.URL
	}
	b.send(ctx, req.Chat, text)
	return nil
}

func (b *Bot) cmdRemove(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		b.send(ctx, req.Chat, "usage: /remove <channel id>")
		return nil
	}
	if err := b.deps.Control.RemoveChannel(ctx, req.Tenant, req.Actor, req.Args[0]); err != nil {
		return b.fail(ctx, req, err)
	}
	b.send(ctx, req.Chat, "removed "+req.Args[0])
	return nil
}

func (b *Bot) cmdFormat(ctx context.Context, req *Request) error {
	if req.Rest == "" {
		b.send(ctx, req.Chat, "usage: /format <template>\ntokens: &e mention, &who channel, &url link, &str title")
		return nil
	}
	if err := b.deps.Control.UpdateTemplate(ctx, req.Tenant, req.Actor, req.Rest); err != nil {
		return b.fail(ctx, req, err)
	}
	b.send(ctx, req.Chat, "template updated")
	return nil
}

func (b *Bot) cmdList(ctx context.Context, req *Request) error {
	cfg, err := b.deps.Control.Status(ctx, req.Tenant)
	if err != nil {
		return b.fail(ctx, req, err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "label: %s\n", cfg.Label)
	if cfg.Sink == nil {
		sb.WriteString("notify: not set (use /setchannel)\n")
	} else if cfg.Sink.ThreadID != 0 {
		fmt.Fprintf(&sb, "notify: %d topic %d\n", cfg.Sink.ChatID, cfg.Sink.ThreadID)
	} else {
		fmt.Fprintf(&sb, "notify: %d\n", cfg.Sink.ChatID)
	}
	fmt.Fprintf(&sb, "template: %s\n", cfg.Template)
	if len(cfg.Watched) == 0 {
		sb.WriteString("watching: nothing yet")
	} else {
		fmt.Fprintf(&sb, "watching %d:", len(cfg.Watched))
		for _, w := range cfg.Watched {
			fmt.Fprintf(&sb, "\n- %s (%s)", w.Name, w.ID)
		}
	}
	if req.Owner {
		b.writeOwnerStatus(&sb)
	}
	b.send(ctx, req.Chat, sb.String())
	return nil
}

func (b *Bot) writeOwnerStatus(sb *strings.Builder) {
	if b.deps.Stats != nil {
		st := b.deps.Stats.Stats()
		fmt.Fprintf(sb, "\n\nsweeps: %d, last took %s\nnotifications: %d, failures: %d",
			st.Sweeps, st.Last.Took.Round(time.Millisecond), st.Notifications, st.Failures)
	}
	h, ok := b.health()
	if !ok {
		return
	}
	fmt.Fprintf(sb, "\nrestarts: %d, panics: %d, dropped events: %d", h.Restarts, h.Panics, h.DroppedEvents)
	if len(h.Failures) == 0 {
		return
	}
	sb.WriteString("\nrecent send failures:")
	for _, f := range h.Failures {
		fmt.Fprintf(sb, "\n- %s %s: %s", f.At.UTC().Format("01-02 15:04"), f.Tenant, f.Err)
	}
}
