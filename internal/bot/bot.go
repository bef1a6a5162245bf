// Package bot is the chat command surface. Every chat is its own tenant;
// commands are parsed from incoming messages, run on a bounded worker pool
// and answered in the same chat (or topic).
package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"

	"pingall/internal/control"
	"pingall/internal/model"
	rtsup "pingall/internal/runtime/supervisor"
	kit "pingall/internal/transport"
	"pingall/internal/watch"
	logx "pingall/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessChatAdmin requires the sender to administer the chat. Owners
	// always pass.
	AccessChatAdmin
)

type Command struct {
	Name        string
	Usage       string
	Description string
	Access      Access
	Handle      HandlerFunc
}

type Request struct {
	Msg     *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Tenant  model.TenantID
	Actor   control.Actor
	Command string
	Args    []string
	// Rest is everything after the command word, untouched.
	Rest   string
	ReqID  string
	Logger logx.Logger
	Owner  bool
}

// Control is the subset of control.Service the commands use.
type Control interface {
	Status(ctx context.Context, tenant model.TenantID) (model.TenantConfig, error)
	AddChannel(ctx context.Context, tenant model.TenantID, actor control.Actor, raw string) (control.AddResult, error)
	RemoveChannel(ctx context.Context, tenant model.TenantID, actor control.Actor, channelID string) error
	UpdateTemplate(ctx context.Context, tenant model.TenantID, actor control.Actor, tmpl string) error
	SetSink(ctx context.Context, tenant model.TenantID, actor control.Actor, sink model.SinkRef, label string) error
	IssueKey(ctx context.Context, tenant model.TenantID, actor control.Actor, label string) (string, error)
	Try(ctx context.Context, tenant model.TenantID, actor control.Actor) (model.ContentCandidate, error)
}

type StatsSource interface {
	Stats() watch.Stats
}

// Health is process state shown to owners.
type Health struct {
	Restarts      uint64
	Panics        uint64
	DroppedEvents uint64
	Failures      []FailedSend // newest first
}

type FailedSend struct {
	At     time.Time
	Tenant model.TenantID
	Err    string
}

type HealthSource interface {
	Health() Health
}

type Config struct {
	Owners    []int64
	PublicURL string        // panel address shown with issued keys
	Timeout   time.Duration // per command; default 30s
	Workers   int           // default NumCPU, at least 2
	QueueSize int           // default 256
}

type Deps struct {
	Adapter kit.Adapter
	Control Control
	Stats   StatsSource  // optional
	Health  HealthSource // optional
}

type Bot struct {
	deps Deps
	log  logx.Logger

	mu   sync.RWMutex
	cfg  Config
	cmds map[string]Command
	list []Command

	jobs    chan func()
	workers atomic.Pointer[rtsup.Supervisor]
	panics  atomic.Uint64 // recovered in handlers
}

func New(cfg Config, deps Deps, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	cfg.Owners = append([]int64(nil), cfg.Owners...)
	b := &Bot{deps: deps, log: log, cfg: cfg, jobs: make(chan func(), cfg.QueueSize)}
	b.list = b.commands()
	b.cmds = make(map[string]Command, len(b.list))
	for _, c := range b.list {
		b.cmds[c.Name] = c
	}
	return b
}

// SetOwners replaces the owner list. Safe during hot reload.
func (b *Bot) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	b.mu.Lock()
	b.cfg.Owners = cp
	b.mu.Unlock()
}

func (b *Bot) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// PublishMenu pushes the command list to the adapter's menu, if supported.
func (b *Bot) PublishMenu(ctx context.Context) error {
	up, ok := b.deps.Adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	menu := make([]kit.BotCommand, 0, len(b.list))
	for _, c := range b.list {
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return up.UpdateMenuCommands(ctx, menu)
}

// Run reads updates until ctx ends or updates is closed. Commands run on a
// worker pool; a full queue answers "busy".
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	workers := b.config().Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers < 2 {
		workers = 2
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(b.log.With(logx.String("comp", "bot"))), rtsup.WithCancelOnError(false))
	b.workers.Store(sup)
	b.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(b.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-b.jobs:
					func() {
						defer func() {
							if r := recover(); r != nil {
								b.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, 200*time.Millisecond, 5*time.Second)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		b.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				b.route(ctx, up.Message)
			}
		}
	}
}

// parseCommand splits "/cmd@bot rest" into the command word and the rest.
func parseCommand(text string) (cmd, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word, rest := text[1:], ""
	if i := strings.IndexFunc(word, unicode.IsSpace); i >= 0 {
		word, rest = word[:i], word[i:]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	if word == "" {
		return "", "", false
	}
	return word, strings.TrimSpace(rest), true
}

func (b *Bot) route(ctx context.Context, msg *kit.Message) {
	word, rest, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	b.mu.RLock()
	cmd, found := b.cmds[word]
	b.mu.RUnlock()
	if !found {
		b.send(ctx, chat, "unknown command, try /help")
		return
	}

	rid := uuid.NewString()
	req := &Request{
		Msg:     msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Tenant:  model.TenantFromChat(msg.ChatID),
		Actor:   control.Actor{ID: msg.FromID, Username: msg.FromUsername, Surface: "chat"},
		Command: cmd.Name,
		Args:    strings.Fields(rest),
		Rest:    rest,
		ReqID:   rid,
		Owner:   isOwner(msg.FromID, b.config().Owners),
		Logger: b.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(
		b.guard(cmd),
		MWPanicRecover(b.log, &b.panics),
		MWRequestLog(b.log),
		MWTimeout(b.config().Timeout),
	)
	select {
	case b.jobs <- func() { _ = final(ctx, req) }:
	default:
		b.send(ctx, chat, "busy, try again")
	}
}

// guard enforces cmd.Access before running the handler.
func (b *Bot) guard(cmd Command) HandlerFunc {
	if cmd.Access != AccessChatAdmin {
		return cmd.Handle
	}
	return func(ctx context.Context, req *Request) error {
		if req.Owner || req.Msg.IsPrivate {
			return cmd.Handle(ctx, req)
		}
		ac, ok := b.deps.Adapter.(kit.AdminChecker)
		if !ok {
			b.send(ctx, req.Chat, "only chat administrators can do that")
			return nil
		}
		admin, err := ac.IsChatAdmin(ctx, req.Msg.ChatID, req.FromID)
		if err != nil {
			b.send(ctx, req.Chat, "operation failed")
			return err
		}
		if !admin {
			b.send(ctx, req.Chat, "only chat administrators can do that")
			return nil
		}
		return cmd.Handle(ctx, req)
	}
}

// health merges the process health with the worker pool's counters.
func (b *Bot) health() (Health, bool) {
	var h Health
	ok := false
	if b.deps.Health != nil {
		h, ok = b.deps.Health.Health(), true
	}
	h.Panics += b.panics.Load()
	if sup := b.workers.Load(); sup != nil {
		c := sup.Counters()
		h.Restarts += c.Restarts
		h.Panics += c.Panics
		ok = true
	}
	return h, ok
}

func (b *Bot) send(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := b.deps.Adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		b.log.Debug("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
