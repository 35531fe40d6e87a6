package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Update is an inbound message tagged with the bot credential it arrived
// on. Media is carried as an opaque file reference for downstream
// handlers.
type Update struct {
	// BotToken is the pool credential that received the message.
	BotToken string

	// ChatID is the sender's chat identity.
	ChatID int64

	// From is the sender's user identity. For direct messages this
	// matches ChatID.
	From int64

	// FromName is the sender display name, if available.
	FromName string

	// Text is the message text (or caption for media messages).
	Text string

	// MediaRef is the platform file identifier of an attachment, if any.
	MediaRef string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// Fleet manages one client per pool credential and sends messages on any
// of them. Both the router daemon and the worker use it for delivery.
type Fleet struct {
	cfg     Config
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewFleet creates a fleet over the given credentials.
func NewFleet(tokens []string, cfg Config, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fleet{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*Client, len(tokens)),
	}
	for _, t := range tokens {
		f.clients[t] = NewClient(t, cfg, logger)
	}
	return f
}

// Client returns the client for a credential, creating it on demand so
// administrative sends work for credentials outside the configured pool.
func (f *Fleet) Client(token string) *Client {
	f.mu.RLock()
	c, ok := f.clients[token]
	f.mu.RUnlock()
	if ok {
		return c
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok = f.clients[token]; ok {
		return c
	}
	c = NewClient(token, f.cfg, f.logger)
	f.clients[token] = c
	return c
}

// Send delivers a text message via the given credential.
func (f *Fleet) Send(ctx context.Context, token string, chatID int64, text string) error {
	return f.Client(token).SendMessage(ctx, chatID, text)
}

// Poller long-polls every credential in the pool concurrently and fans
// all inbound messages into a single stream. Unassigned credentials are
// polled too, so first contact works on any free bot.
type Poller struct {
	fleet    *Fleet
	tokens   []string
	logger   *slog.Logger
	messages chan *Update

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPoller creates a poller over the fleet's credentials.
func NewPoller(fleet *Fleet, tokens []string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		fleet:    fleet,
		tokens:   tokens,
		logger:   logger.With("component", "poller"),
		messages: make(chan *Update, 256),
	}
}

// Start verifies every credential and launches one polling goroutine per
// bot. A credential that fails verification is logged and skipped; the
// rest of the pool keeps working.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	started := 0
	for _, token := range p.tokens {
		client := p.fleet.Client(token)
		me, err := client.GetMe(p.ctx)
		if err != nil {
			p.logger.Error("bot verification failed", "error", err)
			continue
		}
		p.logger.Info("bot connected", "bot", me.Username, "id", me.ID)

		p.wg.Add(1)
		go p.pollLoop(client)
		started++
	}

	if started == 0 {
		p.cancel()
		return fmt.Errorf("telegram: no bot in the pool could be verified")
	}
	p.logger.Info("polling started", "bots", started, "pool_size", len(p.tokens))
	return nil
}

// Stop cancels all polling loops, waits for them to exit and closes the
// merged stream so consumers ranging over Messages terminate.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.closeOnce.Do(func() { close(p.messages) })
}

// Messages returns the merged inbound stream.
func (p *Poller) Messages() <-chan *Update {
	return p.messages
}

// pollLoop runs the getUpdates long-polling loop for one bot, with
// exponential backoff on errors.
func (p *Poller) pollLoop(client *Client) {
	defer p.wg.Done()

	var offset int64
	backoff := time.Second

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		updates, err := client.getUpdates(p.ctx, offset)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.process(client.Token(), u)
		}
	}
}

// process converts a raw update into a tagged Update and queues it.
func (p *Poller) process(token string, u tgUpdate) {
	msg := u.Message
	if msg == nil || msg.From == nil {
		return
	}
	// Pool bots are personal assistants; groups are out of scope.
	if msg.Chat.Type != "private" {
		return
	}

	update := &Update{
		BotToken:  token,
		ChatID:    msg.Chat.ID,
		From:      msg.From.ID,
		FromName:  strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		Text:      msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if update.Text == "" && msg.Caption != "" {
		update.Text = msg.Caption
	}
	switch {
	case len(msg.Photo) > 0:
		update.MediaRef = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		update.MediaRef = msg.Document.FileID
	case msg.Voice != nil:
		update.MediaRef = msg.Voice.FileID
	}

	select {
	case p.messages <- update:
	default:
		p.logger.Warn("message buffer full, dropping message", "chat_id", update.ChatID)
	}
}
