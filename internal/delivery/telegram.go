package delivery

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"

	"postpipe/internal/model"
)

const (
	DefaultTelegramAPI = "https://api.telegram.org"
	telegramTextLimit  = 4000
)

type TelegramOptions struct {
	APIURL         string
	DisablePreview bool
}

// TelegramAdapter sends a payload as one or more chat messages using the
// owner's bot token. Address is a numeric chat id or an @channel username.
type TelegramAdapter struct {
	mu     sync.Mutex
	opts   TelegramOptions
	client *http.Client
	bots   map[string]*tele.Bot
}

func NewTelegramAdapter(opts TelegramOptions, client *http.Client) *TelegramAdapter {
	if client == nil {
		client = &http.Client{}
	}
	a := &TelegramAdapter{client: client, bots: map[string]*tele.Bot{}}
	a.Apply(opts)
	return a
}

// Apply replaces options. Cached bots are dropped when the API URL changes.
func (a *TelegramAdapter) Apply(opts TelegramOptions) {
	if strings.TrimSpace(opts.APIURL) == "" {
		opts.APIURL = DefaultTelegramAPI
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	a.mu.Lock()
	if opts.APIURL != a.opts.APIURL {
		a.bots = map[string]*tele.Bot{}
	}
	a.opts = opts
	a.mu.Unlock()
}

func (a *TelegramAdapter) Kind() string { return model.KindTelegram }

func (a *TelegramAdapter) Validate(t Target) error {
	if strings.TrimSpace(t.Credential) == "" {
		return model.NotConfigured("telegram bot token is not set")
	}
	if _, err := chatRecipient(t.Address); err != nil {
		return err
	}
	return nil
}

type channelRecipient string

func (c channelRecipient) Recipient() string { return string(c) }

func chatRecipient(addr string) (tele.Recipient, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, model.NotConfigured("telegram chat is not set")
	}
	if strings.HasPrefix(addr, "@") && len(addr) > 1 {
		return channelRecipient(addr), nil
	}
	id, err := strconv.ParseInt(addr, 10, 64)
	if err != nil {
		return nil, model.NotConfigured("telegram chat %q is neither a numeric id nor an @channel", addr)
	}
	return &tele.Chat{ID: id}, nil
}

func (a *TelegramAdapter) bot(token string) (*tele.Bot, TelegramOptions, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, a.opts, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     a.opts.APIURL,
		Token:   token,
		Client:  a.client,
		Offline: true,
	})
	if err != nil {
		return nil, a.opts, err
	}
	a.bots[token] = b
	return b, a.opts, nil
}

type telegramResult struct {
	id  string
	err error
}

func (a *TelegramAdapter) Send(ctx context.Context, p model.Payload, t Target) (Receipt, error) {
	to, err := chatRecipient(t.Address)
	if err != nil {
		return Receipt{}, err
	}
	b, opts, err := a.bot(strings.TrimSpace(t.Credential))
	if err != nil {
		return Receipt{}, &Error{Kind: model.KindTelegram, Err: err}
	}
	sendOpts := &tele.SendOptions{DisableWebPagePreview: opts.DisablePreview}
	chunks := splitText(p.Content, telegramTextLimit)

	// telebot has no context support; the call is abandoned when ctx ends.
	done := make(chan telegramResult, 1)
	go func() {
		var first string
		for i, chunk := range chunks {
			m, err := b.Send(to, chunk, sendOpts)
			if err != nil {
				done <- telegramResult{id: first, err: err}
				return
			}
			if i == 0 && m != nil {
				first = strconv.Itoa(m.ID)
			}
		}
		done <- telegramResult{id: first}
	}()

	select {
	case <-ctx.Done():
		return Receipt{}, &Error{Kind: model.KindTelegram, Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			return Receipt{}, &Error{Kind: model.KindTelegram, Err: res.err}
		}
		return Receipt{ExternalID: res.id}, nil
	}
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// boundary when it leaves a chunk of at least limit/3.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
