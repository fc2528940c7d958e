package syncstore

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ChangeFeedOptions configures a websocket subscription to a realtime
// endpoint that announces remote collection changes.
type ChangeFeedOptions struct {
	URL      string
	Notifier *Notifier
	// APIKey, when set, is sent as a bearer token on the handshake.
	APIKey    string
	Logger    *zerolog.Logger
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ChangeFeed listens for {"kind": "..."} messages and republishes them on
// the notifier so UI layers re-render without polling. It carries no row
// data and performs no merging: a message is an invalidation hint only.
type ChangeFeed struct {
	url       string
	notifier  *Notifier
	apiKey    string
	baseDelay time.Duration
	maxDelay  time.Duration
	log       zerolog.Logger
}

type changeFeedMessage struct {
	Kind string `json:"kind"`
}

func NewChangeFeed(opts ChangeFeedOptions) *ChangeFeed {
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &ChangeFeed{
		url:       strings.TrimSpace(opts.URL),
		notifier:  opts.Notifier,
		apiKey:    strings.TrimSpace(opts.APIKey),
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		log:       log,
	}
}

// Run connects and keeps reading until the context is canceled, redialing
// with capped exponential backoff after every disconnect.
func (f *ChangeFeed) Run(ctx context.Context) error {
	if f == nil || f.url == "" || f.notifier == nil {
		return ErrInvalidInput
	}
	delay := f.baseDelay
	for {
		err := f.readOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.log.Debug().Err(err).Dur("redial_in", delay).Msg("change feed disconnected")
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return waitErr
		}
		delay *= 2
		if delay > f.maxDelay {
			delay = f.maxDelay
		}
	}
}

func (f *ChangeFeed) readOnce(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if f.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + f.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, f.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg changeFeedMessage
		if err := json.Unmarshal(data, &msg); err != nil || strings.TrimSpace(msg.Kind) == "" {
			continue
		}
		f.notifier.publishExternal(strings.TrimSpace(msg.Kind))
	}
}
