package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

type ValkeyOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Channel  string
	TTL      time.Duration
}

// ValkeySink stores the latest snapshot under a key and announces it on a
// channel.
type ValkeySink struct {
	client  valkey.Client
	key     string
	channel string
	ttl     time.Duration
}

func NewValkeySink(ctx context.Context, opts ValkeyOptions) (*ValkeySink, error) {
	clientOpts := valkey.ClientOption{
		InitAddress: []string{opts.Addr},
		SelectDB:    opts.DB,
	}
	if opts.Password != "" {
		clientOpts.Password = opts.Password
	}

	client, err := valkey.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}

	return &ValkeySink{
		client:  client,
		key:     opts.Key,
		channel: opts.Channel,
		ttl:     opts.TTL,
	}, nil
}

func (s *ValkeySink) Publish(ctx context.Context, payload []byte) error {
	cmds := make(valkey.Commands, 0, 2)
	set := s.client.B().Set().Key(s.key).Value(string(payload))
	if s.ttl > 0 {
		cmds = append(cmds, set.Ex(s.ttl).Build())
	} else {
		cmds = append(cmds, set.Build())
	}
	if s.channel != "" {
		cmds = append(cmds, s.client.B().Publish().Channel(s.channel).Message(string(payload)).Build())
	}

	for _, res := range s.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ValkeySink) Close() {
	s.client.Close()
}
