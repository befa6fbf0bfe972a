package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// ShoutrrrSender relays notifications to any shoutrrr service URL
// (ntfy://, discord://, pushover://, ...).
type ShoutrrrSender struct {
	router *router.ServiceRouter
}

// NewShoutrrrSender validates the service URLs up front.
func NewShoutrrrSender(urls ...string) (*ShoutrrrSender, error) {
	if len(urls) == 0 {
		return nil, errors.New("shoutrrr: at least one service url is required")
	}
	r, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create shoutrrr sender: %w", err)
	}
	return &ShoutrrrSender{router: r}, nil
}

func (s *ShoutrrrSender) Name() string { return "shoutrrr" }

// Send blocks until every service answered or ctx expires.
func (s *ShoutrrrSender) Send(ctx context.Context, note Notification) error {
	params := types.Params{"title": note.Title}
	done := make(chan []error, 1)
	go func() {
		done <- s.router.Send(note.Message, &params)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("shoutrrr send: %w", ctx.Err())
	case errs := <-done:
		var joined []error
		for _, err := range errs {
			if err != nil {
				joined = append(joined, err)
			}
		}
		if len(joined) > 0 {
			return fmt.Errorf("shoutrrr send: %w", errors.Join(joined...))
		}
		return nil
	}
}

var _ Sender = (*ShoutrrrSender)(nil)
