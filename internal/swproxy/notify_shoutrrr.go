package swproxy

import (
	"context"
	"io"
	"log"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"go.trai.ch/zerr"
)

// shoutrrrNotifier delivers notifications to every configured service URL.
type shoutrrrNotifier struct {
	sender *router.ServiceRouter
}

func newShoutrrrNotifier(urls []string, timeout time.Duration) (*shoutrrrNotifier, error) {
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		// service URLs carry tokens; keep them out of the error
		return nil, zerr.With(zerr.New("invalid notification urls"), "count", len(urls))
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &shoutrrrNotifier{sender: sender}, nil
}

func (s *shoutrrrNotifier) Show(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := stypes.Params{}
	if n.Title != "" {
		params.SetTitle(n.Title)
	}
	msg := n.Body
	if n.Data.URL != "" {
		msg = strings.TrimSpace(msg + "\n" + n.Data.URL)
	}
	for _, err := range s.sender.Send(msg, &params) {
		if err != nil {
			return zerr.With(withKind(ErrNotificationSend, err), "id", n.ID)
		}
	}
	return nil
}
