package client

import (
	"context"
	"time"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/msg"
)

// DefaultAppFrequency is the iterate rate used when Run is given a non-positive frequency
const DefaultAppFrequency = 5.0

// Application is a community process driven by Run
type Application interface {
	// OnNewMail handles one batch of incoming messages, in arrival order
	OnNewMail(mail []msg.Message) error
	// Iterate does the periodic work of the process
	Iterate() error
}

// Mailbox is the part of a session Run needs
type Mailbox interface {
	Fetch() []msg.Message
}

// Run drives app until ctx is cancelled: each cycle hands the pending mail batch to
// OnNewMail, then calls Iterate, then sleeps until the next tick of frequency (Hz).
// The first error returned by app stops the loop.
func Run(ctx context.Context, mb Mailbox, app Application, frequency float64) error {
	if frequency <= 0 {
		frequency = DefaultAppFrequency
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / frequency))
	defer ticker.Stop()

	for {
		if mail := mb.Fetch(); len(mail) > 0 {
			if err := app.OnNewMail(mail); err != nil {
				return errors.Wrap(err, "client", "Run", "handle mail")
			}
		}
		if err := app.Iterate(); err != nil {
			return errors.Wrap(err, "client", "Run", "iterate")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
