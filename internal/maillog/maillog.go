// Package maillog records incoming mail to a stream and replays recorded notifications.
package maillog

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/CiaranWoodward/commbridge/sequencer"
)

// Recorder appends every message it is given to a stream, one encoded message after another
type Recorder struct {
	w  io.Writer
	tc msg.Transcoder

	mu    sync.Mutex
	count int
}

func NewRecorder(w io.Writer, tc msg.Transcoder) *Recorder {
	return &Recorder{w: w, tc: tc}
}

// Record writes a batch of mail. It is safe to use as a client mail handler.
func (r *Recorder) Record(mail []msg.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range mail {
		b, err := r.tc.Encode(m)
		if err != nil {
			return errors.Wrap(err, "Recorder", "Record", "encode "+m.Key)
		}
		if _, err := r.w.Write(b); err != nil {
			return errors.Wrap(err, "Recorder", "Record", "write "+m.Key)
		}
		r.count++
	}
	return nil
}

// Count returns the number of messages recorded so far
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Replay posts every recorded notification in rd, restamped with the current time, and
// returns how many were posted. With a positive speed the recorded gaps between messages are
// kept, divided by speed; otherwise messages are posted back to back. Other message types are
// skipped.
func Replay(ctx context.Context, rd io.Reader, tc msg.Transcoder, p sequencer.Poster, speed float64) (int, error) {
	dec := tc.NewStreamDecoder(rd)
	posted := 0
	var last float64
	for {
		m, err := dec.DecodeNext()
		if err == io.EOF {
			return posted, nil
		}
		if err != nil {
			return posted, errors.Wrap(err, "maillog", "Replay", "decode message")
		}
		if m.Type != msg.Notify {
			continue
		}

		if speed > 0 && last > 0 && m.Time > last {
			gap := time.Duration((m.Time - last) / speed * float64(time.Second))
			t := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				t.Stop()
				return posted, ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return posted, err
		}
		last = m.Time

		m.SetTime(msg.Now())
		if err := p.Post(m); err != nil {
			return posted, errors.Wrap(err, "maillog", "Replay", "post "+m.Key)
		}
		posted++
	}
}
