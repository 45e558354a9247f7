/*
Package sequencer schedules periodic and triggered Notify events on a background goroutine.

A Sequencer holds a set of named events. Each event with a period fires on its own schedule
once the sequencer is started; any event can also be fired on demand with Trigger. Stop
blocks until the background goroutine has exited, so no event fires after Stop returns.
*/
package sequencer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/msg"
)

// triggerQueue is the number of pending Trigger requests before Trigger fails
const triggerQueue = 16

// Poster is the outbound path events are posted to, typically a *client.Client
type Poster interface {
	Post(m msg.Message) error
}

// Event describes one scheduled message
type Event struct {
	// Name identifies the event for Trigger; it must be unique within a Sequencer
	Name string
	// Period between firings; zero means the event only fires when triggered
	Period time.Duration
	// Build creates the message to post. seq counts the firings of this event, from 1.
	Build func(seq uint64) msg.Message
}

// Counter returns an event that notifies key with its own firing count every period
func Counter(key string, period time.Duration) Event {
	return Event{
		Name:   key,
		Period: period,
		Build: func(seq uint64) msg.Message {
			return msg.NewDouble(msg.Notify, key, float64(seq), 0)
		},
	}
}

type event struct {
	Event
	next time.Time
	seq  uint64
}

type Sequencer struct {
	poster Poster
	logger *slog.Logger

	// Events are only changed while stopped, so the run goroutine reads them unlocked
	events map[string]*event

	trigger chan string

	run_mutex sync.Mutex
	running   bool
	stop      chan struct{}
	exited    chan struct{}
}

func New(poster Poster, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		poster:  poster,
		logger:  logger.With("component", "sequencer"),
		events:  make(map[string]*event),
		trigger: make(chan string, triggerQueue),
	}
}

// Add schedules ev. Events can only be added while the sequencer is stopped.
func (s *Sequencer) Add(ev Event) error {
	s.run_mutex.Lock()
	defer s.run_mutex.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Sequencer", "Add", fmt.Sprintf("add event %s", ev.Name))
	}
	if ev.Name == "" || ev.Build == nil || ev.Period < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Sequencer", "Add", fmt.Sprintf("add event %q", ev.Name))
	}
	if _, exists := s.events[ev.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("event %s already scheduled: %w", ev.Name, errors.ErrInvalidConfig),
			"Sequencer", "Add", "add event")
	}
	s.events[ev.Name] = &event{Event: ev}
	return nil
}

// IsRunning reports whether the background goroutine is active
func (s *Sequencer) IsRunning() bool {
	s.run_mutex.Lock()
	defer s.run_mutex.Unlock()
	return s.running
}

// Start launches the background goroutine. Each periodic event first fires one period from now.
func (s *Sequencer) Start() error {
	s.run_mutex.Lock()
	defer s.run_mutex.Unlock()

	if s.running {
		return errors.ErrAlreadyStarted
	}
	now := time.Now()
	for _, ev := range s.events {
		ev.next = now.Add(ev.Period)
	}
	// Drop triggers left over from a previous run
	for len(s.trigger) > 0 {
		<-s.trigger
	}
	s.stop = make(chan struct{})
	s.exited = make(chan struct{})
	s.running = true
	go s.run(s.stop, s.exited)
	return nil
}

// Stop asks the background goroutine to finish, and blocks until it has exited
func (s *Sequencer) Stop() error {
	s.run_mutex.Lock()
	defer s.run_mutex.Unlock()

	if !s.running {
		return errors.ErrNotStarted
	}
	close(s.stop)
	<-s.exited
	s.running = false
	return nil
}

// Trigger fires the named event as soon as the background goroutine is free
func (s *Sequencer) Trigger(name string) error {
	s.run_mutex.Lock()
	defer s.run_mutex.Unlock()

	if !s.running {
		return errors.ErrNotStarted
	}
	if _, ok := s.events[name]; !ok {
		return errors.WrapInvalid(fmt.Errorf("unknown event %s: %w", name, errors.ErrInvalidConfig),
			"Sequencer", "Trigger", "trigger event")
	}
	select {
	case s.trigger <- name:
		return nil
	default:
		return errors.WrapTransient(errors.ErrOutboxFull, "Sequencer", "Trigger", fmt.Sprintf("queue event %s", name))
	}
}

func (s *Sequencer) run(stop <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}
	var wake <-chan time.Time
	if d, ok := s.untilNext(time.Now()); ok {
		timer.Reset(d)
		wake = timer.C
	}

	for {
		select {
		case <-stop:
			return
		case name := <-s.trigger:
			s.fire(s.events[name])
		case <-wake:
			now := time.Now()
			for _, ev := range s.events {
				if ev.Period <= 0 || now.Before(ev.next) {
					continue
				}
				s.fire(ev)
				ev.next = ev.next.Add(ev.Period)
				if ev.next.Before(now) {
					// Fell behind; skip the missed firings rather than bursting
					ev.next = now.Add(ev.Period)
				}
			}
			d, _ := s.untilNext(now)
			timer.Reset(d)
		}

		// Safe point: a unit of work is complete
		select {
		case <-stop:
			return
		default:
		}
	}
}

// untilNext returns the delay to the earliest periodic event, or false if there is none
func (s *Sequencer) untilNext(now time.Time) (time.Duration, bool) {
	var earliest time.Time
	found := false
	for _, ev := range s.events {
		if ev.Period <= 0 {
			continue
		}
		if !found || ev.next.Before(earliest) {
			earliest = ev.next
			found = true
		}
	}
	if !found {
		return 0, false
	}
	d := earliest.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Sequencer) fire(ev *event) {
	ev.seq++
	m := ev.Build(ev.seq)
	if err := s.poster.Post(m); err != nil {
		s.logger.Warn("Failed to post scheduled event", "event", ev.Name, "key", m.Key, "error", err)
		return
	}
	s.logger.Debug("Posted scheduled event", "event", ev.Name, "key", m.Key, "seq", ev.seq)
}
