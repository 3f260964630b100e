// Package notify sends best-effort alert emails when a model fires.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrNotify = errors.New("notification failed")

// Sender delivers one message to the configured recipient.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Observer records delivery outcomes, implemented by metrics.Metrics.
type Observer interface {
	ObserveNotification(subject string, err error)
}

type Option func(*Notifier)

// WithAsync makes Notify return before delivery completes.
func WithAsync(async bool) Option {
	return func(n *Notifier) { n.async = async }
}

func WithObserver(o Observer) Option {
	return func(n *Notifier) { n.observer = o }
}

// Notifier never reports failures to its caller; they are logged and
// counted.
type Notifier struct {
	sender   Sender
	logger   *zap.Logger
	observer Observer
	async    bool
	wg       sync.WaitGroup
}

// New returns a Notifier. A nil sender disables delivery.
func New(sender Sender, logger *zap.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{sender: sender, logger: logger}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Notifier) Notify(accident, theft bool) {
	msg, ok := Compose(accident, theft)
	if !ok {
		return
	}
	if n.sender == nil {
		n.logger.Warn("email notification disabled, alert dropped", zap.String("subject", msg.Subject))
		return
	}

	if n.async {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.deliver(msg)
		}()
		return
	}
	n.deliver(msg)
}

// Close waits for asynchronous deliveries still in flight.
func (n *Notifier) Close() {
	n.wg.Wait()
}

func (n *Notifier) deliver(msg Message) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
			n.report(msg, err)
		}
	}()

	err = n.sender.Send(context.Background(), msg)
	n.report(msg, err)
}

func (n *Notifier) report(msg Message, err error) {
	if n.observer != nil {
		n.observer.ObserveNotification(msg.Subject, err)
	}
	if err != nil {
		n.logger.Error("email sending failed",
			zap.String("subject", msg.Subject),
			zap.Error(fmt.Errorf("%w: %w", ErrNotify, err)))
		return
	}
	n.logger.Info("email sent", zap.String("subject", msg.Subject))
}
