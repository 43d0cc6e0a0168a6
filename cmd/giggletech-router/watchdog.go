package main

import (
	"context"
	"log/slog"
	"time"
)

// WatchdogConfig controls the inactivity watchdog. Zero values fall back to
// the 1s poll / 5s timeout the device firmware expects.
type WatchdogConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Watchdog sends a stop command when proximity telemetry goes silent.
//
// The last-signal time is owned by the Run goroutine. The router reports
// arrivals through Notify, which never blocks: a one-slot mailbox keeps only
// the newest time. Firing also counts as a signal, so after one stop the next
// needs another full Timeout of silence.
type Watchdog struct {
	cfg    WatchdogConfig
	sender MotorSender

	notify chan time.Time
	last   time.Time
	now    func() time.Time

	metrics    *Metrics
	broadcasts chan<- StateBroadcast
	sendErrs   *sendErrorLog
	logger     *slog.Logger
}

// NewWatchdog creates a watchdog writing to its own device endpoint. The
// silence clock starts at construction.
func NewWatchdog(cfg WatchdogConfig, sender MotorSender, metrics *Metrics, broadcasts chan<- StateBroadcast, logger *slog.Logger) *Watchdog {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = watchdogPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = watchdogTimeout
	}
	if logger == nil {
		logger = discardLogger()
	}
	w := &Watchdog{
		cfg:        cfg,
		sender:     sender,
		notify:     make(chan time.Time, 1),
		now:        time.Now,
		metrics:    metrics,
		broadcasts: broadcasts,
		sendErrs:   newSendErrorLog(sendErrorLogEvery),
		logger:     logger,
	}
	w.last = w.now()
	return w
}

// Notify records a proximity arrival. Safe to call from one producer
// goroutine concurrently with Run.
func (w *Watchdog) Notify(at time.Time) {
	for {
		select {
		case w.notify <- at:
			return
		default:
		}
		// Mailbox full: swap the pending time for the newer of the two.
		select {
		case pending := <-w.notify:
			if pending.After(at) {
				at = pending
			}
		default:
		}
	}
}

// Run polls until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Debug("watchdog started", "poll", w.cfg.PollInterval, "timeout", w.cfg.Timeout)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("watchdog stopping (context canceled)")
			return nil

		case at := <-w.notify:
			w.observe(at)

		case <-ticker.C:
			// Apply a notification that raced with the tick before judging.
			select {
			case at := <-w.notify:
				w.observe(at)
			default:
			}
			w.tick(w.now())
		}
	}
}

func (w *Watchdog) observe(at time.Time) {
	if at.After(w.last) {
		w.last = at
	}
}

// tick evaluates one poll. It returns true when a stop was issued.
func (w *Watchdog) tick(now time.Time) bool {
	silence := now.Sub(w.last)
	if silence < w.cfg.Timeout {
		return false
	}

	w.logger.Info("pat timeout", "silence", silence.Round(time.Millisecond))

	var err error
	if w.sender == nil {
		err = errNoSender{}
	} else {
		err = w.sender.SendMotor(stopIntensity)
	}
	w.metrics.observeSend(sourceWatchdog, stopIntensity, err)
	w.metrics.observeWatchdogStop()
	if err != nil {
		w.sendErrs.report(w.logger, "watchdog stop send failed", err)
	}

	w.last = now

	if w.broadcasts != nil {
		select {
		case w.broadcasts <- BroadcastWatchdogStop{Silence: silence, Delivered: err == nil, At: now}:
		default:
		}
	}
	return true
}
