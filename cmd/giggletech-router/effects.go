package main

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// WatchdogNotifier receives proximity arrival times. Implemented by *Watchdog.
type WatchdogNotifier interface {
	Notify(at time.Time)
}

// effectEnv is everything runEffect may touch.
type effectEnv struct {
	motor    MotorSender
	watchdog WatchdogNotifier
	metrics  *Metrics
	sendErrs *sendErrorLog
	logger   *slog.Logger
	now      func() time.Time
}

func newEffectEnv(motor MotorSender, watchdog WatchdogNotifier, metrics *Metrics, logger *slog.Logger) *effectEnv {
	return &effectEnv{
		motor:    motor,
		watchdog: watchdog,
		metrics:  metrics,
		sendErrs: newSendErrorLog(sendErrorLogEvery),
		logger:   logger,
		now:      time.Now,
	}
}

// runEffect executes a single reducer-emitted Command and reports the outcome
// through onEvent.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; it only emits Events.
// - A failed send is reported, never retried.
func runEffect(env *effectEnv, cmd Command, onEvent func(Event)) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	switch c := cmd.(type) {
	case CmdSetMotor:
		if c.Reason == reasonPat {
			env.logger.Info(patLine(c.Proximity, c.Intensity, c.MaxSpeed))
		}

		if env.motor == nil {
			onEvent(MotorCommandFailed{Command: c, Err: errNoSender{}, At: env.now()})
			return
		}

		err := env.motor.SendMotor(c.Intensity)
		env.metrics.observeSend(sourceRouter, c.Intensity, err)
		if err != nil {
			err = fmt.Errorf("send motor command: %w", err)
			env.sendErrs.report(env.logger, "motor send failed", err, "intensity", c.Intensity, "reason", c.Reason)
			onEvent(MotorCommandFailed{Command: c, Err: err, At: env.now()})
			return
		}
		onEvent(MotorCommandSent{Command: c, At: env.now()})

	case CmdNotifyWatchdog:
		if env.watchdog != nil {
			env.watchdog.Notify(c.At)
		}

	case CmdPublishStateSnapshot:
		if c.Reply == nil {
			env.logger.Warn("state snapshot requested with nil reply channel")
			return
		}

		// Never block the router on a requester.
		select {
		case c.Reply <- c.Snapshot:
		default:
			env.logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		env.logger.Warn("unknown command type", "command", cmd.String())
	}
}

// errNoSender indicates a motor command was executed without a device endpoint.
type errNoSender struct{}

func (errNoSender) Error() string { return "no device endpoint" }

// sendErrorLog throttles repeated send failures from one goroutine.
// Not safe for concurrent use; each sender owns one.
type sendErrorLog struct {
	limiter    *rate.Limiter
	suppressed int
}

func newSendErrorLog(every time.Duration) *sendErrorLog {
	return &sendErrorLog{limiter: rate.NewLimiter(rate.Every(every), 1)}
}

func (l *sendErrorLog) report(logger *slog.Logger, msg string, err error, attrs ...any) {
	if !l.limiter.Allow() {
		l.suppressed++
		return
	}
	args := append([]any{"error", err}, attrs...)
	if l.suppressed > 0 {
		args = append(args, "suppressed", l.suppressed)
		l.suppressed = 0
	}
	logger.Warn(msg, args...)
}
