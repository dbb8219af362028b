// Package dispatcher relays operator pump commands to the device.
//
// A command runs in three phases:
//  1. begin: check preconditions, remember the confirmed pump state and
//     publish the target optimistically with Pending set
//  2. send: call the device
//  3. commit or revert: keep (or correct) the pump state on success,
//     restore the remembered state on any failure
//
// Only one command may be pending; a second request fails with ErrBusy
// instead of being queued.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/database"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/metrics"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/state"
)

var (
	// ErrMode is returned when commands are not accepted: auto mode or no
	// connection to the device.
	ErrMode = errors.New("command not allowed")
	// ErrBusy is returned while another command is pending.
	ErrBusy = errors.New("another command is pending")
	// ErrDeviceRejected is returned when the device answered but refused.
	ErrDeviceRejected = errors.New("device rejected command")
)

// CommandSender is the write side of the device client.
type CommandSender interface {
	SendCommand(ctx context.Context, target models.PumpState) (models.CommandResult, error)
}

// Outcome describes a dispatched command. On failure Pump holds the
// restored state.
type Outcome struct {
	ID       string           `json:"id"`
	Target   models.PumpState `json:"target"`
	Previous models.PumpState `json:"previous"`
	Pump     models.PumpState `json:"pump"`
	// Mismatch is set when the device confirmed a different state than
	// the one requested.
	Mismatch bool `json:"mismatch,omitempty"`
}

// Dispatcher issues pump commands against the shared store.
type Dispatcher struct {
	sender  CommandSender
	store   *state.Store
	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   database.CommandLog
	timeout time.Duration
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithAuditLog records every resolved command.
func WithAuditLog(log database.CommandLog) Option {
	return func(d *Dispatcher) {
		d.audit = log
	}
}

// WithTimeout bounds each device call.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

func New(sender CommandSender, store *state.Store, logger *logrus.Logger, m *metrics.Metrics, opts ...Option) *Dispatcher {
	if m == nil {
		m = metrics.New(nil)
	}
	d := &Dispatcher{
		sender:  sender,
		store:   store,
		logger:  logger,
		metrics: m,
		audit:   database.NopCommandLog{},
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Toggle switches the pump to the inverse of its last confirmed state.
func (d *Dispatcher) Toggle(ctx context.Context, source string) (Outcome, error) {
	return d.dispatch(ctx, source, func(confirmed models.PumpState) models.PumpState {
		return confirmed.Inverse()
	})
}

// Set switches the pump to target. The command is sent even when target
// equals the confirmed state, since the device is the authority.
func (d *Dispatcher) Set(ctx context.Context, target models.PumpState, source string) (Outcome, error) {
	return d.dispatch(ctx, source, func(models.PumpState) models.PumpState {
		return target
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, source string, pick func(confirmed models.PumpState) models.PumpState) (Outcome, error) {
	out := Outcome{ID: uuid.NewString()}
	requestedAt := time.Now().UTC()

	// begin
	err := d.store.Update(func(st *state.State) error {
		switch {
		case st.Mode == models.ModeAuto:
			return fmt.Errorf("%w: auto mode is active", ErrMode)
		case !st.Connectivity.Connected:
			return fmt.Errorf("%w: device is disconnected", ErrMode)
		case st.Pending:
			return ErrBusy
		}
		out.Previous = st.Snapshot.Pump
		out.Target = pick(out.Previous)
		st.Snapshot.Pump = out.Target
		st.Pending = true
		return nil
	})
	if err != nil {
		reason := "rejected_mode"
		if errors.Is(err, ErrBusy) {
			reason = "rejected_busy"
		}
		d.metrics.Commands.WithLabelValues("none", reason).Inc()
		return Outcome{}, err
	}

	log := d.logger.WithFields(logrus.Fields{
		"command_id": out.ID,
		"source":     source,
		"target":     out.Target.String(),
		"previous":   out.Previous.String(),
	})
	log.Info("Sending pump command")

	// send
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	result, sendErr := d.sender.SendCommand(sendCtx, out.Target)
	cancel()

	if sendErr == nil && !result.Accepted {
		sendErr = fmt.Errorf("%w: %s", ErrDeviceRejected, result.ErrorMessage)
	}

	if sendErr != nil {
		d.revert(out.Previous)
		d.metrics.Commands.WithLabelValues(out.Target.String(), "failed").Inc()
		log.WithError(sendErr).Warn("Pump command failed, rolled back")
		d.record(out, requestedAt, source, result, sendErr)
		out.Pump = out.Previous
		return out, sendErr
	}

	// commit
	out.Pump = out.Target
	if result.ConfirmedPumpState != nil {
		out.Pump = *result.ConfirmedPumpState
		if out.Pump != out.Target {
			out.Mismatch = true
			log.WithField("confirmed", out.Pump.String()).
				Warn("Device confirmed a different pump state than requested")
		}
	}
	d.commit(out.Pump)
	d.metrics.Commands.WithLabelValues(out.Target.String(), "accepted").Inc()
	log.WithField("pump", out.Pump.String()).Info("Pump command accepted")
	d.record(out, requestedAt, source, result, nil)
	return out, nil
}

func (d *Dispatcher) commit(pump models.PumpState) {
	err := d.store.Update(func(st *state.State) error {
		st.Snapshot.Pump = pump
		st.Pending = false
		return nil
	})
	if err != nil {
		d.logger.WithError(err).Error("Failed to commit pump state")
	}
}

func (d *Dispatcher) revert(previous models.PumpState) {
	err := d.store.Update(func(st *state.State) error {
		st.Snapshot.Pump = previous
		st.Pending = false
		return nil
	})
	if err != nil {
		d.logger.WithError(err).Error("Failed to roll back pump state")
	}
}

func (d *Dispatcher) record(out Outcome, requestedAt time.Time, source string, result models.CommandResult, cmdErr error) {
	entry := database.CommandEntry{
		ID:          out.ID,
		RequestedAt: requestedAt,
		Source:      source,
		Target:      out.Target.String(),
		Previous:    out.Previous.String(),
		Accepted:    cmdErr == nil,
	}
	if result.ConfirmedPumpState != nil {
		entry.Confirmed = result.ConfirmedPumpState.String()
	}
	if cmdErr != nil {
		entry.Error = cmdErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.audit.Record(ctx, entry); err != nil {
		d.logger.WithError(err).WithField("command_id", out.ID).Warn("Failed to write command audit entry")
	}
}
