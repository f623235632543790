package bip

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bvll"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// foreignState is the Foreign Device mode state of §4.3: the configured
// BBMD, the registration TTL and status, and the three timers that drive
// the registration protocol (next-attempt, renewal, expiration).
type foreignState struct {
	bbmdAddr pdu.Address
	ttl      uint16
	status   RegistrationStatus

	retryInterval backoff.BackOff
	retryTimer    *time.Timer
	renewalTimer  *time.Timer
	expiryTimer   *time.Timer
}

// Register begins (or restarts) Foreign Device registration against bbmd
// with the given TTL, per §4.3 step 1: "register(bbmd, ttl) schedules a
// RegisterForeignDevice immediately."
func (a *Adapter) Register(ctx context.Context, bbmd pdu.Address, ttl uint16) {
	a.mu.Lock()
	a.foreign.bbmdAddr = bbmd
	a.foreign.ttl = ttl
	a.foreign.status = StatusInProgress
	interval := ttl
	if interval > 5 {
		interval = 5
	}
	a.foreign.retryInterval = backoff.NewConstantBackOff(time.Duration(interval) * time.Second)
	a.mu.Unlock()

	a.sendRegisterForeignDevice(ctx, ttl)
	a.scheduleForeignRetry(ctx)
}

// Unregister sends RegisterForeignDevice with TTL=0 and tears down the
// registration timers, per §4.3 step 6. A second call is a no-op per the
// "unregister followed by unregister is a no-op" round-trip property.
func (a *Adapter) Unregister(ctx context.Context) {
	a.mu.Lock()
	if a.foreign.status == StatusUnregistered && a.foreign.retryTimer == nil && a.foreign.renewalTimer == nil {
		a.mu.Unlock()
		return
	}
	a.stopForeignTimersLocked()
	a.foreign.status = StatusUnregistered
	a.mu.Unlock()

	a.sendRegisterForeignDevice(ctx, 0)
}

func (a *Adapter) stopForeignTimersLocked() {
	if a.foreign.retryTimer != nil {
		a.foreign.retryTimer.Stop()
		a.foreign.retryTimer = nil
	}
	if a.foreign.renewalTimer != nil {
		a.foreign.renewalTimer.Stop()
		a.foreign.renewalTimer = nil
	}
	if a.foreign.expiryTimer != nil {
		a.foreign.expiryTimer.Stop()
		a.foreign.expiryTimer = nil
	}
}

func (a *Adapter) sendRegisterForeignDevice(ctx context.Context, ttl uint16) {
	a.mu.Lock()
	bbmd := a.foreign.bbmdAddr
	a.mu.Unlock()
	frame := bvll.Encode(bvll.RegisterForeignDevice{TTL: ttl})
	a.transport.Send(ctx, frame, bbmd)
}

// scheduleForeignRetry arranges the next registration attempt at
// min(5, ttl) seconds, per §4.3 step 2, until a Result=0 is observed.
func (a *Adapter) scheduleForeignRetry(ctx context.Context) {
	a.mu.Lock()
	if a.foreign.status == StatusRegistered {
		a.mu.Unlock()
		return
	}
	d := a.foreign.retryInterval.NextBackOff()
	ttl := a.foreign.ttl
	a.foreign.retryTimer = time.AfterFunc(d, func() {
		a.sendRegisterForeignDevice(ctx, ttl)
		a.scheduleForeignRetry(ctx)
	})
	a.mu.Unlock()
}

// foreignHandleResult processes an inbound Result while in Foreign mode,
// accepting it only from the configured BBMD address (Open Question 2:
// address-only comparison including port, per pdu.Address.Equal).
func (a *Adapter) foreignHandleResult(ctx context.Context, v bvll.Result, from pdu.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !from.Equal(a.foreign.bbmdAddr) {
		return
	}
	if v.Code != bvll.ResultSuccess {
		return
	}

	a.stopForeignTimersLocked()
	a.foreign.status = StatusRegistered
	if a.foreign.retryInterval != nil {
		a.foreign.retryInterval.Reset()
	}

	ttl := a.foreign.ttl
	grace := a.cfg.ExpirationGrace
	if grace == 0 {
		grace = 30 * time.Second
	}
	a.foreign.renewalTimer = time.AfterFunc(time.Duration(ttl)*time.Second, func() {
		a.sendRegisterForeignDevice(ctx, ttl)
	})
	a.foreign.expiryTimer = time.AfterFunc(time.Duration(ttl)*time.Second+grace, func() {
		a.mu.Lock()
		a.foreign.status = StatusUnregistered
		a.mu.Unlock()
	})
}

// foreignHandleForwardedNPDU delivers a ForwardedNPDU from the registered
// BBMD as a LocalBroadcast, per §4.3.
func (a *Adapter) foreignHandleForwardedNPDU(ctx context.Context, v bvll.ForwardedNPDU, from pdu.Address) {
	a.mu.Lock()
	registered := a.foreign.status == StatusRegistered && from.Equal(a.foreign.bbmdAddr)
	a.mu.Unlock()
	if !registered {
		return
	}
	a.upstream.Indication(ctx, v.NPDU, pdu.LocalBroadcast())
}

// sendForeignBroadcast wraps an outbound local broadcast as
// DistributeBroadcastToNetwork and unicasts it to the BBMD, dropping it if
// not currently registered, per §4.3 and invariant 7.
func (a *Adapter) sendForeignBroadcast(ctx context.Context, npdu []byte) error {
	a.mu.Lock()
	status := a.foreign.status
	bbmd := a.foreign.bbmdAddr
	a.mu.Unlock()
	if status != StatusRegistered {
		return communicationErrorf("foreign device not registered: broadcast dropped")
	}
	frame := bvll.Encode(bvll.DistributeBroadcastToNetwork{NPDU: npdu})
	return a.transport.Send(ctx, frame, bbmd)
}

// Status reports the adapter's current Foreign Device registration status.
func (a *Adapter) Status() RegistrationStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.foreign.status
}
