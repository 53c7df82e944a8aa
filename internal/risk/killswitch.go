package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/model"
	"github.com/quantmesh/coordinator/pkg/metrics"
)

// KillSwitch is the process-wide emergency stop. It is engaged automatically
// by a daily-loss breach or manually by an operator, and cleared only by an
// explicit operator action so a breach cannot flap.
type KillSwitch struct {
	mu     sync.RWMutex
	state  model.KillSwitchState
	logger *zap.Logger
}

// NewKillSwitch creates a disengaged kill switch.
func NewKillSwitch(logger *zap.Logger) *KillSwitch {
	return &KillSwitch{logger: logger}
}

// Engaged reports whether the switch is currently engaged.
func (k *KillSwitch) Engaged() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state.Engaged
}

// State returns a snapshot of the switch.
func (k *KillSwitch) State() model.KillSwitchState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// Engage trips the switch. A second engagement keeps the original reason.
func (k *KillSwitch) Engage(reason, by string) {
	k.mu.Lock()
	if k.state.Engaged {
		k.mu.Unlock()
		return
	}
	k.state = model.KillSwitchState{
		Engaged:   true,
		Reason:    reason,
		EngagedAt: time.Now().UTC(),
		EngagedBy: by,
	}
	k.mu.Unlock()

	metrics.KillSwitchEngaged.Set(1)
	k.logger.Error("Kill switch engaged",
		zap.String("reason", reason),
		zap.String("engaged_by", by))
}

// Clear disengages the switch. Only ever called from the control plane.
func (k *KillSwitch) Clear(by string) {
	k.mu.Lock()
	wasEngaged := k.state.Engaged
	reason := k.state.Reason
	k.state = model.KillSwitchState{}
	k.mu.Unlock()

	if wasEngaged {
		metrics.KillSwitchEngaged.Set(0)
		k.logger.Warn("Kill switch cleared",
			zap.String("previous_reason", reason),
			zap.String("cleared_by", by))
	}
}
