package lorawan

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/alpd/internal/logging"
)

// SimConfig configures a simulated stack.
type SimConfig struct {
	// JoinDelay is the time an OTAA join takes.
	JoinDelay time.Duration
	// DutyCycle is the allowed fraction of airtime (0.01 for 1%).
	DutyCycle float64
	// TxDelay is the time between Send and its completion.
	TxDelay time.Duration
	// Uplink receives every transmitted frame.
	Uplink func(port uint8, payload []byte)
	Logger *slog.Logger
}

// airtime per frame, in milliseconds: preamble plus per byte cost at SF7
const (
	airtimeBaseMs    = 40
	airtimePerByteMs = 2
	maxAirtimeMs     = 2000
)

func airtimeMs(n int) int {
	return airtimeBaseMs + airtimePerByteMs*n
}

// Sim is a Stack that transmits into a callback and enforces a regulatory
// duty cycle with a token bucket of airtime milliseconds.
type Sim struct {
	cfg     SimConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	cb       Callbacks
	active   bool
	joined   bool
	inflight bool
	timers   []*time.Timer
}

// NewSim creates a simulated stack.
func NewSim(cfg SimConfig) *Sim {
	if cfg.DutyCycle <= 0 || cfg.DutyCycle > 1 {
		cfg.DutyCycle = 0.01
	}
	return &Sim{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.DutyCycle*1000), maxAirtimeMs),
		logger:  logging.Component(cfg.Logger, "lorawan-sim"),
	}
}

// SetCallbacks implements Stack.
func (s *Sim) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *Sim) after(d time.Duration, fn func()) {
	s.timers = append(s.timers, time.AfterFunc(d, fn))
}

// InitOTAA implements Stack.
func (s *Sim) InitOTAA(cfg OTAAConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimers()
	s.active = true
	s.joined = false
	s.inflight = false
	s.logger.Info("joining", "dev_eui", cfg.DevEUI[:])
	s.after(s.cfg.JoinDelay, func() {
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			return
		}
		s.joined = true
		update := s.cb.StatusUpdate
		s.mu.Unlock()
		if update != nil {
			update(StatusJoined, 1)
		}
	})
	return nil
}

// InitABP implements Stack.
func (s *Sim) InitABP(cfg ABPConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimers()
	s.active = true
	s.joined = true
	s.inflight = false
	s.logger.Info("activated", "dev_addr", cfg.DevAddr)
	return nil
}

// Deinit implements Stack.
func (s *Sim) Deinit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimers()
	s.active = false
	s.joined = false
	s.inflight = false
}

func (s *Sim) stopTimers() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// Joined implements Stack.
func (s *Sim) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && s.joined
}

// Send implements Stack.
func (s *Sim) Send(payload []byte, port uint8, requestAck bool) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.active || !s.joined:
		return StatusNotJoined
	case s.inflight:
		return StatusBusy
	}

	n := airtimeMs(len(payload))
	if n > maxAirtimeMs {
		return StatusTxNotPossible
	}
	now := time.Now()
	r := s.limiter.ReserveN(now, n)
	if !r.OK() {
		return StatusTxNotPossible
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return StatusDutyCycle
	}

	frame := append([]byte(nil), payload...)
	s.inflight = true
	s.after(s.cfg.TxDelay, func() {
		s.mu.Lock()
		if !s.inflight {
			s.mu.Unlock()
			return
		}
		s.inflight = false
		uplink, completed := s.cfg.Uplink, s.cb.Completed
		s.mu.Unlock()

		if uplink != nil {
			uplink(port, frame)
		}
		if completed != nil {
			completed(StatusOK, 1)
		}
	})
	return StatusOK
}

// DutyCycleDelay implements Stack. It is the wait until a frame of minimal
// size fits the airtime budget.
func (s *Sim) DutyCycleDelay() time.Duration {
	tokens := s.limiter.Tokens()
	need := float64(airtimeMs(0))
	if tokens >= need {
		return 0
	}
	secs := (need - tokens) / float64(s.limiter.Limit())
	return time.Duration(secs * float64(time.Second))
}

// Downlink injects a received payload as if it came from the network.
func (s *Sim) Downlink(payload []byte) {
	s.mu.Lock()
	active, receive := s.active, s.cb.Receive
	s.mu.Unlock()
	if active && receive != nil {
		receive(append([]byte(nil), payload...))
	}
}
