// Package poller drives the poll loop: for each configured command it runs
// one full send/receive/decode/parse/emit cycle against the device, isolating
// failures so a single bad reading never blocks subsequent polling.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/anti-social/inverter2mqtt/internal/codec"
	"github.com/anti-social/inverter2mqtt/internal/domain"
	"github.com/anti-social/inverter2mqtt/internal/parser"
	"github.com/anti-social/inverter2mqtt/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CycleState is the explicit state of one command's poll cycle.
type CycleState int

const (
	StateIdle CycleState = iota
	StateSending
	StateAwaitingResponse
	StateDecoding
	StateParsing
	StateEmitted
	StateFailed
)

// String returns the string representation of the cycle state.
func (s CycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateDecoding:
		return "decoding"
	case StateParsing:
		return "parsing"
	case StateEmitted:
		return "emitted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of one poll cycle: either a reading set or a
// classified failure. Every Failed terminal state is observable here; nothing
// is swallowed.
type Result struct {
	Command  string
	State    CycleState
	Failure  domain.FailureClass
	Err      error
	Readings *domain.ReadingSet
}

// Config holds poll loop settings.
type Config struct {
	// Interval between poll passes over all commands.
	Interval time.Duration

	// EmitTimeout bounds how long a cycle may block on the publisher.
	EmitTimeout time.Duration

	// DegradedThreshold is how many consecutive transport errors mark the
	// poller degraded.
	DegradedThreshold int
}

// CommandStatus is a point-in-time view of one command's polling health.
type CommandStatus struct {
	Command     string           `json:"command"`
	LastState   string           `json:"last_state"`
	LastFailure string           `json:"last_failure,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	LastSuccess time.Time        `json:"last_success,omitempty"`
	Cycles      int64            `json:"cycles"`
	Failures    map[string]int64 `json:"failures,omitempty"`
}

// Status is a snapshot of overall poller health for the status API.
type Status struct {
	Degraded                   bool            `json:"degraded"`
	ConsecutiveTransportErrors int             `json:"consecutive_transport_errors"`
	Commands                   []CommandStatus `json:"commands"`
}

type commandHealth struct {
	lastState   CycleState
	lastFailure domain.FailureClass
	lastError   string
	lastSuccess time.Time
	cycles      int64
	failures    map[domain.FailureClass]int64
}

// Poller owns the device transport for its lifetime and polls each command
// sequentially: the channel cannot carry concurrent in-flight requests, so
// one cycle completes (or times out) before the next begins.
type Poller struct {
	codec     *codec.Codec
	transport domain.Transport
	parser    *parser.Parser
	publisher domain.Publisher
	commands  []domain.Command
	config    Config
	logger    zerolog.Logger

	mu                   sync.RWMutex
	health               map[string]*commandHealth
	consecutiveTransport int
	lastReadings         map[string]*domain.ReadingSet
}

// New creates a poller over the given transport and command schema.
func New(c *codec.Codec, t domain.Transport, pub domain.Publisher, commands []domain.Command, cfg Config) *Poller {
	health := make(map[string]*commandHealth, len(commands))
	for _, cmd := range commands {
		health[cmd.Mnemonic] = &commandHealth{
			lastState: StateIdle,
			failures:  make(map[domain.FailureClass]int64),
		}
	}

	return &Poller{
		codec:        c,
		transport:    t,
		parser:       parser.NewParser(),
		publisher:    pub,
		commands:     commands,
		config:       cfg,
		logger:       log.With().Str("component", "poller").Logger(),
		health:       health,
		lastReadings: make(map[string]*domain.ReadingSet),
	}
}

// Run polls all commands immediately and then on every interval tick until
// the context is cancelled. The transport is closed on the way out.
func (p *Poller) Run(ctx context.Context) error {
	defer func() {
		if err := p.transport.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("Error closing transport")
		}
	}()

	p.logger.Info().
		Dur("interval", p.config.Interval).
		Int("commands", len(p.commands)).
		Msg("Poll loop started")

	p.pollAll(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

// pollAll runs one cycle per command. A failed cycle is recorded and the loop
// moves on; liveness is preserved per command.
func (p *Poller) pollAll(ctx context.Context) {
	for _, cmd := range p.commands {
		if ctx.Err() != nil {
			return
		}
		res := p.RunCycle(ctx, cmd)
		p.record(res)
	}
}

// RunCycle executes the poll state machine for one command to its terminal
// state. It never retries within the cycle: a failure is reported and the
// command is attempted again on the next tick.
func (p *Poller) RunCycle(ctx context.Context, cmd domain.Command) Result {
	res := Result{Command: cmd.Mnemonic, State: StateIdle}

	p.transition(&res, StateSending)
	chunks, err := p.codec.Encode(cmd.Mnemonic)
	if err != nil {
		return p.fail(res, err)
	}
	for _, chunk := range chunks {
		if err := p.transport.Send(ctx, chunk); err != nil {
			return p.fail(res, err)
		}
	}

	p.transition(&res, StateAwaitingResponse)
	reassembler := p.codec.NewReassembler()
	for !reassembler.Done() {
		chunk, err := p.transport.Receive(ctx)
		if err != nil {
			return p.fail(res, err)
		}
		if err := reassembler.Feed(chunk); err != nil {
			return p.fail(res, err)
		}
	}

	p.transition(&res, StateDecoding)
	body, err := reassembler.Body()
	if err != nil {
		return p.fail(res, err)
	}

	p.transition(&res, StateParsing)
	readings, err := p.parser.Parse(body, cmd.Sensors)
	if err != nil {
		return p.fail(res, err)
	}

	set := &domain.ReadingSet{
		Command:   cmd.Mnemonic,
		Timestamp: time.Now(),
		Readings:  readings,
	}

	// The publisher may be network-bound; never stall the next poll on it
	// longer than the emit bound.
	emitCtx, cancel := context.WithTimeout(ctx, p.config.EmitTimeout)
	err = p.publisher.PublishReadings(emitCtx, set)
	cancel()
	if err != nil {
		return p.fail(res, &publishError{err})
	}

	p.transition(&res, StateEmitted)
	res.Readings = set
	return res
}

// transition advances the cycle state, leaving a trace for failure-path
// debugging.
func (p *Poller) transition(res *Result, next CycleState) {
	p.logger.Trace().
		Str("command", res.Command).
		Str("from", res.State.String()).
		Str("to", next.String()).
		Msg("Cycle transition")
	res.State = next
}

// fail terminates the cycle in the Failed state with a classified error.
func (p *Poller) fail(res Result, err error) Result {
	failedAt := res.State
	res.State = StateFailed
	res.Failure = Classify(err)
	res.Err = err

	p.logger.Warn().
		Str("command", res.Command).
		Str("failed_at", failedAt.String()).
		Str("failure", res.Failure.String()).
		Err(err).
		Msg("Poll cycle failed")

	return res
}

// publishError marks an error as coming from the emit step.
type publishError struct {
	err error
}

func (e *publishError) Error() string {
	return "publish failed: " + e.err.Error()
}

func (e *publishError) Unwrap() error {
	return e.err
}

// Classify maps an error to its failure class.
func Classify(err error) domain.FailureClass {
	var pubErr *publishError
	switch {
	case err == nil:
		return domain.FailureNone
	case errors.Is(err, transport.ErrTimeout):
		return domain.FailureTimeout
	case errors.Is(err, transport.ErrDevice):
		return domain.FailureTransport
	case errors.Is(err, codec.ErrChecksumMismatch):
		return domain.FailureChecksum
	case errors.Is(err, codec.ErrTruncated):
		return domain.FailureTruncated
	case errors.Is(err, codec.ErrMalformed), errors.Is(err, codec.ErrCommandTooLong):
		return domain.FailureMalformed
	case errors.Is(err, parser.ErrFieldCount):
		return domain.FailureFieldCount
	case errors.Is(err, parser.ErrTypeCoercion):
		return domain.FailureCoercion
	case errors.As(err, &pubErr):
		return domain.FailurePublish
	default:
		return domain.FailureTransport
	}
}

// record folds a cycle result into the health view.
func (p *Poller) record(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.health[res.Command]
	if !ok {
		h = &commandHealth{failures: make(map[domain.FailureClass]int64)}
		p.health[res.Command] = h
	}

	h.cycles++
	h.lastState = res.State
	h.lastFailure = res.Failure

	if res.State == StateFailed {
		h.lastError = res.Err.Error()
		h.failures[res.Failure]++
	} else {
		h.lastError = ""
		h.lastSuccess = time.Now()
		p.lastReadings[res.Command] = res.Readings
	}

	// Only hard transport errors count toward the degraded signal; timeouts
	// are transient and expected occasionally.
	if res.Failure == domain.FailureTransport {
		p.consecutiveTransport++
		if p.consecutiveTransport == p.config.DegradedThreshold {
			p.logger.Error().
				Int("consecutive_errors", p.consecutiveTransport).
				Msg("Transport degraded: repeated device errors")
		}
	} else {
		p.consecutiveTransport = 0
	}
}

// Status returns a snapshot of poller health.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := Status{
		ConsecutiveTransportErrors: p.consecutiveTransport,
		Degraded: p.config.DegradedThreshold > 0 &&
			p.consecutiveTransport >= p.config.DegradedThreshold,
		Commands: make([]CommandStatus, 0, len(p.health)),
	}

	for _, cmd := range p.commands {
		h, ok := p.health[cmd.Mnemonic]
		if !ok {
			continue
		}
		cs := CommandStatus{
			Command:     cmd.Mnemonic,
			LastState:   h.lastState.String(),
			LastError:   h.lastError,
			LastSuccess: h.lastSuccess,
			Cycles:      h.cycles,
		}
		if h.lastFailure != domain.FailureNone {
			cs.LastFailure = h.lastFailure.String()
		}
		if len(h.failures) > 0 {
			cs.Failures = make(map[string]int64, len(h.failures))
			for class, count := range h.failures {
				cs.Failures[class.String()] = count
			}
		}
		status.Commands = append(status.Commands, cs)
	}

	return status
}

// LatestReadings returns the most recent reading set per command, ordered by
// command mnemonic.
func (p *Poller) LatestReadings() []*domain.ReadingSet {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sets := make([]*domain.ReadingSet, 0, len(p.lastReadings))
	for _, set := range p.lastReadings {
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool {
		return sets[i].Command < sets[j].Command
	})
	return sets
}
