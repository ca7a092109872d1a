package sim

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesyncim/bwesim/internal/clock"
)

// ErrInvalidConfig is returned for scenario configurations that cannot run.
var ErrInvalidConfig = errors.New("sim: invalid config")

// runNamespace seeds the deterministic run ids.
var runNamespace = uuid.MustParse("6f1c3b2a-8d4e-5f60-9a7b-1c2d3e4f5a6b")

// Config holds scenario configuration.
type Config struct {
	// Name labels the scenario in logs, metrics and reports.
	Name string

	// Seed selects the random streams of every filter. Two scenarios built
	// the same way with the same seed produce identical results.
	Seed uint64

	// Step is the virtual time advanced per driver iteration. Default: 1ms.
	Step time.Duration

	// FeedbackDelay is the one-way delay of the feedback path from
	// receivers back to senders. Default: 0.
	FeedbackDelay time.Duration

	// Epoch is the wall-clock instant virtual time zero maps to. Zero
	// selects clock.DefaultEpoch.
	Epoch time.Time

	// LoggerFactory creates the loggers of every component. Default:
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory

	// PlotWriter receives plot lines from receivers created with plotting
	// enabled. Default: io.Discard.
	PlotWriter io.Writer
}

// DefaultConfig returns the configuration used by the reference scenarios.
func DefaultConfig() Config {
	return Config{
		Name: "scenario",
		Seed: 1,
		Step: time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Step < 0 {
		return fmt.Errorf("%w: negative step %v", ErrInvalidConfig, c.Step)
	}
	if c.FeedbackDelay < 0 {
		return fmt.Errorf("%w: negative feedback delay %v", ErrInvalidConfig, c.FeedbackDelay)
	}
	return nil
}

// Sender is a traffic source attached to a scenario.
type Sender interface {
	Flow() FlowID
	// Advance sends every packet due at or before now.
	Advance(now time.Duration)
	// OnFeedback handles one feedback message for the sender's flow.
	OnFeedback(fb Feedback, now time.Duration)
}

// Receiver consumes the packets of one flow at the end of the uplink.
type Receiver interface {
	Flow() FlowID
	// Deliver queues a packet that left the uplink at virtual time at.
	Deliver(pkt Packet, at time.Duration)
	// Advance processes queued packets and emits feedback.
	Advance(now time.Duration)
}

// Scenario is a single emulation run. It owns the virtual clock, the uplink,
// the feedback path and every sender and receiver. It is not safe for
// concurrent use; independent scenarios may run in parallel.
type Scenario struct {
	config        Config
	id            uuid.UUID
	clock         *clock.VirtualClock
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
	metrics       *Metrics
	plot          io.Writer

	uplink    *Uplink
	feedback  *feedbackLink
	senders   []Sender
	receivers []Receiver
	byFlow    map[FlowID]Receiver
	senderOf  map[FlowID]Sender
	counters  map[string]*RateCounterFilter
	closed    bool
}

// NewScenario creates a scenario. It panics on an invalid configuration;
// use Config.Validate to check one first.
func NewScenario(config Config) *Scenario {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	if config.Step == 0 {
		config.Step = time.Millisecond
	}
	if config.Name == "" {
		config.Name = "scenario"
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.PlotWriter == nil {
		config.PlotWriter = io.Discard
	}

	id := uuid.NewSHA1(runNamespace, []byte(fmt.Sprintf("%s/%d", config.Name, config.Seed)))
	s := &Scenario{
		config:        config,
		id:            id,
		clock:         clock.NewVirtualClock(config.Epoch),
		loggerFactory: config.LoggerFactory,
		log:           config.LoggerFactory.NewLogger("scenario"),
		metrics:       newMetrics(config.Name),
		plot:          config.PlotWriter,
		byFlow:        make(map[FlowID]Receiver),
		senderOf:      make(map[FlowID]Sender),
		counters:      make(map[string]*RateCounterFilter),
	}
	s.uplink = newUplink(s)
	s.feedback = newFeedbackLink(s, config.FeedbackDelay)
	s.log.Debugf("scenario %s (%s) created, seed %d", config.Name, id, config.Seed)
	return s
}

// ID returns the run id, derived from the scenario name and seed.
func (s *Scenario) ID() uuid.UUID {
	return s.id
}

// Name returns the scenario name.
func (s *Scenario) Name() string {
	return s.config.Name
}

// Config returns the configuration with defaults applied.
func (s *Scenario) Config() Config {
	return s.config
}

// Uplink returns the scenario's filter chain.
func (s *Scenario) Uplink() *Uplink {
	return s.uplink
}

// Now returns the virtual time elapsed since the scenario started.
func (s *Scenario) Now() time.Duration {
	return s.clock.Elapsed()
}

// Clock returns the scenario's virtual clock.
func (s *Scenario) Clock() *clock.VirtualClock {
	return s.clock
}

// Metrics returns the scenario's collectors.
func (s *Scenario) Metrics() *Metrics {
	return s.metrics
}

// Registry returns the Prometheus registry holding the scenario's metrics.
func (s *Scenario) Registry() *prometheus.Registry {
	return s.metrics.registry
}

// LoggerFactory returns the factory components create loggers from.
func (s *Scenario) LoggerFactory() logging.LoggerFactory {
	return s.loggerFactory
}

// Counter returns the rate counter registered under label.
func (s *Scenario) Counter(label string) (*RateCounterFilter, bool) {
	c, ok := s.counters[label]
	return c, ok
}

// Senders returns the attached senders in attach order.
func (s *Scenario) Senders() []Sender {
	return append([]Sender(nil), s.senders...)
}

// Receivers returns the attached receivers in attach order.
func (s *Scenario) Receivers() []Receiver {
	return append([]Receiver(nil), s.receivers...)
}

// AddSender attaches a sender. It panics if the flow already has one.
func (s *Scenario) AddSender(snd Sender) {
	if _, dup := s.senderOf[snd.Flow()]; dup {
		panic(fmt.Sprintf("scenario %s: flow %d already has a sender", s.config.Name, snd.Flow()))
	}
	s.senderOf[snd.Flow()] = snd
	s.senders = append(s.senders, snd)
}

// AddReceiver attaches a receiver. It panics if the flow already has one.
func (s *Scenario) AddReceiver(r Receiver) {
	if _, dup := s.byFlow[r.Flow()]; dup {
		panic(fmt.Sprintf("scenario %s: flow %d already has a receiver", s.config.Name, r.Flow()))
	}
	s.byFlow[r.Flow()] = r
	s.receivers = append(s.receivers, r)
}

func (s *Scenario) registerCounter(label string, c *RateCounterFilter) {
	if _, dup := s.counters[label]; dup {
		panic(fmt.Sprintf("scenario %s: duplicate rate counter %q", s.config.Name, label))
	}
	s.counters[label] = c
}

// newRand returns the random stream for one component. Streams depend only
// on the seed and the component's index, never on wall-clock time.
func (s *Scenario) newRand(stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(s.config.Seed, stream+1))
}

func (s *Scenario) dispatch(pkt Packet, at time.Duration) bool {
	r, ok := s.byFlow[pkt.Flow]
	if !ok {
		return false
	}
	r.Deliver(pkt, at)
	return true
}

// sendFeedback queues fb on the feedback path.
func (s *Scenario) sendFeedback(fb Feedback) {
	s.feedback.send(fb, s.Now())
}

// RunFor advances virtual time by d in steps of Config.Step, with a shorter
// final step when d is not a multiple of it. Each step runs the senders,
// then the uplink filters in chain order, then the receivers, then the
// feedback path.
func (s *Scenario) RunFor(d time.Duration) {
	if s.closed {
		panic(fmt.Sprintf("scenario %s: RunFor after Close", s.config.Name))
	}
	if d < 0 {
		panic(fmt.Sprintf("scenario %s: RunFor(%v) with negative duration", s.config.Name, d))
	}
	for d > 0 {
		step := min(s.config.Step, d)
		s.clock.Advance(step)
		s.tick(s.clock.Elapsed())
		d -= step
	}
	s.metrics.virtualTime.Set(s.Now().Seconds())
}

func (s *Scenario) tick(now time.Duration) {
	for _, snd := range s.senders {
		snd.Advance(now)
	}
	s.uplink.advance(now)
	for _, r := range s.receivers {
		r.Advance(now)
	}
	s.feedback.advance(now)
}

// Close releases the scenario. Packets still held by filters are discarded.
// Close is idempotent.
func (s *Scenario) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, r := range s.receivers {
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close receiver %d: %w", r.Flow(), err))
			}
		}
	}
	s.log.Debugf("scenario %s closed at %v", s.config.Name, s.Now())
	return errors.Join(errs...)
}
