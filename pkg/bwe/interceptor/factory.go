package interceptor

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"

	"github.com/thesyncim/bwesim/pkg/bwe"
	"github.com/thesyncim/bwesim/pkg/sim"
)

// FactoryOption configures the LinkInterceptorFactory.
type FactoryOption func(*LinkInterceptorFactory) error

// LinkInterceptorFactory creates one LinkInterceptor, with its own
// scenario, per PeerConnection.
type LinkInterceptorFactory struct {
	config        bwe.BandwidthEstimatorConfig
	seed          uint64
	step          time.Duration
	tick          time.Duration
	link          func(*sim.Uplink)
	loggerFactory logging.LoggerFactory
	onREMB        func(bitrate float32, ssrcs []uint32)
	onNew         func(id string, i *LinkInterceptor)
}

// WithInitialBitrate sets the far-end estimator's initial estimate.
// Default: 300000 (300 kbps)
func WithInitialBitrate(bitrate int64) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		if bitrate <= 0 {
			return errors.New("initial bitrate must be positive")
		}
		f.config.RateControllerConfig.InitialBitrate = bitrate
		return nil
	}
}

// WithMinBitrate sets the far-end estimator's floor.
// Default: 10000 (10 kbps)
func WithMinBitrate(bitrate int64) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		f.config.RateControllerConfig.MinBitrate = bitrate
		return nil
	}
}

// WithMaxBitrate sets the far-end estimator's ceiling.
// Default: 30000000 (30 Mbps)
func WithMaxBitrate(bitrate int64) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		f.config.RateControllerConfig.MaxBitrate = bitrate
		return nil
	}
}

// WithFactoryREMBInterval sets how often the far end produces a REMB.
// Default: 1 second
func WithFactoryREMBInterval(interval time.Duration) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		if interval <= 0 {
			return errors.New("REMB interval must be positive")
		}
		f.config.REMBConfig.Interval = interval
		return nil
	}
}

// WithFactorySenderSSRC sets the sender SSRC written into REMB packets.
func WithFactorySenderSSRC(ssrc uint32) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		f.config.REMBConfig.SenderSSRC = ssrc
		return nil
	}
}

// WithFactoryOnREMB sets a callback invoked for every far-end REMB.
func WithFactoryOnREMB(fn func(bitrate float32, ssrcs []uint32)) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		f.onREMB = fn
		return nil
	}
}

// WithLink builds the uplink filter chain of every new interceptor.
func WithLink(build func(u *sim.Uplink)) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		f.link = build
		return nil
	}
}

// WithSeed sets the seed of every new scenario. Default: 1
func WithSeed(seed uint64) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		f.seed = seed
		return nil
	}
}

// WithStep sets the virtual time step of every new scenario. Default: 1ms
func WithStep(step time.Duration) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		if step <= 0 {
			return errors.New("step must be positive")
		}
		f.step = step
		return nil
	}
}

// WithFactoryTickInterval makes every new interceptor advance virtual time
// on a wall-clock ticker. Default: 0, time moves only on Advance.
func WithFactoryTickInterval(d time.Duration) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		if d < 0 {
			return errors.New("tick interval must not be negative")
		}
		f.tick = d
		return nil
	}
}

// WithLoggerFactory sets the logger factory of every new scenario.
func WithLoggerFactory(lf logging.LoggerFactory) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		f.loggerFactory = lf
		return nil
	}
}

// WithOnNewInterceptor sets a callback invoked with every interceptor the
// factory creates, so callers can drive its virtual time.
func WithOnNewInterceptor(fn func(id string, i *LinkInterceptor)) FactoryOption {
	return func(f *LinkInterceptorFactory) error {
		f.onNew = fn
		return nil
	}
}

// NewLinkInterceptorFactory creates a factory for LinkInterceptors.
//
//	factory, err := NewLinkInterceptorFactory(
//	    WithLink(func(u *sim.Uplink) { sim.NewLossFilter(u, sim.AllFlows).SetLoss(5) }),
//	    WithFactoryREMBInterval(500*time.Millisecond),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewLinkInterceptorFactory(opts ...FactoryOption) (*LinkInterceptorFactory, error) {
	def := sim.DefaultConfig()
	f := &LinkInterceptorFactory{
		config: bwe.DefaultBandwidthEstimatorConfig(),
		seed:   def.Seed,
		step:   def.Step,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	rc := f.config.RateControllerConfig
	if rc.MinBitrate > rc.MaxBitrate {
		return nil, errors.New("min bitrate above max bitrate")
	}
	return f, nil
}

// NewInterceptor creates a LinkInterceptor for one PeerConnection. The
// scenario is named after id.
func (f *LinkInterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	cfg := sim.DefaultConfig()
	if id != "" {
		cfg.Name = id
	}
	cfg.Seed = f.seed
	cfg.Step = f.step
	cfg.LoggerFactory = f.loggerFactory

	s := sim.NewScenario(cfg)
	if f.link != nil {
		f.link(s.Uplink())
	}

	opts := []InterceptorOption{
		WithEstimator(bwe.NewBandwidthEstimator(f.config, s.Clock())),
		WithTickInterval(f.tick),
	}
	if f.onREMB != nil {
		opts = append(opts, WithOnREMB(f.onREMB))
	}
	i := NewLinkInterceptor(s, opts...)
	if f.onNew != nil {
		f.onNew(id, i)
	}
	return i, nil
}
