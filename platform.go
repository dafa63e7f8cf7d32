package xdna

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-xdna/internal/kernel"
	"github.com/ehrlich-b/go-xdna/internal/logging"
	"github.com/ehrlich-b/go-xdna/internal/pdev"
)

// Platform enumerates the configured devices and hands out sessions on
// them. Every session on the same device shares one physical device
// handle, so the node is opened once however many sessions are live.
type Platform struct {
	cfg  *Config
	kern kernel.Kernel
	log  *logging.Logger
	obs  Observer
	reg  *registry

	mu    sync.Mutex
	pdevs map[DeviceID]*pdev.Device
	bes   map[DeviceID]backend
}

// PlatformOption configures a Platform
type PlatformOption func(*Platform)

// WithKernel replaces the host system call layer
func WithKernel(k kernel.Kernel) PlatformOption {
	return func(p *Platform) {
		p.kern = k
	}
}

// WithLogger sets the logger instead of the one built from the config
func WithLogger(l *logging.Logger) PlatformOption {
	return func(p *Platform) {
		p.log = l
	}
}

// WithObserver installs a metrics observer
func WithObserver(o Observer) PlatformOption {
	return func(p *Platform) {
		if o != nil {
			p.obs = o
		}
	}
}

// NewPlatform validates cfg and builds a platform. Nothing is opened until
// the first session.
func NewPlatform(cfg *Config, opts ...PlatformOption) (*Platform, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Platform{
		cfg:   cfg,
		obs:   NoOpObserver{},
		reg:   newRegistry(),
		pdevs: make(map[DeviceID]*pdev.Device),
		bes:   make(map[DeviceID]backend),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.kern == nil {
		p.kern = kernel.New()
	}
	if p.log == nil {
		p.log = cfg.Logger()
	}
	p.log.Debug("platform ready", "devices", len(cfg.DeviceNodes), "generation", cfg.Generation)
	return p, nil
}

var (
	defaultPlatform     *Platform
	defaultPlatformErr  error
	defaultPlatformOnce sync.Once
)

// DefaultPlatform returns the process-wide platform built from
// DefaultConfig on first use. It lives until the process exits.
func DefaultPlatform() (*Platform, error) {
	defaultPlatformOnce.Do(func() {
		defaultPlatform, defaultPlatformErr = NewPlatform(DefaultConfig(), WithLogger(logging.Default()))
	})
	return defaultPlatform, defaultPlatformErr
}

// Config returns the configuration the platform was built with
func (p *Platform) Config() *Config { return p.cfg }

// Observer returns the installed metrics observer
func (p *Platform) Observer() Observer { return p.obs }

// DeviceCount returns the number of configured devices
func (p *Platform) DeviceCount() int {
	return len(p.cfg.DeviceNodes)
}

// Open creates a session on device id
func (p *Platform) Open(id DeviceID) (*Session, error) {
	if int(id) >= len(p.cfg.DeviceNodes) {
		return nil, NewError("open_device", ErrCodeNotFound,
			fmt.Sprintf("device %d does not exist, %d configured", id, len(p.cfg.DeviceNodes)))
	}
	pd, be, err := p.physical(id)
	if err != nil {
		return nil, err
	}

	h := p.reg.reserve()
	d, err := newDevice(id, h, pd, be, p.log, p.obs)
	if err != nil {
		return nil, err
	}
	if err := p.reg.register(h, d); err != nil {
		d.close()
		return nil, err
	}
	p.log.Info("session opened", "device", id, "handle", uint64(h), "path", pd.Path())
	return &Session{dev: d, platform: p}, nil
}

// Lookup returns the device opened under h, or nil once its session has
// closed or it was collected
func (p *Platform) Lookup(h Handle) *Device {
	return p.reg.lookup(h)
}

// LiveDevices counts devices still reachable through the registry
func (p *Platform) LiveDevices() int {
	return p.reg.live()
}

// physical returns the shared handle for device id, creating it and picking
// its backend on first use
func (p *Platform) physical(id DeviceID) (*pdev.Device, backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pd, ok := p.pdevs[id]; ok {
		return pd, p.bes[id], nil
	}

	node := p.cfg.DeviceNodes[id]
	gen, err := p.cfg.generationFor(node)
	if err != nil {
		if p.cfg.Generation != GenerationNameAuto {
			return nil, nil, err
		}
		p.log.Warn("device generation unknown, assuming kmq", "path", node, "err", err)
		gen = GenerationKMQ
	}
	be := newBackend(gen, p.cfg.HeapSize)
	pd := pdev.New(p.kern, node,
		pdev.WithHooks(be.hooks()),
		pdev.WithLogger(p.log.WithDevice(int(id))))
	p.pdevs[id] = pd
	p.bes[id] = be
	return pd, be, nil
}
