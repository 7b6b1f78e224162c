// Package node assembles an alpd node from its configuration: storage,
// the ALP processor, the radio stacks and the host interfaces.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/postalsys/alpd/internal/command"
	"github.com/postalsys/alpd/internal/config"
	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/fs"
	"github.com/postalsys/alpd/internal/health"
	"github.com/postalsys/alpd/internal/hostlink"
	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/lorawan"
	"github.com/postalsys/alpd/internal/metrics"
	"github.com/postalsys/alpd/internal/processor"
	"github.com/postalsys/alpd/internal/recovery"
	"github.com/postalsys/alpd/internal/scheduler"
	"github.com/postalsys/alpd/internal/serial"
	"github.com/postalsys/alpd/internal/session"
)

// stopTimeout bounds the processor shutdown task.
const stopTimeout = 5 * time.Second

// ErrAlreadyRunning is returned by Start on a node that was already started.
var ErrAlreadyRunning = errors.New("node already running")

// Radio modes
const (
	RadioNone     = "none"
	RadioLoopback = "loopback"
)

// Options carries dependencies that do not come from the configuration.
type Options struct {
	Logger *slog.Logger
	// Metrics defaults to metrics.Default().
	Metrics *metrics.Metrics
	// Medium is a shared loopback medium. When nil and the radio mode is
	// loopback, the node creates a private one.
	Medium *session.Medium
	// Host receives host output in addition to the configured interfaces.
	Host processor.HostOutput
	// Callbacks are passed to the processor.
	Callbacks processor.Callbacks
}

// Node is a running modem.
type Node struct {
	cfg     *config.Config
	base    *slog.Logger
	logger  *slog.Logger
	metrics *metrics.Metrics

	storage *Storage
	sched   *scheduler.Scheduler
	proc    *processor.Layer
	medium  *session.Medium
	ownsMed bool
	lora    *lorawan.Sim
	outputs hostOutputs

	hostlink     *hostlink.Server
	serialPort   *os.File
	serialState  *term.State
	healthServer *health.Server

	running  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a node. Storage is opened and initialized here, so integrity
// faults surface as an error from New.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("node: config is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	n := &Node{
		cfg:     cfg,
		base:    opts.Logger,
		logger:  logging.Component(opts.Logger, "node"),
		metrics: opts.Metrics,
	}

	storage, err := OpenStorage(cfg.Storage, cfg.Node.DataDir, opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}
	n.storage = storage

	if err := n.initComponents(opts); err != nil {
		storage.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) initComponents(opts Options) error {
	n.sched = scheduler.New(opts.Logger)

	var sess session.Layer = session.Disabled{}
	switch n.cfg.Radio.Mode {
	case RadioLoopback:
		uid, err := config.ParseUID(n.cfg.Radio.UID)
		if err != nil {
			return fmt.Errorf("radio uid: %w", err)
		}
		n.medium = opts.Medium
		if n.medium == nil {
			n.medium = session.NewMedium(n.cfg.Radio.ResponseTimeout, opts.Logger)
			n.ownsMed = true
		}
		sess = n.medium.Join(uid)
	case RadioNone, "":
	default:
		return fmt.Errorf("unknown radio mode %q", n.cfg.Radio.Mode)
	}

	var lora lorawan.Stack
	if n.cfg.LoRaWAN.Enabled {
		n.lora = lorawan.NewSim(lorawan.SimConfig{
			JoinDelay: n.cfg.LoRaWAN.JoinDelay,
			DutyCycle: n.cfg.LoRaWAN.DutyCycle,
			TxDelay:   n.cfg.LoRaWAN.TxDelay,
			Uplink:    n.uplink,
			Logger:    opts.Logger,
		})
		lora = n.lora
	}

	if n.cfg.HostLink.Enabled {
		n.hostlink = hostlink.NewServer(hostlink.ServerConfig{
			Address:   n.cfg.HostLink.Address,
			Path:      n.cfg.HostLink.Path,
			ReadLimit: int64(n.cfg.HostLink.ReadLimit),
			Submit:    n.submit,
			Logger:    opts.Logger,
			Metrics:   n.metrics,
		})
		n.outputs.add(n.hostlink)
	}
	if opts.Host != nil {
		n.outputs.add(opts.Host)
	}

	proc, err := processor.New(processor.Options{
		Files:             n.storage.Files,
		MaxActiveCommands: n.cfg.ALP.MaxActiveCommands,
		MaxPayload:        n.cfg.ALP.MaxPayload,
		ShellEnabled:      n.cfg.ALP.ShellEnabled,
		BroadcastVersion:  n.cfg.ALP.BroadcastVersion,
		Host:              &n.outputs,
		Session:           sess,
		LoRaWAN:           lora,
		Scheduler:         n.sched,
		Callbacks:         opts.Callbacks,
		Logger:            opts.Logger,
		Metrics:           n.metrics,
	})
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}
	n.proc = proc

	if n.cfg.Health.Enabled {
		n.healthServer = health.NewServer(health.ServerConfig{
			Address:      n.cfg.Health.Address,
			ReadTimeout:  n.cfg.Health.ReadTimeout,
			WriteTimeout: n.cfg.Health.WriteTimeout,
		}, &statsProvider{node: n})
	}
	return nil
}

// Start brings up the worker, the radio and the host interfaces.
func (n *Node) Start() error {
	if n.cancel != nil {
		return ErrAlreadyRunning
	}
	n.running.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.sched.Start()

	var startErr error
	if err := n.sched.Do(ctx, func() { startErr = n.proc.Start() }); err != nil {
		startErr = err
	}
	if startErr != nil {
		n.abortStart()
		return fmt.Errorf("start processor: %w", startErr)
	}

	if n.cfg.Serial.Enabled {
		if err := n.openSerial(ctx); err != nil {
			n.abortStart()
			return err
		}
	}

	if n.hostlink != nil {
		if err := n.hostlink.Start(); err != nil {
			n.abortStart()
			return fmt.Errorf("start hostlink: %w", err)
		}
		n.logger.Info("hostlink started",
			logging.KeyAddress, n.hostlink.Addr().String())
	}

	if n.healthServer != nil {
		if err := n.healthServer.Start(); err != nil {
			n.abortStart()
			return fmt.Errorf("start health server: %w", err)
		}
		n.logger.Info("health server started",
			logging.KeyAddress, n.healthServer.Address().String())
	}

	n.logger.Info("node started",
		logging.KeyBackend, n.storage.Backend,
		logging.KeyInterface, n.cfg.Radio.Mode)
	return nil
}

func (n *Node) abortStart() {
	n.shutdown()
	n.running.Store(false)
}

func (n *Node) openSerial(ctx context.Context) error {
	f, err := os.OpenFile(n.cfg.Serial.Device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open serial device: %w", err)
	}
	state, err := makeRaw(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("set serial device raw: %w", err)
	}
	n.serialState = state
	n.serialPort = f

	out := serial.NewOutput(f, n.metrics)
	n.outputs.add(out)

	in := serial.NewInput(serial.InputConfig{
		Reader: f,
		Output: out,
		Submit: n.submit,
		Logger: n.base,
	})
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer recovery.RecoverWithLog(n.logger, "node.serialInput")
		if err := in.Run(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn("serial input stopped", logging.KeyError, err)
		}
	}()
	n.logger.Info("serial interface opened", "device", n.cfg.Serial.Device)
	return nil
}

// makeRaw puts a terminal device into raw mode. Other files are left alone
// and yield a nil state. The descriptor is reached through SyscallConn so
// that it stays non-blocking and Close still interrupts a pending Read.
func makeRaw(f *os.File) (*term.State, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}
	var state *term.State
	var rawErr error
	err = rc.Control(func(fd uintptr) {
		if term.IsTerminal(int(fd)) {
			state, rawErr = term.MakeRaw(int(fd))
		}
	})
	if err != nil {
		return nil, err
	}
	return state, rawErr
}

func restore(f *os.File, state *term.State) {
	if rc, err := f.SyscallConn(); err == nil {
		rc.Control(func(fd uintptr) { term.Restore(int(fd), state) })
	}
}

// Stop shuts the node down and releases storage. It is safe to call more
// than once.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.logger.Info("stopping node")
		n.running.Store(false)
		if n.cancel != nil {
			err = n.shutdown()
		} else if n.lora != nil {
			n.lora.Deinit()
		}
		if cerr := n.storage.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		n.logger.Info("node stopped")
	})
	return err
}

// shutdown stops components in reverse start order.
func (n *Node) shutdown() error {
	var errs []error

	if n.healthServer != nil {
		if err := n.healthServer.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.hostlink != nil {
		if err := n.hostlink.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if n.cancel != nil {
		n.cancel()
	}
	if n.serialPort != nil {
		if n.serialState != nil {
			restore(n.serialPort, n.serialState)
		}
		n.serialPort.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	if err := n.sched.Do(ctx, n.proc.Stop); err != nil && !errors.Is(err, scheduler.ErrStopped) {
		errs = append(errs, fmt.Errorf("stop processor: %w", err))
	}
	cancel()
	n.sched.Stop()

	if n.lora != nil {
		n.lora.Deinit()
	}
	if n.ownsMed {
		n.medium.Wait()
	}

	n.wg.Wait()
	return errors.Join(errs...)
}

// IsRunning returns true if the node is running.
func (n *Node) IsRunning() bool {
	return n.running.Load()
}

// Storage returns the node's file system and devices.
func (n *Node) Storage() *Storage {
	return n.storage
}

// Exec runs an ALP command with console origin and returns its response.
// The response is also written to the host interfaces.
func (n *Node) Exec(ctx context.Context, cmd []byte) ([]byte, error) {
	var (
		resp []byte
		perr error
	)
	err := n.sched.Do(ctx, func() {
		resp, perr = n.proc.ProcessCommand(append([]byte(nil), cmd...), command.OriginConsole)
	})
	if err != nil {
		return nil, err
	}
	return resp, perr
}

// ExecOverD7A sends cmd to the nodes selected by cfg. Results arrive through
// the processor callbacks and the host interfaces.
func (n *Node) ExecOverD7A(ctx context.Context, cmd []byte, cfg session.Config) error {
	var perr error
	err := n.sched.Do(ctx, func() {
		perr = n.proc.ExecuteOverD7A(append([]byte(nil), cmd...), cfg)
	})
	if err != nil {
		return err
	}
	return perr
}

func (n *Node) submit(ctx context.Context, cmd []byte) error {
	_, err := n.Exec(ctx, cmd)
	var actionErr *processor.ActionError
	if errors.As(err, &actionErr) {
		// reported to the host through the response tag
		return nil
	}
	return err
}

func (n *Node) uplink(port uint8, payload []byte) {
	n.logger.Debug("lorawan uplink",
		"port", port,
		logging.KeyLength, len(payload))
}

// Downlink delivers a LoRaWAN downlink to the node. It is a no-op when
// LoRaWAN is disabled.
func (n *Node) Downlink(payload []byte) {
	if n.lora != nil {
		n.lora.Downlink(payload)
	}
}

// Stats contains node statistics.
type Stats struct {
	ActiveCommands  int
	CommandCapacity int
	FileCount       int
	Interface       string
	LoRaWANJoined   bool
	HostClients     int
	StorageBackend  string
}

// Stats returns a snapshot of the node state. Processor fields are read on
// the worker; they are zero when the worker does not answer in time.
func (n *Node) Stats() Stats {
	st := Stats{
		StorageBackend: n.storage.Backend,
		Interface:      "host",
	}
	if n.storage.Files != nil {
		st.FileCount = len(n.storage.Files.Store().Files())
	}
	if n.lora != nil {
		st.LoRaWANJoined = n.lora.Joined()
	}
	if n.hostlink != nil {
		st.HostClients = n.hostlink.ClientCount()
	}

	if n.IsRunning() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		var active, capacity int
		var itf string
		if err := n.sched.Do(ctx, func() {
			active = n.proc.ActiveCommands()
			capacity = n.proc.Capacity()
			itf = n.proc.Interface()
		}); err == nil {
			st.ActiveCommands, st.CommandCapacity, st.Interface = active, capacity, itf
		}
	}
	return st
}

// statsProvider adapts Node to health.StatsProvider.
type statsProvider struct {
	node *Node
}

// IsRunning implements health.StatsProvider.
func (p *statsProvider) IsRunning() bool {
	return p.node.IsRunning()
}

// Stats implements health.StatsProvider.
func (p *statsProvider) Stats() health.Stats {
	st := p.node.Stats()
	return health.Stats{
		ActiveCommands:  st.ActiveCommands,
		CommandCapacity: st.CommandCapacity,
		FileCount:       st.FileCount,
		Interface:       st.Interface,
		LoRaWANJoined:   st.LoRaWANJoined,
		HostClients:     st.HostClients,
		StorageBackend:  st.StorageBackend,
	}
}

// FileTable implements health.FileTableProvider.
func (p *statsProvider) FileTable() ([]health.File, error) {
	files, err := p.node.storage.Files.Files()
	if err != nil {
		return nil, err
	}
	out := make([]health.File, 0, len(files))
	for _, f := range files {
		out = append(out, health.File{
			ID:               f.ID,
			Name:             systemFileNames[f.ID],
			StorageClass:     f.Header.Properties.StorageClass().String(),
			Backend:          fs.BackendName(f.Backend),
			Length:           f.Header.Length,
			AllocatedLength:  f.Header.AllocatedLength,
			Permissions:      f.Header.Permissions,
			ActionEnabled:    f.Header.Properties.ActionEnabled(),
			ALPCommandFileID: f.Header.ALPCommandFileID,
			InterfaceFileID:  f.Header.InterfaceFileID,
		})
	}
	return out, nil
}

var systemFileNames = func() map[uint8]string {
	names := make(map[uint8]string)
	for _, sf := range d7afs.SystemFiles() {
		names[sf.ID] = sf.Name
	}
	return names
}()
