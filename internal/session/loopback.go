package session

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/recovery"
)

// Default link metadata reported by the loopback medium.
const (
	loopbackChannelHeader = 0x32
	loopbackRxLevel       = 70
	loopbackLinkBudget    = 80
	loopbackTargetRxLevel = 80
)

// Medium is an in-process broadcast medium connecting loopback endpoints.
// A request reaches every other started endpoint whose UID matches the
// addressee (or every endpoint for non-UID addressees).
type Medium struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	nextTrans uint16
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewMedium creates a medium. timeout bounds the wait for each responder.
func NewMedium(timeout time.Duration, logger *slog.Logger) *Medium {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Medium{timeout: timeout, logger: logging.Component(logger, "loopback")}
}

// Join attaches a new endpoint with the given UID.
func (m *Medium) Join(uid [8]byte) *Endpoint {
	e := &Endpoint{medium: m, uid: uid}
	m.mu.Lock()
	m.endpoints = append(m.endpoints, e)
	m.mu.Unlock()
	return e
}

// Wait blocks until all in-flight deliveries have finished.
func (m *Medium) Wait() {
	m.wg.Wait()
}

func (m *Medium) transID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTrans++
	if m.nextTrans == 0 {
		m.nextTrans = 1
	}
	return m.nextTrans
}

func (m *Medium) peers(from *Endpoint, a Addressee) []*Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Endpoint
	for _, e := range m.endpoints {
		if e == from || !e.isStarted() {
			continue
		}
		if a.IDType() == IDTypeUID && !bytes.Equal(a.ID, e.uid[:]) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Endpoint is one node's Layer on a Medium.
type Endpoint struct {
	medium *Medium
	uid    [8]byte

	mu      sync.Mutex
	clients []Client
	started bool
	inbound chan []byte

	// serializes inbound sessions
	serve sync.Mutex
}

// UID returns the endpoint's unique id.
func (e *Endpoint) UID() [8]byte { return e.uid }

// Register implements Layer.
func (e *Endpoint) Register(c Client) uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients = append(e.clients, c)
	return uint8(len(e.clients) - 1)
}

// Start implements Layer.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	return nil
}

// Stop implements Layer.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Send implements Layer.
func (e *Endpoint) Send(clientID uint8, cfg *Config, payload []byte, expectedResponseLen uint8) (uint16, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return 0, ErrStopped
	}
	if int(clientID) >= len(e.clients) {
		e.mu.Unlock()
		return 0, ErrInvalidClient
	}
	client := e.clients[clientID]

	if cfg == nil {
		in := e.inbound
		e.mu.Unlock()
		if in == nil {
			return 0, ErrNoSession
		}
		select {
		case in <- append([]byte(nil), payload...):
		default:
			// already answered
		}
		return 0, nil
	}
	e.mu.Unlock()

	id := e.medium.transID()
	req := request{
		from:     e,
		client:   client,
		transID:  id,
		cfg:      *cfg,
		payload:  append([]byte(nil), payload...),
		expected: expectedResponseLen,
	}
	e.medium.wg.Add(1)
	go e.medium.deliver(req)
	return id, nil
}

type request struct {
	from     *Endpoint
	client   Client
	transID  uint16
	cfg      Config
	payload  []byte
	expected uint8
}

func (e *Endpoint) result(access uint8) Result {
	uid := e.uid
	return Result{
		Channel:       Channel{Header: loopbackChannelHeader},
		RxLevel:       loopbackRxLevel,
		LinkBudget:    loopbackLinkBudget,
		TargetRxLevel: loopbackTargetRxLevel,
		Addressee:     NewAddressee(IDTypeUID, access, uid[:]),
	}
}

func (m *Medium) deliver(req request) {
	defer m.wg.Done()
	defer recovery.RecoverWithLog(m.logger, "loopback-deliver")

	waitResponse := req.cfg.QoS.ExpectsResponse()
	responses := 0

	for _, peer := range m.peers(req.from, req.cfg.Addressee) {
		if resp, ok := peer.serveRequest(req, waitResponse, m.timeout); ok {
			responses++
			req.client.OnResult(req.transID, resp, peer.result(req.cfg.Addressee.AccessClass))
		}
	}

	var err error
	if waitResponse && req.expected > 0 && responses == 0 {
		err = ErrNoResponse
	}
	m.logger.Debug("request completed",
		logging.KeyTransID, req.transID, "responses", responses, logging.KeyError, err)
	req.client.OnCompleted(req.transID, err)
}

// serveRequest hands req to the endpoint's clients and, when one of them
// will respond, waits for that response.
func (e *Endpoint) serveRequest(req request, waitResponse bool, timeout time.Duration) ([]byte, bool) {
	e.serve.Lock()
	defer e.serve.Unlock()

	in := make(chan []byte, 1)
	e.mu.Lock()
	e.inbound = in
	clients := append([]Client(nil), e.clients...)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inbound = nil
		e.mu.Unlock()
	}()

	meta := req.from.result(req.cfg.Addressee.AccessClass)
	respond := false
	for _, c := range clients {
		if c.OnUnsolicited(req.payload, meta) {
			respond = true
		}
	}
	if !respond || !waitResponse {
		return nil, false
	}

	select {
	case resp := <-in:
		return resp, true
	case <-time.After(timeout):
		return nil, false
	}
}
