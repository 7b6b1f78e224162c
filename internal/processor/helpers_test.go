package processor

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/alpd/internal/alp"
	"github.com/postalsys/alpd/internal/blockdevice"
	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/fs"
	"github.com/postalsys/alpd/internal/lorawan"
	"github.com/postalsys/alpd/internal/scheduler"
	"github.com/postalsys/alpd/internal/session"
)

// taskQueue runs posted tasks on the test goroutine.
type taskQueue struct {
	mu    sync.Mutex
	tasks []scheduler.Task
}

func (q *taskQueue) Post(p scheduler.Priority, t scheduler.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p == scheduler.PriorityHigh {
		q.tasks = append([]scheduler.Task{t}, q.tasks...)
	} else {
		q.tasks = append(q.tasks, t)
	}
	return nil
}

func (q *taskQueue) runAll() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return n
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		t()
		n++
	}
}

type sentFrame struct {
	cfg      *session.Config
	payload  []byte
	expected uint8
}

type fakeSession struct {
	client  session.Client
	started bool
	starts  int
	stops   int
	nextID  uint16
	sent    []sentFrame
	err     error
}

func (s *fakeSession) Register(c session.Client) uint8 {
	s.client = c
	return 0
}

func (s *fakeSession) Start() error {
	s.started = true
	s.starts++
	return nil
}

func (s *fakeSession) Stop() error {
	s.started = false
	s.stops++
	return nil
}

func (s *fakeSession) Send(_ uint8, cfg *session.Config, payload []byte, expected uint8) (uint16, error) {
	if s.err != nil {
		return 0, s.err
	}
	var c *session.Config
	if cfg != nil {
		cp := *cfg
		c = &cp
	}
	s.sent = append(s.sent, sentFrame{cfg: c, payload: bytes.Clone(payload), expected: expected})
	if cfg == nil {
		return 0, nil
	}
	s.nextID++
	return s.nextID, nil
}

func (s *fakeSession) last(t *testing.T) sentFrame {
	t.Helper()
	if len(s.sent) == 0 {
		t.Fatal("nothing sent over the session layer")
	}
	return s.sent[len(s.sent)-1]
}

type fakeLoRa struct {
	cb         lorawan.Callbacks
	joined     bool
	sendStatus lorawan.Status
	otaaInits  int
	abpInits   int
	deinits    int
	sent       [][]byte
}

func (f *fakeLoRa) SetCallbacks(cb lorawan.Callbacks) { f.cb = cb }

func (f *fakeLoRa) InitOTAA(lorawan.OTAAConfig) error {
	f.otaaInits++
	return nil
}

func (f *fakeLoRa) InitABP(lorawan.ABPConfig) error {
	f.abpInits++
	f.joined = true
	return nil
}

func (f *fakeLoRa) Deinit() {
	f.deinits++
	f.joined = false
}

func (f *fakeLoRa) Joined() bool { return f.joined }

func (f *fakeLoRa) Send(payload []byte, _ uint8, _ bool) lorawan.Status {
	if f.sendStatus != lorawan.StatusOK {
		return f.sendStatus
	}
	f.sent = append(f.sent, bytes.Clone(payload))
	return lorawan.StatusOK
}

func (f *fakeLoRa) DutyCycleDelay() time.Duration { return 0 }

type hostCapture struct {
	out [][]byte
}

func (h *hostCapture) OutputALP(data []byte) error {
	h.out = append(h.out, bytes.Clone(data))
	return nil
}

func (h *hostCapture) all() []byte {
	return bytes.Join(h.out, nil)
}

type completion struct {
	tagID   uint8
	success bool
}

type harness struct {
	layer       *Layer
	files       *d7afs.FS
	sess        *fakeSession
	lora        *fakeLoRa
	host        *hostCapture
	tasks       *taskQueue
	completions []completion
	results     [][]byte
	unsolicited [][]byte
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	store, err := fs.New(fs.Options{
		FileCount: 128,
		Metadata:  blockdevice.NewRAM(2048, blockdevice.Erased),
		Permanent: blockdevice.NewRAM(16384, blockdevice.Erased),
		Volatile:  blockdevice.NewRAM(4096, 0),
	})
	if err != nil {
		t.Fatalf("fs.New() error = %v", err)
	}
	files := d7afs.New(store, nil)
	if err := files.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	hr := &harness{
		files: files,
		sess:  &fakeSession{},
		lora:  &fakeLoRa{},
		host:  &hostCapture{},
		tasks: &taskQueue{},
	}
	opts := Options{
		Files:        files,
		ShellEnabled: true,
		Host:         hr.host,
		Session:      hr.sess,
		LoRaWAN:      hr.lora,
		Scheduler:    hr.tasks,
		Callbacks: Callbacks{
			CommandCompleted: func(tagID uint8, success bool) {
				hr.completions = append(hr.completions, completion{tagID, success})
			},
			CommandResult: func(_ session.Result, data []byte) {
				hr.results = append(hr.results, bytes.Clone(data))
			},
			UnsolicitedData: func(_ session.Result, action []byte) {
				hr.unsolicited = append(hr.unsolicited, bytes.Clone(action))
			},
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	hr.layer = l
	return hr
}

func encode(t *testing.T, actions ...alp.Action) []byte {
	t.Helper()
	b, err := alp.EncodeCommand(actions...)
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	return b
}

// responseTags returns the response tags found in host output.
func responseTags(t *testing.T, out []byte) []alp.ResponseTag {
	t.Helper()
	actions, err := alp.ParseCommand(out)
	if err != nil {
		t.Fatalf("ParseCommand(% X) error = %v", out, err)
	}
	var tags []alp.ResponseTag
	for _, a := range actions {
		if tag, ok := a.(alp.ResponseTag); ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

func terminalTags(tags []alp.ResponseTag) int {
	n := 0
	for _, tag := range tags {
		if tag.EOP {
			n++
		}
	}
	return n
}

func uidAddressee(last byte) session.Addressee {
	return session.NewAddressee(session.IDTypeUID, 0x01, []byte{1, 2, 3, 4, 5, 6, 7, last})
}

func d7Config(last byte) alp.D7ASPConfig {
	return alp.D7ASPConfig{Config: session.Config{
		QoS:            session.NewQoS(session.RespModeAny, 0, false, false),
		DormantTimeout: 0,
		Addressee:      uidAddressee(last),
	}}
}

func readFirmware() alp.ReadFileData {
	return alp.ReadFileData{
		FileOffset: alp.FileOffset{FileID: d7afs.FileFirmwareVersion},
		Length:     d7afs.FirmwareVersionSize,
	}
}

func userFileHeader(length uint32, props d7afs.Properties) d7afs.FileHeader {
	return d7afs.FileHeader{
		Permissions:      d7afs.SystemFilePermissions,
		Properties:       props,
		ALPCommandFileID: 0xFF,
		InterfaceFileID:  0xFF,
		Length:           length,
		AllocatedLength:  length,
	}
}
