package processor

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/postalsys/alpd/internal/alp"
	"github.com/postalsys/alpd/internal/command"
	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/lorawan"
	"github.com/postalsys/alpd/internal/session"
)

// forward routes the rest of the request of slot h. The slot is freed by
// the completion of the route, which may happen before forward returns.
func (l *Layer) forward(h command.Handle, cfg alp.InterfaceConfig) {
	c := l.pool.Get(h)
	l.metrics.RecordForward(cfg.Interface().String())
	l.logger.Debug("forwarding", logging.KeySlot, int(h),
		logging.KeyInterface, cfg.Interface(), logging.KeyLength, c.Request.Len())

	switch cfg := cfg.(type) {
	case alp.HostConfig, alp.SerialConfig:
		l.output(c.Request.Drain())
		l.complete(h, nil)
	case alp.D7ASPConfig:
		l.useSession()
		payload := c.Request.Drain()
		id, err := l.sess.Send(l.clientID, &cfg.Config, payload, alp.ExpectedResponseLength(payload))
		if err != nil {
			l.logger.Warn("session send failed", logging.KeyError, err)
			l.complete(h, err)
			return
		}
		c.TransID = id
	case alp.OTAAConfig:
		l.forwardLoRaWAN(h, cfg, cfg.AppPort, cfg.RequestAck)
	case alp.ABPConfig:
		l.forwardLoRaWAN(h, cfg, cfg.AppPort, cfg.RequestAck)
	default:
		l.complete(h, fmt.Errorf("%w: %s", ErrNoInterface, cfg.Interface()))
	}
}

func (l *Layer) forwardLoRaWAN(h command.Handle, cfg alp.InterfaceConfig, port uint8, ack bool) {
	itf := cfg.Interface()
	if l.lora == nil {
		l.complete(h, fmt.Errorf("%w: %s", ErrNoInterface, itf))
		return
	}
	if l.loraBusy {
		l.completeLoRaWAN(h, itf, lorawan.StatusBusy, 0)
		return
	}

	encoded := alp.AppendInterfaceFile(nil, cfg)
	if l.state != stateLoRaWAN || !bytes.Equal(encoded, l.loraConfig) {
		if err := l.useLoRaWAN(cfg); err != nil {
			l.logger.Warn("lorawan init failed", logging.KeyError, err)
			l.complete(h, err)
			return
		}
		l.loraConfig = encoded
	}
	if !l.lora.Joined() {
		l.completeLoRaWAN(h, itf, lorawan.StatusNotJoined, 0)
		return
	}

	payload := l.pool.Get(h).Request.Drain()
	if st := l.lora.Send(payload, port, ack); st != lorawan.StatusOK {
		l.completeLoRaWAN(h, itf, st, 0)
		return
	}
	l.loraBusy = true
	l.loraCmd = h
	l.loraItf = itf
}

// useSession makes the D7A session layer the active stack.
func (l *Layer) useSession() {
	if l.state == stateSession {
		return
	}
	if l.state == stateLoRaWAN {
		l.leaveLoRaWAN()
	}
	if err := l.sess.Start(); err != nil {
		l.logger.Warn("start session layer", logging.KeyError, err)
	}
	l.switchTo(stateSession)
}

// useLoRaWAN initializes the LoRaWAN stack with cfg, stopping the session
// layer first.
func (l *Layer) useLoRaWAN(cfg alp.InterfaceConfig) error {
	switch l.state {
	case stateSession:
		if err := l.sess.Stop(); err != nil {
			l.logger.Warn("stop session layer", logging.KeyError, err)
		}
	case stateLoRaWAN:
		l.lora.Deinit()
	}
	l.loraConfig = nil

	var err error
	switch cfg := cfg.(type) {
	case alp.OTAAConfig:
		err = l.lora.InitOTAA(cfg.OTAAConfig)
	case alp.ABPConfig:
		err = l.lora.InitABP(cfg.ABPConfig)
	default:
		err = fmt.Errorf("%w: %s", alp.ErrUnsupportedInterface, cfg.Interface())
	}
	if err != nil {
		l.state = stateHostOnly
		return err
	}
	l.switchTo(stateLoRaWAN)
	return nil
}

func (l *Layer) leaveLoRaWAN() {
	if l.loraBusy {
		l.loraBusy = false
		l.completeLoRaWAN(l.loraCmd, l.loraItf, lorawan.StatusTxNotPossible, 0)
	}
	l.lora.Deinit()
	l.loraConfig = nil
}

func (l *Layer) switchTo(s interfaceState) {
	l.logger.Info("interface switched", "from", l.state, "to", s)
	l.state = s
	l.metrics.RecordInterfaceSwitch(s.String())
}

// ============================================================================
// Indirect forward
// ============================================================================

// indirectCache holds the decoded interface file of the last indirect
// forward. The file system marks it dirty when the file is written.
type indirectCache struct {
	fileID     uint8
	registered bool
	valid      bool
	dirty      atomic.Bool
	cfg        alp.InterfaceConfig
}

func (ic *indirectCache) reset(files *d7afs.FS) {
	if ic.registered {
		files.UnregisterModifiedCallback(ic.fileID)
	}
	ic.registered = false
	ic.valid = false
	ic.cfg = nil
	ic.dirty.Store(false)
}

func (l *Layer) resolveIndirect(c *command.Command, a alp.IndirectForward) (alp.InterfaceConfig, error) {
	ic := &l.indirect
	if !ic.registered || ic.fileID != a.FileID {
		if _, err := l.files.ReadFileHeader(a.FileID); err != nil {
			return nil, err
		}
		ic.reset(l.files)
		ic.fileID = a.FileID
		ic.registered = l.files.RegisterModifiedCallback(a.FileID, func(uint8) { ic.dirty.Store(true) })
		if !ic.registered {
			l.logger.Debug("interface file not watched, reading on every use", logging.KeyFileID, a.FileID)
		}
	}

	dirty := ic.dirty.Swap(false)
	if !ic.valid || dirty {
		data, err := l.readWholeFile(a.FileID, 1+lorawan.ABPConfigSize)
		if err != nil {
			return nil, err
		}
		cfg, err := alp.ReadInterfaceFile(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		ic.cfg = cfg
		ic.valid = ic.registered
		l.logger.Debug("interface file loaded", logging.KeyFileID, a.FileID, logging.KeyInterface, cfg.Interface())
	}

	if !a.Overload {
		return ic.cfg, nil
	}
	d7, ok := ic.cfg.(alp.D7ASPConfig)
	if !ok {
		return nil, fmt.Errorf("%w: addressee overload on %s", alp.ErrUnsupportedInterface, ic.cfg.Interface())
	}
	addr, err := session.ReadAddressee(c.Request)
	if err != nil {
		return nil, err
	}
	d7.Addressee = addr
	return d7, nil
}

// errLoRaWANStatus wraps a non-OK LoRaWAN status as an error.
func errLoRaWANStatus(st lorawan.Status) error {
	if st == lorawan.StatusOK {
		return nil
	}
	if st == lorawan.StatusNotJoined {
		return ErrNotJoined
	}
	return errors.New("lorawan: " + st.String())
}
