package processor

import (
	"bytes"
	"fmt"

	"github.com/postalsys/alpd/internal/alp"
	"github.com/postalsys/alpd/internal/command"
	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/lorawan"
	"github.com/postalsys/alpd/internal/scheduler"
	"github.com/postalsys/alpd/internal/session"
)

// HandleSessionResult delivers a response to a forwarded command. With the
// shell enabled the response is written to the host as an interface status,
// the data and a non-terminal tag. The command stays active until
// HandleCommandCompleted.
func (l *Layer) HandleSessionResult(transID uint16, data []byte, meta session.Result) error {
	h, ok := l.pool.FindByTransID(transID)
	if !ok {
		l.logger.Error("result for unknown transaction", logging.KeyTransID, transID)
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, transID)
	}
	c := l.pool.Get(h)
	c.Meta = meta
	l.metrics.RecordSessionResult()
	l.logger.Debug("session result", logging.KeyTransID, transID,
		logging.KeyLength, len(data), logging.KeyAddress, meta.Addressee)

	if l.shell {
		out := c.Response.Drain()
		out, _ = alp.NewD7ASPStatus(meta).AppendBinary(out)
		out = append(out, data...)
		out = alp.AppendResponseTag(out, c.TagID, false, false)
		l.output(out)
	}
	if l.cb.CommandResult != nil {
		l.cb.CommandResult(meta, data)
	}
	return nil
}

// HandleCommandCompleted ends a command forwarded over the session layer.
func (l *Layer) HandleCommandCompleted(transID uint16, err error) error {
	h, ok := l.pool.FindByTransID(transID)
	if !ok {
		l.logger.Error("completion for unknown transaction", logging.KeyTransID, transID)
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, transID)
	}
	l.complete(h, err)
	return nil
}

// HandleLoRaWANCompleted ends the LoRaWAN uplink in flight.
func (l *Layer) HandleLoRaWANCompleted(st lorawan.Status, attempts uint8) {
	if !l.loraBusy {
		l.logger.Warn("lorawan completion without uplink", logging.KeyStatus, st)
		return
	}
	l.loraBusy = false
	l.completeLoRaWAN(l.loraCmd, l.loraItf, st, attempts)
}

// HandleLoRaWANStatus reports join progress to the host.
func (l *Layer) HandleLoRaWANStatus(st lorawan.Status, attempt uint8) {
	l.logger.Info("lorawan status", logging.KeyStatus, st, "attempt", attempt)
	if !l.shell {
		return
	}
	itf := l.loraItf
	if l.loraConfig != nil {
		itf = alp.InterfaceID(l.loraConfig[0])
	}
	out, _ := alp.NewLoRaWANStatus(itf, alp.LoRaWANStatus{
		Attempts:      attempt,
		Status:        st,
		DutyCycleWait: l.lora.DutyCycleDelay(),
	}).AppendBinary(nil)
	l.output(out)
}

// complete ends the command in slot h. err is the forward failure, if any.
func (l *Layer) complete(h command.Handle, err error) {
	c := l.pool.Get(h)
	if c == nil || !c.Active() {
		return
	}
	failed := err != nil || c.Failed
	if err != nil {
		l.logger.Debug("command failed", logging.KeySlot, int(h), logging.KeyError, err)
	}

	if l.shell {
		out := c.Response.Drain()
		if c.RespondWhenCompleted {
			out = alp.AppendResponseTag(out, c.TagID, true, failed)
		}
		l.output(out)
	}
	l.finish(h, !failed)
}

// completeLoRaWAN ends the command in slot h with a LoRaWAN status. The
// host gets the terminal tag followed by the interface status.
func (l *Layer) completeLoRaWAN(h command.Handle, itf alp.InterfaceID, st lorawan.Status, attempts uint8) {
	c := l.pool.Get(h)
	if c == nil || !c.Active() {
		return
	}
	ok := st == lorawan.StatusOK && !c.Failed
	if err := errLoRaWANStatus(st); err != nil {
		l.logger.Debug("lorawan forward failed", logging.KeySlot, int(h), logging.KeyError, err)
	}

	if l.shell && c.RespondWhenCompleted {
		out := c.Response.Drain()
		out = alp.AppendResponseTag(out, c.TagID, true, !ok)
		out, _ = alp.NewLoRaWANStatus(itf, alp.LoRaWANStatus{
			Attempts:      attempts,
			Status:        st,
			DutyCycleWait: l.lora.DutyCycleDelay(),
		}).AppendBinary(out)
		l.output(out)
	}
	l.finish(h, ok)
}

func (l *Layer) finish(h command.Handle, success bool) {
	c := l.pool.Get(h)
	l.logger.Debug("command completed", logging.KeySlot, int(h),
		logging.KeyTagID, c.TagID, "success", success)
	if l.cb.CommandCompleted != nil {
		l.cb.CommandCompleted(c.TagID, success)
	}
	l.metrics.RecordCommandCompleted(success)
	l.release(h)
}

// ============================================================================
// Stack callbacks
// ============================================================================

// sessionClient receives session layer callbacks on the session goroutine
// and moves them onto the worker.
type sessionClient struct {
	l *Layer
}

func (s sessionClient) OnResult(transID uint16, payload []byte, res session.Result) {
	data := bytes.Clone(payload)
	s.l.post(scheduler.PriorityNormal, "session result", func() {
		_ = s.l.HandleSessionResult(transID, data, res)
	})
}

func (s sessionClient) OnCompleted(transID uint16, err error) {
	s.l.post(scheduler.PriorityNormal, "session completion", func() {
		_ = s.l.HandleCommandCompleted(transID, err)
	})
}

func (s sessionClient) OnUnsolicited(payload []byte, res session.Result) bool {
	return s.l.HandleUnsolicited(payload, res)
}

func (l *Layer) loraCallbacks() lorawan.Callbacks {
	return lorawan.Callbacks{
		Receive: func(payload []byte) {
			data := bytes.Clone(payload)
			l.post(scheduler.PriorityNormal, "lorawan downlink", func() { l.HandleLoRaWANReceive(data) })
		},
		Completed: func(st lorawan.Status, attempts uint8) {
			l.post(scheduler.PriorityNormal, "lorawan completion", func() { l.HandleLoRaWANCompleted(st, attempts) })
		},
		StatusUpdate: func(st lorawan.Status, attempt uint8) {
			l.post(scheduler.PriorityNormal, "lorawan status", func() { l.HandleLoRaWANStatus(st, attempt) })
		},
	}
}

// firmwareVersionRequest reads the firmware version file of every peer in
// range.
func firmwareVersionRequest() []byte {
	cmd, _ := alp.ReadFileData{
		FileOffset: alp.FileOffset{FileID: d7afs.FileFirmwareVersion},
		Length:     d7afs.FirmwareVersionSize,
	}.AppendBinary(nil)
	return cmd
}

func broadcastConfig() session.Config {
	return session.Config{
		QoS:       session.NewQoS(session.RespModeNo, 0, false, false),
		Addressee: session.NewAddressee(session.IDTypeNOID, 0x01, nil),
	}
}
