package serial

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/metrics"
	"github.com/postalsys/alpd/internal/recovery"
)

// Output writes ALP data to a stream as serial frames. Data longer than a
// frame is split over consecutive frames. It is safe for concurrent use.
type Output struct {
	mu      sync.Mutex
	w       io.Writer
	counter uint8
	metrics *metrics.Metrics
}

// NewOutput creates an Output writing to w.
func NewOutput(w io.Writer, m *metrics.Metrics) *Output {
	return &Output{w: w, metrics: m}
}

// OutputALP writes data as ALP data frames.
func (o *Output) OutputALP(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(data) > 0 {
		n := min(len(data), MaxPayloadSize)
		if err := o.writeLocked(TypeALPData, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// WriteFrame writes a single frame of type typ.
func (o *Output) WriteFrame(typ uint8, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeLocked(typ, payload)
}

func (o *Output) writeLocked(typ uint8, payload []byte) error {
	f := Frame{Counter: o.counter, Type: typ, Payload: payload}
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	if _, err := o.w.Write(buf); err != nil {
		return err
	}
	o.counter++
	o.metrics.RecordHostOutput("serial", len(payload))
	return nil
}

// SubmitFunc processes one ALP command from the host.
type SubmitFunc func(ctx context.Context, cmd []byte) error

// InputConfig configures an Input.
type InputConfig struct {
	Reader io.Reader
	// Output answers ping requests. Optional.
	Output *Output
	Submit SubmitFunc
	Logger *slog.Logger
}

// Input reads frames from a stream and submits their ALP commands.
type Input struct {
	dec    *Decoder
	out    *Output
	submit SubmitFunc
	logger *slog.Logger
}

// NewInput creates an Input.
func NewInput(cfg InputConfig) *Input {
	return &Input{
		dec:    NewDecoder(cfg.Reader),
		out:    cfg.Output,
		submit: cfg.Submit,
		logger: logging.Component(cfg.Logger, "serial"),
	}
}

// Run reads frames until the stream ends or ctx is cancelled. A clean end
// of stream returns nil. Cancellation is only observed between frames.
func (in *Input) Run(ctx context.Context) error {
	defer recovery.RecoverWithLog(in.logger, "serial.Input.Run")

	for ctx.Err() == nil {
		f, err := in.dec.Next()
		switch {
		case errors.Is(err, ErrChecksum), errors.Is(err, ErrVersion):
			in.logger.Warn("dropping serial frame", logging.KeyError, err)
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case err != nil:
			return err
		}
		in.handle(ctx, f)
	}
	return ctx.Err()
}

func (in *Input) handle(ctx context.Context, f *Frame) {
	in.logger.Debug("serial frame", "type", TypeName(f.Type), logging.KeyLength, len(f.Payload))
	switch f.Type {
	case TypeALPData:
		if in.submit == nil {
			return
		}
		if err := in.submit(ctx, f.Payload); err != nil {
			in.logger.Warn("command from serial failed", logging.KeyError, err)
		}
	case TypePingRequest:
		if in.out != nil {
			if err := in.out.WriteFrame(TypePingReply, f.Payload); err != nil {
				in.logger.Warn("ping reply failed", logging.KeyError, err)
			}
		}
	default:
		in.logger.Debug("ignoring serial frame", "type", TypeName(f.Type))
	}
}
