package node

import (
	"errors"
	"sync"

	"github.com/postalsys/alpd/internal/processor"
)

// hostOutputs fans host output out to every attached interface.
type hostOutputs struct {
	mu    sync.RWMutex
	sinks []processor.HostOutput
}

func (o *hostOutputs) add(sink processor.HostOutput) {
	o.mu.Lock()
	o.sinks = append(o.sinks, sink)
	o.mu.Unlock()
}

// OutputALP implements processor.HostOutput. Every sink is written even
// when an earlier one fails.
func (o *hostOutputs) OutputALP(data []byte) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var errs []error
	for _, sink := range o.sinks {
		if err := sink.OutputALP(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
