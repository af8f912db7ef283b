package notify

import (
	"context"
	"time"
)

// DataVersioner reports a number that changes whenever somebody else
// commits; sqlitekv.Engine does with PRAGMA data_version.
type DataVersioner interface {
	DataVersion(ctx context.Context) (uint64, error)
}

// Poller turns data version changes into signals.
type Poller struct {
	src      DataVersioner
	interval time.Duration
}

func NewPoller(src DataVersioner, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Poller{src: src, interval: interval}
}

func (p *Poller) Name() string {
	return "data_version"
}

func (p *Poller) Run(ctx context.Context, emit func(Signal)) error {
	last, err := p.src.DataVersion(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		version, err := p.src.DataVersion(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if version != last {
			last = version
			emit(Signal{})
		}
	}
}
