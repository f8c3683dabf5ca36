package direct

import (
	"errors"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"
)

// ErrQRTimeout is returned by PairingToken after the phone never scanned any
// of the offered codes.
var ErrQRTimeout = errors.New("QR code timeout")

// pairing follows one QR channel and keeps the code that should be shown now.
type pairing struct {
	mu     sync.Mutex
	code   string
	err    error
	active bool
	gen    int
	logger *zap.Logger
}

// watch starts following ch. Any previously watched channel is abandoned.
func (p *pairing) watch(ch <-chan whatsmeow.QRChannelItem) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.code, p.err, p.active = "", nil, true
	p.mu.Unlock()

	go func() {
		for item := range ch {
			if !p.apply(gen, item) {
				return
			}
		}
		p.mu.Lock()
		if p.gen == gen {
			p.active = false
		}
		p.mu.Unlock()
	}()
}

// apply records one channel item. It reports whether the flow is still open.
func (p *pairing) apply(gen int, item whatsmeow.QRChannelItem) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return false
	}
	switch item.Event {
	case "code":
		p.code = item.Code
		p.logger.Debug("pairing code rotated")
		return true
	case "success":
		p.code, p.active = "", false
		p.logger.Info("device paired")
		return false
	case "timeout":
		p.code, p.err, p.active = "", ErrQRTimeout, false
		p.logger.Warn("pairing timed out")
		return false
	default:
		if item.Error != nil {
			p.code, p.err, p.active = "", item.Error, false
			p.logger.Warn("pairing failed", zap.Error(item.Error))
			return false
		}
		return true
	}
}

// current returns the code to show, or the error that ended the flow.
func (p *pairing) current() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.err
}

// watching reports whether a QR flow is open.
func (p *pairing) watching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// reset forgets the current flow. A goroutine still reading the old channel
// exits on its next item.
func (p *pairing) reset() {
	p.mu.Lock()
	p.gen++
	p.code, p.err, p.active = "", nil, false
	p.mu.Unlock()
}
