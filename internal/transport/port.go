// Package transport carries node CLI lines over a serial link.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/nodeadm/internal/config"
	"github.com/g960059/nodeadm/internal/model"
	"github.com/g960059/nodeadm/internal/security"
)

var ErrTransportClosed = errors.New("transport closed")

const maxLineSize = 4096

// Handler receives every non-empty line read from the link.
type Handler func(text, source string)

type Options struct {
	Delimiter    string
	SettleDelay  time.Duration
	WriteTimeout time.Duration
	// LocalSource is the identity given to lines without a bridge prefix.
	LocalSource string
	// Target addresses every command to a remote node through a bridge.
	Target string
	Health config.Config
}

func OptionsFromConfig(cfg config.Config) Options {
	opts := Options{
		Delimiter:    cfg.LineDelimiter,
		SettleDelay:  cfg.SettleDelay,
		WriteTimeout: cfg.WriteTimeout,
		LocalSource:  strings.ToLower(strings.TrimSpace(cfg.NodeID)),
		Health:       cfg,
	}
	if cfg.Bridged {
		opts.Target = opts.LocalSource
		opts.LocalSource = ""
	}
	return opts
}

type Port struct {
	rw     io.ReadWriteCloser
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	openedAt time.Time
	writeMu  sync.Mutex

	healthMu sync.Mutex
	health   HealthState

	startOnce sync.Once
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
	errs      chan error
}

func NewPort(rw io.ReadWriteCloser, opts Options, logger *zap.Logger) *Port {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Delimiter == "" {
		opts.Delimiter = "\r\n"
	}
	p := &Port{
		rw:      rw,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		errs:    make(chan error, 1),
	}
	p.openedAt = p.now()
	return p
}

// Start launches the reader loop. Lines go to h from that single goroutine.
func (p *Port) Start(h Handler) {
	p.startOnce.Do(func() {
		go p.readLoop(h)
	})
}

// Errors delivers the terminal read error, if any. It is closed when the
// reader loop exits.
func (p *Port) Errors() <-chan error {
	return p.errs
}

// Done is closed once the reader loop has exited.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// Send writes one command line. Writes issued while the board is still
// settling after open report model.ErrDeviceNotReady.
func (p *Port) Send(ctx context.Context, cmd string) error {
	select {
	case <-p.closing:
		return ErrTransportClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.now().Sub(p.openedAt) < p.opts.SettleDelay {
		return model.ErrDeviceNotReady
	}
	line := formatFrame(p.opts.Target, cmd) + p.opts.Delimiter

	p.writeMu.Lock()
	err := p.write(ctx, line)
	p.writeMu.Unlock()

	p.recordHealth(err == nil)
	if err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	p.logger.Debug("sent command", zap.String("command", security.RedactCommand(cmd)))
	return nil
}

func (p *Port) write(ctx context.Context, line string) error {
	if p.opts.WriteTimeout <= 0 {
		_, err := io.WriteString(p.rw, line)
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.WriteTimeout)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		_, err := io.WriteString(p.rw, line)
		result <- err
	}()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrTransportClosed
	}
}

func (p *Port) Health() HealthState {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	return p.health
}

func (p *Port) recordHealth(success bool) {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	prev := p.health.Current
	p.health = NextHealth(p.opts.Health, p.health, success, p.now())
	if prev != "" && prev != p.health.Current {
		p.logger.Info("link health changed",
			zap.String("from", string(prev)),
			zap.String("to", string(p.health.Current)))
	}
}

// Close closes the underlying link, which unblocks the reader loop.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closing)
		err = p.rw.Close()
	})
	return err
}

func (p *Port) readLoop(h Handler) {
	defer close(p.done)
	defer close(p.errs)

	scanner := bufio.NewScanner(p.rw)
	scanner.Buffer(make([]byte, 0, 256), maxLineSize)
	for scanner.Scan() {
		line, ok := parseFrameLine(scanner.Text(), p.opts.LocalSource)
		if !ok {
			continue
		}
		select {
		case <-p.closing:
			return
		default:
		}
		if h != nil {
			h(line.Text, line.Source)
		}
	}
	select {
	case <-p.closing:
		return
	default:
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	p.logger.Warn("link read loop stopped", zap.Error(err))
	p.errs <- fmt.Errorf("%w: %w", ErrTransportClosed, err)
}
