package bridge

import (
	"time"

	"github.com/procrpc/procrpc/rpc"
	"go.uber.org/zap"
)

// Option configures a Transport.
type Option func(t *Transport)

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		t.baseLog = l
		t.log = l.Named("bridge").Sugar()
	}
}

// WithTraceSink mirrors every raw wire line to s, best-effort.
func WithTraceSink(s rpc.TraceSink) Option {
	return func(t *Transport) {
		t.trace = s
	}
}

// WithCallTimeout sets the default per-call timeout used when Call is given
// a timeout <= 0.
func WithCallTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.callTimeout = d
	}
}
