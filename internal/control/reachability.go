package control

import (
	"context"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Pinger is the reachability pre-check used by health sweeps before the
// heavier adapter status call.
type Pinger interface {
	Reachable(ctx context.Context, target string) bool
}

// ICMPPinger pings targets via pro-bing.
type ICMPPinger struct {
	timeout time.Duration
	count   int
}

// NewICMPPinger creates an ICMP pinger with the given timeout and packet
// count.
func NewICMPPinger(timeout time.Duration, count int) *ICMPPinger {
	if count <= 0 {
		count = 2
	}
	return &ICMPPinger{timeout: timeout, count: count}
}

// Reachable reports whether the target answered at least one ping.
func (p *ICMPPinger) Reachable(ctx context.Context, target string) bool {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		return false
	}

	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()

	select {
	case err := <-done:
		if err != nil {
			return false
		}
		return pinger.Statistics().PacketsRecv > 0
	case <-ctx.Done():
		pinger.Stop()
		return false
	}
}
