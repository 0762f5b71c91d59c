package transcoder

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
)

var errFakeKilled = errors.New("signal: killed")

type fakeProcess struct {
	pid      int
	launcher *fakeLauncher
	exit     chan error
	once     sync.Once
	signals  chan os.Signal
	killed   atomic.Bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() error {
	err := <-p.exit
	p.launcher.live.Add(-1)
	return err
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	select {
	case p.signals <- sig:
	default:
	}
	if !p.launcher.ignoreSignals {
		p.exitWith(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exitWith(errFakeKilled)
	return nil
}

func (p *fakeProcess) exitWith(err error) {
	p.once.Do(func() { p.exit <- err })
}

// fakeLauncher hands out in-memory processes. exitNow, when set, makes every
// new process exit immediately with the returned error.
type fakeLauncher struct {
	mu            sync.Mutex
	procs         []*fakeProcess
	starts        []uint64
	failures      int
	ignoreSignals bool
	exitNow       error

	live     atomic.Int32
	maxLive  atomic.Int32
	launched chan *fakeProcess
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan *fakeProcess, 256)}
}

func (l *fakeLauncher) Launch(start uint64) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("exec: not found")
	}
	p := &fakeProcess{
		pid:      1000 + len(l.procs),
		launcher: l,
		exit:     make(chan error, 1),
		signals:  make(chan os.Signal, 1),
	}
	l.procs = append(l.procs, p)
	l.starts = append(l.starts, start)
	if n := l.live.Add(1); n > l.maxLive.Load() {
		l.maxLive.Store(n)
	}
	if l.exitNow != nil {
		p.exitWith(l.exitNow)
	}
	select {
	case l.launched <- p:
	default:
	}
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}
