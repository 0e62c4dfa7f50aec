package runner

import (
	"bytes"
	"context"
	"os"
	"sync/atomic"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

// atomicState wraps atomic access to a State value.
type atomicState struct {
	v atomic.Int32
}

func (s *atomicState) get() State      { return State(s.v.Load()) }
func (s *atomicState) set(state State) { s.v.Store(int32(state)) }
func (s *atomicState) cas(from, to State) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

type Drainer interface {
	Drain() error
}

const EngineVersion = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"JOANNE\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
