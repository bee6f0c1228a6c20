package device

import (
	"sync"

	"github.com/European-XFEL/Karabo-sub006/hash"
)

// Signal is a declared event source with a fixed argument-type tuple.
// Remote slots connect to it by instance id and slot name; every emit
// casts the arguments against the declared types before framing.
type Signal struct {
	name     string
	argTypes []hash.Type

	mu    sync.Mutex
	conns map[string][]string
}

func newSignal(name string, argTypes []hash.Type) *Signal {
	return &Signal{
		name:     name,
		argTypes: argTypes,
		conns:    make(map[string][]string),
	}
}

// Name returns the signal function name.
func (s *Signal) Name() string {
	return s.name
}

func (s *Signal) connect(instanceID, slot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.conns[instanceID] {
		if existing == slot {
			return
		}
	}
	s.conns[instanceID] = append(s.conns[instanceID], slot)
}

func (s *Signal) disconnect(instanceID, slot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.conns[instanceID]
	for i, existing := range slots {
		if existing == slot {
			slots = append(slots[:i], slots[i+1:]...)
			if len(slots) == 0 {
				delete(s.conns, instanceID)
			} else {
				s.conns[instanceID] = slots
			}
			return true
		}
	}
	return false
}

func (s *Signal) dropInstance(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, instanceID)
}

// targets snapshots the connected slots keyed by instance id.
func (s *Signal) targets() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.conns))
	for id, slots := range s.conns {
		out[id] = append([]string(nil), slots...)
	}
	return out
}

// castArgs checks arity and casts each argument to its declared type.
func (s *Signal) castArgs(args []any) ([]any, error) {
	if len(s.argTypes) == 0 {
		return args, nil
	}
	if len(args) != len(s.argTypes) {
		return nil, errSignalArity(s.name, len(s.argTypes), len(args))
	}
	out := make([]any, len(args))
	for i, a := range args {
		cast, err := hash.ConvertAs(s.name, a, s.argTypes[i])
		if err != nil {
			return nil, err
		}
		out[i] = cast
	}
	return out, nil
}
