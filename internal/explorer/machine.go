package explorer

import (
	"errors"
	"strings"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/notify"
)

type State int

const (
	Idle State = iota
	Loading
	Ready
	Previewing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Previewing:
		return "previewing"
	default:
		return "unknown"
	}
}

var ErrNoBlob = errors.New(notify.MsgNoBlob)

// Lookup is an outstanding request. Results carry Seq back so the
// machine can tell a current answer from a stale one.
type Lookup struct {
	Seq uint64
	ID  string
}

// Machine tracks what the explorer is showing. Every request bumps the
// sequence, and only answers for the latest sequence are applied.
type Machine struct {
	state   State
	seq     uint64
	id      string
	info    *blob.Info
	preview *Preview
}

func NewMachine() *Machine {
	return &Machine{state: Idle}
}

func (m *Machine) State() State { return m.state }

// ID is the id of the most recent submission.
func (m *Machine) ID() string { return m.id }

func (m *Machine) Info() (blob.Info, bool) {
	if m.info == nil {
		return blob.Info{}, false
	}
	return *m.info, true
}

func (m *Machine) Preview() (Preview, bool) {
	if m.preview == nil {
		return Preview{}, false
	}
	return *m.preview, true
}

func (m *Machine) current(seq uint64) bool {
	return seq == m.seq
}

// Submit starts a lookup for input. Blank input is rejected with
// blob.ErrEmptyID and leaves the machine untouched.
func (m *Machine) Submit(input string) (Lookup, error) {
	id := strings.TrimSpace(input)
	if id == "" {
		return Lookup{}, blob.ErrEmptyID
	}
	m.seq++
	m.id = id
	m.info = nil
	m.preview = nil
	m.state = Loading
	return Lookup{Seq: m.seq, ID: id}, nil
}

// Resolved applies info when seq is current and reports whether it did.
func (m *Machine) Resolved(seq uint64, info blob.Info) bool {
	if !m.current(seq) || m.state != Loading {
		return false
	}
	m.info = &info
	m.state = Ready
	return true
}

func (m *Machine) Failed(seq uint64, err error) bool {
	if !m.current(seq) || m.state != Loading {
		return false
	}
	m.info = nil
	m.state = Idle
	return true
}

// View requests a preview of the loaded blob. The returned lookup's
// sequence supersedes any earlier one, so a later Submit or View makes
// its result stale.
func (m *Machine) View() (Lookup, error) {
	if m.info == nil || (m.state != Ready && m.state != Previewing) {
		return Lookup{}, ErrNoBlob
	}
	m.seq++
	m.preview = nil
	m.state = Previewing
	return Lookup{Seq: m.seq, ID: m.info.ID}, nil
}

func (m *Machine) PreviewLoaded(seq uint64, preview Preview) bool {
	if !m.current(seq) || m.state != Previewing {
		return false
	}
	m.preview = &preview
	return true
}

func (m *Machine) PreviewFailed(seq uint64, err error) bool {
	if !m.current(seq) || m.state != Previewing {
		return false
	}
	m.preview = nil
	m.state = Ready
	return true
}
