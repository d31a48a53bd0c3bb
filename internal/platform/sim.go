package platform

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
)

// SimController is an in-memory Controller. It keeps a copy of everything
// transmitted and can be told to take time or fail.
type SimController struct {
	name  string
	lanes int

	mu      sync.Mutex
	Latency time.Duration
	Fail    error
	speed   physic.Frequency
	begun   bool
	begins  int
	ends    int
	sent    [][]byte
	err     error
	done    chan struct{}
}

func NewSimController(name string, lanes int) *SimController {
	return &SimController{name: name, lanes: lanes}
}

func (s *SimController) String() string { return s.name }
func (s *SimController) Lanes() int     { return s.lanes }

func (s *SimController) Begin(speed physic.Frequency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speed = speed
	s.begun = true
	s.begins++
	return nil
}

func (s *SimController) Transmit(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.begun {
		return errors.New(s.name + ": not begun")
	}
	s.sent = append(s.sent, append([]byte(nil), buf...))
	s.err = s.Fail
	done := make(chan struct{})
	s.done = done
	if s.Latency <= 0 {
		close(done)
		return nil
	}
	time.AfterFunc(s.Latency, func() { close(done) })
	return nil
}

func (s *SimController) WaitComplete(timeout time.Duration) bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *SimController) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SimController) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun = false
	s.ends++
	return nil
}

// Speed is the clock passed to the last Begin.
func (s *SimController) Speed() physic.Frequency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Begins counts Begin calls.
func (s *SimController) Begins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

// Ends counts End calls.
func (s *SimController) Ends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ends
}

// Sent returns copies of every transmitted buffer.
func (s *SimController) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}
