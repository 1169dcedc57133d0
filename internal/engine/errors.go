package engine

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks timeouts and transport failures reaching the engine.
var ErrUnavailable = errors.New("engine unavailable")

// ErrInterrupted reports a job stopped on the engine side.
var ErrInterrupted = errors.New("generation was interrupted on the engine")

// RejectedError is returned when the engine answers with a non-2xx status.
type RejectedError struct {
	Op     string
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	body := e.Body
	if body == "" {
		body = "no response body"
	}
	return fmt.Sprintf("engine %s error %d: %s", e.Op, e.Status, body)
}

// ExecutionError is a node failure the engine reported after accepting a job.
type ExecutionError struct {
	NodeType string
	NodeID   string
	Message  string
}

func (e *ExecutionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "execution failed"
	}
	switch {
	case e.NodeType != "":
		return fmt.Sprintf("engine error in %q (node %s): %s", e.NodeType, e.NodeID, msg)
	case e.NodeID != "":
		return fmt.Sprintf("engine error in node %s: %s", e.NodeID, msg)
	}
	return "engine error: " + msg
}

func unavailable(op string, err error) error {
	return fmt.Errorf("engine %s: %w: %w", op, ErrUnavailable, err)
}
