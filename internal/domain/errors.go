package domain

import "fmt"

// JoinError is a join-time rejection reported by the server.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("join rejected: %s", e.Code)
	}
	return fmt.Sprintf("join rejected (%s): %s", e.Code, e.Message)
}
