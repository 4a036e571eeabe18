package domain

import "errors"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrBrokerClosed      = errors.New("broker is closed")
	ErrMissingClientID   = errors.New("client id is required")
	ErrEmptyNotification = errors.New("notification topic is required")
)
