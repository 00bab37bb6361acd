// Package repository provides data access for the engine and interacts with Redis.
package repository

import "errors"

var (
	ErrBotNotFound    = errors.New("bot not found")
	ErrLevelNotFound  = errors.New("grid level not found")
	ErrTradeNotFound  = errors.New("trade not found")
	ErrAPIKeyNotFound = errors.New("API key not found")
)
