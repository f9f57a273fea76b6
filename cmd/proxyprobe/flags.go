package main

import "time"

type SweepFlags struct {
	APIUrl     string // trigger a running server instead of sweeping locally
	APITimeout time.Duration
}

type StatusFlags struct {
	Status     string // online, offline or empty for all
	JSON       bool
	APIUrl     string
	APITimeout time.Duration
}

type ImportFlags struct {
	URL     string
	Timeout time.Duration
}
