package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type GlobalFlags struct {
	ConfigPath string
	EnvFile    string
	Debug      bool
}

type DownloadFlags struct {
	URL           string
	Headless      bool
	DownloadPath  string
	ForceRestart  bool
	Transpose     int
	CountIn       bool
	StatusListen  string
	MetricsListen string
}

type ProgressFlags struct {
	Dir string
}

type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	Watch      bool
	Interval   time.Duration
}
