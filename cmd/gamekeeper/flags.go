package main

import "time"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

type StopFlags struct {
	Grace time.Duration
}

type LogsFlags struct {
	Lines int
}

type HistoryFlags struct {
	Limit int
}

// LocalFlags switch a command from the daemon API to direct execution
// against the configuration file.
type LocalFlags struct {
	Local bool
}

type RestoreFlags struct {
	LocalFlags
	Target string
}

type InitFlags struct {
	Path  string
	Print bool
}
