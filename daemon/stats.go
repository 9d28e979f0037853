// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: daemon/stats.go
// Summary: Observers for daemon traffic; the default logs through std log.

package daemon

import "log"

// StatsObserver receives delivery events. Implementations must be cheap
// and must not block: calls happen on connection loops.
type StatsObserver interface {
	OutputSent(termID string, seq uint64, bytes int)
}

type nopStats struct{}

func (nopStats) OutputSent(string, uint64, int) {}

// StatsLogger logs delivery events to the provided logger.
type StatsLogger struct {
	logger *log.Logger
}

func NewStatsLogger(l *log.Logger) *StatsLogger {
	if l == nil {
		l = log.Default()
	}
	return &StatsLogger{logger: l}
}

func (s *StatsLogger) OutputSent(termID string, seq uint64, bytes int) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Printf("output term=%s seq=%d bytes=%d", termID, seq, bytes)
}
