// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: plugin/acks.go
// Summary: Keep-alive and batched acknowledgment loops for the client.

package plugin

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/framegrace/texelsync/protocol"
)

const ackFlushInterval = 20 * time.Millisecond

// scheduleAck raises the pending high-water mark and nudges the ack loop.
// Lower sequences never regress the mark.
func scheduleAck(pending *atomic.Uint64, signal chan<- struct{}, seq uint64) {
	for {
		current := pending.Load()
		if seq <= current {
			break
		}
		if pending.CompareAndSwap(current, seq) {
			break
		}
	}
	select {
	case signal <- struct{}{}:
	default:
	}
}

// ackLoop flushes the subscription's pending ack whenever it moves,
// folding bursts into one frame per interval.
func (c *Client) ackLoop(sub *subscription) {
	ticker := time.NewTicker(ackFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-sub.stopAck:
			return
		case <-sub.ackSignal:
		case <-ticker.C:
		}

		target := sub.pendingAck.Load()
		if target == 0 || target == sub.lastAck.Load() {
			continue
		}
		payload, err := protocol.EncodeOutputAck(protocol.OutputAck{TermID: sub.termID, Seq: target})
		if err != nil {
			log.Printf("plugin: ack encode failed: %v", err)
			continue
		}
		if err := c.send(protocol.MsgOutputAck, payload); err != nil {
			return
		}
		sub.lastAck.Store(target)
	}
}

func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.stop:
			return
		case <-ticker.C:
			payload, err := protocol.EncodePing(protocol.Ping{Timestamp: time.Now().UnixNano()})
			if err != nil {
				log.Printf("plugin: encode ping failed: %v", err)
				continue
			}
			if err := c.send(protocol.MsgPing, payload); err != nil {
				return
			}
		}
	}
}
