package tracing

import (
	"math"
	"runtime"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// clampInt64 converts runtime counters for use as otel attributes
func clampInt64(val uint64) int64 {
	if val > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(val)
}

// MemoryStats is a snapshot of the process heap
type MemoryStats struct {
	HeapAlloc int64
	Sys       int64
	NumGC     int64
}

// ReadMemoryStats takes a snapshot. It stops the world briefly, so only call
// it around coarse steps such as a whole browser session.
func ReadMemoryStats() MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryStats{
		HeapAlloc: clampInt64(m.HeapAlloc),
		Sys:       clampInt64(m.Sys),
		NumGC:     int64(m.NumGC),
	}
}

// Sub returns the growth from before to s
func (s MemoryStats) Sub(before MemoryStats) MemoryStats {
	return MemoryStats{
		HeapAlloc: s.HeapAlloc - before.HeapAlloc,
		Sys:       s.Sys - before.Sys,
		NumGC:     s.NumGC - before.NumGC,
	}
}

// SetMemoryDeltaAttributes records on span how much the process grew since
// before, under provisioner.<step>.*
func SetMemoryDeltaAttributes(span trace.Span, step string, before MemoryStats) {
	delta := ReadMemoryStats().Sub(before)
	prefix := "provisioner." + step
	span.SetAttributes(
		attribute.Int64(prefix+".memoryDeltaHeapBytes", delta.HeapAlloc),
		attribute.Int64(prefix+".memoryDeltaSysBytes", delta.Sys),
		attribute.Int64(prefix+".memoryDeltaNumGC", delta.NumGC),
	)
}
