package worker

import (
	"context"
	"log"
	"sync"
	"time"
)

// Runner executes the conversion pipeline for one invoice.
type Runner interface {
	Run(ctx context.Context, invoiceID string) error
}

const defaultConvertTimeout = 5 * time.Minute

// Manager runs conversions and tracks which invoices are in flight, so a
// retried upload request cannot enqueue the same conversion twice.
type Manager struct {
	pipeline Runner
	timeout  time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewManager(pipeline Runner, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = defaultConvertTimeout
	}
	return &Manager{
		pipeline: pipeline,
		timeout:  timeout,
		inFlight: make(map[string]struct{}),
	}
}

// begin reserves an invoice. Returns false when a conversion for it is
// already queued or running.
func (m *Manager) begin(invoiceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inFlight[invoiceID]; ok {
		return false
	}
	m.inFlight[invoiceID] = struct{}{}
	return true
}

func (m *Manager) finish(invoiceID string) {
	m.mu.Lock()
	delete(m.inFlight, invoiceID)
	m.mu.Unlock()
}

// InFlight reports whether a conversion for the invoice is queued or running.
func (m *Manager) InFlight(invoiceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[invoiceID]
	return ok
}

func (m *Manager) handleConvert(task ConvertTask) {
	defer m.finish(task.InvoiceID)

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.pipeline.Run(ctx, task.InvoiceID); err != nil {
		log.Printf("worker: conversion of invoice %s failed: %v", task.InvoiceID, err)
	}
}
