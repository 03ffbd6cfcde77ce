// Package core provides the bounded-concurrency job execution core.
// It admits conversion jobs against a fixed worker budget, assigns queued
// jobs to idle workers in FIFO order, enforces per-job deadlines via context,
// and coordinates an orderly drain on shutdown: no new admissions, a bounded
// window for running jobs to finish, then forced cancellation.
package core
