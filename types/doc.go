// Package types defines the shared error taxonomy used across the
// orchestration engine. Components wrap failures in coded *Error values so
// callers can branch on classification (validation, transient, authorization,
// version conflict, circuit open) without string matching.
package types
