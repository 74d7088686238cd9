package models

import "time"

type JobRecord struct {
	ID             string
	IdempotencyKey string
	Fingerprint    string
	Subject        string
	Strict         bool
	Status         string
	PageCount      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type RunRecord struct {
	ID           string
	JobID        string
	PageIndex    int
	Status       string
	Iterations   int
	Tokens       int
	ElapsedMS    int
	ParseRetries int
	FailureCode  string
	FailureCause string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type GradeResultRecord struct {
	RunID          string
	JobID          string
	PageIndex      int
	FindingsJSON   string
	Confidence     float64
	Classification string
	CreatedAt      time.Time
}

type ProviderCallRecord struct {
	ID         int
	RunID      string
	Iteration  int
	Kind       string
	Success    bool
	ErrMsg     string
	Tokens     int
	DurationMS int
	CreatedAt  time.Time
}
