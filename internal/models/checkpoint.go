package models

import (
	"slices"
	"time"
)

// Checkpoint — маркер возобновляемого обучения по инструменту.
type Checkpoint struct {
	Instrument string    `json:"instrument"`
	Epoch      time.Time `json:"epoch"`
	Completed  []string  `json:"completed"`
	Finished   bool      `json:"finished"`
	FinishedAt time.Time `json:"finished_at"`
}

func (c *Checkpoint) Done(tf string) bool { return c != nil && slices.Contains(c.Completed, tf) }

func (c *Checkpoint) MarkDone(tf string) {
	if !c.Done(tf) {
		c.Completed = append(c.Completed, tf)
	}
}

const (
	TrainingIdle     = "idle"
	TrainingRunning  = "running"
	TrainingFinished = "finished"
	TrainingStopped  = "stopped"
)

type TrainingStatus struct {
	Instrument string    `json:"instrument"`
	State      string    `json:"state"`
	Timeframe  string    `json:"timeframe,omitempty"`
	Done       int       `json:"done"`
	Total      int       `json:"total"`
	Skipped    []string  `json:"skipped,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
