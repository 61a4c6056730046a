package group

import (
	"log/slog"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

// settle applies the queue action for an outcome that ends the job's turn:
// success and permanent failures are acknowledged, everything else is
// returned to the queue with the outcome's delay.
func settle(job *model.DispatchJob, outcome model.Outcome) {
	if outcome.IsSuccess() || outcome.IsPermanent() {
		ack(job)
		return
	}
	nak(job, outcome.Delay)
}

func ack(job *model.DispatchJob) {
	if job.Receipt == nil {
		return
	}
	if err := job.Receipt.Ack(); err != nil {
		slog.Error("Failed to ack job", "messageId", job.ID, "error", err)
	}
}

func nak(job *model.DispatchJob, delay time.Duration) {
	if job.Receipt == nil {
		return
	}
	var err error
	if delay > 0 {
		err = job.Receipt.NakWithDelay(delay)
	} else {
		err = job.Receipt.Nak()
	}
	if err != nil {
		slog.Error("Failed to nak job", "messageId", job.ID, "delay", delay, "error", err)
	}
}
