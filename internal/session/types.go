package session

import (
	"time"

	"github.com/ent0n29/featureserver/internal/conference"
	"github.com/ent0n29/featureserver/internal/webhook"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Application is the serializable part of a call's application context. It
// travels inside migration snapshots, so it must not hold live clients.
type Application struct {
	AccountSID     string        `json:"account_sid"`
	ApplicationSID string        `json:"application_sid"`
	CallHook       webhook.Hook  `json:"call_hook"`
	CallStatusHook *webhook.Hook `json:"call_status_hook,omitempty"`
}

// Summary is a point-in-time view of a call.
type Summary struct {
	CallSID        string           `json:"call_sid"`
	CallID         string           `json:"call_id"`
	AccountSID     string           `json:"account_sid"`
	ApplicationSID string           `json:"application_sid"`
	Direction      string           `json:"direction"`
	From           string           `json:"from"`
	To             string           `json:"to"`
	Status         Status           `json:"status"`
	Transferred    bool             `json:"transferred"`
	CurrentTask    string           `json:"current_task,omitempty"`
	Remaining      int              `json:"remaining_tasks"`
	Conference     *conference.Info `json:"conference,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
}
