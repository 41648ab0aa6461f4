package model

import "time"

// Link is one stage of a chain with its pre-assigned transaction id.
type Link struct {
	Stage   StageKind `json:"stage"`
	TaskID  string    `json:"taskId"`
	Service string    `json:"service,omitempty"`
}

// ChainMessage is the unit carried by the task queue. Links[0] is the link to run;
// the rest run after it succeeds.
type ChainMessage struct {
	ID         string    `json:"id"`
	RootID     string    `json:"rootId"`
	Links      []Link    `json:"links"`
	Envelope   Envelope  `json:"envelope"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Current returns the link to run and whether there is one.
func (m ChainMessage) Current() (Link, bool) {
	if len(m.Links) == 0 {
		return Link{}, false
	}
	return m.Links[0], true
}

// Next returns the message for the following link, if any.
func (m ChainMessage) Next(env Envelope) (ChainMessage, bool) {
	if len(m.Links) < 2 {
		return ChainMessage{}, false
	}
	return ChainMessage{
		RootID:   m.RootID,
		Links:    append([]Link(nil), m.Links[1:]...),
		Envelope: env,
	}, true
}
