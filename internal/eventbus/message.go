// Package eventbus carries build log lines from build containers to the
// server over Redis pub/sub, one topic per job.
package eventbus

import (
	"encoding/json"
	"strings"

	"github.com/kiranshivaraju/launchpad/pkg/models"
)

const (
	topicPrefix = "logs:"

	// Pattern matches every job topic.
	Pattern = topicPrefix + "*"

	// DoneSentinel is the plain-text line that marks a successful build.
	DoneSentinel = "Done"

	// FailedPrefix marks a failed build for publishers that cannot send a status field.
	FailedPrefix = "Build failed"
)

// Signal is the terminal outcome a single message carries, if any.
type Signal int

const (
	SignalNone Signal = iota
	SignalDone
	SignalFailed
)

func (s Signal) String() string {
	switch s {
	case SignalDone:
		return "done"
	case SignalFailed:
		return "failed"
	}
	return "none"
}

// Envelope is the JSON wire form of a log line.
type Envelope struct {
	Log    string `json:"log"`
	Status string `json:"status,omitempty"`
}

// Message is a decoded bus message.
type Message struct {
	Topic  string
	JobID  string
	Text   string
	Status string
}

// Topic returns the bus topic for a job.
func Topic(jobID string) string {
	return topicPrefix + jobID
}

// JobIDFromTopic strips the topic prefix. ok is false for foreign topics.
func JobIDFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Decode unwraps raw into a Message. JSON is tried first; anything that is not
// an envelope with a non-empty log field is kept as plain text.
func Decode(topic, raw string) Message {
	jobID, _ := JobIDFromTopic(topic)
	msg := Message{Topic: topic, JobID: jobID, Text: raw}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return msg
	}
	if env.Log != "" {
		msg.Text = env.Log
	}
	if models.IsTerminal(env.Status) {
		msg.Status = env.Status
	}
	return msg
}

// Encode builds the JSON envelope for text. An empty status is omitted.
func Encode(text, status string) string {
	b, _ := json.Marshal(Envelope{Log: text, Status: status})
	return string(b)
}

// Classify reports the terminal outcome carried by msg. The structured status
// field wins over the text markers.
func Classify(msg Message) Signal {
	switch msg.Status {
	case models.JobStatusDeployed:
		return SignalDone
	case models.JobStatusFailed:
		return SignalFailed
	}
	if msg.Text == DoneSentinel {
		return SignalDone
	}
	if strings.HasPrefix(msg.Text, FailedPrefix) {
		return SignalFailed
	}
	return SignalNone
}
