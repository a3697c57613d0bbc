package messaging

import "github.com/nats-io/nats.go"

// natsMsg builds a bare message for core publishes.
func natsMsg(subject string, data []byte) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = data
	return m
}
