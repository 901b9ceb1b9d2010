package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crawlfleet/internal/core/domain"
	"crawlfleet/internal/core/logger"
	"crawlfleet/internal/core/ports"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// Publisher mirrors coordinator events onto MQTT topics:
//
//	{prefix}/events             every event
//	{prefix}/jobs/{job_id}      job lifecycle
//	{prefix}/agents/{agent_id}  agent lifecycle
type Publisher struct {
	client mqtt.Client
	events ports.EventPublisher
	prefix string
}

// NewPublisher connects to the broker.
func NewPublisher(events ports.EventPublisher, brokerURL, prefix, serverID string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("crawlfleet-%s-%d", serverID, time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("Connected to MQTT broker", "broker", brokerURL)
	return newPublisher(client, events, prefix), nil
}

func newPublisher(client mqtt.Client, events ports.EventPublisher, prefix string) *Publisher {
	if prefix == "" {
		prefix = "crawlfleet"
	}
	return &Publisher{client: client, events: events, prefix: prefix}
}

// Start consumes events until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	go p.consumeEvents(ctx)
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

func (p *Publisher) consumeEvents(ctx context.Context) {
	ch, err := p.events.SubscribeEvents(ctx)
	if err != nil {
		logger.Error("MQTT: failed to subscribe to events", "error", err)
		return
	}

	logger.Info("MQTT: started event consumer", "prefix", p.prefix)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			p.publish(event)
		}
	}
}

func (p *Publisher) publish(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn("MQTT: failed to encode event", "type", event.Type, "error", err)
		return
	}
	for _, topic := range p.topics(event) {
		token := p.client.Publish(topic, 0, false, data)
		if !token.WaitTimeout(publishTimeout) {
			logger.Warn("MQTT: publish timed out", "topic", topic)
			continue
		}
		if err := token.Error(); err != nil {
			logger.Warn("MQTT: publish failed", "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) topics(event domain.Event) []string {
	topics := []string{p.prefix + "/events"}
	if event.JobID != "" {
		topics = append(topics, fmt.Sprintf("%s/jobs/%s", p.prefix, event.JobID))
	}
	if event.AgentID != "" {
		topics = append(topics, fmt.Sprintf("%s/agents/%s", p.prefix, event.AgentID))
	}
	return topics
}
