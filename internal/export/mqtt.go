package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"metereye/internal/config"
	"metereye/internal/metrics"
	"metereye/internal/model"
)

const publishTimeout = 5 * time.Second

// MQTTSink publishes one message per reading. The broker connection
// auto-reconnects with backoff; while it is down, submitted events wait in
// the bounded queue (capacity 1000, oldest first out).
type MQTTSink struct {
	cfg    config.MQTTExportConfig
	client mqtt.Client
	queue  chan model.Event
	mx     *metrics.Metrics

	// OnConnectionChange, when set before Start, is invoked with the new
	// connectivity state from the client callbacks.
	OnConnectionChange func(connected bool)
}

// NewMQTTSink builds the client; the connection is made by Start.
func NewMQTTSink(cfg config.MQTTExportConfig, mx *metrics.Metrics) *MQTTSink {
	s := &MQTTSink{
		cfg:   cfg,
		queue: make(chan model.Event, sinkQueueSize),
		mx:    mx,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(fmt.Sprintf("metereye-%d-%d", os.Getpid(), time.Now().Unix())).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxBackoff).
		SetConnectRetry(true).
		SetConnectRetryInterval(initialBackoff)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("[export-mqtt] connected to %s:%d", cfg.Broker, cfg.Port)
		if s.OnConnectionChange != nil {
			s.OnConnectionChange(true)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[export-mqtt] connection lost: %v", err)
		if s.OnConnectionChange != nil {
			s.OnConnectionChange(false)
		}
	})

	s.client = mqtt.NewClient(opts)
	return s
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Submit enqueues one event. Non-blocking; a full queue evicts its oldest
// entry.
func (s *MQTTSink) Submit(ev model.Event) {
	s.mx.SinkSubmitted.WithLabelValues("mqtt").Inc()
	offer(s.queue, ev, func() {
		s.mx.SinkQueueDrops.WithLabelValues("mqtt").Inc()
	})
}

// Flush is a no-op: MQTT publishes are per message, nothing batches.
func (s *MQTTSink) Flush() {}

// Stop disconnects if Start's own shutdown did not get to it.
func (s *MQTTSink) Stop() {
	if s.client.IsConnectionOpen() {
		s.client.Disconnect(250)
	}
}

// Start connects and then publishes queued events whenever the connection
// is up. Blocks until ctx is cancelled, then drains what it can within 5s.
func (s *MQTTSink) Start(ctx context.Context) {
	tok := s.client.Connect()
	for !tok.WaitTimeout(time.Second) {
		select {
		case <-ctx.Done():
			s.client.Disconnect(250)
			return
		default:
		}
	}
	if err := tok.Error(); err != nil {
		log.Printf("[export-mqtt] connect: %v", err)
	}

	for {
		if !s.client.IsConnectionOpen() {
			// Reconnection is the client's job; just wait it out.
			select {
			case <-ctx.Done():
				s.shutdown()
				return
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case ev := <-s.queue:
			s.publish(ev)
		}
	}
}

func (s *MQTTSink) shutdown() {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && s.client.IsConnectionOpen() {
		select {
		case ev := <-s.queue:
			s.publish(ev)
		default:
			s.client.Disconnect(250)
			return
		}
	}
	s.client.Disconnect(250)
}

func (s *MQTTSink) publish(ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.mx.SinkFailures.WithLabelValues("mqtt").Inc()
		return
	}
	topic := topicFor(s.cfg.TopicTemplate, ev)

	start := time.Now()
	tok := s.client.Publish(topic, byte(s.cfg.QoS), false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		s.mx.SinkFailures.WithLabelValues("mqtt").Inc()
		log.Printf("[export-mqtt] publish to %s timed out", topic)
		return
	}
	if err := tok.Error(); err != nil {
		s.mx.SinkFailures.WithLabelValues("mqtt").Inc()
		log.Printf("[export-mqtt] publish to %s: %v", topic, err)
		return
	}
	s.mx.MQTTPublishDur.Observe(time.Since(start).Seconds())
}

// topicFor substitutes {camera_id} and {meter_id}/{indicator_id} in the
// template. Indicator readings fill both id placeholders so the default
// meter-oriented template still routes them.
func topicFor(template string, ev model.Event) string {
	t := template
	switch {
	case ev.Reading != nil:
		t = strings.ReplaceAll(t, "{camera_id}", ev.Reading.CameraID)
		t = strings.ReplaceAll(t, "{meter_id}", ev.Reading.MeterID)
	case ev.Indicator != nil:
		t = strings.ReplaceAll(t, "{camera_id}", ev.Indicator.CameraID)
		t = strings.ReplaceAll(t, "{meter_id}", ev.Indicator.IndicatorID)
		t = strings.ReplaceAll(t, "{indicator_id}", ev.Indicator.IndicatorID)
	}
	return t
}
