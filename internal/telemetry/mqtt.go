/*
wildcam-power - Power management for the WildCAM solar field camera
Copyright (C) 2025, The WildCAM Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thewriterben/wildcam-power/internal/config"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Publisher pushes status and events over MQTT. All publishes are
// best effort, a camera in the bush loses its link often.
type Publisher struct {
	client    mqtt.Client
	baseTopic string
	device    string
	log       *logrus.Logger
}

// Event is a discrete occurrence worth reporting off-camera.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Details string    `json:"details,omitempty"`
}

// NewPublisher connects to the broker. The connection carries a
// retained last-will so the broker flips the device offline when the
// camera powers down uncleanly.
func NewPublisher(cfg config.TelemetryConfig, device string, log *logrus.Logger) (*Publisher, error) {
	p := &Publisher{
		baseTopic: cfg.BaseTopic,
		device:    device,
		log:       log,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(fmt.Sprintf("wildcam-power-%s", device))
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.WillEnabled = true
	opts.WillTopic = p.stateTopic()
	opts.WillPayload = []byte(payloadOffline)
	opts.WillRetained = true
	opts.OnConnect = func(c mqtt.Client) {
		c.Publish(p.stateTopic(), 0, true, payloadOnline)
		log.Info("mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warnf("mqtt connection lost: %v", err)
	}

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) stateTopic() string {
	return fmt.Sprintf("%s/%s/state", p.baseTopic, p.device)
}

func (p *Publisher) statusTopic() string {
	return fmt.Sprintf("%s/%s/status", p.baseTopic, p.device)
}

func (p *Publisher) eventTopic(kind string) string {
	return fmt.Sprintf("%s/%s/event/%s", p.baseTopic, p.device, kind)
}

// PublishStatus sends the snapshot as retained JSON so a late
// subscriber sees the last known state.
func (p *Publisher) PublishStatus(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		p.log.Errorf("marshal status: %v", err)
		return
	}
	p.publish(p.statusTopic(), data, true)
}

// PublishEvent sends a one-off event with a fresh ID.
func (p *Publisher) PublishEvent(kind, details string) {
	ev := Event{
		ID:      uuid.NewString(),
		Type:    kind,
		Time:    time.Now().UTC(),
		Details: details,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Errorf("marshal event: %v", err)
		return
	}
	p.publish(p.eventTopic(kind), data, false)
}

func (p *Publisher) publish(topic string, payload []byte, retain bool) {
	token := p.client.Publish(topic, 0, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.log.Warnf("mqtt publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.log.Warnf("mqtt publish to %s: %v", topic, err)
	}
}

// Close announces offline and disconnects.
func (p *Publisher) Close() {
	p.publish(p.stateTopic(), []byte(payloadOffline), true)
	p.client.Disconnect(250)
}
