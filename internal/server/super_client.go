package server

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
)

// publisher is the relay's own client on one transport.
type publisher interface {
	Publish(topic string, payload []byte) error
	Connected() bool
	Close()
}

type superClient struct {
	client  paho.Client
	timeout time.Duration
}

func dialSuperClient(brokerURL, clientID string, timeout time.Duration) (publisher, error) {
	log := logger.Component("super-client").With("client", clientID)
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetConnectTimeout(timeout).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(false)
	opts.SetOnConnectHandler(func(paho.Client) {
		log.Info("Relay client connected", "broker", brokerURL)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("Relay client connection lost", "error", err)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to %s timed out after %s", brokerURL, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return &superClient{client: client, timeout: timeout}, nil
}

func (s *superClient) Publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (s *superClient) Connected() bool {
	return s.client.IsConnectionOpen()
}

func (s *superClient) Close() {
	s.client.Disconnect(250)
}
