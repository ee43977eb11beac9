package mqtt_test

import (
	"context"
	"fmt"
	"time"

	"github.com/autopeer-io/datasync/pkg/log"
	"github.com/autopeer-io/datasync/pkg/mqtt"
)

// ExampleClient demonstrates the lifecycle datasyncd drives a Client
// through: build a config, start the connection, subscribe to the sync
// response topic for a model type, wait for the connection, publish a
// mutation request, then disconnect on shutdown.
func ExampleClient() {
	cfg := &mqtt.ClientConfig{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "datasyncd-example",
		Username:       "admin",
		Password:       "public",
		KeepAlive:      60,
		ConnectTimeout: 5 * time.Second,
		// Local brokers in development are usually self-signed.
		InsecureSkipVerify: true,
		// A sync client wants queued responses delivered after a reconnect.
		CleanStart: false,
	}

	client, err := mqtt.NewClient(cfg)
	if err != nil {
		log.Error(err, "failed to create MQTT client")
		return
	}

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		log.Error(err, "failed to start MQTT client")
		return
	}

	// Handlers run on their own goroutine; mqttwire decodes the envelope
	// and routes it to the matching pending request or subscription.
	responseHandler := func(ctx context.Context, topic string, payload []byte) {
		fmt.Printf("received message on topic %s: %s\n", topic, string(payload))
	}

	respTopic := "sync/Vehicle/response/+"
	if err := client.Subscribe(ctx, respTopic, 1, responseHandler); err != nil {
		log.Error(err, "failed to subscribe", "topic", respTopic)
	}

	fmt.Println("waiting for connection...")
	if err := client.AwaitConnection(ctx); err != nil {
		log.Error(err, "connection timed out")
		return
	}
	fmt.Println("mqtt connected")

	reqTopic := "mutate/Vehicle/request"
	payload := []byte(`{"modelType": "Vehicle", "recordId": "vh-001"}`)
	if err := client.Publish(ctx, reqTopic, 1, false, payload); err != nil {
		log.Error(err, "failed to publish message", "topic", reqTopic)
	}

	client.Disconnect(ctx)
}
