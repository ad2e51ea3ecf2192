package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"
	"github.com/grandcat/zeroconf"
)

const BROKER_SERVICE = "_mqtt._tcp."
const PRIVATE_PORT = 1883

// BrokerAuto asks for a zeroconf lookup of the broker on the LAN.
const BrokerAuto = "auto"

type Client struct {
	Id        string      // MQTT client_id (this client)
	mqtt      mqtt.Client // MQTT stack
	brokerUrl *url.URL    // MQTT broker to connect to
	log       logr.Logger
}

var MqttUsername string = ""

var MqttPassword string = ""

func NewClient(ctx context.Context, log logr.Logger, where string) (*Client, error) {
	log = log.WithName("mqtt.Client")
	clientId := fmt.Sprintf("%v%v", path.Base(os.Args[0]), os.Getpid())
	log.Info("Initializing MQTT client", "client_id", clientId)

	brokerUrl, err := lookupBroker(ctx, log, where)
	if err != nil {
		log.Error(err, "could not find MQTT broker", "where", where)
		return nil, err
	}
	log.Info("Using MQTT broker", "url", brokerUrl)

	opts := mqtt.NewClientOptions()
	opts.SetUsername(MqttUsername)
	opts.SetPassword(MqttPassword)
	opts.SetClientID(clientId)
	opts.SetAutoReconnect(true)
	opts.AddBroker(brokerUrl.String())

	return &Client{
		Id:        clientId,
		mqtt:      mqtt.NewClient(opts),
		brokerUrl: brokerUrl,
		log:       log,
	}, nil
}

// Connect retries with exponential backoff until connected or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	if c.mqtt.IsConnected() {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		token := c.mqtt.Connect()
		select {
		case <-token.Done():
			return token.Error()
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}
	notify := func(err error, next time.Duration) {
		c.log.Info("MQTT client failed to connect, retrying", "client_id", c.Id, "error", err.Error(), "next", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		c.log.Error(err, "MQTT client failed to connect", "client_id", c.Id)
		return err
	}
	c.log.Info("MQTT client connected", "client_id", c.Id)
	return nil
}

func (c *Client) BrokerUrl() *url.URL {
	return c.brokerUrl
}

func (c *Client) Close() {
	if c.mqtt.IsConnected() {
		c.mqtt.Disconnect(250 /* milliseconds */)
	}
}

// Publish sends a retained message, at-least-once.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.mqtt.IsConnected() {
		return fmt.Errorf("MQTT client %s is not connected", c.Id)
	}
	c.log.V(1).Info("Publishing", "topic", topic, "payload", string(payload))
	token := c.mqtt.Publish(topic, 1 /*qos:at-least-once*/, true /*retain*/, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func lookupBroker(ctx context.Context, log logr.Logger, where string) (*url.URL, error) {
	log.Info("Looking up MQTT broker", "where", where)

	if where == BrokerAuto {
		return lookupBrokerViaZeroConf(ctx, log)
	}

	if u, err := url.Parse(where); err == nil && u.Scheme != "" && u.Host != "" {
		return u, nil
	}

	host, port := where, PRIVATE_PORT
	if h, p, err := net.SplitHostPort(where); err == nil {
		host = h
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad broker port in %q: %w", where, err)
		}
	}
	return &url.URL{
		Scheme: "tcp",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
	}, nil
}

func lookupBrokerViaZeroConf(ctx context.Context, log logr.Logger) (*url.URL, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		log.Error(err, "Failed to initialize zeroconf resolver")
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []*url.URL, 1)

	go func() {
		brokers := make([]*url.URL, 0)
		for entry := range entries {
			// Filter-out spurious candidates
			if !strings.Contains(entry.Service, BROKER_SERVICE) {
				continue
			}
			log.Info("Found MQTT broker", "addresses", entry.AddrIPv4, "port", entry.Port)
			for _, addrIpV4 := range entry.AddrIPv4 {
				brokers = append(brokers, &url.URL{
					Scheme: "tcp",
					Host:   fmt.Sprintf("%v:%v", addrIpV4, entry.Port),
				})
			}
		}
		found <- brokers
	}()

	browseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = resolver.Browse(browseCtx, BROKER_SERVICE, "local.", entries)
	if err != nil {
		log.Error(err, "failed to browse")
		return nil, err
	}
	<-browseCtx.Done()

	// zeroconf closes entries once the browse context is done
	var brokers []*url.URL
	select {
	case brokers = <-found:
	case <-time.After(time.Second):
	}
	log.Info("Using MQTT", "broker", brokers, "service", BROKER_SERVICE)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no MQTT broker found")
	}
	return brokers[0], nil
}
