package mqtt

import (
	"crypto/tls"
	"log/slog"
	"net/url"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Client wraps the paho client behind the small pub/sub surface the hub
// uses. Reconnection is delegated to paho's auto-reconnect.
type Client struct {
	cli mqtt.Client
}

// ClientAPI is what the gateway and dispatcher depend on instead of the
// concrete client, so their tests run against fakes with no broker.
type ClientAPI interface {
	Subscribe(topic string, cb Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
	PublishQoS(topic string, payload []byte, qos byte) error
}

// Message and Handler alias the paho types so callers only import this
// package.
type Message = mqtt.Message
type Handler = mqtt.MessageHandler

// newClientOptions translates a broker URL into paho options. The uuid
// suffix keeps concurrently deployed replicas from stealing each
// other's session.
func newClientOptions(brokerURL, clientID string) *mqtt.ClientOptions {
	u, err := url.Parse(brokerURL)
	if err != nil {
		panic(err)
	}
	opts := mqtt.NewClientOptions()
	server := u.Host
	if u.Scheme == "mqtt" || u.Scheme == "tcp" {
		server = "tcp://" + server
	} else if u.Scheme == "ssl" || u.Scheme == "tls" {
		server = "ssl://" + server
	} else if u.Scheme == "ws" || u.Scheme == "wss" {
		server = u.Scheme + "://" + server + u.Path
	}
	opts.AddBroker(server)
	if clientID == "" {
		clientID = "smarthome-hub"
	}
	opts.SetClientID(clientID + "-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(c mqtt.Client) { slog.Info("mqtt connected", "broker", brokerURL) }
	opts.OnConnectionLost = func(c mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) // TODO: tighten
	}
	return opts
}

// New connects to the broker and blocks until the first connect
// resolves. A broker that cannot be reached at startup is fatal.
func New(brokerURL, clientID string) *Client {
	cli := mqtt.NewClient(newClientOptions(brokerURL, clientID))
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		panic(t.Error())
	}
	return &Client{cli: cli}
}

func (c *Client) Subscribe(topic string, cb Handler) error {
	t := c.cli.Subscribe(topic, 0, cb)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

// Publish sends at QoS 0, the default for traffic where the freshest
// message supersedes a lost one.
func (c *Client) Publish(topic string, payload []byte) error {
	return c.PublishQoS(topic, payload, 0)
}

func (c *Client) PublishQoS(topic string, payload []byte, qos byte) error {
	t := c.cli.Publish(topic, qos, false, payload)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	t := c.cli.Unsubscribe(topic)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt unsubscribed", "topic", topic)
	return nil
}

func (c *Client) Disconnect() {
	c.cli.Disconnect(250)
}
