package mqtt

import (
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	closeQuiesceMS = 1000
	keepAlive      = 30 * time.Second
	maxPayloadSize = 1 << 20
	maxQoS         = 2
)

// brokerURL returns tcp://host:port, or ssl:// when TLS is on.
func brokerURL(b config.MQTTBrokerConfig) *url.URL {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(b.Host, strconv.Itoa(b.Port))}
}

// newClientOptions maps the mqtt config section onto paho options.
//
// The initial dial does not retry, so a broker that is down at startup
// fails Connect quickly. Once connected, paho reconnects on its own with
// backoff between Reconnect.InitialDelay and Reconnect.MaxDelay.
//
// The Last Will marks the replica offline on the retained status topic,
// which is how peers learn that a crashed replica's devices are gone.
func newClientOptions(cfg config.MQTTConfig, replicaID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetConnectRetry(false).
		SetAutoReconnect(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetWill(Topics{}.ReplicaStatus(replicaID),
			string(statusPayload(replicaID, StatusOffline, ReasonCrash)), 1, true)
	opts.Servers = append(opts.Servers, brokerURL(cfg.Broker))

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}
