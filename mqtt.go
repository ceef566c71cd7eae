package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	subscribeQoS   = 0
	publishTimeout = 5 * time.Second
)

// MessageHandler receives every message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// MQTTClient wraps the paho client. Subscriptions are (re)made on every
// connect so they survive broker restarts and network drops.
type MQTTClient struct {
	client  mqtt.Client
	logger  *zap.Logger
	metrics *Metrics
	broker  string

	mu      sync.Mutex
	topics  []string
	handler MessageHandler
}

func NewMQTTClient(cfg MQTTConfig, logger *zap.Logger, metrics *Metrics) (*MQTTClient, error) {
	c := &MQTTClient{
		logger:  logger,
		metrics: metrics,
	}

	opts, err := BuildClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.metrics.setBrokerConnected(false)
		c.logger.Warn("Connection to broker lost", zap.String("broker", c.broker), zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info("Reconnecting to broker", zap.String("broker", c.broker))
	})

	if cfg.Logger {
		logger.Info("Enabling MQTT logging")
		enablePahoLogging(logger)
	}

	c.broker = opts.Servers[0].String()
	c.client = mqtt.NewClient(opts)
	return c, nil
}

// BuildClientOptions translates the mqtt config section into paho options.
func BuildClientOptions(cfg MQTTConfig) (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	var tlsConfig *tls.Config
	if cfg.UseTLS {
		scheme = "ssl"
		var err error
		tlsConfig, err = buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, &OpError{Op: "mqtt.tls", Kind: KindInvalidConfig, Err: err}
		}
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "shairport-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))))
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(5 * time.Second)
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	return opts, nil
}

func buildTLSConfig(t *TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t == nil {
		return cfg, nil
	}

	if t.CACertsPath != "" {
		pem, err := os.ReadFile(t.CACertsPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificates: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CACertsPath)
		}
		cfg.RootCAs = pool
	}

	if t.CertfilePath != "" || t.KeyfilePath != "" {
		cert, err := tls.LoadX509KeyPair(t.CertfilePath, t.KeyfilePath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	// Disables server verification entirely; for test brokers only.
	cfg.InsecureSkipVerify = t.AllowInsecureServerCertificate
	return cfg, nil
}

// Connect starts the connection and blocks until the first connect succeeds
// or ctx is done. The client keeps retrying in the background either way.
func (c *MQTTClient) Connect(ctx context.Context, topics []string, handler MessageHandler) error {
	c.mu.Lock()
	c.topics = append([]string(nil), topics...)
	c.handler = handler
	c.mu.Unlock()

	c.logger.Info("Connecting to broker", zap.String("broker", c.broker))
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return &OpError{Op: "mqtt.connect", Kind: KindBroker, Path: c.broker, Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.metrics.setBrokerConnected(true)
	c.logger.Info("Connected to broker", zap.String("broker", c.broker))

	c.mu.Lock()
	topics := c.topics
	handler := c.handler
	c.mu.Unlock()

	callback := func(_ mqtt.Client, msg mqtt.Message) {
		if handler != nil {
			handler(msg.Topic(), msg.Payload())
		}
	}

	for _, topic := range topics {
		token := client.Subscribe(topic, subscribeQoS, callback)
		go func(topic string) {
			token.Wait()
			if err := token.Error(); err != nil {
				c.logger.Error("Subscribe failed", zap.String("topic", topic), zap.Error(err))
				return
			}
			c.logger.Debug("Subscribed", zap.String("topic", topic))
		}(topic)
	}
}

func (c *MQTTClient) Publish(topic, payload string) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (c *MQTTClient) Connected() bool {
	return c.client.IsConnectionOpen()
}

func (c *MQTTClient) Broker() string {
	return c.broker
}

func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
	c.metrics.setBrokerConnected(false)
}

// pahoLogger adapts zap to paho's package-level loggers.
type pahoLogger struct {
	logger *zap.Logger
	level  zapcore.Level
}

func (l pahoLogger) Println(v ...interface{}) {
	l.log(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	l.log(fmt.Sprintf(format, v...))
}

func (l pahoLogger) log(msg string) {
	if ce := l.logger.Check(l.level, msg); ce != nil {
		ce.Write()
	}
}

func enablePahoLogging(logger *zap.Logger) {
	named := logger.Named("paho")
	mqtt.CRITICAL = pahoLogger{logger: named, level: zapcore.ErrorLevel}
	mqtt.ERROR = pahoLogger{logger: named, level: zapcore.ErrorLevel}
	mqtt.WARN = pahoLogger{logger: named, level: zapcore.WarnLevel}
	mqtt.DEBUG = pahoLogger{logger: named, level: zapcore.DebugLevel}
}
