package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/mavrelay/config"
	"github.com/temoto/mavrelay/helpers"
	"github.com/temoto/mavrelay/log2"
)

const (
	defaultNetworkTimeout = 30 * time.Second
	defaultClientID       = "mavrelay"

	stateOnline  = "online"
	stateOffline = "offline"
)

type Transporter interface {
	Init(ctx context.Context, log *log2.Log, conf config.Telemetry) error
	Close()
	// SendState publishes retained relay state.
	SendState(payload []byte) bool
	SendEvent(vehicle string, payload []byte) bool
}

type transportMqtt struct {
	log    *log2.Log
	m      mqtt.Client
	mopt   *mqtt.ClientOptions
	stopCh chan struct{}

	topicPrefix string
	topicState  string
}

func topicPrefix(conf config.Telemetry) string {
	if conf.TopicPrefix != "" {
		return conf.TopicPrefix
	}
	if conf.ClientID != "" {
		return conf.ClientID
	}
	return defaultClientID
}

func eventTopic(prefix, vehicle string) string { return fmt.Sprintf("%s/%s/event", prefix, vehicle) }

func (self *transportMqtt) Init(ctx context.Context, log *log2.Log, conf config.Telemetry) error {
	if conf.MqttBroker == "" {
		return errors.NotValidf("telemetry mqtt_broker=empty")
	}
	self.log = log
	self.stopCh = make(chan struct{})
	mqttLog := log.Prefixed("telemetry.mqtt ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if conf.MqttLogDebug {
		mqtt.DEBUG = mqttLog
	}

	clientID := conf.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	username := conf.MqttUsername
	if username == "" {
		username = clientID
	}
	credFun := func() (string, string) {
		return username, conf.MqttPassword
	}

	self.topicPrefix = topicPrefix(conf)
	self.topicState = self.topicPrefix + "/state"

	networkTimeout := helpers.IntSecondDefault(conf.NetworkTimeoutSec, defaultNetworkTimeout)
	if networkTimeout < 1*time.Second {
		networkTimeout = 1 * time.Second
	}
	connectTimeout := networkTimeout * 3
	keepaliveTimeout := helpers.IntSecondDefault(conf.KeepaliveSec, networkTimeout/2)

	defaultHandler := func(_ mqtt.Client, msg mqtt.Message) {
		self.log.Errorf("unexpected mqtt message topic=%s", msg.Topic())
	}

	tlsconf := new(tls.Config)
	if conf.TlsCaFile != "" {
		tlsconf.RootCAs = x509.NewCertPool()
		cabytes, err := ioutil.ReadFile(conf.TlsCaFile)
		if err != nil {
			return errors.Annotate(err, "telemetry tls_ca_file")
		}
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return errors.NotValidf("telemetry tls_ca_file=%s no certificates", conf.TlsCaFile)
		}
	}
	self.mopt = mqtt.NewClientOptions().
		AddBroker(conf.MqttBroker).
		SetAutoReconnect(true).
		SetBinaryWill(self.topicState, []byte(stateOffline), 1, true).
		SetCleanSession(false).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetCredentialsProvider(credFun).
		SetDefaultPublishHandler(defaultHandler).
		SetKeepAlive(keepaliveTimeout).
		SetMaxReconnectInterval(connectTimeout).
		SetOnConnectHandler(self.onConnect).
		SetOrderMatters(false).
		SetPingTimeout(networkTimeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(networkTimeout)
	self.m = mqtt.NewClient(self.mopt)

	go self.online()
	return nil
}

func (self *transportMqtt) Close() {
	close(self.stopCh)
	if self.m.IsConnected() {
		t := self.m.Publish(self.topicState, 1, true, []byte(stateOffline))
		_ = self.tokenWait(t, "publish state")
	}
	self.m.Disconnect(uint(self.mopt.PingTimeout / time.Millisecond))
}

func (self *transportMqtt) SendState(payload []byte) bool {
	if !self.m.IsConnected() {
		return false
	}
	t := self.m.Publish(self.topicState, 1, true, payload)
	return self.tokenWait(t, "publish state") == nil
}

func (self *transportMqtt) SendEvent(vehicle string, payload []byte) bool {
	if !self.m.IsConnected() {
		return false
	}
	t := self.m.Publish(eventTopic(self.topicPrefix, vehicle), 1, false, payload)
	return self.tokenWait(t, "publish event") == nil
}

func (self *transportMqtt) online() {
	for self.isRunning() {
		self.log.Debugf("telemetry connect before")
		t := self.m.Connect()
		if self.tokenWait(t, "connect") == nil {
			break // success path
		}
		self.log.Debugf("telemetry connect after")
		select {
		case <-self.stopCh:
			return
		case <-time.After(1 * time.Second):
		}
	}
}

// onConnect replaces retained will after every connect, including auto-reconnect.
func (self *transportMqtt) onConnect(mqtt.Client) {
	go self.SendState([]byte(stateOnline))
}

func (self *transportMqtt) isRunning() bool {
	select {
	case <-self.stopCh:
		return false
	default:
		return true
	}
}

func (self *transportMqtt) tokenWait(t mqtt.Token, tag string) error {
	if !t.Wait() {
		err := errors.Timeoutf(tag)
		self.log.Errorf("telemetry: MQTT %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("telemetry: MQTT %s", err.Error())
		return err
	}
	return nil
}
