// Package notify publishes flash outcomes and newly seen trouble codes
// to an MQTT broker, so dashboards off the box hear about them without
// polling the gateway.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/spf13/pflag"

	"github.com/garagemate/ecubus/pkg/diag"
	"github.com/garagemate/ecubus/pkg/log"
	"github.com/garagemate/ecubus/pkg/session"
)

// Options contains configuration for the MQTT publisher.
type Options struct {
	Broker         string
	Username       string
	Password       string
	ClientID       string
	TopicRoot      string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// NewOptions creates an Options object with default parameters. The
// broker URL has no default: an empty broker disables publishing.
func NewOptions() *Options {
	return &Options{
		TopicRoot:      "garage",
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// Enabled reports whether a broker was configured.
func (o *Options) Enabled() bool {
	return o.Broker != ""
}

// AddFlags adds MQTT flags to the given flag set.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Broker, "mqtt.broker", o.Broker, "MQTT broker URL. Empty disables event publishing.")
	fs.StringVar(&o.Username, "mqtt.username", o.Username, "Username for MQTT authentication.")
	fs.StringVar(&o.Password, "mqtt.password", o.Password, "Password for MQTT authentication.")
	fs.StringVar(&o.ClientID, "mqtt.client-id", o.ClientID, "Explicit MQTT client id (optional, derived from the ECU serial by default).")
	fs.StringVar(&o.TopicRoot, "mqtt.topic-root", o.TopicRoot, "Topic prefix for published events.")
	fs.DurationVar(&o.KeepAlive, "mqtt.keep-alive", o.KeepAlive, "MQTT keep alive interval.")
	fs.DurationVar(&o.ConnectTimeout, "mqtt.connect-timeout", o.ConnectTimeout, "Timeout for establishing the MQTT connection.")
}

// Notifier relays coordinator events to the broker. Flash sessions are
// published on their terminal status, trouble codes the first time a
// poll reports them.
type Notifier struct {
	opts  *Options
	coord *session.Coordinator
	cm    *autopaho.ConnectionManager
}

func New(coord *session.Coordinator, opts *Options) *Notifier {
	return &Notifier{opts: opts, coord: coord}
}

// Start connects to the broker. autopaho reconnects on its own for the
// lifetime of ctx.
func (n *Notifier) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(n.opts.Broker)
	if err != nil {
		return fmt.Errorf("broker url: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(n.opts.KeepAlive.Seconds()),
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                n.opts.ConnectTimeout,
		ConnectUsername:               n.opts.Username,
		ConnectPassword:               []byte(n.opts.Password),
		ClientConfig: paho.ClientConfig{
			ClientID: n.clientID(),
			OnClientError: func(err error) {
				log.Error(err, "mqtt client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				log.Warn("mqtt server disconnect", "code", d.ReasonCode)
			},
		},
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			log.Info("mqtt connected", "broker", n.opts.Broker)
		},
		OnConnectError: func(err error) {
			log.Warn("mqtt connect failed, retrying", "err", err)
		},
	}

	log.Info("starting mqtt notifier", "broker", n.opts.Broker, "root", n.opts.TopicRoot)
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return err
	}
	n.cm = cm
	return nil
}

// Disconnect closes the broker connection cleanly.
func (n *Notifier) Disconnect(ctx context.Context) {
	if n.cm != nil {
		_ = n.cm.Disconnect(ctx)
		log.Info("mqtt disconnected")
	}
}

// dtcEvent is the payload published for a newly seen trouble code.
type dtcEvent struct {
	Code string    `json:"code"`
	Raw  uint16    `json:"raw"`
	Time time.Time `json:"time"`
}

// Run consumes coordinator updates until the context ends. Call Start
// first.
func (n *Notifier) Run(ctx context.Context) error {
	if n.cm == nil {
		return errors.New("notifier not started")
	}
	statuses, cancelStatuses := n.coord.Watch()
	defer cancelStatuses()
	snaps, cancelSnaps := n.coord.WatchSnapshots()
	defer cancelSnaps()

	seen := make(map[uint16]struct{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-statuses:
			if !st.State.Terminal() {
				continue
			}
			n.publish(ctx, "flash", st)
		case snap := <-snaps:
			for _, dtc := range newDTCs(seen, snap) {
				n.publish(ctx, "dtc", dtcEvent{Code: dtc.Code, Raw: dtc.Raw, Time: snap.Time})
			}
		}
	}
}

// newDTCs returns the codes in snap that were not in seen, marking them
// seen.
func newDTCs(seen map[uint16]struct{}, snap diag.Snapshot) []diag.DTC {
	var fresh []diag.DTC
	for _, dtc := range snap.DTCs {
		if _, ok := seen[dtc.Raw]; ok {
			continue
		}
		seen[dtc.Raw] = struct{}{}
		fresh = append(fresh, dtc)
	}
	return fresh
}

func (n *Notifier) publish(ctx context.Context, leaf string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	topic := topicFor(n.opts.TopicRoot, n.coord.Identity().Serial, leaf)
	pubCtx, cancel := context.WithTimeout(ctx, n.opts.ConnectTimeout)
	defer cancel()
	if _, err := n.cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	}); err != nil {
		log.Warn("mqtt publish failed", "topic", topic, "err", err)
		return
	}
	log.Debug("mqtt published", "topic", topic)
}

func topicFor(root, serial, leaf string) string {
	if serial == "" {
		serial = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s", root, serial, leaf)
}

func (n *Notifier) clientID() string {
	if n.opts.ClientID != "" {
		return n.opts.ClientID
	}
	if serial := n.coord.Identity().Serial; serial != "" {
		return "ecutool-" + serial
	}
	return "ecutool"
}
