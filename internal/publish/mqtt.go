// Package publish mirrors each entry's derived views to an MQTT broker and
// accepts interval commands from it.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
	"github.com/i474232898/purpleair-aqi/internal/manager"
)

const (
	qos            = byte(1)
	publishTimeout = 5 * time.Second
)

// Options configures the broker connection.
type Options struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
}

// IntervalSetter applies interval commands received from the broker.
type IntervalSetter interface {
	RequestIntervalChange(ctx context.Context, id string, minutes int) (int, error)
}

// Source is what the publisher reads from a running instance.
type Source interface {
	Views() aqi.ViewSet
	Changed() <-chan struct{}
}

// client is the subset of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

type watch struct {
	source Source
	cancel context.CancelFunc
	done   chan struct{}
}

// Publisher publishes a retained state document per entry on every new
// generation. It implements manager.Listener.
type Publisher struct {
	client client
	prefix string
	setter IntervalSetter
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watches map[string]*watch
}

// New builds a Publisher with a paho client. Call Connect before use.
func New(opts Options, setter IntervalSetter, logger *slog.Logger) *Publisher {
	p := newPublisher(nil, opts.TopicPrefix, setter, logger)

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	co.SetClientID(opts.ClientID)
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)

	co.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", opts.Broker, "port", opts.Port)
		// Clean sessions drop subscriptions; restore them and the retained state.
		p.resync()
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "err", err)
	})

	p.client = mqtt.NewClient(co)
	return p
}

func newPublisher(c client, prefix string, setter IntervalSetter, logger *slog.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		client:  c,
		prefix:  strings.TrimSuffix(prefix, "/"),
		setter:  setter,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[string]*watch),
	}
}

// StateTopic is where the entry's retained view set is published.
func (p *Publisher) StateTopic(id string) string {
	return p.prefix + "/" + id + "/state"
}

// IntervalTopic receives interval commands for the entry.
func (p *Publisher) IntervalTopic(id string) string {
	return p.prefix + "/" + id + "/interval/set"
}

// Connect waits for the first broker connection, respecting ctx.
func (p *Publisher) Connect(ctx context.Context) error {
	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			p.client.Disconnect(0)
			return ctx.Err()
		default:
		}
	}
}

// InstanceStarted subscribes to the entry's command topic and starts
// publishing its views.
func (p *Publisher) InstanceStarted(inst manager.Instance) {
	p.start(inst.Entry.ID, inst.Coordinator)
}

func (p *Publisher) start(id string, src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.watches[id]; ok {
		w.cancel()
	}
	ctx, cancel := context.WithCancel(p.ctx)
	w := &watch{source: src, cancel: cancel, done: make(chan struct{})}
	p.watches[id] = w

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(w.done)
		p.subscribe(id)
		p.follow(ctx, id, src)
	}()
}

// InstanceStopped stops following the entry and publishes its offline state.
func (p *Publisher) InstanceStopped(id string) {
	p.mu.Lock()
	w, ok := p.watches[id]
	delete(p.watches, id)
	p.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-w.done
		if p.client.IsConnected() {
			p.client.Unsubscribe(p.IntervalTopic(id)).WaitTimeout(publishTimeout)
		}
		if err := p.publishViews(id, aqi.Project(nil)); err != nil {
			p.logger.Debug("offline state not published", "entry", id, "err", err)
		}
	}()
}

// follow publishes the current views and then every new generation.
func (p *Publisher) follow(ctx context.Context, id string, src Source) {
	for {
		changed := src.Changed()
		if err := p.publishViews(id, src.Views()); err != nil {
			p.logger.Warn("state publish failed", "entry", id, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func (p *Publisher) publishViews(id string, views aqi.ViewSet) error {
	if !p.client.IsConnected() {
		return errors.New("mqtt client not connected")
	}
	payload, err := json.Marshal(views)
	if err != nil {
		return fmt.Errorf("marshal views: %w", err)
	}

	topic := p.StateTopic(id)
	token := p.client.Publish(topic, qos, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.logger.Debug("state published", "entry", id, "topic", topic, "generation", views.Generation)
	return nil
}

func (p *Publisher) subscribe(id string) {
	if !p.client.IsConnected() {
		return
	}
	topic := p.IntervalTopic(id)
	token := p.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		p.handleIntervalCommand(id, msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warn("subscribe timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("subscribe failed", "topic", topic, "err", err)
		return
	}
	p.logger.Info("subscribed to interval commands", "entry", id, "topic", topic)
}

// handleIntervalCommand applies a payload of whole minutes. Rejected values
// are logged; the interval stays as it was.
func (p *Publisher) handleIntervalCommand(id string, payload []byte) {
	raw := strings.TrimSpace(string(payload))
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		p.logger.Warn("interval command ignored", "entry", id, "payload", raw, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, publishTimeout)
	defer cancel()
	accepted, err := p.setter.RequestIntervalChange(ctx, id, minutes)
	if err != nil {
		p.logger.Warn("interval command rejected", "entry", id, "minutes", minutes, "err", err)
		return
	}
	p.logger.Info("interval command applied", "entry", id, "interval_minutes", accepted)
}

// resync re-subscribes and republishes every followed entry.
func (p *Publisher) resync() {
	p.mu.Lock()
	sources := make(map[string]Source, len(p.watches))
	for id, w := range p.watches {
		sources[id] = w.source
	}
	p.mu.Unlock()

	for id, src := range sources {
		p.wg.Add(1)
		go func(id string, src Source) {
			defer p.wg.Done()
			p.subscribe(id)
			if err := p.publishViews(id, src.Views()); err != nil {
				p.logger.Warn("state publish failed", "entry", id, "err", err)
			}
		}(id, src)
	}
}

// Close stops all followers and disconnects.
func (p *Publisher) Close() {
	p.cancel()
	p.mu.Lock()
	p.watches = make(map[string]*watch)
	p.mu.Unlock()
	p.wg.Wait()

	p.client.Disconnect(250)
	p.logger.Info("mqtt publisher disconnected")
}
