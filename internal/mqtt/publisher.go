package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"energy-monitor/internal/collector"
	"energy-monitor/internal/installation"
	"energy-monitor/internal/logger"
	"energy-monitor/internal/metrics"
)

type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	enabled     bool
	metrics     *metrics.Collector
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
	Metrics     *metrics.Collector
}

func NewPublisher(ctx context.Context, cfg PublisherConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{enabled: false}, nil
	}

	log := logger.Ctx(ctx)
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Warn("MQTT connection lost", slog.Any("error", err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Info("MQTT connected", slog.String("broker", cfg.Broker))
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		enabled:     true,
		metrics:     cfg.Metrics,
	}, nil
}

// topicValues flattens an event into one value per state topic. Values the
// cycle did not produce are left out.
func topicValues(ev collector.Event) map[string]interface{} {
	topics := map[string]interface{}{
		"connectivity": ev.Status.Connectivity.String(),
		"efficiency":   ev.Window.Efficiency,
	}
	if ev.Snapshot == nil {
		return topics
	}

	if pf := ev.Snapshot.PowerFlow(); pf != nil {
		topics["grid_power"] = pf.GridPower
		topics["load_power"] = pf.LoadPower
		topics["solar_power"] = pf.SolarPower
		topics["storage_power"] = pf.StoragePower
	}
	if ev.Corrected != nil {
		topics["grid_power_corrected"] = ev.Corrected.GridPower
		topics["load_power_corrected"] = ev.Corrected.LoadPower
	}
	for _, d := range ev.Snapshot.Group(installation.Storage).Devices {
		if data := ev.Snapshot.Data(d); data != nil && data.Storage != nil {
			topics["state_of_charge"] = data.Storage.StateOfCharge
			break
		}
	}
	if m, ok := ev.Snapshot.PrimaryMeter(); ok {
		topics["energy_consumed"] = m.EnergyRealConsumed / 1000
		topics["energy_produced"] = m.EnergyRealProduced / 1000
	}
	if gw := ev.Snapshot.Gateway(); gw != nil {
		topics["gateway_power"] = gw.TotalPower()
	}
	return topics
}

func (p *Publisher) Publish(ev collector.Event) error {
	if !p.enabled {
		return nil
	}

	for name, value := range topicValues(ev) {
		topic := fmt.Sprintf("%s/%s", p.topicPrefix, name)
		payload := fmt.Sprintf("%v", value)
		token := p.client.Publish(topic, 0, false, payload)
		token.Wait()
		if token.Error() != nil {
			logger.Ctx(context.Background()).Warn("failed to publish", slog.String("topic", topic), slog.Any("error", token.Error()))
		}
	}

	statusJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	statusTopic := fmt.Sprintf("%s/status", p.topicPrefix)
	token := p.client.Publish(statusTopic, 0, true, statusJSON)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish status: %w", token.Error())
	}

	return nil
}

// Run publishes events until ctx is done or the channel closes.
func (p *Publisher) Run(ctx context.Context, events <-chan collector.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			err := p.Publish(ev)
			p.metrics.SinkHandled("mqtt", err)
			if err != nil {
				logger.Ctx(ctx).WarnContext(ctx, "MQTT publish failed", slog.Any("error", err))
			}
		}
	}
}

type sensor struct {
	Name        string
	ID          string
	Unit        string
	DeviceClass string
}

var sensors = []sensor{
	{"Grid Power", "grid_power", "W", "power"},
	{"Grid Power Corrected", "grid_power_corrected", "W", "power"},
	{"Load Power", "load_power", "W", "power"},
	{"Load Power Corrected", "load_power_corrected", "W", "power"},
	{"Solar Power", "solar_power", "W", "power"},
	{"Storage Power", "storage_power", "W", "power"},
	{"State of Charge", "state_of_charge", "%", "battery"},
	{"Energy Consumed", "energy_consumed", "kWh", "energy"},
	{"Energy Produced", "energy_produced", "kWh", "energy"},
	{"Gateway Power", "gateway_power", "W", "power"},
	{"Efficiency", "efficiency", "", ""},
}

func (p *Publisher) discoveryConfig(s sensor) map[string]interface{} {
	config := map[string]interface{}{
		"name":                fmt.Sprintf("Energy Monitor %s", s.Name),
		"unique_id":           fmt.Sprintf("energy_monitor_%s", s.ID),
		"state_topic":         fmt.Sprintf("%s/%s", p.topicPrefix, s.ID),
		"unit_of_measurement": s.Unit,
		"device": map[string]interface{}{
			"identifiers": []string{"energy_monitor"},
			"name":        "Energy Monitor",
		},
	}
	if s.DeviceClass != "" {
		config["device_class"] = s.DeviceClass
	}
	return config
}

func (p *Publisher) PublishHomeAssistantDiscovery() error {
	if !p.enabled {
		return nil
	}

	for _, s := range sensors {
		discoveryTopic := fmt.Sprintf("homeassistant/sensor/energy_monitor/%s/config", s.ID)
		payload, _ := json.Marshal(p.discoveryConfig(s))
		token := p.client.Publish(discoveryTopic, 0, true, payload)
		token.Wait()
		if token.Error() != nil {
			return fmt.Errorf("failed to publish discovery for %s: %w", s.ID, token.Error())
		}
	}

	return nil
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}
