// Package opcua exposes a remote current sensor over OPC UA, for bench setups
// where the shunt monitor hangs off a PLC instead of the local bus.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	// StaleAfter bounds how old a cached reading may be before Read reports
	// a fault instead of serving it.
	StaleAfter time.Duration `yaml:"stale_after"`

	VoltageNode string `yaml:"voltage_node"`
	CurrentNode string `yaml:"current_node"`
	// RangeNode, when set, receives the calibrated maximum current on every
	// limit change.
	RangeNode string `yaml:"range_node"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "currentd"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 100 * time.Millisecond
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Second
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.VoltageNode == "" || c.CurrentNode == "" {
		return errors.New("voltage_node and current_node are required")
	}
	return nil
}

const (
	handleVoltage uint32 = 1
	handleCurrent uint32 = 2
)

// Sensor subscribes to the voltage and current nodes and serves the latest
// values on demand. Connect must succeed before the first Read.
type Sensor struct {
	cfg    Config
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	client    *opcua.Client
	sub       *opcua.Subscription
	voltage   float64
	currentMA float64
	updatedAt time.Time
	connected bool
}

func NewSensor(cfg Config) (*Sensor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sensor{cfg: cfg}, nil
}

// Connect opens the session and monitors both nodes. The runtime retries this
// with backoff when the remote is unreachable at boot.
func (s *Sensor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return fmt.Errorf("opcua sensor already connected")
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	client, err := opcua.NewClient(s.cfg.Endpoint, s.clientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 8)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: s.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		cancel()
		_ = client.Close(ctx)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	nodes := []struct {
		id     string
		handle uint32
	}{
		{s.cfg.VoltageNode, handleVoltage},
		{s.cfg.CurrentNode, handleCurrent},
	}
	for _, n := range nodes {
		nodeID, err := ua.ParseNodeID(n.id)
		if err != nil {
			s.teardown(ctx, cancel, sub, client)
			return fmt.Errorf("parse node id %q: %w", n.id, err)
		}
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, n.handle)
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			s.teardown(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q: %w", n.id, err)
		}
		if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
			s.teardown(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q rejected", n.id)
		}
	}

	s.mu.Lock()
	s.client = client
	s.sub = sub
	s.cancel = cancel
	s.connected = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consume(runCtx, notifyCh)
	return nil
}

// Read serves the latest cached pair; it never blocks on the network.
func (s *Sensor) Read(_ context.Context) (domain.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return domain.Sample{}, errors.New("opcua sensor not connected")
	}
	if s.updatedAt.IsZero() {
		return domain.Sample{}, errors.New("opcua sensor has no data yet")
	}
	if age := time.Since(s.updatedAt); age > s.cfg.StaleAfter {
		return domain.Sample{}, fmt.Errorf("opcua reading stale by %s", age)
	}

	return domain.Sample{
		BusVoltage: s.voltage,
		CurrentMA:  s.currentMA,
		Timestamp:  s.updatedAt,
	}, nil
}

// Calibrate forwards the new measurement range to the remote, when a range
// node is configured.
func (s *Sensor) Calibrate(maxCurrentMA float64) error {
	if s.cfg.RangeNode == "" {
		return nil
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errors.New("opcua sensor not connected")
	}

	nodeID, err := ua.ParseNodeID(s.cfg.RangeNode)
	if err != nil {
		return fmt.Errorf("parse range node: %w", err)
	}
	variant, err := ua.NewVariant(maxCurrentMA)
	if err != nil {
		return fmt.Errorf("range variant: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nodeID,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{EncodingMask: ua.DataValueValue, Value: variant},
		}},
	})
	if err != nil {
		return fmt.Errorf("write range node: %w", err)
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("write range node rejected: %s", resp.Results[0])
	}
	return nil
}

func (s *Sensor) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	sub := s.sub
	client := s.client
	s.connected = false
	s.cancel = nil
	s.sub = nil
	s.client = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}

	s.wg.Wait()
	return err
}

func (s *Sensor) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				log.Printf("opcua: notification error: %v", notif.Error)
				continue
			}
			s.apply(notif.Value)
		}
	}
}

func (s *Sensor) apply(val interface{}) {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range data.MonitoredItems {
		fv, ok := variantToFloat(item.Value.Value)
		if !ok {
			log.Printf("opcua: unsupported value type %T on handle %d", item.Value.Value, item.ClientHandle)
			continue
		}
		switch item.ClientHandle {
		case handleVoltage:
			s.voltage = fv
		case handleCurrent:
			s.currentMA = fv
		default:
			continue
		}
		s.updatedAt = time.Now()
	}
}

func (s *Sensor) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(s.cfg.SecurityPolicy),
		opcua.ApplicationName(s.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (s *Sensor) teardown(ctx context.Context, cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	cancel()
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

var _ ports.Sensor = (*Sensor)(nil)
