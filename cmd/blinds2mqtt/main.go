package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/jkaflik/blinds2mqtt/internal/api"
	"github.com/jkaflik/blinds2mqtt/internal/coordinator"
	"github.com/jkaflik/blinds2mqtt/internal/mqtt"
	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	configPath := flag.String("config", "config.yaml", "config.yaml file path")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.Fatal(err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		mu      sync.Mutex
		bridges []*mqtt.Bridge
		d       *drivers
	)
	opts := pahoOptsFromConfig(cfg.MQTT)
	opts.OnConnect = func(m paho.Client) {
		logrus.Info("MQTT broker connected")

		mu.Lock()
		defer mu.Unlock()
		if d == nil {
			return
		}
		d.openTransports()
		subscribe(ctx, m, cfg.HASS, bridges)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logrus.Errorf("MQTT broker connection lost: %s", err.Error())
	}

	m := paho.NewClient(opts)
	if token := m.Connect(); token.Wait() && token.Error() != nil {
		logrus.Fatal(token.Error())
	}

	mu.Lock()
	d = newDrivers(ctx, cfg.Drivers, m)
	coordinators, bridges, err := coversFromConfig(cfg, d, m)
	if err != nil {
		mu.Unlock()
		logrus.Fatal(err)
	}
	d.openTransports()
	subscribe(ctx, m, cfg.HASS, bridges)
	mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range coordinators {
		wg.Add(1)
		go func(c *coordinator.Coordinator) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil {
				logrus.Errorf("%s: %s", c.Name(), err)
			}
		}(c)
	}

	if cfg.HTTP.Enabled {
		serveHTTP(ctx, cfg.HTTP, coordinators)
	}

	<-ctx.Done()
	logrus.Info("shutting down")

	wg.Wait()
	d.close()
	m.Disconnect(250)
}

func coversFromConfig(cfg *Config, d *drivers, client paho.Client) ([]*coordinator.Coordinator, []*mqtt.Bridge, error) {
	var (
		coordinators []*coordinator.Coordinator
		bridges      []*mqtt.Bridge
	)

	for _, coverCfg := range cfg.Covers {
		actuator, err := d.actuatorFromConfig(coverCfg)
		if err != nil {
			return nil, nil, err
		}

		c := coordinator.New(coverCfg.Name, actuator, actuator, coverCfg.coordinatorOptions())

		bridge, err := mqtt.NewBridge(client, c, actuator)
		if err != nil {
			return nil, nil, err
		}
		if err := bridge.SetMetadata(coverCfg.MQTTBridge.Metadata); err != nil {
			return nil, nil, err
		}

		coordinators = append(coordinators, c)
		bridges = append(bridges, bridge)
	}

	return coordinators, bridges, nil
}

func subscribe(ctx context.Context, m paho.Client, hass cfgHASS, bridges []*mqtt.Bridge) {
	for _, bridge := range bridges {
		if hass.Enabled {
			entity := mqtt.NewHACoverFromMQTTBridge(bridge)
			if err := mqtt.PublishHAAutoDiscovery(m, hass.TopicPrefix, entity); err != nil {
				logrus.Error(err)
			}
		}

		if err := bridge.Subscribe(ctx); err != nil {
			logrus.Error(err)
		}
	}
}

func serveHTTP(ctx context.Context, cfg cfgHTTP, coordinators []*coordinator.Coordinator) {
	if logrus.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	covers := make([]api.Cover, 0, len(coordinators))
	for _, c := range coordinators {
		covers = append(covers, c)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewRouter(covers),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logrus.Infof("api: listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("api: %s", err)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("api: shutdown failed: %s", err)
		}
	}()
}
