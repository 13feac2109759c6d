package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/admin"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/auth"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/broker"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/config"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/connection"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/database"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/event"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/mapping"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/relay"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/server"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/utils"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/wxcloud"
)

func openRecordStore(ctx context.Context, cfg config.Config) (database.RecordStore, error) {
	switch cfg.RecordStore.Driver {
	case config.DriverMongo:
		store, err := database.ConnectDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverWxCloud:
		return wxcloud.New(cfg), nil
	case config.DriverMemory:
		store := database.NewMemoryStore()
		for _, seed := range cfg.Devices {
			store.Save(database.Device{SN: seed.SN, Secret: seed.Secret, OpenID: seed.OpenID})
		}
		logger.WarnF("Using in-memory record store with %d seeded devices", len(cfg.Devices))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown record store driver %q", cfg.RecordStore.Driver)
	}
}

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the configuration file")
	flag.Parse()
	config.SetPath(*configPath)

	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	ctx := context.Background()
	records, err := openRecordStore(ctx, cfg)
	if err != nil {
		logger.FatalF("Error occured while opening record store, details: %v", err)
		_ = cleaner.Shutdown()
		return
	}
	cleaner.Add(event.CallableFunc(records.Close))

	authTimeout := utils.ParseStringTimeOr(cfg.Broker.AuthTimeout, 10*time.Second)
	connectTimeout := utils.ParseStringTimeOr(cfg.Broker.SuperClientConnectTimeout, 10*time.Second)
	resolveTimeout := utils.ParseStringTimeOr(cfg.Broker.ResolveTimeout, 5*time.Second)

	tcpPresence := connection.NewManager(string(server.KindTCP))
	wsPresence := connection.NewManager(string(server.KindWebsocket))

	tcp, err := server.New(server.Options{
		Kind:           server.KindTCP,
		Address:        ":" + strconv.Itoa(cfg.Broker.MqttPort),
		Presence:       tcpPresence,
		AuthTimeout:    authTimeout,
		ConnectTimeout: connectTimeout,
	})
	if err != nil {
		logger.FatalF("Error occured while creating mqtt transport, details: %v", err)
		_ = cleaner.Shutdown()
		return
	}
	ws, err := server.New(server.Options{
		Kind:           server.KindWebsocket,
		Address:        ":" + strconv.Itoa(cfg.Broker.WsPort),
		Presence:       wsPresence,
		AuthTimeout:    authTimeout,
		ConnectTimeout: connectTimeout,
	})
	if err != nil {
		logger.FatalF("Error occured while creating websocket transport, details: %v", err)
		_ = cleaner.Shutdown()
		return
	}

	mappings := mapping.NewStore(records)
	authEngine := auth.NewEngine(records, mappings, authTimeout, tcpPresence, wsPresence)
	authEngine.RegisterSuper(tcp.SuperID())
	authEngine.RegisterSuper(ws.SuperID())
	relayEngine := relay.NewEngine(mappings, resolveTimeout, tcp, ws)
	hooks := broker.New(authEngine, relayEngine)

	for _, transport := range []*server.Transport{tcp, ws} {
		transport.Register(hooks)
		if err := transport.Start(ctx); err != nil {
			logger.FatalF("Error occured while starting %s transport, details: %v", transport.Name(), err)
			_ = cleaner.Shutdown()
			return
		}
		cleaner.Add(transport)
	}

	if cfg.Admin.Enabled {
		adminServer := admin.New(":"+strconv.Itoa(cfg.Admin.Port), hooks, tcp, ws)
		adminServer.Start()
		cleaner.Add(adminServer)
	}

	logger.InfoF("%s started, mqtt port %d, websocket port %d", cfg.AppName, cfg.Broker.MqttPort, cfg.Broker.WsPort)
	<-cleaner.Done()
}
