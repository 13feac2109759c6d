package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	c "github.com/life-stream-dev/life-stream-go-device-relay/internal/config"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore answers binding queries from the devices collection.
type MongoStore struct {
	client           *mongo.Client
	devices          *mongo.Collection
	operationTimeout time.Duration
}

func databaseURL(config c.Config) string {
	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Database.Username)
	encodedPass := url.QueryEscape(config.Database.Password)
	if encodedUser == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Database.Host, config.Database.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Database.Host,
		config.Database.Port,
	)
}

func clientOptions(config c.Config) *options.ClientOptions {
	clientOptions := options.Client().ApplyURI(databaseURL(config)).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.Database.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.Database.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(config.Database.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(config.Database.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(config.Database.SocketTimeout))
	// 心跳包
	if heartbeat := utils.ParseStringTime(config.Database.Heartbeat); heartbeat > 0 {
		clientOptions.SetHeartbeatInterval(heartbeat)
	}
	if config.Database.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: address=%s, id=%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: address=%s, id=%d, reason=%s", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})
	return clientOptions
}

// ConnectDatabase dials MongoDB, verifies the connection and makes sure the
// lookup indexes on the devices collection exist.
func ConnectDatabase(ctx context.Context, config c.Config) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(config))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	collection := config.Database.Collection
	if collection == "" {
		collection = DeviceCollectionName
	}
	store := &MongoStore{
		client:           client,
		devices:          client.Database(config.Database.Database).Collection(collection),
		operationTimeout: utils.ParseStringTimeOr(config.Database.OperationTimeout, 5*time.Second),
	}

	_, err = store.devices.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sn", Value: 1}},
			Options: options.Index().SetName("devices_sn"),
		},
		{
			Keys:    bson.D{{Key: "_openid", Value: 1}},
			Options: options.Index().SetName("devices_openid"),
		},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	logger.InfoF("Database connected: %s:%d/%s", config.Database.Host, config.Database.Port, config.Database.Database)
	return store, nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
