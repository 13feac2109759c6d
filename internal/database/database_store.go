package database

import (
	"context"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Identifiers only ever appear as bson values, never inside query text.

func deviceFilter(sn string) bson.D {
	return bson.D{{Key: "sn", Value: sn}}
}

func userFilter(userID string) bson.D {
	return bson.D{{Key: "_openid", Value: userID}}
}

func activationFilter(sn, secret string) bson.D {
	return bson.D{{Key: "sn", Value: sn}, {Key: "secret", Value: secret}}
}

func activationUpdate() bson.D {
	return bson.D{{Key: "$set", Value: bson.D{{Key: "activated", Value: true}}}}
}

func (ms *MongoStore) findDevices(ctx context.Context, filter bson.D) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	startTime := time.Now()
	cursor, err := ms.devices.Find(ctx, filter, options.Find().SetProjection(bson.D{{Key: "secret", Value: 0}}))
	if err != nil {
		return nil, fmt.Errorf("%w: database operation failed: %w", ErrUnavailable, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var devices []Device
	if err = cursor.All(ctx, &devices); err != nil {
		return nil, fmt.Errorf("%w: decode devices: %w", ErrUnavailable, err)
	}
	logger.DebugF("device query cost: %v, found=%d", time.Since(startTime), len(devices))
	return devices, nil
}

func (ms *MongoStore) BindingsByDevice(ctx context.Context, sn string) ([]Binding, error) {
	if sn == "" {
		return nil, ErrEmptyIdentifier
	}
	devices, err := ms.findDevices(ctx, deviceFilter(sn))
	if err != nil {
		return nil, err
	}
	bound := devices[:0]
	for _, d := range devices {
		if d.OpenID != "" {
			bound = append(bound, d)
		}
	}
	return bindingsOf(bound), nil
}

func (ms *MongoStore) BindingsByUser(ctx context.Context, userID string) ([]Binding, error) {
	if userID == "" {
		return nil, ErrEmptyIdentifier
	}
	devices, err := ms.findDevices(ctx, userFilter(userID))
	if err != nil {
		return nil, err
	}
	return bindingsOf(devices), nil
}

// ActivateDevice marks every record matching serial and secret as activated.
// A zero match count is a rejection, not an error.
func (ms *MongoStore) ActivateDevice(ctx context.Context, sn, secret string) (bool, error) {
	if sn == "" || secret == "" {
		return false, ErrEmptyIdentifier
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	result, err := ms.devices.UpdateMany(ctx, activationFilter(sn, secret), activationUpdate())
	if err != nil {
		return false, fmt.Errorf("%w: database operation failed: %w", ErrUnavailable, err)
	}

	logger.InfoF("Device activation: sn=%s, matched=%d, modified=%d",
		sn,
		result.MatchedCount,
		result.ModifiedCount,
	)
	return result.MatchedCount > 0, nil
}
