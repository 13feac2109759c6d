// Package wxcloud is a RecordStore backed by the cloud database HTTP API:
// an access token obtained with the app credentials, then query and update
// calls carrying a database command string.
package wxcloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	c "github.com/life-stream-dev/life-stream-go-device-relay/internal/config"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/database"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/utils"
	"github.com/sony/gobreaker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	queryPath  = "/tcb/databasequery"
	updatePath = "/tcb/databaseupdate"

	// API codes meaning the access token must be fetched again.
	codeInvalidToken = 40001
	codeExpiredToken = 42001

	queryLimit = 100
)

// APIError is a non-zero errcode returned by the API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

type dbRequest struct {
	Env   string `json:"env"`
	Query string `json:"query"`
}

type dbResponse struct {
	ErrCode  int      `json:"errcode"`
	ErrMsg   string   `json:"errmsg"`
	Data     []string `json:"data"`
	Matched  int64    `json:"matched"`
	Modified int64    `json:"modified"`
}

type Store struct {
	host       string
	env        string
	collection string
	http       *http.Client
	tokens     *tokenSource
	breaker    *gobreaker.CircuitBreaker
}

func New(config c.Config) *Store {
	client := &http.Client{Timeout: utils.ParseStringTimeOr(config.WxCloud.RequestTimeout, 10*time.Second)}
	collection := config.Database.Collection
	if collection == "" {
		collection = database.DeviceCollectionName
	}
	return newStore(config.WxCloud.Host, config.WxCloud.Env, collection, client, &tokenSource{
		host:      config.WxCloud.Host,
		appID:     config.WxCloud.AppID,
		secret:    config.WxCloud.Secret,
		cacheFile: config.WxCloud.TokenCacheFile,
		http:      client,
		now:       time.Now,
	})
}

func newStore(host, env, collection string, client *http.Client, tokens *tokenSource) *Store {
	log := logger.Component("wxcloud")
	return &Store{
		host:       host,
		env:        env,
		collection: collection,
		http:       client,
		tokens:     tokens,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "wxcloud",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// an API-level rejection means the service answered
				var apiErr *APIError
				return err == nil || errors.As(err, &apiErr)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// quote renders an identifier as a string literal of the query language.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (s *Store) byDeviceQuery(sn string) string {
	return fmt.Sprintf(`db.collection(%s).where({sn:%s}).limit(%d).get()`, quote(s.collection), quote(sn), queryLimit)
}

func (s *Store) byUserQuery(userID string) string {
	return fmt.Sprintf(`db.collection(%s).where({_openid:%s}).limit(%d).get()`, quote(s.collection), quote(userID), queryLimit)
}

func (s *Store) activateQuery(sn, secret string) string {
	return fmt.Sprintf(`db.collection(%s).where({sn:%s,secret:%s}).update({data:{activated:true}})`,
		quote(s.collection), quote(sn), quote(secret))
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected http status %d", resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

func (s *Store) call(ctx context.Context, path, query string) (*dbResponse, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		resp, err := s.post(ctx, path, query)
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Code == codeInvalidToken || apiErr.Code == codeExpiredToken) {
			s.tokens.Invalidate()
			resp, err = s.post(ctx, path, query)
		}
		return resp, err
	})
	if err != nil {
		logger.ErrorF("Cloud database request %s failed, details: %v", path, err)
		return nil, fmt.Errorf("%w: %w", database.ErrUnavailable, err)
	}
	return result.(*dbResponse), nil
}

func (s *Store) post(ctx context.Context, path, query string) (*dbResponse, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(dbRequest{Env: s.env, Query: query})
	if err != nil {
		return nil, err
	}
	endpoint := s.host + path + "?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp dbResponse
	if err := doJSON(s.http, req, &resp); err != nil {
		return nil, err
	}
	if resp.ErrCode != 0 {
		return nil, &APIError{Code: resp.ErrCode, Message: resp.ErrMsg}
	}
	return &resp, nil
}

func (s *Store) queryDevices(ctx context.Context, query string) ([]database.Device, error) {
	resp, err := s.call(ctx, queryPath, query)
	if err != nil {
		return nil, err
	}
	devices := make([]database.Device, 0, len(resp.Data))
	for _, raw := range resp.Data {
		var d database.Device
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			logger.WarnF("Skipping undecodable device record: %v", err)
			continue
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (s *Store) BindingsByDevice(ctx context.Context, sn string) ([]database.Binding, error) {
	if sn == "" {
		return nil, database.ErrEmptyIdentifier
	}
	devices, err := s.queryDevices(ctx, s.byDeviceQuery(sn))
	if err != nil {
		return nil, err
	}
	bindings := make([]database.Binding, 0, len(devices))
	for _, d := range devices {
		if d.OpenID != "" {
			bindings = append(bindings, database.Binding{DeviceID: sn, UserID: d.OpenID})
		}
	}
	return bindings, nil
}

func (s *Store) BindingsByUser(ctx context.Context, userID string) ([]database.Binding, error) {
	if userID == "" {
		return nil, database.ErrEmptyIdentifier
	}
	devices, err := s.queryDevices(ctx, s.byUserQuery(userID))
	if err != nil {
		return nil, err
	}
	bindings := make([]database.Binding, 0, len(devices))
	for _, d := range devices {
		if d.SN != "" {
			bindings = append(bindings, database.Binding{DeviceID: d.SN, UserID: userID})
		}
	}
	return bindings, nil
}

func (s *Store) ActivateDevice(ctx context.Context, sn, secret string) (bool, error) {
	if sn == "" || secret == "" {
		return false, database.ErrEmptyIdentifier
	}
	resp, err := s.call(ctx, updatePath, s.activateQuery(sn, secret))
	if err != nil {
		return false, err
	}
	logger.InfoF("Device activation: sn=%s, matched=%d, modified=%d", sn, resp.Matched, resp.Modified)
	return resp.Matched > 0, nil
}

func (s *Store) Close(context.Context) error {
	s.http.CloseIdleConnections()
	return nil
}
