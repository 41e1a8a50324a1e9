package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreim/messaging-core/pkg/client/rest"
	"github.com/coreim/messaging-core/pkg/errors"
)

const (
	singleRequestTimeout = 10 * time.Second
	batchRequestTimeout  = 30 * time.Second
)

// Config points the adapter at the broker's REST management endpoint.
type Config struct {
	BaseURL string `env:"BROKER_REST_URL" env-default:"http://localhost:5001"`
	rest.Config
}

// Adapter is the stateless wire-level client. Message-level retry and backoff
// live in the caller (the ingest orchestrator). The underlying rest.Client
// still retries a failed HTTP call up to Config.Retries times, and its
// circuit breaker guards against a broker outage.
type Adapter struct {
	baseURL string
	client  *rest.Client
}

func New(cfg Config) *Adapter {
	return &Adapter{baseURL: cfg.BaseURL, client: rest.New(cfg.Config)}
}

func (a *Adapter) do(ctx context.Context, timeout time.Duration, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode broker request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build broker request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.New(errors.CodeUnavailable, "broker request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read broker response")
	}

	if resp.StatusCode >= 500 {
		return errors.New(errors.CodeUnavailable, fmt.Sprintf("broker transient error: %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return errors.New(errors.CodeInvalidArgument, fmt.Sprintf("broker rejected request: %d: %s", resp.StatusCode, string(raw)), nil)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrap(err, "failed to decode broker response")
		}
	}
	return nil
}

// SendMessage sends a single message; callers pass a structured content
// object that the adapter encodes to base64(JSON) before transmission.
func (a *Adapter) SendMessage(ctx context.Context, channelID string, channelKind ChannelKind, fromUID string, content interface{}, clientMsgNo string) (*SendResult, error) {
	payload, err := EncodePayload(content)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message payload")
	}

	req := SendRequest{
		ChannelID: channelID, ChannelType: channelKind,
		FromUID: fromUID, Payload: payload, ClientMsgNo: clientMsgNo,
	}
	var result SendResult
	if err := a.do(ctx, singleRequestTimeout, http.MethodPost, "/message/send", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendBatch sends requests in one broker call, returning one SendResult per
// request in the same order. It does not limit the batch size.
func (a *Adapter) SendBatch(ctx context.Context, requests []SendRequest) ([]SendResult, error) {
	var batch BatchSendResult
	if err := a.do(ctx, batchRequestTimeout, http.MethodPost, "/message/batchsend", requests, &batch); err != nil {
		return nil, err
	}
	return batch.Results, nil
}

func (a *Adapter) SyncMessages(ctx context.Context, req SyncRequest) ([]BrokerMessage, error) {
	var out []BrokerMessage
	if err := a.do(ctx, singleRequestTimeout, http.MethodPost, "/message/sync", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) CreateChannel(ctx context.Context, channelID string, kind ChannelKind) error {
	body := map[string]interface{}{"channel_id": channelID, "channel_type": kind}
	return a.do(ctx, singleRequestTimeout, http.MethodPost, "/channel/create", body, nil)
}

func (a *Adapter) DeleteChannel(ctx context.Context, channelID string, kind ChannelKind) error {
	body := map[string]interface{}{"channel_id": channelID, "channel_type": kind}
	return a.do(ctx, singleRequestTimeout, http.MethodPost, "/channel/delete", body, nil)
}

func (a *Adapter) ChannelInfo(ctx context.Context, channelID string, kind ChannelKind) (*ChannelInfo, error) {
	body := map[string]interface{}{"channel_id": channelID, "channel_type": kind}
	var info ChannelInfo
	if err := a.do(ctx, singleRequestTimeout, http.MethodPost, "/channel/info", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (a *Adapter) AddSubscribers(ctx context.Context, channelID string, kind ChannelKind, uids []string) error {
	body := map[string]interface{}{"channel_id": channelID, "channel_type": kind, "subscribers": uids}
	return a.do(ctx, singleRequestTimeout, http.MethodPost, "/channel/subscriber_add", body, nil)
}

func (a *Adapter) RemoveSubscribers(ctx context.Context, channelID string, kind ChannelKind, uids []string) error {
	body := map[string]interface{}{"channel_id": channelID, "channel_type": kind, "subscribers": uids}
	return a.do(ctx, singleRequestTimeout, http.MethodPost, "/channel/subscriber_remove", body, nil)
}

func (a *Adapter) ListSubscribers(ctx context.Context, channelID string, kind ChannelKind) ([]string, error) {
	body := map[string]interface{}{"channel_id": channelID, "channel_type": kind}
	var uids []string
	if err := a.do(ctx, singleRequestTimeout, http.MethodPost, "/channel/subscriber_list", body, &uids); err != nil {
		return nil, err
	}
	return uids, nil
}

func (a *Adapter) BlocklistAdd(ctx context.Context, channelID string, kind ChannelKind, uids []string) error {
	body := map[string]interface{}{"channel_id": channelID, "channel_type": kind, "uids": uids}
	return a.do(ctx, singleRequestTimeout, http.MethodPost, "/channel/blacklist_add", body, nil)
}

func (a *Adapter) BlocklistRemove(ctx context.Context, channelID string, kind ChannelKind, uids []string) error {
	body := map[string]interface{}{"channel_id": channelID, "channel_type": kind, "uids": uids}
	return a.do(ctx, singleRequestTimeout, http.MethodPost, "/channel/blacklist_remove", body, nil)
}

func (a *Adapter) CreateOrUpdateUser(ctx context.Context, uid string, attrs map[string]interface{}) error {
	body := map[string]interface{}{"uid": uid, "attrs": attrs}
	return a.do(ctx, singleRequestTimeout, http.MethodPost, "/user/update", body, nil)
}

// GetUserToken requests a connection token with an explicit TTL rather than
// relying on a broker-side default expiry.
func (a *Adapter) GetUserToken(ctx context.Context, uid string, ttl time.Duration) (*UserToken, error) {
	body := map[string]interface{}{"uid": uid, "ttl_seconds": int(ttl.Seconds())}
	var token UserToken
	if err := a.do(ctx, singleRequestTimeout, http.MethodPost, "/user/token", body, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (a *Adapter) UserInfo(ctx context.Context, uid string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := a.do(ctx, singleRequestTimeout, http.MethodGet, "/user/info?uid="+uid, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := a.do(ctx, singleRequestTimeout, http.MethodGet, "/health", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
