package vendorcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

//Vendor is the tag used for connections and credentials of this cloud
const Vendor = "shelly"

//Client talks to the smart plug cloud over HTTPS with a bearer token
type Client struct {
	http        *http.Client
	timeout     time.Duration
	defaultHost string
	log         logging.Logger
}

//NewClient creates a client. defaultHost is used for credentials without a host of their own.
func NewClient(defaultHost string, timeout time.Duration, log logging.Logger) *Client {
	return &Client{
		http:        cleanhttp.DefaultPooledClient(),
		timeout:     timeout,
		defaultHost: defaultHost,
		log:         log,
	}
}

type envelope struct {
	IsOK   bool            `json:"isok"`
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors,omitempty"`
}

type allStatusData struct {
	DevicesStatus map[string]json.RawMessage `json:"devices_status"`
}

type deviceStatusData struct {
	Online       *bool           `json:"online"`
	DeviceStatus json.RawMessage `json:"device_status"`
}

//AllStatus fetches the status of every device visible to the credential
func (c *Client) AllStatus(ctx context.Context, cred domain.Credential) ([]domain.DeviceReport, error) {
	const op = "all_status"

	data, err := c.get(ctx, cred, "/device/all_status", nil, op)
	if err != nil {
		return nil, err
	}

	all := allStatusData{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, &domain.RemoteError{Op: op, Err: err}
	}

	ids := make([]string, 0, len(all.DevicesStatus))
	for id := range all.DevicesStatus {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	reports := make([]domain.DeviceReport, 0, len(ids))
	for _, id := range ids {
		state, err := DecodeStatus(all.DevicesStatus[id])
		if err != nil {
			c.log.Warnf("Skipping undecodable status of device %s: %s", id, err.Error())
			continue
		}
		reports = append(reports, domain.DeviceReport{ID: id, CurrentState: state})
	}

	return reports, nil
}

//DeviceStatus fetches the status of one device
func (c *Client) DeviceStatus(ctx context.Context, cred domain.Credential, deviceID string) (*domain.DeviceReport, error) {
	const op = "device_status"

	data, err := c.get(ctx, cred, "/device/status", url.Values{"id": {deviceID}}, op)
	if err != nil {
		return nil, err
	}

	status := deviceStatusData{}
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, &domain.RemoteError{Op: op, Err: err}
	}

	state, err := DecodeStatus(status.DeviceStatus)
	if err != nil {
		return nil, &domain.RemoteError{Op: op, Err: err}
	}
	if status.Online != nil {
		state.Online = *status.Online
	}

	return &domain.DeviceReport{ID: deviceID, CurrentState: state}, nil
}

func (c *Client) get(ctx context.Context, cred domain.Credential, path string, query url.Values, op string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL(cred) + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &domain.RemoteError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.RemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &domain.RemoteError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.RemoteError{Op: op, StatusCode: resp.StatusCode}
	}

	env := envelope{}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &domain.RemoteError{Op: op, Err: err}
	}
	if !env.IsOK {
		return nil, &domain.RemoteError{Op: op, Err: fmt.Errorf("request rejected: %s", string(env.Errors))}
	}

	return env.Data, nil
}

func (c *Client) baseURL(cred domain.Credential) string {
	host := cred.Host
	if host == "" {
		host = c.defaultHost
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return strings.TrimSuffix(host, "/")
}

//StreamURL returns the push endpoint of a credential. A non empty override replaces
//the default endpoint derived from the credential host.
func StreamURL(cred domain.Credential, override string) string {
	base := override
	if base == "" {
		host := cred.Host
		host = strings.TrimPrefix(host, "https://")
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimSuffix(host, "/")
		base = "wss://" + host + ":6113/shelly/wss/hk_sock"
	}

	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}

	return base + separator + url.Values{"t": {cred.AccessToken}}.Encode()
}
