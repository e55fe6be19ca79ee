package wsrpsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wsrpline/internal/consumer"
	"wsrpline/internal/wsrp"
)

// Transport builds clients for remote Producers. It serves as both the version detector and
// the connector of a consumer.ServiceFactory.
type Transport struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

var (
	_ consumer.Detector  = Transport{}
	_ consumer.Connector = Transport{}
)

func (t Transport) client(endpoint string, v wsrp.Version) *Client {
	c := New(endpoint)
	c.Version = v
	c.HTTPClient = t.HTTPClient
	if t.Timeout > 0 {
		c.Timeout = t.Timeout
	}
	return c
}

// DetectVersion asks /v2/versions first and falls back to /v1 for Producers that only
// serve the first protocol version. The newest version both sides speak wins.
func (t Transport) DetectVersion(ctx context.Context, endpoint string) (wsrp.Version, error) {
	for _, probe := range []wsrp.Version{wsrp.V2, wsrp.V1} {
		versions, err := t.client(endpoint, probe).Versions(ctx)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
				continue
			}
			return 0, err
		}
		best := wsrp.Version(0)
		for _, v := range versions {
			if (v == wsrp.V1 || v == wsrp.V2) && v > best {
				best = v
			}
		}
		if best != 0 {
			return best, nil
		}
		return probe, nil
	}
	return 0, fmt.Errorf("no supported WSRP version at %s", endpoint)
}

func (t Transport) Connect(_ context.Context, endpoint string, version wsrp.Version) (consumer.Services, error) {
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if version != wsrp.V1 && version != wsrp.V2 {
		return nil, fmt.Errorf("unsupported WSRP version %d", version)
	}
	return t.client(endpoint, version), nil
}
