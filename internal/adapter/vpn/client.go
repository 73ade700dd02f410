package vpn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SidecarClient speaks the gluetun-style control API of one VPN sidecar
type SidecarClient struct {
	base string
	hc   *http.Client
}

func NewSidecarClient(baseURL string, timeout time.Duration) *SidecarClient {
	return &SidecarClient{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

type openvpnStatus struct {
	Status string `json:"status"`
}

type portForwarded struct {
	Port int `json:"port"`
}

// PublicIP is the sidecar's external address report
type PublicIP struct {
	PublicIP string `json:"public_ip"`
	Country  string `json:"country"`
	City     string `json:"city"`
	Region   string `json:"region"`
}

// Running reports whether the tunnel is up
func (c *SidecarClient) Running(ctx context.Context) (bool, error) {
	var out openvpnStatus
	if err := c.getJSON(ctx, "/v1/openvpn/status", &out); err != nil {
		return false, err
	}
	return out.Status == "running", nil
}

// ForwardedPort returns the current port-forward assignment (0 when none)
func (c *SidecarClient) ForwardedPort(ctx context.Context) (int, error) {
	var out portForwarded
	if err := c.getJSON(ctx, "/v1/openvpn/portforwarded", &out); err != nil {
		return 0, err
	}
	return out.Port, nil
}

// PublicIP returns the tunnel's exit address
func (c *SidecarClient) PublicIP(ctx context.Context) (*PublicIP, error) {
	var out PublicIP
	if err := c.getJSON(ctx, "/v1/publicip/ip", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SidecarClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
