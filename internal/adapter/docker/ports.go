package docker

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
)

var (
	confHTTPRe  = regexp.MustCompile(`(?m)^--http-port=(\d+)\s*$`)
	confHTTPSRe = regexp.MustCompile(`(?m)^--https-port=(\d+)\s*$`)
)

// ParseConfPorts extracts the HTTP/HTTPS ports the engine will bind from the
// user-supplied CONF text. The engine binds whatever CONF says, so the Docker
// mapping must use these exact container-side ports; returning 0 means CONF
// left the port unset and the allocator picks one from the configured range.
func ParseConfPorts(conf string) (httpPort, httpsPort int) {
	if m := confHTTPRe.FindStringSubmatch(conf); m != nil {
		httpPort, _ = strconv.Atoi(m[1])
	}
	if m := confHTTPSRe.FindStringSubmatch(conf); m != nil {
		httpsPort, _ = strconv.Atoi(m[1])
	}
	return httpPort, httpsPort
}

// PortAllocator hands out host and container ports from the configured
// ranges. Reserved ports stay unavailable until released, so concurrent
// provisions cannot collide before Docker publishes the binding.
type PortAllocator struct {
	mu       sync.Mutex
	hostOff  int
	httpOff  int
	httpsOff int
	cfg      config.DockerConfig
	reserved map[int]struct{}
}

func NewPortAllocator(cfg config.DockerConfig) *PortAllocator {
	return &PortAllocator{
		cfg:      cfg,
		reserved: make(map[int]struct{}),
	}
}

// MarkUsed records host ports already held by running containers (reindex)
func (a *PortAllocator) MarkUsed(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		if p != 0 {
			a.reserved[p] = struct{}{}
		}
	}
}

// Release frees host ports after a container stops
func (a *PortAllocator) Release(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		delete(a.reserved, p)
	}
}

// AllocateHostPair reserves two host ports (HTTP, HTTPS). Fails with
// resource_exhausted when the range is spent.
func (a *PortAllocator) AllocateHostPair() (httpPort, httpsPort int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	httpPort = a.nextFreeLocked(a.cfg.PortRangeHost, &a.hostOff)
	if httpPort == 0 {
		return 0, 0, domain.ErrResourceExhausted
	}
	a.reserved[httpPort] = struct{}{}

	httpsPort = a.nextFreeLocked(a.cfg.PortRangeHost, &a.hostOff)
	if httpsPort == 0 {
		delete(a.reserved, httpPort)
		return 0, 0, domain.ErrResourceExhausted
	}
	a.reserved[httpsPort] = struct{}{}
	return httpPort, httpsPort, nil
}

// ContainerPorts resolves the container-side ports from CONF, falling back to
// the AceStream port ranges when CONF omits them.
func (a *PortAllocator) ContainerPorts(conf string) (httpPort, httpsPort int) {
	httpPort, httpsPort = ParseConfPorts(conf)
	a.mu.Lock()
	defer a.mu.Unlock()
	if httpPort == 0 {
		httpPort = a.cfg.AceHTTPRange.From + a.httpOff%a.cfg.AceHTTPRange.Size()
		a.httpOff++
	}
	if httpsPort == 0 {
		httpsPort = a.cfg.AceHTTPSRange.From + a.httpsOff%a.cfg.AceHTTPSRange.Size()
		a.httpsOff++
	}
	return httpPort, httpsPort
}

// nextFreeLocked scans the range once, starting after the previous hit
func (a *PortAllocator) nextFreeLocked(r config.PortRange, off *int) int {
	size := r.Size()
	for i := 0; i < size; i++ {
		p := r.From + (*off+i)%size
		if _, taken := a.reserved[p]; !taken {
			*off = (*off + i + 1) % size
			return p
		}
	}
	return 0
}
