package docker

import (
	"errors"
	"testing"

	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/core/domain"
)

func TestParseConfPorts(t *testing.T) {
	tests := []struct {
		name      string
		conf      string
		wantHTTP  int
		wantHTTPS int
	}{
		{"both set", "--http-port=6878\n--https-port=6879\n--bind-all", 6878, 6879},
		{"http only", "--http-port=7000\n--bind-all", 7000, 0},
		{"empty", "", 0, 0},
		{"crlf tolerated", "--http-port=6878\r\n--https-port=6879\r\n", 6878, 6879},
		{"commented out lines ignored", "#--http-port=1\n--http-port=6878\n", 6878, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotHTTP, gotHTTPS := ParseConfPorts(tt.conf)
			if gotHTTP != tt.wantHTTP || gotHTTPS != tt.wantHTTPS {
				t.Errorf("ParseConfPorts() = (%d, %d), want (%d, %d)",
					gotHTTP, gotHTTPS, tt.wantHTTP, tt.wantHTTPS)
			}
		})
	}
}

func allocatorConfig(from, to int) config.DockerConfig {
	return config.DockerConfig{
		PortRangeHost: config.PortRange{From: from, To: to},
		AceHTTPRange:  config.PortRange{From: 6878, To: 6978},
		AceHTTPSRange: config.PortRange{From: 6978, To: 7078},
	}
}

func TestAllocateHostPairUnique(t *testing.T) {
	a := NewPortAllocator(allocatorConfig(19000, 19010))

	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		http, https, err := a.AllocateHostPair()
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if seen[http] || seen[https] || http == https {
			t.Fatalf("allocation %d returned duplicate ports %d/%d", i, http, https)
		}
		seen[http], seen[https] = true, true
	}
}

func TestAllocateHostPairExhaustion(t *testing.T) {
	a := NewPortAllocator(allocatorConfig(19000, 19002)) // three ports, one pair

	if _, _, err := a.AllocateHostPair(); err != nil {
		t.Fatalf("first pair should fit: %v", err)
	}
	_, _, err := a.AllocateHostPair()
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Errorf("exhausted range returned %v, want ErrResourceExhausted", err)
	}
}

func TestReleaseMakesPortsReusable(t *testing.T) {
	a := NewPortAllocator(allocatorConfig(19000, 19001))

	http, https, err := a.AllocateHostPair()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.AllocateHostPair(); err == nil {
		t.Fatal("range should be spent")
	}

	a.Release(http, https)
	if _, _, err := a.AllocateHostPair(); err != nil {
		t.Errorf("released ports not reusable: %v", err)
	}
}

func TestMarkUsedBlocksReindexedPorts(t *testing.T) {
	a := NewPortAllocator(allocatorConfig(19000, 19001))
	a.MarkUsed(19000, 19001)

	if _, _, err := a.AllocateHostPair(); err == nil {
		t.Error("ports held by running containers were handed out")
	}
}

func TestContainerPortsPreferConf(t *testing.T) {
	a := NewPortAllocator(allocatorConfig(19000, 19100))

	http, https := a.ContainerPorts("--http-port=6900\n--https-port=6901")
	if http != 6900 || https != 6901 {
		t.Errorf("ContainerPorts = (%d, %d), want CONF values (6900, 6901)", http, https)
	}

	// CONF silent: fall back to the AceStream ranges
	http, https = a.ContainerPorts("")
	if http < 6878 || http > 6978 {
		t.Errorf("fallback http port %d outside ace range", http)
	}
	if https < 6978 || https > 7078 {
		t.Errorf("fallback https port %d outside ace range", https)
	}
}
